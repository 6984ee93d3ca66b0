package rootcause

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/error-intel/internal/models"
)

//go:embed knowledge.yaml
var defaultKnowledge []byte

// KnowledgeEntry maps exception types and message keywords to a known cause.
type KnowledgeEntry struct {
	ID             string                      `yaml:"id"`
	Category       string                      `yaml:"category"`
	Description    string                      `yaml:"description"`
	Confidence     float64                     `yaml:"confidence"`
	Severity       models.Severity             `yaml:"severity"`
	ExceptionTypes []string                    `yaml:"exception_types"`
	Keywords       []string                    `yaml:"keywords"`
	Suggestions    []models.SolutionSuggestion `yaml:"suggestions"`
}

// KnowledgeFile is the YAML root structure.
type KnowledgeFile struct {
	Entries []KnowledgeEntry `yaml:"entries"`
}

// KnowledgeBase looks up known causes for an exception.
type KnowledgeBase struct {
	entries []KnowledgeEntry
}

// LoadKnowledgeBase reads entries from path. An empty path or a missing file
// falls back to the built-in entries.
func LoadKnowledgeBase(path string, logger *slog.Logger) (*KnowledgeBase, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data := defaultKnowledge
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			data = raw
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("knowledge base not found, using built-in entries", slog.String("path", path))
		default:
			return nil, fmt.Errorf("read knowledge base %s: %w", path, err)
		}
	}
	return ParseKnowledgeBase(data)
}

// ParseKnowledgeBase decodes a YAML knowledge base.
func ParseKnowledgeBase(data []byte) (*KnowledgeBase, error) {
	var file KnowledgeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse knowledge base: %w", err)
	}
	for i := range file.Entries {
		e := &file.Entries[i]
		if e.Category == "" {
			return nil, fmt.Errorf("knowledge entry %q has no category", e.ID)
		}
		if e.Confidence <= 0 || e.Confidence > 1 {
			e.Confidence = 0.5
		}
		if e.Severity == "" {
			e.Severity = models.SeverityMedium
		}
		for j := range e.Suggestions {
			if e.Suggestions[j].Risk == "" {
				e.Suggestions[j].Risk = models.RiskMedium
			}
			if e.Suggestions[j].Category == "" {
				e.Suggestions[j].Category = e.Category
			}
		}
	}
	return &KnowledgeBase{entries: file.Entries}, nil
}

// Len returns the number of entries.
func (kb *KnowledgeBase) Len() int {
	if kb == nil {
		return 0
	}
	return len(kb.entries)
}

// Lookup returns the first entry matching the exception type, then the first
// matching a message keyword. byType reports which kind of match it was.
func (kb *KnowledgeBase) Lookup(exceptionType, message string) (entry KnowledgeEntry, byType bool, ok bool) {
	if kb == nil {
		return KnowledgeEntry{}, false, false
	}
	typ := strings.ToLower(exceptionType)
	if typ != "" {
		for _, e := range kb.entries {
			for _, t := range e.ExceptionTypes {
				if t != "" && strings.Contains(typ, strings.ToLower(t)) {
					return e, true, true
				}
			}
		}
	}
	msg := strings.ToLower(message)
	if msg != "" {
		for _, e := range kb.entries {
			for _, kw := range e.Keywords {
				if kw != "" && strings.Contains(msg, strings.ToLower(kw)) {
					return e, false, true
				}
			}
		}
	}
	return KnowledgeEntry{}, false, false
}
