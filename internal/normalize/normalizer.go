package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/miradorstack/error-intel/internal/models"
)

const (
	defaultMaxMessageLength = 4096
	defaultMaxKeyFrames     = 5
)

// Replacement order matters: specific shapes go first so generic ones
// (hex ids, bare numbers) never eat into a GUID, date, URL or path.
var replacements = []struct {
	re          *regexp.Regexp
	placeholder string
}{
	{regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), "<guid>"},
	{regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?)?\b`), "<timestamp>"},
	{regexp.MustCompile(`\b\d{4}/\d{2}/\d{2} \d{2}:\d{2}(?::\d{2})?\b`), "<timestamp>"},
	{regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://[^\s"'<>]+`), "<url>"},
	{regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`), "<email>"},
	{regexp.MustCompile(`\b[A-Za-z]:\\(?:[^\\\s:*?"<>|]+\\)*[^\\\s:*?"<>|]*(?::\d+)?`), "<path>"},
	{regexp.MustCompile(`(?:^|\s|\()(?:\.{0,2}/[\w.@-]+){2,}/?(?::\d+)?`), " <path>"},
	{regexp.MustCompile(`\{[^{}]*:[^{}]*\}`), "<json>"},
	{regexp.MustCompile(`"[^"\n]*"|'[^'\n]*'`), "<str>"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(?::\d+)?\b`), "<ip>"},
}

var (
	prefixedHexPattern = regexp.MustCompile(`\b0[xX][0-9a-fA-F]+\b`)
	bareHexPattern     = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	numberPattern      = regexp.MustCompile(`\b\d+(?:\.\d+)?(?:ms|us|ns|s|m|h|kb|mb|gb)?\b`)
)

// Options tunes the normalizer.
type Options struct {
	MaxMessageLength int
	MaxKeyFrames     int
	// AppNamespaces are qualified-name prefixes treated as application code.
	// When empty, any frame not recognised as framework code counts.
	AppNamespaces []string
	// FrameworkPrefixes extends the built-in framework frame list.
	FrameworkPrefixes []string
}

// Normalizer canonicalises raw error text into a comparable, hashable form.
type Normalizer struct {
	opts      Options
	framework []string
	logger    *slog.Logger
}

// New constructs a Normalizer, filling unset options with defaults.
func New(opts Options, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaultMaxMessageLength
	}
	if opts.MaxKeyFrames <= 0 {
		opts.MaxKeyFrames = defaultMaxKeyFrames
	}
	framework := append([]string(nil), defaultFrameworkPrefixes...)
	framework = append(framework, opts.FrameworkPrefixes...)
	return &Normalizer{opts: opts, framework: framework, logger: logger}
}

// Normalize never fails: a panic or an empty result degrades to the trimmed,
// lowercased raw message.
func (n *Normalizer) Normalize(message, stackTrace string) (out models.NormalizedText) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("normalizer recovered from panic", slog.Any("panic", r))
			out = fallback(message)
		}
	}()

	text := NormalizeMessage(message, n.opts.MaxMessageLength)
	if text == "" {
		return fallback(message)
	}
	return models.NormalizedText{
		Text:      text,
		KeyFrames: n.KeyFrames(stackTrace),
	}
}

// NormalizeMessage applies the placeholder substitutions to a single message.
func NormalizeMessage(message string, maxLen int) string {
	s := sanitize(message, maxLen)
	for _, r := range replacements {
		s = r.re.ReplaceAllString(s, r.placeholder)
	}
	s = prefixedHexPattern.ReplaceAllString(s, "<hex>")
	s = bareHexPattern.ReplaceAllStringFunc(s, func(tok string) string {
		if strings.ContainsAny(tok, "0123456789") && strings.ContainsAny(tok, "abcdefABCDEF") {
			return "<hex>"
		}
		return tok
	})
	s = numberPattern.ReplaceAllString(s, "<num>")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Signature hashes the canonical form; identical input always yields the same value.
func Signature(text models.NormalizedText) string {
	return Hash(text.Canonical())
}

// Hash returns the hex SHA-256 digest of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func sanitize(message string, maxLen int) string {
	if !utf8.ValidString(message) {
		message = strings.ToValidUTF8(message, "")
	}
	if maxLen > 0 && len(message) > maxLen {
		message = message[:maxLen]
		// Truncation may have split a rune.
		message = strings.ToValidUTF8(message, "")
	}
	return message
}

func fallback(message string) models.NormalizedText {
	return models.NormalizedText{Text: strings.ToLower(strings.TrimSpace(strings.ToValidUTF8(message, "")))}
}
