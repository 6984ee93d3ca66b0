package rootcause

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/error-intel/internal/models"
	"github.com/miradorstack/error-intel/internal/normalize"
)

const (
	spikeFactor       = 3.0
	frameShareMin     = 0.5
	userSkewShareMin  = 0.5
	userSkewMinErrors = 5
)

// input is the read-only material every analyzer sees.
type input struct {
	pattern     models.Pattern
	errors      []models.RawError
	resolutions []models.PatternResolution
	kb          *KnowledgeBase
	normalizer  *normalize.Normalizer
}

type analyzerFunc func(in input) []models.RootCauseHypothesis

type analyzer struct {
	name string
	run  analyzerFunc
}

var analyzers = []analyzer{
	{name: "exception_type", run: exceptionTypeHypotheses},
	{name: "temporal_spike", run: temporalSpikeHypotheses},
	{name: "stack_frames", run: stackFrameHypotheses},
	{name: "user_impact", run: userImpactHypotheses},
	{name: "historical", run: historicalHypotheses},
}

func exceptionTypeHypotheses(in input) []models.RootCauseHypothesis {
	type group struct {
		count   int
		message string
	}
	groups := map[string]*group{}
	var order []string
	for _, e := range in.errors {
		key := e.ExceptionType
		g, ok := groups[key]
		if !ok {
			g = &group{message: e.Message}
			groups[key] = g
			order = append(order, key)
		}
		g.count++
	}
	total := len(in.errors)
	if total == 0 {
		groups[in.pattern.ExceptionType] = &group{count: 1, message: in.pattern.RepresentativeText}
		order = append(order, in.pattern.ExceptionType)
		total = 1
	}

	var out []models.RootCauseHypothesis
	for _, typ := range order {
		g := groups[typ]
		share := float64(g.count) / float64(total)
		entry, byType, ok := in.kb.Lookup(typ, g.message)
		if !ok {
			if typ == "" {
				continue
			}
			out = append(out, models.RootCauseHypothesis{
				Description:        fmt.Sprintf("Unclassified %s raised by application code", typ),
				Category:           "application",
				Confidence:         round(0.3 * share),
				Severity:           models.SeverityMedium,
				SupportingEvidence: []string{fmt.Sprintf("%d of %d errors raise %s", g.count, total, typ)},
				Suggestions: []models.SolutionSuggestion{
					{Description: "Inspect the code path raising " + typ, Category: "code", Risk: models.RiskLow},
				},
			})
			continue
		}
		confidence := entry.Confidence
		evidence := fmt.Sprintf("%d of %d errors match known cause %q", g.count, total, entry.ID)
		if !byType {
			confidence *= 0.75
			evidence = fmt.Sprintf("%d of %d errors mention a %s symptom", g.count, total, entry.Category)
		}
		out = append(out, models.RootCauseHypothesis{
			Description:        entry.Description,
			Category:           entry.Category,
			Confidence:         round(confidence * share),
			Severity:           entry.Severity,
			SupportingEvidence: []string{evidence},
			Suggestions:        append([]models.SolutionSuggestion(nil), entry.Suggestions...),
		})
	}
	return out
}

func temporalSpikeHypotheses(in input) []models.RootCauseHypothesis {
	if len(in.errors) == 0 {
		return nil
	}
	buckets := map[time.Time]int{}
	first, last := in.errors[0].Timestamp, in.errors[0].Timestamp
	for _, e := range in.errors {
		buckets[e.Timestamp.UTC().Truncate(time.Hour)]++
		if e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	hours := int(last.UTC().Truncate(time.Hour).Sub(first.UTC().Truncate(time.Hour))/time.Hour) + 1
	if hours < 2 {
		return nil
	}
	mean := float64(len(in.errors)) / float64(hours)

	var spikes []time.Time
	for hour, count := range buckets {
		if float64(count) > spikeFactor*mean {
			spikes = append(spikes, hour)
		}
	}
	sort.Slice(spikes, func(i, j int) bool {
		if buckets[spikes[i]] == buckets[spikes[j]] {
			return spikes[i].Before(spikes[j])
		}
		return buckets[spikes[i]] > buckets[spikes[j]]
	})

	var out []models.RootCauseHypothesis
	for _, hour := range spikes {
		ratio := float64(buckets[hour]) / mean
		out = append(out, models.RootCauseHypothesis{
			Description: fmt.Sprintf("Error spike at %s suggests a deployment or traffic change", hour.Format(time.RFC3339)),
			Category:    "temporal",
			Confidence:  round(math.Min(0.9, 0.5+0.05*(ratio-spikeFactor))),
			Severity:    models.SeverityHigh,
			SupportingEvidence: []string{
				fmt.Sprintf("%d errors in the hour starting %s, %.1fx the hourly mean of %.1f", buckets[hour], hour.Format(time.RFC3339), ratio, mean),
			},
			Suggestions: []models.SolutionSuggestion{
				{Description: "Correlate the spike with deployments and traffic changes in that hour", Category: "temporal", Risk: models.RiskLow},
				{Description: "Roll back the change deployed before the spike", Category: "deployment", Risk: models.RiskMedium},
			},
		})
	}
	return out
}

func stackFrameHypotheses(in input) []models.RootCauseHypothesis {
	counts := map[string]int{}
	withStack := 0
	for _, e := range in.errors {
		if strings.TrimSpace(e.StackTrace) == "" {
			continue
		}
		withStack++
		for _, frame := range in.normalizer.KeyFrames(e.StackTrace) {
			counts[frame]++
		}
	}
	if withStack < 2 {
		return nil
	}
	frames := make([]string, 0, len(counts))
	for frame, n := range counts {
		if float64(n)/float64(withStack) >= frameShareMin {
			frames = append(frames, frame)
		}
	}
	sort.Slice(frames, func(i, j int) bool {
		if counts[frames[i]] == counts[frames[j]] {
			return frames[i] < frames[j]
		}
		return counts[frames[i]] > counts[frames[j]]
	})
	if len(frames) > 3 {
		frames = frames[:3]
	}

	out := make([]models.RootCauseHypothesis, 0, len(frames))
	for _, frame := range frames {
		share := float64(counts[frame]) / float64(withStack)
		out = append(out, models.RootCauseHypothesis{
			Description:        fmt.Sprintf("Failures consistently pass through %s", frame),
			Category:           "code",
			Confidence:         round(0.8 * share),
			Severity:           in.pattern.Severity,
			SupportingEvidence: []string{fmt.Sprintf("%s appears in %d of %d stack traces", frame, counts[frame], withStack)},
			Suggestions: []models.SolutionSuggestion{
				{Description: "Review recent changes to " + frame, Category: "code", Risk: models.RiskLow},
			},
		})
	}
	return out
}

func userImpactHypotheses(in input) []models.RootCauseHypothesis {
	perUser := map[string]int{}
	withUser := 0
	for _, e := range in.errors {
		if e.UserID == "" {
			continue
		}
		perUser[e.UserID]++
		withUser++
	}
	if withUser < userSkewMinErrors {
		return nil
	}
	var top string
	for user, n := range perUser {
		if top == "" || n > perUser[top] || (n == perUser[top] && user < top) {
			top = user
		}
	}
	share := float64(perUser[top]) / float64(withUser)
	if share < userSkewShareMin {
		return nil
	}
	return []models.RootCauseHypothesis{{
		Description: fmt.Sprintf("Errors are concentrated on user %s, pointing at account or data state", top),
		Category:    "user_data",
		Confidence:  round(0.7 * share),
		Severity:    models.SeverityMedium,
		SupportingEvidence: []string{
			fmt.Sprintf("user %s accounts for %d of %d attributed errors across %d users", top, perUser[top], withUser, len(perUser)),
		},
		Suggestions: []models.SolutionSuggestion{
			{Description: "Inspect the data and account state of the most affected user", Category: "user_data", Risk: models.RiskLow},
		},
	}}
}

func historicalHypotheses(in input) []models.RootCauseHypothesis {
	var out []models.RootCauseHypothesis
	for _, r := range in.resolutions {
		if !r.Successful {
			continue
		}
		confidence := 0.0
		switch {
		case r.Signature != "" && r.Signature == in.pattern.Signature:
			confidence = 0.85
		case overlaps(r.RootCause, in.pattern.RepresentativeText), overlaps(r.RootCause, in.pattern.Name):
			confidence = 0.6
		case r.ExceptionType != "" && strings.EqualFold(r.ExceptionType, in.pattern.ExceptionType):
			confidence = 0.4
		default:
			continue
		}
		h := models.RootCauseHypothesis{
			Description:        "Previously resolved: " + firstNonEmpty(r.RootCause, r.AppliedSolution),
			Category:           "historical",
			Confidence:         confidence,
			Severity:           in.pattern.Severity,
			SupportingEvidence: []string{fmt.Sprintf("resolution %s on %s", r.ID, r.ResolvedAt.UTC().Format(time.RFC3339))},
		}
		if r.AppliedSolution != "" {
			h.Suggestions = []models.SolutionSuggestion{{Description: r.AppliedSolution, Category: "historical", Risk: models.RiskLow, SuccessCount: 1}}
		}
		out = append(out, h)
	}
	return out
}

// overlaps reports case-insensitive substring containment in either direction.
func overlaps(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
