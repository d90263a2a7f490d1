package discovery

import (
	"math"
	"strings"
	"time"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// scoringConfig carries the knobs the scorer needs from the service.
type scoringConfig struct {
	officialPrefix string
	now            time.Time
}

// recencyHalfLife is the age at which an entry's recency weight halves.
const recencyHalfLife = 365 * 24 * time.Hour

// scoreEntry turns one filtered catalog entry into a candidate for the
// given descriptor. Relevance is the jaccard overlap between the
// descriptor's search terms and the entry's derived keywords, weighted by
// popularity and recency; quality is a bounded sum of indicators.
func scoreEntry(e Entry, d core.CapabilityDescriptor, cfg scoringConfig) core.Candidate {
	keywords := derivedKeywords(e)
	terms := normalizeTerms(d.SearchTerms)

	jac := jaccard(terms, keywords)
	popWeight := 0.5 + 0.5*clamp01(e.Popularity)
	recWeight := 0.5 + 0.5*recency(e.LastUpdated, cfg.now)
	relevance := clamp01(jac * popWeight * recWeight)

	quality := 0.1 // floor so a relevant unknown package still ranks
	if cfg.officialPrefix != "" && strings.HasPrefix(e.Name, cfg.officialPrefix) {
		quality += 0.4
	}
	if !e.LastUpdated.IsZero() && cfg.now.Sub(e.LastUpdated) < 90*24*time.Hour {
		quality += 0.3
	}
	if e.Popularity >= 0.5 {
		quality += 0.3
	}
	if quality > 1 {
		quality = 1
	}

	var matched []string
	for _, t := range terms {
		if _, ok := keywords[t]; ok {
			matched = append(matched, t)
		}
	}

	return core.Candidate{
		Name:           e.Name,
		Version:        e.Version,
		Source:         core.SourceRegistry,
		InstallCommand: "npm install " + e.Name + "@" + e.Version,
		Capabilities:   matched,
		RelevanceScore: relevance,
		QualityScore:   quality,
	}
}

// recency decays with a one-year half-life; entries without a date get 0.
func recency(updated, now time.Time) float64 {
	if updated.IsZero() {
		return 0
	}
	age := now.Sub(updated)
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(recencyHalfLife))
}

// derivedKeywords tokenizes an entry's name and keywords into a set.
func derivedKeywords(e Entry) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range tokenize(e.Name) {
		set[tok] = struct{}{}
	}
	for _, k := range e.Keywords {
		for _, tok := range tokenize(k) {
			set[tok] = struct{}{}
		}
	}
	return set
}

// tokenize splits on the separators package names use: /, -, _, ., @.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		switch r {
		case '/', '-', '_', '.', '@', ' ':
			return true
		}
		return false
	})
}

func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	seen := make(map[string]struct{})
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func jaccard(terms []string, keywords map[string]struct{}) float64 {
	if len(terms) == 0 || len(keywords) == 0 {
		return 0
	}
	inter := 0
	for _, t := range terms {
		if _, ok := keywords[t]; ok {
			inter++
		}
	}
	union := len(terms) + len(keywords) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
