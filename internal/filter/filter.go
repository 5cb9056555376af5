package filter

import (
	"regexp"
	"strings"
	"unicode"
)

// ReasonCode names a discrete trigger for a filtering rejection.
type ReasonCode string

const (
	ReasonBlockedTerm           ReasonCode = "blocked_term"
	ReasonExcessiveCaps         ReasonCode = "excessive_caps"
	ReasonExcessiveSpecialChars ReasonCode = "excessive_special_chars"
	ReasonMessageTooLong        ReasonCode = "message_too_long"
	ReasonEmptyMessage          ReasonCode = "empty_message"
)

// Metadata is derived content information. It never affects the verdict
// except through the reason codes already recorded.
type Metadata struct {
	WordCount        int      `json:"word_count"`
	CharCount        int      `json:"char_count"`
	CapsRatio        float64  `json:"caps_ratio"`
	SpecialCharRatio float64  `json:"special_char_ratio"`
	BlockedTermHits  []string `json:"blocked_term_hits,omitempty"`
	ContainsURL      bool     `json:"contains_url"`
	ContainsCode     bool     `json:"contains_code"`
	Sentiment        string   `json:"sentiment"`
}

// Verdict is the immutable result of filtering one message.
type Verdict struct {
	Allowed  bool         `json:"allowed"`
	Reasons  []ReasonCode `json:"reasons,omitempty"`
	Metadata Metadata     `json:"metadata"`
}

// Config holds the filter thresholds.
type Config struct {
	BlockedTerms []string
	// MaxMessageLength is the maximum character count; 2000 matches the
	// platform message limit.
	MaxMessageLength int
	// CapsRatioThreshold flags messages whose uppercase/letter ratio
	// exceeds it, but only when CharCount > CapsMinLength so short
	// acronyms pass.
	CapsRatioThreshold float64
	CapsMinLength      int
	// SpecialCharRatioThreshold flags messages whose non-alphanumeric,
	// non-whitespace rune share exceeds it.
	SpecialCharRatioThreshold float64
}

var (
	urlPattern = regexp.MustCompile(`https?://`)

	positiveWords = []string{"good", "great", "excellent", "awesome", "love", "like", "happy"}
	negativeWords = []string{"bad", "terrible", "awful", "hate", "dislike", "sad", "angry"}
)

// Filter scores message content with deterministic heuristics. It is
// pure: the same text and configuration always yield the same verdict.
type Filter struct {
	cfg     Config
	blocked *regexp.Regexp
}

// New compiles the blocked-term list into a whole-word, case-insensitive
// matcher and returns a ready Filter.
func New(cfg Config) *Filter {
	f := &Filter{cfg: cfg}
	if len(cfg.BlockedTerms) > 0 {
		quoted := make([]string, 0, len(cfg.BlockedTerms))
		for _, term := range cfg.BlockedTerms {
			term = strings.TrimSpace(term)
			if term != "" {
				quoted = append(quoted, regexp.QuoteMeta(term))
			}
		}
		if len(quoted) > 0 {
			f.blocked = regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
		}
	}
	return f
}

// Check analyzes text and returns the filtering verdict. No I/O.
func (f *Filter) Check(text string) Verdict {
	meta := f.analyze(text)

	var reasons []ReasonCode

	if strings.TrimSpace(text) == "" {
		reasons = append(reasons, ReasonEmptyMessage)
	}

	for range meta.BlockedTermHits {
		reasons = append(reasons, ReasonBlockedTerm)
	}

	if meta.CharCount > f.cfg.CapsMinLength && meta.CapsRatio > f.cfg.CapsRatioThreshold {
		reasons = append(reasons, ReasonExcessiveCaps)
	}

	if meta.SpecialCharRatio > f.cfg.SpecialCharRatioThreshold {
		reasons = append(reasons, ReasonExcessiveSpecialChars)
	}

	if f.cfg.MaxMessageLength > 0 && meta.CharCount > f.cfg.MaxMessageLength {
		reasons = append(reasons, ReasonMessageTooLong)
	}

	return Verdict{
		Allowed:  len(reasons) == 0,
		Reasons:  reasons,
		Metadata: meta,
	}
}

func (f *Filter) analyze(text string) Metadata {
	meta := Metadata{
		WordCount:    len(strings.Fields(text)),
		ContainsURL:  urlPattern.MatchString(text),
		ContainsCode: strings.Contains(text, "```"),
		Sentiment:    sentiment(text),
	}

	var letters, upper, special int
	for _, r := range text {
		meta.CharCount++
		switch {
		case unicode.IsLetter(r):
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		case unicode.IsDigit(r) || unicode.IsSpace(r):
		default:
			special++
		}
	}

	if letters > 0 {
		meta.CapsRatio = float64(upper) / float64(letters)
	}
	if meta.CharCount > 0 {
		meta.SpecialCharRatio = float64(special) / float64(meta.CharCount)
	}

	if f.blocked != nil {
		for _, hit := range f.blocked.FindAllString(text, -1) {
			meta.BlockedTermHits = append(meta.BlockedTermHits, strings.ToLower(hit))
		}
	}

	return meta
}

// sentiment is a word-list heuristic, not an ML classifier. Metadata only.
func sentiment(text string) string {
	lower := strings.ToLower(text)
	var positive, negative int
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			positive++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			negative++
		}
	}
	switch {
	case positive > negative:
		return "positive"
	case negative > positive:
		return "negative"
	default:
		return "neutral"
	}
}
