package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// heuristicCharsPerToken approximates English text when no encoding
	// is available.
	heuristicCharsPerToken = 4
	// promptOverheadTokens accounts for the chat message framing and
	// system prompt wrapped around the user text.
	promptOverheadTokens = 40
)

// Estimator predicts the prompt token cost of a message before the model
// call, for the token-budget pre-check. Estimates are deterministic for
// a given model and text. Actual usage reported by the upstream call is
// reconciled afterwards, so precision here only affects how early the
// budget trips, not the accounting of record.
type Estimator struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

func NewEstimator() *Estimator {
	return &Estimator{
		encodings: make(map[string]*tiktoken.Tiktoken),
	}
}

// Estimate returns the estimated prompt tokens for text sent to model.
func (e *Estimator) Estimate(model, text string) int {
	if enc := e.encoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil)) + promptOverheadTokens
	}
	return utf8.RuneCountInString(text)/heuristicCharsPerToken + promptOverheadTokens
}

func (e *Estimator) encoding(model string) *tiktoken.Tiktoken {
	e.mu.RLock()
	enc, ok := e.encodings[model]
	e.mu.RUnlock()
	if ok {
		return enc
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok = e.encodings[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		// No encoding available (e.g. offline); the char heuristic
		// takes over. Cache the miss.
		enc = nil
	}
	e.encodings[model] = enc
	return enc
}
