package token

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator estimates the token cost of a piece of message content.
// The view exporter and the store's budgeted listing both depend on it.
type Estimator interface {
	Estimate(content []byte) int
}

// TiktokenEstimator counts tokens with a real BPE encoding. Falls back
// to a bytes/4 heuristic when the encoding cannot be initialized (for
// example in offline environments where the encoding file is absent).
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewEstimator returns a tiktoken-backed estimator for the given
// encoding name. Initialization failure is not fatal: the estimator
// degrades to the heuristic and logs once.
func NewEstimator(encoding string) *TiktokenEstimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		slog.Warn("Tokenizer unavailable, using heuristic estimate", "encoding", encoding, "error", err)
		return &TiktokenEstimator{}
	}
	return &TiktokenEstimator{enc: enc}
}

func (e *TiktokenEstimator) Estimate(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	if e.enc == nil {
		return heuristic(content)
	}
	return len(e.enc.Encode(string(content), nil, nil))
}

// Heuristic is the fallback estimator: roughly four bytes per token.
// Tests use it directly so they never depend on encoding downloads.
type Heuristic struct{}

func (Heuristic) Estimate(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	return heuristic(content)
}

func heuristic(content []byte) int {
	return (len(content) + 3) / 4
}
