package llm

import (
	"context"
	"errors"
)

// ErrNoResponse signals that the vision service returned nothing usable.
var ErrNoResponse = errors.New("no usable response from vision service")

// Usage contains token usage and cost information.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

// AnalysisResult contains the raw response text and usage information.
// Text is empty when the service produced no candidate.
type AnalysisResult struct {
	Text   string
	Usage  Usage
	Cached bool
}

// Analyzer sends a composed request to an external vision service.
type Analyzer interface {
	// Analyze issues exactly one outbound call for the request.
	Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error)
}

// Model returns the model name an analyzer targets, or "" if it is not known.
func Model(a Analyzer) string {
	curr := a
	for {
		switch t := curr.(type) {
		case *GeminiAnalyzer:
			return t.model
		case *RESTAnalyzer:
			return t.model
		case *CachedAnalyzer:
			curr = t.inner
		default:
			return ""
		}
	}
}

// Per-million token pricing used for cost estimates.
const (
	inputPricePerMillion  = 0.30
	outputPricePerMillion = 2.50
)

func calculateCost(inputTokens, outputTokens int64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * inputPricePerMillion
	outputCost := float64(outputTokens) / 1_000_000 * outputPricePerMillion
	return inputCost + outputCost
}
