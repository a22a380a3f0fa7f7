package llm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-2.5-flash"

// GeminiAnalyzer uses the Gemini SDK for leak detection.
type GeminiAnalyzer struct {
	client *genai.Client
	model  string
}

// NewGeminiAnalyzer creates a Gemini-backed analyzer authenticated with apiKey.
func NewGeminiAnalyzer(ctx context.Context, apiKey, model string) (*GeminiAnalyzer, error) {
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiAnalyzer{client: client, model: model}, nil
}

// Analyze implements the Analyzer interface using Gemini.
func (g *GeminiAnalyzer) Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(req.Instruction),
		{InlineData: &genai.Blob{Data: req.Image, MIMEType: req.MIMEType}},
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, generateConfig(req))
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}

	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return &AnalysisResult{}, nil
	}

	usage := Usage{}
	if result.UsageMetadata != nil {
		usage.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int64(result.UsageMetadata.TotalTokenCount)
		usage.CostUSD = calculateCost(usage.InputTokens, usage.OutputTokens)
	}

	log.Info().
		Str("model", g.model).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Msg("leak detection llm call")

	return &AnalysisResult{Text: result.Text(), Usage: usage}, nil
}

func generateConfig(req *AnalysisRequest) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(req.Sampling.Temperature),
		TopP:             genai.Ptr(req.Sampling.TopP),
		TopK:             genai.Ptr(req.Sampling.TopK),
		ResponseMIMEType: "application/json",
		ResponseSchema:   req.Schema,
	}
}
