package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// DefaultRESTBaseURL is the public Gemini REST endpoint.
const DefaultRESTBaseURL = "https://generativelanguage.googleapis.com"

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vision service returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the call may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RESTAnalyzer talks to the generateContent endpoint over plain HTTP JSON.
type RESTAnalyzer struct {
	httpClient *resty.Client
	model      string
}

// NewRESTAnalyzer creates an analyzer for baseURL authenticated with apiKey.
func NewRESTAnalyzer(baseURL, apiKey, model string, timeout time.Duration) *RESTAnalyzer {
	if baseURL == "" {
		baseURL = DefaultRESTBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("x-goog-api-key", apiKey).
		SetHeader("Content-Type", "application/json").
		SetDebug(false)
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &RESTAnalyzer{httpClient: client, model: model}
}

type restInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type restPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *restInlineData `json:"inlineData,omitempty"`
}

type restContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []restPart `json:"parts"`
}

type restGenerationConfig struct {
	Temperature      float32       `json:"temperature"`
	TopP             float32       `json:"topP"`
	TopK             float32       `json:"topK"`
	ResponseMIMEType string        `json:"responseMimeType"`
	ResponseSchema   *genai.Schema `json:"responseSchema,omitempty"`
}

type restRequest struct {
	Contents         []restContent        `json:"contents"`
	GenerationConfig restGenerationConfig `json:"generationConfig"`
}

type restResponse struct {
	Candidates []struct {
		Content restContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (r *restResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Analyze implements the Analyzer interface over HTTP.
func (a *RESTAnalyzer) Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error) {
	body := restRequest{
		Contents: []restContent{{
			Role: "user",
			Parts: []restPart{
				{Text: req.Instruction},
				{InlineData: &restInlineData{
					MIMEType: req.MIMEType,
					Data:     base64.StdEncoding.EncodeToString(req.Image),
				}},
			},
		}},
		GenerationConfig: restGenerationConfig{
			Temperature:      req.Sampling.Temperature,
			TopP:             req.Sampling.TopP,
			TopK:             req.Sampling.TopK,
			ResponseMIMEType: "application/json",
			ResponseSchema:   req.Schema,
		},
	}

	var out restResponse
	res, err := a.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetPathParam("model", a.model).
		Post("/v1beta/models/{model}:generateContent")
	if err != nil {
		return nil, fmt.Errorf("vision request failed: %w", err)
	}
	if res.IsError() {
		return nil, &StatusError{StatusCode: res.StatusCode(), Body: truncate(res.String(), 512)}
	}

	usage := Usage{}
	if out.UsageMetadata != nil {
		usage.InputTokens = out.UsageMetadata.PromptTokenCount
		usage.OutputTokens = out.UsageMetadata.CandidatesTokenCount
		usage.TotalTokens = out.UsageMetadata.TotalTokenCount
		usage.CostUSD = calculateCost(usage.InputTokens, usage.OutputTokens)
	}

	log.Info().
		Str("model", a.model).
		Int("status", res.StatusCode()).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Msg("leak detection rest call")

	return &AnalysisResult{Text: out.text(), Usage: usage}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
