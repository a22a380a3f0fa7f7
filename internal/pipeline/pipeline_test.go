package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raine/leak-detector/internal/annotate"
	"github.com/raine/leak-detector/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type analyzerFunc func(ctx context.Context, req *llm.AnalysisRequest) (*llm.AnalysisResult, error)

func (f analyzerFunc) Analyze(ctx context.Context, req *llm.AnalysisRequest) (*llm.AnalysisResult, error) {
	return f(ctx, req)
}

func respond(text string) analyzerFunc {
	return func(ctx context.Context, req *llm.AnalysisRequest) (*llm.AnalysisResult, error) {
		return &llm.AnalysisResult{Text: text}, nil
	}
}

type temporaryError struct{}

func (temporaryError) Error() string   { return "service unavailable" }
func (temporaryError) Temporary() bool { return true }

func testImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 120, 120))))
	return buf.Bytes()
}

func newTestPipeline(a llm.Analyzer, opts Options) *Pipeline {
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = time.Millisecond
	}
	return New(a, annotate.NewRenderer(annotate.DefaultQuality), opts)
}

func TestRun_EmptyImage(t *testing.T) {
	p := newTestPipeline(respond(`{"leaks":[]}`), Options{})

	res, err := p.Run(context.Background(), Input{})
	assert.Nil(t, res)
	require.Error(t, err)
	assert.Equal(t, KindInput, KindOf(err))
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestRun_NoCredentialsPassesThrough(t *testing.T) {
	img := testImage(t)
	p := newTestPipeline(nil, Options{})

	res, err := p.Run(context.Background(), Input{Image: img, Pressure: llm.NewPressureReading(20, 16.5)})
	require.NoError(t, err)

	assert.False(t, res.Annotated)
	assert.Equal(t, EncodeImage(img), res.Image)
	assert.Empty(t, res.Detections)
	assert.Equal(t, llm.TierSignificant, res.PressureTier)
	require.NotNil(t, res.Fallback)
	assert.Equal(t, KindConfigAbsent, res.Fallback.Kind)
	assert.ErrorIs(t, res.Fallback, ErrNotConfigured)
	assert.NotEmpty(t, res.InvocationID)
}

func TestRun_MediumOnlyPassesThrough(t *testing.T) {
	img := testImage(t)
	p := newTestPipeline(respond(`{"leaks":[{"x":10,"y":10,"width":50,"height":40,"confidence":"medium"}]}`), Options{})

	res, err := p.Run(context.Background(), Input{Image: img})
	require.NoError(t, err)

	assert.False(t, res.Annotated)
	assert.Equal(t, EncodeImage(img), res.Image)
	assert.Empty(t, res.Detections)
	assert.Equal(t, 1, res.Discarded)
	assert.Nil(t, res.Fallback)
}

func TestRun_HighConfidenceAnnotates(t *testing.T) {
	img := testImage(t)
	var gotReq *llm.AnalysisRequest
	p := newTestPipeline(analyzerFunc(func(ctx context.Context, req *llm.AnalysisRequest) (*llm.AnalysisResult, error) {
		gotReq = req
		return &llm.AnalysisResult{
			Text:  `{"leaks":[{"x":10,"y":10,"width":50,"height":40,"confidence":"high","description":"stain"}]}`,
			Usage: llm.Usage{InputTokens: 1200},
		}, nil
	}), Options{})

	res, err := p.Run(context.Background(), Input{Image: img, Pressure: llm.NewPressureReading(12.0, 12.8)})
	require.NoError(t, err)

	assert.True(t, res.Annotated)
	assert.Nil(t, res.Fallback)
	assert.Equal(t, llm.TierNormal, res.PressureTier)
	assert.Equal(t, int64(1200), res.Usage.InputTokens)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, "stain", res.Detections[0].Description)

	out, err := DecodeImage(res.Image)
	require.NoError(t, err)
	assert.NotEqual(t, img, out)
	_, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	require.NotNil(t, gotReq)
	assert.Contains(t, gotReq.Instruction, "Pressure is normal")
	assert.Equal(t, "image/png", gotReq.MIMEType)
}

func TestRun_SchemaFailurePassesThrough(t *testing.T) {
	tests := map[string]string{
		"truncated": `{"leaks":[{"x":10,"y":10`,
		"prose":     "I see no leaks in this picture.",
		"fenced":    "```json\n{\"leaks\": [\n```",
	}

	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			img := testImage(t)
			res, err := newTestPipeline(respond(text), Options{}).Run(context.Background(), Input{Image: img})
			require.NoError(t, err)

			assert.False(t, res.Annotated)
			assert.Equal(t, EncodeImage(img), res.Image)
			require.NotNil(t, res.Fallback)
			assert.Equal(t, KindSchema, res.Fallback.Kind)
		})
	}
}

func TestRun_EmptyResponseIsServiceFailure(t *testing.T) {
	img := testImage(t)
	res, err := newTestPipeline(respond(""), Options{}).Run(context.Background(), Input{Image: img})
	require.NoError(t, err)

	require.NotNil(t, res.Fallback)
	assert.Equal(t, KindService, res.Fallback.Kind)
	assert.ErrorIs(t, res.Fallback, llm.ErrNoResponse)
	assert.Equal(t, EncodeImage(img), res.Image)
}

func TestRun_NilResultIsServiceFailure(t *testing.T) {
	p := newTestPipeline(analyzerFunc(func(ctx context.Context, req *llm.AnalysisRequest) (*llm.AnalysisResult, error) {
		return nil, nil
	}), Options{})

	res, err := p.Run(context.Background(), Input{Image: testImage(t)})
	require.NoError(t, err)
	require.NotNil(t, res.Fallback)
	assert.Equal(t, KindService, res.Fallback.Kind)
}

func TestRun_ServiceErrorPassesThrough(t *testing.T) {
	img := testImage(t)
	var calls atomic.Int32
	p := newTestPipeline(analyzerFunc(func(ctx context.Context, req *llm.AnalysisRequest) (*llm.AnalysisResult, error) {
		calls.Add(1)
		return nil, errors.New("permission denied")
	}), Options{Retries: 3})

	res, err := p.Run(context.Background(), Input{Image: img})
	require.NoError(t, err)

	assert.False(t, res.Annotated)
	assert.Equal(t, EncodeImage(img), res.Image)
	require.NotNil(t, res.Fallback)
	assert.Equal(t, KindService, res.Fallback.Kind)
	assert.Equal(t, int32(1), calls.Load(), "permanent errors are not retried")
}

func TestRun_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	p := newTestPipeline(analyzerFunc(func(ctx context.Context, req *llm.AnalysisRequest) (*llm.AnalysisResult, error) {
		if calls.Add(1) < 3 {
			return nil, temporaryError{}
		}
		return &llm.AnalysisResult{Text: `{"leaks":[{"x":5,"y":50,"width":20,"height":20,"confidence":"high"}]}`}, nil
	}), Options{Retries: 2})

	res, err := p.Run(context.Background(), Input{Image: testImage(t)})
	require.NoError(t, err)

	assert.True(t, res.Annotated)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRun_RetriesGeminiAPIErrors(t *testing.T) {
	var calls atomic.Int32
	p := newTestPipeline(analyzerFunc(func(ctx context.Context, req *llm.AnalysisRequest) (*llm.AnalysisResult, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("failed to generate content: %w", genai.APIError{Code: 503, Status: "UNAVAILABLE"})
		}
		return &llm.AnalysisResult{Text: `{"leaks":[{"x":5,"y":50,"width":20,"height":20,"confidence":"high"}]}`}, nil
	}), Options{Retries: 2})

	res, err := p.Run(context.Background(), Input{Image: testImage(t)})
	require.NoError(t, err)

	assert.True(t, res.Annotated)
	assert.Nil(t, res.Fallback)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"temporary", temporaryError{}, true},
		{"rest 503", &llm.StatusError{StatusCode: 503}, true},
		{"rest 400", &llm.StatusError{StatusCode: 400}, false},
		{"gemini 503", fmt.Errorf("failed to generate content: %w", genai.APIError{Code: 503}), true},
		{"gemini 429", genai.APIError{Code: 429}, true},
		{"gemini 500 pointer", &genai.APIError{Code: 500}, true},
		{"gemini 400", fmt.Errorf("failed to generate content: %w", genai.APIError{Code: 400}), false},
		{"gemini 403", genai.APIError{Code: 403}, false},
		{"plain", errors.New("permission denied"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransientError(tt.err))
		})
	}
}

func TestNextBackoff_ReachesCap(t *testing.T) {
	d := defaultInitialBackoff
	var seen []time.Duration
	for range 6 {
		d = nextBackoff(d, defaultMaxBackoff)
		seen = append(seen, d)
	}

	assert.Equal(t, []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}, seen)
}

func TestRun_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	p := newTestPipeline(analyzerFunc(func(ctx context.Context, req *llm.AnalysisRequest) (*llm.AnalysisResult, error) {
		calls.Add(1)
		return nil, temporaryError{}
	}), Options{Retries: 1})

	res, err := p.Run(context.Background(), Input{Image: testImage(t)})
	require.NoError(t, err)

	require.NotNil(t, res.Fallback)
	assert.Equal(t, KindService, res.Fallback.Kind)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_NoRetriesByDefault(t *testing.T) {
	var calls atomic.Int32
	p := newTestPipeline(analyzerFunc(func(ctx context.Context, req *llm.AnalysisRequest) (*llm.AnalysisResult, error) {
		calls.Add(1)
		return nil, temporaryError{}
	}), Options{})

	_, err := p.Run(context.Background(), Input{Image: testImage(t)})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_TimeoutPassesThrough(t *testing.T) {
	img := testImage(t)
	p := newTestPipeline(analyzerFunc(func(ctx context.Context, req *llm.AnalysisRequest) (*llm.AnalysisResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	res, err := p.Run(context.Background(), Input{Image: img})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	require.NotNil(t, res.Fallback)
	assert.Equal(t, KindService, res.Fallback.Kind)
	assert.ErrorIs(t, res.Fallback, context.DeadlineExceeded)
	assert.Equal(t, EncodeImage(img), res.Image)
}

func TestRun_OffCanvasDetectionPassesThrough(t *testing.T) {
	img := testImage(t)
	p := newTestPipeline(respond(`{"leaks":[{"x":500,"y":500,"width":10,"height":10,"confidence":"high"}]}`), Options{})

	res, err := p.Run(context.Background(), Input{Image: img})
	require.NoError(t, err)

	assert.False(t, res.Annotated)
	assert.Len(t, res.Detections, 1)
	assert.Nil(t, res.Fallback)
	assert.Equal(t, EncodeImage(img), res.Image)
}

func TestRun_UndecodableImageFallsBackToRender(t *testing.T) {
	img := []byte("raw bytes the decoder cannot read")
	p := newTestPipeline(respond(`{"leaks":[{"x":1,"y":1,"width":10,"height":10,"confidence":"high"}]}`), Options{})

	res, err := p.Run(context.Background(), Input{Image: img})
	require.NoError(t, err)

	require.NotNil(t, res.Fallback)
	assert.Equal(t, KindRender, res.Fallback.Kind)
	assert.Equal(t, EncodeImage(img), res.Image)
}

func TestRun_ConcurrentInvocationsAreIndependent(t *testing.T) {
	p := newTestPipeline(respond(`{"leaks":[{"x":5,"y":50,"width":20,"height":20,"confidence":"high"}]}`), Options{})
	img := testImage(t)

	ids := make(chan string, 8)
	done := make(chan struct{})
	for range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			res, err := p.Run(context.Background(), Input{Image: img})
			if assert.NoError(t, err) {
				assert.True(t, res.Annotated)
				ids <- res.InvocationID
			}
		}()
	}
	for range 8 {
		<-done
	}
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestEncodeDecodeImage(t *testing.T) {
	img := []byte{0x00, 0xFF, 0x10, 'a'}
	out, err := DecodeImage(EncodeImage(img))
	require.NoError(t, err)
	assert.Equal(t, img, out)

	_, err = DecodeImage("not base64!")
	assert.Error(t, err)
}

func TestError(t *testing.T) {
	err := newError(KindSchema, "pipeline.interpret", errors.New("bad json"))
	assert.Equal(t, "pipeline.interpret (schema): bad json", err.Error())
	assert.Equal(t, KindSchema, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
