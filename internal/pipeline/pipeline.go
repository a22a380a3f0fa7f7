// Package pipeline runs one leak detection invocation end to end: compose the
// request, call the vision service, interpret and filter the response, and
// render the surviving detections. Any failure after input validation
// degrades to returning the original image.
package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/raine/leak-detector/internal/annotate"
	"github.com/raine/leak-detector/internal/llm"
	"github.com/raine/leak-detector/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const (
	// DefaultTimeout bounds a single vision service attempt.
	DefaultTimeout = 30 * time.Second

	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	maxRetries            = 5
)

// Options tunes the external call.
type Options struct {
	Timeout        time.Duration
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Input is one inbound photograph plus optional pressure readings.
type Input struct {
	Image    []byte
	Pressure llm.PressureReading
}

// Result is the outcome of one invocation. Image always holds the base64
// form of either the annotated or the original image.
type Result struct {
	InvocationID string
	Image        string
	Annotated    bool
	Detections   []llm.Detection
	Discarded    int
	PressureTier llm.PressureTier
	Usage        llm.Usage
	// Fallback explains why the run passed the original image through. It is
	// nil for annotated runs and for runs that simply found nothing.
	Fallback *Error
}

// Pipeline holds no per-invocation state and is safe for concurrent use.
type Pipeline struct {
	analyzer       llm.Analyzer
	renderer       *annotate.Renderer
	timeout        time.Duration
	retries        int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// New creates a pipeline. A nil analyzer means no credentials are configured
// and every run passes the image through without a network call.
func New(analyzer llm.Analyzer, renderer *annotate.Renderer, opts Options) *Pipeline {
	if renderer == nil {
		renderer = annotate.NewRenderer(annotate.DefaultQuality)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Retries > maxRetries {
		opts.Retries = maxRetries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	return &Pipeline{
		analyzer:       analyzer,
		renderer:       renderer,
		timeout:        opts.Timeout,
		retries:        opts.Retries,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
	}
}

// Run executes one invocation. The only error it returns is a KindInput
// error for an empty image.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	id := uuid.NewString()
	logger := log.With().Str("invocationID", id).Logger()

	if len(in.Image) == 0 {
		metrics.ObserveRun(metrics.OutcomeInputError, string(KindInput))
		return nil, newError(KindInput, "pipeline.validate_input", ErrEmptyImage)
	}

	res := &Result{
		InvocationID: id,
		Image:        EncodeImage(in.Image),
		PressureTier: llm.ClassifyPressure(in.Pressure),
	}

	if p.analyzer == nil {
		logger.Debug().Msg("no vision credentials, passing image through")
		return p.passThrough(res, newError(KindConfigAbsent, "pipeline.analyzer", ErrNotConfigured)), nil
	}

	req, err := llm.ComposeRequest(in.Image, in.Pressure)
	if err != nil {
		return nil, newError(KindInput, "pipeline.compose_request", err)
	}
	logger.Debug().
		Str("pressureTier", res.PressureTier.String()).
		Str("mimeType", req.MIMEType).
		Int("imageBytes", len(req.Image)).
		Msg("composed analysis request")

	analysis, err := p.callService(ctx, logger, req)
	if err != nil {
		logger.Error().Err(err).Msg("vision service call failed")
		return p.passThrough(res, newError(KindService, "pipeline.analyze", err)), nil
	}
	res.Usage = analysis.Usage

	raws, err := llm.InterpretResponse(analysis.Text)
	if errors.Is(err, llm.ErrNoResponse) {
		logger.Warn().Msg("vision service returned no usable response")
		return p.passThrough(res, newError(KindService, "pipeline.interpret", err)), nil
	}
	if err != nil {
		logger.Error().Err(err).Str("response", analysis.Text).Msg("failed to interpret vision response")
		return p.passThrough(res, newError(KindSchema, "pipeline.interpret", err)), nil
	}

	kept, discarded := llm.FilterDetections(raws)
	metrics.ObserveDetections(len(kept), discarded)
	res.Discarded = discarded
	logger.Info().
		Int("candidates", len(raws)).
		Int("detections", len(kept)).
		Int("discarded", discarded).
		Bool("cached", analysis.Cached).
		Msg("filtered detections")

	if len(kept) == 0 {
		metrics.ObserveRun(metrics.OutcomePassThrough, "no_detections")
		return res, nil
	}
	res.Detections = kept

	annotated, drawn, err := p.renderer.Render(in.Image, kept)
	if err != nil {
		logger.Error().Err(err).Msg("failed to render annotations")
		return p.passThrough(res, newError(KindRender, "pipeline.render", err)), nil
	}
	if drawn == 0 {
		metrics.ObserveRun(metrics.OutcomePassThrough, "nothing_drawn")
		return res, nil
	}

	res.Image = EncodeImage(annotated)
	res.Annotated = true
	metrics.ObserveRun(metrics.OutcomeAnnotated, "")
	logger.Info().Int("annotations", drawn).Msg("annotated image")
	return res, nil
}

func (p *Pipeline) passThrough(res *Result, cause *Error) *Result {
	res.Fallback = cause
	metrics.ObserveRun(metrics.OutcomePassThrough, string(cause.Kind))
	return res
}

// callService issues the request with a per-attempt timeout, retrying
// transient failures up to p.retries times with exponential backoff.
func (p *Pipeline) callService(ctx context.Context, logger zerolog.Logger, req *llm.AnalysisRequest) (*llm.AnalysisResult, error) {
	backoff := p.initialBackoff
	var err error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff, p.maxBackoff)
		}

		var result *llm.AnalysisResult
		result, err = p.attempt(ctx, req)
		if err == nil {
			if attempt > 0 {
				logger.Info().Int("attempt", attempt+1).Msg("vision call succeeded after retry")
			}
			return result, nil
		}

		if ctx.Err() != nil || !isTransientError(err) {
			return nil, err
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("transient vision service error")
	}
	return nil, err
}

func (p *Pipeline) attempt(ctx context.Context, req *llm.AnalysisRequest) (*llm.AnalysisResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	result, err := p.analyzer.Analyze(callCtx, req)
	metrics.ObserveServiceCall(time.Since(start))
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &llm.AnalysisResult{}, nil
	}
	return result, nil
}

// nextBackoff doubles d, capped at limit.
func nextBackoff(d, limit time.Duration) time.Duration {
	return min(d*2, limit)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.Code)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return retryableStatus(apiErrPtr.Code)
	}

	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
