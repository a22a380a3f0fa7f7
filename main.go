package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raine/leak-detector/internal/annotate"
	"github.com/raine/leak-detector/internal/config"
	"github.com/raine/leak-detector/internal/llm"
	"github.com/raine/leak-detector/internal/metrics"
	"github.com/raine/leak-detector/internal/pipeline"
	"github.com/raine/leak-detector/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
)

// scanSummary is written per image to the optional summary file.
type scanSummary struct {
	Source       string          `json:"source"`
	Output       string          `json:"output,omitempty"`
	InvocationID string          `json:"invocationId,omitempty"`
	Annotated    bool            `json:"annotated"`
	PressureTier string          `json:"pressureTier,omitempty"`
	Detections   []llm.Detection `json:"detections"`
	Discarded    int             `json:"discarded"`
	Fallback     string          `json:"fallback,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	end1 := flag.Float64("end1", 0, "pressure at pipe end 1 in PSI")
	end2 := flag.Float64("end2", 0, "pressure at pipe end 2 in PSI")
	outDir := flag.String("out", ".", "directory for output images")
	summaryPath := flag.String("summary", "", "write a JSON summary to this file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-end1 PSI -end2 PSI] [-out DIR] [-summary FILE] IMAGE...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var reading llm.PressureReading
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "end1":
			reading.End1 = end1
		case "end2":
			reading.End2 = end2
		}
	})

	if err := run(reading, *outDir, *summaryPath, flag.Args()); err != nil {
		log.Error().Err(err).Msg("scan failed")
		os.Exit(1)
	}
}

func run(reading llm.PressureReading, outDir, summaryPath string, paths []string) error {
	config.LoadEnvFile()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("logLevel", cfg.LogLevel).Msg("unknown log level, using info")
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	// Create context that cancels on SIGINT or SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	analyzer, closeAnalyzer, err := buildAnalyzer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize vision analyzer: %w", err)
	}
	defer closeAnalyzer()

	p := pipeline.New(analyzer, annotate.NewRenderer(cfg.JPEGQuality), pipeline.Options{
		Timeout: cfg.ServiceTimeout,
		Retries: cfg.ServiceRetries,
	})

	summaries, scanErr := scanAll(ctx, p, paths, reading, outDir, cfg.Concurrency)

	if summaryPath != "" {
		if err := writeSummary(summaryPath, summaries); err != nil {
			log.Error().Err(err).Msg("failed to write summary")
		}
	}

	if scanErr != nil {
		return scanErr
	}
	log.Info().Int("images", len(summaries)).Msg("scan complete")
	return nil
}

// buildAnalyzer wires the configured vision backend and response cache.
// A nil analyzer is returned when no credentials are configured.
func buildAnalyzer(ctx context.Context, cfg config.Config) (llm.Analyzer, func(), error) {
	noop := func() {}
	if !cfg.HasCredentials() {
		log.Warn().Msg("GEMINI_API_KEY is not set, images will be passed through unannotated")
		return nil, noop, nil
	}

	var analyzer llm.Analyzer
	switch cfg.Backend {
	case config.BackendREST:
		analyzer = llm.NewRESTAnalyzer(cfg.RESTBaseURL, cfg.APIKey, cfg.Model, cfg.ServiceTimeout)
	default:
		gemini, err := llm.NewGeminiAnalyzer(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, noop, err
		}
		analyzer = gemini
	}
	log.Info().Str("backend", cfg.Backend).Str("model", llm.Model(analyzer)).Msg("vision analyzer initialized")

	var cache storage.ResponseCache
	switch {
	case cfg.RedisAddr != "":
		store, err := storage.NewRedisStore(ctx, cfg.RedisAddr, cfg.CacheTTL)
		if err != nil {
			return nil, noop, err
		}
		cache = store
		log.Info().Str("redisAddr", cfg.RedisAddr).Msg("response cache enabled")
	case cfg.CacheDBPath != "":
		store, err := storage.NewSQLiteStore(cfg.CacheDBPath, cfg.CacheTTL)
		if err != nil {
			return nil, noop, err
		}
		if n, err := store.Prune(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to prune response cache")
		} else if n > 0 {
			log.Info().Int64("removed", n).Msg("pruned response cache")
		}
		cache = store
		log.Info().Str("dbPath", cfg.CacheDBPath).Msg("response cache enabled")
	default:
		return analyzer, noop, nil
	}

	closeCache := func() {
		if err := cache.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close response cache")
		}
	}
	return llm.NewCachedAnalyzer(analyzer, cache), closeCache, nil
}

// scanAll runs one pipeline invocation per image, at most limit at a time.
func scanAll(ctx context.Context, p *pipeline.Pipeline, paths []string, reading llm.PressureReading, outDir string, limit int) ([]scanSummary, error) {
	summaries := make([]scanSummary, len(paths))
	stems := outputStems(paths)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, path := range paths {
		g.Go(func() error {
			summary, err := scanOne(ctx, p, path, stems[i], reading, outDir)
			summaries[i] = summary
			return err
		})
	}

	err := g.Wait()
	return summaries, err
}

// scanOne processes a single image. Only output write failures are returned
// as errors; unreadable or empty inputs are recorded in the summary.
func scanOne(ctx context.Context, p *pipeline.Pipeline, path, stem string, reading llm.PressureReading, outDir string) (scanSummary, error) {
	summary := scanSummary{Source: path, Detections: []llm.Detection{}}

	data, err := os.ReadFile(path)
	if err != nil {
		summary.Error = err.Error()
		log.Error().Err(err).Str("path", path).Msg("failed to read image")
		return summary, nil
	}

	res, err := p.Run(ctx, pipeline.Input{Image: data, Pressure: reading})
	if err != nil {
		summary.Error = err.Error()
		log.Error().Err(err).Str("path", path).Msg("image rejected")
		return summary, nil
	}

	summary.InvocationID = res.InvocationID
	summary.Annotated = res.Annotated
	summary.PressureTier = res.PressureTier.String()
	summary.Discarded = res.Discarded
	if res.Detections != nil {
		summary.Detections = res.Detections
	}
	if res.Fallback != nil {
		summary.Fallback = res.Fallback.Error()
	}

	out, err := pipeline.DecodeImage(res.Image)
	if err != nil {
		return summary, err
	}

	outPath := outputPath(outDir, stem, path, res.Annotated)
	if err := os.WriteFile(outPath, out, 0644); err != nil {
		return summary, fmt.Errorf("failed to write %s: %w", outPath, err)
	}
	summary.Output = outPath

	log.Info().
		Str("source", path).
		Str("output", outPath).
		Bool("annotated", res.Annotated).
		Int("detections", len(res.Detections)).
		Msg("image processed")
	return summary, nil
}

// outputStems returns a distinct output name stem per source. Sources that
// share a stem get a short hash of their path appended, so no two scans in a
// batch write the same file.
func outputStems(paths []string) []string {
	counts := make(map[string]int, len(paths))
	for _, path := range paths {
		counts[sourceStem(path)]++
	}

	used := make(map[string]bool, len(paths))
	stems := make([]string, len(paths))
	for i, path := range paths {
		stem := sourceStem(path)
		if counts[stem] > 1 {
			stem += "-" + pathHash(path)
		}
		for base, n := stem, 2; used[stem]; n++ {
			stem = fmt.Sprintf("%s-%d", base, n)
		}
		used[stem] = true
		stems[i] = stem
	}
	return stems
}

func sourceStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func pathHash(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	sum := blake2b.Sum256([]byte(path))
	return hex.EncodeToString(sum[:4])
}

func outputPath(outDir, stem, source string, annotated bool) string {
	if annotated {
		return filepath.Join(outDir, stem+".leaks.jpg")
	}
	return filepath.Join(outDir, stem+".leaks"+filepath.Ext(source))
}

func writeSummary(path string, summaries []scanSummary) error {
	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}
