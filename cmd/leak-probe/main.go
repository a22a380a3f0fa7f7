package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/raine/leak-detector/internal/annotate"
	"github.com/raine/leak-detector/internal/config"
	"github.com/raine/leak-detector/internal/llm"
)

func main() {
	end1 := flag.Float64("end1", 0, "pressure at pipe end 1 in PSI")
	end2 := flag.Float64("end2", 0, "pressure at pipe end 2 in PSI")
	render := flag.String("render", "", "write the annotated image to this path")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-end1 PSI -end2 PSI] [-render FILE] <image-path> [genai|rest|both]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  GEMINI_API_KEY - Required\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	imagePath := flag.Arg(0)
	backend := "both"
	if flag.NArg() >= 2 {
		backend = flag.Arg(1)
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

	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read image: %v\n", err)
		os.Exit(1)
	}

	config.LoadEnvFile()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if !cfg.HasCredentials() {
		fmt.Fprintln(os.Stderr, "GEMINI_API_KEY is not set")
		os.Exit(1)
	}

	req, err := llm.ComposeRequest(imageData, reading)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to compose request: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("MIME type:   %s\n", req.MIMEType)
	fmt.Printf("Pressure:    %s\n", llm.ClassifyPressure(reading))
	fmt.Println()

	ctx := context.Background()

	var kept []llm.Detection
	switch backend {
	case config.BackendGenAI:
		kept = runGenAI(ctx, cfg, req)
	case config.BackendREST:
		kept = runREST(ctx, cfg, req)
	case "both":
		kept = runGenAI(ctx, cfg, req)
		fmt.Println("\n" + strings.Repeat("-", 50) + "\n")
		runREST(ctx, cfg, req)
	default:
		fmt.Fprintf(os.Stderr, "Unknown backend: %s (use genai, rest, or both)\n", backend)
		os.Exit(1)
	}

	if *render != "" {
		writeRender(*render, imageData, kept, cfg.JPEGQuality)
	}
}

func runGenAI(ctx context.Context, cfg config.Config, req *llm.AnalysisRequest) []llm.Detection {
	fmt.Println("=== GENAI SDK ===")

	analyzer, err := llm.NewGeminiAnalyzer(ctx, cfg.APIKey, cfg.Model)
	if err != nil {
		fmt.Printf("Error creating analyzer: %v\n", err)
		return nil
	}
	return probe(ctx, analyzer, req, cfg.ServiceTimeout)
}

func runREST(ctx context.Context, cfg config.Config, req *llm.AnalysisRequest) []llm.Detection {
	fmt.Println("=== REST ===")

	analyzer := llm.NewRESTAnalyzer(cfg.RESTBaseURL, cfg.APIKey, cfg.Model, cfg.ServiceTimeout)
	return probe(ctx, analyzer, req, cfg.ServiceTimeout)
}

func probe(ctx context.Context, analyzer llm.Analyzer, req *llm.AnalysisRequest, timeout time.Duration) []llm.Detection {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := analyzer.Analyze(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		fmt.Printf("Error analyzing image: %v\n", err)
		return nil
	}

	fmt.Printf("Model:       %s\n", llm.Model(analyzer))
	fmt.Printf("Latency:     %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Raw:         %s\n", result.Text)

	raws, err := llm.InterpretResponse(result.Text)
	if err != nil {
		fmt.Printf("Parse error: %v\n", err)
		return nil
	}
	kept, discarded := llm.FilterDetections(raws)

	fmt.Printf("Candidates:  %d (kept %d, discarded %d)\n", len(raws), len(kept), discarded)
	for i, d := range kept {
		fmt.Printf("  %s  x=%d y=%d w=%d h=%d  %s\n", annotate.LabelText(i+1), d.X, d.Y, d.Width, d.Height, d.Description)
		if d.Evidence != "" {
			fmt.Printf("           evidence: %s\n", d.Evidence)
		}
	}
	fmt.Println()
	fmt.Printf("Tokens:      %d in / %d out / %d total\n",
		result.Usage.InputTokens, result.Usage.OutputTokens, result.Usage.TotalTokens)
	fmt.Printf("Cost:        $%.6f\n", result.Usage.CostUSD)
	return kept
}

func writeRender(path string, imageData []byte, dets []llm.Detection, quality int) {
	out, drawn, err := annotate.NewRenderer(quality).Render(imageData, dets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render: %v\n", err)
		return
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", path, err)
		return
	}
	fmt.Printf("\nWrote %s (%d annotations)\n", path, drawn)
}
