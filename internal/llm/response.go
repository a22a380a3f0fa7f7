package llm

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
)

// Confidence tiers reported by the vision service.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// topTier lists the confidence values accepted by the filter. Anything the
// service rates above "high" is accepted as well.
var topTier = map[string]bool{
	ConfidenceHigh: true,
	"very high":    true,
	"very_high":    true,
	"certain":      true,
}

// RawDetection is an unvalidated entry from the "leaks" array.
type RawDetection struct {
	X           *float64 `json:"x"`
	Y           *float64 `json:"y"`
	Width       *float64 `json:"width"`
	Height      *float64 `json:"height"`
	Confidence  string   `json:"confidence"`
	Description string   `json:"description"`
	Evidence    string   `json:"evidence"`
}

// Detection is a validated, top-tier region in pixel coordinates.
type Detection struct {
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Confidence  string `json:"confidence"`
	Description string `json:"description"`
	Evidence    string `json:"evidence"`
}

type leakResponse struct {
	Leaks []json.RawMessage `json:"leaks"`
}

// InterpretResponse strips formatting wrappers from the service text and
// parses the leaks array. Entries that are not objects of the expected shape
// are dropped individually; a response that is not valid JSON fails as a whole.
func InterpretResponse(text string) ([]RawDetection, error) {
	text = stripCodeFence(text)
	if text == "" {
		return nil, ErrNoResponse
	}

	jsonStr, err := extractJSONObject(text)
	if err != nil {
		return nil, err
	}

	var resp leakResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w (response: %s)", err, jsonStr)
	}

	raws := make([]RawDetection, 0, len(resp.Leaks))
	for i, entry := range resp.Leaks {
		var raw RawDetection
		if err := json.Unmarshal(entry, &raw); err != nil {
			log.Warn().Err(err).Int("index", i).Str("entry", string(entry)).Msg("dropping malformed leak entry")
			continue
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

// stripCodeFence removes a surrounding ``` or ```json fence if present.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	// Drop the info string, e.g. "json", up to the first newline.
	if nl := strings.IndexByte(text, '\n'); nl != -1 && !strings.ContainsAny(text[:nl], "{[") {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "json")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// extractJSONObject extracts a JSON object from text that may carry stray
// prose around it. Returns the extracted JSON string or an error.
func extractJSONObject(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response: %s", text)
	}
	candidate := text[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", fmt.Errorf("invalid JSON object in response: %s", candidate)
	}
	return candidate, nil
}

// IsTopTier reports whether a confidence value passes the filter.
func IsTopTier(confidence string) bool {
	return topTier[strings.ToLower(strings.TrimSpace(confidence))]
}

// FilterDetections keeps only top-tier, well-formed detections in their
// original order. It returns the kept detections and the number discarded.
func FilterDetections(raws []RawDetection) ([]Detection, int) {
	kept := make([]Detection, 0, len(raws))
	discarded := 0
	for i, raw := range raws {
		if !IsTopTier(raw.Confidence) {
			log.Debug().Int("index", i).Str("confidence", raw.Confidence).Str("description", raw.Description).Msg("discarding detection below top tier")
			discarded++
			continue
		}
		det, err := raw.validate()
		if err != nil {
			log.Warn().Err(err).Int("index", i).Msg("discarding invalid detection")
			discarded++
			continue
		}
		kept = append(kept, det)
	}
	return kept, discarded
}

func (r RawDetection) validate() (Detection, error) {
	if r.X == nil || r.Y == nil || r.Width == nil || r.Height == nil {
		return Detection{}, fmt.Errorf("missing bounding box coordinates")
	}
	for _, v := range []float64{*r.X, *r.Y, *r.Width, *r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxInt32 {
			return Detection{}, fmt.Errorf("bounding box coordinate out of range: %v", v)
		}
	}
	d := Detection{
		X:           int(math.Round(*r.X)),
		Y:           int(math.Round(*r.Y)),
		Width:       int(math.Round(*r.Width)),
		Height:      int(math.Round(*r.Height)),
		Confidence:  strings.ToLower(strings.TrimSpace(r.Confidence)),
		Description: r.Description,
		Evidence:    r.Evidence,
	}
	if d.Width <= 0 || d.Height <= 0 {
		return Detection{}, fmt.Errorf("non-positive box size %dx%d", d.Width, d.Height)
	}
	return d, nil
}
