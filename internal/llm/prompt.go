package llm

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/lithammer/dedent"
	"google.golang.org/genai"
)

// PressureReading holds the two optional line pressures in PSI.
type PressureReading struct {
	End1 *float64
	End2 *float64
}

// NewPressureReading is a convenience for building a reading with both ends present.
func NewPressureReading(end1, end2 float64) PressureReading {
	return PressureReading{End1: &end1, End2: &end2}
}

// Diff returns |end1 - end2| and whether both readings were present.
func (r PressureReading) Diff() (float64, bool) {
	if r.End1 == nil || r.End2 == nil {
		return 0, false
	}
	return math.Abs(*r.End1 - *r.End2), true
}

// PressureTier grades how suspicious a pressure differential is.
type PressureTier int

const (
	TierNone PressureTier = iota
	TierNormal
	TierModerate
	TierSignificant
)

const (
	significantDropPSI = 3.0
	moderateDropPSI    = 1.5
)

func (t PressureTier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierModerate:
		return "moderate"
	case TierSignificant:
		return "significant"
	default:
		return "none"
	}
}

// ClassifyPressure maps a reading onto a tier. Missing readings yield TierNone.
func ClassifyPressure(r PressureReading) PressureTier {
	diff, ok := r.Diff()
	switch {
	case !ok:
		return TierNone
	case diff > significantDropPSI:
		return TierSignificant
	case diff > moderateDropPSI:
		return TierModerate
	default:
		return TierNormal
	}
}

// PressureContext renders the sensitivity hint embedded in the instruction.
// It returns "" when either reading is absent.
func PressureContext(r PressureReading) string {
	diff, ok := r.Diff()
	if !ok {
		return ""
	}

	header := fmt.Sprintf("Pressure readings: end 1 = %.1f PSI, end 2 = %.1f PSI, difference = %.1f PSI.", *r.End1, *r.End2, diff)

	var hint string
	switch ClassifyPressure(r) {
	case TierSignificant:
		hint = "Significant pressure drop detected. A leak is likely: actively search for evidence of water damage."
	case TierModerate:
		hint = "Moderate pressure drop detected. A leak is possible: examine the image carefully."
	default:
		hint = "Pressure is normal. Only flag obvious, clearly visible water damage."
	}
	return header + "\n" + hint
}

const defaultPressurePolicy = "No pressure readings are available. Only flag obvious, clearly visible water damage."

const detectionInstruction = `
	You are inspecting a photograph of plumbing and wall surfaces for water leaks.

	Flag a region ONLY if it shows one of the following:
	- Active water: drips, pooling, spraying or running water
	- Water staining: discoloration, tide marks or rings left by moisture
	- Structural water damage: bubbling or peeling paint, warped or swollen material, rot
	- Mold or mildew growth
	- Ceiling damage patterns consistent with a leak from above

	Do NOT flag:
	- Shadows or uneven lighting
	- Normal wear, scuffs or aging
	- Dust or dirt
	- Reflections or glare
	- Image noise or compression artifacts

	Confidence rubric:
	- "high": you are more than 90%% certain, with clear visible evidence
	- "medium": you are 60-90%% certain
	- "low": anything less certain
	Omit every region that would be rated "low". Do not include it in the response.

	%s

	Respond with a single JSON object of the form:
	{"leaks": [{"x": 0, "y": 0, "width": 0, "height": 0, "confidence": "high", "description": "...", "evidence": "..."}]}
	where x, y, width and height are integer pixel coordinates of the bounding box, measured from the top-left corner of the image.
	If nothing qualifies, respond with {"leaks": []}.

	Respond ONLY with the JSON object, no markdown or other text.`

// Sampling holds the decoding parameters sent with every request.
type Sampling struct {
	Temperature float32
	TopP        float32
	TopK        float32
}

// conservativeSampling keeps output close to deterministic.
var conservativeSampling = Sampling{Temperature: 0.1, TopP: 0.1, TopK: 1}

// AnalysisRequest is a self-contained request for the vision service.
type AnalysisRequest struct {
	Instruction     string
	PressureContext string
	Image           []byte
	MIMEType        string
	Schema          *genai.Schema
	Sampling        Sampling
}

var errEmptyImage = errors.New("image is empty")

// ComposeRequest builds the outbound request. The image is copied so the
// caller's buffer is never shared with the request.
func ComposeRequest(image []byte, reading PressureReading) (*AnalysisRequest, error) {
	if len(image) == 0 {
		return nil, errEmptyImage
	}

	pressure := PressureContext(reading)
	policy := pressure
	if policy == "" {
		policy = defaultPressurePolicy
	}

	return &AnalysisRequest{
		Instruction:     formatInstruction(policy),
		PressureContext: pressure,
		Image:           bytes.Clone(image),
		MIMEType:        SniffMIMEType(image),
		Schema:          leakResponseSchema(),
		Sampling:        conservativeSampling,
	}, nil
}

func formatInstruction(policy string) string {
	return fmt.Sprintf(strings.TrimSpace(dedent.Dedent(detectionInstruction)), policy)
}

// SniffMIMEType returns the raster type declared for the image payload.
func SniffMIMEType(image []byte) string {
	switch ct := http.DetectContentType(image); ct {
	case "image/png", "image/jpeg", "image/webp":
		return ct
	default:
		return "image/jpeg"
	}
}

// leakResponseSchema describes the {"leaks": [...]} contract for structured output.
func leakResponseSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"leaks": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"x":           {Type: genai.TypeInteger, Description: "Left edge in pixels"},
						"y":           {Type: genai.TypeInteger, Description: "Top edge in pixels"},
						"width":       {Type: genai.TypeInteger, Description: "Box width in pixels"},
						"height":      {Type: genai.TypeInteger, Description: "Box height in pixels"},
						"confidence":  {Type: genai.TypeString, Enum: []string{ConfidenceHigh, ConfidenceMedium}},
						"description": {Type: genai.TypeString},
						"evidence":    {Type: genai.TypeString},
					},
					Required:         []string{"x", "y", "width", "height", "confidence"},
					PropertyOrdering: []string{"x", "y", "width", "height", "confidence", "description", "evidence"},
				},
			},
		},
		Required: []string{"leaks"},
	}
}
