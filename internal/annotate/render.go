// Package annotate draws leak detections onto the source photograph.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"

	"github.com/fogleman/gg"
	"github.com/raine/leak-detector/internal/llm"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultQuality keeps label edges legible without going lossless.
	DefaultQuality = 92

	strokeWidth = 3
	// Labels go above a box only when its top edge is further than this from
	// the top of the image.
	labelClearance = 30
	labelPadding   = 4
)

var (
	strokeColor = color.RGBA{R: 255, A: 255}
	// 20% red, premultiplied.
	fillColor  = color.RGBA{R: 51, A: 51}
	labelColor = color.RGBA{R: 255, A: 255}
	textColor  = color.White

	labelFace = basicfont.Face7x13
)

// Annotation is the geometry computed for one detection.
type Annotation struct {
	Index      int
	Label      string
	Box        image.Rectangle
	LabelRect  image.Rectangle
	LabelAbove bool
}

// LabelText returns the label for the n-th (1-based) detection.
func LabelText(n int) string {
	return fmt.Sprintf("LEAK #%d", n)
}

// Layout computes boxes and label blocks for detections in order. Numbering
// follows the detection's position; boxes entirely outside bounds are skipped
// without renumbering the rest.
func Layout(dets []llm.Detection, bounds image.Rectangle) []Annotation {
	anns := make([]Annotation, 0, len(dets))
	for i, d := range dets {
		n := i + 1
		box := image.Rect(d.X, d.Y, d.X+d.Width, d.Y+d.Height)
		if box.Intersect(bounds).Empty() {
			log.Warn().Int("index", n).Interface("box", box).Msg("detection lies outside the image, not drawing")
			continue
		}

		text := LabelText(n)
		w := font.MeasureString(labelFace, text).Ceil() + 2*labelPadding
		h := labelFace.Metrics().Height.Ceil() + 2*labelPadding

		above := d.Y > labelClearance
		top := box.Max.Y
		if above {
			top = box.Min.Y - h
		}

		left := box.Min.X
		if left+w > bounds.Max.X {
			left = bounds.Max.X - w
		}
		if left < bounds.Min.X {
			left = bounds.Min.X
		}

		anns = append(anns, Annotation{
			Index:      n,
			Label:      text,
			Box:        box,
			LabelRect:  image.Rect(left, top, left+w, top+h),
			LabelAbove: above,
		})
	}
	return anns
}

// Renderer composites annotations over the source image and re-encodes it as JPEG.
type Renderer struct {
	quality int
}

// NewRenderer creates a renderer; quality outside 1..100 falls back to DefaultQuality.
func NewRenderer(quality int) *Renderer {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	return &Renderer{quality: quality}
}

// Render draws dets over src. It returns the encoded image and the number of
// annotations drawn. On any failure, or when nothing could be drawn, the
// original bytes are returned unchanged.
func (r *Renderer) Render(src []byte, dets []llm.Detection) ([]byte, int, error) {
	img, format, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return src, 0, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	anns := Layout(dets, bounds)
	if len(anns) == 0 {
		return src, 0, nil
	}

	dc := gg.NewContextForImage(img)
	drawAnnotations(dc, bounds, anns)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dc.Image(), &jpeg.Options{Quality: r.quality}); err != nil {
		return src, 0, fmt.Errorf("failed to encode annotated image: %w", err)
	}

	log.Debug().
		Str("sourceFormat", format).
		Int("width", bounds.Dx()).
		Int("height", bounds.Dy()).
		Int("annotations", len(anns)).
		Msg("rendered annotations")

	return buf.Bytes(), len(anns), nil
}

// drawAnnotations paints every annotation over the photograph in dc, whose
// origin corresponds to bounds.Min.
func drawAnnotations(dc *gg.Context, bounds image.Rectangle, anns []Annotation) {
	dc.Translate(float64(-bounds.Min.X), float64(-bounds.Min.Y))
	dc.SetFontFace(labelFace)

	// Edges past this margin are invisible; clipping keeps huge boxes within
	// the rasterizer's fixed-point range.
	clip := bounds.Inset(-strokeWidth)
	for _, a := range anns {
		drawBox(dc, a.Box.Intersect(clip))
		drawLabel(dc, a, clip)
	}
}

func drawBox(dc *gg.Context, r image.Rectangle) {
	x, y := float64(r.Min.X), float64(r.Min.Y)
	w, h := float64(r.Dx()), float64(r.Dy())

	dc.DrawRectangle(x, y, w, h)
	dc.SetColor(fillColor)
	dc.Fill()

	// The stroke is centred on the path, so inset it to keep the outline
	// inside the box.
	half := strokeWidth / 2.0
	dc.DrawRectangle(x+half, y+half, w-strokeWidth, h-strokeWidth)
	dc.SetColor(strokeColor)
	dc.SetLineWidth(strokeWidth)
	dc.Stroke()
}

func drawLabel(dc *gg.Context, a Annotation, clip image.Rectangle) {
	r := a.LabelRect
	visible := r.Intersect(clip)
	if visible.Empty() {
		return
	}
	dc.DrawRectangle(float64(visible.Min.X), float64(visible.Min.Y), float64(visible.Dx()), float64(visible.Dy()))
	dc.SetColor(labelColor)
	dc.Fill()

	baseline := r.Min.Y + labelPadding + labelFace.Metrics().Ascent.Ceil()
	dc.SetColor(textColor)
	dc.DrawString(a.Label, float64(r.Min.X+labelPadding), float64(baseline))
}
