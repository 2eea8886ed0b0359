package services

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

// slateScale is how much smaller the slate is drawn before being scaled up,
// so the built-in bitmap font stays legible at full resolution.
const slateScale = 4

// DrawSlate draws a plain stand-in frame with a title line and a detail line.
// fontPath is optional; without it gg's built-in face is used.
func DrawSlate(out models.OutputSpec, title, detail, fontPath string) (image.Image, error) {
	w, h := out.Width/slateScale, out.Height/slateScale
	if w < 32 || h < 32 {
		w, h = out.Width, out.Height
	}

	dc := gg.NewContext(w, h)
	grad := gg.NewLinearGradient(0, 0, 0, float64(h))
	grad.AddColorStop(0, color.RGBA{R: 28, G: 30, B: 38, A: 255})
	grad.AddColorStop(1, color.RGBA{R: 12, G: 12, B: 16, A: 255})
	dc.SetFillStyle(grad)
	dc.DrawRectangle(0, 0, float64(w), float64(h))
	dc.Fill()

	dc.SetColor(color.RGBA{R: 90, G: 94, B: 110, A: 255})
	dc.SetLineWidth(1)
	dc.DrawRectangle(4, 4, float64(w-8), float64(h-8))
	dc.Stroke()

	if fontPath != "" {
		if err := dc.LoadFontFace(fontPath, float64(h)/12); err != nil {
			return nil, fmt.Errorf("failed to load slate font: %w", err)
		}
	}

	dc.SetColor(color.White)
	dc.DrawStringAnchored(title, float64(w)/2, float64(h)/2-8, 0.5, 0.5)
	dc.SetColor(color.RGBA{R: 170, G: 174, B: 186, A: 255})
	dc.DrawStringWrapped(detail, float64(w)/2, float64(h)/2+8, 0.5, 0, float64(w)*0.8, 1.3, gg.AlignCenter)

	if w == out.Width {
		return dc.Image(), nil
	}
	return imaging.Resize(dc.Image(), out.Width, out.Height, imaging.NearestNeighbor), nil
}

// Placeholder renders the clip that stands in for a scene which failed under
// the best-effort policy.
type Placeholder struct {
	renderer *Renderer
	clipRef  string // service-wide default clip; empty = slate
	fontPath string
	log      *logger.Logger
}

func NewPlaceholder(renderer *Renderer, clipRef, fontPath string, log *logger.Logger) *Placeholder {
	if log == nil {
		log = logger.Nop()
	}
	return &Placeholder{renderer: renderer, clipRef: clipRef, fontPath: fontPath, log: log.WithComponent("placeholder")}
}

// Render produces a clip of the scene's declared duration. jobRef overrides
// the service default; with neither, a slate is drawn.
func (p *Placeholder) Render(ctx context.Context, scene models.Scene, out models.OutputSpec, jobRef *string, workDir, reason string) (*RenderedClip, error) {
	out = out.WithDefaults()
	stand := scene
	stand.Animation = models.NewAnimationSpec(models.Static{})
	stand.NarrationRef = nil

	ref := p.clipRef
	if jobRef != nil && *jobRef != "" {
		ref = *jobRef
	}

	if ref != "" {
		stand.Source = models.SourceRef{Clip: &ref}
	} else {
		slate, err := DrawSlate(out, fmt.Sprintf("Scene %d", scene.Order+1), reason, p.fontPath)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(workDir, fmt.Sprintf("slate_%03d.png", scene.Order))
		if err := imaging.Save(slate, path); err != nil {
			return nil, fmt.Errorf("failed to write slate: %w", err)
		}
		stand.Source = models.SourceRef{Image: &path}
	}

	p.log.FromContext(ctx).Info("[Placeholder] substituting scene", "scene_order", scene.Order, "from_clip", ref != "", "reason", reason)
	return p.renderer.Render(ctx, RenderRequest{Scene: stand, Output: out, WorkDir: workDir})
}
