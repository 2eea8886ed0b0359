package services

import (
	"fmt"
	"image"
	"math"
	"path/filepath"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/bobarin/sceneforge/internal/models"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
)

// Ken Burns strategies.
const (
	StrategyPrecise = "precise" // per-frame zoompan against the still
	StrategyFast    = "fast"    // a few pre-scaled stills joined by cross-dissolves
)

// oversample is how much larger than the output the still is prepared, so
// zoompan's integer crop positions don't visibly jitter.
const oversample = 2

// normalizeScales shifts a zoom range so its smaller end is 1.0, keeping the
// ratio. zoompan cannot zoom out past the full frame.
func normalizeScales(kb models.KenBurns) (start, end float64) {
	start, end = kb.StartScale, kb.EndScale
	if m := math.Min(start, end); m > 0 && m < 1 {
		start, end = start/m, end/m
	}
	return start, end
}

// panOffsets returns the zoompan x/y expressions for a pan direction given a
// progress expression running 0→1.
func panOffsets(dir models.PanDirection, progress string) (x, y string) {
	x = "iw/2-(iw/zoom/2)"
	y = "ih/2-(ih/zoom/2)"
	switch dir {
	case models.PanRight:
		x = fmt.Sprintf("(iw-iw/zoom)*%s", progress)
	case models.PanLeft:
		x = fmt.Sprintf("(iw-iw/zoom)*(1-%s)", progress)
	case models.PanDown:
		y = fmt.Sprintf("(ih-ih/zoom)*%s", progress)
	case models.PanUp:
		y = fmt.Sprintf("(ih-ih/zoom)*(1-%s)", progress)
	}
	return x, y
}

// buildKenBurnsFilter constructs the -vf chain for the precise strategy.
// The still is filled to the output aspect at oversample resolution, then
// zoompan emits exactly frames frames, interpolating the zoom linearly.
func buildKenBurnsFilter(kb models.KenBurns, out models.OutputSpec, frames int) string {
	start, end := normalizeScales(kb)

	last := frames - 1
	if last < 1 {
		last = 1
	}
	progress := fmt.Sprintf("(on/%d)", last)
	zExpr := fmt.Sprintf("%.4f+%.4f*%s", start, end-start, progress)
	xExpr, yExpr := panOffsets(kb.PanDirection, progress)

	bw, bh := out.Width*oversample, out.Height*oversample
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,"+
			"zoompan=z='%s':x='%s':y='%s':d=%d:s=%dx%d:fps=%d,setsar=1",
		bw, bh, bw, bh,
		zExpr, xExpr, yExpr,
		frames,
		out.Width, out.Height,
		out.FPS,
	)
}

// buildStaticFilter fills the output frame from a looped still.
func buildStaticFilter(out models.OutputSpec) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,setsar=1,fps=%d",
		out.Width, out.Height, out.Width, out.Height, out.FPS)
}

// crossfadePlan lays out n equally long stills joined by n-1 dissolves so the
// result lasts exactly total seconds.
type crossfadePlan struct {
	Segment float64   // length of each looped still input
	Fade    float64   // dissolve length
	Offsets []float64 // xfade offset for each join
}

func planCrossfade(n int, total float64) crossfadePlan {
	if n <= 1 {
		return crossfadePlan{Segment: total}
	}
	fade := math.Min(1.0, total/float64(2*n))
	seg := (total + float64(n-1)*fade) / float64(n)
	offsets := make([]float64, n-1)
	for i := range offsets {
		offsets[i] = float64(i+1) * (seg - fade)
	}
	return crossfadePlan{Segment: seg, Fade: fade, Offsets: offsets}
}

// buildCrossfadeGraph returns a filter_complex joining n looped still
// inputs with xfade; the output pad is [v].
func buildCrossfadeGraph(n int, plan crossfadePlan, fps int) string {
	graph := ""
	for i := 0; i < n; i++ {
		graph += fmt.Sprintf("[%d:v]fps=%d,format=yuv420p,settb=AVTB,setsar=1[s%d];", i, fps, i)
	}
	if n == 1 {
		return graph + "[s0]null[v]"
	}
	prev := "s0"
	for i := 1; i < n; i++ {
		label := fmt.Sprintf("x%d", i)
		if i == n-1 {
			label = "v"
		}
		graph += fmt.Sprintf("[%s][s%d]xfade=transition=fade:duration=%s:offset=%s[%s]",
			prev, i, secs(plan.Fade), secs(plan.Offsets[i-1]), label)
		if i < n-1 {
			graph += ";"
		}
		prev = label
	}
	return graph
}

// zoomLevel is one pre-scaled still for the fast strategy.
type zoomLevel struct {
	Scale float64
	Rect  image.Rectangle
}

// planZoomLevels picks n crop rectangles inside a base image of size bw×bh,
// moving linearly from the start to the end scale along the pan direction.
func planZoomLevels(kb models.KenBurns, bw, bh, n int) []zoomLevel {
	start, end := normalizeScales(kb)
	if n < 1 {
		n = 1
	}
	levels := make([]zoomLevel, n)
	for i := 0; i < n; i++ {
		t := 0.0
		if n > 1 {
			t = float64(i) / float64(n-1)
		}
		s := start + (end-start)*t
		cw := int(math.Round(float64(bw) / s))
		ch := int(math.Round(float64(bh) / s))
		maxX, maxY := bw-cw, bh-ch

		x, y := maxX/2, maxY/2
		switch kb.PanDirection {
		case models.PanRight:
			x = int(math.Round(float64(maxX) * t))
		case models.PanLeft:
			x = int(math.Round(float64(maxX) * (1 - t)))
		case models.PanDown:
			y = int(math.Round(float64(maxY) * t))
		case models.PanUp:
			y = int(math.Round(float64(maxY) * (1 - t)))
		}
		levels[i] = zoomLevel{Scale: s, Rect: image.Rect(x, y, x+cw, y+ch)}
	}
	return levels
}

// prepareZoomLevels decodes the still once and writes one PNG per level,
// each already at output resolution.
func prepareZoomLevels(stillPath, dir string, kb models.KenBurns, out models.OutputSpec, n int) ([]string, error) {
	img, err := imaging.Open(stillPath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.CodeSourceUnreadable, "kenburns.decode", "still image cannot be decoded")
	}

	start, end := normalizeScales(kb)
	maxScale := math.Max(start, end)
	bw := int(math.Round(float64(out.Width) * maxScale))
	bh := int(math.Round(float64(out.Height) * maxScale))
	base := imaging.Fill(img, bw, bh, imaging.Center, imaging.Lanczos)

	paths := make([]string, 0, n)
	for i, lvl := range planZoomLevels(kb, bw, bh, n) {
		frame := imaging.Resize(imaging.Crop(base, lvl.Rect), out.Width, out.Height, imaging.Lanczos)
		p := filepath.Join(dir, fmt.Sprintf("zoom_%02d.png", i))
		if err := imaging.Save(frame, p); err != nil {
			return nil, fmt.Errorf("failed to write zoom level %d: %w", i, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// checkStill decodes just the header of a still to fail fast on corrupt input.
func checkStill(path string) error {
	img, err := imaging.Open(path)
	if err != nil {
		return apperrors.WrapWithCode(err, apperrors.CodeSourceUnreadable, "kenburns.decode", "still image cannot be decoded")
	}
	if b := img.Bounds(); b.Dx() < 2 || b.Dy() < 2 {
		return apperrors.Newf(apperrors.CodeSourceUnreadable, "still image is %dx%d", b.Dx(), b.Dy())
	}
	return nil
}
