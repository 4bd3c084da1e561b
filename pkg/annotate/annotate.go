// Package annotate draws detection overlays onto BGR24 frames: green
// bounding boxes with labelled backgrounds for targeted classes and COCO-17
// skeletons for posed persons. The input frame is never modified; callers
// get a fresh pixel buffer.
package annotate

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/vigilcam/vigil/pkg/framestore"
	"github.com/vigilcam/vigil/pkg/types"
)

var (
	boxColor      = bgr{0, 255, 0}   // green
	textColor     = bgr{0, 0, 0}     // black on the green label background
	keypointColor = bgr{0, 255, 255} // yellow
)

const (
	boxThickness    = 2
	labelPadding    = 5
	keypointRadius  = 3
	minDrawKeypoint = 0.25
)

// COCO-17 skeleton edge list shared with the pose detector.
var skeletonEdges = [][2]int{
	{5, 6}, {5, 7}, {7, 9}, {6, 8}, {8, 10},
	{5, 11}, {6, 12}, {11, 12}, {11, 13}, {13, 15},
	{12, 14}, {14, 16}, {0, 1}, {0, 2}, {1, 3}, {2, 4},
}

type bgr struct{ b, g, r uint8 }

// Options selects what gets drawn.
type Options struct {
	// TargetClasses are the normalized class names the agent's rules
	// reference; boxes are drawn only for these.
	TargetClasses map[string]struct{}
	// DrawSkeleton enables pose skeleton rendering.
	DrawSkeleton bool
}

// WantsAnnotation reports whether the options would draw anything at all.
func (o Options) WantsAnnotation() bool {
	return len(o.TargetClasses) > 0 || o.DrawSkeleton
}

// OptionsForRules derives drawing options from an agent's rule list: box
// targets from every class a rule references, skeletons when a rule consumes
// pose keypoints or targets persons.
func OptionsForRules(ruleList []types.Rule) Options {
	opts := Options{TargetClasses: map[string]struct{}{}}
	for i := range ruleList {
		r := &ruleList[i]
		if r.Type == types.RuleTypeAccidentPresence {
			opts.DrawSkeleton = true
		}
		for _, c := range r.TargetClasses() {
			opts.TargetClasses[c] = struct{}{}
			if c == "person" {
				opts.DrawSkeleton = true
			}
		}
	}
	return opts
}

// Annotate renders det onto a copy of env and returns the copy. The
// returned envelope keeps env's index and timing fields so downstream
// consumers dedupe it exactly like the raw frame.
func Annotate(env *framestore.Envelope, det *types.Detections, opts Options) *framestore.Envelope {
	out := *env
	out.Pixels = make([]byte, len(env.Pixels))
	copy(out.Pixels, env.Pixels)

	c := canvas{w: env.Width, h: env.Height, pix: out.Pixels}

	for i, class := range det.Classes {
		if _, ok := opts.TargetClasses[normalize(class)]; !ok {
			continue
		}
		if i >= len(det.Boxes) {
			break
		}
		box := det.Boxes[i]
		x1, y1 := c.clamp(int(box[0]), int(box[1]))
		x2, y2 := c.clamp(int(box[2]), int(box[3]))
		c.rect(x1, y1, x2, y2, boxColor, boxThickness)

		label := class
		if i < len(det.Scores) && det.Scores[i] > 0 {
			label = fmt.Sprintf("%s %.2f", class, det.Scores[i])
		}
		c.label(x1, y1, label)
	}

	if opts.DrawSkeleton {
		for _, person := range det.Keypoints {
			c.skeleton(person)
		}
	}

	return &out
}

func normalize(class string) string {
	b := []byte(class)
	for i, ch := range b {
		if ch >= 'A' && ch <= 'Z' {
			b[i] = ch + ('a' - 'A')
		}
	}
	return string(b)
}

// canvas is a BGR24 pixel buffer with primitive drawing operations.
type canvas struct {
	w, h int
	pix  []byte
}

func (c canvas) clamp(x, y int) (int, int) {
	return min(max(x, 0), c.w-1), min(max(y, 0), c.h-1)
}

func (c canvas) set(x, y int, col bgr) {
	if x < 0 || y < 0 || x >= c.w || y >= c.h {
		return
	}
	o := (y*c.w + x) * 3
	c.pix[o] = col.b
	c.pix[o+1] = col.g
	c.pix[o+2] = col.r
}

func (c canvas) fill(x1, y1, x2, y2 int, col bgr) {
	for y := y1; y <= y2; y++ {
		for x := x1; x <= x2; x++ {
			c.set(x, y, col)
		}
	}
}

func (c canvas) rect(x1, y1, x2, y2 int, col bgr, thickness int) {
	for t := 0; t < thickness; t++ {
		for x := x1 - t; x <= x2+t; x++ {
			c.set(x, y1-t, col)
			c.set(x, y2+t, col)
		}
		for y := y1 - t; y <= y2+t; y++ {
			c.set(x1-t, y, col)
			c.set(x2+t, y, col)
		}
	}
}

func (c canvas) line(x1, y1, x2, y2 int, col bgr, thickness int) {
	// Bresenham with a square brush.
	dx := abs(x2 - x1)
	dy := -abs(y2 - y1)
	sx, sy := 1, 1
	if x1 > x2 {
		sx = -1
	}
	if y1 > y2 {
		sy = -1
	}
	err := dx + dy
	x, y := x1, y1
	for {
		for bx := 0; bx < thickness; bx++ {
			for by := 0; by < thickness; by++ {
				c.set(x+bx, y+by, col)
			}
		}
		if x == x2 && y == y2 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func (c canvas) circle(cx, cy, r int, col bgr) {
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			if x*x+y*y <= r*r {
				c.set(cx+x, cy+y, col)
			}
		}
	}
}

// label draws text on a filled background anchored above the box corner.
func (c canvas) label(x, y int, text string) {
	face := basicfont.Face7x13
	textW := font.MeasureString(face, text).Ceil()
	textH := face.Metrics().Height.Ceil()

	labelY := max(y, textH+2*labelPadding)
	c.fill(x, labelY-textH-2*labelPadding, x+textW, labelY, boxColor)

	d := font.Drawer{
		Dst:  &bgrImage{c},
		Src:  image.NewUniform(color.RGBA{textColor.r, textColor.g, textColor.b, 255}),
		Face: face,
		Dot:  fixed.P(x, labelY-labelPadding),
	}
	d.DrawString(text)
}

func (c canvas) skeleton(person [][3]float32) {
	pts := make([]image.Point, len(person))
	valid := make([]bool, len(person))
	for i, kp := range person {
		if kp[2] < minDrawKeypoint {
			continue
		}
		x, y := c.clamp(int(kp[0]), int(kp[1]))
		pts[i] = image.Pt(x, y)
		valid[i] = true
	}

	for i, p := range pts {
		if valid[i] {
			c.circle(p.X, p.Y, keypointRadius, keypointColor)
		}
	}
	for _, e := range skeletonEdges {
		a, b := e[0], e[1]
		if a >= len(pts) || b >= len(pts) || !valid[a] || !valid[b] {
			continue
		}
		c.line(pts[a].X, pts[a].Y, pts[b].X, pts[b].Y, boxColor, boxThickness)
	}
}

// bgrImage adapts a canvas to draw.Image for the font drawer.
type bgrImage struct{ c canvas }

func (m *bgrImage) ColorModel() color.Model { return color.RGBAModel }

func (m *bgrImage) Bounds() image.Rectangle { return image.Rect(0, 0, m.c.w, m.c.h) }

func (m *bgrImage) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= m.c.w || y >= m.c.h {
		return color.RGBA{}
	}
	o := (y*m.c.w + x) * 3
	return color.RGBA{R: m.c.pix[o+2], G: m.c.pix[o+1], B: m.c.pix[o], A: 255}
}

func (m *bgrImage) Set(x, y int, col color.Color) {
	r, g, b, _ := col.RGBA()
	m.c.set(x, y, bgr{uint8(b >> 8), uint8(g >> 8), uint8(r >> 8)})
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
