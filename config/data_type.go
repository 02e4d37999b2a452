package config

import (
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
	"math"
)

// NumLandmarks is the number of points in a 68-point landmark set.
const NumLandmarks = 68

type FaceDetectionOutput struct {
	Box      *tensor.Dense
	Score    *tensor.Dense
	ClassID  *tensor.Dense
	Landmark *tensor.Dense
}

type Size struct {
	Width  int
	Height int
}

func (s *Size) Max() int {
	if s.Height > s.Width {
		return s.Height
	}
	return s.Width
}

func (s *Size) Min() int {
	if s.Height < s.Width {
		return s.Height
	}
	return s.Width
}

// LandmarkRegion is a half-open index range [Start, End) of a 68-point landmark set.
type LandmarkRegion struct {
	Name  string
	Start int
	End   int
}

// Len returns the number of points in the region.
func (r LandmarkRegion) Len() int {
	return r.End - r.Start
}

var (
	RegionChin         = LandmarkRegion{Name: "chin", Start: 0, End: 17}
	RegionEyebrowLeft  = LandmarkRegion{Name: "eyebrow_left", Start: 17, End: 22}
	RegionEyebrowRight = LandmarkRegion{Name: "eyebrow_right", Start: 22, End: 27}
	RegionNose         = LandmarkRegion{Name: "nose", Start: 27, End: 31}
	RegionNostrils     = LandmarkRegion{Name: "nostrils", Start: 31, End: 36}
	RegionEyeLeft      = LandmarkRegion{Name: "eye_left", Start: 36, End: 42}
	RegionEyeRight     = LandmarkRegion{Name: "eye_right", Start: 42, End: 48}
	RegionMouthOuter   = LandmarkRegion{Name: "mouth_outer", Start: 48, End: 60}
	RegionMouthInner   = LandmarkRegion{Name: "mouth_inner", Start: 60, End: 68}
)

// LandmarkRegions68 lists the semantic regions in index order.
var LandmarkRegions68 = []LandmarkRegion{
	RegionChin,
	RegionEyebrowLeft,
	RegionEyebrowRight,
	RegionNose,
	RegionNostrils,
	RegionEyeLeft,
	RegionEyeRight,
	RegionMouthOuter,
	RegionMouthInner,
}

// Point2D is a 2-D point or vector in pixel coordinates.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point2D) Add(q Point2D) Point2D {
	return Point2D{X: p.X + q.X, Y: p.Y + q.Y}
}

func (p Point2D) Sub(q Point2D) Point2D {
	return Point2D{X: p.X - q.X, Y: p.Y - q.Y}
}

func (p Point2D) Scale(s float64) Point2D {
	return Point2D{X: p.X * s, Y: p.Y * s}
}

// Norm returns the euclidean length of p.
func (p Point2D) Norm() float64 {
	return math.Hypot(p.X, p.Y)
}

// Rot90 swaps the components and negates the new X, i.e. (x, y) -> (-y, x).
func (p Point2D) Rot90() Point2D {
	return Point2D{X: -p.Y, Y: p.X}
}

// Quad is an oriented square given as four corners in the order
// c-x-y, c-x+y, c+x+y, c+x-y.
type Quad [4]Point2D

// Translate returns q shifted by d.
func (q Quad) Translate(d Point2D) Quad {
	var out Quad
	for i := range q {
		out[i] = q[i].Add(d)
	}
	return out
}

// Scale returns q with every coordinate multiplied by s.
func (q Quad) Scale(s float64) Quad {
	var out Quad
	for i := range q {
		out[i] = q[i].Scale(s)
	}
	return out
}

// Normalize divides every coordinate by the source image width.
func (q Quad) Normalize(width int) Quad {
	return q.Scale(1 / float64(width))
}

// Denormalize maps a width-normalized quad back to source pixels.
func (q Quad) Denormalize(width int) Quad {
	return q.Scale(float64(width))
}

// Bounds returns the floor of the minimum and the ceil of the maximum corner coordinates.
func (q Quad) Bounds() (minX, minY, maxX, maxY int) {
	lx, ly := q[0].X, q[0].Y
	hx, hy := q[0].X, q[0].Y
	for _, p := range q[1:] {
		lx = math.Min(lx, p.X)
		ly = math.Min(ly, p.Y)
		hx = math.Max(hx, p.X)
		hy = math.Max(hy, p.Y)
	}
	return int(math.Floor(lx)), int(math.Floor(ly)), int(math.Ceil(hx)), int(math.Ceil(hy))
}

// Flatten returns the corners as [x0, y0, x1, y1, ...].
func (q Quad) Flatten() []float64 {
	out := make([]float64, 0, 8)
	for _, p := range q {
		out = append(out, p.X, p.Y)
	}
	return out
}

// FaceQuad holds the crop quad derived from one landmark set together with the
// auxiliary vectors it was built from.
type FaceQuad struct {
	Quad            Quad    `json:"quad"`
	QSize           float64 `json:"qsize"`
	EyeLeft         Point2D `json:"eye_left"`
	EyeRight        Point2D `json:"eye_right"`
	EyeAvg          Point2D `json:"eye_avg"`
	EyeToEye        Point2D `json:"eye_to_eye"`
	MouthAvg        Point2D `json:"mouth_avg"`
	MouthAvgPrecise Point2D `json:"mouth_avg_precise"`
	EyeToMouth      Point2D `json:"eye_to_mouth"`
	Center          Point2D `json:"center"`
}

// FaceAlignmentOutput is the alignment result of one face. Quad is the crop
// quad in source coordinates divided by the source image width. Err is set
// when this face could not be aligned; Image is then empty.
type FaceAlignmentOutput struct {
	Index int
	Image gocv.Mat
	Quad  Quad
	Err   error
}

// Close releases the aligned image.
func (o *FaceAlignmentOutput) Close() error {
	if o.Image.Ptr() == nil {
		return nil
	}
	return o.Image.Close()
}
