package modules

import (
	"fmt"
	jsoniter "github.com/json-iterator/go"
	"github.com/okieraised/go-ffhq-alignment/config"
	"github.com/okieraised/go-ffhq-alignment/utils"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
	"io"
	"os"
)

// LandmarkProvider finds the 68-point landmark sets of every face in an image.
// An image without faces yields an empty slice and a nil error.
type LandmarkProvider interface {
	Detect(img gocv.Mat) ([]*tensor.Dense, error)
}

// landmarkFile is the on-disk sidecar layout: one [x, y] list per face.
type landmarkFile struct {
	Faces [][][2]float64 `json:"faces"`
}

// LandmarkFileProvider serves landmark sets recorded ahead of time, typically
// in a JSON sidecar next to the image.
type LandmarkFileProvider struct {
	Faces []*tensor.Dense
}

// NewLandmarkFileProvider decodes a landmark sidecar from r. A face that does
// not hold 68 points is kept with the shape it has, so that only that face
// fails alignment; an empty face is kept as nil.
func NewLandmarkFileProvider(r io.Reader) (*LandmarkFileProvider, error) {
	var lf landmarkFile
	if err := jsoniter.NewDecoder(r).Decode(&lf); err != nil {
		return nil, fmt.Errorf("decode landmark file: %w", err)
	}

	faces := make([]*tensor.Dense, 0, len(lf.Faces))
	for _, face := range lf.Faces {
		if len(face) == 0 {
			faces = append(faces, nil)
			continue
		}
		pts := make([]config.Point2D, len(face))
		for i, p := range face {
			pts[i] = config.Point2D{X: p[0], Y: p[1]}
		}
		faces = append(faces, utils.PointsToTensor(pts))
	}
	return &LandmarkFileProvider{Faces: faces}, nil
}

// LoadLandmarkFile reads a landmark sidecar from disk.
func LoadLandmarkFile(fPath string) (*LandmarkFileProvider, error) {
	f, err := os.Open(fPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p, err := NewLandmarkFileProvider(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fPath, err)
	}
	return p, nil
}

// Detect returns the recorded landmark sets; img is only validated.
func (p *LandmarkFileProvider) Detect(img gocv.Mat) ([]*tensor.Dense, error) {
	if err := checkImage(img); err != nil {
		return nil, err
	}
	return p.Faces, nil
}

// WriteLandmarkFile encodes landmark sets in the sidecar layout.
func WriteLandmarkFile(w io.Writer, faces []*tensor.Dense) error {
	lf := landmarkFile{Faces: make([][][2]float64, 0, len(faces))}
	for _, face := range faces {
		if face == nil {
			lf.Faces = append(lf.Faces, [][2]float64{})
			continue
		}
		pts, err := utils.TensorToPoints(face)
		if err != nil {
			return err
		}
		out := make([][2]float64, len(pts))
		for i, p := range pts {
			out[i] = [2]float64{p.X, p.Y}
		}
		lf.Faces = append(lf.Faces, out)
	}
	enc := jsoniter.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(lf)
}
