package go_ffhq_alignment

import (
	"bytes"
	"context"
	"errors"
	"github.com/okieraised/go-ffhq-alignment/config"
	"github.com/okieraised/go-ffhq-alignment/modules"
	"github.com/okieraised/go-ffhq-alignment/utils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

// genTestLandmarks places the eye and mouth corners of a 68-point set; the
// other points sit on the eye midpoint.
func genTestLandmarks(eyeL, eyeR, mouthL, mouthR config.Point2D) *tensor.Dense {
	pts := make([]config.Point2D, config.NumLandmarks)
	center := eyeL.Add(eyeR).Scale(0.5)
	for i := range pts {
		pts[i] = center
	}
	ring := []config.Point2D{{X: -6}, {X: -3, Y: -2}, {X: 3, Y: -2}, {X: 6}, {X: 3, Y: 2}, {X: -3, Y: 2}}
	for i, o := range ring {
		pts[config.RegionEyeLeft.Start+i] = eyeL.Add(o)
		pts[config.RegionEyeRight.Start+i] = eyeR.Add(o)
	}
	pts[config.RegionMouthOuter.Start] = mouthL
	pts[config.RegionMouthOuter.Start+6] = mouthR
	return utils.PointsToTensor(pts)
}

func genTestFace() *tensor.Dense {
	return genTestLandmarks(
		config.Point2D{X: 200, Y: 200},
		config.Point2D{X: 300, Y: 200},
		config.Point2D{X: 220, Y: 300},
		config.Point2D{X: 280, Y: 300},
	)
}

func genTestImage(w, h int) gocv.Mat {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(60, 120, 180, 0), h, w, gocv.MatTypeCV8UC3)
	gocv.Circle(&img, image.Pt(w/2, h/2), w/5, color.RGBA{R: 240, G: 200, B: 170}, -1)
	return img
}

type stubProvider struct {
	faces []*tensor.Dense
	err   error
	calls atomic.Int32
}

func (s *stubProvider) Detect(img gocv.Mat) ([]*tensor.Dense, error) {
	s.calls.Add(1)
	if img.Empty() {
		return nil, modules.ErrInvalidImage
	}
	return s.faces, s.err
}

func newTestPipeline(t *testing.T, provider modules.LandmarkProvider, opts ...Option) *FFHQAlignPipeline {
	t.Helper()
	pipeline, err := NewFFHQAlignPipeline(provider, config.NewFaceAlignParams(64, 256, true), opts...)
	require.NoError(t, err)
	return pipeline
}

func TestNewFFHQAlignPipeline(t *testing.T) {
	pipeline, err := NewFFHQAlignPipeline(&stubProvider{}, nil, WithWorkers(0))
	require.NoError(t, err)
	assert.Equal(t, 1, pipeline.Workers)
	assert.Equal(t, 1024, pipeline.Aligner.OutputSize())
	assert.NotNil(t, pipeline.Logger)

	_, err = NewFFHQAlignPipeline(&stubProvider{}, config.NewFaceAlignParams(512, 256, true))
	assert.Error(t, err)
}

func TestFFHQAlignPipeline_AlignImage(t *testing.T) {
	var logs bytes.Buffer
	log := logrus.New()
	log.SetOutput(&logs)
	log.SetLevel(logrus.DebugLevel)

	bad := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(3, 2), tensor.WithBacking(make([]float32, 6)))
	provider := &stubProvider{faces: []*tensor.Dense{genTestFace(), bad}}
	pipeline := newTestPipeline(t, provider, WithLogger(log))

	img := genTestImage(500, 500)
	defer img.Close()

	faces, err := pipeline.AlignImage(img)
	require.NoError(t, err)
	require.Len(t, faces, 2)
	defer func() {
		for i := range faces {
			_ = faces[i].Close()
		}
	}()

	assert.NoError(t, faces[0].Err)
	assert.Equal(t, 64, faces[0].Image.Rows())
	assert.InDelta(t, 0.1, faces[0].Quad[0].X, 1e-6)
	assert.True(t, errors.Is(faces[1].Err, modules.ErrInvalidLandmarkShape))

	assert.Contains(t, logs.String(), "face aligned")
	assert.Contains(t, logs.String(), "face skipped")
}

func TestFFHQAlignPipeline_AlignImage_SidecarWithShortFace(t *testing.T) {
	pts, err := utils.TensorToPoints(genTestFace())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, modules.WriteLandmarkFile(&buf, []*tensor.Dense{genTestFace(), utils.PointsToTensor(pts[:67])}))
	provider, err := modules.NewLandmarkFileProvider(&buf)
	require.NoError(t, err)

	img := genTestImage(500, 500)
	defer img.Close()

	faces, err := newTestPipeline(t, provider).AlignImage(img)
	require.NoError(t, err)
	require.Len(t, faces, 2)
	defer func() {
		for i := range faces {
			_ = faces[i].Close()
		}
	}()

	assert.NoError(t, faces[0].Err)
	assert.Equal(t, 64, faces[0].Image.Rows())
	assert.True(t, errors.Is(faces[1].Err, modules.ErrInvalidLandmarkShape))
}

func TestFFHQAlignPipeline_AlignImage_Errors(t *testing.T) {
	img := genTestImage(100, 100)
	defer img.Close()

	pipeline := newTestPipeline(t, nil)
	_, err := pipeline.AlignImage(img)
	assert.ErrorIs(t, err, modules.ErrNoProvider)

	providerErr := errors.New("detector down")
	pipeline = newTestPipeline(t, &stubProvider{err: providerErr})
	_, err = pipeline.AlignImage(img)
	assert.ErrorIs(t, err, providerErr)

	pipeline = newTestPipeline(t, &stubProvider{})
	faces, err := pipeline.AlignImage(img)
	assert.NoError(t, err)
	assert.Empty(t, faces)
}

func TestFFHQAlignPipeline_AlignFile(t *testing.T) {
	dir := t.TempDir()
	fPath := filepath.Join(dir, "face.png")

	img := genTestImage(500, 500)
	require.NoError(t, utils.WriteImageFile(fPath, img, 95))
	_ = img.Close()

	pipeline := newTestPipeline(t, &stubProvider{faces: []*tensor.Dense{genTestFace()}})
	faces, err := pipeline.AlignFile(fPath)
	require.NoError(t, err)
	require.Len(t, faces, 1)
	defer faces[0].Close()
	assert.NoError(t, faces[0].Err)
	assert.Equal(t, 64, faces[0].Image.Cols())

	garbage := filepath.Join(dir, "garbage.png")
	require.NoError(t, os.WriteFile(garbage, []byte("not an image"), 0o644))
	_, err = pipeline.AlignFile(garbage)
	assert.ErrorIs(t, err, utils.ErrImageDecode)

	_, err = pipeline.AlignFile(filepath.Join(dir, "missing.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFFHQAlignPipeline_AlignBatch(t *testing.T) {
	provider := &stubProvider{faces: []*tensor.Dense{genTestFace()}}
	pipeline := newTestPipeline(t, provider, WithWorkers(3))

	imgs := []gocv.Mat{
		genTestImage(500, 500),
		gocv.NewMat(),
		genTestImage(600, 500),
		genTestImage(500, 520),
	}
	defer func() {
		for i := range imgs {
			_ = imgs[i].Close()
		}
	}()

	results, err := pipeline.AlignBatch(context.Background(), imgs)
	require.NoError(t, err)
	require.Len(t, results, len(imgs))
	defer func() {
		for i := range results {
			results[i].Close()
		}
	}()

	assert.Equal(t, int32(len(imgs)), provider.calls.Load())
	for i, res := range results {
		assert.Equal(t, i, res.Index)
	}
	assert.ErrorIs(t, results[1].Err, modules.ErrInvalidImage)
	for _, i := range []int{0, 2, 3} {
		require.NoError(t, results[i].Err)
		require.Len(t, results[i].Faces, 1)
		assert.NoError(t, results[i].Faces[0].Err)
	}
	// quads are normalized by each image's own width
	assert.InDelta(t, 0.1, results[0].Faces[0].Quad[0].X, 1e-6)
	assert.InDelta(t, 50.0/600, results[2].Faces[0].Quad[0].X, 1e-6)
}

func TestFFHQAlignPipeline_AlignBatch_Canceled(t *testing.T) {
	provider := &stubProvider{faces: []*tensor.Dense{genTestFace()}}
	pipeline := newTestPipeline(t, provider, WithWorkers(1))

	img := genTestImage(500, 500)
	defer img.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := pipeline.AlignBatch(ctx, []gocv.Mat{img, img})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.Empty(t, res.Faces)
	}
	assert.Equal(t, int32(0), provider.calls.Load())
}
