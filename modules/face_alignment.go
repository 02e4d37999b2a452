package modules

import (
	"errors"
	"fmt"
	"github.com/okieraised/go-ffhq-alignment/config"
	"github.com/okieraised/go-ffhq-alignment/utils"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
	"image"
	"image/color"
	"math"
	"slices"
)

const halfPixel = 0.5

// FaceAlignmentClient produces FFHQ-aligned face crops from 68-point landmarks.
// It holds no per-call state and is safe for concurrent use.
type FaceAlignmentClient struct {
	outputSize    int
	transformSize int
	enablePadding bool
}

// NewFaceAlignmentClient initializes a new FaceAlignmentClient. A nil cfg
// selects config.DefaultFaceAlignParams.
func NewFaceAlignmentClient(cfg *config.FaceAlignParams) (*FaceAlignmentClient, error) {
	if cfg == nil {
		cfg = config.DefaultFaceAlignParams
	}
	if cfg.OutputSize <= 0 || cfg.TransformSize <= 0 {
		return nil, fmt.Errorf("output size %d and transform size %d must be positive", cfg.OutputSize, cfg.TransformSize)
	}
	if cfg.OutputSize > cfg.TransformSize {
		return nil, fmt.Errorf("output size %d exceeds transform size %d", cfg.OutputSize, cfg.TransformSize)
	}
	return &FaceAlignmentClient{
		outputSize:    cfg.OutputSize,
		transformSize: cfg.TransformSize,
		enablePadding: cfg.EnablePadding,
	}, nil
}

// OutputSize returns the side length of aligned images.
func (c *FaceAlignmentClient) OutputSize() int {
	return c.outputSize
}

// alignState is the working image and the quad expressed in its pixel grid.
// The input image is never modified; intermediate images are owned and closed
// when replaced.
type alignState struct {
	img   gocv.Mat
	owned bool
	quad  config.Quad
	qsize float64
}

func (s *alignState) replace(m gocv.Mat) {
	if s.owned {
		_ = s.img.Close()
	}
	s.img = m
	s.owned = true
}

func (s *alignState) release() {
	if s.owned {
		_ = s.img.Close()
		s.owned = false
	}
}

/*
AlignFace aligns one face.

Inputs:

  - img (gocv.Mat): source image, 3-channel 8-bit.
  - landmark (*tensor.Dense): (68, 2) landmark set in img pixel coordinates.

Outputs:

  - aligned (gocv.Mat): OutputSize x OutputSize aligned face, owned by the caller.
    It is the zero Mat when err is non-nil.
  - quad (config.Quad): crop quad in img coordinates divided by img width.
*/
func (c *FaceAlignmentClient) AlignFace(img gocv.Mat, landmark *tensor.Dense) (gocv.Mat, config.Quad, error) {
	if err := checkImage(img); err != nil {
		return gocv.Mat{}, config.Quad{}, err
	}

	fq, err := GetFaceQuad(landmark)
	if err != nil {
		return gocv.Mat{}, config.Quad{}, err
	}
	quadOut := fq.Quad.Normalize(img.Cols())

	s := &alignState{img: img, quad: fq.Quad, qsize: fq.QSize}
	defer s.release()

	c.shrink(s)

	border := max(utils.Rint(s.qsize*0.1), 3)
	if err = c.crop(s, border); err != nil {
		return gocv.Mat{}, config.Quad{}, err
	}
	if _, err = c.pad(s, border); err != nil {
		return gocv.Mat{}, config.Quad{}, err
	}

	aligned := c.transform(s)
	if c.outputSize < c.transformSize {
		resized := gocv.NewMat()
		gocv.Resize(aligned, &resized, image.Pt(c.outputSize, c.outputSize), 0, 0, gocv.InterpolationArea)
		_ = aligned.Close()
		aligned = resized
	}
	return aligned, quadOut, nil
}

// AlignFaces aligns every landmark set against img. The result has one entry
// per landmark set, in input order; a face that fails carries its error in
// Err and does not affect the others.
func (c *FaceAlignmentClient) AlignFaces(img gocv.Mat, landmarks []*tensor.Dense) []config.FaceAlignmentOutput {
	outputs := make([]config.FaceAlignmentOutput, 0, len(landmarks))
	for idx, landmark := range landmarks {
		aligned, quad, err := c.AlignFace(img, landmark)
		if err != nil {
			outputs = append(outputs, config.FaceAlignmentOutput{Index: idx, Err: err})
			continue
		}
		outputs = append(outputs, config.FaceAlignmentOutput{
			Index: idx,
			Image: aligned,
			Quad:  quad,
		})
	}
	return outputs
}

func checkImage(img gocv.Mat) error {
	if img.Ptr() == nil || img.Empty() {
		return ErrInvalidImage
	}
	if img.Type() != gocv.MatTypeCV8UC3 {
		return fmt.Errorf("%w: got type %v", ErrInvalidImage, img.Type())
	}
	return nil
}

// shrink downsamples the image when the quad is at least twice as large as
// the output, so the final warp does not alias.
func (c *FaceAlignmentClient) shrink(s *alignState) {
	factor := int(math.Floor(s.qsize / float64(c.outputSize) * 0.5))
	if factor <= 1 {
		return
	}
	f := float64(factor)
	rsize := image.Pt(
		utils.Rint(float64(s.img.Cols())/f),
		utils.Rint(float64(s.img.Rows())/f),
	)
	resized := gocv.NewMat()
	gocv.Resize(s.img, &resized, rsize, 0, 0, gocv.InterpolationArea)
	s.replace(resized)
	s.quad = s.quad.Scale(1 / f)
	s.qsize /= f
}

// crop cuts the image down to the quad bounding box grown by border.
func (c *FaceAlignmentClient) crop(s *alignState, border int) error {
	w, h := s.img.Cols(), s.img.Rows()
	x0, y0, x1, y1 := s.quad.Bounds()
	rect := image.Rectangle{
		Min: image.Pt(max(x0-border, 0), max(y0-border, 0)),
		Max: image.Pt(min(x1+border, w), min(y1+border, h)),
	}
	if rect.Empty() {
		return ErrQuadOutsideImage
	}
	if rect.Dx() >= w && rect.Dy() >= h {
		return nil
	}
	roi := s.img.Region(rect)
	cropped := roi.Clone()
	_ = roi.Close()
	s.replace(cropped)
	s.quad = s.quad.Translate(config.Point2D{X: float64(-rect.Min.X), Y: float64(-rect.Min.Y)})
	return nil
}

// padAmounts returns how far the quad, grown by border, overhangs the image
// on the left, top, right and bottom.
func padAmounts(q config.Quad, w, h, border int) [4]int {
	x0, y0, x1, y1 := q.Bounds()
	return [4]int{
		max(-x0+border, 0),
		max(-y0+border, 0),
		max(x1-w+border, 0),
		max(y1-h+border, 0),
	}
}

// pad extends the image by reflection when the quad overhangs it, then
// blurs the synthesized margin and fades it towards the median color.
// It reports whether the image was padded.
func (c *FaceAlignmentClient) pad(s *alignState, border int) (bool, error) {
	w, h := s.img.Cols(), s.img.Rows()
	pad := padAmounts(s.quad, w, h, border)
	if !c.enablePadding || slices.Max(pad[:]) <= border-4 {
		return false, nil
	}
	minPad := utils.Rint(s.qsize * 0.3)
	for i := range pad {
		pad[i] = max(pad[i], minPad)
	}

	src := gocv.NewMat()
	defer src.Close()
	s.img.ConvertTo(&src, gocv.MatTypeCV32FC3)

	padded := gocv.NewMat()
	defer padded.Close()
	gocv.CopyMakeBorder(src, &padded, pad[1], pad[3], pad[0], pad[2], gocv.BorderReflect101, color.RGBA{})

	if err := blendPadding(padded, pad, s.qsize*0.02); err != nil {
		return false, err
	}

	out := gocv.NewMat()
	padded.ConvertTo(&out, gocv.MatTypeCV8UC3)
	s.replace(out)
	s.quad = s.quad.Translate(config.Point2D{X: float64(pad[0]), Y: float64(pad[1])})
	return true, nil
}

// paddingMask returns, per pixel, how deep it lies in the synthesized margin:
// 1 on the outer edge, 0 where the margin meets real content and negative
// further inside.
func paddingMask(w, h int, pad [4]int) []float64 {
	mx := make([]float64, w)
	for x := range mx {
		mx[x] = 1 - math.Min(edgeRatio(x, pad[0]), edgeRatio(w-1-x, pad[2]))
	}
	my := make([]float64, h)
	for y := range my {
		my[y] = 1 - math.Min(edgeRatio(y, pad[1]), edgeRatio(h-1-y, pad[3]))
	}
	mask := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := mask[y*w : (y+1)*w]
		for x := range row {
			row[x] = math.Max(mx[x], my[y])
		}
	}
	return mask
}

func edgeRatio(dist, pad int) float64 {
	if pad == 0 {
		return math.Inf(1)
	}
	return float64(dist) / float64(pad)
}

// blendPadding blurs the margin of a padded CV32FC3 image in place, then pulls
// it towards the per-channel median color.
func blendPadding(img gocv.Mat, pad [4]int, sigma float64) error {
	w, h, nch := img.Cols(), img.Rows(), img.Channels()
	mask := paddingMask(w, h, pad)

	blurred := gocv.NewMat()
	defer blurred.Close()
	ksize := 2*int(4*sigma+0.5) + 1
	gocv.GaussianBlur(img, &blurred, image.Pt(ksize, ksize), sigma, sigma, gocv.BorderReflect)

	pix, err := img.DataPtrFloat32()
	if err != nil {
		return err
	}
	blur, err := blurred.DataPtrFloat32()
	if err != nil {
		return err
	}
	if len(pix) != w*h*nch || len(blur) != len(pix) {
		return errors.New("padded image is not continuous")
	}

	for i, m := range mask {
		alpha := float32(utils.Clip(m*3+1, 0, 1))
		if alpha == 0 {
			continue
		}
		for ch := 0; ch < nch; ch++ {
			idx := i*nch + ch
			pix[idx] += (blur[idx] - pix[idx]) * alpha
		}
	}

	medians := make([]float32, nch)
	channel := make([]float32, w*h)
	for ch := 0; ch < nch; ch++ {
		for i := range channel {
			channel[i] = pix[i*nch+ch]
		}
		medians[ch] = float32(utils.Median(channel))
	}

	for i, m := range mask {
		alpha := float32(utils.Clip(m, 0, 1))
		if alpha == 0 {
			continue
		}
		for ch := 0; ch < nch; ch++ {
			idx := i*nch + ch
			pix[idx] += (medians[ch] - pix[idx]) * alpha
		}
	}
	return nil
}

// transform warps the quad onto a TransformSize square with bilinear sampling.
//
// Corners are matched in continuous coordinates, where pixel i covers
// [i, i+1): quad+0.5 goes to the output square corners. Both sides are then
// shifted by -0.5 into the pixel-center indices OpenCV samples at.
func (c *FaceAlignmentClient) transform(s *alignState) gocv.Mat {
	t := float32(c.transformSize)
	src := utils.QuadToPoint2fVector(s.quad.Translate(config.Point2D{X: halfPixel, Y: halfPixel}), -halfPixel)
	defer src.Close()
	dst := gocv.NewPoint2fVectorFromPoints([]gocv.Point2f{
		{X: -halfPixel, Y: -halfPixel},
		{X: -halfPixel, Y: t - halfPixel},
		{X: t - halfPixel, Y: t - halfPixel},
		{X: t - halfPixel, Y: -halfPixel},
	})
	defer dst.Close()

	m := gocv.GetPerspectiveTransform2f(src, dst)
	defer m.Close()

	warped := gocv.NewMat()
	gocv.WarpPerspectiveWithParams(
		s.img,
		&warped,
		m,
		image.Pt(c.transformSize, c.transformSize),
		gocv.InterpolationLinear,
		gocv.BorderConstant,
		color.RGBA{},
	)
	return warped
}
