package go_ffhq_alignment

import (
	"context"
	"fmt"
	"github.com/okieraised/go-ffhq-alignment/config"
	"github.com/okieraised/go-ffhq-alignment/logger"
	"github.com/okieraised/go-ffhq-alignment/modules"
	"github.com/okieraised/go-ffhq-alignment/utils"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// FFHQAlignPipeline finds faces with a LandmarkProvider and aligns each one.
type FFHQAlignPipeline struct {
	Landmarks modules.LandmarkProvider
	Aligner   *modules.FaceAlignmentClient
	Logger    logrus.FieldLogger
	// Workers bounds how many images AlignBatch processes at once.
	Workers int
}

type Option func(*FFHQAlignPipeline)

func WithLogger(l logrus.FieldLogger) Option {
	return func(p *FFHQAlignPipeline) {
		p.Logger = l
	}
}

func WithWorkers(n int) Option {
	return func(p *FFHQAlignPipeline) {
		p.Workers = n
	}
}

// ImageResult holds the aligned faces of one image of a batch, or the error
// that stopped the image from being processed.
type ImageResult struct {
	Index int
	Faces []config.FaceAlignmentOutput
	Err   error
}

// Close releases the aligned face images.
func (r *ImageResult) Close() {
	for i := range r.Faces {
		_ = r.Faces[i].Close()
	}
}

// NewFFHQAlignPipeline initializes a pipeline around provider. A nil params
// selects config.DefaultFaceAlignParams.
func NewFFHQAlignPipeline(provider modules.LandmarkProvider, params *config.FaceAlignParams, opts ...Option) (*FFHQAlignPipeline, error) {
	aligner, err := modules.NewFaceAlignmentClient(params)
	if err != nil {
		return nil, err
	}

	pipeline := &FFHQAlignPipeline{
		Landmarks: provider,
		Aligner:   aligner,
		Logger:    logger.Discard(),
		Workers:   1,
	}
	for _, opt := range opts {
		opt(pipeline)
	}
	if pipeline.Workers < 1 {
		pipeline.Workers = 1
	}
	return pipeline, nil
}

// TritonParams configures the Triton landmark provider. Nil fields select the defaults.
type TritonParams struct {
	Detection *config.FaceDetectionParams
	Landmark  *config.FaceLandmarkParams
	Selection *modules.FaceSelection
}

// NewTritonFFHQAlignPipeline initializes a pipeline whose landmarks come from
// the detection and landmark models served by Triton. A nil tritonParams
// selects the default models and keeps every detected face.
func NewTritonFFHQAlignPipeline(
	tritonClient *gotritonclient.TritonGRPCClient,
	tritonParams *TritonParams,
	params *config.FaceAlignParams,
	opts ...Option,
) (*FFHQAlignPipeline, error) {
	if tritonParams == nil {
		tritonParams = &TritonParams{}
	}
	provider, err := modules.NewFaceLandmarkProvider(
		tritonClient,
		tritonParams.Detection,
		tritonParams.Landmark,
		tritonParams.Selection,
	)
	if err != nil {
		return nil, err
	}
	return NewFFHQAlignPipeline(provider, params, opts...)
}

/*
AlignLandmarks aligns the faces described by landmarks.

Inputs:

  - img (gocv.Mat): BGR source image.
  - landmarks ([]*tensor.Dense): (68, 2) landmark sets in img pixel coordinates.

Outputs:

  - faces ([]config.FaceAlignmentOutput): one entry per landmark set, in order.
    A face that could not be aligned carries its error in Err.
*/
func (p *FFHQAlignPipeline) AlignLandmarks(img gocv.Mat, landmarks []*tensor.Dense) []config.FaceAlignmentOutput {
	outputs := p.Aligner.AlignFaces(img, landmarks)
	for _, out := range outputs {
		if out.Err != nil {
			p.Logger.WithFields(logger.Fields{"face": out.Index}).WithError(out.Err).Warn("face skipped")
			continue
		}
		p.Logger.WithFields(logger.Fields{"face": out.Index, "quad": out.Quad.Flatten()}).Debug("face aligned")
	}
	return outputs
}

/*
AlignImage detects the faces in img and aligns each of them.

Inputs:

  - img (gocv.Mat): BGR source image.

Outputs:

  - faces ([]config.FaceAlignmentOutput): aligned faces, empty when none was found.
*/
func (p *FFHQAlignPipeline) AlignImage(img gocv.Mat) ([]config.FaceAlignmentOutput, error) {
	if p.Landmarks == nil {
		return nil, modules.ErrNoProvider
	}
	landmarks, err := p.Landmarks.Detect(img)
	if err != nil {
		return nil, err
	}
	if len(landmarks) == 0 {
		p.Logger.Debug("no face found")
	}
	return p.AlignLandmarks(img, landmarks), nil
}

// AlignFile decodes the image at fPath and aligns its faces.
func (p *FFHQAlignPipeline) AlignFile(fPath string) ([]config.FaceAlignmentOutput, error) {
	img, err := utils.ReadImageFile(fPath)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	outputs, err := p.AlignImage(*img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fPath, err)
	}
	return outputs, nil
}

// AlignBatch aligns independent images on up to Workers goroutines. Results
// keep the order of imgs; an image that fails carries its error in Err. The
// returned error is only set when ctx ends before every image was processed.
func (p *FFHQAlignPipeline) AlignBatch(ctx context.Context, imgs []gocv.Mat) ([]ImageResult, error) {
	results := make([]ImageResult, len(imgs))
	for i := range results {
		results[i].Index = i
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Workers)
	for idx := range imgs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[idx].Err = err
				return err
			}
			faces, err := p.AlignImage(imgs[idx])
			if err != nil {
				p.Logger.WithFields(logger.Fields{"image": idx}).WithError(err).Warn("image skipped")
			}
			results[idx].Faces = faces
			results[idx].Err = err
			return nil
		})
	}
	return results, g.Wait()
}
