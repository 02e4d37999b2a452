package modules

import (
	"fmt"
	"github.com/okieraised/go-ffhq-alignment/config"
	"github.com/okieraised/go-ffhq-alignment/utils"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/okieraised/go-triton-client/triton_proto"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
	"image"
)

// FaceDetectionClient runs an SCRFD-style detector served by Triton. The model
// is expected to return num_dets, boxes, scores, classes and 5-point landmarks,
// with coordinates normalized to the square input.
type FaceDetectionClient struct {
	tritonClient *gotritonclient.TritonGRPCClient
	ModelConfig  *triton_proto.ModelConfigResponse
	ModelParams  *config.FaceDetectionParams
}

func NewFaceDetectionClient(triton *gotritonclient.TritonGRPCClient, cfg *config.FaceDetectionParams) (*FaceDetectionClient, error) {
	if cfg == nil {
		cfg = config.DefaultFaceDetectionParams
	}
	inferenceConfig, err := triton.GetModelConfiguration(cfg.Timeout, cfg.ModelName, "")
	if err != nil {
		return nil, err
	}
	if len(inferenceConfig.Config.Input) == 0 || len(inferenceConfig.Config.Input[0].Dims) != 3 {
		return nil, fmt.Errorf("model %s: expected one CHW input", cfg.ModelName)
	}

	return &FaceDetectionClient{
		tritonClient: triton,
		ModelParams:  cfg,
		ModelConfig:  inferenceConfig,
	}, nil
}

// letterbox resizes img, keeping its aspect ratio, into the top-left corner of
// a black width x height canvas.
func letterbox(img gocv.Mat, width, height int) gocv.Mat {
	imgH, imgW := img.Rows(), img.Cols()
	imgRatio := float64(imgW) / float64(imgH)
	modelRatio := float64(width) / float64(height)

	var newWidth, newHeight int
	if imgRatio > modelRatio {
		newWidth = width
		newHeight = int(float64(newWidth) / imgRatio)
	} else {
		newHeight = height
		newWidth = int(float64(newHeight) * imgRatio)
	}
	newWidth, newHeight = max(newWidth, 1), max(newHeight, 1)

	scaledImg := gocv.NewMatWithSizesWithScalar(
		[]int{height, width},
		gocv.MatTypeCV8UC3,
		gocv.NewScalar(0, 0, 0, 0),
	)
	roi := scaledImg.Region(image.Rect(0, 0, newWidth, newHeight))
	defer roi.Close()
	gocv.Resize(img, &roi, image.Point{X: newWidth, Y: newHeight}, 0, 0, gocv.InterpolationLinear)
	return scaledImg
}

func (c *FaceDetectionClient) preprocess(img gocv.Mat) (*tensor.Dense, config.Size, error) {
	size := config.Size{Width: img.Cols(), Height: img.Rows()}
	dims := c.ModelConfig.Config.Input[0].Dims

	scaledImg := letterbox(img, int(dims[2]), int(dims[1]))
	defer scaledImg.Close()

	mean := c.ModelParams.Mean
	std := 1 / c.ModelParams.Scale
	input, err := utils.MatToCHWTensor(scaledImg, [3]float64{mean, mean, mean}, [3]float64{std, std, std})
	if err != nil {
		return nil, size, err
	}
	return input, size, nil
}

// postprocessDetections converts raw detector outputs for the first batch
// entry into image-space detections. Coordinates are scaled by the longer
// image side, which undoes letterbox on a square model input.
func postprocessDetections(rawOutputs []*tensor.Dense, size config.Size, scoreThreshold float32) ([]config.FaceDetectionOutput, error) {
	if len(rawOutputs) < 5 {
		return nil, fmt.Errorf("expected 5 detector outputs, got %d", len(rawOutputs))
	}
	numDets, err := rawOutputs[0].Slice(tensor.S(0))
	if err != nil {
		return nil, err
	}
	boxes, err := rawOutputs[1].Slice(tensor.S(0))
	if err != nil {
		return nil, err
	}
	scores, err := rawOutputs[2].Slice(tensor.S(0))
	if err != nil {
		return nil, err
	}
	classes, err := rawOutputs[3].Slice(tensor.S(0))
	if err != nil {
		return nil, err
	}
	landmarks, err := rawOutputs[4].Slice(tensor.S(0))
	if err != nil {
		return nil, err
	}

	n, err := scalarValue(numDets)
	if err != nil {
		return nil, err
	}
	count := min(int(n), boxes.Shape()[0])

	scale := float32(size.Max())
	results := make([]config.FaceDetectionOutput, 0, count)
	for i := 0; i < count; i++ {
		score, err := scores.Slice(tensor.S(i))
		if err != nil {
			return nil, err
		}
		v, err := scalarValue(score)
		if err != nil {
			return nil, err
		}
		if float32(v) < scoreThreshold {
			continue
		}
		classID, err := classes.Slice(tensor.S(i))
		if err != nil {
			return nil, err
		}
		box, err := boxes.Slice(tensor.S(i))
		if err != nil {
			return nil, err
		}
		scaledBox, err := box.Apply(func(x float32) float32 {
			return x * scale
		})
		if err != nil {
			return nil, err
		}
		landmark, err := landmarks.Slice(tensor.S(i))
		if err != nil {
			return nil, err
		}
		scaledLandmark, err := landmark.Apply(func(x float32) float32 {
			return x * scale
		})
		if err != nil {
			return nil, err
		}

		results = append(results, config.FaceDetectionOutput{
			Box:      scaledBox.(*tensor.Dense),
			Score:    score.(*tensor.Dense),
			ClassID:  classID.(*tensor.Dense),
			Landmark: scaledLandmark.(*tensor.Dense),
		})
	}
	return results, nil
}

// scalarValue reads the first element of a single-value tensor.
func scalarValue(t tensor.Tensor) (float64, error) {
	switch v := t.Data().(type) {
	case int32:
		return float64(v), nil
	case []int32:
		if len(v) > 0 {
			return float64(v[0]), nil
		}
	case float32:
		return float64(v), nil
	case []float32:
		if len(v) > 0 {
			return float64(v[0]), nil
		}
	}
	return 0, fmt.Errorf("cannot read a scalar from %v tensor of shape %v", t.Dtype(), t.Shape())
}

// Detect returns the faces found in img whose score reaches the configured threshold.
func (c *FaceDetectionClient) Detect(img gocv.Mat) ([]config.FaceDetectionOutput, error) {
	if err := checkImage(img); err != nil {
		return nil, err
	}
	input, size, err := c.preprocess(img)
	if err != nil {
		return nil, err
	}
	outputs, err := infer(c.tritonClient, c.ModelParams.ModelName, c.ModelParams.Timeout, c.ModelConfig, input)
	if err != nil {
		return nil, err
	}
	return postprocessDetections(outputs, size, c.ModelParams.ScoreThreshold)
}
