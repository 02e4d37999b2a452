package config

import "time"

// FaceAlignParams controls the FFHQ alignment resampling chain.
type FaceAlignParams struct {
	OutputSize    int  `json:"output_size"`
	TransformSize int  `json:"transform_size"`
	EnablePadding bool `json:"enable_padding"`
}

func NewFaceAlignParams(outputSize, transformSize int, enablePadding bool) *FaceAlignParams {
	return &FaceAlignParams{
		OutputSize:    outputSize,
		TransformSize: transformSize,
		EnablePadding: enablePadding,
	}
}

var DefaultFaceAlignParams = &FaceAlignParams{
	OutputSize:    1024,
	TransformSize: 4096,
	EnablePadding: true,
}

type FaceDetectionParams struct {
	ModelName      string        `json:"model_name"`
	Mean           float64       `json:"mean"`
	Scale          float64       `json:"scale"`
	ScoreThreshold float32       `json:"score_threshold"`
	Timeout        time.Duration `json:"timeout"`
}

func NewFaceDetectionParams(modelName string, mean, scale float64, scoreThreshold float32, timeout time.Duration) *FaceDetectionParams {
	return &FaceDetectionParams{
		ModelName:      modelName,
		Mean:           mean,
		Scale:          scale,
		ScoreThreshold: scoreThreshold,
		Timeout:        timeout,
	}
}

var DefaultFaceDetectionParams = &FaceDetectionParams{
	ModelName:      "scrfd",
	Mean:           127.5,
	Scale:          0.00784313725490196,
	ScoreThreshold: 0.5,
	Timeout:        10 * time.Second,
}

// FaceLandmarkParams configures the 68-point landmark model. The model takes a
// square RGB crop of ImgSize pixels and returns 68 (x, y) pairs normalized to
// the crop.
type FaceLandmarkParams struct {
	ModelName string        `json:"model_name"`
	Mean      [3]float64    `json:"mean"`
	STD       [3]float64    `json:"std"`
	ImgSize   int           `json:"img_size"`
	CropScale float64       `json:"crop_scale"`
	Timeout   time.Duration `json:"timeout"`
}

func NewFaceLandmarkParams(modelName string, mean, std [3]float64, imgSize int, cropScale float64, timeout time.Duration) *FaceLandmarkParams {
	return &FaceLandmarkParams{
		ModelName: modelName,
		Mean:      mean,
		STD:       std,
		ImgSize:   imgSize,
		CropScale: cropScale,
		Timeout:   timeout,
	}
}

var DefaultFaceLandmarkParams = &FaceLandmarkParams{
	ModelName: "face_landmark_68",
	Mean:      [3]float64{0.485, 0.456, 0.406},
	STD:       [3]float64{0.229, 0.224, 0.225},
	ImgSize:   112,
	CropScale: 1.2,
	Timeout:   10 * time.Second,
}
