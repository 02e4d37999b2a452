package config

import (
	"fmt"
	"github.com/kelseyhightower/envconfig"
	"time"
)

// Settings holds process-level options read from FFHQ_* environment variables.
type Settings struct {
	TritonURL     string        `envconfig:"TRITON_URL" default:"127.0.0.1:8301"`
	TritonTimeout time.Duration `envconfig:"TRITON_TIMEOUT" default:"10s"`
	Workers       int           `envconfig:"WORKERS" default:"4"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFile       string        `envconfig:"LOG_FILE"`
	OutputSize    int           `envconfig:"OUTPUT_SIZE" default:"1024"`
	TransformSize int           `envconfig:"TRANSFORM_SIZE" default:"4096"`

	// Face selection applied to Triton detections.
	KeepLargest    bool    `envconfig:"KEEP_LARGEST"`
	KeepCenter     bool    `envconfig:"KEEP_CENTER"`
	MinEyeDistance float32 `envconfig:"MIN_EYE_DISTANCE"`
	RetryPadding   bool    `envconfig:"RETRY_PADDING"`
}

func LoadSettings() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("FFHQ", &s); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the sizes and worker count.
func (s *Settings) Validate() error {
	if s.OutputSize <= 0 || s.TransformSize <= 0 {
		return fmt.Errorf("output size %d and transform size %d must be positive", s.OutputSize, s.TransformSize)
	}
	if s.OutputSize > s.TransformSize {
		return fmt.Errorf("output size %d exceeds transform size %d", s.OutputSize, s.TransformSize)
	}
	if s.MinEyeDistance < 0 {
		return fmt.Errorf("min eye distance must not be negative, got %v", s.MinEyeDistance)
	}
	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}
	return nil
}

// AlignParams builds alignment params from the settings. Padding is always on.
func (s *Settings) AlignParams() *FaceAlignParams {
	return NewFaceAlignParams(s.OutputSize, s.TransformSize, true)
}

// DetectionParams returns the default detection params with the configured Triton timeout.
func (s *Settings) DetectionParams() *FaceDetectionParams {
	p := *DefaultFaceDetectionParams
	p.Timeout = s.TritonTimeout
	return &p
}

// LandmarkParams returns the default landmark params with the configured Triton timeout.
func (s *Settings) LandmarkParams() *FaceLandmarkParams {
	p := *DefaultFaceLandmarkParams
	p.Timeout = s.TritonTimeout
	return &p
}
