package modules

import (
	"errors"
	"fmt"
	"gorgonia.org/tensor"
)

var (
	ErrInvalidLandmarkShape = errors.New("landmark set must have shape (68, 2)")
	ErrInvalidImage         = errors.New("input image must be a non-empty 3-channel 8-bit image")
	ErrNoProvider           = errors.New("no landmark provider configured")
	ErrQuadOutsideImage     = errors.New("face quad does not overlap the image")
)

// ShapeError reports a landmark set that does not hold exactly 68 points.
type ShapeError struct {
	Shape tensor.Shape
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%v: got %v", ErrInvalidLandmarkShape, e.Shape)
}

func (e *ShapeError) Is(target error) bool {
	return target == ErrInvalidLandmarkShape
}
