package modules

import (
	"github.com/okieraised/go-ffhq-alignment/config"
	"github.com/okieraised/go-ffhq-alignment/utils"
	"gorgonia.org/tensor"
	"math"
)

// GetFaceQuad derives the oriented square crop region from a (68, 2) landmark set.
//
// The half-width of the square is the larger of twice the eye distance and
// 1.8 times the eye-to-mouth distance. The center sits on the eye midpoint,
// moved a tenth of the way towards the mouth.
func GetFaceQuad(landmark *tensor.Dense) (*config.FaceQuad, error) {
	if landmark == nil {
		return nil, &ShapeError{}
	}
	shape := landmark.Shape()
	if len(shape) != 2 || shape[0] != config.NumLandmarks || shape[1] != 2 {
		return nil, &ShapeError{Shape: shape.Clone()}
	}
	lm, err := utils.TensorToPoints(landmark)
	if err != nil {
		return nil, err
	}
	return faceQuadFromPoints(lm), nil
}

func region(lm []config.Point2D, r config.LandmarkRegion) []config.Point2D {
	return lm[r.Start:r.End]
}

func faceQuadFromPoints(lm []config.Point2D) *config.FaceQuad {
	mouthOuter := region(lm, config.RegionMouthOuter)

	eyeLeft := utils.MeanPoint(region(lm, config.RegionEyeLeft))
	eyeRight := utils.MeanPoint(region(lm, config.RegionEyeRight))
	eyeAvg := eyeLeft.Add(eyeRight).Scale(0.5)
	eyeToEye := eyeRight.Sub(eyeLeft)
	mouthAvg := mouthOuter[0].Add(mouthOuter[6]).Scale(0.5)
	mouthAvgPrecise := utils.MeanPoint(mouthOuter)
	eyeToMouth := mouthAvg.Sub(eyeAvg)

	x := eyeToEye.Sub(eyeToMouth.Rot90())
	x = x.Scale(1 / x.Norm())
	x = x.Scale(math.Max(eyeToEye.Norm()*2.0, eyeToMouth.Norm()*1.8))
	y := x.Rot90()
	c := eyeAvg.Add(eyeToMouth.Scale(0.1))

	return &config.FaceQuad{
		Quad: config.Quad{
			c.Sub(x).Sub(y),
			c.Sub(x).Add(y),
			c.Add(x).Add(y),
			c.Add(x).Sub(y),
		},
		QSize:           x.Norm() * 2,
		EyeLeft:         eyeLeft,
		EyeRight:        eyeRight,
		EyeAvg:          eyeAvg,
		EyeToEye:        eyeToEye,
		MouthAvg:        mouthAvg,
		MouthAvgPrecise: mouthAvgPrecise,
		EyeToMouth:      eyeToMouth,
		Center:          c,
	}
}
