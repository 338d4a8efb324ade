package identity

import (
	"math"

	"github.com/MrCodeEU/FaceGate/pkg/utils"
)

// Calibrate maps a raw cosine similarity to a display confidence in [0, 1].
// Below 0.5 the score is compressed into [0.3, 0.65); from 0.5 upwards it
// rises from 0.3 to 1. The curve drops at 0.5 (0.49 -> 0.643, 0.5 -> 0.3);
// clients depend on these exact values, so it is kept as is.
// Decisions must use the raw similarity, never this value.
func Calibrate(raw float64) float64 {
	r := utils.Clamp(raw, 0, 1)

	var c float64
	if r < 0.5 {
		c = r*0.7 + 0.3
	} else {
		c = 0.3 + 0.7*math.Pow((r-0.5)*2, 0.8)
	}

	return utils.Clamp(c, 0, 1)
}
