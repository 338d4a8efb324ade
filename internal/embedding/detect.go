package embedding

import (
	"image"
	"math"

	"github.com/MrCodeEU/FaceGate/pkg/models"
)

// Aspect ratio window for a usable face box
const (
	minAspect = 0.7
	maxAspect = 1.4
)

// SelectFace picks the best detection: large, centred and close to square.
// Boxes outside the aspect window or not larger than minArea are ignored.
func SelectFace(detections []models.Detection, bounds image.Rectangle, minArea int) (image.Rectangle, bool) {
	// Centres are measured from bounds.Min without truncation
	imgCX := float64(bounds.Dx()) / 2
	imgCY := float64(bounds.Dy()) / 2
	maxDistance := math.Hypot(imgCX, imgCY)

	var best image.Rectangle
	bestScore := 0.0
	found := false

	for _, d := range detections {
		if d.Width <= 0 || d.Height <= 0 {
			continue
		}
		area := d.Width * d.Height
		aspect := float64(d.Width) / float64(d.Height)
		if aspect < minAspect || aspect > maxAspect || area <= minArea {
			continue
		}

		faceCX := float64(d.X-bounds.Min.X) + float64(d.Width)/2
		faceCY := float64(d.Y-bounds.Min.Y) + float64(d.Height)/2
		centred := 1.0
		if maxDistance > 0 {
			centred = 1 - math.Hypot(faceCX-imgCX, faceCY-imgCY)/maxDistance
		}

		score := float64(area) * (1 + centred) * (2 - math.Abs(aspect-1))
		if score > bestScore {
			bestScore = score
			best = d.Rect()
			found = true
		}
	}

	return best, found
}
