package embedding

import (
	"image"

	"github.com/MrCodeEU/FaceGate/pkg/utils"
)

// preprocess crops the face with padding, equalizes luminance, resizes to the
// model input and normalizes to a CHW tensor
func (m *ModelExtractor) preprocess(img image.Image, box image.Rectangle) []float32 {
	region := utils.PaddedRect(box, img.Bounds(), m.opts.PaddingRatio)
	face := utils.CropImage(img, region)
	face = utils.EqualizeLuminance(face, m.opts.ClipLimit, m.opts.Tiles)
	face = utils.ResizeImage(face, m.opts.InputSize, m.opts.InputSize)
	return utils.ImageToTensor(face)
}
