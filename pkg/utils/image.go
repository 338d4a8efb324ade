// Package utils provides utility functions for image processing
package utils

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrEmptyImage is returned for zero-length input or images with no pixels
var ErrEmptyImage = errors.New("empty image")

// DecodeImage decodes JPEG, PNG, GIF, BMP or WebP bytes
func DecodeImage(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, "", ErrEmptyImage
	}
	return img, format, nil
}

// ToRGBA converts any image to an RGBA image anchored at the origin
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// PaddedRect grows box by ratio*min(w,h) on every side and clamps it to bounds
func PaddedRect(box, bounds image.Rectangle, ratio float64) image.Rectangle {
	pad := int(float64(min(box.Dx(), box.Dy())) * ratio)
	r := image.Rect(box.Min.X-pad, box.Min.Y-pad, box.Max.X+pad, box.Max.Y+pad)
	return r.Intersect(bounds)
}

// CropImage crops a region from an image
func CropImage(img image.Image, rect image.Rectangle) *image.RGBA {
	rect = rect.Intersect(img.Bounds())
	cropped := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(cropped, cropped.Bounds(), img, rect.Min, draw.Src)
	return cropped
}

// ResizeImage resizes an image with a Catmull-Rom kernel
func ResizeImage(src image.Image, dstWidth, dstHeight int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, dstWidth, dstHeight))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// EqualizeLuminance applies contrast limited adaptive histogram equalization
// to the luma channel, leaving chroma untouched. clipLimit follows the usual
// convention of a multiple of the mean bin height.
func EqualizeLuminance(img *image.RGBA, clipLimit float64, tiles int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 || tiles <= 0 {
		return img
	}

	tilesX, tilesY := min(tiles, w), min(tiles, h)
	tileW := float64(w) / float64(tilesX)
	tileH := float64(h) / float64(tilesY)

	luma := make([]uint8, w*h)
	cb := make([]uint8, w*h)
	cr := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			yy, u, v := color.RGBToYCbCr(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
			luma[y*w+x], cb[y*w+x], cr[y*w+x] = yy, u, v
		}
	}

	luts := make([][256]uint8, tilesX*tilesY)
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			x0, x1 := int(float64(tx)*tileW), int(float64(tx+1)*tileW)
			y0, y1 := int(float64(ty)*tileH), int(float64(ty+1)*tileH)
			luts[ty*tilesX+tx] = tileLUT(luma, w, x0, y0, x1, y1, clipLimit)
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		fy := (float64(y)+0.5)/tileH - 0.5
		ty0, ty1, ay := neighbours(fy, tilesY)
		for x := 0; x < w; x++ {
			fx := (float64(x)+0.5)/tileW - 0.5
			tx0, tx1, ax := neighbours(fx, tilesX)

			v := luma[y*w+x]
			top := (1-ax)*float64(luts[ty0*tilesX+tx0][v]) + ax*float64(luts[ty0*tilesX+tx1][v])
			bottom := (1-ax)*float64(luts[ty1*tilesX+tx0][v]) + ax*float64(luts[ty1*tilesX+tx1][v])
			eq := uint8(Clamp(math.Round((1-ay)*top+ay*bottom), 0, 255))

			r, g, bl := color.YCbCrToRGB(eq, cb[y*w+x], cr[y*w+x])
			i := out.PixOffset(x, y)
			out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = r, g, bl, 255
		}
	}
	return out
}

func tileLUT(luma []uint8, stride, x0, y0, x1, y1 int, clipLimit float64) [256]uint8 {
	var hist [256]int
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			hist[luma[y*stride+x]]++
		}
	}

	area := (x1 - x0) * (y1 - y0)
	var lut [256]uint8
	if area == 0 {
		for i := range lut {
			lut[i] = uint8(i)
		}
		return lut
	}

	if clipLimit > 0 {
		limit := max(int(clipLimit*float64(area)/256), 1)
		excess := 0
		for i := range hist {
			if hist[i] > limit {
				excess += hist[i] - limit
				hist[i] = limit
			}
		}
		bonus, residual := excess/256, excess%256
		for i := range hist {
			hist[i] += bonus
		}
		if residual > 0 {
			step := max(256/residual, 1)
			for i := 0; i < 256 && residual > 0; i += step {
				hist[i]++
				residual--
			}
		}
	}

	scale := 255.0 / float64(area)
	sum := 0
	for i := range hist {
		sum += hist[i]
		lut[i] = uint8(Clamp(math.Round(float64(sum)*scale), 0, 255))
	}
	return lut
}

// neighbours returns the two tile indices bracketing pos and the blend weight
func neighbours(pos float64, n int) (int, int, float64) {
	lo := int(math.Floor(pos))
	a := pos - float64(lo)
	if lo < 0 {
		return 0, 0, 0
	}
	if lo >= n-1 {
		return n - 1, n - 1, 0
	}
	return lo, lo + 1, a
}

// ImageToTensor converts a square RGB image to float32 in CHW layout,
// normalized as (v - 127.5) / 128
func ImageToTensor(img *image.RGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			idx := y*w + x
			data[idx] = (float32(img.Pix[i]) - 127.5) / 128.0
			data[idx+plane] = (float32(img.Pix[i+1]) - 127.5) / 128.0
			data[idx+2*plane] = (float32(img.Pix[i+2]) - 127.5) / 128.0
		}
	}

	return data
}

// MeanAbsDiff returns the mean absolute per-channel difference of two images
// over their overlapping region, in 8-bit units
func MeanAbsDiff(a, b image.Image) float64 {
	ra, rb := ToRGBA(a), ToRGBA(b)
	w := min(ra.Bounds().Dx(), rb.Bounds().Dx())
	h := min(ra.Bounds().Dy(), rb.Bounds().Dy())
	if w == 0 || h == 0 {
		return 0
	}

	var total float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ia, ib := ra.PixOffset(x, y), rb.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				total += math.Abs(float64(ra.Pix[ia+c]) - float64(rb.Pix[ib+c]))
			}
		}
	}
	return total / float64(w*h*3)
}

// Clamp clamps a value between lo and hi
func Clamp(val, lo, hi float64) float64 {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
