package media

import (
	"bytes"
	"image"
	"image/color"
	"image/png"

	"github.com/cespare/xxhash/v2"
)

const (
	placeholderWidth  = 800
	placeholderHeight = 600
)

// Placeholder draws a pastel gradient with a centered disc. The tint is
// derived from the prompt so the same request always yields the same image.
func Placeholder(prompt string, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		width, height = placeholderWidth, placeholderHeight
	}
	h := xxhash.Sum64String(prompt)
	tint := color.RGBA{
		R: 160 + uint8(h%96),
		G: 160 + uint8((h>>8)%96),
		B: 160 + uint8((h>>16)%96),
		A: 255,
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		f := float64(y) / float64(height)
		row := color.RGBA{
			R: blend(255, tint.R, f),
			G: blend(248, tint.G, f),
			B: blend(255, tint.B, f),
			A: 255,
		}
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, row)
		}
	}

	cx, cy := width/2, height/2
	r := min(width, height) / 5
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(x, y, white)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func blend(from, to uint8, f float64) uint8 {
	return uint8(float64(from) + (float64(to)-float64(from))*f)
}
