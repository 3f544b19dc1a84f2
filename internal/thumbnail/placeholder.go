package thumbnail

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"
)

const (
	placeholderW = 400
	placeholderH = 300
)

// Accent colours per file family, drawn as a band across the placeholder.
var placeholderAccents = map[string]color.RGBA{
	".psd": {R: 49, G: 168, B: 255, A: 255},
	".ai":  {R: 255, G: 154, B: 0, A: 255},
	".svg": {R: 255, G: 179, B: 0, A: 255},
}

var defaultAccent = color.RGBA{R: 153, G: 153, B: 153, A: 255}

// Placeholder returns a PNG shown when a file cannot be rendered. The band
// colour hints at the file family.
func Placeholder(ext string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, placeholderW, placeholderH))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 240, G: 240, B: 240, A: 255}}, image.Point{}, draw.Src)

	border := color.RGBA{R: 221, G: 221, B: 221, A: 255}
	for x := 0; x < placeholderW; x++ {
		img.Set(x, 0, border)
		img.Set(x, placeholderH-1, border)
	}
	for y := 0; y < placeholderH; y++ {
		img.Set(0, y, border)
		img.Set(placeholderW-1, y, border)
	}

	accent, ok := placeholderAccents[strings.ToLower(ext)]
	if !ok {
		accent = defaultAccent
	}
	band := image.Rect(placeholderW/4, placeholderH*2/5, placeholderW*3/4, placeholderH*3/5)
	draw.Draw(img, band, &image.Uniform{C: accent}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	// Encoding an in-memory RGBA image cannot fail.
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
