package scan

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"

	"github.com/gabriel-vasile/mimetype"
)

// Sample page dimensions: A4 at 72 dpi.
const (
	sampleWidth  = 595
	sampleHeight = 842
)

// LoadSample returns the JPEG served for the demo device. An empty path
// renders the built-in page.
func LoadSample(path string) ([]byte, error) {
	if path == "" {
		return renderSample()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sample image: %w", err)
	}
	if mt := mimetype.Detect(data); !mt.Is("image/jpeg") {
		return nil, fmt.Errorf("sample image %s is %s, not image/jpeg", path, mt.String())
	}
	return data, nil
}

// renderSample draws a grey "document": a header bar, body lines and a footer.
func renderSample() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, sampleWidth, sampleHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	ink := &image.Uniform{C: color.Gray{Y: 90}}
	faint := &image.Uniform{C: color.Gray{Y: 190}}

	draw.Draw(img, image.Rect(60, 60, sampleWidth-60, 100), ink, image.Point{}, draw.Src)
	for i := 0; i < 28; i++ {
		y := 140 + i*22
		right := sampleWidth - 60
		if i%7 == 6 {
			right = sampleWidth / 2
		}
		draw.Draw(img, image.Rect(60, y, right, y+8), faint, image.Point{}, draw.Src)
	}
	draw.Draw(img, image.Rect(60, sampleHeight-80, 220, sampleHeight-70), ink, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode sample image: %w", err)
	}
	return buf.Bytes(), nil
}
