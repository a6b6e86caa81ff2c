package capture

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"evdetect/internal/pipeline"
)

// PreviewMaxWidth bounds the width of preview images
const PreviewMaxWidth = 320

// PreviewRef returns a data URL for displaying the frame before a result exists.
// Frames wider than PreviewMaxWidth are scaled down and re-encoded as JPEG
func PreviewRef(frame *pipeline.Frame) string {
	if frame == nil || len(frame.Data) == 0 {
		return ""
	}

	mimeType, data := frame.MimeType, frame.Data
	if scaled, err := scalePreview(frame.Data, PreviewMaxWidth); err == nil && scaled != nil {
		mimeType, data = "image/jpeg", scaled
	}

	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// scalePreview returns nil when the image already fits
func scalePreview(data []byte, maxWidth int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	b := src.Bounds()
	if b.Dx() <= maxWidth {
		return nil, nil
	}

	height := b.Dy() * maxWidth / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
