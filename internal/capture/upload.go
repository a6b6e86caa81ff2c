// Package capture turns a user-chosen file or a live camera into frames.
package capture

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"evdetect/internal/pipeline"
)

// DefaultMaxUploadBytes caps the size of an uploaded image
const DefaultMaxUploadBytes int64 = 16 << 20

// Formats the inference service accepts (JPG, JPEG, PNG)
var uploadExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
}

var uploadSeq atomic.Uint64

// Extension returns the file extension the service expects for a MIME type
func Extension(mimeType string) string {
	if ext, ok := uploadExtensions[mimeType]; ok {
		return ext
	}
	return "jpg"
}

// OpenUpload reads an image file from disk into a frame
func OpenUpload(path string) (*pipeline.Frame, error) {
	if path == "" {
		return nil, pipeline.NewError(pipeline.KindCaptureUnavailable, "Please select an image file first", nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindCaptureUnavailable, "Cannot open the selected file", err)
	}
	defer f.Close()

	return ReadUpload(filepath.Base(path), f)
}

// ReadUpload validates and buffers an uploaded image.
// name is kept for display only
func ReadUpload(name string, r io.Reader) (*pipeline.Frame, error) {
	return ReadUploadLimit(name, r, DefaultMaxUploadBytes)
}

// ReadUploadLimit is ReadUpload with an explicit size cap
func ReadUploadLimit(name string, r io.Reader, maxBytes int64) (*pipeline.Frame, error) {
	if r == nil {
		return nil, pipeline.NewError(pipeline.KindCaptureUnavailable, "Please select an image file first", nil)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}

	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindCaptureUnavailable, "Cannot read the selected file", err)
	}
	if len(data) == 0 {
		return nil, pipeline.NewError(pipeline.KindCaptureUnavailable, "The selected file is empty", nil)
	}
	if int64(len(data)) > maxBytes {
		return nil, pipeline.NewError(pipeline.KindCaptureUnavailable,
			fmt.Sprintf("The selected file exceeds %d bytes", maxBytes), nil)
	}

	mimeType, err := validateImage(data)
	if err != nil {
		return nil, err
	}

	return &pipeline.Frame{
		Data:      data,
		MimeType:  mimeType,
		Source:    pipeline.SourceUpload,
		Filename:  name,
		Seq:       uploadSeq.Add(1),
		Timestamp: time.Now(),
	}, nil
}

// validateImage sniffs the content type and checks that the header decodes
func validateImage(data []byte) (string, error) {
	mimeType := http.DetectContentType(data)
	if _, ok := uploadExtensions[mimeType]; !ok {
		return "", pipeline.NewError(pipeline.KindCaptureUnavailable,
			fmt.Sprintf("Unsupported file type %s (supported formats: JPG, PNG, JPEG)", mimeType), nil)
	}

	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return "", pipeline.NewError(pipeline.KindCaptureUnavailable, "The selected file is not a valid image", err)
	}
	return mimeType, nil
}
