package capture

import "bytes"

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// extractJPEGFrame extracts the first complete JPEG image from buffer and
// advances buffer past it. Returns nil when no complete frame is buffered yet
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	startIdx := bytes.Index(buf, jpegStart)
	if startIdx == -1 {
		return nil
	}

	rel := bytes.Index(buf[startIdx+2:], jpegEnd)
	if rel == -1 {
		return nil
	}
	endIdx := startIdx + 2 + rel + 2

	frame := make([]byte, endIdx-startIdx)
	copy(frame, buf[startIdx:endIdx])
	*buffer = buf[endIdx:]

	return frame
}
