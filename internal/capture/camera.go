package capture

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"evdetect/internal/pipeline"
)

const maxSnapshotBytes = 16 << 20

// FFmpegCamera grabs single JPEG stills from a V4L2 device, an RTSP/HTTP
// stream (through ffmpeg) or an HTTP snapshot URL (plain GET)
type FFmpegCamera struct {
	device     string
	width      int
	height     int
	ffmpegPath string
	client     *http.Client

	open atomic.Bool
	mu   sync.Mutex // one grab at a time
	seq  atomic.Uint64
}

// NewFFmpegCamera creates a camera for device. width/height apply to V4L2 devices
func NewFFmpegCamera(device string, width, height int) *FFmpegCamera {
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}
	return &FFmpegCamera{
		device:     device,
		width:      width,
		height:     height,
		ffmpegPath: "ffmpeg",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Device returns the configured device path or URL
func (c *FFmpegCamera) Device() string {
	return c.device
}

// Open checks the device is reachable and marks the camera ready
func (c *FFmpegCamera) Open(ctx context.Context) error {
	if c.device == "" {
		return pipeline.NewError(pipeline.KindCaptureUnavailable, "No camera configured", nil)
	}

	if !c.isHTTPImageEndpoint() {
		path, err := exec.LookPath(c.ffmpegPath)
		if err != nil {
			return pipeline.NewError(pipeline.KindCaptureUnavailable, "ffmpeg is required for camera capture", err)
		}
		c.ffmpegPath = path
	}

	if c.isLocalDevice() {
		if _, err := os.Stat(c.device); err != nil {
			return pipeline.NewError(pipeline.KindCaptureUnavailable,
				fmt.Sprintf("Camera device %s is not available", c.device), err)
		}
	}

	c.open.Store(true)
	log.Info().Str("component", "capture").Str("device", c.device).Msg("camera opened")
	return nil
}

// Ready returns true while the camera is open
func (c *FFmpegCamera) Ready() bool {
	return c.open.Load()
}

// Close releases the camera
func (c *FFmpegCamera) Close() error {
	if c.open.Swap(false) {
		log.Info().Str("component", "capture").Str("device", c.device).Msg("camera released")
	}
	return nil
}

// Grab captures one still frame
func (c *FFmpegCamera) Grab(ctx context.Context) (*pipeline.Frame, error) {
	if !c.Ready() {
		return nil, pipeline.NewError(pipeline.KindCaptureUnavailable, "Camera is not ready", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		data []byte
		err  error
	)
	if c.isHTTPImageEndpoint() {
		data, err = c.grabHTTP(ctx)
	} else {
		data, err = c.grabFFmpeg(ctx)
	}
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindCaptureUnavailable, "Could not capture a camera frame", err)
	}

	if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, pipeline.NewError(pipeline.KindCaptureUnavailable, "Camera frame could not be decoded", err)
	}

	return &pipeline.Frame{
		Data:      data,
		MimeType:  "image/jpeg",
		Source:    pipeline.SourceCamera,
		Filename:  "webcam-capture.jpg",
		Seq:       c.seq.Add(1),
		Timestamp: time.Now(),
	}, nil
}

func (c *FFmpegCamera) isHTTPImageEndpoint() bool {
	return (strings.HasPrefix(c.device, "http://") || strings.HasPrefix(c.device, "https://")) &&
		(strings.Contains(c.device, ".jpg") || strings.Contains(c.device, ".jpeg") || strings.Contains(c.device, "snapshot"))
}

func (c *FFmpegCamera) isLocalDevice() bool {
	return !strings.Contains(c.device, "://")
}

func (c *FFmpegCamera) grabHTTP(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.device, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
}

// ffmpegArgs builds a one-shot capture command for the device type
func (c *FFmpegCamera) ffmpegArgs() []string {
	var input []string
	switch {
	case strings.HasPrefix(c.device, "rtsp://"):
		input = []string{"-rtsp_transport", "tcp", "-i", c.device}
	case strings.HasPrefix(c.device, "http://"), strings.HasPrefix(c.device, "https://"):
		input = []string{"-i", c.device}
	default:
		input = []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
			"-i", c.device,
		}
	}

	args := append([]string{"-loglevel", "error"}, input...)
	return append(args,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)
}

func (c *FFmpegCamera) grabFFmpeg(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.ffmpegPath, c.ffmpegArgs()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	buf := stdout.Bytes()
	frame := extractJPEGFrame(&buf)
	if frame == nil {
		return nil, fmt.Errorf("ffmpeg produced no complete JPEG frame (%d bytes)", stdout.Len())
	}
	return frame, nil
}

var _ pipeline.Camera = (*FFmpegCamera)(nil)
