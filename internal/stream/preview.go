// Package stream serves the frames a detection session works on as an MJPEG
// preview, with the latest result drawn over the frame it was computed from.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"evdetect/internal/pipeline"
)

var (
	emergencyColor = color.RGBA{220, 38, 38, 255}
	regularColor   = color.RGBA{34, 197, 94, 255}
)

// Preview holds the latest session frame and fans it out to MJPEG clients
type Preview struct {
	mu      sync.RWMutex
	raw     []byte // latest frame as JPEG, without overlay
	current []byte // what clients see; raw or raw plus the result overlay
	last    *pipeline.Frame
	version uint64

	clientsMu sync.Mutex
	clients   map[chan []byte]struct{}
}

func NewPreview() *Preview {
	return &Preview{clients: make(map[chan []byte]struct{})}
}

// SetFrame publishes a newly acquired frame. PNG uploads are re-encoded as
// JPEG; frames that cannot be decoded are ignored
func (p *Preview) SetFrame(frame *pipeline.Frame) {
	if frame == nil || len(frame.Data) == 0 {
		return
	}
	p.mu.RLock()
	seen := frame == p.last
	p.mu.RUnlock()
	if seen {
		return
	}

	data := frame.Data
	if frame.MimeType != "image/jpeg" {
		img, _, err := image.Decode(bytes.NewReader(frame.Data))
		if err != nil {
			log.Debug().Str("component", "preview").Err(err).Msg("frame not decodable")
			return
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return
		}
		data = buf.Bytes()
	}

	p.mu.Lock()
	p.raw = data
	p.current = data
	p.last = frame
	p.version++
	p.mu.Unlock()

	p.broadcast(data)
}

// OnDetectionResult draws the result over the latest frame
func (p *Preview) OnDetectionResult(_ context.Context, result *pipeline.DetectionResult) {
	p.mu.RLock()
	raw, version := p.raw, p.version
	p.mu.RUnlock()
	if raw == nil || result == nil {
		return
	}

	annotated := Annotate(raw, result)

	p.mu.Lock()
	if p.version != version {
		// A newer frame arrived while drawing
		p.mu.Unlock()
		return
	}
	p.current = annotated
	p.mu.Unlock()

	p.broadcast(annotated)
}

// Current returns the frame clients currently see
func (p *Preview) Current() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// ClientCount returns the number of connected MJPEG clients
func (p *Preview) ClientCount() int {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	return len(p.clients)
}

func (p *Preview) broadcast(frame []byte) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()

	for ch := range p.clients {
		select {
		case ch <- frame:
		default:
			// Slow client, drop the frame
		}
	}
}

// ServeHTTP streams frames as multipart/x-mixed-replace until the client leaves
func (p *Preview) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := make(chan []byte, 2)
	p.clientsMu.Lock()
	p.clients[ch] = struct{}{}
	p.clientsMu.Unlock()
	defer func() {
		p.clientsMu.Lock()
		delete(p.clients, ch)
		p.clientsMu.Unlock()
	}()

	log.Debug().Str("component", "preview").Str("remote", r.RemoteAddr).Msg("client connected")

	if frame := p.Current(); frame != nil {
		if writePart(w, frame) != nil {
			return
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Str("component", "preview").Str("remote", r.RemoteAddr).Msg("client disconnected")
			return
		case frame := <-ch:
			if writePart(w, frame) != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

// SnapshotHandler serves the current frame as a single JPEG
func (p *Preview) SnapshotHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		frame := p.Current()
		if frame == nil {
			http.Error(w, "No frame available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(frame)
	})
}

// Serve runs the preview server on addr until ctx is done
func (p *Preview) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", p)
	mux.Handle("/snapshot", p.SnapshotHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Annotate draws the result label and, when present, its bounding box on a
// JPEG frame. The input is returned unchanged if it cannot be decoded
func Annotate(jpegData []byte, result *pipeline.DetectionResult) []byte {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return jpegData
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	c := regularColor
	if result.IsEmergency() {
		c = emergencyColor
	}
	label := fmt.Sprintf("%s %.1f%%", result.Label, result.Confidence)

	if box, ok := pipeline.BoxFromCoordinates(result.Coordinates); ok {
		x, y := bounds.Min.X+int(box.X), bounds.Min.Y+int(box.Y)
		drawBox(rgba, x, y, int(box.Width), int(box.Height), c, 2)
		drawLabel(rgba, x, y-14, label, c)
	} else {
		drawLabel(rgba, bounds.Min.X+4, bounds.Min.Y+4, label, c)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 85}); err != nil {
		return jpegData
	}
	return buf.Bytes()
}

func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			setIn(img, i, y+t, c)
			setIn(img, i, y+h-1-t, c)
		}
		for j := y; j < y+h; j++ {
			setIn(img, x+t, j, c)
			setIn(img, x+w-1-t, j, c)
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	b := img.Bounds()
	if y < b.Min.Y {
		y = b.Min.Y
	}
	if x < b.Min.X {
		x = b.Min.X
	}

	bg := color.RGBA{0, 0, 0, 180}
	width := len(label) * 7
	for dy := 0; dy < 14; dy++ {
		for dx := -2; dx < width+2; dx++ {
			setIn(img, x+dx, y+dy, bg)
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 11)},
	}
	d.DrawString(label)
}

func setIn(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}
