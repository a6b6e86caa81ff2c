// Package detection is the HTTP client of the emergency vehicle inference service.
package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	goahttp "goa.design/goa/v3/http"

	"evdetect/internal/capture"
	"evdetect/internal/pipeline"
	"evdetect/internal/settings"
)

const (
	// DefaultTimeout bounds a single detect request
	DefaultTimeout = 15 * time.Second

	maxResponseBytes = 32 << 20
)

// Client talks to the inference service. It never retries
type Client struct {
	baseURL *url.URL
	doer    goahttp.Doer
	timeout time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithDoer replaces the HTTP doer (e.g. with goahttp.NewDebugDoer)
func WithDoer(doer goahttp.Doer) Option {
	return func(c *Client) {
		if doer != nil {
			c.doer = doer
		}
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// NewClient creates a client for the service at baseURL (e.g. http://localhost:5000)
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid API URL %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL: u,
		doer:    &http.Client{},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the service base URL
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// ProcessedImageURL returns the URL of a server-stored annotated image
func (c *Client) ProcessedImageURL(processedFilename string) string {
	if processedFilename == "" {
		return ""
	}
	return c.baseURL.JoinPath("api", "uploads", processedFilename).String()
}

// detectResponse is the JSON body of /api/detect and of /api/history entries
type detectResponse struct {
	DetectionID       string          `json:"detection_id"`
	DetectionType     string          `json:"detection_type"`
	Confidence        *float64        `json:"confidence"`
	ProcessedFilename string          `json:"processed_filename"`
	Coordinates       json.RawMessage `json:"coordinates"`
	Timestamp         string          `json:"timestamp,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Detect submits one frame as multipart/form-data and returns the parsed result
func (c *Client) Detect(ctx context.Context, frame *pipeline.Frame, cfg settings.Settings, token string) (*pipeline.DetectionResult, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, pipeline.NewError(pipeline.KindCaptureUnavailable, "No image to detect", nil)
	}

	body, contentType, err := encodeDetectRequest(frame, cfg)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindCaptureUnavailable, "Error processing the image", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL.JoinPath("api", "detect").String(), body)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindUnreachable, "Could not build the detection request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	setBearer(req, token)

	start := time.Now()
	payload, status, err := c.do(ctx, reqCtx, req)
	if err != nil {
		return nil, err
	}
	if err := statusError(status, payload); err != nil {
		return nil, err
	}

	var raw detectResponse
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, pipeline.NewError(pipeline.KindMalformedResponse, "Received invalid response from server", err)
	}

	result, err := c.toResult(raw, time.Now())
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("component", "detection").
		Str("detection_id", result.ID).
		Str("label", result.Label).
		Float64("confidence", result.Confidence).
		Dur("latency", time.Since(start)).
		Msg("detection completed")
	return result, nil
}

// History returns past detections, most recent first
func (c *Client) History(ctx context.Context, token string, limit int) ([]pipeline.DetectionResult, error) {
	u := c.baseURL.JoinPath("api", "history")
	if limit > 0 {
		q := u.Query()
		q.Set("limit", strconv.Itoa(limit))
		u.RawQuery = q.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindUnreachable, "Could not build the history request", err)
	}
	req.Header.Set("Accept", "application/json")
	setBearer(req, token)

	payload, status, err := c.do(ctx, reqCtx, req)
	if err != nil {
		return nil, err
	}
	if err := statusError(status, payload); err != nil {
		return nil, err
	}

	var raw []detectResponse
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, pipeline.NewError(pipeline.KindMalformedResponse, "Received invalid history from server", err)
	}

	results := make([]pipeline.DetectionResult, 0, len(raw))
	for _, r := range raw {
		result, err := c.toResult(r, parseTimestamp(r.Timestamp))
		if err != nil {
			log.Warn().Str("component", "detection").Err(err).Msg("skipping invalid history entry")
			continue
		}
		results = append(results, *result)
	}
	return results, nil
}

// FetchProcessedImage downloads the annotated image stored by the service
func (c *Client) FetchProcessedImage(ctx context.Context, processedFilename string) ([]byte, error) {
	if processedFilename == "" {
		return nil, pipeline.NewError(pipeline.KindMalformedResponse, "Result has no processed image", nil)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.ProcessedImageURL(processedFilename), nil)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindUnreachable, "Could not build the image request", err)
	}

	payload, status, err := c.do(ctx, reqCtx, req)
	if err != nil {
		return nil, err
	}
	if err := statusError(status, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// do executes the request and reads the body, mapping transport failures
func (c *Client) do(parent, reqCtx context.Context, req *http.Request) ([]byte, int, error) {
	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, 0, transportError(parent, reqCtx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, transportError(parent, reqCtx, err)
	}
	return payload, resp.StatusCode, nil
}

func (c *Client) toResult(raw detectResponse, createdAt time.Time) (*pipeline.DetectionResult, error) {
	if raw.DetectionType == "" && raw.DetectionID == "" {
		return nil, pipeline.NewError(pipeline.KindMalformedResponse,
			"Received invalid response from server: missing detection_type and detection_id", nil)
	}

	var confidence float64
	if raw.Confidence != nil {
		confidence = *raw.Confidence
		if math.IsNaN(confidence) || confidence < 0 || confidence > 100 {
			return nil, pipeline.NewError(pipeline.KindMalformedResponse,
				fmt.Sprintf("Received invalid response from server: confidence %v out of range", confidence), nil)
		}
	}

	id := raw.DetectionID
	if id == "" {
		id = uuid.NewString()
	}

	return &pipeline.DetectionResult{
		ID:                id,
		Class:             pipeline.ClassFromLabel(raw.DetectionType),
		Label:             raw.DetectionType,
		Confidence:        confidence,
		ProcessedFilename: raw.ProcessedFilename,
		ProcessedImageURL: c.ProcessedImageURL(raw.ProcessedFilename),
		Coordinates:       pipeline.DecodeCoordinates(raw.Coordinates),
		CreatedAt:         createdAt,
	}, nil
}

func encodeDetectRequest(frame *pipeline.Frame, cfg settings.Settings) (*bytes.Buffer, string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	// The service only trusts the extension, so name the part after the sniffed type
	fw, err := w.CreateFormFile("file", "frame."+capture.Extension(frame.MimeType))
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(frame.Data); err != nil {
		return nil, "", err
	}

	fields := []struct{ name, value string }{
		{"conf_threshold", strconv.Itoa(cfg.ConfidenceThreshold)},
		{"enhance_contrast", strconv.FormatBool(cfg.EnhanceContrast)},
		{"noise_reduction", strconv.FormatBool(cfg.NoiseReduction)},
		{"track_vehicles", strconv.FormatBool(cfg.TrackVehicles)},
		{"show_bounding_boxes", strconv.FormatBool(cfg.ShowBoundingBoxes)},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &b, w.FormDataContentType(), nil
}

// setBearer attaches the credential only when one is present; an empty
// Authorization header is never sent
func setBearer(req *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func statusError(status int, payload []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if status == http.StatusUnauthorized {
		e := pipeline.NewError(pipeline.KindUnauthorized, "Authentication error: Please login again", nil)
		e.Status = status
		return e
	}

	msg := "Server error"
	var body errorResponse
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Error != "" {
			msg = body.Error
		} else if body.Message != "" {
			msg = body.Message
		}
	}
	e := pipeline.NewError(pipeline.KindServerError, msg, nil)
	e.Status = status
	return e
}

func transportError(parent, reqCtx context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return pipeline.NewError(pipeline.KindCanceled, "Detection request was cancelled", err)
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return pipeline.NewError(pipeline.KindTimeout, "The server took too long to respond", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pipeline.NewError(pipeline.KindTimeout, "The server took too long to respond", err)
	}
	return pipeline.NewError(pipeline.KindUnreachable, "No response from server. Please check your connection.", err)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

var _ pipeline.Detector = (*Client)(nil)
