// Package telegram forwards emergency vehicle detections to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	goahttp "goa.design/goa/v3/http"

	"evdetect/internal/pipeline"
)

const DefaultAPIURL = "https://api.telegram.org"

var ErrNotConfigured = errors.New("telegram bot token or chat ID not configured")

// Config holds the bot credentials and rate limit
type Config struct {
	BotToken string
	ChatID   string
	Cooldown time.Duration
	APIURL   string // defaults to DefaultAPIURL
}

// Validate reports missing credentials
func (c Config) Validate() error {
	if c.BotToken == "" || c.ChatID == "" {
		return ErrNotConfigured
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("telegram cooldown cannot be negative")
	}
	return nil
}

// ImageFetcher returns the annotated image for a processed filename
type ImageFetcher func(ctx context.Context, name string) ([]byte, error)

// apiResponse is the envelope of every Bot API reply
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Notifier sends one message per emergency detection, at most once per cooldown.
// Delivery runs in the background so the detection path never waits on Telegram
type Notifier struct {
	cfg   Config
	doer  goahttp.Doer
	fetch ImageFetcher

	mu       sync.Mutex
	lastSent time.Time
	now      func() time.Time

	wg sync.WaitGroup
}

func NewNotifier(cfg Config, doer goahttp.Doer, fetch ImageFetcher) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	return &Notifier{cfg: cfg, doer: doer, fetch: fetch, now: time.Now}, nil
}

// OnDetectionResult notifies about emergency results; regular ones are ignored
func (n *Notifier) OnDetectionResult(_ context.Context, result *pipeline.DetectionResult) {
	if !result.IsEmergency() || !n.reserve() {
		return
	}

	r := *result
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := n.Notify(ctx, &r); err != nil {
			log.Warn().Str("component", "telegram").Err(err).Str("detection_id", r.ID).Msg("notification failed")
			return
		}
		log.Info().Str("component", "telegram").Str("detection_id", r.ID).Msg("notification sent")
	}()
}

// reserve claims the cooldown slot
func (n *Notifier) reserve() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if !n.lastSent.IsZero() && now.Sub(n.lastSent) < n.cfg.Cooldown {
		return false
	}
	n.lastSent = now
	return true
}

// Wait blocks until background deliveries finish
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Notify sends the detection immediately, with the processed image when it
// can be fetched and as plain text otherwise
func (n *Notifier) Notify(ctx context.Context, result *pipeline.DetectionResult) error {
	caption := formatCaption(result)

	if n.fetch != nil && result.ProcessedFilename != "" {
		photo, err := n.fetch(ctx, result.ProcessedFilename)
		if err == nil && len(photo) > 0 {
			return n.sendPhoto(ctx, photo, caption)
		}
		if err != nil {
			log.Debug().Str("component", "telegram").Err(err).Msg("processed image unavailable, sending text")
		}
	}
	return n.sendMessage(ctx, caption)
}

// SendTest verifies the bot configuration
func (n *Notifier) SendTest(ctx context.Context) error {
	return n.sendMessage(ctx, "✅ <b>evdetect</b> notifications are working")
}

func formatCaption(r *pipeline.DetectionResult) string {
	at := r.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	zone, _ := at.Local().Zone()

	var b strings.Builder
	b.WriteString("🚨 <b>Emergency vehicle detected</b>\n\n")
	fmt.Fprintf(&b, "🎯 Confidence: %.1f%%\n", r.Confidence)
	fmt.Fprintf(&b, "🕐 Time: %s %s", at.Local().Format("2 Jan 2006, 15:04:05"), zone)
	if r.ID != "" {
		fmt.Fprintf(&b, "\n🆔 %s", r.ID)
	}
	return b.String()
}

func (n *Notifier) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", n.cfg.APIURL, n.cfg.BotToken, method)
}

func (n *Notifier) sendMessage(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":    n.cfg.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return n.do(req)
}

func (n *Notifier) sendPhoto(ctx context.Context, photo []byte, caption string) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := [][2]string{{"chat_id", n.cfg.ChatID}, {"caption", caption}, {"parse_mode", "HTML"}}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("failed to write %s field: %w", f[0], err)
		}
	}
	part, err := w.CreateFormFile("photo", "detection.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return n.do(req)
}

func (n *Notifier) do(req *http.Request) error {
	resp, err := n.doer.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("unexpected telegram response (status %d): %w", resp.StatusCode, err)
	}
	if !out.OK {
		return fmt.Errorf("telegram API error %d: %s", out.ErrorCode, out.Description)
	}
	return nil
}
