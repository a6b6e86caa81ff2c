package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"evdetect/internal/pipeline"
)

type botServer struct {
	mu       sync.Mutex
	paths    []string
	captions []string
	reply    string
}

func newBotServer(t *testing.T, reply string) (*botServer, *httptest.Server) {
	t.Helper()
	b := &botServer{reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.paths = append(b.paths, r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/sendPhoto") {
			if err := r.ParseMultipartForm(1 << 20); err == nil {
				b.captions = append(b.captions, r.FormValue("caption"))
			}
		} else {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			b.captions = append(b.captions, body["text"])
		}
		b.mu.Unlock()
		w.Write([]byte(b.reply))
	}))
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *botServer) calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...)
}

func emergency(id string) *pipeline.DetectionResult {
	return &pipeline.DetectionResult{
		ID:                id,
		Class:             pipeline.VehicleClassEmergency,
		Label:             pipeline.LabelEmergency,
		Confidence:        93.4,
		ProcessedFilename: "processed_" + id + ".jpg",
		CreatedAt:         time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewNotifierRequiresCredentials(t *testing.T) {
	if _, err := NewNotifier(Config{ChatID: "1"}, nil, nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := NewNotifier(Config{BotToken: "t", ChatID: "1", Cooldown: -time.Second}, nil, nil); err == nil {
		t.Error("expected error for negative cooldown")
	}
}

func TestNotifySendsPhotoWhenAvailable(t *testing.T) {
	bot, srv := newBotServer(t, `{"ok":true}`)
	fetch := func(ctx context.Context, name string) ([]byte, error) {
		if name != "processed_a.jpg" {
			t.Errorf("unexpected image %q", name)
		}
		return []byte("jpeg"), nil
	}

	n, err := NewNotifier(Config{BotToken: "tok", ChatID: "42", APIURL: srv.URL + "/"}, srv.Client(), fetch)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), emergency("a")); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	calls := bot.calls()
	if len(calls) != 1 || calls[0] != "/bottok/sendPhoto" {
		t.Errorf("unexpected calls %v", calls)
	}
	if !strings.Contains(bot.captions[0], "93.4%") {
		t.Errorf("caption missing confidence: %q", bot.captions[0])
	}
}

func TestNotifyFallsBackToText(t *testing.T) {
	bot, srv := newBotServer(t, `{"ok":true}`)
	fetch := func(ctx context.Context, name string) ([]byte, error) {
		return nil, errors.New("gone")
	}

	n, _ := NewNotifier(Config{BotToken: "tok", ChatID: "42", APIURL: srv.URL}, srv.Client(), fetch)
	if err := n.Notify(context.Background(), emergency("b")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if calls := bot.calls(); len(calls) != 1 || calls[0] != "/bottok/sendMessage" {
		t.Errorf("unexpected calls %v", calls)
	}
}

func TestNotifyReportsAPIError(t *testing.T) {
	_, srv := newBotServer(t, `{"ok":false,"error_code":400,"description":"chat not found"}`)
	n, _ := NewNotifier(Config{BotToken: "tok", ChatID: "42", APIURL: srv.URL}, srv.Client(), nil)

	err := n.Notify(context.Background(), emergency("c"))
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("expected API error, got %v", err)
	}
}

func TestOnDetectionResultCooldown(t *testing.T) {
	bot, srv := newBotServer(t, `{"ok":true}`)
	n, _ := NewNotifier(Config{BotToken: "tok", ChatID: "42", APIURL: srv.URL, Cooldown: time.Minute}, srv.Client(), nil)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	ctx := context.Background()
	n.OnDetectionResult(ctx, &pipeline.DetectionResult{ID: "r", Class: pipeline.VehicleClassRegular})
	n.OnDetectionResult(ctx, emergency("1"))
	n.OnDetectionResult(ctx, emergency("2"))
	now = now.Add(2 * time.Minute)
	n.OnDetectionResult(ctx, emergency("3"))
	n.Wait()

	if calls := bot.calls(); len(calls) != 2 {
		t.Errorf("expected 2 notifications, got %v", calls)
	}
}
