package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	goahttp "goa.design/goa/v3/http"

	"evdetect/internal/alert"
	"evdetect/internal/auth"
	"evdetect/internal/capture"
	"evdetect/internal/config"
	"evdetect/internal/database"
	"evdetect/internal/detection"
	"evdetect/internal/metrics"
	"evdetect/internal/pipeline"
	"evdetect/internal/session"
	"evdetect/internal/settings"
	"evdetect/internal/stream"
	"evdetect/internal/telegram"
)

// app is one wired detection session with its optional collaborators
type app struct {
	cfg     *config.Config
	client  *detection.Client
	doer    goahttp.Doer
	tokens  auth.TokenSource
	session *session.Controller
	metrics *metrics.Metrics
	journal *database.Database
	preview *stream.Preview
	notify  *telegram.Notifier
	alerts  *alert.Emitter
}

type appOptions struct {
	device    string
	threshold int
	alert     *bool
	debug     bool
	preview   string
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	client, doer, err := newDetectionClient(cfg, opts.debug)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, client: client, doer: doer, metrics: metrics.New()}

	a.tokens = tokenSource(cfg)

	initial := cfg.Settings()
	if opts.threshold != 0 {
		initial.ConfidenceThreshold = opts.threshold
	}
	if opts.alert != nil {
		initial.AlertSound = *opts.alert
	}
	store := settings.NewStore(initial)

	bus := pipeline.NewEventBus()

	a.alerts = alert.NewEmitter(alert.NewCommandPlayer(cfg.AlertCommand, cfg.AlertSound), store.Get)
	a.alerts.OnFire(a.metrics.AlertFired)
	bus.Subscribe(a.alerts)
	bus.Subscribe(a.metrics)

	if cfg.JournalPath != "" {
		journal, err := openJournal(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		a.journal = journal
		bus.Subscribe(journal)
	}

	if cfg.TelegramToken != "" {
		notifier, err := telegram.NewNotifier(telegram.Config{
			BotToken: cfg.TelegramToken,
			ChatID:   cfg.TelegramChatID,
			Cooldown: cfg.TelegramCooldown,
		}, nil, client.FetchProcessedImage)
		if err != nil {
			log.Warn().Str("component", "telegram").Err(err).Msg("notifications disabled")
		} else {
			a.notify = notifier
			bus.SubscribeClass(pipeline.VehicleClassEmergency, notifier)
		}
	}

	previewAddr := cfg.PreviewAddr
	if opts.preview != "" {
		previewAddr = opts.preview
	}
	if previewAddr != "" {
		a.preview = stream.NewPreview()
		bus.Subscribe(a.preview)
	}

	device := cfg.CameraDevice
	if opts.device != "" {
		device = opts.device
	}

	sessOpts := session.Options{
		Detector:     client,
		Camera:       capture.NewFFmpegCamera(device, cfg.CameraWidth, cfg.CameraHeight),
		Tokens:       a.tokens,
		Settings:     store,
		Bus:          bus,
		StreamPeriod: cfg.StreamPeriod,
		Observer:     a.metrics,
		OnChange: func(s session.State) {
			if a.preview != nil {
				a.preview.SetFrame(s.CurrentFrame)
			}
			log.Debug().Str("component", "cli").
				Str("mode", string(s.Mode)).
				Str("phase", string(s.Phase)).
				Bool("in_flight", s.InFlight).
				Msg("session state")
		},
	}
	if cfg.InferenceGRPC != "" {
		sessOpts.HealthCheck = detection.NewHealthProbe(cfg.InferenceGRPC, "").Check
	}

	a.session, err = session.New(sessOpts)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.metrics.TrackScheduler(a.session.StreamStats)

	if a.preview != nil {
		go func() {
			if err := a.preview.Serve(ctx, previewAddr); err != nil {
				log.Error().Str("component", "preview").Err(err).Msg("preview server failed")
			}
		}()
		log.Info().Str("component", "preview").Str("addr", previewAddr).Msg("serving MJPEG preview")
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := a.metrics.StartServer(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Str("component", "metrics").Err(err).Msg("metrics server failed")
			}
		}()
		log.Info().Str("component", "metrics").Str("addr", cfg.MetricsAddr).Msg("serving /metrics")
	}

	return a, nil
}

func openJournal(path string) (*database.Database, error) {
	journal, err := database.New(path)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	if err := journal.Migrate(); err != nil {
		journal.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}
	return journal, nil
}

func (a *app) token() string {
	return auth.Resolve(a.tokens)
}

// Close ends the session and releases the journal
func (a *app) Close() {
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			log.Warn().Str("component", "cli").Err(err).Msg("session close")
		}
	}
	if a.alerts != nil {
		a.alerts.Wait()
	}
	if a.notify != nil {
		a.notify.Wait()
	}
	if a.journal != nil {
		a.journal.Close()
	}
	if a.doer != nil {
		printDebug(a.doer)
	}
}
