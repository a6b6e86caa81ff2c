package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"evdetect/internal/auth"
	"evdetect/internal/cache"
	"evdetect/internal/config"
	"evdetect/internal/pipeline"
	"evdetect/internal/settings"
	"evdetect/internal/telegram"
	"evdetect/internal/ws"
)

type detectFlags struct {
	common    commonFlags
	threshold int
	alertOn   bool
	alertSet  bool
	device    string
}

func (f *detectFlags) register(fs *flag.FlagSet, camera bool) {
	f.common.register(fs)
	fs.IntVar(&f.threshold, "threshold", 0,
		fmt.Sprintf("Confidence threshold %d-%d (default from EVDETECT_CONFIDENCE)", settings.MinConfidenceThreshold, settings.MaxConfidenceThreshold))
	fs.Func("alert", "Play the alert sound for emergency vehicles (true/false)", func(v string) error {
		f.alertSet = true
		switch v {
		case "true", "1", "on":
			f.alertOn = true
		case "false", "0", "off":
			f.alertOn = false
		default:
			return fmt.Errorf("expected true or false, got %q", v)
		}
		return nil
	})
	if camera {
		fs.StringVar(&f.device, "device", "", "Camera device, RTSP URL or snapshot URL (overrides EVDETECT_CAMERA_DEVICE)")
	}
}

func (f *detectFlags) appOptions() appOptions {
	opts := appOptions{device: f.device, threshold: f.threshold, debug: f.common.debug}
	if f.alertSet {
		on := f.alertOn
		opts.alert = &on
	}
	return opts
}

func (f *detectFlags) open(ctx context.Context) (*app, error) {
	cfg, err := f.common.load()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, f.appOptions())
}

func runDetect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	var f detectFlags
	f.register(fs, false)
	file := fs.String("file", "", "Image to analyze (JPG, JPEG or PNG)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" && fs.NArg() > 0 {
		*file = fs.Arg(0)
	}
	if *file == "" {
		return errors.New("Please select an image file first (-file)")
	}

	a, err := f.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	in, err := os.Open(*file)
	if err != nil {
		return pipeline.NewError(pipeline.KindCaptureUnavailable, "Cannot open the selected file", err)
	}
	defer in.Close()

	if err := a.session.LoadUpload(filepath.Base(*file), in); err != nil {
		return err
	}
	result, err := a.session.Detect(ctx)
	if err != nil {
		return err
	}
	return printResult(result, a.session.Settings().Get(), f.common.jsonOut)
}

func runCapture(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("capture", flag.ContinueOnError)
	var f detectFlags
	f.register(fs, true)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := f.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.session.SelectMode(pipeline.ModeCamera); err != nil {
		return err
	}
	if err := a.session.ActivateCamera(ctx); err != nil {
		return err
	}
	result, err := a.session.CaptureAndDetect(ctx)
	if err != nil {
		return err
	}
	return printResult(result, a.session.Settings().Get(), f.common.jsonOut)
}

func runStream(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stream", flag.ContinueOnError)
	var f detectFlags
	f.register(fs, true)
	period := fs.Duration("period", 0, "Detection period (overrides EVDETECT_STREAM_PERIOD)")
	preview := fs.String("preview", "", "Serve an MJPEG preview on this address, e.g. :8090 (overrides EVDETECT_PREVIEW_ADDR)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.common.load()
	if err != nil {
		return err
	}
	if *period > 0 {
		cfg.StreamPeriod = *period
	}

	opts := f.appOptions()
	opts.preview = *preview
	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	unsubscribe := a.session.Bus().Subscribe(pipeline.DetectionResultHandlerFunc(func(_ context.Context, r *pipeline.DetectionResult) {
		printResult(r, a.session.Settings().Get(), f.common.jsonOut)
	}))
	defer unsubscribe()

	if cfg.RealtimeURL != "" {
		if ch := dialRealtime(ctx, cfg, a.token()); ch != nil {
			defer ch.Close()
		}
	}

	if err := a.session.SelectMode(pipeline.ModeCamera); err != nil {
		return err
	}
	if err := a.session.StartStreaming(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	if err := a.session.StopStreaming(); err != nil {
		return err
	}
	stats := a.session.StreamStats()
	log.Info().Str("component", "cli").
		Uint64("ticks", stats.Ticks).
		Uint64("runs", stats.Runs).
		Uint64("skipped", stats.Skipped).
		Uint64("failures", stats.Failures).
		Msg("stream finished")
	return nil
}

// dialRealtime connects the optional push channel. Failure only logs: the
// request/response path does not need it
func dialRealtime(ctx context.Context, cfg *config.Config, token string) ws.Channel {
	ch, err := ws.Dial(ctx, cfg.RealtimeURL, token)
	if err != nil {
		log.Warn().Str("component", "ws").Err(err).Msg("real-time channel unavailable")
		return nil
	}
	ch.Subscribe(func(u *ws.DetectionUpdate) {
		log.Info().Str("component", "ws").
			Str("detection_id", u.DetectionID).
			Str("type", u.DetectionType).
			Float64("confidence", u.Confidence).
			Msg("real-time detection update")
	})
	return ch
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	limit := fs.Int("limit", 10, "Number of entries")
	local := fs.Bool("local", false, "Read the local journal (EVDETECT_JOURNAL) instead of the service")
	class := fs.String("class", "", "With -local: only emergency or regular")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}

	var results []pipeline.DetectionResult
	if *local {
		if cfg.JournalPath == "" {
			return errors.New("no journal configured (EVDETECT_JOURNAL)")
		}
		journal, err := openJournal(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer journal.Close()

		records, err := journal.ListDetections(*class, nil, *limit)
		if err != nil {
			return err
		}
		for _, rec := range records {
			results = append(results, rec.Result())
		}
	} else {
		client, doer, err := newDetectionClient(cfg, common.debug)
		if err != nil {
			return err
		}
		defer printDebug(doer)

		results, err = client.History(ctx, auth.Resolve(tokenSource(cfg)), *limit)
		if err != nil {
			return err
		}
	}

	if common.jsonOut {
		return json.NewEncoder(os.Stdout).Encode(results)
	}
	if len(results) == 0 {
		fmt.Println("No detections yet.")
		return nil
	}
	s := cfg.Settings()
	for i := range results {
		printResult(&results[i], s, false)
	}
	return nil
}

func runFetch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	name := fs.String("name", "", "Processed filename returned by a detection")
	out := fs.String("o", "", "Output path (default: the processed filename)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("-name is required")
	}
	if *out == "" {
		*out = filepath.Base(*name)
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	client, doer, err := newDetectionClient(cfg, common.debug)
	if err != nil {
		return err
	}
	defer printDebug(doer)

	data, err := client.FetchProcessedImage(ctx, *name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("saved %s (%d bytes)\n", *out, len(data))
	return nil
}

func runVideo(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("video", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, appOptions{debug: common.debug})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.session.SelectMode(pipeline.ModeVideo); err != nil {
		return err
	}
	return a.session.LoadUpload("", nil)
}

func runNotifyTest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("notify-test", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}

	notifier, err := telegram.NewNotifier(telegram.Config{
		BotToken: cfg.TelegramToken,
		ChatID:   cfg.TelegramChatID,
	}, nil, nil)
	if err != nil {
		return err
	}
	if err := notifier.SendTest(ctx); err != nil {
		return err
	}
	fmt.Println("test message sent")
	return nil
}

func tokenSource(cfg *config.Config) auth.TokenSource {
	chain := auth.ChainTokenSource{auth.StaticTokenSource(cfg.Token)}
	if cfg.TokenFile != "" {
		chain = append(chain, &auth.FileTokenSource{Path: cfg.TokenFile})
	}
	return chain
}

type resultView struct {
	cache.Entry
	AboveThreshold bool `json:"above_threshold"`
}

func printResult(r *pipeline.DetectionResult, s settings.Settings, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(resultView{
			Entry:          cache.Entry{Result: *r, ThumbnailRef: r.ProcessedImageURL},
			AboveThreshold: s.AboveThreshold(r.Confidence),
		})
	}

	marker := " "
	if r.IsEmergency() {
		marker = "!"
	}
	confidence := fmt.Sprintf("%.1f%%", r.Confidence)
	if !s.AboveThreshold(r.Confidence) {
		confidence += " (below threshold)"
	}
	fmt.Printf("%s %s  %-20s %s  %s\n", marker, r.CreatedAt.Local().Format(time.DateTime), r.Label, confidence, r.ID)
	if r.ProcessedImageURL != "" {
		fmt.Printf("    image: %s\n", r.ProcessedImageURL)
	}
	if len(r.Coordinates) == 4 {
		fmt.Printf("    box:   %v\n", r.Coordinates)
	}
	return nil
}
