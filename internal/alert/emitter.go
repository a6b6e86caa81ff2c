// Package alert plays the audio cue for emergency vehicle detections.
package alert

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"evdetect/internal/pipeline"
	"evdetect/internal/settings"
)

// Player plays the fixed alert cue
type Player interface {
	Play(ctx context.Context) error
}

// CommandPlayer plays a sound file through an external audio command (paplay, aplay, afplay)
type CommandPlayer struct {
	Command string
	Sound   string
	Timeout time.Duration
}

// NewCommandPlayer creates a player for the given command and sound file
func NewCommandPlayer(command, sound string) *CommandPlayer {
	return &CommandPlayer{
		Command: command,
		Sound:   sound,
		Timeout: 10 * time.Second,
	}
}

// Play runs the audio command and waits for it to finish
func (p *CommandPlayer) Play(ctx context.Context) error {
	if p.Command == "" {
		return fmt.Errorf("no audio command configured")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	out, err := exec.CommandContext(ctx, p.Command, p.Sound).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", p.Command, p.Sound, err, out)
	}
	return nil
}

// DefaultPlayTimeout bounds a single background playback
const DefaultPlayTimeout = 15 * time.Second

// Emitter fires the cue when a result is an emergency vehicle and the alert toggle is on.
// Playback runs in the background so result delivery never waits on the audio device
type Emitter struct {
	player   Player
	settings func() settings.Settings
	onFire   func()

	// Timeout bounds each playback, independent of the caller's context
	Timeout time.Duration

	wg sync.WaitGroup
}

// NewEmitter creates an emitter. current supplies the live settings when the
// emitter is used as a result handler
func NewEmitter(player Player, current func() settings.Settings) *Emitter {
	return &Emitter{player: player, settings: current, Timeout: DefaultPlayTimeout}
}

// OnFire registers a callback invoked every time the cue is attempted
func (e *Emitter) OnFire(fn func()) {
	e.onFire = fn
}

// Emit starts the cue if the result warrants it and returns without waiting for
// playback. Playback failures are logged and never returned. Returns true when
// playback was started
func (e *Emitter) Emit(ctx context.Context, result *pipeline.DetectionResult, s settings.Settings) bool {
	if !ShouldAlert(result, s) || e.player == nil {
		return false
	}

	if e.onFire != nil {
		e.onFire()
	}

	id, confidence := result.ID, result.Confidence
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultPlayTimeout
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// The cue outlives the request that produced the result
		playCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		if err := e.player.Play(playCtx); err != nil {
			log.Warn().Str("component", "alert").Err(err).Str("detection_id", id).Msg("alert playback failed")
			return
		}
		log.Info().Str("component", "alert").Str("detection_id", id).Float64("confidence", confidence).Msg("emergency alert played")
	}()
	return true
}

// Wait blocks until background playbacks finish
func (e *Emitter) Wait() {
	e.wg.Wait()
}

// OnDetectionResult implements pipeline.DetectionResultHandler
func (e *Emitter) OnDetectionResult(ctx context.Context, result *pipeline.DetectionResult) {
	var s settings.Settings
	if e.settings != nil {
		s = e.settings()
	}
	e.Emit(ctx, result, s)
}

// ShouldAlert reports whether a result triggers the cue. The confidence threshold
// plays no part: a below-threshold emergency result still alerts
func ShouldAlert(result *pipeline.DetectionResult, s settings.Settings) bool {
	return result.IsEmergency() && s.AlertSound
}

var _ pipeline.DetectionResultHandler = (*Emitter)(nil)
