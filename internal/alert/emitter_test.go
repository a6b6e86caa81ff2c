package alert

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"evdetect/internal/pipeline"
	"evdetect/internal/settings"
)

type fakePlayer struct {
	plays   atomic.Int32
	err     error
	release chan struct{}
}

func (p *fakePlayer) Play(ctx context.Context) error {
	p.plays.Add(1)
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func TestEmitConditions(t *testing.T) {
	emergency := &pipeline.DetectionResult{ID: "e", Class: pipeline.VehicleClassEmergency, Confidence: 65}
	regular := &pipeline.DetectionResult{ID: "r", Class: pipeline.VehicleClassRegular, Confidence: 99}

	on := settings.Defaults()
	on.AlertSound = true
	on.ConfidenceThreshold = 80
	off := settings.Defaults()

	tests := []struct {
		name     string
		result   *pipeline.DetectionResult
		settings settings.Settings
		expected int32
	}{
		{"emergency below threshold with sound on", emergency, on, 1},
		{"emergency with sound off", emergency, off, 0},
		{"regular with sound on", regular, on, 0},
		{"nil result", nil, on, 0},
	}

	for _, tt := range tests {
		player := &fakePlayer{}
		e := NewEmitter(player, nil)
		started := e.Emit(context.Background(), tt.result, tt.settings)
		e.Wait()
		if player.plays.Load() != tt.expected {
			t.Errorf("%s: expected %d plays, got %d", tt.name, tt.expected, player.plays.Load())
		}
		if started != (tt.expected > 0) {
			t.Errorf("%s: Emit returned %v", tt.name, started)
		}
	}
}

func TestEmitSwallowsPlaybackFailure(t *testing.T) {
	player := &fakePlayer{err: errors.New("autoplay denied")}
	s := settings.Defaults()
	s.AlertSound = true

	fired := 0
	e := NewEmitter(player, func() settings.Settings { return s })
	e.OnFire(func() { fired++ })

	e.OnDetectionResult(context.Background(), &pipeline.DetectionResult{Class: pipeline.VehicleClassEmergency})
	e.Wait()

	if player.plays.Load() != 1 || fired != 1 {
		t.Errorf("expected one attempted play, got plays=%d fired=%d", player.plays.Load(), fired)
	}
}

func TestEmitDoesNotWaitForPlayback(t *testing.T) {
	player := &fakePlayer{release: make(chan struct{})}
	s := settings.Defaults()
	s.AlertSound = true
	e := NewEmitter(player, nil)

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan bool, 1)
	go func() {
		returned <- e.Emit(ctx, &pipeline.DetectionResult{ID: "slow", Class: pipeline.VehicleClassEmergency}, s)
	}()

	select {
	case started := <-returned:
		if !started {
			t.Fatal("expected playback to start")
		}
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow player")
	}

	// Canceling the caller's context must not cut the cue short
	cancel()

	waited := make(chan struct{})
	go func() {
		e.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned before playback finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(player.release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after playback finished")
	}
	if player.plays.Load() != 1 {
		t.Errorf("expected one play, got %d", player.plays.Load())
	}
}

func TestEmitBoundsPlaybackWithTimeout(t *testing.T) {
	player := &fakePlayer{release: make(chan struct{})}
	s := settings.Defaults()
	s.AlertSound = true
	e := NewEmitter(player, nil)
	e.Timeout = 20 * time.Millisecond

	e.Emit(context.Background(), &pipeline.DetectionResult{Class: pipeline.VehicleClassEmergency}, s)

	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("playback was not bounded by the emitter timeout")
	}
}

func TestCommandPlayerWithoutCommand(t *testing.T) {
	p := NewCommandPlayer("", "alert.mp3")
	if err := p.Play(context.Background()); err == nil {
		t.Error("expected error when no command is configured")
	}
}
