package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/partyhost/internal/observe"
	"github.com/MrWong99/partyhost/pkg/audio"
	"github.com/MrWong99/partyhost/pkg/audio/device"
	"github.com/MrWong99/partyhost/pkg/realtime"
)

// Transport is the part of the session the multiplexer drives.
type Transport interface {
	SendEvent(ctx context.Context, evt realtime.ClientEvent) error
	Mute(muted bool) error
}

// Option configures a [Multiplexer].
type Option func(*Multiplexer)

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(x *Multiplexer) { x.metrics = m }
}

// WithClock overrides the time source for [Multiplexer.StartedAt].
func WithClock(now func() time.Time) Option {
	return func(x *Multiplexer) { x.now = now }
}

// Multiplexer exposes one push-to-talk contract over the selected backend.
// It is safe for concurrent use; Start and Stop are serialised.
type Multiplexer struct {
	backend   Backend
	transport Transport
	metrics   *observe.Metrics
	now       func() time.Time

	mu        sync.Mutex
	capturing bool
	startedAt time.Time
	pump      *pump
}

// pump forwards one native capture turn.
type pump struct {
	done   chan struct{}
	chunks int
	peak   int
}

// New creates a Multiplexer for backend.
func New(backend Backend, transport Transport, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		backend:   backend,
		transport: transport,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Backend returns the backend selected at construction.
func (m *Multiplexer) Backend() Backend { return m.backend }

// Capturing reports whether a turn is in progress.
func (m *Multiplexer) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturing
}

// StartedAt returns when the current or most recent turn began. User
// transcript items created before it do not belong to the turn.
func (m *Multiplexer) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

// Start begins a push-to-talk turn. It reports false when the turn could not
// start, in which case the multiplexer stays idle and Start may be retried.
// Calling Start during a turn does nothing and reports true.
func (m *Multiplexer) Start(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capturing {
		slog.Info("capture: start ignored, already capturing", "backend", m.backend.Name())
		return true
	}
	startedAt := m.now()

	switch b := m.backend.(type) {
	case Software:
		if err := m.transport.Mute(false); err != nil {
			slog.Warn("capture: unmute failed", "err", err)
			m.metrics.RecordTurn(ctx, b.Name(), "transport_failed", 0)
			return false
		}
		if err := m.transport.SendEvent(ctx, realtime.ClearInputBuffer()); err != nil {
			slog.Warn("capture: clear input buffer failed", "err", err)
			if err := m.transport.Mute(true); err != nil {
				slog.Warn("capture: re-mute failed", "err", err)
			}
			m.metrics.RecordTurn(ctx, b.Name(), "transport_failed", 0)
			return false
		}

	case Native:
		if err := m.transport.SendEvent(ctx, realtime.ClearInputBuffer()); err != nil {
			slog.Warn("capture: clear input buffer failed", "err", err)
			m.metrics.RecordTurn(ctx, b.Name(), "transport_failed", 0)
			return false
		}
		info, chunks, err := b.Capturer.Start(ctx, audio.RealtimeSampleRate)
		if err != nil {
			slog.Warn("capture: native capture failed to start", "err", err)
			m.metrics.RecordTurn(ctx, b.Name(), "capture_failed", 0)
			return false
		}
		slog.Debug("capture: native capture started", "sample_rate", info.SampleRate, "buffer_size", info.BufferSize)
		p := &pump{done: make(chan struct{})}
		m.pump = p
		go m.runPump(context.WithoutCancel(ctx), chunks, info.SampleRate, p)
	}

	m.capturing = true
	m.startedAt = startedAt
	return true
}

// Stop ends the turn: the microphone is closed first, then the buffered audio
// is committed and a response requested, in that order. Stop outside a turn
// does nothing.
func (m *Multiplexer) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.capturing {
		return nil
	}
	m.capturing = false
	held := m.now().Sub(m.startedAt)

	var errs []error
	switch b := m.backend.(type) {
	case Software:
		if err := m.transport.Mute(true); err != nil {
			errs = append(errs, fmt.Errorf("capture: mute: %w", err))
		}

	case Native:
		if err := b.Capturer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("capture: stop native capture: %w", err))
		}
		if p := m.pump; p != nil {
			<-p.done
			m.pump = nil
			slog.Info("capture: native turn finished",
				"chunks", p.chunks,
				"peak_amplitude", p.peak,
				"has_sound", p.peak > audio.SilenceThreshold,
			)
		}
	}

	if err := m.transport.SendEvent(ctx, realtime.CommitInputBuffer()); err != nil {
		errs = append(errs, fmt.Errorf("capture: commit: %w", err))
		m.metrics.RecordTurn(ctx, m.backend.Name(), "commit_failed", held)
		return errors.Join(errs...)
	}
	if err := m.transport.SendEvent(ctx, realtime.CreateResponse()); err != nil {
		errs = append(errs, fmt.Errorf("capture: response create: %w", err))
	}

	status := "ok"
	if len(errs) > 0 {
		status = "error"
	}
	m.metrics.RecordTurn(ctx, m.backend.Name(), status, held)
	return errors.Join(errs...)
}

// runPump forwards captured chunks as input_audio_buffer.append events until
// the capturer closes the channel.
func (m *Multiplexer) runPump(ctx context.Context, chunks <-chan device.Chunk, sampleRate int, p *pump) {
	defer close(p.done)
	for chunk := range chunks {
		pcm := chunk.PCM
		if sampleRate > 0 && sampleRate != audio.RealtimeSampleRate {
			pcm = audio.Resample(pcm, sampleRate, audio.RealtimeSampleRate)
		}
		if len(pcm) == 0 {
			continue
		}
		if peak := audio.PeakAmplitude(pcm); peak > p.peak {
			p.peak = peak
		}
		p.chunks++
		m.metrics.AudioChunks.Add(ctx, 1)
		if err := m.transport.SendEvent(ctx, realtime.AppendInputAudio(audio.EncodeBase64(pcm))); err != nil {
			slog.Debug("capture: append failed", "err", err)
		}
	}
}

// RunKeys maps a hardware mic key onto the push-to-talk contract: key down
// starts a turn, key up ends it. It returns when ctx ends or the key source
// closes.
func (m *Multiplexer) RunKeys(ctx context.Context, keys device.KeySource) error {
	ch := keys.Keys()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			switch ev.Type {
			case device.KeyDown:
				if !m.Start(ctx) {
					slog.Warn("capture: mic key turn did not start")
				}
			case device.KeyUp:
				if err := m.Stop(ctx); err != nil {
					slog.Warn("capture: mic key turn did not finish cleanly", "err", err)
				}
			}
		}
	}
}
