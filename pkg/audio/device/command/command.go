// Package command implements [device.Capturer] and [device.Player] on top of
// external audio tools such as arecord/aplay, sox or ffmpeg. The tools
// exchange raw PCM16 little-endian mono audio with partyhost over stdio.
//
// Command lines may contain the placeholder {rate}, replaced with the sample
// rate at start time:
//
//	arecord -q -t raw -f S16_LE -c 1 -r {rate}
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/partyhost/pkg/audio"
	"github.com/MrWong99/partyhost/pkg/audio/device"
)

var (
	_ device.Capturer = (*Capturer)(nil)
	_ device.Player   = (*Player)(nil)
)

const defaultBufferSize = 4096

// Option configures a [Capturer].
type Option func(*Capturer)

// WithBufferSize sets the chunk size in bytes. Odd sizes are rounded down to
// whole samples. Default: 4096.
func WithBufferSize(n int) Option {
	return func(c *Capturer) {
		if n >= 2 {
			c.bufferSize = n &^ 1
		}
	}
}

// Capturer runs a capture command for every push-to-talk turn and chunks its
// stdout.
type Capturer struct {
	argv       []string
	bufferSize int

	mu     sync.Mutex
	cmd    *exec.Cmd
	chunks chan device.Chunk
	done   chan struct{}
	info   device.Info
}

// NewCapturer returns a Capturer running argv.
func NewCapturer(argv []string, opts ...Option) *Capturer {
	c := &Capturer{argv: argv, bufferSize: defaultBufferSize}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Probe implements [device.Capturer]. It checks that the capture binary is
// on PATH.
func (c *Capturer) Probe(_ context.Context) error {
	if len(c.argv) == 0 {
		return fmt.Errorf("command: empty capture command: %w", device.ErrUnavailable)
	}
	if _, err := exec.LookPath(c.argv[0]); err != nil {
		return fmt.Errorf("command: %s: %w", err, device.ErrUnavailable)
	}
	return nil
}

// Start implements [device.Capturer].
func (c *Capturer) Start(_ context.Context, sampleRate int) (device.Info, <-chan device.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return c.info, c.chunks, nil
	}
	if len(c.argv) == 0 {
		return device.Info{}, nil, fmt.Errorf("command: empty capture command")
	}

	argv := expand(c.argv, sampleRate)
	// The capture outlives the Start call, so it is not bound to its context.
	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return device.Info{}, nil, fmt.Errorf("command: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return device.Info{}, nil, fmt.Errorf("command: start %s: %w", argv[0], err)
	}

	c.cmd = cmd
	c.chunks = make(chan device.Chunk, 32)
	c.done = make(chan struct{})
	c.info = device.Info{SampleRate: sampleRate, BufferSize: c.bufferSize}
	go c.read(stdout, c.chunks, c.done)

	slog.Debug("capture command started", "cmd", argv[0], "sample_rate", sampleRate, "buffer_size", c.bufferSize)
	return c.info, c.chunks, nil
}

func (c *Capturer) read(r io.Reader, chunks chan<- device.Chunk, done chan<- struct{}) {
	defer close(done)
	defer close(chunks)
	for {
		buf := make([]byte, c.bufferSize)
		n, err := io.ReadFull(r, buf)
		if n &^= 1; n > 0 {
			chunks <- device.Chunk{PCM: buf[:n], SamplesRead: n / 2}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("capture command read failed", "err", err)
			}
			return
		}
	}
}

// Stop implements [device.Capturer]. It kills the capture process and waits
// until every buffered chunk has been handed to the consumer.
func (c *Capturer) Stop() error {
	c.mu.Lock()
	cmd, done := c.cmd, c.done
	c.cmd, c.chunks, c.done = nil, nil, nil
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}
	_ = cmd.Process.Kill()
	<-done
	// Wait reports the kill signal; a failed capture was already logged.
	_ = cmd.Wait()
	return nil
}

// Player pipes agent audio into a playback command.
type Player struct {
	argv   []string
	format audio.Format
}

// NewPlayer returns a Player running argv. Frames are converted to format
// before they are written; {rate} in argv expands to format.SampleRate.
func NewPlayer(argv []string, format audio.Format) *Player {
	return &Player{argv: argv, format: format}
}

// Play implements [device.Player].
func (p *Player) Play(ctx context.Context, in <-chan audio.AudioFrame) error {
	if len(p.argv) == 0 {
		return fmt.Errorf("command: empty playback command")
	}
	argv := expand(p.argv, p.format.SampleRate)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("command: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("command: start %s: %w", argv[0], err)
	}

	var writeErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case frame, ok := <-in:
			if !ok {
				break loop
			}
			frame = audio.Convert(frame, p.format)
			if _, err := stdin.Write(frame.Data); err != nil {
				writeErr = fmt.Errorf("command: write playback: %w", err)
				break loop
			}
		}
	}
	_ = stdin.Close()
	if err := cmd.Wait(); err != nil && writeErr == nil && ctx.Err() == nil {
		return fmt.Errorf("command: playback exited: %w", err)
	}
	return writeErr
}

// expand substitutes {rate} in every argument.
func expand(argv []string, sampleRate int) []string {
	rate := strconv.Itoa(sampleRate)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, "{rate}", rate)
	}
	return out
}
