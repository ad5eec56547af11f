// Package rtc implements [realtime.Dialer] over WebRTC using pion.
//
// A connection consists of one peer connection with:
//
//   - a data channel named "oai-events" carrying the JSON event protocol;
//   - either a send/receive audio track fed by the configured microphone, or,
//     when no microphone is configured, a receive-only audio transceiver so
//     that no outbound audio path exists at all;
//   - the agent's speech on the remote audio track.
//
// Negotiation posts the local SDP offer to the realtime calls endpoint,
// authenticated with the ephemeral key, and applies the returned answer.
// Readiness is signalled when the data channel opens.
package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"layeh.com/gopus"

	"github.com/MrWong99/partyhost/pkg/audio"
	"github.com/MrWong99/partyhost/pkg/audio/device"
	"github.com/MrWong99/partyhost/pkg/realtime"
)

var (
	_ realtime.Dialer = (*Dialer)(nil)
	_ realtime.Conn   = (*conn)(nil)
)

const (
	defaultCallsURL = "https://api.openai.com/v1/realtime"
	eventsChannel   = "oai-events"
	frameDuration   = 20 * time.Millisecond
	opusRate        = 48000
	opusMaxPacket   = 4000
	narrowRate      = 8000
)

// Option configures a [Dialer].
type Option func(*Dialer)

// WithCallsURL overrides the SDP exchange endpoint.
func WithCallsURL(u string) Option {
	return func(d *Dialer) { d.callsURL = u }
}

// WithHTTPClient sets the client used for the SDP exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// WithICEServers sets STUN/TURN servers for the peer connection.
func WithICEServers(urls ...string) Option {
	return func(d *Dialer) {
		if len(urls) > 0 {
			d.iceServers = append(d.iceServers, webrtc.ICEServer{URLs: urls})
		}
	}
}

// Dialer opens realtime connections over WebRTC.
type Dialer struct {
	callsURL   string
	httpClient *http.Client
	iceServers []webrtc.ICEServer
}

// New creates a Dialer.
func New(opts ...Option) *Dialer {
	d := &Dialer{callsURL: defaultCallsURL, httpClient: http.DefaultClient}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial implements [realtime.Dialer]. Cancelling ctx while ICE gathering or
// the SDP exchange is in flight closes the peer connection.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.DialConfig) (realtime.Conn, error) {
	if cfg.EphemeralKey == "" {
		return nil, errors.New("rtc: empty ephemeral key")
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: d.iceServers})
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}

	c := &conn{
		pc:     pc,
		codec:  cfg.Codec,
		output: cfg.Output,
		inbox:  make(chan []byte, 256),
		events: make(chan realtime.ServerEvent, 64),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		muted:  true,
	}

	capability := codecCapability(cfg.Codec)
	if cfg.Microphone != nil {
		track, err := webrtc.NewTrackLocalStaticSample(capability.RTPCodecCapability, "audio", "partyhost")
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("rtc: new audio track: %w", err)
		}
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("rtc: add audio track: %w", err)
		}
		c.track = track
	} else {
		_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("rtc: add receive-only transceiver: %w", err)
		}
	}
	for _, tr := range pc.GetTransceivers() {
		if tr.Kind() != webrtc.RTPCodecTypeAudio {
			continue
		}
		if err := tr.SetCodecPreferences([]webrtc.RTPCodecParameters{capability}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("rtc: codec preferences: %w", err)
		}
	}

	dc, err := pc.CreateDataChannel(eventsChannel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("rtc: create data channel: %w", err)
	}
	c.dc = dc

	params := cfg.Session
	format := realtime.AudioFormatForCodec(cfg.Codec)
	if params.InputAudioFormat == "" {
		params.InputAudioFormat = format
	}
	if params.OutputAudioFormat == "" {
		params.OutputAudioFormat = format
	}
	dc.OnOpen(func() {
		c.readyOnce.Do(func() { close(c.ready) })
		if err := c.Send(context.Background(), realtime.UpdateSession(params)); err != nil {
			slog.Warn("rtc: initial session update failed", "err", err)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.inbox <- msg.Data:
		case <-c.done:
		}
	})
	dc.OnClose(func() { c.shutdown(errors.New("rtc: data channel closed")) })

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go c.playRemote(remote)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		slog.Debug("rtc: peer connection state", "state", s.String())
		if s == webrtc.PeerConnectionStateFailed {
			c.shutdown(errors.New("rtc: peer connection failed"))
		}
	})

	go c.dispatch()

	answer, err := d.negotiate(ctx, pc, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		c.Close()
		return nil, fmt.Errorf("rtc: set remote description: %w", err)
	}

	if cfg.Microphone != nil {
		_, chunks, err := cfg.Microphone.Start(ctx, audio.RealtimeSampleRate)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("rtc: start microphone: %w", err)
		}
		c.mic = cfg.Microphone
		c.wg.Add(1)
		go c.pumpMicrophone(chunks)
	}

	return c, nil
}

// negotiate gathers ICE candidates, posts the offer and returns the answer SDP.
func (d *Dialer) negotiate(ctx context.Context, pc *webrtc.PeerConnection, cfg realtime.DialConfig) (string, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("rtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("rtc: ice gathering: %w", ctx.Err())
	}

	return d.exchange(ctx, pc.LocalDescription().SDP, cfg)
}

// exchange posts the offer SDP and returns the answer SDP.
func (d *Dialer) exchange(ctx context.Context, offer string, cfg realtime.DialConfig) (string, error) {
	endpoint := d.callsURL
	if cfg.Model != "" {
		endpoint += "?model=" + url.QueryEscape(cfg.Model)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("rtc: build sdp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.EphemeralKey)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("rtc: sdp exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("rtc: read sdp answer: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("rtc: sdp exchange: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", errors.New("rtc: sdp exchange: empty answer")
	}
	return string(body), nil
}

// codecCapability returns the RTP codec negotiated for the audio track.
func codecCapability(c realtime.Codec) webrtc.RTPCodecParameters {
	switch c {
	case realtime.CodecPCMU:
		return webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: narrowRate, Channels: 1},
			PayloadType:        0,
		}
	case realtime.CodecPCMA:
		return webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: narrowRate, Channels: 1},
			PayloadType:        8,
		}
	default:
		return webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   opusRate,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		}
	}
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	track  *webrtc.TrackLocalStaticSample
	mic    device.Capturer
	codec  realtime.Codec
	output chan<- audio.AudioFrame

	inbox  chan []byte
	events chan realtime.ServerEvent

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	mu     sync.Mutex
	muted  bool
	errVal error

	wg sync.WaitGroup
}

// dispatch owns the events channel: it parses inbound data channel messages
// in arrival order and closes events when the connection ends.
func (c *conn) dispatch() {
	defer close(c.events)
	for {
		select {
		case <-c.done:
			return
		case data := <-c.inbox:
			evt, err := realtime.ParseServerEvent(data)
			if err != nil {
				slog.Debug("rtc: ignoring malformed server event", "err", err)
				continue
			}
			select {
			case c.events <- evt:
			case <-c.done:
				return
			}
		}
	}
}

// playRemote decodes the agent's audio track into the output channel.
func (c *conn) playRemote(remote *webrtc.TrackRemote) {
	mime := remote.Codec().MimeType
	var dec *gopus.Decoder
	if strings.EqualFold(mime, webrtc.MimeTypeOpus) {
		var err error
		dec, err = gopus.NewDecoder(opusRate, 1)
		if err != nil {
			slog.Warn("rtc: create opus decoder", "err", err)
			return
		}
	}

	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if c.output == nil || len(pkt.Payload) == 0 {
			continue
		}

		var frame audio.AudioFrame
		switch {
		case dec != nil:
			samples, err := dec.Decode(pkt.Payload, opusRate*120/1000, false)
			if err != nil {
				slog.Debug("rtc: opus decode", "err", err)
				continue
			}
			frame = audio.AudioFrame{Data: audio.Bytes(samples), SampleRate: opusRate, Channels: 1}
		case strings.EqualFold(mime, webrtc.MimeTypePCMU):
			frame = audio.AudioFrame{Data: audio.MuLawDecode(pkt.Payload), SampleRate: narrowRate, Channels: 1}
		case strings.EqualFold(mime, webrtc.MimeTypePCMA):
			frame = audio.AudioFrame{Data: audio.ALawDecode(pkt.Payload), SampleRate: narrowRate, Channels: 1}
		default:
			continue
		}

		select {
		case c.output <- audio.Convert(frame, audio.Mono24k):
		default:
		}
	}
}

// pumpMicrophone encodes captured 24 kHz audio into 20 ms samples on the
// outbound track. Audio captured while muted is discarded.
func (c *conn) pumpMicrophone(chunks <-chan device.Chunk) {
	defer c.wg.Done()

	enc, err := newFrameEncoder(c.codec)
	if err != nil {
		slog.Warn("rtc: microphone encoder", "err", err)
		audio.Drain(chunks)
		return
	}

	for chunk := range chunks {
		if c.Muted() {
			enc.reset()
			continue
		}
		packets, err := enc.encode(chunk.PCM)
		if err != nil {
			slog.Debug("rtc: encode microphone audio", "err", err)
			continue
		}
		for _, p := range packets {
			if err := c.track.WriteSample(media.Sample{Data: p, Duration: frameDuration}); err != nil {
				slog.Debug("rtc: write sample", "err", err)
			}
		}
	}
}

// Send implements [realtime.Conn]. Events sent before the data channel is
// open wait for it.
func (c *conn) Send(ctx context.Context, evt realtime.ClientEvent) error {
	select {
	case <-c.ready:
	case <-c.done:
		return realtime.ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("rtc: send %s: %w", evt.Type(), ctx.Err())
	}
	select {
	case <-c.done:
		return realtime.ErrClosed
	default:
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("rtc: marshal %s: %w", evt.Type(), err)
	}
	if err := c.dc.SendText(string(data)); err != nil {
		return fmt.Errorf("rtc: send %s: %w", evt.Type(), err)
	}
	return nil
}

// Events implements [realtime.Conn].
func (c *conn) Events() <-chan realtime.ServerEvent { return c.events }

// Ready implements [realtime.Conn].
func (c *conn) Ready() <-chan struct{} { return c.ready }

// HasAudioTrack implements [realtime.Conn].
func (c *conn) HasAudioTrack() bool { return c.track != nil }

// Mute implements [realtime.Conn].
func (c *conn) Mute(muted bool) {
	if c.track == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
}

// Muted implements [realtime.Conn].
func (c *conn) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Err implements [realtime.Conn].
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// shutdown records err and releases resources once.
func (c *conn) shutdown(err error) {
	c.doneOnce.Do(func() {
		if err != nil {
			c.mu.Lock()
			c.errVal = err
			c.mu.Unlock()
		}
		close(c.done)
		if c.mic != nil {
			if err := c.mic.Stop(); err != nil {
				slog.Warn("rtc: stop microphone", "err", err)
			}
		}
		go func() {
			if err := c.pc.Close(); err != nil {
				slog.Debug("rtc: close peer connection", "err", err)
			}
		}()
	})
}

// Close implements [realtime.Conn]. Idempotent.
func (c *conn) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

// ── microphone encoding ───────────────────────────────────────────────────────

// frameEncoder slices 24 kHz PCM16 into 20 ms packets in the track's codec.
type frameEncoder struct {
	codec   realtime.Codec
	rate    int
	opus    *gopus.Encoder
	pending []int16
}

func newFrameEncoder(c realtime.Codec) (*frameEncoder, error) {
	fe := &frameEncoder{codec: c, rate: opusRate}
	if c.NarrowBand() {
		fe.rate = narrowRate
		return fe, nil
	}
	enc, err := gopus.NewEncoder(opusRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("rtc: create opus encoder: %w", err)
	}
	fe.opus = enc
	return fe, nil
}

func (fe *frameEncoder) reset() { fe.pending = fe.pending[:0] }

func (fe *frameEncoder) encode(pcm []byte) ([][]byte, error) {
	fe.pending = append(fe.pending, audio.Samples(audio.Resample(pcm, audio.RealtimeSampleRate, fe.rate))...)
	frameSize := fe.rate * int(frameDuration/time.Millisecond) / 1000

	var packets [][]byte
	for len(fe.pending) >= frameSize {
		frame := fe.pending[:frameSize]
		var pkt []byte
		switch fe.codec {
		case realtime.CodecPCMU:
			pkt = audio.MuLawEncode(audio.Bytes(frame))
		case realtime.CodecPCMA:
			pkt = audio.ALawEncode(audio.Bytes(frame))
		default:
			var err error
			pkt, err = fe.opus.Encode(frame, frameSize, opusMaxPacket)
			if err != nil {
				fe.reset()
				return packets, err
			}
		}
		packets = append(packets, pkt)
		fe.pending = append(fe.pending[:0], fe.pending[frameSize:]...)
	}
	return packets, nil
}
