package room

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"node.town/ragvoice/audio"
)

// LiveKit joins LiveKit rooms with a backend-issued token.
type LiveKit struct {
	mic audio.Microphone
	log *log.Logger
}

func NewLiveKit(mic audio.Microphone, logger *log.Logger) *LiveKit {
	return &LiveKit{mic: mic, log: logger}
}

func (l *LiveKit) Connect(ctx context.Context, url, token string, events TransportEvents) (Conn, error) {
	c := &lkConn{
		mic:          l.mic,
		log:          l.log,
		events:       events,
		participants: make(map[string]*lkParticipant),
	}

	cb := lksdk.NewRoomCallback()
	cb.OnParticipantConnected = func(rp *lksdk.RemoteParticipant) {
		c.announce(rp)
	}
	cb.OnParticipantDisconnected = func(rp *lksdk.RemoteParticipant) {
		c.forget(rp.Identity())
	}
	cb.OnDisconnected = func() {
		if c.isClosing() || events.Disconnected == nil {
			return
		}
		events.Disconnected("room closed")
	}
	cb.ParticipantCallback.OnTrackSubscribed = func(
		track *webrtc.TrackRemote,
		pub *lksdk.RemoteTrackPublication,
		rp *lksdk.RemoteParticipant,
	) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.log.Debug("subscribed", "participant", rp.Identity(), "track", pub.SID(), "codec", track.Codec().MimeType)
		c.participant(rp).subscribed(&lkTrack{track: track})
	}

	type joined struct {
		room *lksdk.Room
		err  error
	}
	done := make(chan joined, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(url, token, cb, lksdk.WithAutoSubscribe(true))
		done <- joined{room, err}
	}()

	var j joined
	select {
	case <-ctx.Done():
		go func() {
			if j := <-done; j.room != nil {
				j.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case j = <-done:
	}
	if j.err != nil {
		return nil, fmt.Errorf("failed to join room: %w", j.err)
	}

	c.mu.Lock()
	c.room = j.room
	c.mu.Unlock()

	for _, rp := range j.room.GetRemoteParticipants() {
		c.announce(rp)
	}
	return c, nil
}

type lkConn struct {
	mic    audio.Microphone
	log    *log.Logger
	events TransportEvents

	mu           sync.Mutex
	room         *lksdk.Room
	participants map[string]*lkParticipant
	closing      bool
}

func (c *lkConn) participant(rp *lksdk.RemoteParticipant) *lkParticipant {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.participants[rp.Identity()]
	if !ok {
		p = &lkParticipant{identity: rp.Identity(), tracks: make(map[string]RemoteTrack)}
		c.participants[rp.Identity()] = p
	}
	return p
}

// announce reports a participant once, whether it was present at join
// or arrived later.
func (c *lkConn) announce(rp *lksdk.RemoteParticipant) {
	p := c.participant(rp)

	p.mu.Lock()
	already := p.announced
	p.announced = true
	p.mu.Unlock()

	if !already && c.events.ParticipantJoined != nil {
		c.events.ParticipantJoined(p)
	}
}

func (c *lkConn) forget(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.participants, identity)
}

func (c *lkConn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *lkConn) PublishMicrophone(ctx context.Context) (LocalTrack, error) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.SampleRate, Channels: audio.Channels},
		"audio",
		"microphone",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create track: %w", err)
	}

	enc, err := audio.NewOpusEncoder()
	if err != nil {
		return nil, err
	}

	mic, err := c.mic.OpenMicrophone()
	if err != nil {
		return nil, fmt.Errorf("failed to open microphone: %w", err)
	}

	pub, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{Name: "microphone"})
	if err != nil {
		mic.Close()
		return nil, fmt.Errorf("failed to publish track: %w", err)
	}

	lt := &lkLocalTrack{
		room: room,
		sid:  pub.SID(),
		mic:  mic,
		done: make(chan struct{}),
		log:  c.log,
	}
	go lt.pump(track, enc)
	c.log.Info("published", "track", lt.sid)
	return lt, nil
}

func (c *lkConn) Disconnect() {
	c.mu.Lock()
	c.closing = true
	room := c.room
	c.mu.Unlock()

	if room != nil {
		room.Disconnect()
	}
}

type lkParticipant struct {
	identity string

	mu        sync.Mutex
	announced bool
	tracks    map[string]RemoteTrack
	handlers  []func(RemoteTrack)
}

func (p *lkParticipant) Identity() string {
	return p.identity
}

func (p *lkParticipant) AudioTracks() []RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]RemoteTrack, 0, len(p.tracks))
	for _, t := range p.tracks {
		out = append(out, t)
	}
	return out
}

func (p *lkParticipant) OnAudioTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, fn)
}

func (p *lkParticipant) subscribed(t RemoteTrack) {
	p.mu.Lock()
	p.tracks[t.SID()] = t
	handlers := append([]func(RemoteTrack){}, p.handlers...)
	p.mu.Unlock()

	for _, fn := range handlers {
		fn(t)
	}
}

type lkTrack struct {
	track *webrtc.TrackRemote
}

func (t *lkTrack) SID() string {
	return t.track.ID()
}

func (t *lkTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}

type lkLocalTrack struct {
	room *lksdk.Room
	sid  string
	mic  io.ReadCloser
	done chan struct{}
	log  *log.Logger

	once sync.Once
}

// pump encodes microphone audio into 20ms Opus samples. The microphone
// delivers in real time, which paces the writes.
func (t *lkLocalTrack) pump(track *webrtc.TrackLocalStaticSample, enc *audio.OpusEncoder) {
	defer close(t.done)

	buf := make([]byte, audio.FrameBytes)
	for {
		n, err := t.mic.Read(buf)
		if n > 0 {
			frames, encErr := enc.Write(buf[:n])
			if encErr != nil {
				t.log.Warn("encode", "error", encErr)
			}
			for _, f := range frames {
				if err := track.WriteSample(media.Sample{Data: f, Duration: 20 * time.Millisecond}); err != nil {
					t.log.Debug("write sample", "error", err)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *lkLocalTrack) Release() error {
	var err error
	t.once.Do(func() {
		t.mic.Close()
		<-t.done
		err = t.room.LocalParticipant.UnpublishTrack(t.sid)
	})
	return err
}
