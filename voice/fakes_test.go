package voice

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pion/rtp"
	"node.town/ragvoice/backend"
	"node.town/ragvoice/room"
	"node.town/ragvoice/stt"
	"node.town/ragvoice/tts"
)

type fakeBackend struct {
	mu        sync.Mutex
	tokenErr  error
	uploadErr error
	chunks    int
	prompts   []string
	asked     []string
	resp      backend.TurnResponse
	release   chan struct{}
}

func (f *fakeBackend) LiveKitURL(ctx context.Context) (string, error) {
	return "wss://livekit.test", nil
}

func (f *fakeBackend) Token(ctx context.Context, room, identity string) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return "jwt-" + identity, nil
}

func (f *fakeBackend) Voice(ctx context.Context, text string) (backend.TurnResponse, error) {
	f.mu.Lock()
	f.asked = append(f.asked, text)
	release := f.release
	resp := f.resp
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	return resp, nil
}

func (f *fakeBackend) SetPrompt(ctx context.Context, prompt string) (backend.PromptAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return backend.PromptAck{Status: "ok", Prompt: prompt}, nil
}

func (f *fakeBackend) Upload(ctx context.Context, filename string, r io.Reader) (int, error) {
	if f.uploadErr != nil {
		return 0, f.uploadErr
	}
	io.Copy(io.Discard, r)
	return f.chunks, nil
}

func (f *fakeBackend) questions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.asked...)
}

type fakeTransport struct {
	mu     sync.Mutex
	events room.TransportEvents
	conns  int
	drops  int
}

func (f *fakeTransport) Connect(ctx context.Context, url, token string, events room.TransportEvents) (room.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
	f.conns++
	return &fakeConn{t: f}, nil
}

func (f *fakeTransport) current() room.TransportEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

type fakeConn struct{ t *fakeTransport }

func (c *fakeConn) PublishMicrophone(ctx context.Context) (room.LocalTrack, error) {
	return fakeLocalTrack{}, nil
}

func (c *fakeConn) Disconnect() {
	c.t.mu.Lock()
	c.t.drops++
	c.t.mu.Unlock()
}

type fakeLocalTrack struct{}

func (fakeLocalTrack) Release() error { return nil }

type fakeParticipant struct {
	identity string
	tracks   []room.RemoteTrack
}

func (p *fakeParticipant) Identity() string { return p.identity }

func (p *fakeParticipant) AudioTracks() []room.RemoteTrack { return p.tracks }

func (p *fakeParticipant) OnAudioTrack(fn func(room.RemoteTrack)) {}

type fakeRemoteTrack struct{ sid string }

func (t fakeRemoteTrack) SID() string { return t.sid }

func (t fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) { return nil, io.EOF }

// holdRenderer plays a track until the call ends.
type holdRenderer struct{}

func (holdRenderer) Render(ctx context.Context, track room.RemoteTrack) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeRecognizer struct {
	mu     sync.Mutex
	l      stt.Listener
	starts int
}

func (f *fakeRecognizer) Bind(l stt.Listener) { f.l = l }

func (f *fakeRecognizer) Start() error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	f.l.RecognizerStarted()
	return nil
}

func (f *fakeRecognizer) Stop() error {
	f.l.RecognizerEnded()
	return nil
}

func (f *fakeRecognizer) Abort() error {
	f.l.RecognizerEnded()
	return nil
}

func (f *fakeRecognizer) hear(segments ...stt.Segment) {
	f.l.RecognizerResult(segments)
}

// fakeSynth speaks instantly.
type fakeSynth struct {
	mu     sync.Mutex
	spoken []string
}

func (f *fakeSynth) Speak(u *tts.Utterance) error {
	f.mu.Lock()
	f.spoken = append(f.spoken, u.Text)
	f.mu.Unlock()
	u.OnStart()
	u.OnEnd()
	return nil
}

func (f *fakeSynth) Cancel() {}

func (f *fakeSynth) Pause() {}

func (f *fakeSynth) Resume() {}

func (f *fakeSynth) Voices(ctx context.Context) ([]tts.Voice, error) {
	return nil, errors.New("no voices")
}

func (f *fakeSynth) said() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

type fixture struct {
	backend   *fakeBackend
	transport *fakeTransport
	rec       *fakeRecognizer
	synth     *fakeSynth
	session   *Session
}

func newFixture(t *testing.T, b *fakeBackend, withSTT bool) *fixture {
	t.Helper()

	logger := log.New(io.Discard)
	f := &fixture{
		backend:   b,
		transport: &fakeTransport{},
		synth:     &fakeSynth{},
	}

	var rec stt.Recognizer
	if withSTT {
		f.rec = &fakeRecognizer{}
		rec = f.rec
	}

	relay := room.NewRelay(holdRenderer{}, logger)
	f.session = NewSession(Deps{
		Backend:    b,
		Controller: room.NewController(b, f.transport, relay, logger),
		Relay:      relay,
		Capture:    stt.NewCapture(rec, logger, stt.Options{MaxRestarts: 3}),
		Playback:   tts.NewPlayback(f.synth, logger),
	}, Options{TurnTimeout: time.Second}, logger)
	t.Cleanup(func() { f.session.Close() })
	return f
}

func contents(s *Session) []string {
	var out []string
	for _, e := range s.Transcript().Entries() {
		out = append(out, string(e.Role)+": "+e.Content)
	}
	return out
}

func lastEntry(s *Session) string {
	all := contents(s)
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}

func hasEntry(s *Session, want string) bool {
	for _, line := range contents(s) {
		if strings.HasPrefix(line, want) {
			return true
		}
	}
	return false
}
