// Package voice ties a call together: the room, speech capture, speech
// playback and the conversation.
package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"node.town/ragvoice/backend"
	"node.town/ragvoice/etc"
	"node.town/ragvoice/event"
	"node.town/ragvoice/room"
	"node.town/ragvoice/stt"
	"node.town/ragvoice/tts"
	"node.town/ragvoice/turn"
)

const (
	msgCallStarted = "Voice call started. Connecting to LiveKit..."
	msgConnected   = "Connected! Start recording to speak, or type a message."
	msgCallEnded   = "Voice call ended."

	msgRecognitionUnsupported = "Speech recognition not supported. Set DEEPGRAM_API_KEY to enable it."

	remoteSource = "remote"
)

// Backend is the part of the RAG backend a session talks to.
type Backend interface {
	turn.Backend
	room.TokenSource
	LiveKitURL(ctx context.Context) (string, error)
	SetPrompt(ctx context.Context, prompt string) (backend.PromptAck, error)
	Upload(ctx context.Context, filename string, r io.Reader) (int, error)
}

type Options struct {
	Room           string
	IdentityPrefix string
	TurnTimeout    time.Duration
}

// Snapshot is what a front end needs to draw the session.
type Snapshot struct {
	Calling   bool       `json:"calling"`
	Recording bool       `json:"recording"`
	Thinking  bool       `json:"thinking"`
	Speaking  bool       `json:"speaking"`
	CallState room.State `json:"call_state"`
	RoomID    string     `json:"room_id,omitempty"`
	Interim   string     `json:"interim,omitempty"`
	Banner    string     `json:"banner,omitempty"`
	Upload    string     `json:"upload,omitempty"`
}

type Deps struct {
	Backend    Backend
	Controller *room.Controller
	Relay      *room.Relay
	Capture    *stt.Capture
	Playback   *tts.Playback
}

type Session struct {
	backend    Backend
	controller *room.Controller
	capture    *stt.Capture
	playback   *tts.Playback
	coord      *turn.Coordinator
	transcript *turn.Transcript
	sources    *turn.Sources
	speaking   *event.Signal
	opts       Options
	log        *log.Logger

	// ctx carries turns started from capture callbacks.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	calling   bool
	recording bool
	interim   string
	banner    string
	upload    string
	final     string
	submitted int

	changed event.Emitter[Snapshot]
	unsubs  []func()
}

func NewSession(deps Deps, opts Options, logger *log.Logger) *Session {
	if opts.Room == "" {
		opts.Room = "voice-chat-room"
	}
	if opts.IdentityPrefix == "" {
		opts.IdentityPrefix = "user"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		backend:    deps.Backend,
		controller: deps.Controller,
		capture:    deps.Capture,
		playback:   deps.Playback,
		transcript: turn.NewTranscript(),
		sources:    turn.NewSources(),
		speaking:   event.NewSignal(),
		opts:       opts,
		log:        logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.coord = turn.NewCoordinator(
		deps.Backend,
		deps.Playback,
		s.transcript,
		s.sources,
		s.speaking,
		opts.TurnTimeout,
		logger.WithPrefix("turn"),
	)

	s.unsubs = append(s.unsubs,
		s.capture.OnStart(s.captureStarted),
		s.capture.OnTranscript(s.captureTranscript),
		s.capture.OnEnd(s.captureEnded),
		s.capture.OnError(s.captureFailed),
		s.controller.OnStatus(s.callStatus),
		s.controller.OnState(func(room.State) { s.notify() }),
		s.coord.OnEvent(s.turnEvent),
		s.speaking.Subscribe(func(bool) { s.notify() }),
	)
	if deps.Relay != nil {
		s.unsubs = append(s.unsubs, deps.Relay.OnSpeaking(func(on bool) {
			s.speaking.Set(remoteSource, on)
		}))
	}
	return s
}

func (s *Session) Transcript() *turn.Transcript {
	return s.transcript
}

func (s *Session) Sources() *turn.Sources {
	return s.sources
}

func (s *Session) Coordinator() *turn.Coordinator {
	return s.coord
}

// OnChange is called whenever the snapshot may have changed.
func (s *Session) OnChange(fn func(Snapshot)) func() {
	return s.changed.Subscribe(fn)
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Calling:   s.calling,
		Recording: s.recording,
		Interim:   s.interim,
		Banner:    s.banner,
		Upload:    s.upload,
	}
	s.mu.Unlock()

	snap.Thinking = s.coord.InFlight()
	snap.Speaking = s.speaking.On()
	snap.CallState = s.controller.State()
	if sess, ok := s.controller.Session(); ok {
		snap.RoomID = sess.RoomID
	}
	return snap
}

func (s *Session) notify() {
	s.changed.Emit(s.Snapshot())
}

func (s *Session) update(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
	s.notify()
}

func (s *Session) setBanner(msg string) {
	s.update(func() { s.banner = msg })
}

// StartCall joins the configured room.
func (s *Session) StartCall(ctx context.Context) error {
	s.mu.Lock()
	if s.calling {
		s.mu.Unlock()
		return room.ErrCallActive
	}
	s.banner = ""
	s.mu.Unlock()
	s.notify()

	url, err := s.backend.LiveKitURL(ctx)
	if err != nil {
		return s.callFailed(err)
	}

	s.transcript.Append(turn.RoleSystem, msgCallStarted)

	identity := etc.Identity(s.opts.IdentityPrefix)
	if err := s.controller.StartCall(ctx, url, s.opts.Room, identity); err != nil {
		return s.callFailed(err)
	}

	s.update(func() { s.calling = true })
	s.transcript.Append(turn.RoleSystem, msgConnected)
	return nil
}

func (s *Session) callFailed(err error) error {
	s.log.Error("call", "error", err)
	s.update(func() {
		s.calling = false
		s.banner = err.Error()
	})
	s.transcript.Append(turn.RoleSystem, "Error: "+err.Error())
	return err
}

// StopCall stops capture, flushing what was heard, and leaves the room.
func (s *Session) StopCall(ctx context.Context) error {
	s.stopCapture(ctx)

	if err := s.controller.StopCall(ctx); err != nil {
		return s.callFailed(err)
	}

	s.mu.Lock()
	was := s.calling
	s.calling = false
	s.mu.Unlock()
	s.notify()

	if was {
		s.transcript.Append(turn.RoleSystem, msgCallEnded)
	}
	return nil
}

func (s *Session) ToggleCall(ctx context.Context) error {
	s.mu.Lock()
	calling := s.calling
	s.mu.Unlock()

	if calling {
		return s.StopCall(ctx)
	}
	return s.StartCall(ctx)
}

func (s *Session) StartRecording() error {
	if !s.capture.Supported() {
		s.setBanner(msgRecognitionUnsupported)
		return stt.ErrUnsupported
	}
	if s.capture.Listening() {
		return nil
	}

	s.mu.Lock()
	s.final = ""
	s.submitted = 0
	s.mu.Unlock()

	return s.capture.Start()
}

// StopRecording stops capture and submits whatever final text has not
// been sent yet.
func (s *Session) StopRecording(ctx context.Context) {
	s.stopCapture(ctx)
}

func (s *Session) stopCapture(ctx context.Context) {
	if !s.capture.Supported() {
		return
	}
	s.capture.Stop()
	s.update(func() { s.recording = false })
	s.flush(ctx)
}

// flush submits the final text heard since the last accepted turn.
func (s *Session) flush(ctx context.Context) bool {
	s.mu.Lock()
	final := s.final
	pending := final[min(s.submitted, len(final)):]
	s.mu.Unlock()

	if strings.TrimSpace(pending) == "" {
		return false
	}
	if !s.coord.Submit(ctx, pending) {
		return false
	}

	s.mu.Lock()
	if len(final) > s.submitted {
		s.submitted = len(final)
	}
	s.mu.Unlock()
	return true
}

// SendText submits a typed message as a turn.
func (s *Session) SendText(ctx context.Context, text string) bool {
	return s.coord.Submit(ctx, text)
}

// Ask runs a typed turn and waits for the reply.
func (s *Session) Ask(ctx context.Context, text string) (backend.TurnResponse, bool, error) {
	return s.coord.Ask(ctx, text)
}

func (s *Session) StopSpeaking() {
	s.playback.Stop()
	s.speaking.Set(turn.SpeakingSource, false)
}

func (s *Session) SetPrompt(ctx context.Context, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return errors.New("prompt is empty")
	}
	if _, err := s.backend.SetPrompt(ctx, prompt); err != nil {
		s.log.Error("prompt", "error", err)
		return err
	}
	s.log.Info("prompt updated", "chars", len(prompt))
	return nil
}

// Upload sends a document to the knowledge base and records the outcome
// as the upload status.
func (s *Session) Upload(ctx context.Context, filename string, r io.Reader) (int, error) {
	s.update(func() { s.upload = "Uploading..." })

	n, err := s.backend.Upload(ctx, filename, r)
	if err != nil {
		s.log.Error("upload", "file", filename, "error", err)
		s.update(func() { s.upload = "Upload failed." })
		return 0, err
	}

	s.log.Info("uploaded", "file", filename, "chunks", n)
	s.update(func() { s.upload = fmt.Sprintf("Success: %d chunks indexed.", n) })
	return n, nil
}

// Close ends everything the session started and waits for the current
// turn.
func (s *Session) Close() error {
	err := s.StopCall(context.Background())
	s.playback.Stop()
	s.coord.Wait()
	s.cancel()

	for _, unsubscribe := range s.unsubs {
		unsubscribe()
	}
	s.unsubs = nil
	return err
}

func (s *Session) captureStarted() {
	s.update(func() {
		s.recording = true
		s.banner = ""
	})
}

func (s *Session) captureTranscript(t stt.Transcript) {
	s.update(func() {
		s.interim = t.Interim
		s.final = t.Transcript
	})
	if t.IsFinal {
		s.flush(s.ctx)
	}
}

func (s *Session) captureEnded(e stt.End) {
	s.update(func() {
		s.recording = e.Restarting
		s.interim = ""
	})
}

func (s *Session) captureFailed(err error) {
	var re *stt.RuntimeError
	if errors.As(err, &re) {
		s.setBanner("Speech recognition error: " + re.Code)
		return
	}
	s.setBanner("Speech recognition error: " + err.Error())
}

func (s *Session) callStatus(st room.Status) {
	if st.Connected || st.Err == nil {
		s.notify()
		return
	}

	s.mu.Lock()
	was := s.calling
	s.calling = false
	s.banner = st.Err.Error()
	s.mu.Unlock()
	s.notify()

	if was {
		// Dropped by the far end.
		s.stopCapture(s.ctx)
		s.transcript.Append(turn.RoleSystem, "Error: "+st.Err.Error())
	}
}

func (s *Session) turnEvent(e turn.Event) {
	switch e.Phase {
	case turn.PhaseStarted:
		s.update(func() {
			s.interim = ""
			s.banner = ""
		})
	case turn.PhaseFailed:
		s.setBanner(e.Err.Error())
	default:
		s.notify()
	}
}
