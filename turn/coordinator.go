// Package turn runs the conversation: one user utterance at a time goes
// to the backend, and the reply is logged and spoken.
package turn

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"node.town/ragvoice/backend"
	"node.town/ragvoice/event"
	"node.town/ragvoice/tts"
)

const SpeakingSource = "synthesis"

// Backend answers one turn.
type Backend interface {
	Voice(ctx context.Context, text string) (backend.TurnResponse, error)
}

// Speaker speaks replies. *tts.Playback implements it.
type Speaker interface {
	Supported() bool
	Speak(text string, opts tts.Options, hooks tts.Hooks)
}

type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

type Event struct {
	Phase Phase
	Text  string
	Reply string
	Err   error
}

// Coordinator admits one turn at a time. A turn submitted while another
// is in flight is dropped, not queued.
type Coordinator struct {
	backend    Backend
	speaker    Speaker
	transcript *Transcript
	sources    *Sources
	speaking   *event.Signal
	timeout    time.Duration
	log        *log.Logger

	mu       sync.Mutex
	inFlight bool
	wg       sync.WaitGroup

	events event.Emitter[Event]
}

func NewCoordinator(
	b Backend,
	speaker Speaker,
	transcript *Transcript,
	sources *Sources,
	speaking *event.Signal,
	timeout time.Duration,
	logger *log.Logger,
) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{
		backend:    b,
		speaker:    speaker,
		transcript: transcript,
		sources:    sources,
		speaking:   speaking,
		timeout:    timeout,
		log:        logger,
	}
}

func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *Coordinator) OnEvent(fn func(Event)) func() {
	return c.events.Subscribe(fn)
}

// Submit starts a turn in the background. It reports false, doing
// nothing, when text is blank or a turn is already in flight.
func (c *Coordinator) Submit(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	if !c.begin(text) {
		return false
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, text)
	}()
	return true
}

// Ask runs a turn and waits for the reply. ok is false when the turn was
// not admitted.
func (c *Coordinator) Ask(ctx context.Context, text string) (resp backend.TurnResponse, ok bool, err error) {
	text = strings.TrimSpace(text)
	if !c.begin(text) {
		return backend.TurnResponse{}, false, nil
	}
	resp, err = c.run(ctx, text)
	return resp, true, err
}

// Wait blocks until background turns finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) begin(text string) bool {
	if text == "" {
		return false
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		c.log.Debug("dropped", "text", text)
		return false
	}
	c.inFlight = true
	c.mu.Unlock()

	c.transcript.Append(RoleUser, text)
	c.events.Emit(Event{Phase: PhaseStarted, Text: text})
	return true
}

func (c *Coordinator) run(ctx context.Context, text string) (backend.TurnResponse, error) {
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.backend.Voice(ctx, text)
	if err != nil {
		c.log.Error("turn failed", "error", err, "took", time.Since(start))
		c.transcript.Append(RoleSystem, "Error: "+err.Error())
		c.events.Emit(Event{Phase: PhaseFailed, Text: text, Err: err})
		return backend.TurnResponse{}, err
	}

	c.log.Info("reply", "chars", len(resp.Reply), "sources", len(resp.Sources), "took", time.Since(start))
	c.transcript.Append(RoleAgent, resp.Reply)
	c.sources.Replace(resp.Sources)

	if c.speaker != nil && c.speaker.Supported() && strings.TrimSpace(resp.Reply) != "" {
		c.speaker.Speak(resp.Reply, tts.Options{Rate: 1, Pitch: 1, Volume: 1}, tts.Hooks{
			OnStart: func() { c.speaking.Set(SpeakingSource, true) },
			OnEnd:   func() { c.speaking.Set(SpeakingSource, false) },
			OnError: func(err error) {
				c.log.Warn("speech", "error", err)
				c.speaking.Set(SpeakingSource, false)
			},
		})
	}

	c.events.Emit(Event{Phase: PhaseCompleted, Text: text, Reply: resp.Reply})
	return resp, nil
}
