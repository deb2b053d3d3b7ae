package stt

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"node.town/ragvoice/event"
)

// Transcript is emitted for every result batch.
type Transcript struct {
	// Transcript is the accumulated final text, each segment followed by
	// a space.
	Transcript string
	// Interim is the non-final text of the latest batch only.
	Interim string
	// IsFinal is the finality of the last segment in the batch.
	IsFinal bool
}

// End is emitted whenever the recognizer stops.
type End struct {
	// Restarting is set when the stop was unsolicited and a restart is
	// under way.
	Restarting bool
}

type Options struct {
	// MaxRestarts caps consecutive restarts that produced nothing. Zero
	// means no cap.
	MaxRestarts int
	// RestartBackoff delays the second and later consecutive restarts,
	// doubling each time. Zero means 250ms.
	RestartBackoff time.Duration
}

type phase int

const (
	phaseIdle phase = iota
	phaseListening
	phaseRestartPending
)

const (
	defaultBackoff = 250 * time.Millisecond
	maxBackoff     = 2 * time.Second
	// A recognizer that ran at least this long before ending is healthy
	// and its restart does not count against MaxRestarts.
	healthyRun = time.Second
)

// Capture keeps a Recognizer listening between Start and Stop, restarting
// it whenever it ends on its own.
type Capture struct {
	rec  Recognizer
	log  *log.Logger
	opts Options

	// op orders calls into rec so a restart cannot land after Stop.
	op sync.Mutex

	mu            sync.Mutex
	phase         phase
	listening     bool
	shouldRestart bool
	interim       string
	final         string
	restarts      int
	startedAt     time.Time
	gen           int
	timer         *time.Timer

	started     event.Emitter[struct{}]
	transcripts event.Emitter[Transcript]
	ended       event.Emitter[End]
	errs        event.Emitter[error]
}

// NewCapture wraps rec. A nil rec gives a Capture that reports itself
// unsupported.
func NewCapture(rec Recognizer, logger *log.Logger, opts Options) *Capture {
	c := &Capture{rec: rec, log: logger, opts: opts}
	if rec != nil {
		rec.Bind(listener{c})
	}
	return c
}

func (c *Capture) Supported() bool {
	return c.rec != nil
}

func (c *Capture) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// Transcript returns the trimmed accumulated final text.
func (c *Capture) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(c.final)
}

// Start begins a capture session, clearing any accumulated text.
func (c *Capture) Start() error {
	if c.rec == nil {
		c.log.Warn("speech recognition not supported")
		return ErrUnsupported
	}

	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		c.log.Warn("already listening")
		return nil
	}
	c.gen++
	c.stopTimer()
	c.final = ""
	c.interim = ""
	c.restarts = 0
	c.shouldRestart = true
	c.phase = phaseListening
	c.mu.Unlock()

	c.op.Lock()
	err := c.rec.Start()
	c.op.Unlock()
	if err != nil {
		c.log.Warn("start", "error", err)
	}
	return nil
}

// Stop ends the session and returns the trimmed accumulated final text.
func (c *Capture) Stop() string {
	c.mu.Lock()
	c.gen++
	c.stopTimer()
	c.shouldRestart = false
	c.phase = phaseIdle
	text := strings.TrimSpace(c.final)
	c.mu.Unlock()

	if c.rec != nil {
		c.op.Lock()
		err := c.rec.Stop()
		c.op.Unlock()
		if err != nil {
			c.log.Warn("stop", "error", err)
		}
	}
	return text
}

// Abort ends the session and discards accumulated text.
func (c *Capture) Abort() {
	c.mu.Lock()
	c.gen++
	c.stopTimer()
	c.shouldRestart = false
	c.phase = phaseIdle
	c.final = ""
	c.interim = ""
	c.mu.Unlock()

	if c.rec != nil {
		c.op.Lock()
		err := c.rec.Abort()
		c.op.Unlock()
		if err != nil {
			c.log.Warn("abort", "error", err)
		}
	}
}

func (c *Capture) OnStart(fn func()) func() {
	return c.started.Subscribe(func(struct{}) { fn() })
}

func (c *Capture) OnTranscript(fn func(Transcript)) func() {
	return c.transcripts.Subscribe(fn)
}

func (c *Capture) OnEnd(fn func(End)) func() {
	return c.ended.Subscribe(fn)
}

func (c *Capture) OnError(fn func(error)) func() {
	return c.errs.Subscribe(fn)
}

func (c *Capture) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Capture) handleStarted() {
	c.mu.Lock()
	c.listening = true
	c.phase = phaseListening
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.log.Debug("listening")
	c.started.Emit(struct{}{})
}

func (c *Capture) handleResult(batch []Segment) {
	if len(batch) == 0 {
		return
	}

	c.mu.Lock()
	c.restarts = 0
	var interim strings.Builder
	for _, seg := range batch {
		if seg.IsFinal {
			c.final += seg.Text + " "
		} else {
			interim.WriteString(seg.Text)
		}
	}
	c.interim = interim.String()
	ev := Transcript{
		Transcript: c.final,
		Interim:    c.interim,
		IsFinal:    batch[len(batch)-1].IsFinal,
	}
	c.mu.Unlock()

	c.transcripts.Emit(ev)
}

func (c *Capture) handleError(code string) {
	c.log.Error("recognizer", "code", code)
	c.errs.Emit(&RuntimeError{Code: code})
}

func (c *Capture) handleEnded() {
	c.mu.Lock()
	if c.listening && time.Since(c.startedAt) >= healthyRun {
		c.restarts = 0
	}
	c.listening = false
	c.mu.Unlock()

	c.ended.Emit(End{Restarting: c.restartAfterEnd()})
}

// restartAfterEnd handles one end event. An immediate attempt that fails
// counts as another end and is retried with backoff. It reports whether
// a restart is still under way.
func (c *Capture) restartAfterEnd() bool {
	for {
		c.mu.Lock()
		if !c.shouldRestart {
			c.phase = phaseIdle
			c.mu.Unlock()
			return false
		}

		c.restarts++
		if c.opts.MaxRestarts > 0 && c.restarts > c.opts.MaxRestarts {
			c.shouldRestart = false
			c.phase = phaseIdle
			c.mu.Unlock()

			c.log.Error("giving up", "restarts", c.opts.MaxRestarts)
			c.errs.Emit(ErrRestartLimit)
			return false
		}

		c.phase = phaseRestartPending
		gen := c.gen
		delay := c.backoff(c.restarts)
		if delay > 0 {
			c.timer = time.AfterFunc(delay, func() { c.restartIfPending(gen) })
		}
		attempt := c.restarts
		c.mu.Unlock()

		c.log.Debug("restarting", "attempt", attempt, "delay", delay)
		if delay > 0 {
			return true
		}
		switch err := c.restart(gen); {
		case err == nil:
			return true
		case errors.Is(err, errRestartCalledOff):
			return false
		}
	}
}

func (c *Capture) backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	base := c.opts.RestartBackoff
	if base <= 0 {
		base = defaultBackoff
	}
	d := base << (attempt - 2)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

func (c *Capture) restartIfPending(gen int) {
	c.mu.Lock()
	if gen == c.gen {
		c.timer = nil
	}
	c.mu.Unlock()

	err := c.restart(gen)
	if err != nil && !errors.Is(err, errRestartCalledOff) {
		c.handleEnded()
	}
}

var errRestartCalledOff = errors.New("restart called off")

// restart makes one attempt for generation gen, holding op so that Stop
// and Abort either see the new stream or cancel the attempt.
func (c *Capture) restart(gen int) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	ok := gen == c.gen && c.phase == phaseRestartPending && c.shouldRestart
	c.mu.Unlock()
	if !ok {
		return errRestartCalledOff
	}

	if err := c.rec.Start(); err != nil {
		c.log.Warn("restart", "error", err)
		return err
	}
	return nil
}

// listener keeps the Listener methods off Capture's public API.
type listener struct{ c *Capture }

func (l listener) RecognizerStarted() { l.c.handleStarted() }

func (l listener) RecognizerResult(b []Segment) { l.c.handleResult(b) }

func (l listener) RecognizerEnded() { l.c.handleEnded() }

func (l listener) RecognizerError(code string) { l.c.handleError(code) }
