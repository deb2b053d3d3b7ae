package tts

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
)

type Options struct {
	Rate   float64
	Pitch  float64
	Volume float64
	Lang   string
	Voice  string
}

type Hooks struct {
	OnStart func()
	OnEnd   func()
	OnError func(error)
}

// Playback keeps at most one utterance alive on a Synthesizer. Hooks of
// an utterance that was superseded or stopped never run.
type Playback struct {
	synth Synthesizer
	log   *log.Logger

	mu       sync.Mutex
	gen      int
	pending  bool
	speaking bool
}

// NewPlayback wraps synth. A nil synth gives an unsupported Playback.
func NewPlayback(synth Synthesizer, logger *log.Logger) *Playback {
	return &Playback{synth: synth, log: logger}
}

func (p *Playback) Supported() bool {
	return p.synth != nil
}

func (p *Playback) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

// Speak cancels whatever is pending or playing and speaks text.
func (p *Playback) Speak(text string, opts Options, hooks Hooks) {
	if p.synth == nil {
		p.log.Warn("speech synthesis not supported")
		return
	}

	p.mu.Lock()
	busy := p.pending || p.speaking
	p.gen++
	gen := p.gen
	p.pending = true
	p.speaking = false
	p.mu.Unlock()

	if busy {
		p.synth.Cancel()
	}

	u := &Utterance{
		Text:   text,
		Rate:   orOne(opts.Rate),
		Pitch:  orOne(opts.Pitch),
		Volume: orOne(opts.Volume),
		Lang:   opts.Lang,
		Voice:  opts.Voice,
	}
	if u.Lang == "" {
		u.Lang = "en-US"
	}

	u.OnStart = func() {
		if !p.transition(gen, true, true) {
			return
		}
		p.log.Debug("speaking", "chars", len(text))
		if hooks.OnStart != nil {
			hooks.OnStart()
		}
	}

	var once sync.Once
	finish := func(err error) {
		once.Do(func() {
			if !p.transition(gen, false, false) {
				return
			}
			if err != nil {
				p.log.Error("speech", "error", err)
				if hooks.OnError != nil {
					hooks.OnError(err)
				}
				return
			}
			if hooks.OnEnd != nil {
				hooks.OnEnd()
			}
		})
	}
	u.OnEnd = func() { finish(nil) }
	u.OnError = finish

	if err := p.synth.Speak(u); err != nil {
		finish(&SynthesisError{Text: text, Err: err})
	}
}

// transition applies a state change only if gen is still current.
func (p *Playback) transition(gen int, pending, speaking bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return false
	}
	p.pending = pending
	p.speaking = speaking
	return true
}

// Stop cancels any utterance. Its hooks will not run.
func (p *Playback) Stop() {
	if p.synth == nil {
		return
	}

	p.mu.Lock()
	p.gen++
	p.pending = false
	p.speaking = false
	p.mu.Unlock()

	p.synth.Cancel()
}

func (p *Playback) Pause() {
	if p.synth == nil || !p.Speaking() {
		return
	}
	p.synth.Pause()
}

func (p *Playback) Resume() {
	if p.synth == nil || !p.Speaking() {
		return
	}
	p.synth.Resume()
}

func (p *Playback) Voices(ctx context.Context) ([]Voice, error) {
	if p.synth == nil {
		return nil, nil
	}
	return p.synth.Voices(ctx)
}

func orOne(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}
