// Package tts speaks replies aloud, one utterance at a time.
package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrInterrupted is reported for an utterance cancelled before it
// finished.
var ErrInterrupted = errors.New("utterance interrupted")

// SynthesisError wraps a failure to synthesize or play an utterance.
type SynthesisError struct {
	Text string
	Err  error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("speech synthesis failed: %v", e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

type Voice struct {
	ID       string
	Name     string
	Category string
	Lang     string
}

// Utterance is one piece of text to speak. The synthesizer calls OnStart
// when audio begins and then exactly one of OnEnd or OnError.
type Utterance struct {
	Text   string
	Rate   float64
	Pitch  float64
	Volume float64
	Lang   string
	Voice  string

	OnStart func()
	OnEnd   func()
	OnError func(error)
}

// Synthesizer is a queueing speech synthesis capability. Cancel drops the
// current utterance and everything queued behind it.
type Synthesizer interface {
	Speak(u *Utterance) error
	Cancel()
	Pause()
	Resume()
	Voices(ctx context.Context) ([]Voice, error)
}
