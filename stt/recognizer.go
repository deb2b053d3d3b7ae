// Package stt turns a speech recognizer that may stop at any moment into
// a continuous, restartable stream of transcription events.
package stt

import (
	"errors"
	"fmt"
)

// Segment is one recognized span of speech. Interim segments may still
// be revised; final ones will not.
type Segment struct {
	Text    string
	IsFinal bool
}

// Listener receives recognizer events. Events for one recognizer session
// arrive in order from a single goroutine.
type Listener interface {
	RecognizerStarted()
	RecognizerResult(batch []Segment)
	RecognizerEnded()
	RecognizerError(code string)
}

// Recognizer is a continuous, interim-reporting speech-to-text
// capability. It may end on its own after silence or a time limit, and
// always reports RecognizerEnded when it does.
type Recognizer interface {
	Bind(l Listener)
	Start() error
	Stop() error
	Abort() error
}

var (
	ErrUnsupported    = errors.New("speech recognition not supported")
	ErrAlreadyStarted = errors.New("recognizer already started")
	ErrRestartLimit   = errors.New("speech recognition kept stopping, giving up")
)

// RuntimeError carries an error code reported by the recognizer.
type RuntimeError struct {
	Code string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("speech recognition error: %s", e.Code)
}
