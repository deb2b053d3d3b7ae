package tts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/haguro/elevenlabs-go"
	"node.town/ragvoice/audio"
)

const elevenLabsRate = 24000

type ElevenLabsConfig struct {
	APIKey  string
	VoiceID string
	Model   string
}

// streamFunc writes 24kHz mono s16le speech for text to w.
type streamFunc func(ctx context.Context, w io.Writer, voiceID, text string) error

// ElevenLabs is a Synthesizer that streams speech from ElevenLabs to the
// speaker. Utterances play one after another.
type ElevenLabs struct {
	cfg     ElevenLabsConfig
	speaker audio.Speaker
	stream  streamFunc
	log     *log.Logger

	queue chan job

	mu      sync.Mutex
	epoch   context.Context
	cancel  context.CancelFunc
	current audio.Player
}

type job struct {
	ctx context.Context
	u   *Utterance
}

func NewElevenLabs(cfg ElevenLabsConfig, speaker audio.Speaker, logger *log.Logger) *ElevenLabs {
	if cfg.Model == "" {
		cfg.Model = "eleven_turbo_v2_5"
	}
	e := &ElevenLabs{
		cfg:     cfg,
		speaker: speaker,
		log:     logger,
		queue:   make(chan job, 16),
	}
	e.stream = e.textToSpeech
	e.epoch, e.cancel = context.WithCancel(context.Background())
	go e.loop()
	return e
}

func (e *ElevenLabs) textToSpeech(ctx context.Context, w io.Writer, voiceID, text string) error {
	client := elevenlabs.NewClient(ctx, e.cfg.APIKey, 30*time.Second)
	err := client.TextToSpeechStream(
		w,
		voiceID,
		elevenlabs.TextToSpeechRequest{
			Text:    text,
			ModelID: e.cfg.Model,
		},
		elevenlabs.OutputFormat("pcm_24000"),
	)
	if err != nil {
		return fmt.Errorf("failed to generate speech: %w", err)
	}
	return nil
}

func (e *ElevenLabs) Speak(u *Utterance) error {
	e.mu.Lock()
	ctx := e.epoch
	e.mu.Unlock()

	select {
	case e.queue <- job{ctx: ctx, u: u}:
		return nil
	default:
		return errors.New("speech queue is full")
	}
}

// Cancel interrupts the current utterance and drops the queue.
func (e *ElevenLabs) Cancel() {
	e.mu.Lock()
	e.cancel()
	e.epoch, e.cancel = context.WithCancel(context.Background())
	player := e.current
	e.mu.Unlock()

	if player != nil {
		player.Close()
	}
}

func (e *ElevenLabs) Pause() {
	e.mu.Lock()
	player := e.current
	e.mu.Unlock()
	if player != nil {
		player.Pause()
	}
}

func (e *ElevenLabs) Resume() {
	e.mu.Lock()
	player := e.current
	e.mu.Unlock()
	if player != nil {
		player.Resume()
	}
}

func (e *ElevenLabs) Voices(ctx context.Context) ([]Voice, error) {
	client := elevenlabs.NewClient(ctx, e.cfg.APIKey, 30*time.Second)
	voices, err := client.GetVoices()
	if err != nil {
		return nil, fmt.Errorf("failed to list voices: %w", err)
	}

	out := make([]Voice, 0, len(voices))
	for _, v := range voices {
		out = append(out, Voice{
			ID:       v.VoiceId,
			Name:     v.Name,
			Category: v.Category,
			Lang:     v.Labels["accent"],
		})
	}
	return out, nil
}

func (e *ElevenLabs) loop() {
	for j := range e.queue {
		e.play(j.ctx, j.u)
	}
}

func (e *ElevenLabs) play(ctx context.Context, u *Utterance) {
	if ctx.Err() != nil {
		u.OnError(ErrInterrupted)
		return
	}
	if u.Pitch != 1 {
		e.log.Debug("pitch not supported", "pitch", u.Pitch)
	}

	voiceID := u.Voice
	if voiceID == "" {
		voiceID = e.cfg.VoiceID
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	streamErr := make(chan error, 1)
	go func() {
		err := e.stream(ctx, pw, voiceID, u.Text)
		pw.CloseWithError(err)
		streamErr <- err
	}()

	// Hold OnStart until the first audio arrives.
	br := bufio.NewReaderSize(pr, 8192)
	if _, err := br.Peek(2); err != nil {
		pr.Close()
		err = errors.Join(err, <-streamErr)
		if ctx.Err() != nil {
			u.OnError(ErrInterrupted)
			return
		}
		u.OnError(&SynthesisError{Text: u.Text, Err: err})
		return
	}

	player, err := e.speaker.Play(audio.NewResampler(br, elevenLabsRate, audio.SampleRate, u.Rate), u.Volume)
	if err != nil {
		pr.Close()
		<-streamErr
		u.OnError(&SynthesisError{Text: u.Text, Err: err})
		return
	}

	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		player.Close()
		pr.Close()
		<-streamErr
		u.OnError(ErrInterrupted)
		return
	}
	e.current = player
	e.mu.Unlock()

	u.OnStart()
	waitErr := player.Wait(ctx)

	e.mu.Lock()
	if e.current == player {
		e.current = nil
	}
	e.mu.Unlock()
	player.Close()
	pr.Close()
	err = <-streamErr

	switch {
	case waitErr != nil || ctx.Err() != nil:
		u.OnError(ErrInterrupted)
	case err != nil:
		u.OnError(&SynthesisError{Text: u.Text, Err: err})
	default:
		u.OnEnd()
	}
}
