package room

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/pion/rtp"
	"node.town/ragvoice/audio"
)

type capturePlayer struct {
	closeOnce sync.Once
	closed    chan struct{}
}

func (p *capturePlayer) Pause()  {}
func (p *capturePlayer) Resume() {}
func (p *capturePlayer) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
func (p *capturePlayer) Wait(ctx context.Context) error { return nil }

type captureSpeaker struct {
	mu   sync.Mutex
	got  bytes.Buffer
	done chan struct{}
}

func (s *captureSpeaker) Play(r io.Reader, volume float64) (audio.Player, error) {
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			s.mu.Lock()
			s.got.Write(buf[:n])
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	return &capturePlayer{closed: make(chan struct{})}, nil
}

func TestOpusRendererDecodesPackets(t *testing.T) {
	enc, err := audio.NewOpusEncoder()
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	frames, err := enc.Write(make([]byte, audio.FrameBytes*3))
	if err != nil || len(frames) != 3 {
		t.Fatalf("encode: %d frames, %v", len(frames), err)
	}

	track := newFakeTrack("TR_A")
	for i, f := range frames {
		track.packets <- &rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i)}, Payload: f}
	}
	track.packets <- &rtp.Packet{}

	speaker := &captureSpeaker{}
	r := NewOpusRenderer(speaker, log.New(io.Discard))

	done := make(chan error, 1)
	go func() { done <- r.Render(context.Background(), track) }()

	waitUntil(t, func() bool {
		speaker.mu.Lock()
		defer speaker.mu.Unlock()
		return speaker.got.Len() == audio.FrameBytes*3
	})
	track.end()

	if err := <-done; !errors.Is(err, io.EOF) {
		t.Fatalf("Render = %v", err)
	}
	<-speaker.done
}

func TestOpusRendererStopsOnCancel(t *testing.T) {
	track := newFakeTrack("TR_A")
	speaker := &captureSpeaker{}
	r := NewOpusRenderer(speaker, log.New(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Render(ctx, track) }()

	cancel()
	track.end()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Render = %v", err)
	}
}
