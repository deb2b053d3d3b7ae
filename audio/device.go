package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

// ErrClosed is returned by reads from a closed microphone tap.
var ErrClosed = errors.New("audio device closed")

// Player is one playing stream on the speaker.
type Player interface {
	Pause()
	Resume()
	Close() error
	Wait(ctx context.Context) error
}

// Speaker plays mono 48kHz s16le streams. Concurrent streams are mixed.
type Speaker interface {
	Play(r io.Reader, volume float64) (Player, error)
}

// Microphone hands out independent taps of the shared capture device.
type Microphone interface {
	OpenMicrophone() (io.ReadCloser, error)
}

// Devices owns the process-wide capture and playback contexts. Both are
// opened on first use.
type Devices struct {
	log *log.Logger

	mu      sync.Mutex
	malgo   *malgo.AllocatedContext
	capture *malgo.Device
	taps    map[*tap]struct{}

	otoOnce sync.Once
	oto     *oto.Context
	otoErr  error
}

func NewDevices(logger *log.Logger) *Devices {
	return &Devices{
		log:  logger,
		taps: make(map[*tap]struct{}),
	}
}

// OpenMicrophone returns a reader of 48kHz mono s16le microphone audio.
// The capture device runs while at least one tap is open.
func (d *Devices) OpenMicrophone() (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture == nil {
		if err := d.startCapture(); err != nil {
			return nil, err
		}
	}

	t := &tap{devices: d, limit: SampleRate * 2 * 2}
	t.cond = sync.NewCond(&t.mu)
	d.taps[t] = struct{}{}
	return t, nil
}

func (d *Devices) startCapture() error {
	if d.malgo == nil {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{
			ThreadPriority: malgo.ThreadPriorityRealtime,
		}, nil)
		if err != nil {
			return fmt.Errorf("failed to init audio context: %w", err)
		}
		d.malgo = ctx
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = Channels
	cfg.SampleRate = SampleRate
	cfg.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(d.malgo.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			d.broadcast(input)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start microphone: %w", err)
	}

	d.capture = device
	d.log.Info("microphone", "rate", SampleRate)
	return nil
}

func (d *Devices) broadcast(input []byte) {
	d.mu.Lock()
	taps := make([]*tap, 0, len(d.taps))
	for t := range d.taps {
		taps = append(taps, t)
	}
	d.mu.Unlock()

	for _, t := range taps {
		t.push(input)
	}
}

func (d *Devices) release(t *tap) {
	d.mu.Lock()
	delete(d.taps, t)
	var device *malgo.Device
	if len(d.taps) == 0 {
		device, d.capture = d.capture, nil
	}
	d.mu.Unlock()

	// Stop waits for the data callback, which takes d.mu.
	if device != nil {
		device.Stop()
		device.Uninit()
		d.log.Info("microphone", "state", "stopped")
	}
}

func (d *Devices) speaker() (*oto.Context, error) {
	d.otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   SampleRate,
			ChannelCount: Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		})
		if err != nil {
			d.otoErr = fmt.Errorf("failed to init speaker: %w", err)
			return
		}
		<-ready
		d.oto = ctx
	})
	return d.oto, d.otoErr
}

// Play starts r on the speaker at the given volume (0 to 1).
func (d *Devices) Play(r io.Reader, volume float64) (Player, error) {
	ctx, err := d.speaker()
	if err != nil {
		return nil, err
	}

	p := ctx.NewPlayer(r)
	p.SetVolume(volume)
	p.Play()
	return &stream{player: p}, nil
}

func (d *Devices) Close() {
	d.mu.Lock()
	taps := make([]*tap, 0, len(d.taps))
	for t := range d.taps {
		taps = append(taps, t)
	}
	d.mu.Unlock()

	for _, t := range taps {
		t.Close()
	}

	d.mu.Lock()
	if d.malgo != nil {
		d.malgo.Uninit()
		d.malgo.Free()
		d.malgo = nil
	}
	d.mu.Unlock()
}

type tap struct {
	devices *Devices
	limit   int

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func (t *tap) push(input []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.buf = append(t.buf, input...)
	if over := len(t.buf) - t.limit; over > 0 {
		over += over & 1
		t.buf = t.buf[over:]
	}
	t.cond.Signal()
}

func (t *tap) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.buf) == 0 && !t.closed {
		t.cond.Wait()
	}
	if len(t.buf) == 0 {
		return 0, io.EOF
	}

	n := copy(p, t.buf)
	t.buf = t.buf[n:]
	return n, nil
}

func (t *tap) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.buf = nil
	t.cond.Broadcast()
	t.mu.Unlock()

	t.devices.release(t)
	return nil
}

type stream struct {
	player *oto.Player

	mu     sync.Mutex
	paused bool
	closed bool
}

func (s *stream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.paused = true
	s.player.Pause()
}

func (s *stream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.paused = false
	s.player.Play()
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.player.Pause()
	return s.player.Close()
}

// Wait blocks until the source is drained, the stream is closed, or ctx
// is done.
func (s *stream) Wait(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		done := s.closed || (!s.paused && !s.player.IsPlaying())
		s.mu.Unlock()
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
