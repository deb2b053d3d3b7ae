package room

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"node.town/ragvoice/event"
)

// Renderer plays a remote track until it ends or ctx is done.
type Renderer interface {
	Render(ctx context.Context, track RemoteTrack) error
}

// Relay plays every remote audio track of the call and reports whether
// any of them is active.
type Relay struct {
	renderer Renderer
	log      *log.Logger

	mu     sync.Mutex
	epoch  int
	ctx    context.Context
	cancel context.CancelFunc
	seen   map[string]bool
	active int

	// emitMu orders speaking emissions; announced is the last value sent.
	emitMu    sync.Mutex
	announced bool
	speaking  event.Emitter[bool]
}

func NewRelay(renderer Renderer, logger *log.Logger) *Relay {
	return &Relay{
		renderer: renderer,
		log:      logger,
		seen:     make(map[string]bool),
	}
}

// OnSpeaking reports true when the first track starts and false when the
// last one ends.
func (r *Relay) OnSpeaking(fn func(bool)) func() {
	return r.speaking.Subscribe(fn)
}

func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Attach plays the participant's current and future audio tracks.
func (r *Relay) Attach(p Participant) {
	who := p.Identity()
	p.OnAudioTrack(func(t RemoteTrack) { r.play(who, t) })
	for _, t := range p.AudioTracks() {
		r.play(who, t)
	}
}

func (r *Relay) play(who string, t RemoteTrack) {
	sid := t.SID()

	r.mu.Lock()
	if r.seen[sid] {
		r.mu.Unlock()
		return
	}
	r.seen[sid] = true
	if r.ctx == nil {
		r.ctx, r.cancel = context.WithCancel(context.Background())
	}
	ctx, epoch := r.ctx, r.epoch
	r.active++
	r.mu.Unlock()

	r.log.Info("track", "participant", who, "sid", sid)
	r.announce()

	go func() {
		err := r.renderer.Render(ctx, t)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			r.log.Warn("track", "sid", sid, "error", err)
		}

		r.mu.Lock()
		if epoch != r.epoch {
			r.mu.Unlock()
			return
		}
		r.active--
		r.mu.Unlock()

		r.log.Debug("track ended", "sid", sid)
		r.announce()
	}()
}

// announce emits whether any track is active, if that changed since the
// last emission.
func (r *Relay) announce() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	on := r.active > 0
	changed := on != r.announced
	r.announced = on
	r.mu.Unlock()

	if changed {
		r.speaking.Emit(on)
	}
}

// Stop cancels every render. The relay can be reused for the next call.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.ctx, r.cancel = nil, nil
	r.epoch++
	r.active = 0
	r.seen = make(map[string]bool)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.announce()
}
