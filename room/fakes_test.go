package room

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"
)

type fakeTokens struct {
	token string
	err   error
	calls int
}

func (f *fakeTokens) Token(ctx context.Context, room, identity string) (string, error) {
	f.calls++
	return f.token, f.err
}

type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	publishErr error
	conns      []*fakeConn
	events     TransportEvents
	onConnect  func(events TransportEvents)
}

func (f *fakeTransport) Connect(ctx context.Context, url, token string, events TransportEvents) (Conn, error) {
	f.mu.Lock()
	f.events = events
	hook := f.onConnect
	f.mu.Unlock()

	if hook != nil {
		hook(events)
	}
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	c := &fakeConn{publishErr: f.publishErr}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeTransport) lastConn() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakeConn struct {
	mu           sync.Mutex
	publishErr   error
	disconnected int
	track        *fakeLocalTrack
}

func (c *fakeConn) PublishMicrophone(ctx context.Context) (LocalTrack, error) {
	if c.publishErr != nil {
		return nil, c.publishErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.track = &fakeLocalTrack{}
	return c.track, nil
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected++
}

type fakeLocalTrack struct {
	mu       sync.Mutex
	released int
}

func (t *fakeLocalTrack) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released++
	return nil
}

type fakeParticipant struct {
	id       string
	mu       sync.Mutex
	tracks   []RemoteTrack
	handlers []func(RemoteTrack)
}

func (p *fakeParticipant) Identity() string { return p.id }

func (p *fakeParticipant) AudioTracks() []RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RemoteTrack(nil), p.tracks...)
}

func (p *fakeParticipant) OnAudioTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, fn)
}

func (p *fakeParticipant) subscribe(t RemoteTrack) {
	p.mu.Lock()
	p.tracks = append(p.tracks, t)
	handlers := append([]func(RemoteTrack){}, p.handlers...)
	p.mu.Unlock()
	for _, fn := range handlers {
		fn(t)
	}
}

// fakeTrack yields queued packets, then blocks until ended.
type fakeTrack struct {
	sid     string
	packets chan *rtp.Packet
	once    sync.Once
	ended   chan struct{}
}

func newFakeTrack(sid string) *fakeTrack {
	return &fakeTrack{sid: sid, packets: make(chan *rtp.Packet, 16), ended: make(chan struct{})}
}

func (t *fakeTrack) SID() string { return t.sid }

func (t *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	select {
	case p := <-t.packets:
		return p, nil
	case <-t.ended:
		return nil, io.EOF
	}
}

func (t *fakeTrack) end() { t.once.Do(func() { close(t.ended) }) }

// blockingRenderer renders until the track ends or ctx is done.
type blockingRenderer struct {
	mu       sync.Mutex
	rendered []string
}

func (r *blockingRenderer) Render(ctx context.Context, track RemoteTrack) error {
	r.mu.Lock()
	r.rendered = append(r.rendered, track.SID())
	r.mu.Unlock()

	ft, ok := track.(*fakeTrack)
	if !ok {
		return errors.New("unexpected track type")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ft.ended:
		return io.EOF
	}
}

func (r *blockingRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rendered)
}
