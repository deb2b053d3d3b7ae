package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"node.town/ragvoice/etc"
	"node.town/ragvoice/event"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

type CallSession struct {
	ID        string
	RoomID    string
	Identity  string
	Token     string
	State     State
	StartedAt time.Time
}

// Status reports connection changes. Err is set when a call failed to
// start or dropped on its own.
type Status struct {
	Connected bool
	RoomID    string
	Err       error
}

// Controller owns at most one call at a time.
type Controller struct {
	tokens    TokenSource
	transport Transport
	relay     *Relay
	log       *log.Logger

	// op serialises StartCall and StopCall.
	op sync.Mutex

	mu      sync.Mutex
	state   State
	session *CallSession
	conn    Conn
	track   LocalTrack

	status event.Emitter[Status]
	states event.Emitter[State]
}

func NewController(tokens TokenSource, transport Transport, relay *Relay, logger *log.Logger) *Controller {
	return &Controller{
		tokens:    tokens,
		transport: transport,
		relay:     relay,
		log:       logger,
		state:     StateIdle,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current call, if any.
func (c *Controller) Session() (CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return CallSession{}, false
	}
	return *c.session, true
}

func (c *Controller) OnStatus(fn func(Status)) func() {
	return c.status.Subscribe(fn)
}

func (c *Controller) OnState(fn func(State)) func() {
	return c.states.Subscribe(fn)
}

// StartCall fetches a token, joins the room and publishes the microphone.
// Any failure leaves the controller idle with nothing left open.
func (c *Controller) StartCall(ctx context.Context, url, roomID, identity string) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrCallActive
	}
	sess := &CallSession{
		ID:        etc.NewSessionID(),
		RoomID:    roomID,
		Identity:  identity,
		State:     StateConnecting,
		StartedAt: time.Now(),
	}
	c.session = sess
	c.mu.Unlock()
	c.setState(sess, StateConnecting)

	c.log.Info("connecting", "room", roomID, "identity", identity)

	token, err := c.tokens.Token(ctx, roomID, identity)
	if err != nil {
		return c.fail(sess, fmt.Errorf("%w: %w", ErrTokenFetch, err))
	}
	c.mu.Lock()
	sess.Token = token
	c.mu.Unlock()

	conn, err := c.transport.Connect(ctx, url, token, TransportEvents{
		ParticipantJoined: func(p Participant) {
			if !c.current(sess) {
				return
			}
			c.log.Info("joined", "participant", p.Identity())
			c.relay.Attach(p)
		},
		Disconnected: func(reason string) {
			c.remoteDisconnect(sess, reason)
		},
	})
	if err != nil {
		return c.fail(sess, fmt.Errorf("%w: %w", ErrTransportConnect, err))
	}
	c.mu.Lock()
	if c.session != sess {
		// Dropped by the far end while connecting.
		c.mu.Unlock()
		c.teardown(conn, nil)
		return fmt.Errorf("%w: during setup", ErrDisconnected)
	}
	c.conn = conn
	c.mu.Unlock()

	track, err := conn.PublishMicrophone(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrPublish, err)
		if !c.current(sess) {
			c.teardown(conn, nil)
			return err
		}
		return c.fail(sess, err)
	}

	c.mu.Lock()
	if c.session != sess {
		// Dropped by the far end while publishing.
		c.mu.Unlock()
		c.teardown(conn, track)
		return fmt.Errorf("%w: during setup", ErrDisconnected)
	}
	c.track = track
	c.mu.Unlock()
	c.setState(sess, StateActive)

	c.log.Info("connected", "room", roomID, "session", sess.ID)
	c.status.Emit(Status{Connected: true, RoomID: roomID})
	return nil
}

// StopCall leaves the room. It is a no-op without a call.
func (c *Controller) StopCall(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	sess, conn, track := c.session, c.conn, c.track
	c.session, c.conn, c.track = nil, nil, nil
	c.mu.Unlock()
	if sess == nil {
		return nil
	}

	c.teardown(conn, track)
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	c.states.Emit(StateIdle)

	c.log.Info("ended", "room", sess.RoomID, "session", sess.ID, "took", time.Since(sess.StartedAt).Round(time.Second))
	c.status.Emit(Status{Connected: false, RoomID: sess.RoomID})
	return nil
}

func (c *Controller) current(sess *CallSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == sess
}

func (c *Controller) setState(sess *CallSession, state State) {
	c.mu.Lock()
	sess.State = state
	c.state = state
	c.mu.Unlock()
	c.states.Emit(state)
}

func (c *Controller) fail(sess *CallSession, err error) error {
	c.setState(sess, StateFailed)

	c.mu.Lock()
	conn, track := c.conn, c.track
	c.session, c.conn, c.track = nil, nil, nil
	c.mu.Unlock()

	c.teardown(conn, track)

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	c.states.Emit(StateIdle)

	c.log.Error("call failed", "room", sess.RoomID, "error", err)
	c.status.Emit(Status{Connected: false, RoomID: sess.RoomID, Err: err})
	return err
}

func (c *Controller) remoteDisconnect(sess *CallSession, reason string) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	// The far end already closed the connection.
	track := c.track
	c.session, c.conn, c.track = nil, nil, nil
	sess.State = StateEnded
	c.state = StateEnded
	c.mu.Unlock()
	c.states.Emit(StateEnded)

	c.relay.Stop()
	if track != nil {
		if err := track.Release(); err != nil {
			c.log.Warn("release", "error", err)
		}
	}

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	c.states.Emit(StateIdle)

	err := fmt.Errorf("%w: %s", ErrDisconnected, reason)
	c.log.Warn("dropped", "room", sess.RoomID, "reason", reason)
	c.status.Emit(Status{Connected: false, RoomID: sess.RoomID, Err: err})
}

func (c *Controller) teardown(conn Conn, track LocalTrack) {
	if track != nil {
		if err := track.Release(); err != nil {
			c.log.Warn("release", "error", err)
		}
	}
	if conn != nil {
		conn.Disconnect()
	}
	c.relay.Stop()
}
