// Package room manages the real-time call: joining the backend's room,
// publishing the microphone, and relaying the agent's audio.
package room

import (
	"context"
	"errors"

	"github.com/pion/rtp"
)

var (
	ErrTokenFetch       = errors.New("failed to fetch call token")
	ErrTransportConnect = errors.New("failed to connect to room")
	ErrPublish          = errors.New("failed to publish microphone")
	ErrDisconnected     = errors.New("call disconnected")
	ErrCallActive       = errors.New("a call is already active")
)

// TransportEvents are delivered by a Conn on its own goroutines.
type TransportEvents struct {
	ParticipantJoined func(Participant)
	Disconnected      func(reason string)
}

type Transport interface {
	Connect(ctx context.Context, url, token string, events TransportEvents) (Conn, error)
}

type Conn interface {
	PublishMicrophone(ctx context.Context) (LocalTrack, error)
	Disconnect()
}

type LocalTrack interface {
	Release() error
}

type Participant interface {
	Identity() string
	// AudioTracks lists the audio tracks already subscribed.
	AudioTracks() []RemoteTrack
	// OnAudioTrack is called for each audio track subscribed later.
	OnAudioTrack(fn func(RemoteTrack))
}

type RemoteTrack interface {
	SID() string
	ReadRTP() (*rtp.Packet, error)
}

// TokenSource mints transport tokens.
type TokenSource interface {
	Token(ctx context.Context, room, identity string) (string, error)
}
