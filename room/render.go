package room

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"node.town/ragvoice/audio"
)

// OpusRenderer decodes a remote Opus track and plays it on the speaker.
type OpusRenderer struct {
	speaker audio.Speaker
	volume  float64
	log     *log.Logger
}

func NewOpusRenderer(speaker audio.Speaker, logger *log.Logger) *OpusRenderer {
	return &OpusRenderer{speaker: speaker, volume: 1, log: logger}
}

func (r *OpusRenderer) Render(ctx context.Context, track RemoteTrack) error {
	dec, err := audio.NewOpusDecoder()
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	player, err := r.speaker.Play(pr, r.volume)
	if err != nil {
		return fmt.Errorf("failed to open speaker: %w", err)
	}

	var closeOnce sync.Once
	shut := func(err error) {
		closeOnce.Do(func() {
			pw.CloseWithError(err)
			player.Close()
		})
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			shut(ctx.Err())
		case <-done:
		}
	}()

	packets, bad := 0, 0
	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			shut(nil)
			r.log.Debug("render", "sid", track.SID(), "packets", packets, "bad", bad)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		pcm, err := dec.Decode(pkt.Payload)
		if err != nil {
			bad++
			continue
		}
		packets++

		if _, err := pw.Write(pcm); err != nil {
			shut(nil)
			return ctx.Err()
		}
	}
}
