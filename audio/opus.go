package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// OpusEncoder turns a PCM stream into 20ms Opus frames.
type OpusEncoder struct {
	enc     *opus.Encoder
	pending []int16
	buf     []byte
}

func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create Opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, buf: make([]byte, 4000)}, nil
}

// Write buffers pcm and returns every complete frame it could encode.
func (e *OpusEncoder) Write(pcm []byte) ([][]byte, error) {
	e.pending = append(e.pending, Samples(pcm)...)

	var frames [][]byte
	for len(e.pending) >= FrameSamples {
		n, err := e.enc.Encode(e.pending[:FrameSamples], e.buf)
		if err != nil {
			return frames, fmt.Errorf("encode Opus frame: %w", err)
		}
		frames = append(frames, append([]byte(nil), e.buf[:n]...))
		e.pending = append(e.pending[:0], e.pending[FrameSamples:]...)
	}
	return frames, nil
}

// OpusDecoder turns Opus packets back into PCM.
type OpusDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create Opus decoder: %w", err)
	}
	// 120ms is the longest Opus frame.
	return &OpusDecoder{dec: dec, pcm: make([]int16, SampleRate*120/1000*Channels)}, nil
}

func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("decode Opus packet: %w", err)
	}
	return Bytes(d.pcm[:n*Channels]), nil
}
