package audio

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	SampleRate   = 48000
	Channels     = 1
	FrameSamples = 960 // 20ms at 48kHz
	FrameBytes   = FrameSamples * 2
)

// Samples decodes little-endian signed 16-bit PCM. A trailing odd byte
// is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// Bytes encodes samples as little-endian signed 16-bit PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// Resampler converts a mono s16le stream between sample rates by linear
// interpolation. A speed above 1 plays faster.
type Resampler struct {
	src  io.Reader
	step float64
	pos  float64
	buf  []int16
	odd  []byte
	err  error
}

func NewResampler(src io.Reader, inRate, outRate int, speed float64) *Resampler {
	if speed <= 0 {
		speed = 1
	}
	return &Resampler{
		src:  src,
		step: float64(inRate) / float64(outRate) * speed,
	}
}

func (r *Resampler) Read(p []byte) (int, error) {
	n := 0
	for n+2 <= len(p) {
		i := int(r.pos)
		if i+1 >= len(r.buf) {
			if r.err != nil {
				if n > 0 {
					return n, nil
				}
				return 0, r.err
			}
			r.fill()
			continue
		}

		frac := r.pos - float64(i)
		a, b := float64(r.buf[i]), float64(r.buf[i+1])
		binary.LittleEndian.PutUint16(p[n:], uint16(int16(a+(b-a)*frac)))
		n += 2
		r.pos += r.step
	}
	return n, nil
}

func (r *Resampler) fill() {
	if drop := int(r.pos); drop > 0 {
		if drop > len(r.buf) {
			drop = len(r.buf)
		}
		r.buf = append(r.buf[:0], r.buf[drop:]...)
		r.pos -= float64(drop)
	}

	chunk := make([]byte, 4096)
	k, err := r.src.Read(chunk)
	data := append(r.odd, chunk[:k]...)
	even := len(data) &^ 1
	r.buf = append(r.buf, Samples(data[:even])...)
	r.odd = append([]byte(nil), data[even:]...)

	if err != nil {
		if errors.Is(err, io.EOF) {
			r.err = io.EOF
		} else {
			r.err = err
		}
	}
}
