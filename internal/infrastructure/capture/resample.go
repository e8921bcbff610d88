package capture

import (
	"encoding/binary"
	"math"
)

// Resampler converts device audio to mono 16-bit PCM at a fixed target
// rate using linear interpolation. It carries state between chunks so
// consecutive chunks join without clicks; use one per stream.
type Resampler struct {
	target int
	source int
	buf    []int16
	pos    float64
	step   float64
}

func NewResampler(targetRate int) *Resampler {
	return &Resampler{target: targetRate}
}

// Process downmixes chunk and resamples it to the target rate. The result
// may be one sample shorter or longer than an exact ratio; the remainder
// is carried into the next call.
func (r *Resampler) Process(chunk AudioChunk) []int16 {
	mono := downmix(chunk)
	if len(mono) == 0 {
		return nil
	}

	if chunk.SampleRate != r.source {
		r.source = chunk.SampleRate
		r.step = float64(r.source) / float64(r.target)
		r.buf = r.buf[:0]
		r.pos = 0
	}
	if r.source == r.target {
		return mono
	}
	return r.push(mono)
}

func (r *Resampler) push(in []int16) []int16 {
	r.buf = append(r.buf, in...)
	if len(r.buf) < 2 {
		return nil
	}

	out := make([]int16, 0, int(float64(len(r.buf))/r.step)+1)
	for {
		i := int(r.pos)
		if i+1 >= len(r.buf) {
			break
		}
		frac := r.pos - float64(i)
		s0 := float64(r.buf[i])
		s1 := float64(r.buf[i+1])
		out = append(out, clamp16(s0+(s1-s0)*frac))
		r.pos += r.step
	}

	// keep unconsumed samples
	drop := int(r.pos)
	if drop >= len(r.buf) {
		drop = len(r.buf) - 1
	}
	r.buf = append(r.buf[:0], r.buf[drop:]...)
	r.pos -= float64(drop)
	return out
}

func downmix(chunk AudioChunk) []int16 {
	if chunk.Channels <= 1 {
		return chunk.Samples
	}
	frames := chunk.Frames()
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var acc int32
		for ch := 0; ch < chunk.Channels; ch++ {
			acc += int32(chunk.Samples[i*chunk.Channels+ch])
		}
		mono[i] = int16(acc / int32(chunk.Channels))
	}
	return mono
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// PCM16LE serializes samples as little-endian signed 16-bit.
func PCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
