package audio

import (
	"encoding/binary"
	"sync"
)

// Pipeline converts native-rate float samples into target-rate PCM16 and
// accumulates them until flushed. PushFloats runs on the audio callback and
// must stay cheap: nearest-neighbor resampling and a short critical section.
type Pipeline struct {
	nativeRate int
	targetRate int

	mu  sync.Mutex
	buf []int16
}

// NewPipeline creates a pipeline converting nativeRate to targetRate.
func NewPipeline(nativeRate, targetRate int) *Pipeline {
	return &Pipeline{
		nativeRate: nativeRate,
		targetRate: targetRate,
	}
}

// PushFloats resamples, quantizes, and accumulates one callback's samples.
func (p *Pipeline) PushFloats(samples []float32) {
	if len(samples) == 0 {
		return
	}

	out := resampleNearest(samples, p.nativeRate, p.targetRate)

	p.mu.Lock()
	p.buf = append(p.buf, out...)
	p.mu.Unlock()
}

// Flush drains the accumulated samples as little-endian PCM16 bytes. It
// returns nil when nothing accumulated, so a timer flush with no audio is a
// no-op rather than an empty send.
func (p *Pipeline) Flush() []byte {
	p.mu.Lock()
	samples := p.buf
	p.buf = nil
	p.mu.Unlock()

	if len(samples) == 0 {
		return nil
	}

	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// Pending reports the number of buffered samples.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// resampleNearest maps each output sample to its nearest input sample.
// Nearest-neighbor is sufficient for speech and costs one multiply per
// sample.
func resampleNearest(in []float32, nativeRate, targetRate int) []int16 {
	if nativeRate == targetRate {
		out := make([]int16, len(in))
		for i, s := range in {
			out[i] = quantize(s)
		}
		return out
	}

	outLen := len(in) * targetRate / nativeRate
	out := make([]int16, outLen)
	for i := range out {
		src := i * nativeRate / targetRate
		if src >= len(in) {
			src = len(in) - 1
		}
		out[i] = quantize(in[src])
	}
	return out
}

// quantize clamps to [-1, 1] and scales to the signed 16-bit range.
func quantize(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(s * 32767)
}
