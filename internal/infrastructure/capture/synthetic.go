package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"time"
)

var ErrSourceClosed = errors.New("capture source closed")

const (
	syntheticSampleRate = 48000
	syntheticChannels   = 2
	syntheticToneHz     = 440.0
	syntheticAmplitude  = 0.2 * math.MaxInt16

	// The pattern is rendered small and scaled up by the device manager.
	syntheticWidth  = 320
	syntheticHeight = 180
)

// SyntheticOpener produces a moving test pattern and a 440 Hz tone, paced
// in real time. It needs no hardware.
func SyntheticOpener(opts Options) Opener {
	return func(ctx context.Context) (*Devices, error) {
		return &Devices{
			Video: newSyntheticVideo(opts.FrameInterval()),
			Audio: newSyntheticAudio(syntheticSampleRate, syntheticChannels),
		}, nil
	}
}

// pacer blocks callers to a fixed cadence until closed.
type pacer struct {
	ticker    *time.Ticker
	closed    chan struct{}
	closeOnce sync.Once
}

func newPacer(interval time.Duration) *pacer {
	return &pacer{
		ticker: time.NewTicker(interval),
		closed: make(chan struct{}),
	}
}

func (p *pacer) wait() error {
	select {
	case <-p.closed:
		return ErrSourceClosed
	case <-p.ticker.C:
		return nil
	}
}

func (p *pacer) Close() error {
	p.closeOnce.Do(func() {
		p.ticker.Stop()
		close(p.closed)
	})
	return nil
}

type syntheticVideo struct {
	*pacer
	frame int
}

func newSyntheticVideo(interval time.Duration) *syntheticVideo {
	return &syntheticVideo{pacer: newPacer(interval)}
}

func (v *syntheticVideo) NextFrame() (image.Image, error) {
	if err := v.wait(); err != nil {
		return nil, err
	}
	v.frame++
	return testPattern(v.frame, syntheticWidth, syntheticHeight), nil
}

// testPattern draws colour bars with a white column that moves one step
// per frame.
func testPattern(frame, width, height int) *image.RGBA {
	bars := []color.RGBA{
		{192, 192, 192, 255},
		{192, 192, 0, 255},
		{0, 192, 192, 255},
		{0, 192, 0, 255},
		{192, 0, 192, 255},
		{192, 0, 0, 255},
		{0, 0, 192, 255},
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	barWidth := width / len(bars)
	if barWidth == 0 {
		barWidth = 1
	}
	marker := (frame * 4) % width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := bars[min(x/barWidth, len(bars)-1)]
			if x >= marker && x < marker+4 {
				c = color.RGBA{255, 255, 255, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

type syntheticAudio struct {
	*pacer
	sampleRate int
	channels   int
	phase      float64
}

func newSyntheticAudio(sampleRate, channels int) *syntheticAudio {
	return &syntheticAudio{
		pacer:      newPacer(chunkDuration),
		sampleRate: sampleRate,
		channels:   channels,
	}
}

func (a *syntheticAudio) NextChunk() (AudioChunk, error) {
	if err := a.wait(); err != nil {
		return AudioChunk{}, err
	}
	return a.generate(), nil
}

func (a *syntheticAudio) generate() AudioChunk {
	frames := a.sampleRate * int(chunkDuration/time.Millisecond) / 1000
	samples := make([]int16, frames*a.channels)
	step := 2 * math.Pi * syntheticToneHz / float64(a.sampleRate)
	for i := 0; i < frames; i++ {
		v := int16(syntheticAmplitude * math.Sin(a.phase))
		for ch := 0; ch < a.channels; ch++ {
			samples[i*a.channels+ch] = v
		}
		a.phase += step
		if a.phase > 2*math.Pi {
			a.phase -= 2 * math.Pi
		}
	}
	return AudioChunk{Samples: samples, Channels: a.channels, SampleRate: a.sampleRate}
}
