package capture

import (
	"context"
	"fmt"
	"image"
	"time"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/pkg/config"
)

// VideoSource yields decoded frames. NextFrame blocks until a frame is
// available and fails once the source is closed.
type VideoSource interface {
	NextFrame() (image.Image, error)
	Close() error
}

// AudioSource yields interleaved 16-bit PCM chunks of roughly 20ms.
type AudioSource interface {
	NextChunk() (AudioChunk, error)
	Close() error
}

// AudioChunk is one block of interleaved signed 16-bit samples.
type AudioChunk struct {
	Samples    []int16
	Channels   int
	SampleRate int
}

// Frames is the number of sample frames (samples per channel) in the chunk.
func (c AudioChunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Devices is an opened camera/microphone pair.
type Devices struct {
	Video VideoSource
	Audio AudioSource
}

// Close closes both sources.
func (d *Devices) Close() error {
	var firstErr error
	if d.Video != nil {
		if err := d.Video.Close(); err != nil {
			firstErr = err
		}
	}
	if d.Audio != nil {
		if err := d.Audio.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Opener acquires devices. It is called at most once per Acquire cycle.
type Opener func(ctx context.Context) (*Devices, error)

// Options configures the pipeline and the built-in devices.
type Options struct {
	Device      string
	FPS         int
	JPEGQuality int
	Width       int
	Height      int
	AudioFile   string
	ImageFile   string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Device:      cfg.Capture.Device,
		FPS:         cfg.Capture.FPS,
		JPEGQuality: cfg.Capture.JPEGQuality,
		Width:       cfg.Capture.Width,
		Height:      cfg.Capture.Height,
		AudioFile:   cfg.Capture.AudioFile,
		ImageFile:   cfg.Capture.ImageFile,
	}
}

// FrameInterval is the video tick period.
func (o Options) FrameInterval() time.Duration {
	if o.FPS <= 0 {
		return time.Second / 15
	}
	return time.Second / time.Duration(o.FPS)
}

// chunkDuration is the cadence of the built-in audio sources.
const chunkDuration = 20 * time.Millisecond

// NewOpener returns the opener for the built-in synthetic and file devices.
// Hardware capture lives in the devices subpackage.
func NewOpener(opts Options) (Opener, error) {
	switch opts.Device {
	case "", "synthetic":
		return SyntheticOpener(opts), nil
	case "file":
		return FileOpener(opts), nil
	default:
		return nil, fmt.Errorf("%w: unknown capture device %q", domain.ErrDeviceUnavailable, opts.Device)
	}
}
