package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"
	"time"

	mp3 "github.com/hajimehoshi/go-mp3"

	"rtmsrelay/internal/core/domain"
)

// FileOpener plays an MP3 file in a loop as the microphone and, when
// ImageFile is set, shows a still image as the camera. Without an image
// the synthetic test pattern is used.
func FileOpener(opts Options) Opener {
	return func(ctx context.Context) (*Devices, error) {
		audio, err := openMP3Source(opts.AudioFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
		}

		var video VideoSource
		if opts.ImageFile != "" {
			video, err = openImageSource(opts.ImageFile, opts.FrameInterval())
			if err != nil {
				audio.Close()
				return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
			}
		} else {
			video = newSyntheticVideo(opts.FrameInterval())
		}
		return &Devices{Video: video, Audio: audio}, nil
	}
}

// mp3Source decodes in real time. go-mp3 always produces 16-bit
// little-endian stereo.
type mp3Source struct {
	*pacer
	mu      sync.Mutex
	file    *os.File
	decoder *mp3.Decoder
	buf     []byte
}

func openMP3Source(path string) (*mp3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("MP3 decode error: %w", err)
	}
	if dec.SampleRate() <= 0 {
		f.Close()
		return nil, fmt.Errorf("invalid MP3 sample rate")
	}

	frames := dec.SampleRate() * int(chunkDuration/time.Millisecond) / 1000
	return &mp3Source{
		pacer:   newPacer(chunkDuration),
		file:    f,
		decoder: dec,
		buf:     make([]byte, frames*2*2),
	}, nil
}

func (s *mp3Source) NextChunk() (AudioChunk, error) {
	if err := s.wait(); err != nil {
		return AudioChunk{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := io.ReadFull(s.decoder, s.buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		// loop
		if _, serr := s.decoder.Seek(0, io.SeekStart); serr != nil {
			return AudioChunk{}, fmt.Errorf("rewind audio file: %w", serr)
		}
		err = nil
	}
	if err != nil {
		return AudioChunk{}, fmt.Errorf("MP3 read error: %w", err)
	}

	return AudioChunk{
		Samples:    bytesToInt16(s.buf[:n-n%2]),
		Channels:   2,
		SampleRate: s.decoder.SampleRate(),
	}, nil
}

func (s *mp3Source) Close() error {
	s.pacer.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// imageSource repeats one decoded still.
type imageSource struct {
	*pacer
	img image.Image
}

func openImageSource(path string, interval time.Duration) (*imageSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}
	return &imageSource{pacer: newPacer(interval), img: img}, nil
}

func (s *imageSource) NextFrame() (image.Image, error) {
	if err := s.wait(); err != nil {
		return nil, err
	}
	return s.img, nil
}
