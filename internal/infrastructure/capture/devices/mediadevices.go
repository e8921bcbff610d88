// Package devices captures from the local camera and microphone.
package devices

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/infrastructure/capture"
)

// Device sample rate requested from the microphone; the pipeline
// resamples to 16 kHz.
const microphoneSampleRate = 48000

// Opener returns a capture.Opener that requests the default camera and
// microphone through mediadevices.
func Opener(opts capture.Options) capture.Opener {
	return func(ctx context.Context) (*capture.Devices, error) {
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				c.Width = prop.Int(opts.Width)
				c.Height = prop.Int(opts.Height)
				c.FrameRate = prop.Float(float32(opts.FPS))
			},
			Audio: func(c *mediadevices.MediaTrackConstraints) {
				c.SampleRate = prop.Int(microphoneSampleRate)
				c.ChannelCount = prop.Int(1)
				c.SampleSize = prop.Int(16)
				c.IsFloat = prop.BoolExact(false)
				c.IsBigEndian = prop.BoolExact(false)
				c.IsInterleaved = prop.BoolExact(true)
				c.Latency = prop.Duration(20 * time.Millisecond)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get user media: %v", domain.ErrDeviceUnavailable, err)
		}

		videoTrack, audioTrack, err := tracksOf(stream)
		if err != nil {
			for _, t := range stream.GetTracks() {
				t.Close()
			}
			return nil, err
		}

		return &capture.Devices{
			Video: &cameraSource{track: videoTrack, reader: videoTrack.NewReader(true)},
			Audio: &microphoneSource{track: audioTrack, reader: audioTrack.NewReader(true)},
		}, nil
	}
}

func tracksOf(stream mediadevices.MediaStream) (*mediadevices.VideoTrack, *mediadevices.AudioTrack, error) {
	vts := stream.GetVideoTracks()
	ats := stream.GetAudioTracks()
	if len(vts) == 0 {
		return nil, nil, fmt.Errorf("%w: no camera track", domain.ErrDeviceUnavailable)
	}
	if len(ats) == 0 {
		return nil, nil, fmt.Errorf("%w: no microphone track", domain.ErrDeviceUnavailable)
	}
	vt, ok := vts[0].(*mediadevices.VideoTrack)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unexpected video track type %T", domain.ErrDeviceUnavailable, vts[0])
	}
	at, ok := ats[0].(*mediadevices.AudioTrack)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unexpected audio track type %T", domain.ErrDeviceUnavailable, ats[0])
	}
	return vt, at, nil
}

type cameraSource struct {
	track  *mediadevices.VideoTrack
	reader video.Reader
	closed atomic.Bool
}

func (s *cameraSource) NextFrame() (image.Image, error) {
	img, release, err := s.reader.Read()
	if err != nil {
		return nil, closedOr(&s.closed, err)
	}
	release()
	return img, nil
}

func (s *cameraSource) Close() error {
	s.closed.Store(true)
	return s.track.Close()
}

type microphoneSource struct {
	track  *mediadevices.AudioTrack
	reader audio.Reader
	closed atomic.Bool
}

func (s *microphoneSource) NextChunk() (capture.AudioChunk, error) {
	chunk, release, err := s.reader.Read()
	if err != nil {
		return capture.AudioChunk{}, closedOr(&s.closed, err)
	}
	defer release()
	return toAudioChunk(chunk)
}

func (s *microphoneSource) Close() error {
	s.closed.Store(true)
	return s.track.Close()
}

func toAudioChunk(chunk wave.Audio) (capture.AudioChunk, error) {
	info := chunk.ChunkInfo()
	out := capture.AudioChunk{
		Samples:    make([]int16, info.Len*info.Channels),
		Channels:   info.Channels,
		SampleRate: info.SamplingRate,
	}

	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		copy(out.Samples, c.Data)
	case *wave.Float32Interleaved:
		for i, v := range c.Data {
			if i >= len(out.Samples) {
				break
			}
			out.Samples[i] = int16(max(-1, min(1, v)) * 32767)
		}
	default:
		return capture.AudioChunk{}, fmt.Errorf("%w: unsupported sample format %T", domain.ErrEncodeFailure, chunk)
	}
	return out, nil
}

func closedOr(closed *atomic.Bool, err error) error {
	if closed.Load() || errors.Is(err, io.EOF) {
		return capture.ErrSourceClosed
	}
	return err
}
