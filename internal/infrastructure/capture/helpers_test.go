package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"rtmsrelay/internal/core/domain"
)

type dropKey struct {
	frameType domain.FrameType
	reason    string
}

type countingMetrics struct {
	mu      sync.Mutex
	drops   map[dropKey]int
	encodes map[domain.FrameType]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		drops:   make(map[dropKey]int),
		encodes: make(map[domain.FrameType]int),
	}
}

func (m *countingMetrics) SessionStarted() {}
func (m *countingMetrics) SessionEnded() {}
func (m *countingMetrics) RecordHandshake(domain.ConnectionKind, bool) {}
func (m *countingMetrics) RecordKeepAlive(domain.ConnectionKind) {}
func (m *countingMetrics) RecordMalformed(domain.ConnectionKind) {}
func (m *countingMetrics) RecordFrameSent(domain.FrameType, int) {}
func (m *countingMetrics) RecordWebhook(string, int) {}

func (m *countingMetrics) RecordFrameDropped(t domain.FrameType, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[dropKey{t, reason}]++
}

func (m *countingMetrics) ObserveEncode(t domain.FrameType, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encodes[t]++
}

func (m *countingMetrics) dropped(t domain.FrameType, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops[dropKey{t, reason}]
}

// fakeSource stands in for the DeviceManager.
type fakeSource struct {
	mu       sync.Mutex
	hasFrame bool
	audio    chan AudioChunk
	unsubbed bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{hasFrame: true, audio: make(chan AudioChunk, 4)}
}

func (s *fakeSource) SnapshotVideo(dst *image.RGBA) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasFrame {
		return false
	}
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.RGBA{10, 200, 30, 255}}, image.Point{}, draw.Src)
	return true
}

func (s *fakeSource) SubscribeAudio(int) (<-chan AudioChunk, func()) {
	return s.audio, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.unsubbed = true
	}
}

// gatedSink blocks SendFrame until released.
type gatedSink struct {
	mu       sync.Mutex
	sent     []*domain.MediaFrame
	enqueued []*domain.MediaFrame
	gate     chan struct{}
	enqErr   error
}

func newGatedSink(blocking bool) *gatedSink {
	s := &gatedSink{gate: make(chan struct{})}
	if !blocking {
		close(s.gate)
	}
	return s
}

func (s *gatedSink) SendFrame(ctx context.Context, f *domain.MediaFrame) error {
	s.mu.Lock()
	s.sent = append(s.sent, f)
	s.mu.Unlock()
	select {
	case <-s.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *gatedSink) EnqueueFrame(f *domain.MediaFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqErr != nil {
		return s.enqErr
	}
	s.enqueued = append(s.enqueued, f)
	return nil
}

func (s *gatedSink) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *gatedSink) enqueuedFrames() []*domain.MediaFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.MediaFrame(nil), s.enqueued...)
}

// scriptedVideo returns frames from a channel and ErrSourceClosed once closed.
type scriptedVideo struct {
	frames chan image.Image
	closed chan struct{}
	once   sync.Once
}

func newScriptedVideo() *scriptedVideo {
	return &scriptedVideo{frames: make(chan image.Image, 4), closed: make(chan struct{})}
}

func (v *scriptedVideo) NextFrame() (image.Image, error) {
	select {
	case img := <-v.frames:
		return img, nil
	case <-v.closed:
		return nil, ErrSourceClosed
	}
}

func (v *scriptedVideo) Close() error {
	v.once.Do(func() { close(v.closed) })
	return nil
}

type scriptedAudio struct {
	chunks chan AudioChunk
	closed chan struct{}
	once   sync.Once
}

func newScriptedAudio() *scriptedAudio {
	return &scriptedAudio{chunks: make(chan AudioChunk, 4), closed: make(chan struct{})}
}

func (a *scriptedAudio) NextChunk() (AudioChunk, error) {
	select {
	case c := <-a.chunks:
		return c, nil
	case <-a.closed:
		return AudioChunk{}, ErrSourceClosed
	}
}

func (a *scriptedAudio) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

func testOptions() Options {
	return Options{Device: "synthetic", FPS: 15, JPEGQuality: 85, Width: 64, Height: 36}
}

func monoChunk(rate int, n int, value int16) AudioChunk {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return AudioChunk{Samples: samples, Channels: 1, SampleRate: rate}
}

var errBoom = fmt.Errorf("boom")
