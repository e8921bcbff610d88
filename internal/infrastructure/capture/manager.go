package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"
)

const deviceErrorBackoff = 200 * time.Millisecond

// DeviceManager owns the process-wide camera/microphone pair. Devices are
// opened once by Acquire and kept across session start/stop cycles until
// Release. Pipelines read the latest video frame and subscribe to audio.
type DeviceManager struct {
	open   Opener
	logger *zap.SugaredLogger

	mu      sync.Mutex
	devices *Devices
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	frameMu sync.RWMutex
	latest  image.Image

	subMu   sync.Mutex
	subs    map[int]chan AudioChunk
	nextSub int
}

var _ ports.DeviceManager = (*DeviceManager)(nil)

func NewDeviceManager(open Opener, logger *zap.SugaredLogger) *DeviceManager {
	return &DeviceManager{
		open:   open,
		logger: logger,
		subs:   make(map[int]chan AudioChunk),
	}
}

// Acquire opens the devices if they are not open yet.
func (m *DeviceManager) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.devices != nil {
		return nil
	}

	devices, err := m.open(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	if devices == nil || devices.Video == nil || devices.Audio == nil {
		if devices != nil {
			devices.Close()
		}
		return fmt.Errorf("%w: camera and microphone are both required", domain.ErrDeviceUnavailable)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.devices = devices
	m.cancel = cancel

	m.wg.Add(2)
	go m.videoLoop(loopCtx, devices.Video)
	go m.audioLoop(loopCtx, devices.Audio)

	m.logger.Infow("capture devices acquired")
	return nil
}

// Release stops the capture loops and closes the devices. Safe to call
// when nothing was acquired.
func (m *DeviceManager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.devices == nil {
		return nil
	}

	m.cancel()
	err := m.devices.Close()
	m.wg.Wait()

	m.devices = nil
	m.cancel = nil

	m.frameMu.Lock()
	m.latest = nil
	m.frameMu.Unlock()

	m.subMu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.subMu.Unlock()

	m.logger.Infow("capture devices released")
	return err
}

// Acquired reports whether the devices are open.
func (m *DeviceManager) Acquired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices != nil
}

func (m *DeviceManager) videoLoop(ctx context.Context, src VideoSource) {
	defer m.wg.Done()
	for {
		img, err := src.NextFrame()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				return
			}
			m.logger.Warnw("video capture error", "error", err)
			if !sleepCtx(ctx, deviceErrorBackoff) {
				return
			}
			continue
		}

		m.frameMu.Lock()
		m.latest = img
		m.frameMu.Unlock()
	}
}

func (m *DeviceManager) audioLoop(ctx context.Context, src AudioSource) {
	defer m.wg.Done()
	for {
		chunk, err := src.NextChunk()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				return
			}
			m.logger.Warnw("audio capture error", "error", err)
			if !sleepCtx(ctx, deviceErrorBackoff) {
				return
			}
			continue
		}
		m.broadcast(chunk)
	}
}

// broadcast never blocks the capture loop: a subscriber that is not
// keeping up misses the chunk.
func (m *DeviceManager) broadcast(chunk AudioChunk) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- chunk:
		default:
		}
	}
}

// SnapshotVideo draws the latest frame into dst, scaling to dst's bounds.
// It returns false when no frame has been captured yet.
func (m *DeviceManager) SnapshotVideo(dst *image.RGBA) bool {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()

	if m.latest == nil {
		return false
	}
	if m.latest.Bounds() == dst.Bounds() {
		draw.Draw(dst, dst.Bounds(), m.latest, m.latest.Bounds().Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), m.latest, m.latest.Bounds(), draw.Src, nil)
	}
	return true
}

// SubscribeAudio registers a listener for audio chunks. The channel is
// closed by cancel or by Release.
func (m *DeviceManager) SubscribeAudio(buffer int) (<-chan AudioChunk, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan AudioChunk, buffer)
	m.subs[id] = ch

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			close(c)
			delete(m.subs, id)
		}
	}
	return ch, cancel
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
