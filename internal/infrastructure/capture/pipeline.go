package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"
	"rtmsrelay/pkg/optimize"

	"go.uber.org/zap"
)

const (
	audioSubscriberBuffer = 16

	dropPaused   = "paused"
	dropInFlight = "in_flight"
	dropNoFrame  = "no_frame"
	dropEncode   = "encode_failure"
)

// mediaSource is the shared device handle as seen by one pipeline.
type mediaSource interface {
	SnapshotVideo(dst *image.RGBA) bool
	SubscribeAudio(buffer int) (<-chan AudioChunk, func())
}

// Pipeline samples video on a fixed ticker and forwards audio chunks as
// they arrive. Video uses a single in-flight slot: a tick that finds the
// previous encode+send unfinished is dropped.
type Pipeline struct {
	identity domain.SessionIdentity
	source   mediaSource
	opts     Options
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
	buffers  *optimize.BufferPool
	now      func() time.Time

	streaming atomic.Bool
	inFlight  atomic.Bool

	raster    *image.RGBA
	resampler *Resampler

	mu          sync.Mutex
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

var _ ports.CapturePipeline = (*Pipeline)(nil)

func NewPipeline(
	identity domain.SessionIdentity,
	source mediaSource,
	opts Options,
	buffers *optimize.BufferPool,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *Pipeline {
	p := &Pipeline{
		identity:  identity,
		source:    source,
		opts:      opts,
		metrics:   metrics,
		logger:    logger.With("meeting_uuid", identity.MeetingUUID, "rtms_stream_id", identity.StreamID),
		buffers:   buffers,
		now:       time.Now,
		raster:    image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height)),
		resampler: NewResampler(domain.AudioSampleRate),
	}
	p.streaming.Store(true)
	return p
}

// Start begins producing frames into sink. The pipeline runs until Stop
// or until ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context, sink ports.FrameSink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return fmt.Errorf("capture pipeline already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	audio, unsubscribe := p.source.SubscribeAudio(audioSubscriberBuffer)
	p.cancel = cancel
	p.unsubscribe = unsubscribe

	p.wg.Add(2)
	go p.videoLoop(ctx, sink)
	go p.audioLoop(ctx, sink, audio)

	p.logger.Infow("capture pipeline started",
		"fps", p.opts.FPS,
		"width", p.opts.Width,
		"height", p.opts.Height,
	)
	return nil
}

// Stop cancels the ticker and the audio subscription and waits for any
// in-flight send. It is idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel, unsubscribe := p.cancel, p.unsubscribe
	p.cancel, p.unsubscribe = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	unsubscribe()
	p.wg.Wait()
	p.logger.Infow("capture pipeline stopped")
}

func (p *Pipeline) SetStreamingEnabled(enabled bool) {
	if p.streaming.Swap(enabled) != enabled {
		p.logger.Infow("streaming toggled", "enabled", enabled)
	}
}

func (p *Pipeline) StreamingEnabled() bool {
	return p.streaming.Load()
}

func (p *Pipeline) videoLoop(ctx context.Context, sink ports.FrameSink) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.FrameInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.videoTick(ctx, sink)
		}
	}
}

// videoTick captures and encodes one frame and hands it to a sender
// goroutine. It never blocks on the network.
func (p *Pipeline) videoTick(ctx context.Context, sink ports.FrameSink) {
	if !p.streaming.Load() {
		p.metrics.RecordFrameDropped(domain.FrameVideo, dropPaused)
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.metrics.RecordFrameDropped(domain.FrameVideo, dropInFlight)
		return
	}

	capturedAt := p.now()
	if !p.source.SnapshotVideo(p.raster) {
		p.inFlight.Store(false)
		p.metrics.RecordFrameDropped(domain.FrameVideo, dropNoFrame)
		return
	}

	start := time.Now()
	data, err := p.encodeJPEG(p.raster)
	p.metrics.ObserveEncode(domain.FrameVideo, time.Since(start))
	if err != nil {
		p.inFlight.Store(false)
		p.metrics.RecordFrameDropped(domain.FrameVideo, dropEncode)
		p.logger.Warnw("video frame skipped", "error", err)
		return
	}

	frame := &domain.MediaFrame{
		Type:       domain.FrameVideo,
		Data:       data,
		Metadata:   domain.VideoMetadata(p.opts.Width, p.opts.Height),
		CapturedAt: capturedAt,
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Store(false)
		if err := sink.SendFrame(ctx, frame); err != nil && ctx.Err() == nil {
			p.logger.Debugw("video frame not sent", "error", err)
		}
	}()
}

func (p *Pipeline) encodeJPEG(img image.Image) (string, error) {
	buf := p.buffers.Get()
	defer p.buffers.Put(buf)

	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: p.opts.JPEGQuality}); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEncodeFailure, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (p *Pipeline) audioLoop(ctx context.Context, sink ports.FrameSink, audio <-chan AudioChunk) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-audio:
			if !ok {
				return
			}
			p.audioChunk(sink, chunk)
		}
	}
}

// audioChunk forwards one chunk immediately. A full send queue drops the
// chunk; the sink counts those drops.
func (p *Pipeline) audioChunk(sink ports.FrameSink, chunk AudioChunk) {
	if !p.streaming.Load() {
		p.metrics.RecordFrameDropped(domain.FrameAudio, dropPaused)
		return
	}

	start := time.Now()
	samples := p.resampler.Process(chunk)
	if len(samples) == 0 {
		return
	}
	data := base64.StdEncoding.EncodeToString(PCM16LE(samples))
	p.metrics.ObserveEncode(domain.FrameAudio, time.Since(start))

	err := sink.EnqueueFrame(&domain.MediaFrame{
		Type:       domain.FrameAudio,
		Data:       data,
		Metadata:   domain.AudioMetadata(),
		CapturedAt: p.now(),
	})
	if err != nil && !errors.Is(err, domain.ErrQueueFull) {
		p.logger.Debugw("audio chunk not sent", "error", err)
	}
}

// PipelineFactory builds one pipeline per session over the shared devices.
type PipelineFactory struct {
	source  mediaSource
	opts    Options
	buffers *optimize.BufferPool
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
}

var _ ports.PipelineFactory = (*PipelineFactory)(nil)

func NewPipelineFactory(devices *DeviceManager, opts Options, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *PipelineFactory {
	return &PipelineFactory{
		source:  devices,
		opts:    opts,
		buffers: optimize.NewBufferPool(256*1024, 4*1024*1024),
		metrics: metrics,
		logger:  logger,
	}
}

func (f *PipelineFactory) NewPipeline(identity domain.SessionIdentity) (ports.CapturePipeline, error) {
	if f.opts.Width <= 0 || f.opts.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid capture size %dx%d", domain.ErrInvalidArgument, f.opts.Width, f.opts.Height)
	}
	return NewPipeline(identity, f.source, f.opts, f.buffers, f.metrics, f.logger), nil
}
