package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"
)

// eventLog records teardown steps across fakes in call order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeClient struct {
	name     string
	log      *eventLog
	launch   ports.MediaLauncher
	mediaURL string
	// runErr, when set, makes Run return right after activation.
	runErr error

	mu        sync.Mutex
	state     domain.SessionState
	closeReq  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newFakeClient(name string, log *eventLog) *fakeClient {
	return &fakeClient{
		name:     name,
		log:      log,
		state:    domain.StateInit,
		closeReq: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *fakeClient) setState(s domain.SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *fakeClient) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeClient) Done() <-chan struct{} { return c.done }

func (c *fakeClient) Close() error {
	c.closeOnce.Do(func() {
		c.log.add("%s.close", c.name)
		close(c.closeReq)
	})
	return nil
}

func (c *fakeClient) Run(ctx context.Context) error {
	defer close(c.done)
	c.setState(domain.StateActive)
	if c.launch != nil && c.mediaURL != "" {
		if err := c.launch(ctx, c.mediaURL); err != nil {
			c.setState(domain.StateTerminated)
			return err
		}
	}
	if c.runErr != nil {
		c.setState(domain.StateTerminated)
		return c.runErr
	}
	select {
	case <-ctx.Done():
	case <-c.closeReq:
	}
	c.setState(domain.StateTerminated)
	return nil
}

type fakeMedia struct {
	*fakeClient

	framesMu sync.Mutex
	frames   []*domain.MediaFrame
}

func (m *fakeMedia) SessionID() string { return "rtms-session-1" }

func (m *fakeMedia) IsOpen() bool { return m.State() == domain.StateActive }

func (m *fakeMedia) SendFrame(ctx context.Context, f *domain.MediaFrame) error {
	if !m.IsOpen() {
		return domain.ErrNotOpen
	}
	m.framesMu.Lock()
	defer m.framesMu.Unlock()
	m.frames = append(m.frames, f)
	if f.Type == domain.FrameSessionState {
		m.log.add("report:%s:%s", f.State, f.StopReason)
	}
	return nil
}

func (m *fakeMedia) EnqueueFrame(f *domain.MediaFrame) error {
	return m.SendFrame(context.Background(), f)
}

func (m *fakeMedia) sent() []*domain.MediaFrame {
	m.framesMu.Lock()
	defer m.framesMu.Unlock()
	return append([]*domain.MediaFrame(nil), m.frames...)
}

type fakeClientFactory struct {
	log         *eventLog
	mediaURL    string
	mediaRunErr error

	mu        sync.Mutex
	signaling []*fakeClient
	media     []*fakeMedia
	mediaSeen chan *fakeMedia
}

func newFakeClientFactory(log *eventLog) *fakeClientFactory {
	return &fakeClientFactory{
		log:       log,
		mediaURL:  "ws://media.example/rtms",
		mediaSeen: make(chan *fakeMedia, 8),
	}
}

func (f *fakeClientFactory) NewSignalingClient(id domain.SessionIdentity, url string, launch ports.MediaLauncher) ports.SessionClient {
	c := newFakeClient("signaling", f.log)
	c.launch = launch
	c.mediaURL = f.mediaURL
	f.mu.Lock()
	f.signaling = append(f.signaling, c)
	f.mu.Unlock()
	return c
}

func (f *fakeClientFactory) NewMediaClient(id domain.SessionIdentity, url string, p ports.CapturePipeline) ports.MediaSession {
	m := &fakeMedia{fakeClient: newFakeClient("media", f.log)}
	m.runErr = f.mediaRunErr
	f.mu.Lock()
	f.media = append(f.media, m)
	f.mu.Unlock()
	f.mediaSeen <- m
	return m
}

func (f *fakeClientFactory) signalingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signaling)
}

type fakePipeline struct {
	log     *eventLog
	mu      sync.Mutex
	enabled bool
	stops   int
}

func (p *fakePipeline) Start(ctx context.Context, sink ports.FrameSink) error { return nil }

func (p *fakePipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.log.add("pipeline.stop")
}

func (p *fakePipeline) SetStreamingEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

func (p *fakePipeline) StreamingEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

type fakePipelineFactory struct {
	log       *eventLog
	pipelines []*fakePipeline
}

func (f *fakePipelineFactory) NewPipeline(domain.SessionIdentity) (ports.CapturePipeline, error) {
	p := &fakePipeline{log: f.log, enabled: true}
	f.pipelines = append(f.pipelines, p)
	return p, nil
}

type fakeDevices struct {
	mu         sync.Mutex
	acquireErr error
	acquires   int
	releases   int
}

func (d *fakeDevices) Acquire(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquires++
	return d.acquireErr
}

func (d *fakeDevices) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releases++
	return nil
}

type fakeDirectory struct {
	mu       sync.Mutex
	claimed  map[string]bool
	refuse   bool
	failing  bool
	released []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{claimed: make(map[string]bool)}
}

func (d *fakeDirectory) Claim(_ context.Context, id domain.SessionIdentity, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failing {
		return false, errors.New("directory down")
	}
	if d.refuse || d.claimed[id.SignalingKey()] {
		return false, nil
	}
	d.claimed[id.SignalingKey()] = true
	return true, nil
}

func (d *fakeDirectory) Release(_ context.Context, id domain.SessionIdentity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claimed, id.SignalingKey())
	d.released = append(d.released, id.SignalingKey())
	return nil
}

func (d *fakeDirectory) List(context.Context) ([]domain.SessionIdentity, error) { return nil, nil }

func (d *fakeDirectory) HealthCheck(context.Context) error { return nil }

type countingMetrics struct {
	mu      sync.Mutex
	started int
	ended   int
	dropped map[domain.FrameType]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{dropped: make(map[domain.FrameType]int)}
}

func (m *countingMetrics) SessionStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *countingMetrics) SessionEnded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended++
}

func (m *countingMetrics) RecordFrameDropped(t domain.FrameType, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[t]++
}

func (m *countingMetrics) RecordHandshake(domain.ConnectionKind, bool)   {}
func (m *countingMetrics) RecordKeepAlive(domain.ConnectionKind)         {}
func (m *countingMetrics) RecordMalformed(domain.ConnectionKind)         {}
func (m *countingMetrics) RecordFrameSent(domain.FrameType, int)         {}
func (m *countingMetrics) ObserveEncode(domain.FrameType, time.Duration) {}
func (m *countingMetrics) RecordWebhook(string, int)                     {}

type statusRecorder struct {
	mu     sync.Mutex
	events []domain.StatusEvent
}

func (r *statusRecorder) Publish(e domain.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}
