package http

import (
	"context"
	"sync"
	"time"

	"rtmsrelay/internal/core/domain"
)

type startCall struct {
	identity domain.SessionIdentity
	url      string
}

type stopCall struct {
	key    string
	reason domain.StopReason
}

type fakeRelay struct {
	mu          sync.Mutex
	sessions    map[string]*domain.SessionInfo
	starts      chan startCall
	stops       chan stopCall
	startErr    error
	transcripts []string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		sessions: make(map[string]*domain.SessionInfo),
		starts:   make(chan startCall, 8),
		stops:    make(chan stopCall, 8),
	}
}

func (r *fakeRelay) Start(_ context.Context, id domain.SessionIdentity, url string) (*domain.SessionInfo, error) {
	r.starts <- startCall{identity: id, url: url}
	if r.startErr != nil {
		return nil, r.startErr
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if url == "" {
		return nil, domain.ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id.SignalingKey()]; ok {
		return nil, domain.ErrSessionExists
	}
	info := &domain.SessionInfo{
		Identity:         id,
		Key:              id.SignalingKey(),
		SignalingURL:     url,
		SignalingState:   domain.StateInit,
		MediaState:       domain.StateInit,
		StreamingEnabled: true,
		StartedAt:        time.Unix(1700000000, 0).UTC(),
	}
	r.sessions[info.Key] = info
	return info, nil
}

func (r *fakeRelay) Stop(_ context.Context, key string, reason domain.StopReason) error {
	r.stops <- stopCall{key: key, reason: reason}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[key]; !ok {
		return domain.ErrSessionNotFound
	}
	delete(r.sessions, key)
	return nil
}

func (r *fakeRelay) SetStreaming(_ context.Context, key string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.sessions[key]
	if !ok {
		return domain.ErrSessionNotFound
	}
	info.StreamingEnabled = enabled
	return nil
}

func (r *fakeRelay) SendTranscript(_ context.Context, key string, _ int, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.sessions[key]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if info.MediaState != domain.StateActive {
		return domain.ErrNotOpen
	}
	r.transcripts = append(r.transcripts, text)
	return nil
}

func (r *fakeRelay) Get(key string) (*domain.SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.sessions[key]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *info
	return &cp, nil
}

func (r *fakeRelay) List() []*domain.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.SessionInfo, 0, len(r.sessions))
	for _, info := range r.sessions {
		cp := *info
		out = append(out, &cp)
	}
	return out
}

func (r *fakeRelay) Shutdown(context.Context) error { return nil }

func (r *fakeRelay) markActive(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[key].MediaState = domain.StateActive
}

type webhookMetrics struct {
	mu    sync.Mutex
	calls map[string]int
}

func (m *webhookMetrics) SessionStarted() {}
func (m *webhookMetrics) SessionEnded() {}
func (m *webhookMetrics) RecordHandshake(domain.ConnectionKind, bool) {}
func (m *webhookMetrics) RecordKeepAlive(domain.ConnectionKind) {}
func (m *webhookMetrics) RecordMalformed(domain.ConnectionKind) {}
func (m *webhookMetrics) RecordFrameSent(domain.FrameType, int) {}
func (m *webhookMetrics) RecordFrameDropped(domain.FrameType, string) {}
func (m *webhookMetrics) ObserveEncode(domain.FrameType, time.Duration) {}

func (m *webhookMetrics) RecordWebhook(event string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[event]++
}

func (m *webhookMetrics) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[event]
}
