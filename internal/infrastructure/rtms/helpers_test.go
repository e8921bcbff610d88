package rtms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"
	"rtmsrelay/internal/infrastructure/registry"
	"rtmsrelay/pkg/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "client-secret"

var testIdentity = domain.SessionIdentity{
	ClientID:    "client-1",
	MeetingUUID: "meeting-1==",
	StreamID:    "stream-1",
}

type nopMetrics struct{}

func (nopMetrics) SessionStarted()                               {}
func (nopMetrics) SessionEnded()                                 {}
func (nopMetrics) RecordHandshake(domain.ConnectionKind, bool)   {}
func (nopMetrics) RecordKeepAlive(domain.ConnectionKind)         {}
func (nopMetrics) RecordMalformed(domain.ConnectionKind)         {}
func (nopMetrics) RecordFrameSent(domain.FrameType, int)         {}
func (nopMetrics) RecordFrameDropped(domain.FrameType, string)   {}
func (nopMetrics) ObserveEncode(domain.FrameType, time.Duration) {}
func (nopMetrics) RecordWebhook(string, int)                     {}

// recordingStatus captures every published state transition.
type recordingStatus struct {
	mu     sync.Mutex
	events []domain.StatusEvent
}

func (r *recordingStatus) Publish(e domain.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingStatus) transitions(source domain.ConnectionKind) []domain.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SessionState
	for _, e := range r.events {
		if e.Source != string(source) {
			continue
		}
		if to, ok := e.Details["to"].(domain.SessionState); ok {
			out = append(out, to)
		}
	}
	return out
}

type mockPipeline struct {
	mock.Mock
	mu   sync.Mutex
	sink ports.FrameSink
}

func (m *mockPipeline) Start(ctx context.Context, sink ports.FrameSink) error {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
	return m.Called(ctx, sink).Error(0)
}

func (m *mockPipeline) Stop()                       { m.Called() }
func (m *mockPipeline) SetStreamingEnabled(on bool) { m.Called(on) }
func (m *mockPipeline) StreamingEnabled() bool      { return m.Called().Bool(0) }

// rtmsServer is a scripted server side of the handshake protocol.
type rtmsServer struct {
	srv      *httptest.Server
	requests chan protocol.HandshakeRequest
	conns    chan *websocket.Conn
	received chan []byte
	respond  func(req protocol.HandshakeRequest) interface{}
}

func newRTMSServer(t *testing.T, respond func(req protocol.HandshakeRequest) interface{}) *rtmsServer {
	t.Helper()
	s := &rtmsServer{
		requests: make(chan protocol.HandshakeRequest, 4),
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan []byte, 256),
		respond:  respond,
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.HandshakeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		s.requests <- req
		if resp := s.respond(req); resp != nil {
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
		s.conns <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.received <- data
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *rtmsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *rtmsServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server never got a handshake")
		return nil
	}
}

// next returns the next inbound message of the given type, skipping others.
func (s *rtmsServer) next(t *testing.T, msgType protocol.MessageType) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-s.received:
			if mt, _ := protocol.PeekType(data); mt == msgType {
				return data
			}
		case <-deadline:
			t.Fatalf("no %s received", msgType)
			return nil
		}
	}
}

func okSignaling(mediaURL string) func(protocol.HandshakeRequest) interface{} {
	return func(protocol.HandshakeRequest) interface{} {
		return protocol.HandshakeResponse{
			MsgType:     protocol.SignalingHandshakeResp,
			StatusCode:  protocol.StatusOK,
			MediaServer: &protocol.MediaServer{ServerURLs: protocol.MediaServerURLs{All: mediaURL}},
		}
	}
}

func okMedia(sessionID string) func(protocol.HandshakeRequest) interface{} {
	return func(protocol.HandshakeRequest) interface{} {
		return protocol.HandshakeResponse{
			MsgType:       protocol.DataHandshakeResp,
			StatusCode:    protocol.StatusOK,
			RTMSSessionID: sessionID,
		}
	}
}

func testOptions() Options {
	return Options{
		ClientSecret:     testSecret,
		DialTimeout:      2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     time.Second,
		SendQueueSize:    64,
	}
}

func testDeps(t *testing.T) (Dependencies, *registry.ConnectionRegistry, *recordingStatus) {
	t.Helper()
	reg := registry.NewConnectionRegistry(zap.NewNop().Sugar())
	status := &recordingStatus{}
	return Dependencies{
		Registry: reg,
		Metrics:  nopMetrics{},
		Status:   status,
		Logger:   zap.NewNop().Sugar(),
	}, reg, status
}

func runAsync(ctx context.Context, c ports.SessionClient) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func waitState(t *testing.T, c ports.SessionClient, want domain.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state never became %s", want)
}
