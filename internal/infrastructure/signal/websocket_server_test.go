package signal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"rtmsrelay/pkg/protocol"
	"rtmsrelay/pkg/signature"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testClientID = "client-1"
	testSecret   = "client-secret"
)

func newTestSandbox(t *testing.T) (*SandboxServer, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	sandbox := NewSandboxServer(Options{
		ClientID:          testClientID,
		ClientSecret:      testSecret,
		PublicURL:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/",
		KeepAliveInterval: 50 * time.Millisecond,
		ReadTimeout:       5 * time.Second,
	}, zaptest.NewLogger(t).Sugar())

	router := gin.New()
	sandbox.SetupRoutes(router)
	handler = router
	return sandbox, srv
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func handshake(t *testing.T, conn *websocket.Conn, kind protocol.MessageType, sig string) protocol.HandshakeResponse {
	t.Helper()
	req := protocol.HandshakeRequest{
		MsgType:         kind,
		ProtocolVersion: protocol.ProtocolVersion,
		MeetingUUID:     "meeting-1",
		RTMSStreamID:    "stream-1",
		Signature:       sig,
	}
	require.NoError(t, conn.WriteJSON(req))

	var resp protocol.HandshakeResponse
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func validSignature(t *testing.T) string {
	t.Helper()
	sig, err := signature.Sign(testClientID, "meeting-1", "stream-1", testSecret)
	require.NoError(t, err)
	return sig
}

// readUntil reads frames until one of msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		got, err := protocol.PeekType(data)
		require.NoError(t, err)
		if got == msgType {
			return data
		}
	}
}

func TestSandbox_SignalingHandshakeAdvertisesMediaURL(t *testing.T) {
	sandbox, _ := newTestSandbox(t)
	conn := dial(t, sandbox.SignalingURL())

	resp := handshake(t, conn, protocol.SignalingHandshakeReq, validSignature(t))
	assert.Equal(t, protocol.SignalingHandshakeResp, resp.MsgType)
	assert.Equal(t, protocol.StatusOK, resp.StatusCode)
	require.NotNil(t, resp.MediaServer)
	assert.Equal(t, sandbox.MediaURL(), resp.MediaServer.ServerURLs.All)

	stats, ok := sandbox.Stats("meeting-1stream-1")
	require.True(t, ok)
	assert.True(t, stats.SignalingConnected)
	assert.False(t, stats.MediaConnected)
}

func TestSandbox_RejectsBadSignature(t *testing.T) {
	sandbox, _ := newTestSandbox(t)

	for _, tc := range []struct {
		path string
		kind protocol.MessageType
		want protocol.MessageType
	}{
		{sandbox.SignalingURL(), protocol.SignalingHandshakeReq, protocol.SignalingHandshakeResp},
		{sandbox.MediaURL(), protocol.DataHandshakeReq, protocol.DataHandshakeResp},
	} {
		conn := dial(t, tc.path)
		resp := handshake(t, conn, tc.kind, strings.Repeat("0", 64))
		assert.Equal(t, tc.want, resp.MsgType)
		assert.Equal(t, protocol.StatusInvalidSignature, resp.StatusCode)
		assert.Nil(t, resp.MediaServer)
	}
	assert.Empty(t, sandbox.Streams())
}

func TestSandbox_KeepAliveRoundTrip(t *testing.T) {
	sandbox, _ := newTestSandbox(t)
	conn := dial(t, sandbox.SignalingURL())
	handshake(t, conn, protocol.SignalingHandshakeReq, validSignature(t))

	data := readUntil(t, conn, protocol.KeepAliveReq)
	var req protocol.KeepAlive
	require.NoError(t, json.Unmarshal(data, &req))
	assert.NotZero(t, req.Timestamp)

	require.NoError(t, conn.WriteJSON(protocol.KeepAlive{MsgType: protocol.KeepAliveResp, Timestamp: req.Timestamp}))
	require.Eventually(t, func() bool {
		stats, _ := sandbox.Stats("meeting-1stream-1")
		return stats.KeepAlivesAnswered == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSandbox_MediaFramesAreCounted(t *testing.T) {
	sandbox, _ := newTestSandbox(t)
	conn := dial(t, sandbox.MediaURL())

	resp := handshake(t, conn, protocol.DataHandshakeReq, validSignature(t))
	assert.Equal(t, protocol.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.RTMSSessionID)

	audio := protocol.MediaMessage{
		MsgType: protocol.MediaDataAudio,
		Content: protocol.MediaContent{
			Data:     "AAAA",
			Metadata: &protocol.MediaMetadata{ContentType: "RAW_AUDIO", Codec: "L16", SampleRate: 16000, Channel: 1},
		},
	}
	require.NoError(t, conn.WriteJSON(audio))
	require.NoError(t, conn.WriteJSON(audio))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{broken")))
	require.NoError(t, conn.WriteJSON(protocol.SessionStateUpdateMessage{
		MsgType:       protocol.SessionStateUpdate,
		RTMSSessionID: resp.RTMSSessionID,
		State:         "STOPPED",
		StopReason:    "STOP_BC_USER_REQUESTED",
	}))

	require.Eventually(t, func() bool {
		stats, _ := sandbox.Stats("meeting-1stream-1")
		return stats.SessionState == "STOPPED"
	}, time.Second, 10*time.Millisecond)

	stats, _ := sandbox.Stats("meeting-1stream-1")
	assert.Equal(t, 2, stats.Frames[protocol.MediaDataAudio])
	assert.Equal(t, 1, stats.Malformed)
	assert.Equal(t, "STOP_BC_USER_REQUESTED", stats.StopReason)
	assert.Equal(t, resp.RTMSSessionID, stats.RTMSSessionID)
	require.NotNil(t, stats.AudioMetadata)
	assert.Equal(t, "L16", stats.AudioMetadata.Codec)
	assert.Equal(t, 16000, stats.AudioMetadata.SampleRate)
}

func TestSandbox_TerminateSendsStateUpdate(t *testing.T) {
	sandbox, srv := newTestSandbox(t)
	conn := dial(t, sandbox.SignalingURL())
	handshake(t, conn, protocol.SignalingHandshakeReq, validSignature(t))

	resp, err := http.Post(srv.URL+"/streams/meeting-1stream-1/terminate", "application/json",
		strings.NewReader(`{"reason":"meeting ended"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	data := readUntil(t, conn, protocol.StreamStateUpdate)
	var update protocol.StreamStateUpdateMessage
	require.NoError(t, json.Unmarshal(data, &update))
	assert.Equal(t, protocol.StreamStateTerminated, update.State)
	assert.Equal(t, "meeting ended", update.Reason)

	require.Eventually(t, func() bool {
		stats, _ := sandbox.Stats("meeting-1stream-1")
		return !stats.SignalingConnected
	}, time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, sandbox.Terminate("meeting-1stream-1", ""), ErrStreamNotFound)
}

func TestSandbox_AnnounceDeliversWebhook(t *testing.T) {
	sandbox, srv := newTestSandbox(t)

	var (
		mu     sync.Mutex
		bodies []map[string]interface{}
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
	}))
	defer receiver.Close()

	resp, err := http.Post(srv.URL+"/streams", "application/json", strings.NewReader(
		`{"webhook_url":"`+receiver.URL+`","meeting_uuid":"meeting-1","rtms_stream_id":"stream-1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, "meeting.rtms.started", bodies[0]["event"])
	assert.Equal(t, testClientID, bodies[0]["clientId"])
	object := bodies[0]["payload"].(map[string]interface{})["object"].(map[string]interface{})
	assert.Equal(t, "meeting-1", object["meeting_uuid"])
	assert.Equal(t, sandbox.SignalingURL(), object["server_urls"])
}

func TestSandbox_AnnounceDoesNotRetryClientErrors(t *testing.T) {
	sandbox, _ := newTestSandbox(t)

	var (
		mu    sync.Mutex
		calls int
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer receiver.Close()

	err := sandbox.Announce(context.Background(), receiver.URL, "meeting-1", "stream-1")
	assert.ErrorIs(t, err, errClientStatus)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
