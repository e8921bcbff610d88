package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekType(t *testing.T) {
	mt, err := PeekType([]byte(`{"msg_type":"KEEP_ALIVE_REQ","timestamp":1}`))
	require.NoError(t, err)
	assert.Equal(t, KeepAliveReq, mt)

	_, err = PeekType([]byte(`{"timestamp":1}`))
	assert.Error(t, err)

	_, err = PeekType([]byte(`not json`))
	assert.Error(t, err)
}

func TestDataHandshakeRequest_DeclaresNoEncryption(t *testing.T) {
	off := false
	data, err := json.Marshal(HandshakeRequest{
		MsgType:           DataHandshakeReq,
		ProtocolVersion:   ProtocolVersion,
		MeetingUUID:       "m",
		RTMSStreamID:      "s",
		Signature:         "sig",
		PayloadEncryption: &off,
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"payload_encryption":false`)

	data, err = json.Marshal(HandshakeRequest{MsgType: SignalingHandshakeReq})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "payload_encryption")
}

func TestSignalingHandshakeResponse_MediaURL(t *testing.T) {
	raw := `{"msg_type":"SIGNALING_HAND_SHAKE_RESP","status_code":0,
		"media_server":{"server_urls":{"all":"wss://media.example/all"}}}`

	var resp HandshakeResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	require.NotNil(t, resp.MediaServer)
	assert.Equal(t, StatusOK, resp.StatusCode)
	assert.Equal(t, "wss://media.example/all", resp.MediaServer.ServerURLs.All)
}
