package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"

	"github.com/zmon/zmon-worker/internal/model"
)

const taskJSON = `{
	"task": "check_and_notify",
	"args": [{"check_id": 123, "entity": {"id": "host-1"}, "command": "value", "interval": 60}],
	"timelimit": [90, 60],
	"id": "task-1"
}`

func envelopeWith(t *testing.T, body, encoding string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"body":       json.RawMessage(body),
		"properties": map[string]string{"body_encoding": encoding},
	})
	require.NoError(t, err)
	return raw
}

func TestDecodeEnvelopeNested(t *testing.T) {
	body, err := DecodeEnvelope(envelopeWith(t, taskJSON, "nested"))
	require.NoError(t, err)
	require.Equal(t, model.TaskCheckAndNotify, body.Task)
	require.Equal(t, "task-1", body.ID)
	require.Equal(t, 90, body.HardLimit())
	require.Equal(t, 60, body.SoftLimit())
}

func TestDecodeEnvelopeBase64(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(taskJSON))
	body, err := DecodeEnvelope(envelopeWith(t, fmt.Sprintf("%q", encoded), "base64"))
	require.NoError(t, err)
	require.Equal(t, "task-1", body.ID)

	req, _, err := body.DecodeCheckAndNotify()
	require.NoError(t, err)
	require.Equal(t, 123, req.CheckID)
	require.Equal(t, "host-1", req.Entity.ID())
}

func TestDecodeEnvelopeSnappyBody(t *testing.T) {
	compressed := snappy.Encode(nil, []byte(taskJSON))
	encoded := base64.StdEncoding.EncodeToString(compressed)
	body, err := DecodeEnvelope(envelopeWith(t, fmt.Sprintf("%q", encoded), "snappy"))
	require.NoError(t, err)
	require.Equal(t, "task-1", body.ID)
}

func TestDecodeEnvelopeCompressedOuter(t *testing.T) {
	raw := envelopeWith(t, taskJSON, "nested")
	body, err := DecodeEnvelope(snappy.Encode(nil, raw))
	require.NoError(t, err)
	require.Equal(t, "task-1", body.ID)
}

func TestDecodeEnvelopeErrors(t *testing.T) {
	_, err := DecodeEnvelope(nil)
	require.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"body": {}, "properties": {"body_encoding": "gzip"}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown body encoding")

	// Not JSON and not valid snappy either.
	_, err = DecodeEnvelope([]byte{0xff, 0xfe, 0xfd})
	require.Error(t, err)
}
