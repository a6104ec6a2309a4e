package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutFieldGetUint16RoundTrip(t *testing.T) {
	prefix, err := PutField(42)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), GetUint16(prefix[:]))
}

func TestPutFieldRejectsOversizeLength(t *testing.T) {
	_, err := PutField(MaxMessageLen + 1)
	assert.Error(t, err)
}

func TestWriteThenReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":1,"flow_id":42,"state":null}`)

	require.NoError(t, WriteMessage(&buf, payload))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadMessageRejectsDeclaredLengthOverMax(t *testing.T) {
	var buf bytes.Buffer
	prefix, _ := PutField(MaxMessageLen)
	buf.Write(prefix[:])
	// Corrupt the prefix after the fact to claim more than MaxMessageLen.
	raw := buf.Bytes()
	raw[0], raw[1] = 0xFF, 0xFF

	_, err := ReadMessage(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestReadMessageErrorsOnShortPayload(t *testing.T) {
	prefix, _ := PutField(10)
	var buf bytes.Buffer
	buf.Write(prefix[:])
	buf.Write([]byte("short"))

	_, err := ReadMessage(&buf)
	assert.Error(t, err)
}

func TestFrameMatchesWriteMessage(t *testing.T) {
	payload := []byte(`{"flow_id":1}`)
	framed, err := Frame(payload)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, payload))
	assert.Equal(t, buf.Bytes(), framed)
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":3,"flow_id":7,"state":{"cwnd":10}}`))
	require.NoError(t, err)
	assert.Equal(t, Alive, env.Type)
	assert.Equal(t, 7, env.FlowID)
	assert.JSONEq(t, `{"cwnd":10}`, string(env.State))
}

func TestDecodeEnvelopeRejectsInvalidJSON(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)
}
