package zkdcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	raw := encodeEnvelope(42, []byte(`{"node_id":"a"}`))
	gen, data := decodeEnvelope(raw)
	assert.Equal(t, uint64(42), gen)
	assert.Equal(t, `{"node_id":"a"}`, string(data))
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	gen, data := decodeEnvelope(encodeEnvelope(7, nil))
	assert.Equal(t, uint64(7), gen)
	assert.Empty(t, data)
}

func TestForeignPayloadReadsAsGenerationZero(t *testing.T) {
	gen, data := decodeEnvelope([]byte("plain znode written by zkCli"))
	assert.Zero(t, gen)
	assert.Equal(t, "plain znode written by zkCli", string(data))
}

func TestShortPayload(t *testing.T) {
	gen, data := decodeEnvelope([]byte("x"))
	assert.Zero(t, gen)
	assert.Equal(t, "x", string(data))
}
