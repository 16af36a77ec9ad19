package pcp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, ToSNodeInfo, EncodeStrings("3")))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, ToSNodeInfo, frame.ToS)
	assert.Equal(t, []string{"3"}, DecodeStrings(frame.Payload))
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, ToSNodeInfo, nil))
	raw := buf.Bytes()
	raw[1], raw[2], raw[3], raw[4] = 0x7f, 0xff, 0xff, 0xff // absurd length
	_, err := ReadFrame(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestEncodeDecodeStringsRoundTrip(t *testing.T) {
	payload := EncodeStrings("a", "bb", "ccc")
	assert.Equal(t, []string{"a", "bb", "ccc"}, DecodeStrings(payload))
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	ep := ErrorPayload{Severity: "ERROR", Message: "backend unreachable", Detail: "dial tcp: timeout"}
	decoded := DecodeErrorPayload(ep.Encode())
	assert.Equal(t, ep, decoded)
}

func TestArraySizeAndCommandCompleteFrames(t *testing.T) {
	assert.Equal(t, []string{"ArraySize", "2"}, DecodeStrings(ArraySizeFrame(2)))
	assert.Equal(t, []string{"CommandComplete"}, DecodeStrings(CommandCompleteFrame()))
}
