package framing

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCodec(t *testing.T, threshold int) *Codec {
	t.Helper()
	c, err := NewCodec(threshold)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestEncode_HeaderLayout(t *testing.T) {
	c := newCodec(t, 0)
	ts := time.UnixMilli(1700000000123)

	frame, err := c.Encode(Envelope{Role: RoleField, Type: TypeData, Seq: 7, Timestamp: ts, Payload: []byte("steer")})
	require.NoError(t, err)
	require.Len(t, frame, HeaderSize+5)

	assert.Equal(t, []byte{0x5A, 0xA1}, frame[0:2])
	assert.Equal(t, Version, frame[2])
	assert.Equal(t, uint8(RoleField), frame[3])
	assert.Equal(t, uint8(TypeData), frame[4])
	assert.Equal(t, uint8(0), frame[5])
	assert.Equal(t, []byte{7, 0, 0, 0}, frame[6:10])
	assert.Equal(t, []byte{5, 0}, frame[18:20])
	assert.Equal(t, "steer", string(frame[HeaderSize:]))

	env, err := c.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, ts.UnixMilli(), env.Timestamp.UnixMilli())
	assert.False(t, env.Compressed)
}

func TestEncode_CompressesLargePayloads(t *testing.T) {
	c := newCodec(t, 64)
	payload := bytes.Repeat([]byte("joint:0.125;"), 200)

	frame, err := c.Encode(Envelope{Role: RoleRemote, Type: TypeData, Payload: payload, Reliable: true})
	require.NoError(t, err)
	assert.Less(t, len(frame), len(payload))

	env, err := c.Decode(frame)
	require.NoError(t, err)
	assert.True(t, env.Compressed)
	assert.True(t, env.Reliable)
	assert.Equal(t, payload, env.Payload)
	assert.NotZero(t, env.Seq)
}

func TestDecode_Rejects(t *testing.T) {
	c := newCodec(t, 0)
	good, err := c.Encode(Envelope{Type: TypeHeartbeat, Payload: []byte("x")})
	require.NoError(t, err)

	_, err = c.Decode(good[:10])
	assert.ErrorIs(t, err, ErrShortFrame)

	bad := append([]byte(nil), good...)
	bad[0] = 0
	_, err = c.Decode(bad)
	assert.ErrorIs(t, err, ErrBadMagic)

	bad = append([]byte(nil), good...)
	bad[2] = 9
	_, err = c.Decode(bad)
	assert.ErrorIs(t, err, ErrVersion)

	_, err = c.Decode(append(good, 'y'))
	assert.ErrorIs(t, err, ErrLength)
}

func TestNextSeq_Monotonic(t *testing.T) {
	c := newCodec(t, 0)
	a := c.NextSeq()
	b := c.NextSeq()
	assert.Equal(t, a+1, b)
}
