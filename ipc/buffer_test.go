package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	b := NewBuffer()
	b.SetType(TypeData)
	b.SetID(42)
	b.SetResendCount(3)
	require.NoError(t, b.SetPayload([]byte("hello world")))

	raw, err := b.Marshal(nil)
	require.NoError(t, err)

	got, err := Unmarshal(raw)
	require.NoError(t, err)
	require.Equal(t, TypeData, got.Type())
	require.Equal(t, uint32(42), got.ID())
	require.Equal(t, uint8(3), got.ResendCount())
	require.Equal(t, []byte("hello world"), got.Payload())
}

func TestUpdatesRoundTrip(t *testing.T) {
	b := NewBuffer()
	b.SetType(TypeKeepAlive)
	b.SetUpdates([]uint32{2, 3, 4})
	require.NoError(t, b.SetPayload(nil))

	raw, err := b.Marshal(nil)
	require.NoError(t, err)

	got, err := Unmarshal(raw)
	require.NoError(t, err)
	require.Equal(t, []uint32{2, 3, 4}, got.Updates())
}

func TestRelayFieldRoundTripsButIsPassThroughOnly(t *testing.T) {
	b := NewBuffer()
	b.SetType(TypeData)
	b.SetRelay(99)
	require.NoError(t, b.SetPayload([]byte("x")))

	raw, err := b.Marshal(nil)
	require.NoError(t, err)

	got, err := Unmarshal(raw)
	require.NoError(t, err)
	relay, ok := got.Relay()
	require.True(t, ok)
	require.Equal(t, uint32(99), relay)
}

func TestUnmarshalTooShortErrors(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrBufferTooShort)
}

func TestCheckRejectsUnknownType(t *testing.T) {
	b := NewBuffer()
	b.SetType(TypeUnknown)
	require.ErrorIs(t, b.Check(), ErrBufferMalformed)
}

func TestCheckRejectsUpdateFlagWithNoUpdates(t *testing.T) {
	b := NewBuffer()
	b.SetType(TypeData)
	b.flags |= FlagUpdate // force the inconsistent state directly
	require.ErrorIs(t, b.Check(), ErrBufferMalformed)
}

func TestSetPayloadRejectsOversize(t *testing.T) {
	b := NewBuffer()
	err := b.SetPayload(make([]byte, Capacity+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestHeaderSizeAccountsForOptionalSections(t *testing.T) {
	b := NewBuffer()
	base := b.HeaderSize()

	b.SetRelay(1)
	require.Equal(t, base+4, b.HeaderSize())

	b.SetUpdates([]uint32{1, 2})
	require.Equal(t, base+4+1+8, b.HeaderSize())
}

func TestCompressDeclinesWhenNotWorthwhile(t *testing.T) {
	ctrl := NewDefaultController(DefaultConfig())
	b := NewBuffer()
	b.SetType(TypeData)
	require.NoError(t, b.SetPayload([]byte("short")))
	b.Compress(ctrl)
	require.False(t, b.Compressed(), "payload below CompressMinSize must not be compressed")
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressMinSize = 1
	ctrl := NewDefaultController(cfg)

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i % 7) // low-entropy, compresses well
	}

	b := NewBuffer()
	b.SetType(TypeData)
	require.NoError(t, b.SetPayload(payload))
	b.Compress(ctrl)
	require.True(t, b.Compressed())

	require.NoError(t, b.Decompress(ctrl))
	require.False(t, b.Compressed())
	require.Equal(t, payload, b.Payload())
}
