// Package ipc implements the reliable, message-oriented transport
// layered over UDP (spec section 4.7-4.10, 6.1): a fixed-capacity
// wire Buffer, a per-peer Session state machine, a Talker multiplexing
// many Sessions over one socket, and a Service entry point owning a
// pool of Talkers.
package ipc

import (
	"encoding/binary"
	"errors"
)

// Buffer type byte (spec section 6.1).
const (
	TypeUnknown    uint8 = 0
	TypeKeepAlive  uint8 = 1
	TypeData       uint8 = 2
	TypeConnecting uint8 = 3
	TypeAccepting  uint8 = 4
)

// Buffer flag bits (spec section 6.1).
const (
	FlagUpdate     uint16 = 1 << 0
	FlagCompressed uint16 = 1 << 1
	FlagRelay      uint16 = 1 << 2
)

// Sentinel sequence ids (spec section 3: "id == 0 and id == 1 are
// reserved for handshake; data ids start at 2 and wrap at
// 0xFFFFFFE0").
const (
	ConnectingID uint32 = 0
	AcceptingID  uint32 = 1
	FirstDataID  uint32 = 2
	LastBufferID uint32 = 0xFFFFFFFF - 32
)

// Capacity is the compile-time wire buffer size (spec section 3).
const Capacity = 4096

// baseHeaderSize is the fixed portion of the header: type, resend,
// flags, id.
const baseHeaderSize = 1 + 1 + 2 + 4

var (
	ErrBufferTooShort = errors.New("ipc: buffer shorter than header")
	ErrBufferMalformed = errors.New("ipc: buffer fails structural check")
	ErrPayloadTooLarge  = errors.New("ipc: payload exceeds buffer capacity")
)

// Buffer is one wire datagram in decoded form: header fields, the
// update-block ids and the payload, which Marshal packs into at most
// Capacity bytes (spec section 3, 6.1).
type Buffer struct {
	typ         uint8
	resendCount uint8
	flags       uint16
	id          uint32
	relay       uint32
	updates     []uint32
	payload     []byte
}

// NewBuffer constructs an empty buffer with id 0 and type TypeUnknown;
// callers set fields before Marshal.
func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Type() uint8           { return b.typ }
func (b *Buffer) SetType(t uint8)       { b.typ = t }
func (b *Buffer) ResendCount() uint8    { return b.resendCount }
func (b *Buffer) SetResendCount(n uint8) { b.resendCount = n }
func (b *Buffer) IncResendCount()       { b.resendCount++ }
func (b *Buffer) Flags() uint16         { return b.flags }
func (b *Buffer) ID() uint32            { return b.id }
func (b *Buffer) SetID(id uint32)       { b.id = id }
func (b *Buffer) Relay() (uint32, bool) { return b.relay, b.flags&FlagRelay != 0 }
func (b *Buffer) SetRelay(id uint32) {
	b.relay = id
	b.flags |= FlagRelay
}
func (b *Buffer) Updates() []uint32 { return b.updates }
func (b *Buffer) SetUpdates(ids []uint32) {
	if len(ids) == 0 {
		b.flags &^= FlagUpdate
		b.updates = nil
		return
	}
	b.flags |= FlagUpdate
	b.updates = ids
}
func (b *Buffer) Compressed() bool { return b.flags&FlagCompressed != 0 }
func (b *Buffer) Payload() []byte  { return b.payload }
func (b *Buffer) SetPayload(p []byte) error {
	if len(p) > Capacity {
		return ErrPayloadTooLarge
	}
	b.payload = p
	return nil
}

// HeaderSize returns the number of header bytes this buffer will
// serialize to, given its current flags (spec section 4.7: "store").
func (b *Buffer) HeaderSize() uint32 {
	n := uint32(baseHeaderSize)
	if b.flags&FlagRelay != 0 {
		n += 4
	}
	if b.flags&FlagUpdate != 0 {
		n += 1 + uint32(len(b.updates))*4
	}
	return n
}

// Marshal writes the header followed by the payload into dst,
// returning the slice used. dst must have capacity >= HeaderSize()+
// len(Payload()).
func (b *Buffer) Marshal(dst []byte) ([]byte, error) {
	need := int(b.HeaderSize()) + len(b.payload)
	if need > Capacity {
		return nil, ErrPayloadTooLarge
	}
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]

	dst[0] = b.typ
	dst[1] = b.resendCount
	binary.BigEndian.PutUint16(dst[2:4], b.flags)
	binary.BigEndian.PutUint32(dst[4:8], b.id)
	off := baseHeaderSize

	if b.flags&FlagRelay != 0 {
		binary.BigEndian.PutUint32(dst[off:off+4], b.relay)
		off += 4
	}
	if b.flags&FlagUpdate != 0 {
		dst[off] = uint8(len(b.updates))
		off++
		for _, u := range b.updates {
			binary.BigEndian.PutUint32(dst[off:off+4], u)
			off += 4
		}
	}
	copy(dst[off:], b.payload)
	return dst, nil
}

// Unmarshal decodes src (a single received datagram) into b. It
// allocates a fresh payload slice so src may be reused by the caller.
func Unmarshal(src []byte) (*Buffer, error) {
	if len(src) < baseHeaderSize {
		return nil, ErrBufferTooShort
	}
	b := &Buffer{
		typ:         src[0],
		resendCount: src[1],
		flags:       binary.BigEndian.Uint16(src[2:4]),
		id:          binary.BigEndian.Uint32(src[4:8]),
	}
	off := baseHeaderSize

	if b.flags&FlagRelay != 0 {
		if len(src) < off+4 {
			return nil, ErrBufferTooShort
		}
		b.relay = binary.BigEndian.Uint32(src[off : off+4])
		off += 4
	}
	if b.flags&FlagUpdate != 0 {
		if len(src) < off+1 {
			return nil, ErrBufferTooShort
		}
		cnt := int(src[off])
		off++
		if len(src) < off+cnt*4 {
			return nil, ErrBufferTooShort
		}
		b.updates = make([]uint32, cnt)
		for i := 0; i < cnt; i++ {
			b.updates[i] = binary.BigEndian.Uint32(src[off : off+4])
			off += 4
		}
	}
	if off > len(src) {
		return nil, ErrBufferMalformed
	}
	b.payload = append([]byte(nil), src[off:]...)
	if err := b.Check(); err != nil {
		return nil, err
	}
	return b, nil
}

// Check validates header size invariants and structural sanity (spec
// section 4.7); reserved/unknown type+flag combinations are rejected
// rather than guessed at (spec section 9: "legacy state flags").
func (b *Buffer) Check() error {
	switch b.typ {
	case TypeKeepAlive, TypeData, TypeConnecting, TypeAccepting:
	default:
		return ErrBufferMalformed
	}
	if int(b.HeaderSize())+len(b.payload) > Capacity {
		return ErrBufferMalformed
	}
	if b.flags&FlagUpdate != 0 && len(b.updates) == 0 {
		return ErrBufferMalformed
	}
	return nil
}

// Optimize is a documented no-op here: spec section 4.7 describes
// migrating a buffer between pooled size-class buckets, which this
// implementation sidesteps by allocating payload slices directly
// (Go's allocator already buckets small slices); kept as a method so
// call sites mirroring the original pipeline need no special case.
func (b *Buffer) Optimize(uint32) {}

// Controller is the embedder extension seam (spec section 6.2).
type Controller interface {
	ShouldCompress(payloadSize int) bool
	CompressBuffer(buf []byte) (out []byte, ok bool)
	DecompressBuffer(buf []byte) (out []byte, ok bool)
	SessionKeepAlive() int64   // milliseconds; 0 disables
	ResponseKeepAlive() int64  // milliseconds; 0 disables
	Authenticate(signal interface{}, flags uint32) int
	LocalNetworkID() uint32
	GatewayIterator(peerAddr string, peerNetID uint32) []string
}

// Compress replaces the payload with its compressed form if ctrl
// elects to compress it (spec section 4.7). A decline (ShouldCompress
// returns false, or CompressBuffer returns ok=false) leaves b
// unchanged.
func (b *Buffer) Compress(ctrl Controller) {
	if b.Compressed() || !ctrl.ShouldCompress(len(b.payload)) {
		return
	}
	out, ok := ctrl.CompressBuffer(b.payload)
	if !ok {
		return
	}
	b.payload = out
	b.flags |= FlagCompressed
}

// Decompress is the inverse of Compress; a no-op if the buffer was
// never compressed.
func (b *Buffer) Decompress(ctrl Controller) error {
	if !b.Compressed() {
		return nil
	}
	out, ok := ctrl.DecompressBuffer(b.payload)
	if !ok {
		return ErrBufferMalformed
	}
	b.payload = out
	b.flags &^= FlagCompressed
	return nil
}
