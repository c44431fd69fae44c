// Package framing encodes control-data envelopes exchanged between the
// field gateway and remote operators.
//
// Every frame is a 20-byte little endian header followed by the payload:
//
//	magic u16 | version u8 | role u8 | type u8 | flags u8 | seq u32 | ts_ms u64 | length u16
//
// Payloads above the codec threshold are zstd compressed and flagged.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	Magic      uint16 = 0xA15A
	Version    uint8  = 1
	HeaderSize        = 20

	// MaxPayload is bounded by the 16-bit length field.
	MaxPayload = 0xFFFF
)

// Role of the sender.
type Role uint8

const (
	RoleField  Role = 1
	RoleRemote Role = 2
)

// Type of the envelope.
type Type uint8

const (
	TypeData             Type = 1
	TypeTimeSyncRequest  Type = 2
	TypeTimeSyncResponse Type = 3
	TypeHeartbeat        Type = 4
)

const (
	flagCompressed uint8 = 1 << 0
	flagReliable   uint8 = 1 << 1
)

var (
	ErrShortFrame      = errors.New("frame shorter than header")
	ErrBadMagic        = errors.New("bad frame magic")
	ErrVersion         = errors.New("unsupported frame version")
	ErrLength          = errors.New("frame length mismatch")
	ErrPayloadTooLarge = errors.New("payload exceeds frame limit")
)

// Envelope is a decoded frame.
type Envelope struct {
	Role       Role
	Type       Type
	Seq        uint32
	Timestamp  time.Time
	Payload    []byte
	Reliable   bool
	Compressed bool // set on decode when the payload arrived compressed
}

// Codec encodes and decodes frames. It is safe for concurrent use.
type Codec struct {
	threshold int
	seq       uint32
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewCodec creates a codec compressing payloads longer than threshold bytes.
// A threshold <= 0 disables compression on encode.
func NewCodec(threshold int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(1<<20))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Codec{threshold: threshold, enc: enc, dec: dec}, nil
}

// Close releases the compression state.
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}

// NextSeq returns the next outbound sequence number.
func (c *Codec) NextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1)
}

// Encode serializes env. A zero Seq is replaced by NextSeq and a zero
// Timestamp by the current time.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	payload := env.Payload
	var flags uint8
	if env.Reliable {
		flags |= flagReliable
	}
	if c.threshold > 0 && len(payload) > c.threshold {
		compressed := c.enc.EncodeAll(payload, make([]byte, 0, len(payload)))
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= flagCompressed
		}
	}
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	seq := env.Seq
	if seq == 0 {
		seq = c.NextSeq()
	}
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = uint8(env.Role)
	buf[4] = uint8(env.Type)
	buf[5] = flags
	binary.LittleEndian.PutUint32(buf[6:10], seq)
	binary.LittleEndian.PutUint64(buf[10:18], uint64(ts.UnixMilli()))
	binary.LittleEndian.PutUint16(buf[18:20], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses a frame produced by Encode.
func (c *Codec) Decode(frame []byte) (Envelope, error) {
	if len(frame) < HeaderSize {
		return Envelope{}, ErrShortFrame
	}
	if binary.LittleEndian.Uint16(frame[0:2]) != Magic {
		return Envelope{}, ErrBadMagic
	}
	if frame[2] != Version {
		return Envelope{}, fmt.Errorf("%w: %d", ErrVersion, frame[2])
	}
	n := int(binary.LittleEndian.Uint16(frame[18:20]))
	if len(frame)-HeaderSize != n {
		return Envelope{}, fmt.Errorf("%w: header %d, body %d", ErrLength, n, len(frame)-HeaderSize)
	}

	env := Envelope{
		Role:      Role(frame[3]),
		Type:      Type(frame[4]),
		Seq:       binary.LittleEndian.Uint32(frame[6:10]),
		Timestamp: time.UnixMilli(int64(binary.LittleEndian.Uint64(frame[10:18]))),
		Reliable:  frame[5]&flagReliable != 0,
	}
	body := frame[HeaderSize:]
	if frame[5]&flagCompressed != 0 {
		out, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to decompress payload: %w", err)
		}
		env.Payload = out
		env.Compressed = true
	} else {
		env.Payload = append([]byte(nil), body...)
	}
	return env, nil
}
