package packets

import (
	"encoding/binary"
	"errors"
)

// Wire header, network byte order:
// SessionID(8) Seq(8) Ack(8) Flags(2) PathID(4) Window(2) PayloadLen(2)
// An optional SACK block (count byte + count*16 bytes of ranges) sits
// between header and payload when FlagSack is set.
const (
	HeaderLen     = 34
	SackRangeLen  = 16
	MaxSackRanges = 4
)

const (
	FlagSyn uint16 = 1 << iota
	FlagAck
	FlagFin
	FlagData
	FlagSack
)

// ErrMalformedPacket is never surfaced to applications; the endpoint
// read loop drops malformed input silently.
var ErrMalformedPacket = errors.New("malformed packet")

// SackRange acknowledges the half-open sequence range [From, To).
type SackRange struct {
	From uint64
	To   uint64
}

type Header struct {
	SessionID uint64
	Seq       uint64
	Ack       uint64
	Flags     uint16
	PathID    uint32
	Window    uint16
}

type Packet struct {
	Header
	Sacks   []SackRange
	Payload []byte
}

func (p *Packet) Is(flag uint16) bool {
	return p.Flags&flag != 0
}

// Serialize appends the encoded packet to buf and returns the result.
// Callers pass a reused buffer sliced to zero length to avoid
// allocations on the send path.
func (p *Packet) Serialize(buf []byte) ([]byte, error) {
	if len(p.Sacks) > MaxSackRanges {
		return nil, ErrMalformedPacket
	}
	if len(p.Sacks) > 0 {
		p.Flags |= FlagSack
	}

	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], p.SessionID)
	binary.BigEndian.PutUint64(hdr[8:16], p.Seq)
	binary.BigEndian.PutUint64(hdr[16:24], p.Ack)
	binary.BigEndian.PutUint16(hdr[24:26], p.Flags)
	binary.BigEndian.PutUint32(hdr[26:30], p.PathID)
	binary.BigEndian.PutUint16(hdr[30:32], p.Window)
	binary.BigEndian.PutUint16(hdr[32:34], uint16(len(p.Payload)))
	buf = append(buf, hdr[:]...)

	if p.Is(FlagSack) {
		buf = append(buf, byte(len(p.Sacks)))
		var r [SackRangeLen]byte
		for _, s := range p.Sacks {
			binary.BigEndian.PutUint64(r[0:8], s.From)
			binary.BigEndian.PutUint64(r[8:16], s.To)
			buf = append(buf, r[:]...)
		}
	}

	buf = append(buf, p.Payload...)
	return buf, nil
}

// ParsePacket is the exact inverse of Serialize. The input must be a
// single complete datagram; trailing garbage or truncation yields
// ErrMalformedPacket. The payload is copied out of b, so the caller
// may reuse its read buffer.
func ParsePacket(b []byte) (*Packet, error) {
	if len(b) < HeaderLen {
		return nil, ErrMalformedPacket
	}
	p := &Packet{}
	p.SessionID = binary.BigEndian.Uint64(b[0:8])
	p.Seq = binary.BigEndian.Uint64(b[8:16])
	p.Ack = binary.BigEndian.Uint64(b[16:24])
	p.Flags = binary.BigEndian.Uint16(b[24:26])
	p.PathID = binary.BigEndian.Uint32(b[26:30])
	p.Window = binary.BigEndian.Uint16(b[30:32])
	payloadLen := int(binary.BigEndian.Uint16(b[32:34]))
	rest := b[HeaderLen:]

	if p.Is(FlagSack) {
		if len(rest) < 1 {
			return nil, ErrMalformedPacket
		}
		count := int(rest[0])
		rest = rest[1:]
		if count > MaxSackRanges || len(rest) < count*SackRangeLen {
			return nil, ErrMalformedPacket
		}
		p.Sacks = make([]SackRange, count)
		for i := 0; i < count; i++ {
			p.Sacks[i].From = binary.BigEndian.Uint64(rest[0:8])
			p.Sacks[i].To = binary.BigEndian.Uint64(rest[8:16])
			if p.Sacks[i].To <= p.Sacks[i].From {
				return nil, ErrMalformedPacket
			}
			rest = rest[SackRangeLen:]
		}
	}

	if len(rest) != payloadLen {
		return nil, ErrMalformedPacket
	}
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		copy(p.Payload, rest)
	}
	return p, nil
}
