// Package transport carries insert fragments between pools over Kafka, and
// correlates the resulting ACK_INSERT records back to the waiting promise
// aggregator by request id.
package transport

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies the kind of peer packet (spec §4, "Peer packet tags").
type Tag byte

const (
	TagInsertPool         Tag = 1
	TagInsertTestPool     Tag = 2
	TagInsertServer       Tag = 3
	TagInsertTestServer   Tag = 4
	TagInsertTestedServer Tag = 5
	TagAckInsert          Tag = 6
)

// headerSize is tag(1) + requestID(8).
const headerSize = 9

// sourcePoolSize is the width of an insert packet's source pool id field.
const sourcePoolSize = 4

// Packet is one wire message exchanged between pools: a fixed header
// followed either by the source pool id and the TBF payload (insert tags),
// or a one-byte success flag plus reason string (ACK_INSERT). SourcePool
// lets the receiving pool address its ACK_INSERT back to the sender's own
// ack topic; it is meaningless on an ACK_INSERT packet itself.
type Packet struct {
	Tag        Tag
	RequestID  uint64
	SourcePool int
	Payload    []byte
	Success    bool
	Reason     string
}

// Encode frames the packet as tag, request_id (big-endian), then either
// source_pool (big-endian) plus the raw TBF payload (insert tags), or a
// one-byte success flag plus reason string (ACK_INSERT).
func Encode(p Packet) []byte {
	if p.Tag == TagAckInsert {
		buf := make([]byte, headerSize+1+len(p.Reason))
		buf[0] = byte(p.Tag)
		binary.BigEndian.PutUint64(buf[1:9], p.RequestID)
		if p.Success {
			buf[9] = 1
		}
		copy(buf[10:], p.Reason)
		return buf
	}
	buf := make([]byte, headerSize+sourcePoolSize+len(p.Payload))
	buf[0] = byte(p.Tag)
	binary.BigEndian.PutUint64(buf[1:9], p.RequestID)
	binary.BigEndian.PutUint32(buf[9:13], uint32(int32(p.SourcePool)))
	copy(buf[13:], p.Payload)
	return buf
}

// Decode reverses Encode.
func Decode(data []byte) (Packet, error) {
	if len(data) < headerSize {
		return Packet{}, fmt.Errorf("transport: packet too short (%d bytes)", len(data))
	}
	p := Packet{
		Tag:       Tag(data[0]),
		RequestID: binary.BigEndian.Uint64(data[1:9]),
	}
	rest := data[9:]
	if p.Tag == TagAckInsert {
		if len(rest) < 1 {
			return Packet{}, fmt.Errorf("transport: truncated ack packet")
		}
		p.Success = rest[0] == 1
		p.Reason = string(rest[1:])
		return p, nil
	}
	if len(rest) < sourcePoolSize {
		return Packet{}, fmt.Errorf("transport: truncated insert packet")
	}
	p.SourcePool = int(int32(binary.BigEndian.Uint32(rest[0:4])))
	p.Payload = rest[sourcePoolSize:]
	return p, nil
}

// UsesTestApply reports whether a receiving node must run the test variant
// of LocalApply for this packet's tag.
func (t Tag) UsesTestApply() bool {
	switch t {
	case TagInsertTestPool, TagInsertTestServer, TagInsertTestedServer:
		return true
	default:
		return false
	}
}
