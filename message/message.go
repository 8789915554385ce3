// Package message implements BEP-3 wire message framing: the
// (length, id, payload) envelope every non-handshake peer protocol
// message uses, plus constructors and parsers for each message kind
// the client speaks.
package message

import (
	"encoding/binary"
	"fmt"
	"io"

	"bitTorrent/bitfield"
)

// ID identifies a wire message kind.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitfieldMsg   ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a single framed wire message. A nil *Message (returned by
// ReadMessage) denotes a keep-alive.
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize encodes m into its (length u32 BE, id, payload) wire form.
// A nil receiver serializes to a zero-length keep-alive.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads one framed message from r. It returns (nil, nil) on
// a keep-alive (length == 0), which callers must tolerate at any point
// in the message stream.
func ReadMessage(r io.Reader) (*Message, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf)
	if length == 0 {
		return nil, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &Message{ID: ID(buf[0]), Payload: buf[1:]}, nil
}

// NewRequest builds a request(index, begin, length) message.
func NewRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// NewHave builds a have(index) message.
func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// NewBitfield builds a bitfield message carrying bf verbatim.
func NewBitfield(bf bitfield.Bitfield) *Message {
	return &Message{ID: BitfieldMsg, Payload: []byte(bf)}
}

// NewPiece builds a piece(index, begin, block) message.
func NewPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

// ParsedRequest is the decoded payload of a request or cancel message.
type ParsedRequest struct {
	Index, Begin, Length int
}

// ParseRequest decodes a request or cancel message's payload.
func ParseRequest(m *Message) (ParsedRequest, error) {
	if m.ID != Request && m.ID != Cancel {
		return ParsedRequest{}, fmt.Errorf("message: expected request/cancel, got %s", m.ID)
	}
	if len(m.Payload) != 12 {
		return ParsedRequest{}, fmt.Errorf("message: request payload must be 12 bytes, got %d", len(m.Payload))
	}
	return ParsedRequest{
		Index:  int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(m.Payload[4:8])),
		Length: int(binary.BigEndian.Uint32(m.Payload[8:12])),
	}, nil
}

// ParseHave decodes a have message's payload.
func ParseHave(m *Message) (int, error) {
	if m.ID != Have {
		return 0, fmt.Errorf("message: expected have, got %s", m.ID)
	}
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("message: have payload must be 4 bytes, got %d", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParsedPiece is the decoded header of a piece message; Block aliases
// into the message's payload and must be copied before the message's
// backing array is reused.
type ParsedPiece struct {
	Index, Begin int
	Block        []byte
}

// ParsePiece decodes a piece message's header and block.
func ParsePiece(m *Message) (ParsedPiece, error) {
	if m.ID != Piece {
		return ParsedPiece{}, fmt.Errorf("message: expected piece, got %s", m.ID)
	}
	if len(m.Payload) < 8 {
		return ParsedPiece{}, fmt.Errorf("message: piece payload must be at least 8 bytes, got %d", len(m.Payload))
	}
	return ParsedPiece{
		Index: int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin: int(binary.BigEndian.Uint32(m.Payload[4:8])),
		Block: m.Payload[8:],
	}, nil
}
