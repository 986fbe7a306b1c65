package peerwire

import (
	"encoding/binary"
	"fmt"
)

// MessageID identifies the nine core peer-wire message types. Extension
// messages (BEP 10 and friends) are out of scope; any id outside this
// range is still framed by nextFrame and then ignored by handleMessage
// rather than rejected, matching parseMessage's tolerance for unknown ids.
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
)

// Message is a single peer-wire protocol message. A nil *Message
// serializes to and is parsed from a zero-length keep-alive frame.
type Message struct {
	ID      MessageID
	Payload []byte
}

// NewRequestMessage builds a REQUEST (or, with the same payload shape, a
// CANCEL when wrapped by NewCancelMessage) for block (index, begin,
// length).
func NewRequestMessage(index, begin, length int) *Message {
	return &Message{ID: MsgRequest, Payload: blockPayload(index, begin, length)}
}

// NewCancelMessage builds a CANCEL for the same (index, begin, length)
// triple as the REQUEST it withdraws.
func NewCancelMessage(index, begin, length int) *Message {
	return &Message{ID: MsgCancel, Payload: blockPayload(index, begin, length)}
}

func blockPayload(index, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return payload
}

// NewPieceMessage builds a PIECE carrying block data for (index, begin).
func NewPieceMessage(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: MsgPiece, Payload: payload}
}

// NewHaveMessage builds a HAVE announcing piece index.
func NewHaveMessage(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

// NewBitfieldMessage builds a BITFIELD carrying bits, a bitfield.Bitfield
// already rendered to its wire byte form.
func NewBitfieldMessage(bits []byte) *Message {
	payload := make([]byte, len(bits))
	copy(payload, bits)
	return &Message{ID: MsgBitfield, Payload: payload}
}

// Serialize encodes msg as <4-byte length><id><payload>, or a bare
// zero-length frame for a keep-alive (msg == nil).
func (msg *Message) Serialize() []byte {
	if msg == nil {
		return make([]byte, 4)
	}

	length := uint32(len(msg.Payload) + 1)
	buf := make([]byte, length+4)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// maxFrameLen bounds an incoming message's declared length so a corrupt
// or hostile peer can't make us allocate an unbounded buffer; sized for
// the largest legitimate frame, a PIECE carrying one full block, with
// headroom, mirroring parseMessage's "len > 9 + blockSize" rejection.
const maxFrameLen = 9 + maxBlockSize

// maxBlockSize is the largest block any torrent uses (16 KiB), the same
// cap blocktable.NewLayout applies.
const maxBlockSize = 16384

// nextFrame tries to decode one frame from the front of buf. ok=false
// with a nil error means buf doesn't yet hold a complete frame; the
// caller should read more off the wire and retry. A zero-length frame
// decodes as msg == nil, ok == true (a keep-alive).
func nextFrame(buf []byte) (msg *Message, consumed int, ok bool, err error) {
	if len(buf) < 4 {
		return nil, 0, false, nil
	}

	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return nil, 4, true, nil
	}

	if length > maxFrameLen {
		return nil, 0, false, fmt.Errorf("peerwire: frame length %d exceeds limit", length)
	}

	total := 4 + int(length)
	if len(buf) < total {
		return nil, 0, false, nil
	}

	body := buf[4:total]
	m := &Message{ID: MessageID(body[0]), Payload: append([]byte(nil), body[1:]...)}

	return m, total, true, nil
}

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "Choke"
	case MsgUnchoke:
		return "Unchoke"
	case MsgInterested:
		return "Interested"
	case MsgNotInterested:
		return "NotInterested"
	case MsgHave:
		return "Have"
	case MsgBitfield:
		return "Bitfield"
	case MsgRequest:
		return "Request"
	case MsgPiece:
		return "Piece"
	case MsgCancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Unknown#%d", id)
	}
}

// parseBlockPayload decodes the common (index, begin, length-or-data)
// shape shared by REQUEST, CANCEL and PIECE, returning the fixed fields
// and whatever trailing bytes follow them.
func parseBlockPayload(payload []byte) (index, begin int, rest []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("peerwire: payload too short: %d", len(payload))
	}

	index = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	return index, begin, payload[8:], nil
}
