package peerwire

import "fmt"

// protocolString is the fixed protocol identifier every handshake must
// carry; this client speaks no protocol extensions, so the 8 reserved
// bytes are always zero on send and accepted as-is on receive.
const protocolString = "BitTorrent protocol"

// handshakeLen is the on-wire length of a handshake with the standard
// pstr: 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (info hash) + 20 (peer id).
const handshakeLen = 1 + len(protocolString) + 8 + 20 + 20

// Handshake is the fixed-format message that opens every peer connection.
// It is grounded on leonhfr-torrent-client/handshake/handshake.go's field
// layout, with the validation order (protocol string, info hash, self-id,
// duplicate-id) taken from the teacher's PerformHandshake.
type Handshake struct {
	Protocol string
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds the handshake this client sends: always the
// standard protocol string, our torrent's info hash, and our peer id.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{Protocol: protocolString, InfoHash: infoHash, PeerID: peerID}
}

// Serialize encodes h as the wire bytes: 1-byte pstrlen, pstr, 8 zero
// reserved bytes, info hash, peer id.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 1+len(h.Protocol)+8+20+20)

	buf[0] = byte(len(h.Protocol))
	n := 1
	n += copy(buf[n:], h.Protocol)
	n += 8 // reserved bytes are left zero
	n += copy(buf[n:], h.InfoHash[:])
	copy(buf[n:], h.PeerID[:])

	return buf
}

// parseHandshake tries to decode a handshake from the front of buf. It
// returns ok=false (with no error) when buf doesn't yet hold enough
// bytes — the caller should feed more and retry. A non-nil error means
// buf can never become a valid handshake (a pstrlen of 0), matching the
// original client's decision to reject that case the instant it's seen
// rather than waiting for 68 bytes that will never arrive correctly.
func parseHandshake(buf []byte) (hs *Handshake, consumed int, ok bool, err error) {
	if len(buf) < 1 {
		return nil, 0, false, nil
	}

	pstrlen := int(buf[0])
	if pstrlen == 0 {
		return nil, 0, false, fmt.Errorf("peerwire: handshake pstrlen is 0")
	}

	total := 1 + pstrlen + 8 + 20 + 20
	if len(buf) < total {
		return nil, 0, false, nil
	}

	off := 1 + pstrlen + 8

	var infoHash, peerID [20]byte
	copy(infoHash[:], buf[off:off+20])
	copy(peerID[:], buf[off+20:off+40])

	return &Handshake{
		Protocol: string(buf[1 : 1+pstrlen]),
		InfoHash: infoHash,
		PeerID:   peerID,
	}, total, true, nil
}
