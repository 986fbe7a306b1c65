// Package peerwire drives a single peer connection: handshake, message
// framing, choke/interest state, and the request/serve pipelines. It is
// grounded on original_source/libtransmission/peer.c's tr_peerPulse,
// checkPeer and parseMessage, adapted from that code's single-threaded
// event-driven C loop to a per-tick Go method driven by netio's
// non-blocking Conn instead of raw sockets.
package peerwire

import (
	"errors"
	"fmt"
	"time"

	"bittorrent/bitfield"
	"bittorrent/blocktable"
	"bittorrent/netio"
	"bittorrent/picker"
	"bittorrent/ratelimit"
)

// Timing constants governing peer liveness: the handshake, silence and
// keep-alive timeouts from the peer-wire design, plus the outbound dial
// timeout. The request ring capacity and top-up threshold are in ring.go.
const (
	handshakeTimeout       = 8 * time.Second
	silenceTimeout         = 180 * time.Second
	outstandingSilenceWait = 60 * time.Second
	keepAliveInterval      = 120 * time.Second
	dialTimeout            = 5 * time.Second
)

// WireState is the exhaustive set of states a Peer connection passes
// through. Unlike the original client's ad hoc status/Choked booleans,
// this is a single tagged sum type: a Peer is in exactly one of these
// states at a time. There is no separate "handshaking inbound" variant;
// an inbound-vs-outbound connection is distinguished by the inbound
// field instead, since both directions wait on the same handshake
// send/receive logic once the socket exists.
type WireState int

const (
	StateIdle WireState = iota
	StateConnecting
	StateHandshaking
	StateConnected
)

func (s WireState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Torrent bundles the per-session state every peer connection reads and
// mutates, mirroring the fields of tr_torrent_t that tr_peerPulse and
// parseMessage touch: the info hash peers must present, the block
// layout, the download's own have/outstanding bookkeeping, the on-disk
// store, the block picker and the shared upload rate limiter.
type Torrent struct {
	InfoHash [20]byte
	Layout   blocktable.Layout
	Blocks   blocktable.Table
	Have     bitfield.Bitfield
	Store    blockStore
	Picker   *picker.Picker
	Rate     *ratelimit.Controller
}

// blockStore is the subset of storage.Store peerwire needs, kept as an
// interface so tests can exercise Peer without real files.
type blockStore interface {
	Read(index, begin, length int) ([]byte, error)
	WriteBlock(blocks blocktable.Table, bits bitfield.Bitfield, index, begin int, data []byte) (verified bool, err error)
}

// Peer drives one connection's state machine. All of its methods are
// meant to be called from a single goroutine (the session's tick loop);
// Peer does no locking of its own.
type Peer struct {
	conn    *netio.Conn
	addr    string
	inbound bool

	state        WireState
	connectedAt  time.Time
	stateEntered time.Time

	id     [20]byte
	haveID bool

	peerBits bitfield.Bitfield

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	slow bool

	outstanding requestRing // requests we've sent, awaiting PIECE
	toServe     requestRing // requests peers have sent us, awaiting our PIECE

	sendBuf []byte // bytes queued to write, not yet accepted by the socket
	recvBuf []byte // bytes read off the socket, not yet framed into messages

	lastActivity     time.Time
	lastKeepAliveOut time.Time

	downloaded int64
	uploaded   int64
}

// NewOutbound begins a connection to addr. Unlike the original client's
// raw non-blocking connect(), which returns immediately and waits for a
// writability event, Go's net.DialTimeout blocks until the TCP
// handshake completes or fails; NewOutbound performs that dial
// synchronously and returns an error if it fails, the equivalent of the
// original's "goto dropPeer" on a failed connect. A successfully built
// Peer starts already past the Connecting phase, in StateHandshaking,
// with its handshake already queued to send.
func NewOutbound(addr string, t *Torrent, myID [20]byte) (*Peer, error) {
	conn, err := netio.Dial(addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("peerwire: dial %s: %w", addr, err)
	}

	p := newPeer(conn, addr, false)
	p.enterState(StateHandshaking)
	p.sendBuf = append(p.sendBuf, NewHandshake(t.InfoHash, myID).Serialize()...)

	return p, nil
}

// NewInbound wraps an already-accepted connection. The remote side
// speaks first in the usual flow, but we still queue our own handshake
// immediately; by the time both sides have read each other's, the order
// of arrival on the wire doesn't matter.
func NewInbound(conn *netio.Conn, t *Torrent, myID [20]byte) *Peer {
	p := newPeer(conn, conn.RemoteAddr().String(), true)
	p.enterState(StateHandshaking)
	p.sendBuf = append(p.sendBuf, NewHandshake(t.InfoHash, myID).Serialize()...)

	return p
}

func newPeer(conn *netio.Conn, addr string, inbound bool) *Peer {
	now := time.Now()

	return &Peer{
		conn:         conn,
		addr:         addr,
		inbound:      inbound,
		amChoking:    true,
		peerChoking:  true,
		connectedAt:  now,
		stateEntered: now,
		lastActivity: now,
	}
}

func (p *Peer) enterState(s WireState) {
	p.state = s
	p.stateEntered = time.Now()
}

// State reports the peer's current connection state.
func (p *Peer) State() WireState { return p.state }

// Addr returns the peer's dial/remote address, used for duplicate
// detection by (addr, port).
func (p *Peer) Addr() string { return p.addr }

// ID returns the peer's 20-byte id and whether a handshake has
// completed far enough to know it.
func (p *Peer) ID() ([20]byte, bool) { return p.id, p.haveID }

// AmInterested/PeerInterested/AmChoking/PeerChoking expose the four
// choke-protocol flags for logging and the session's choke policy pass.
func (p *Peer) AmInterested() bool   { return p.amInterested }
func (p *Peer) PeerInterested() bool { return p.peerInterested }
func (p *Peer) AmChoking() bool      { return p.amChoking }
func (p *Peer) PeerChoking() bool    { return p.peerChoking }

// PeerBitfield returns the set of pieces this peer has advertised, or
// nil if none have been learned yet.
func (p *Peer) PeerBitfield() bitfield.Bitfield { return p.peerBits }

// Uploaded and Downloaded report this peer's lifetime byte counts,
// used to feed the session's rolling-rate buffers.
func (p *Peer) Uploaded() int64   { return p.uploaded }
func (p *Peer) Downloaded() int64 { return p.downloaded }

// Slow reports whether the peer has been flagged slow through SetSlow.
// The session's choke policy keeps a slow peer choked; nothing in the
// session sets the flag itself.
func (p *Peer) Slow() bool      { return p.slow }
func (p *Peer) SetSlow(v bool)  { p.slow = v }

// Inbound reports whether this connection was accepted rather than
// dialed.
func (p *Peer) Inbound() bool { return p.inbound }

// QueueHave appends a HAVE message to this peer's outbound write
// buffer, used by the session to announce a newly completed piece to
// every connected peer.
func (p *Peer) QueueHave(index int) {
	p.sendBuf = append(p.sendBuf, NewHaveMessage(index).Serialize()...)
}

// Close releases the underlying connection.
func (p *Peer) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// Tick drives one pass of I/O and protocol logic for the peer: flush
// queued writes, read whatever is available, frame and dispatch
// complete messages, then (once connected) top up outstanding requests
// and serve queued ones. It returns drop=true when the connection
// should be torn down (closed socket, protocol violation, or timeout),
// and reports piece indices newly completed this tick via haveIndices
// so the caller can broadcast HAVE to other peers.
func (p *Peer) Tick(t *Torrent, isDuplicateID func(id [20]byte, self *Peer) bool, now time.Time) (drop bool, haveIndices []int, err error) {
	if err := p.flushWrites(); err != nil {
		return true, nil, err
	}

	if err := p.fillRecvBuf(); err != nil {
		return true, nil, err
	}

	switch p.state {
	case StateHandshaking:
		drop, err := p.continueHandshake(t, isDuplicateID, now)
		if drop || err != nil {
			return drop, nil, err
		}
	case StateConnected:
		haves, err := p.drainMessages(t)
		if err != nil {
			return true, nil, err
		}
		haveIndices = append(haveIndices, haves...)

		if now.Sub(p.lastActivity) > silenceTimeout {
			return true, nil, errors.New("peerwire: silence timeout")
		}

		p.topUpRequests(t)
		p.serveRequests(t)

		if err := p.flushWrites(); err != nil {
			return true, nil, err
		}
	}

	return false, haveIndices, nil
}

func (p *Peer) continueHandshake(t *Torrent, isDuplicateID func([20]byte, *Peer) bool, now time.Time) (drop bool, err error) {
	if now.Sub(p.stateEntered) > handshakeTimeout {
		return true, errors.New("peerwire: handshake timeout")
	}

	hs, consumed, ok, err := parseHandshake(p.recvBuf)
	if err != nil {
		return true, err
	}
	if !ok {
		return false, nil
	}

	p.recvBuf = p.recvBuf[consumed:]

	if hs.Protocol != protocolString {
		return true, fmt.Errorf("peerwire: unknown protocol %q", hs.Protocol)
	}

	if hs.InfoHash != t.InfoHash {
		return true, errors.New("peerwire: info hash mismatch")
	}

	if isDuplicateID != nil && isDuplicateID(hs.PeerID, p) {
		return true, errors.New("peerwire: duplicate peer id")
	}

	p.id = hs.PeerID
	p.haveID = true
	p.lastActivity = now

	p.enterState(StateConnected)

	if t.Have.Count() > 0 {
		p.sendBuf = append(p.sendBuf, NewBitfieldMessage(t.Have).Serialize()...)
	}

	return false, nil
}

// drainMessages frames and dispatches every complete message currently
// sitting in recvBuf, returning piece indices that were newly completed
// by any PIECE messages handled along the way.
func (p *Peer) drainMessages(t *Torrent) (haveIndices []int, err error) {
	for {
		msg, consumed, ok, err := nextFrame(p.recvBuf)
		if err != nil {
			return nil, err
		}
		if !ok {
			return haveIndices, nil
		}

		p.recvBuf = p.recvBuf[consumed:]
		p.lastActivity = time.Now()

		completed, err := p.handleMessage(t, msg)
		if err != nil {
			return nil, err
		}
		if completed >= 0 {
			haveIndices = append(haveIndices, completed)
		}
	}
}

// handleMessage applies one decoded message to peer and torrent state,
// the Go equivalent of parseMessage's per-id switch. It returns the
// index of a piece that was just completed and verified by this
// message (a PIECE that finished its piece), or -1 otherwise.
func (p *Peer) handleMessage(t *Torrent, msg *Message) (completedPiece int, err error) {
	if msg == nil {
		return -1, nil // keep-alive
	}

	switch msg.ID {
	case MsgChoke:
		p.peerChoking = true
		// The original leaks blockHave accounting here by zeroing
		// inRequestCount without decrementing the torrent's
		// outstanding counters. Every request we'd sent is now
		// abandoned, so release its slot properly.
		for _, req := range p.outstanding.Clear() {
			t.Blocks.RequestOutstandingDec(req.Block)
		}

	case MsgUnchoke:
		p.peerChoking = false

	case MsgInterested:
		p.peerInterested = true

	case MsgNotInterested:
		p.peerInterested = false

	case MsgHave:
		if len(msg.Payload) != 4 {
			return -1, fmt.Errorf("peerwire: malformed have payload len %d", len(msg.Payload))
		}
		index := beUint32(msg.Payload)
		p.ensurePeerBits(t)
		p.peerBits.Set(int(index))

	case MsgBitfield:
		p.peerBits = append(bitfield.Bitfield(nil), msg.Payload...)
		if err := p.peerBits.ValidateSpareBits(t.Layout.PieceCount()); err != nil {
			return -1, err
		}

	case MsgRequest:
		return -1, p.handleRequest(t, msg)

	case MsgCancel:
		index, begin, _, err := parseBlockPayload(msg.Payload)
		if err != nil {
			return -1, err
		}
		p.toServe.Remove(index, begin)

	case MsgPiece:
		return p.handlePiece(t, msg)
	}

	return -1, nil
}

func (p *Peer) ensurePeerBits(t *Torrent) {
	if p.peerBits == nil {
		p.peerBits = bitfield.New(t.Layout.PieceCount())
	}
}

func (p *Peer) handleRequest(t *Torrent, msg *Message) error {
	index, begin, rest, err := parseBlockPayload(msg.Payload)
	if err != nil {
		return err
	}
	if len(rest) != 4 {
		return fmt.Errorf("peerwire: malformed request payload")
	}

	length := int(beUint32(rest))

	if p.amChoking {
		return nil // ignore requests while we're choking this peer
	}

	if p.toServe.Full() {
		return nil // drop; a well-behaved peer won't exceed our pipeline depth
	}

	block := t.Layout.BlockAt(index, begin)
	p.toServe.Push(blockRequest{Block: block, Index: index, Begin: begin, Length: length})

	return nil
}

func (p *Peer) handlePiece(t *Torrent, msg *Message) (completedPiece int, err error) {
	index, begin, data, err := parseBlockPayload(msg.Payload)
	if err != nil {
		return -1, err
	}

	block := t.Layout.BlockAt(index, begin)

	front, ok := p.outstanding.Front()
	if !ok || front.Index != index || front.Begin != begin {
		return -1, fmt.Errorf("peerwire: piece (%d, %d) does not match head of request ring", index, begin)
	}
	if front.Length != len(data) {
		return -1, fmt.Errorf("peerwire: piece (%d, %d) length %d, want %d", index, begin, len(data), front.Length)
	}
	p.outstanding.Pop()

	t.Blocks.RequestOutstandingDec(block)
	p.downloaded += int64(len(data))

	if t.Blocks.IsHave(block) {
		return -1, nil // another peer's copy of this block already landed
	}

	// WriteBlock hashes the piece only once every one of its blocks is
	// marked have, so this block is marked before it is written.
	t.Blocks.MarkHave(block)

	verified, err := t.Store.WriteBlock(t.Blocks, t.Have, index, begin, data)
	if err != nil {
		t.Blocks.ResetBlock(block)
		return -1, err
	}

	if verified {
		return index, nil
	}

	return -1, nil
}

// topUpRequests fills the outstanding ring back up to capacity whenever
// it holds no more than the top-up threshold, MAX_REQUESTS/2, choosing
// blocks via the shared Picker.
func (p *Peer) topUpRequests(t *Torrent) {
	if p.peerChoking || !p.amInterested {
		return
	}

	if p.outstanding.Len() > requestTopUpThreshold {
		return
	}

	for !p.outstanding.Full() {
		block, ok := t.Picker.ChooseBlock(t.Have, p.peerBits, t.Blocks)
		if !ok {
			break
		}

		index := t.Layout.PieceOfBlock(block)
		begin := int(t.Layout.OffsetInPiece(block))
		length := int(t.Layout.BlockLen(block))

		t.Blocks.RequestOutstandingInc(block)
		p.outstanding.Push(blockRequest{Block: block, Index: index, Begin: begin, Length: length})
		p.sendBuf = append(p.sendBuf, NewRequestMessage(index, begin, length).Serialize()...)
	}
}

// serveRequests writes queued PIECE responses while the write buffer
// has room (below half a block pending) and the upload rate limiter
// permits it.
func (p *Peer) serveRequests(t *Torrent) {
	halfBlock := int(t.Layout.BlockSize) / 2

	for len(p.sendBuf) < halfBlock {
		if !t.Rate.CanUpload() {
			return
		}

		req, ok := p.toServe.Pop()
		if !ok {
			return
		}

		data, err := t.Store.Read(req.Index, req.Begin, req.Length)
		if err != nil {
			continue // the piece isn't on disk (yet); drop silently
		}

		p.sendBuf = append(p.sendBuf, NewPieceMessage(req.Index, req.Begin, data).Serialize()...)
		t.Rate.Uploaded(len(data))
		p.uploaded += int64(len(data))
	}
}

// SetInterested queues an INTERESTED or NOT_INTERESTED message if it
// changes our current state.
func (p *Peer) SetInterested(interested bool) {
	if interested == p.amInterested {
		return
	}

	p.amInterested = interested

	id := MsgNotInterested
	if interested {
		id = MsgInterested
	}

	p.sendBuf = append(p.sendBuf, (&Message{ID: id}).Serialize()...)
}

// SetChoking queues a CHOKE or UNCHOKE message if it changes our
// current state, and on choke, drops every request this peer has
// queued with us (mirroring the other direction of the choke-message
// accounting fix: our own toServe ring simply empties, since a choked
// peer gets nothing served regardless of what's still queued).
func (p *Peer) SetChoking(choking bool) {
	if choking == p.amChoking {
		return
	}

	p.amChoking = choking

	id := MsgUnchoke
	if choking {
		id = MsgChoke
		p.toServe.Clear()
	}

	p.sendBuf = append(p.sendBuf, (&Message{ID: id}).Serialize()...)
}

// MaybeKeepAlive queues a keep-alive frame if no keep-alive has been
// queued to this peer in keepAliveInterval; other outgoing traffic does
// not reset that interval.
func (p *Peer) MaybeKeepAlive(now time.Time) {
	if now.Sub(p.lastKeepAliveOut) < keepAliveInterval {
		return
	}

	p.sendBuf = append(p.sendBuf, (*Message)(nil).Serialize()...)
	p.lastKeepAliveOut = now
}

// HealthCheck runs the once-per-second liveness checks: a peer with
// outstanding requests that has gone quiet for outstandingSilenceWait
// is dropped, since its unfulfilled requests are better reassigned to
// another peer than left to a slow or wedged connection.
func (p *Peer) HealthCheck(now time.Time) (drop bool) {
	if p.outstanding.Len() > 0 && now.Sub(p.lastActivity) > outstandingSilenceWait {
		return true
	}

	return false
}

func (p *Peer) flushWrites() error {
	for len(p.sendBuf) > 0 {
		n, sig := p.conn.Send(p.sendBuf)

		switch sig {
		case netio.OK:
			p.sendBuf = p.sendBuf[n:]
		case netio.Block:
			return nil
		case netio.Closed:
			return errors.New("peerwire: connection closed")
		}

		if n == 0 {
			return nil
		}
	}

	return nil
}

// recvChunk is how much we try to read off the wire per Recv call; large
// enough to drain a full PIECE message's block payload in one go.
const recvChunk = 32 * 1024

func (p *Peer) fillRecvBuf() error {
	buf := make([]byte, recvChunk)

	for {
		n, sig := p.conn.Recv(buf)

		switch sig {
		case netio.OK:
			p.recvBuf = append(p.recvBuf, buf[:n]...)
			if n < len(buf) {
				return nil
			}
		case netio.Block:
			return nil
		case netio.Closed:
			return errors.New("peerwire: connection closed")
		}
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
