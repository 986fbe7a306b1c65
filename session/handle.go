package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"bittorrent/metainfo"
	"bittorrent/ratelimit"
)

// maxSessions is the number of torrents one Handle can run at once.
const maxSessions = 20

// defaultListenPort is the base TCP port the first session under a
// Handle binds to. The data model gives each Session its own listening
// socket while Handle names a single default port; this repo resolves
// that by treating the Handle's configured port as a base and handing
// each successive session the next free port, rather than building a
// single shared listener that demultiplexes inbound connections by
// info hash before a session is even known.
const defaultListenPort = 9090

// peerIDAlphabet is the character set GeneratePeerID draws from for the
// 17 random bytes that follow the "tr-" prefix.
const peerIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Handle is the process-wide owner of the upload rate controller, the
// peer id every session presents, and the set of currently running
// sessions.
type Handle struct {
	mu sync.Mutex

	peerID     [20]byte
	basePort   int
	nextPort   int
	rate       *ratelimit.Controller
	sessions   map[[20]byte]*Session // keyed by info hash
	cancelFns  map[[20]byte]context.CancelFunc
}

// HandleConfig configures a new Handle.
type HandleConfig struct {
	ListenPort int // 0 means defaultListenPort
	RateLimitKBps int // <0 means unlimited, per ratelimit.Controller
}

// NewHandle builds a Handle with a freshly generated peer id and an
// empty session set.
func NewHandle(cfg HandleConfig) (*Handle, error) {
	port := cfg.ListenPort
	if port == 0 {
		port = defaultListenPort
	}

	id, err := GeneratePeerID()
	if err != nil {
		return nil, fmt.Errorf("session: generating peer id: %w", err)
	}

	return &Handle{
		peerID:    id,
		basePort:  port,
		nextPort:  port,
		rate:      ratelimit.New(cfg.RateLimitKBps),
		sessions:  make(map[[20]byte]*Session),
		cancelFns: make(map[[20]byte]context.CancelFunc),
	}, nil
}

// GeneratePeerID builds a 20-byte peer id of the form "tr-" followed by
// 17 random alphanumeric characters, grounded on
// lvbealr/BitTorrent/torrent/utils.go:GeneratePeerID's prefix+random-tail
// shape, adapted to this client's "tr-" prefix and drawing its
// randomness from crypto/rand rather than math/rand, since a peer id
// doubles as a loose anti-collision token across the swarm.
func GeneratePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "tr-")

	alphabetLen := big.NewInt(int64(len(peerIDAlphabet)))

	for i := 3; i < 20; i++ {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return id, err
		}
		id[i] = peerIDAlphabet[n.Int64()]
	}

	return id, nil
}

// PeerID returns the peer id this Handle presents to trackers and peers.
func (h *Handle) PeerID() [20]byte { return h.peerID }

// AddTorrent loads the .torrent file at path, opens its storage under
// dest, and starts a new session for it, up to the Handle's session
// cap.
func (h *Handle) AddTorrent(ctx context.Context, path, dest string) (*Session, error) {
	info, err := metainfo.Load(path)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()

	if len(h.sessions) >= maxSessions {
		h.mu.Unlock()
		return nil, fmt.Errorf("session: at session cap (%d)", maxSessions)
	}

	if _, exists := h.sessions[info.InfoHash]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("session: torrent %x already running", info.InfoHash)
	}

	port := h.nextPort
	h.nextPort++

	h.mu.Unlock()

	sess, err := Open(info, Config{
		Dest:       dest,
		ListenPort: port,
		Rate:       h.rate,
		PeerID:     h.peerID,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.sessions[info.InfoHash] = sess
	h.cancelFns[info.InfoHash] = cancel
	h.mu.Unlock()

	go sess.Run(runCtx)

	return sess, nil
}

// Session returns the running session for infoHash, if any.
func (h *Handle) Session(infoHash [20]byte) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[infoHash]
	return s, ok
}

// Sessions returns a snapshot of every currently running session.
func (h *Handle) Sessions() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// StopTorrent stops and removes the session for infoHash, if running.
func (h *Handle) StopTorrent(infoHash [20]byte) error {
	h.mu.Lock()
	sess, ok := h.sessions[infoHash]
	cancel := h.cancelFns[infoHash]
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("session: no running torrent %x", infoHash)
	}

	sess.Stop()
	cancel()

	h.mu.Lock()
	delete(h.sessions, infoHash)
	delete(h.cancelFns, infoHash)
	h.mu.Unlock()

	return nil
}

// Close requires every session to already be stopped; it releases the
// Handle's remaining bookkeeping.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.sessions) > 0 {
		return fmt.Errorf("session: %d session(s) still running", len(h.sessions))
	}

	return nil
}
