// Package tracker implements the HTTP/1.1 announce protocol: build the
// GET request a tracker expects, decode its bencoded response, and turn
// the compact or list-form peer list it returns into addresses a session
// can dial. It is grounded on the original client's SendHTTPTrackerRequest
// and on the announce/scrape lifecycle in the C implementation's
// tracker.c, generalized to the started/completed/stopped event flags and
// the dictionary peer-list form the original only spoke over UDP-free HTTP
// for the compact case.
package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackpal/bencode-go"
)

// Event names the three announce lifecycle events a client reports to a
// tracker; the empty Event is a routine re-announce carrying none of them.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// requestTimeout bounds a single announce or scrape round trip.
const requestTimeout = 15 * time.Second

// AnnounceRequest carries the per-torrent, per-session counters a tracker
// needs to answer an announce.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     string
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int // 0 means "let the tracker pick a default"
}

// AnnounceResponse is the decoded, peer-list-parsed reply to an announce.
type AnnounceResponse struct {
	Interval    int
	MinInterval int
	Complete    int // seeders
	Incomplete  int // leechers
	Peers       []Peer
}

// Error reports a tracker's own "failure reason" dictionary entry, which
// is a protocol-level rejection distinct from a transport or decode error.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tracker: %s", e.Reason)
}

// Client announces to and scrapes a single tracker named by its announce
// URL. A Client holds no per-torrent state; callers pass everything an
// announce needs on each call, the same way the session drives everything
// else through explicit parameters rather than globals.
type Client struct {
	announceURL string
	scrapeURL   string // empty if the announce URL's last segment isn't "announce"
	http        *http.Client
}

// New builds a Client for the given announce URL, deriving the scrape URL
// by the same convention the original client used to "guess" it: the last
// path segment, if it is exactly "announce", is replaced with "scrape".
// Any tracker whose announce path doesn't follow that convention simply
// has no working Scrape method.
func New(announceURL string) (*Client, error) {
	if _, err := url.Parse(announceURL); err != nil {
		return nil, fmt.Errorf("tracker: bad announce URL %q: %w", announceURL, err)
	}

	return &Client{
		announceURL: announceURL,
		scrapeURL:   deriveScrapeURL(announceURL),
		http:        &http.Client{Timeout: requestTimeout},
	}, nil
}

// deriveScrapeURL implements the "Guess scrape URL" step: find the final
// '/'-delimited path segment; if it is literally "announce", splice in
// "scrape" in its place. Otherwise scrape is unsupported for this tracker.
func deriveScrapeURL(announceURL string) string {
	idx := strings.LastIndexByte(announceURL, '/')
	if idx < 0 {
		return ""
	}

	if announceURL[idx+1:] != "announce" {
		return ""
	}

	return announceURL[:idx+1] + "scrape"
}

// CanScrape reports whether this tracker's announce URL followed the
// "announce" naming convention scrape derivation depends on.
func (c *Client) CanScrape() bool {
	return c.scrapeURL != ""
}

// rawResponse mirrors the bencoded dictionary a tracker answers with.
// Peers is left as interface{} because it arrives in either of two
// shapes: a packed 6-byte-per-peer string (compact=1), or a list of
// {ip, port, peer id} dictionaries — a client has to sniff the decoded
// Go type to tell them apart.
type rawResponse struct {
	FailureReason  string      `bencode:"failure reason"`
	WarningMessage string      `bencode:"warning message"`
	Interval       int         `bencode:"interval"`
	MinInterval    int         `bencode:"min interval"`
	Complete       int         `bencode:"complete"`
	Incomplete     int         `bencode:"incomplete"`
	Peers          interface{} `bencode:"peers"`
}

// Announce sends one announce request and returns the tracker's parsed
// reply. A non-nil *Error return means the tracker itself rejected the
// request (a "failure reason" dictionary); any other error is transport-
// or decode-level.
func (c *Client) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	u, err := url.Parse(c.announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}

	params := url.Values{}
	params.Set("info_hash", string(req.InfoHash[:]))
	params.Set("peer_id", req.PeerID)
	params.Set("port", strconv.Itoa(req.Port))
	params.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	params.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	params.Set("left", strconv.FormatInt(req.Left, 10))
	params.Set("compact", "1")

	if req.Event != EventNone {
		params.Set("event", string(req.Event))
	}

	if req.NumWant > 0 {
		params.Set("numwant", strconv.Itoa(req.NumWant))
	}

	u.RawQuery = params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: building request: %w", err)
	}

	httpReq.Header.Set("User-Agent", "bittorrent/1.0")
	httpReq.Close = true

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce to %s: %w", c.announceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: %s returned status %d", c.announceURL, resp.StatusCode)
	}

	var raw rawResponse
	if err := bencode.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("tracker: decoding response from %s: %w", c.announceURL, err)
	}

	if raw.FailureReason != "" {
		return nil, &Error{Reason: raw.FailureReason}
	}

	peers, err := parsePeers(raw.Peers)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}

	return &AnnounceResponse{
		Interval:    raw.Interval,
		MinInterval: raw.MinInterval,
		Complete:    raw.Complete,
		Incomplete:  raw.Incomplete,
		Peers:       peers,
	}, nil
}
