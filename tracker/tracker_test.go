package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackpal/bencode-go"
)

func TestAnnounceCompactPeers(t *testing.T) {
	peerBytes := string([]byte{127, 0, 0, 1, 0x1A, 0xE1}) // 127.0.0.1:6881

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("compact"); got != "1" {
			t.Errorf("compact = %q, want \"1\"", got)
		}
		if got := r.URL.Query().Get("event"); got != "started" {
			t.Errorf("event = %q, want \"started\"", got)
		}

		bencode.Marshal(w, map[string]interface{}{
			"interval": 1800,
			"complete": 3,
			"peers":    peerBytes,
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL + "/announce")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Announce(context.Background(), AnnounceRequest{
		PeerID: "-GT0001-aaaaaaaaaaaa",
		Port:   6881,
		Left:   100,
		Event:  EventStarted,
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if resp.Interval != 1800 {
		t.Errorf("Interval = %d, want 1800", resp.Interval)
	}
	if len(resp.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(resp.Peers))
	}
	if resp.Peers[0].String() != "127.0.0.1:6881" {
		t.Errorf("Peers[0] = %s, want 127.0.0.1:6881", resp.Peers[0])
	}
}

func TestAnnounceDictPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bencode.Marshal(w, map[string]interface{}{
			"interval": 900,
			"peers": []interface{}{
				map[string]interface{}{"ip": "10.0.0.5", "port": int64(51413)},
			},
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL + "/announce")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Announce(context.Background(), AnnounceRequest{PeerID: "p", Port: 6881})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if len(resp.Peers) != 1 || resp.Peers[0].Port != 51413 {
		t.Fatalf("Peers = %+v, want one peer on port 51413", resp.Peers)
	}
}

func TestAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bencode.Marshal(w, map[string]interface{}{
			"failure reason": "torrent not registered",
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL + "/announce")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Announce(context.Background(), AnnounceRequest{PeerID: "p", Port: 6881})
	if err == nil {
		t.Fatal("expected an error")
	}

	trackerErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("err is %T, want *tracker.Error", err)
	}
	if trackerErr.Reason != "torrent not registered" {
		t.Errorf("Reason = %q", trackerErr.Reason)
	}
}

func TestDeriveScrapeURL(t *testing.T) {
	cases := []struct {
		announce string
		want     string
	}{
		{"http://tracker.example.com:6969/announce", "http://tracker.example.com:6969/scrape"},
		{"http://tracker.example.com:6969/a/announce", "http://tracker.example.com:6969/a/scrape"},
		{"http://tracker.example.com:6969/ann", ""},
	}

	for _, tc := range cases {
		if got := deriveScrapeURL(tc.announce); got != tc.want {
			t.Errorf("deriveScrapeURL(%q) = %q, want %q", tc.announce, got, tc.want)
		}
	}
}

func TestScrape(t *testing.T) {
	hash := [20]byte{1, 2, 3}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bencode.Marshal(w, map[string]interface{}{
			"files": map[string]interface{}{
				string(hash[:]): map[string]interface{}{
					"complete":   5,
					"incomplete": 2,
					"downloaded": 40,
				},
			},
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL + "/announce")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stats, err := c.Scrape(context.Background(), hash)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}

	stat, ok := stats[hash]
	if !ok {
		t.Fatal("expected a stat for the requested hash")
	}
	if stat.Complete != 5 || stat.Incomplete != 2 || stat.Downloaded != 40 {
		t.Errorf("stat = %+v", stat)
	}
}
