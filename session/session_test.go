package session

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bittorrent/metainfo"
	"bittorrent/netio"
	"bittorrent/peerwire"
	"bittorrent/ratelimit"
)

func TestGeneratePeerIDFormat(t *testing.T) {
	id, err := GeneratePeerID()
	if err != nil {
		t.Fatalf("GeneratePeerID: %v", err)
	}

	if string(id[:3]) != "tr-" {
		t.Fatalf("prefix = %q, want %q", id[:3], "tr-")
	}

	for i := 3; i < 20; i++ {
		if !strings.ContainsRune(peerIDAlphabet, rune(id[i])) {
			t.Fatalf("byte %d = %q is not in the peer id alphabet", i, id[i])
		}
	}
}

func TestGeneratePeerIDVaries(t *testing.T) {
	a, _ := GeneratePeerID()
	b, _ := GeneratePeerID()

	if a == b {
		t.Fatal("two consecutive peer ids collided; randomness source may be broken")
	}
}

func singlePieceInfo(t *testing.T, content []byte) *metainfo.Info {
	t.Helper()

	hash := sha1.Sum(content)

	return &metainfo.Info{
		Announce:    "http://127.0.0.1:1/announce",
		Name:        "file.dat",
		PieceLength: int64(len(content)),
		Pieces:      [][20]byte{hash},
		Files:       []metainfo.FileEntry{{Path: []string{"file.dat"}, Length: int64(len(content))}},
		TotalLength: int64(len(content)),
	}
}

func TestOpenFreshTorrentStartsInDownload(t *testing.T) {
	info := singlePieceInfo(t, []byte("abcd"))
	dest := t.TempDir()

	peerID, _ := GeneratePeerID()

	s, err := Open(info, Config{Dest: dest, ListenPort: 0, Rate: ratelimit.New(-1), PeerID: peerID})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.listener.Close()

	if s.State() != StateDownload {
		t.Fatalf("State = %v, want Download", s.State())
	}

	stats := s.Stats()
	if stats.HaveCount != 0 || stats.PieceCount != 1 {
		t.Fatalf("Stats = %+v, want HaveCount=0 PieceCount=1", stats)
	}
}

func TestOpenRecoversCompletedTorrentAsSeed(t *testing.T) {
	content := []byte("abcd")
	info := singlePieceInfo(t, content)
	dest := t.TempDir()

	if err := os.WriteFile(filepath.Join(dest, "file.dat"), content, 0o644); err != nil {
		t.Fatalf("seeding file: %v", err)
	}

	peerID, _ := GeneratePeerID()

	s, err := Open(info, Config{Dest: dest, ListenPort: 0, Rate: ratelimit.New(-1), PeerID: peerID})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.listener.Close()

	if s.State() != StateSeed {
		t.Fatalf("State = %v, want Seed (recovered from existing file)", s.State())
	}
}

func TestRotatePeersShiftsBySlot(t *testing.T) {
	ln, err := netio.Listen(0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	info := singlePieceInfo(t, []byte("abcd"))
	peerID, _ := GeneratePeerID()

	s, err := Open(info, Config{Dest: t.TempDir(), ListenPort: 0, Rate: ratelimit.New(-1), PeerID: peerID})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.listener.Close()

	var peers []*peerwire.Peer
	for i := 0; i < 3; i++ {
		p, err := peerwire.NewOutbound(ln.Addr().String(), s.torrent, peerID)
		if err != nil {
			t.Fatalf("NewOutbound: %v", err)
		}
		defer p.Close()
		peers = append(peers, p)

		go func() {
			for i := 0; i < 100; i++ {
				if _, sig := ln.Accept(); sig == netio.OK {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}

	s.peers = append([]*peerwire.Peer(nil), peers...)
	s.rotatePeers()

	want := []*peerwire.Peer{peers[1], peers[2], peers[0]}
	for i := range want {
		if s.peers[i] != want[i] {
			t.Fatalf("rotatePeers order[%d] = %p, want %p", i, s.peers[i], want[i])
		}
	}
}
