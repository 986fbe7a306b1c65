package metainfo

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackpal/bencode-go"
)

func writeTorrent(t *testing.T, raw map[string]any) string {
	t.Helper()

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, raw); err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.torrent")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return path
}

func singleFileRaw(pieceLength, length int64, pieceCount int) map[string]any {
	pieces := make([]byte, pieceCount*sha1.Size)
	for i := range pieces {
		pieces[i] = byte(i)
	}

	return map[string]any{
		"announce": "http://tracker.example.com:6969/announce",
		"info": map[string]any{
			"piece length": pieceLength,
			"pieces":       string(pieces),
			"name":         "file.bin",
			"length":       length,
		},
	}
}

func TestLoadSingleFile(t *testing.T) {
	path := writeTorrent(t, singleFileRaw(16384, 32000, 2))

	info, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if info.TrackerHost != "tracker.example.com" || info.TrackerPort != 6969 || info.TrackerPath != "/announce" {
		t.Fatalf("got host=%q port=%d path=%q", info.TrackerHost, info.TrackerPort, info.TrackerPath)
	}

	if info.TotalLength != 32000 {
		t.Fatalf("TotalLength = %d, want 32000", info.TotalLength)
	}

	if info.PieceCount() != 2 {
		t.Fatalf("PieceCount = %d, want 2", info.PieceCount())
	}

	if got := info.PieceLen(1); got != 32000-16384 {
		t.Fatalf("PieceLen(1) = %d, want %d", got, 32000-16384)
	}
}

func TestLoadAnnounceNoPort(t *testing.T) {
	raw := singleFileRaw(16384, 16384, 1)
	raw["announce"] = "http://tracker.example.com/a"

	path := writeTorrent(t, raw)

	info, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if info.TrackerHost != "tracker.example.com" || info.TrackerPort != 80 || info.TrackerPath != "/a" {
		t.Fatalf("got host=%q port=%d path=%q", info.TrackerHost, info.TrackerPort, info.TrackerPath)
	}
}

func TestLoadMultiFile(t *testing.T) {
	raw := map[string]any{
		"announce": "http://tracker.example.com:6969/announce",
		"info": map[string]any{
			"piece length": int64(16384),
			"pieces":       string(make([]byte, sha1.Size)),
			"name":         "dir",
			"files": []any{
				map[string]any{"length": int64(10000), "path": []any{"a.txt"}},
				map[string]any{"length": int64(6384), "path": []any{"sub", "b.txt"}},
			},
		},
	}

	path := writeTorrent(t, raw)

	info, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if info.TotalLength != 16384 {
		t.Fatalf("TotalLength = %d, want 16384", info.TotalLength)
	}

	if len(info.Files) != 2 || info.Files[1].Offset != 10000 {
		t.Fatalf("unexpected Files: %+v", info.Files)
	}
}

func TestLoadBadPieceCount(t *testing.T) {
	path := writeTorrent(t, singleFileRaw(16384, 32000, 1)) // should be 2

	if _, err := Load(path); err == nil {
		t.Fatal("expected piece-count mismatch to be rejected")
	}
}

func TestTranscodeUTF8PassesThroughValid(t *testing.T) {
	const s = "héllo wörld"
	if got := transcodeUTF8(s); got != s {
		t.Fatalf("transcodeUTF8(%q) = %q, want unchanged", s, got)
	}
}

func TestTranscodeUTF8FixesLatin1(t *testing.T) {
	latin1 := string([]byte{'a', 0xE9, 'b'}) // 0xE9 invalid alone as UTF-8
	got := transcodeUTF8(latin1)

	if !bytes.Equal([]byte(got), []byte{'a', 0xC3, 0xA9, 'b'}) {
		t.Fatalf("transcodeUTF8 = %x, want 61 c3 a9 62", []byte(got))
	}
}

func TestExtractInfoBytesMatchesHash(t *testing.T) {
	path := writeTorrent(t, singleFileRaw(16384, 16384, 1))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		t.Fatalf("extractInfoBytes: %v", err)
	}

	info, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if sha1.Sum(infoBytes) != info.InfoHash {
		t.Fatal("extracted info bytes do not hash to the stored InfoHash")
	}
}
