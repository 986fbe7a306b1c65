package storage

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"bittorrent/bitfield"
	"bittorrent/blocktable"
	"bittorrent/metainfo"
)

func testInfo(pieceLength int64, fileLengths ...int64) *metainfo.Info {
	var total int64
	var files []metainfo.FileEntry

	for i, l := range fileLengths {
		files = append(files, metainfo.FileEntry{
			Path:   []string{"f" + string(rune('0'+i))},
			Length: l,
			Offset: total,
		})
		total += l
	}

	pieceCount := int((total + pieceLength - 1) / pieceLength)
	pieces := make([][20]byte, pieceCount)

	return &metainfo.Info{
		PieceLength: pieceLength,
		Pieces:      pieces,
		Files:       files,
		TotalLength: total,
	}
}

// fillContentAndHashes writes deterministic content to every file and fixes
// up info.Pieces to match, so a from-scratch Open recognizes everything
// as already complete.
func fillContentAndHashes(t *testing.T, dest string, info *metainfo.Info) {
	t.Helper()

	content := make([]byte, info.TotalLength)
	for i := range content {
		content[i] = byte(i * 7)
	}

	for _, f := range info.Files {
		path := filepath.Join(dest, filepath.Join(f.Path...))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}

		if err := os.WriteFile(path, content[f.Offset:f.Offset+f.Length], 0o644); err != nil {
			t.Fatal(err)
		}
	}

	for p := range info.Pieces {
		start := int64(p) * info.PieceLength
		end := start + info.PieceLen(p)
		info.Pieces[p] = sha1.Sum(content[start:end])
	}
}

func TestOpenScanRecognizesCompleteTorrent(t *testing.T) {
	dest := t.TempDir()
	info := testInfo(16384, 32000)
	fillContentAndHashes(t, dest, info)

	blocks := blocktable.New(blocktable.NewLayout(info.PieceLength, info.TotalLength).BlockCount())
	bits := bitfield.New(info.PieceCount())

	s, err := Open(info, dest, blocks, bits)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(blocks)

	if bits.Count() != info.PieceCount() {
		t.Fatalf("bits.Count() = %d, want %d", bits.Count(), info.PieceCount())
	}

	if blocks.HaveCount() != len(blocks) {
		t.Fatalf("HaveCount = %d, want %d", blocks.HaveCount(), len(blocks))
	}
}

func TestWriteBlockVerifiesOnCompletion(t *testing.T) {
	dest := t.TempDir()
	info := testInfo(16384, 16384) // one piece, one block
	content := make([]byte, 16384)
	for i := range content {
		content[i] = byte(i)
	}
	info.Pieces[0] = sha1.Sum(content)

	layout := blocktable.NewLayout(info.PieceLength, info.TotalLength)
	blocks := blocktable.New(layout.BlockCount())
	bits := bitfield.New(info.PieceCount())

	s, err := Open(info, dest, blocks, bits)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(blocks)

	blocks.MarkHave(0) // pretend the block payload below has "arrived"

	verified, err := s.WriteBlock(blocks, bits, 0, 0, content)
	if err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	if !verified {
		t.Fatal("expected the single-block piece to verify immediately")
	}

	if !bits.Has(0) {
		t.Fatal("expected bitfield bit 0 to be set after verification")
	}

	got, err := s.Read(0, 0, len(content))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if string(got) != string(content) {
		t.Fatal("read-back content does not match what was written")
	}
}

func TestWriteBlockHashMismatchResetsBlocks(t *testing.T) {
	dest := t.TempDir()
	info := testInfo(16384, 16384)
	info.Pieces[0] = sha1.Sum(make([]byte, 16384)) // expects all-zero content

	layout := blocktable.NewLayout(info.PieceLength, info.TotalLength)
	blocks := blocktable.New(layout.BlockCount())
	bits := bitfield.New(info.PieceCount())

	s, err := Open(info, dest, blocks, bits)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(blocks)

	blocks.MarkHave(0)

	bad := make([]byte, 16384)
	bad[0] = 0xFF

	verified, err := s.WriteBlock(blocks, bits, 0, 0, bad)
	if err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	if verified {
		t.Fatal("expected hash mismatch to be detected")
	}

	if bits.Has(0) {
		t.Fatal("bitfield bit must not be set after a hash mismatch")
	}

	if blocks.IsHave(0) {
		t.Fatal("block must be reset to not-have after a hash mismatch")
	}
}

// TestWriteBlockOutOfOrderFirstWrite writes the second piece of a
// two-piece torrent before the first, the common case in a real swarm
// where pieces arrive in whatever order peers happen to supply them.
// createFiles must leave newly created files empty rather than
// pre-truncated to their full length, or scanExisting would have
// already (wrongly) counted every slot as occupied and findSlotForPiece
// would assign this write a slot whose reorder then panics indexing
// pieceSlot with a still-unassigned -1 entry.
func TestWriteBlockOutOfOrderFirstWrite(t *testing.T) {
	dest := t.TempDir()
	info := testInfo(16384, 32768) // two pieces, one block each

	piece0 := make([]byte, 16384)
	piece1 := make([]byte, 16384)
	for i := range piece0 {
		piece0[i] = byte(i)
		piece1[i] = byte(255 - i)
	}
	info.Pieces[0] = sha1.Sum(piece0)
	info.Pieces[1] = sha1.Sum(piece1)

	layout := blocktable.NewLayout(info.PieceLength, info.TotalLength)
	blocks := blocktable.New(layout.BlockCount())
	bits := bitfield.New(info.PieceCount())

	s, err := Open(info, dest, blocks, bits)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(blocks)

	block1 := layout.StartBlock(1)
	blocks.MarkHave(block1)

	verified, err := s.WriteBlock(blocks, bits, 1, 0, piece1)
	if err != nil {
		t.Fatalf("WriteBlock(piece 1): %v", err)
	}
	if !verified {
		t.Fatal("expected piece 1 to verify immediately")
	}

	block0 := layout.StartBlock(0)
	blocks.MarkHave(block0)

	verified, err = s.WriteBlock(blocks, bits, 0, 0, piece0)
	if err != nil {
		t.Fatalf("WriteBlock(piece 0): %v", err)
	}
	if !verified {
		t.Fatal("expected piece 0 to verify immediately")
	}

	got0, err := s.Read(0, 0, len(piece0))
	if err != nil {
		t.Fatalf("Read(piece 0): %v", err)
	}
	if string(got0) != string(piece0) {
		t.Fatal("read-back of piece 0 does not match what was written")
	}

	got1, err := s.Read(1, 0, len(piece1))
	if err != nil {
		t.Fatalf("Read(piece 1): %v", err)
	}
	if string(got1) != string(piece1) {
		t.Fatal("read-back of piece 1 does not match what was written")
	}
}

func TestFastResumeRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	dest := t.TempDir()
	info := testInfo(16384, 32000)
	fillContentAndHashes(t, dest, info)

	layout := blocktable.NewLayout(info.PieceLength, info.TotalLength)
	blocks := blocktable.New(layout.BlockCount())
	bits := bitfield.New(info.PieceCount())

	s1, err := Open(info, dest, blocks, bits)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Close(blocks); err != nil {
		t.Fatalf("Close: %v", err)
	}

	blocks2 := blocktable.New(layout.BlockCount())
	bits2 := bitfield.New(info.PieceCount())

	s2, err := Open(info, dest, blocks2, bits2)
	if err != nil {
		t.Fatalf("second Open (resume): %v", err)
	}
	defer s2.Close(blocks2)

	if bits2.Count() != info.PieceCount() {
		t.Fatalf("resumed bits.Count() = %d, want %d", bits2.Count(), info.PieceCount())
	}
}
