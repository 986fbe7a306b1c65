// Package metainfo implements the metafile loader: it decodes a bencoded
// .torrent file via github.com/jackpal/bencode-go, validates its shape,
// and exposes an immutable Info.
package metainfo

import "fmt"

// FileEntry describes one file within a (possibly multi-file) torrent, as
// an offset into the logical concatenated byte stream.
type FileEntry struct {
	Path   []string // path segments from the metafile; just {Info.Name} for a single-file torrent
	Length int64
	Offset int64 // offset within the concatenated stream
}

// Info is the immutable, fully-validated metadata of one torrent. All
// bencode-allocated backing storage has been copied out by the time Load
// returns, so Info holds no references into the original file bytes.
type Info struct {
	InfoHash [20]byte

	Announce    string
	TrackerHost string
	TrackerPort int
	TrackerPath string

	Name        string
	PieceLength int64
	Pieces      [][20]byte // one SHA-1 per piece
	Files       []FileEntry
	TotalLength int64
}

// PieceCount returns N, the number of pieces.
func (info *Info) PieceCount() int {
	return len(info.Pieces)
}

// PieceLen returns the exact length of piece p: PieceLength except for
// the final piece, which is TotalLength mod PieceLength (or PieceLength
// itself, if that remainder is zero).
func (info *Info) PieceLen(p int) int64 {
	if p < 0 || p >= info.PieceCount() {
		return 0
	}

	if p != info.PieceCount()-1 {
		return info.PieceLength
	}

	last := info.TotalLength % info.PieceLength
	if last == 0 {
		last = info.PieceLength
	}

	return last
}

// Validate checks internal consistency of a loaded Info and returns a
// descriptive error for the first invariant it finds broken.
func (info *Info) Validate() error {
	if info.PieceLength <= 0 {
		return fmt.Errorf("metainfo: non-positive piece length %d", info.PieceLength)
	}

	wantPieces := int((info.TotalLength + info.PieceLength - 1) / info.PieceLength)
	if info.TotalLength == 0 {
		wantPieces = 0
	}

	if len(info.Pieces) != wantPieces {
		return fmt.Errorf(
			"metainfo: piece count %d does not match ceil(size/piece length) = %d",
			len(info.Pieces), wantPieces,
		)
	}

	var sum int64
	for _, f := range info.Files {
		sum += f.Length
	}

	if sum != info.TotalLength {
		return fmt.Errorf("metainfo: file lengths sum to %d, want %d", sum, info.TotalLength)
	}

	return nil
}
