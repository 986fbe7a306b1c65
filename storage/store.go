// Package storage implements on-disk piece placement for a torrent: file
// creation, the slot-indirected piece layout, hash verification on
// write, and fast-resume persistence across restarts. It is grounded on
// the original client's tr_io* family, adapted to Go's file handles and
// to this repo's blocktable/bitfield types.
package storage

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"bittorrent/bitfield"
	"bittorrent/blocktable"
	"bittorrent/metainfo"
)

// Store owns the on-disk files backing one torrent's data, plus the
// slot indirection that lets pieces be written in any order while the
// files grow one slot at a time instead of being allocated at full
// length up front.
type Store struct {
	info   *metainfo.Info
	layout blocktable.Layout
	dest   string

	mu        sync.Mutex
	files     []*os.File
	pieceSlot []int32 // -1: not started; n: in slot n
	slotPiece []int32 // -1: empty slot; n: holds piece n
	slotsUsed int
}

// Open creates (if missing) and opens every file the torrent describes
// under dest, then either loads a fast-resume sidecar or performs a full
// linear scan to recover piece placement from a previous run. blocks and
// bits are populated in place to reflect what is already on disk.
func Open(info *metainfo.Info, dest string, blocks blocktable.Table, bits bitfield.Bitfield) (*Store, error) {
	s := &Store{
		info:   info,
		layout: blocktable.NewLayout(info.PieceLength, info.TotalLength),
		dest:   dest,
	}

	if err := s.createFiles(); err != nil {
		return nil, err
	}

	if err := s.openFiles(); err != nil {
		return nil, err
	}

	s.pieceSlot = make([]int32, info.PieceCount())
	s.slotPiece = make([]int32, info.PieceCount())

	if err := s.loadFastResume(blocks, bits); err == nil {
		return s, nil
	}

	if err := s.scanExisting(blocks, bits); err != nil {
		s.closeFiles()
		return nil, err
	}

	return s, nil
}

// createFiles makes sure every destination file (and its parent
// directories) exists, creating empty ones as needed. Files are left at
// whatever size they already have (0 for a brand-new file); they grow
// lazily as WriteBlock lands bytes at increasing offsets, the same
// empty-file-then-grow model the original client uses, so that
// scanExisting's slot scan naturally stops at the first slot that has
// never been written rather than seeing a pre-sized, zero-filled slot
// and mistaking it for real data.
func (s *Store) createFiles() error {
	for _, f := range s.info.Files {
		path := filepath.Join(append([]string{s.dest}, f.Path...)...)

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("storage: mkdir for %q: %w", path, err)
		}

		fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("storage: create %q: %w", path, err)
		}

		fh.Close()
	}

	return nil
}

func (s *Store) openFiles() error {
	s.files = make([]*os.File, len(s.info.Files))

	for i, f := range s.info.Files {
		path := filepath.Join(append([]string{s.dest}, f.Path...)...)

		fh, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("storage: open %q: %w", path, err)
		}

		s.files[i] = fh
	}

	return nil
}

func (s *Store) closeFiles() {
	for _, fh := range s.files {
		fh.Close()
	}
}

// Close flushes fast-resume state to disk and releases file handles.
func (s *Store) Close(blocks blocktable.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeFiles()

	return s.saveFastResume(blocks)
}

// scanExisting performs the from-scratch recovery path: read every slot
// in order (the files as they exist on disk today), hash it, and see if
// it matches some piece's expected hash — including the special case
// where a short final piece's hash must be checked against only the
// first (shorter-than-PieceLength) part of a slot's read.
func (s *Store) scanExisting(blocks blocktable.Table, bits bitfield.Bitfield) error {
	for i := range s.pieceSlot {
		s.pieceSlot[i] = -1
		s.slotPiece[i] = -1
	}

	pieceCount := s.info.PieceCount()
	lastPiece := pieceCount - 1

	s.slotsUsed = 0

	for slot := 0; slot < pieceCount; slot++ {
		buf, err := s.readSlot(slot)
		if err != nil {
			break
		}

		s.slotsUsed = slot + 1

		hash := sha1.Sum(buf)

		matched := -1
		for j := slot; j < lastPiece; j++ {
			if hash == s.info.Pieces[j] {
				matched = j
				break
			}
		}

		if matched < 0 && lastPiece >= 0 {
			lastLen := s.info.TotalLength - int64(lastPiece)*s.layout.PieceLength
			if lastLen > 0 && lastLen <= int64(len(buf)) {
				lastHash := sha1.Sum(buf[:lastLen])
				if lastHash == s.info.Pieces[lastPiece] {
					matched = lastPiece
				}
			}
		}

		if matched < 0 {
			continue
		}

		s.pieceSlot[matched] = int32(slot)
		s.slotPiece[slot] = int32(matched)
		s.markPieceHave(blocks, bits, matched)
	}

	return nil
}

func (s *Store) markPieceHave(blocks blocktable.Table, bits bitfield.Bitfield, piece int) {
	bits.Set(piece)

	start := s.layout.StartBlock(piece)
	count := s.layout.PieceBlockCount(piece)

	for b := start; b < start+count; b++ {
		blocks.MarkHave(b)
	}
}

// Read returns the length bytes of piece index starting at begin.
func (s *Store) Read(index, begin, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.pieceSlot[index]
	if slot < 0 {
		return nil, fmt.Errorf("storage: piece %d has no slot yet", index)
	}

	offset := int64(slot)*s.layout.PieceLength + int64(begin)

	buf := make([]byte, length)
	if err := s.readOrWriteBytes(offset, buf, false); err != nil {
		return nil, err
	}

	return buf, nil
}

// WriteBlock writes one downloaded block's payload at its offset within
// piece index, allocating a slot for the piece on first write. When the
// write completes the piece's final block, the whole piece is read back
// and hashed: on match the piece bitfield gains the bit and the caller
// should broadcast HAVE; on mismatch every block of the piece is reset
// to "not have" in blocks so it is requested again, and the slot stays
// put (only its contents will be overwritten).
func (s *Store) WriteBlock(blocks blocktable.Table, bits bitfield.Bitfield, index, begin int, data []byte) (verified bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pieceSlot[index] < 0 {
		s.findSlotForPiece(index)
	}

	offset := int64(s.pieceSlot[index])*s.layout.PieceLength + int64(begin)
	if err := s.readOrWriteBytes(offset, data, true); err != nil {
		return false, err
	}

	start := s.layout.StartBlock(index)
	count := s.layout.PieceBlockCount(index)

	for b := start; b < start+count; b++ {
		if !blocks.IsHave(b) {
			return false, nil // piece still incomplete
		}
	}

	pieceLen := s.info.PieceLen(index)
	pieceOffset := int64(s.pieceSlot[index]) * s.layout.PieceLength

	buf := make([]byte, pieceLen)
	if err := s.readOrWriteBytes(pieceOffset, buf, false); err != nil {
		return false, err
	}

	if sha1.Sum(buf) != s.info.Pieces[index] {
		blocks.ResetRange(start, start+count)
		return false, nil
	}

	bits.Set(index)

	return true, nil
}

// readOrWriteBytes walks the logical byte range [offset, offset+len(buf))
// across the file boundaries the torrent describes, reading or writing
// each file's overlapping window in turn.
func (s *Store) readOrWriteBytes(offset int64, buf []byte, write bool) error {
	remaining := buf
	pos := offset

	fileStart := int64(0)
	fileIdx := 0

	for fileIdx < len(s.info.Files) && pos >= fileStart+s.info.Files[fileIdx].Length {
		fileStart += s.info.Files[fileIdx].Length
		fileIdx++
	}

	for len(remaining) > 0 {
		if fileIdx >= len(s.info.Files) {
			return fmt.Errorf("storage: read/write past end of torrent data at offset %d", offset)
		}

		inFile := pos - fileStart
		avail := s.info.Files[fileIdx].Length - inFile

		n := int64(len(remaining))
		if n > avail {
			n = avail
		}

		fh := s.files[fileIdx]

		var err error
		if write {
			_, err = fh.WriteAt(remaining[:n], inFile)
		} else {
			_, err = fh.ReadAt(remaining[:n], inFile)
		}

		if err != nil {
			return fmt.Errorf("storage: I/O at file %d offset %d: %w", fileIdx, inFile, err)
		}

		remaining = remaining[n:]
		pos += n
		fileStart += s.info.Files[fileIdx].Length
		fileIdx++
	}

	return nil
}

// slotSize returns how many bytes physically live at slot's disk
// position: every slot is a full piece except the slot at index
// pieceCount-1, which holds whatever remainder is left at the very end
// of the concatenated file data. This is a property of the slot's
// position, not of whichever piece currently occupies it.
func (s *Store) slotSize(slot int) int64 {
	if slot == s.info.PieceCount()-1 {
		if last := s.info.TotalLength % s.layout.PieceLength; last != 0 {
			return last
		}
	}

	return s.layout.PieceLength
}

func (s *Store) readSlot(slot int) ([]byte, error) {
	buf := make([]byte, s.slotSize(slot))
	if err := s.readOrWriteBytes(int64(slot)*s.layout.PieceLength, buf, false); err != nil {
		return nil, err
	}

	return buf, nil
}

// writeSlot writes buf into slot, zero-padding a short buffer (e.g. one
// just read from the other, shorter, final slot) up to the destination
// slot's own size.
func (s *Store) writeSlot(slot int, buf []byte) error {
	size := s.slotSize(slot)

	if int64(len(buf)) < size {
		padded := make([]byte, size)
		copy(padded, buf)
		buf = padded
	}

	return s.readOrWriteBytes(int64(slot)*s.layout.PieceLength, buf[:size], true)
}

// findSlotForPiece assigns piece to the lowest free slot (or a freshly
// extended one), then lets reorderPieces walk every piece toward its
// identity slot.
func (s *Store) findSlotForPiece(piece int) {
	for i := 0; i < s.slotsUsed; i++ {
		if s.slotPiece[i] < 0 {
			s.pieceSlot[piece] = int32(i)
			s.slotPiece[i] = int32(piece)
			s.reorderPieces()
			return
		}
	}

	s.pieceSlot[piece] = int32(s.slotsUsed)
	s.slotPiece[s.slotsUsed] = int32(piece)
	s.slotsUsed++

	s.reorderPieces()
}

// reorderPieces repeatedly swaps each out-of-place piece into its
// identity slot until a pass makes no swaps. It terminates because each
// successful invertSlots call strictly increases the number of pieces
// sitting in their own identity slot, which is bounded by piece count.
// A pass that calls invertSlots but finds one side not yet materialized
// on disk (the piece occupying that slot hasn't been written yet) makes
// no progress and must not be mistaken for one that did, or the loop
// would spin forever re-attempting the same no-op swap.
func (s *Store) reorderPieces() {
	for {
		didInvert := false

		for i := 0; i < s.info.PieceCount(); i++ {
			if s.pieceSlot[i] < 0 || int(s.pieceSlot[i]) == i {
				continue
			}

			if i >= s.slotsUsed {
				continue // the file isn't big enough yet to hold slot i
			}

			if s.invertSlots(int(s.pieceSlot[i]), i) {
				didInvert = true
			}
		}

		if !didInvert {
			return
		}
	}
}

// invertSlots swaps the on-disk contents (and bookkeeping) of slot1 and
// slot2, reporting whether it actually did so. It is a no-op, reported
// as false, when either slot's current occupant hasn't been written to
// disk yet — a normal transient state under the lazy-growth model, not
// a failure.
func (s *Store) invertSlots(slot1, slot2 int) bool {
	buf1, err1 := s.readSlot(slot1)
	buf2, err2 := s.readSlot(slot2)

	if err1 != nil || err2 != nil {
		return false // slots not yet materialized on disk; nothing to swap
	}

	s.writeSlot(slot1, buf2)
	s.writeSlot(slot2, buf1)

	piece1 := s.slotPiece[slot1]
	piece2 := s.slotPiece[slot2]

	s.slotPiece[slot1] = piece2
	s.slotPiece[slot2] = piece1
	s.pieceSlot[piece1] = int32(slot2)
	s.pieceSlot[piece2] = int32(slot1)

	return true
}
