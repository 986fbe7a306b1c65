package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"bittorrent/bitfield"
	"bittorrent/blocktable"
)

// resumeVersion is the fast-resume file format version written by this
// client. The original format (version 0) stored every integer in the
// host's native endianness, which made a resume file unportable between
// architectures; this format is always little-endian and is tagged
// version 1 so a version-0 file is recognized and rejected rather than
// silently misread.
const resumeVersion uint32 = 1

func resumeDir() string {
	return filepath.Join(os.Getenv("HOME"), ".transmission")
}

func (s *Store) resumePath() string {
	return filepath.Join(resumeDir(), fmt.Sprintf("resume.%x", s.info.InfoHash))
}

// saveFastResume writes file mtimes, the block-have bitmap, and the
// slot→piece table so a later Open can skip the full linear hash scan.
func (s *Store) saveFastResume(blocks blocktable.Table) error {
	mtimes, err := s.fileMTimes()
	if err != nil {
		return nil // best-effort: no resume file beats a half-written one
	}

	if err := os.MkdirAll(resumeDir(), 0o755); err != nil {
		return nil
	}

	fh, err := os.Create(s.resumePath())
	if err != nil {
		return nil
	}
	defer fh.Close()

	if err := binary.Write(fh, binary.LittleEndian, resumeVersion); err != nil {
		return err
	}

	if err := binary.Write(fh, binary.LittleEndian, mtimes); err != nil {
		return err
	}

	blockBits := bitfield.New(len(blocks))
	for b := range blocks {
		if blocks.IsHave(b) {
			blockBits.Set(b)
		}
	}

	if _, err := fh.Write(blockBits); err != nil {
		return err
	}

	return binary.Write(fh, binary.LittleEndian, s.slotPiece)
}

// loadFastResume reads a previously saved sidecar and, if it matches the
// files currently on disk (same mtimes, matching size), repopulates
// blocks, bits, pieceSlot, and slotPiece without rehashing anything.
func (s *Store) loadFastResume(blocks blocktable.Table, bits bitfield.Bitfield) error {
	data, err := os.ReadFile(s.resumePath())
	if err != nil {
		return err
	}

	fileCount := len(s.info.Files)
	pieceCount := s.info.PieceCount()
	blockCount := len(blocks)

	wantSize := 4 + 4*fileCount + 4*pieceCount + (blockCount+7)/8
	if len(data) != wantSize {
		return fmt.Errorf("storage: resume file wrong size (%d bytes, want %d)", len(data), wantSize)
	}

	version := binary.LittleEndian.Uint32(data[0:4])
	if version != resumeVersion {
		return fmt.Errorf("storage: resume file has unsupported version %d", version)
	}

	off := 4

	onDisk := make([]int32, fileCount)
	for i := range onDisk {
		onDisk[i] = int32(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}

	current, err := s.fileMTimes()
	if err != nil {
		return err
	}

	for i := range current {
		if current[i] != onDisk[i] {
			return fmt.Errorf("storage: file mtimes changed since resume was saved")
		}
	}

	blockBitsLen := (blockCount + 7) / 8
	blockBits := bitfield.Bitfield(data[off : off+blockBitsLen])
	off += blockBitsLen

	for b := 0; b < blockCount; b++ {
		if blockBits.Has(b) {
			blocks.MarkHave(b)
		}
	}

	slotPiece := make([]int32, pieceCount)
	for i := range slotPiece {
		slotPiece[i] = int32(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}

	s.slotPiece = slotPiece

	s.slotsUsed = 0
	for i := range s.pieceSlot {
		s.pieceSlot[i] = -1
	}

	for slot, piece := range slotPiece {
		if piece < 0 || int(piece) >= pieceCount {
			continue
		}

		s.pieceSlot[piece] = int32(slot)
		if slot+1 > s.slotsUsed {
			s.slotsUsed = slot + 1
		}
	}

	layout := s.layout
	for p := 0; p < pieceCount; p++ {
		start := layout.StartBlock(p)
		count := layout.PieceBlockCount(p)

		complete := true
		for b := start; b < start+count; b++ {
			if !blocks.IsHave(b) {
				complete = false
				break
			}
		}

		if complete {
			bits.Set(p)
		}
	}

	return nil
}

func (s *Store) fileMTimes() ([]int32, error) {
	out := make([]int32, len(s.info.Files))

	for i, f := range s.info.Files {
		path := filepath.Join(append([]string{s.dest}, f.Path...)...)

		st, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("storage: stat %q: %w", path, err)
		}

		out[i] = int32(st.ModTime().Unix() & 0x7FFFFFFF)
	}

	return out, nil
}
