package blocktable

// Layout maps between the flat block index space and piece offsets. The
// block size is fixed for an entire torrent: min(piece length, 16 KiB).
// Blocks are numbered consecutively across pieces, so block b lies in
// piece b*BlockSize/PieceLength at offset (b*BlockSize) mod PieceLength;
// only the very last block of the torrent may be shorter than BlockSize.
type Layout struct {
	BlockSize   int64
	PieceLength int64
	TotalLength int64
}

const maxBlockSize = 16384

// NewLayout derives a Layout from a torrent's piece length and total size.
func NewLayout(pieceLength, totalLength int64) Layout {
	blockSize := pieceLength
	if blockSize > maxBlockSize {
		blockSize = maxBlockSize
	}

	return Layout{BlockSize: blockSize, PieceLength: pieceLength, TotalLength: totalLength}
}

// BlockCount returns M, the total number of blocks in the torrent.
func (l Layout) BlockCount() int {
	if l.BlockSize == 0 {
		return 0
	}

	return int((l.TotalLength + l.BlockSize - 1) / l.BlockSize)
}

// PieceCount returns N, the total number of pieces in the torrent.
func (l Layout) PieceCount() int {
	if l.PieceLength == 0 {
		return 0
	}

	return int((l.TotalLength + l.PieceLength - 1) / l.PieceLength)
}

// BlocksPerPiece returns how many blocks a full (non-final) piece spans.
func (l Layout) BlocksPerPiece() int {
	if l.BlockSize == 0 {
		return 0
	}

	return int((l.PieceLength + l.BlockSize - 1) / l.BlockSize)
}

// StartBlock returns the index of the first block belonging to piece p.
func (l Layout) StartBlock(p int) int {
	return p * l.BlocksPerPiece()
}

// PieceBlockCount returns how many blocks piece p is made of (the final
// piece of the torrent may have fewer full-size blocks).
func (l Layout) PieceBlockCount(p int) int {
	start := l.StartBlock(p)
	end := start + l.BlocksPerPiece()

	if total := l.BlockCount(); end > total {
		end = total
	}

	if end < start {
		return 0
	}

	return end - start
}

// PieceOfBlock returns which piece block b belongs to.
func (l Layout) PieceOfBlock(b int) int {
	return b / l.BlocksPerPiece()
}

// OffsetInPiece returns the byte offset of block b within its piece.
func (l Layout) OffsetInPiece(b int) int64 {
	return int64(b%l.BlocksPerPiece()) * l.BlockSize
}

// BlockAt returns the index of the block at offset begin within piece p,
// the inverse of StartBlock/OffsetInPiece — used to turn a wire-level
// (index, begin) pair from a request/piece message back into a block.
func (l Layout) BlockAt(p, begin int) int {
	return l.StartBlock(p) + begin/int(l.BlockSize)
}

// BlockLen returns the exact length of block b, accounting for a
// possibly-short final block.
func (l Layout) BlockLen(b int) int64 {
	start := int64(b) * l.BlockSize
	if start >= l.TotalLength {
		return 0
	}

	if remaining := l.TotalLength - start; remaining < l.BlockSize {
		return remaining
	}

	return l.BlockSize
}
