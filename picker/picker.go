// Package picker implements block selection for a torrent download: for
// each peer we want to request from, decide whether they are interesting
// at all, and if so which block to ask for next. It is grounded on the
// original client's isInteresting/chooseBlock pair, generalized to take
// its random source and its block/piece tables as explicit parameters
// instead of reaching into global torrent state.
package picker

import (
	"math/rand"

	"bittorrent/bitfield"
	"bittorrent/blocktable"
)

// Picker selects blocks to request given the shared per-torrent state:
// which pieces we have, which blocks are outstanding, and the torrent's
// block/piece layout.
type Picker struct {
	layout blocktable.Layout
	rng    *rand.Rand
}

// New builds a Picker for a torrent with the given layout. A picker is
// not safe for concurrent use; callers serialize access the same way
// the session's tick loop serializes everything else.
func New(layout blocktable.Layout, rng *rand.Rand) *Picker {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	return &Picker{layout: layout, rng: rng}
}

// Interesting reports whether peerBits advertises at least one piece
// that have does not yet hold.
func Interesting(have, peerBits bitfield.Bitfield) bool {
	for i := 0; i < len(have) && i < len(peerBits); i++ {
		if peerBits[i]&^have[i] != 0 {
			return true
		}
	}

	return false
}

// ChooseBlock picks the next block to request from a peer advertising
// peerBits, given what we already have (have) and the outstanding
// request counts in blocks. It returns ok=false if there is nothing this
// peer can usefully be asked for right now.
//
// The normal-mode policy favors pieces nearest completion: among pieces
// the peer has that we don't, restricted to those with the fewest
// missing blocks, one is picked uniformly at random, then its first
// still-wanted block is returned. When every such piece is already fully
// requested (but not yet complete), the picker falls back to "endgame"
// mode: the block with the smallest positive number of outstanding
// requests, ties broken by lowest index, is requested again in
// parallel — duplicate arrivals are resolved by keeping whichever comes
// first and discarding the rest.
func (p *Picker) ChooseBlock(have, peerBits bitfield.Bitfield, blocks blocktable.Table) (block int, ok bool) {
	pieceCount := p.layout.PieceCount()

	var pool []int
	minMissing := len(blocks) + 1

	for i := 0; i < pieceCount; i++ {
		if !peerBits.Has(i) || have.Has(i) {
			continue
		}

		start := p.layout.StartBlock(i)
		count := p.layout.PieceBlockCount(i)

		missing := 0
		for b := start; b < start+count; b++ {
			if blocks[b] == 0 {
				missing++
			}
		}

		if missing < 1 {
			continue // every block of this piece is already have or requested
		}

		if missing < minMissing {
			minMissing = missing
			pool = pool[:0]
		}

		if missing <= minMissing {
			pool = append(pool, i)
		}
	}

	if len(pool) > 0 {
		piece := pool[p.rng.Intn(len(pool))]

		start := p.layout.StartBlock(piece)
		count := p.layout.PieceBlockCount(piece)

		for b := start; b < start+count; b++ {
			if blocks[b] == 0 {
				return b, true
			}
		}

		return 0, false // unreachable: missing count guaranteed at least one zero block
	}

	return p.chooseEndgameBlock(blocks)
}

// chooseEndgameBlock implements the duplicate-request fallback: the
// block with the fewest concurrent outstanding requests, across the
// whole torrent, ties broken toward the lowest index.
func (p *Picker) chooseEndgameBlock(blocks blocktable.Table) (block int, ok bool) {
	best := -1
	var bestOutstanding int32

	for b, v := range blocks {
		if v > 0 && (best < 0 || v < bestOutstanding) {
			best = b
			bestOutstanding = v
		}
	}

	if best < 0 {
		return 0, false
	}

	return best, true
}
