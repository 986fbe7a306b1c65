package picker

import (
	"math/rand"
	"testing"

	"bittorrent/bitfield"
	"bittorrent/blocktable"
)

func TestInteresting(t *testing.T) {
	have := bitfield.New(4)
	peer := bitfield.New(4)
	peer.Set(2)

	if !Interesting(have, peer) {
		t.Fatal("expected peer with an unheld piece to be interesting")
	}

	have.Set(2)
	if Interesting(have, peer) {
		t.Fatal("expected no interest once we already have every piece the peer has")
	}
}

func TestChooseBlockPrefersFewestMissing(t *testing.T) {
	layout := blocktable.NewLayout(32768, 4*32768) // 4 pieces, 2 blocks each
	blocks := blocktable.New(layout.BlockCount())
	have := bitfield.New(layout.PieceCount())
	peer := bitfield.New(layout.PieceCount())

	for i := 0; i < layout.PieceCount(); i++ {
		peer.Set(i)
	}

	blocks.MarkHave(0) // piece 0 has 1 missing block, every other piece 2

	p := New(layout, rand.New(rand.NewSource(42)))

	block, ok := p.ChooseBlock(have, peer, blocks)
	if !ok {
		t.Fatal("expected a block to be chosen")
	}

	if block == 0 {
		t.Fatal("must not re-request an already-have block")
	}

	if block != 1 {
		t.Fatalf("ChooseBlock = %d, want 1 (the missing block of piece 0, the piece with the fewest missing blocks)", block)
	}
}

func TestChooseBlockEndgameDuplicates(t *testing.T) {
	// Scenario: M=4 blocks, blocks 0-2 verified, block 3 outstanding on
	// one peer already; a second peer's ChooseBlock should return block
	// 3 again rather than finding nothing.
	layout := blocktable.NewLayout(16384, 4*16384)
	blocks := blocktable.New(layout.BlockCount())
	have := bitfield.New(layout.PieceCount())
	peer := bitfield.New(layout.PieceCount())

	for i := 0; i < layout.PieceCount(); i++ {
		peer.Set(i)
	}

	blocks.MarkHave(0)
	blocks.MarkHave(1)
	blocks.MarkHave(2)
	have.Set(0)
	have.Set(1)
	have.Set(2)

	blocks.RequestOutstandingInc(3) // peer A already has an outstanding request

	p := New(layout, rand.New(rand.NewSource(1)))

	block, ok := p.ChooseBlock(have, peer, blocks)
	if !ok {
		t.Fatal("expected endgame mode to find the outstanding block")
	}

	if block != 3 {
		t.Fatalf("ChooseBlock = %d, want 3", block)
	}
}

func TestChooseBlockNothingLeft(t *testing.T) {
	layout := blocktable.NewLayout(16384, 16384)
	blocks := blocktable.New(layout.BlockCount())
	have := bitfield.New(layout.PieceCount())
	peer := bitfield.New(layout.PieceCount())

	blocks.MarkHave(0)
	have.Set(0)
	peer.Set(0)

	p := New(layout, rand.New(rand.NewSource(1)))

	if _, ok := p.ChooseBlock(have, peer, blocks); ok {
		t.Fatal("expected no block to be chosen when peer has nothing we need")
	}
}
