// Package blocktable implements per-block download accounting: a single
// signed counter per block collapses "wanted", "in-flight (possibly from
// several peers)", and "owned" into one word, which is exactly what the
// endgame policy in package picker needs to pick the block with the
// fewest concurrent requesters.
package blocktable

// Table holds one signed counter per block.
//
//	 0 — neither downloaded nor requested
//	>0 — currently requested from that many peers
//	<0 — downloaded and written to disk
type Table []int32

// New allocates a Table for blockCount blocks, all initially wanted.
func New(blockCount int) Table {
	return make(Table, blockCount)
}

// IsHave reports whether block b has been downloaded.
func (t Table) IsHave(b int) bool {
	return t[b] < 0
}

// Outstanding returns the number of peers currently holding an
// outstanding request for block b (0 if not requested or already have).
func (t Table) Outstanding(b int) int {
	if t[b] <= 0 {
		return 0
	}

	return int(t[b])
}

// RequestOutstandingInc records a new outstanding request for block b.
func (t Table) RequestOutstandingInc(b int) {
	if t[b] < 0 {
		return // already have it; nothing to request
	}

	t[b]++
}

// RequestOutstandingDec removes one outstanding request for block b,
// e.g. on timeout or peer disconnect. It never goes negative and never
// disturbs a "have" (<0) entry.
func (t Table) RequestOutstandingDec(b int) {
	if t[b] <= 0 {
		return
	}

	t[b]--
}

// MarkHave marks block b as downloaded.
func (t Table) MarkHave(b int) {
	t[b] = -1
}

// ResetBlock resets a single block back to "not have, not requested",
// used when a corrupt piece must be re-downloaded.
func (t Table) ResetBlock(b int) {
	t[b] = 0
}

// ResetRange resets blocks [start, end) back to "not have, not
// requested" — used on hash-mismatch to re-arm every block of a piece.
func (t Table) ResetRange(start, end int) {
	for b := start; b < end; b++ {
		t[b] = 0
	}
}

// HaveCount returns the number of blocks currently marked "have".
func (t Table) HaveCount() int {
	n := 0

	for _, v := range t {
		if v < 0 {
			n++
		}
	}

	return n
}
