// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"bytes"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/btree"
)

// DescendantStats is the cached aggregate over an entry plus all of its
// current in-pool descendants.  The aggregate is only meaningful together
// with the exactness flag returned by TxEntry.DescendantStats: when the flag
// is false the fields have been reset to the entry's own values and are a
// conservative lower bound, not a true sum.
type DescendantStats struct {
	// Count is the number of transactions covered, including the entry
	// itself.
	Count int64

	// Size is the total serialized size in bytes.
	Size int64

	// Fees is the total fee, including any prioritisation deltas.
	Fees btcutil.Amount
}

// AncestorStats is the cached aggregate over an entry plus all of its current
// in-pool ancestors.  Unlike the descendant aggregate it is always exact.
type AncestorStats struct {
	// Count is the number of transactions covered, including the entry
	// itself.
	Count int64

	// Size is the total serialized size in bytes.
	Size int64

	// Fees is the total fee, including any prioritisation deltas.
	Fees btcutil.Amount

	// SigOpCost is the total signature operation cost.
	SigOpCost int64
}

// TxEntry is a transaction admitted to the pool together with the metadata
// the pool maintains for it.  All aggregate and linkage fields are owned by
// the pool and mutated only while the pool lock is held for writes; the
// exported fields are immutable after construction.
type TxEntry struct {
	// Tx is the transaction this entry tracks.
	Tx *btcutil.Tx

	// Fee is the fee the transaction pays, before prioritisation.
	Fee btcutil.Amount

	// TxSize is the serialized size of the transaction in bytes.
	TxSize int64

	// SigOpCost is the signature operation cost charged against block
	// limits, supplied by validation.
	SigOpCost int64

	// Time is when the entry was admitted to the pool.
	Time time.Time

	// Height is the chain height when the entry was admitted.
	Height int32

	// PrioritySeed is the priority computed at admission time.  It ages
	// with chain height via Priority.
	PrioritySeed float64

	// modSize is the policy-weighted size used for priority aging.  Part
	// of each input's overhead is discounted so that redeeming outputs is
	// not penalized.
	modSize int64

	// usageSize is the approximate dynamic memory usage of the entry,
	// counted against the pool's memory budget.
	usageSize int64

	// feeDelta is the accumulated fee adjustment from the prioritisation
	// table, folded into every feerate the pool computes.
	feeDelta btcutil.Amount

	// parents and children are the in-pool dependency links, keyed by
	// transaction hash.  They are kept symmetric with the spend index.
	parents  map[chainhash.Hash]*TxEntry
	children map[chainhash.Hash]*TxEntry

	// Descendant aggregate.  When descExact is false the sums have been
	// reset to this entry's own values after an aborted recomputation.
	descExact            bool
	countWithDescendants int64
	sizeWithDescendants  int64
	feesWithDescendants  btcutil.Amount

	// Ancestor aggregate, including the entry itself.
	countWithAncestors     int64
	sizeWithAncestors      int64
	feesWithAncestors      btcutil.Amount
	sigOpCostWithAncestors int64
}

// NewTxEntry returns a new pool entry for the given transaction and the
// metrics reported by validation.  Both aggregates start at the entry's own
// values; the pool adjusts them when the entry is linked in.
func NewTxEntry(tx *btcutil.Tx, fee btcutil.Amount, sigOpCost int64,
	admitted time.Time, height int32, priority float64) *TxEntry {

	size := int64(tx.MsgTx().SerializeSize())
	entry := &TxEntry{
		Tx:           tx,
		Fee:          fee,
		TxSize:       size,
		SigOpCost:    sigOpCost,
		Time:         admitted,
		Height:       height,
		PrioritySeed: priority,
		modSize:      calcModifiedSize(tx.MsgTx(), size),
		parents:      make(map[chainhash.Hash]*TxEntry),
		children:     make(map[chainhash.Hash]*TxEntry),

		descExact:            true,
		countWithDescendants: 1,
		sizeWithDescendants:  size,
		feesWithDescendants:  fee,

		countWithAncestors:     1,
		sizeWithAncestors:      size,
		feesWithAncestors:      fee,
		sigOpCostWithAncestors: sigOpCost,
	}
	entry.usageSize = entryMemoryUsage(entry)
	return entry
}

// calcModifiedSize discounts part of each input's serialized overhead.  The
// constants mirror the relay policy weighting: 41 bytes of fixed input
// overhead plus up to 110 bytes of signature script are free.
func calcModifiedSize(tx *wire.MsgTx, serializedSize int64) int64 {
	modSize := serializedSize
	for _, txIn := range tx.TxIn {
		offset := int64(41 + min(110, len(txIn.SignatureScript)))
		if modSize > offset {
			modSize -= offset
		}
	}
	return modSize
}

// Hash returns the hash of the wrapped transaction.
func (entry *TxEntry) Hash() *chainhash.Hash {
	return entry.Tx.Hash()
}

// ModifiedFee returns the entry's fee adjusted by any accumulated
// prioritisation delta.
func (entry *TxEntry) ModifiedFee() btcutil.Amount {
	return entry.Fee + entry.feeDelta
}

// FeeDelta returns the accumulated prioritisation fee delta.
func (entry *TxEntry) FeeDelta() btcutil.Amount {
	return entry.feeDelta
}

// Priority returns the entry's priority at the given chain height.  The
// admission-time seed grows with the value-weighted age of the transaction's
// inputs, normalized by the modified size.
func (entry *TxEntry) Priority(height int32) float64 {
	if height < entry.Height || entry.modSize == 0 {
		return entry.PrioritySeed
	}
	var valueOut int64
	for _, txOut := range entry.Tx.MsgTx().TxOut {
		valueOut += txOut.Value
	}
	inputValue := valueOut + int64(entry.Fee)
	deltaPriority := float64(height-entry.Height) * float64(inputValue) /
		float64(entry.modSize)
	return entry.PrioritySeed + deltaPriority
}

// DescendantStats returns the descendant aggregate together with whether it
// is exact.  When exact is false the stats cover only the entry itself and
// callers must not treat them as a true descendant sum.
func (entry *TxEntry) DescendantStats() (DescendantStats, bool) {
	return DescendantStats{
		Count: entry.countWithDescendants,
		Size:  entry.sizeWithDescendants,
		Fees:  entry.feesWithDescendants,
	}, entry.descExact
}

// AncestorStats returns the ancestor aggregate.  It is maintained exactly
// through every admission, removal, and override, with one carve-out: when a
// reorg reintroduces an entry and its descendant walk is abandoned past the
// visit budget, the surviving descendants' ancestor aggregates are left
// without the reintroduced entry's contribution.  Such a parent is
// identifiable by its dirty descendant aggregate.
func (entry *TxEntry) AncestorStats() AncestorStats {
	return AncestorStats{
		Count:     entry.countWithAncestors,
		Size:      entry.sizeWithAncestors,
		Fees:      entry.feesWithAncestors,
		SigOpCost: entry.sigOpCostWithAncestors,
	}
}

// Parents returns the in-pool parents keyed by hash.  The returned map is the
// entry's live link set and must be treated as read only.
//
// This function MUST be called with the mempool lock held (for reads).
func (entry *TxEntry) Parents() map[chainhash.Hash]*TxEntry {
	return entry.parents
}

// Children returns the in-pool children keyed by hash.  The returned map is
// the entry's live link set and must be treated as read only.
//
// This function MUST be called with the mempool lock held (for reads).
func (entry *TxEntry) Children() map[chainhash.Hash]*TxEntry {
	return entry.children
}

// setDirty abandons the descendant aggregate, resetting it to the entry's own
// values.  The entry stops winning feerate ties until a full recompute.
func (entry *TxEntry) setDirty() {
	entry.descExact = false
	entry.countWithDescendants = 1
	entry.sizeWithDescendants = entry.TxSize
	entry.feesWithDescendants = entry.ModifiedFee()
}

// updateDescendantState applies a delta to the descendant aggregate.  Dirty
// entries ignore deltas since their sums are already a self-only reset.
func (entry *TxEntry) updateDescendantState(deltaCount, deltaSize int64,
	deltaFees btcutil.Amount) {

	if !entry.descExact {
		return
	}
	entry.countWithDescendants += deltaCount
	entry.sizeWithDescendants += deltaSize
	entry.feesWithDescendants += deltaFees
}

// updateAncestorState applies a delta to the ancestor aggregate.
func (entry *TxEntry) updateAncestorState(deltaCount, deltaSize,
	deltaSigOps int64, deltaFees btcutil.Amount) {

	entry.countWithAncestors += deltaCount
	entry.sizeWithAncestors += deltaSize
	entry.sigOpCostWithAncestors += deltaSigOps
	entry.feesWithAncestors += deltaFees
}

// updateFeeDelta replaces the prioritisation delta, keeping both aggregates
// in sync with the adjusted fee.
func (entry *TxEntry) updateFeeDelta(newDelta btcutil.Amount) {
	diff := newDelta - entry.feeDelta
	entry.feesWithDescendants += diff
	entry.feesWithAncestors += diff
	entry.feeDelta = newDelta
}

// orderedByTime adapts a TxEntry for the admission-time ordering view.
type orderedByTime struct {
	entry *TxEntry
}

// Less orders entries by admission time, oldest first, with the hash as a
// final tiebreak so the ordering is total.
func (a orderedByTime) Less(than btree.Item) bool {
	b := than.(orderedByTime)
	if !a.entry.Time.Equal(b.entry.Time) {
		return a.entry.Time.Before(b.entry.Time)
	}
	return bytes.Compare(a.entry.Hash()[:], b.entry.Hash()[:]) < 0
}

// orderedByAncestorScore adapts a TxEntry for the ancestor-feerate ordering
// view.  The tree ascends from the cheapest package, so eviction walks from
// the minimum and block assembly from the maximum.
type orderedByAncestorScore struct {
	entry *TxEntry
}

// Less orders entries by ancestor feerate, cheapest first.  Rates compare by
// cross multiplication to avoid division.  On a tie a dirty entry sorts below
// an exact one, and the hash breaks any remainder.
func (a orderedByAncestorScore) Less(than btree.Item) bool {
	b := than.(orderedByAncestorScore)
	aScore := float64(a.entry.feesWithAncestors) *
		float64(b.entry.sizeWithAncestors)
	bScore := float64(b.entry.feesWithAncestors) *
		float64(a.entry.sizeWithAncestors)
	if aScore != bScore {
		return aScore < bScore
	}
	if a.entry.descExact != b.entry.descExact {
		return !a.entry.descExact
	}
	return bytes.Compare(a.entry.Hash()[:], b.entry.Hash()[:]) < 0
}
