// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// noLimit disables a package limit in calculateMemPoolAncestors.
const noLimit = uint64(math.MaxUint64)

// calculateMemPoolAncestors walks the in-pool parent relation breadth first
// and returns every ancestor of the entry, enforcing the four package limits
// along the way.  When searchForParents is set the direct parents are
// derived from the transaction's inputs, which is required for candidates
// that are not linked into the pool yet; otherwise the entry's existing
// parent links are used.
//
// A limit violation aborts with a rule error naming the offending limit; the
// pool is left untouched.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) calculateMemPoolAncestors(entry *TxEntry,
	limitAncestorCount, limitAncestorSize, limitDescendantCount,
	limitDescendantSize uint64,
	searchForParents bool) (map[chainhash.Hash]*TxEntry, error) {

	pending := make(map[chainhash.Hash]*TxEntry)
	if searchForParents {
		for _, txIn := range entry.Tx.MsgTx().TxIn {
			parentHash := txIn.PreviousOutPoint.Hash
			parent, exists := mp.pool[parentHash]
			if !exists {
				continue
			}
			pending[parentHash] = parent
			if uint64(len(pending))+1 > limitAncestorCount {
				str := fmt.Sprintf("too many unconfirmed "+
					"parents [limit: %d]",
					limitAncestorCount)
				return nil, txRuleError(
					wire.RejectNonstandard, str)
			}
		}
	} else {
		for parentHash, parent := range entry.parents {
			pending[parentHash] = parent
		}
	}

	ancestors := make(map[chainhash.Hash]*TxEntry)
	totalSize := uint64(entry.TxSize)
	for len(pending) > 0 {
		var stageHash chainhash.Hash
		var stageEntry *TxEntry
		for stageHash, stageEntry = range pending {
			break
		}
		delete(pending, stageHash)
		ancestors[stageHash] = stageEntry
		totalSize += uint64(stageEntry.TxSize)

		// A conservative self-only descendant aggregate only makes
		// these two checks more permissive, never stricter.
		descStats, _ := stageEntry.DescendantStats()
		if uint64(descStats.Size)+uint64(entry.TxSize) >
			limitDescendantSize {

			str := fmt.Sprintf("exceeds descendant size limit "+
				"for tx %v [limit: %d]", stageHash,
				limitDescendantSize)
			return nil, txRuleError(wire.RejectNonstandard, str)
		}
		if uint64(descStats.Count)+1 > limitDescendantCount {
			str := fmt.Sprintf("too many descendants for tx %v "+
				"[limit: %d]", stageHash, limitDescendantCount)
			return nil, txRuleError(wire.RejectNonstandard, str)
		}
		if totalSize > limitAncestorSize {
			str := fmt.Sprintf("exceeds ancestor size limit "+
				"[limit: %d]", limitAncestorSize)
			return nil, txRuleError(wire.RejectNonstandard, str)
		}

		for parentHash, parent := range stageEntry.parents {
			if _, seen := ancestors[parentHash]; !seen {
				pending[parentHash] = parent
			}
			if uint64(len(ancestors)+len(pending))+1 >
				limitAncestorCount {

				str := fmt.Sprintf("too many unconfirmed "+
					"ancestors [limit: %d]",
					limitAncestorCount)
				return nil, txRuleError(
					wire.RejectNonstandard, str)
			}
		}
	}
	return ancestors, nil
}

// CheckAncestorLimits computes the candidate entry's ancestor set while
// enforcing the configured package limits, deriving parents from the
// transaction's inputs.  The returned set can be passed straight to
// AddUncheckedWithAncestors on success.
//
// This function is safe for concurrent access.
func (mp *TxPool) CheckAncestorLimits(
	entry *TxEntry) (map[chainhash.Hash]*TxEntry, error) {

	mp.RLock()
	defer mp.RUnlock()

	policy := &mp.cfg.Policy
	return mp.calculateMemPoolAncestors(entry, policy.MaxAncestorCount,
		policy.MaxAncestorSize, policy.MaxDescendantCount,
		policy.MaxDescendantSize, true)
}

// AncestorsOf returns every in-pool ancestor of the entry with no limits
// applied, walking the existing parent links.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) AncestorsOf(entry *TxEntry) map[chainhash.Hash]*TxEntry {
	ancestors, _ := mp.calculateMemPoolAncestors(entry, noLimit, noLimit,
		noLimit, noLimit, false)
	return ancestors
}

// calculateDescendants accumulates the entry and every in-pool descendant of
// it into stage, skipping subtrees that are already staged.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) calculateDescendants(entry *TxEntry,
	stage map[chainhash.Hash]*TxEntry) {

	if _, staged := stage[*entry.Hash()]; staged {
		return
	}

	queue := []*TxEntry{entry}
	for len(queue) > 0 {
		next := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		nextHash := *next.Hash()
		if _, staged := stage[nextHash]; staged {
			continue
		}
		stage[nextHash] = next
		for _, child := range next.children {
			if _, staged := stage[*child.Hash()]; !staged {
				queue = append(queue, child)
			}
		}
	}
}

// DescendantsOf returns the entry's full descendant closure, the entry
// itself included.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) DescendantsOf(entry *TxEntry) map[chainhash.Hash]*TxEntry {
	stage := make(map[chainhash.Hash]*TxEntry)
	mp.calculateDescendants(entry, stage)
	return stage
}

// updateAncestorsOf adds the entry's own count/size/fee to (add) or subtracts
// it from (remove) the descendant aggregate of every given ancestor.  Dirty
// ancestors absorb nothing; their aggregates are already a self-only reset.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) updateAncestorsOf(add bool, entry *TxEntry,
	ancestors map[chainhash.Hash]*TxEntry) {

	sign := int64(1)
	if !add {
		sign = -1
	}
	for _, ancestor := range ancestors {
		ancestor.updateDescendantState(sign, sign*entry.TxSize,
			btcutil.Amount(sign)*entry.ModifiedFee())
	}
}

// updateEntryForAncestors seeds the entry's ancestor aggregate from the
// given ancestor set.  The entry's own contribution is already present from
// construction.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) updateEntryForAncestors(entry *TxEntry,
	ancestors map[chainhash.Hash]*TxEntry) {

	var count, size, sigOps int64
	var fees btcutil.Amount
	for _, ancestor := range ancestors {
		count++
		size += ancestor.TxSize
		sigOps += ancestor.SigOpCost
		fees += ancestor.ModifiedFee()
	}
	entry.updateAncestorState(count, size, sigOps, fees)
}

// updateForRemove corrects the aggregates of every survivor before a staged
// set is physically deleted.  When updateDescendants is set, each staged
// entry is also subtracted from the ancestor aggregates of its surviving
// descendants, which is required when descendants outlive the removal (block
// confirmation).  The dependency links must still be intact when this runs;
// removeStaged guarantees that by calling it first.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) updateForRemove(stage map[chainhash.Hash]*TxEntry,
	updateDescendants bool) {

	if updateDescendants {
		for _, entry := range stage {
			entry := entry
			descendants := make(map[chainhash.Hash]*TxEntry)
			mp.calculateDescendants(entry, descendants)
			for descHash, desc := range descendants {
				if _, staged := stage[descHash]; staged {
					continue
				}
				desc := desc
				mp.reindexScore(desc, func() {
					desc.updateAncestorState(-1,
						-entry.TxSize, -entry.SigOpCost,
						-entry.ModifiedFee())
				})
			}
		}
	}
	for _, entry := range stage {
		ancestors, _ := mp.calculateMemPoolAncestors(entry, noLimit,
			noLimit, noLimit, noLimit, false)
		mp.updateAncestorsOf(false, entry, ancestors)
	}
}

// updateForDescendants recomputes the entry's descendant aggregate after a
// reorg reintroduction, reusing descendant sets already computed for other
// entries in the same batch through cache.  Entries whose walk visits more
// than Policy.MaxUpdateVisits distinct descendants are marked dirty instead
// of updated.  Descendants outside the exclude set also get the entry added
// back into their ancestor aggregates; excluded ones were themselves just
// reintroduced and accounted for the entry when they were re-added.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) updateForDescendants(entry *TxEntry,
	cache map[chainhash.Hash]map[chainhash.Hash]*TxEntry,
	exclude map[chainhash.Hash]struct{}) {

	maxVisits := mp.cfg.Policy.MaxUpdateVisits

	descendants := make(map[chainhash.Hash]*TxEntry)
	queue := make([]*TxEntry, 0, len(entry.children))
	for _, child := range entry.children {
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		next := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		nextHash := *next.Hash()
		if _, seen := descendants[nextHash]; seen {
			continue
		}
		descendants[nextHash] = next

		if cachedSet, hit := cache[nextHash]; hit {
			for descHash, desc := range cachedSet {
				descendants[descHash] = desc
			}
		} else {
			for _, child := range next.children {
				if _, seen := descendants[*child.Hash()]; !seen {
					queue = append(queue, child)
				}
			}
		}

		if len(descendants) > maxVisits {
			// The surviving descendants keep ancestor aggregates
			// that omit this entry's contribution.
			mp.reindexScore(entry, entry.setDirty)
			log.Debugf("Descendant walk for %v aborted after %d "+
				"visits; aggregate degraded to self-only",
				entry.Hash(), len(descendants))
			return
		}
	}

	var deltaCount, deltaSize int64
	var deltaFees btcutil.Amount
	for descHash, desc := range descendants {
		if _, skip := exclude[descHash]; skip {
			continue
		}
		deltaCount++
		deltaSize += desc.TxSize
		deltaFees += desc.ModifiedFee()

		desc := desc
		mp.reindexScore(desc, func() {
			desc.updateAncestorState(1, entry.TxSize,
				entry.SigOpCost, entry.ModifiedFee())
		})
	}
	entry.updateDescendantState(deltaCount, deltaSize, deltaFees)
	cache[*entry.Hash()] = descendants
}

// UpdateTransactionsFromBlock rebuilds pool state for transactions that were
// confirmed and have just been returned to the pool by a block disconnect.
// The caller re-adds the transactions first (in block order) and then passes
// the same hashes here.  Processing runs in reverse dependency order so that
// every entry's descendant set, once computed, can be reused by its
// ancestors through the shared cache.
//
// This function is safe for concurrent access.
func (mp *TxPool) UpdateTransactionsFromBlock(reintroduced []*chainhash.Hash) {
	mp.Lock()
	defer mp.Unlock()

	exclude := make(map[chainhash.Hash]struct{}, len(reintroduced))
	for _, hash := range reintroduced {
		exclude[*hash] = struct{}{}
	}

	cache := make(map[chainhash.Hash]map[chainhash.Hash]*TxEntry)
	for i := len(reintroduced) - 1; i >= 0; i-- {
		hash := reintroduced[i]
		entry, exists := mp.pool[*hash]
		if !exists {
			continue
		}

		// Children that stayed in the pool across the reorg lost
		// their link to this entry when it confirmed; the spend index
		// finds them again.
		for j := range entry.Tx.MsgTx().TxOut {
			prevOut := wire.OutPoint{Hash: *hash, Index: uint32(j)}
			if sp, exists := mp.outpoints[prevOut]; exists {
				mp.linkEntries(entry, sp.entry)
			}
		}

		mp.updateForDescendants(entry, cache, exclude)
	}
	mp.maybeCheck()
}
