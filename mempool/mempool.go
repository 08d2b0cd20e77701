// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/btree"
)

// Config is a descriptor containing the memory pool configuration.
type Config struct {
	// Policy defines the various mempool configuration options related
	// to policy.
	Policy Policy

	// BestHeight defines the function to use to access the block height of
	// the current best chain.
	BestHeight func() int32

	// IsImmatureCoinbaseSpend defines the function to use to determine
	// whether the passed outpoint references a confirmed coinbase output
	// that has not yet reached maturity at the given height.  It may be
	// nil, in which case the coinbase sweep is a no-op.
	IsImmatureCoinbaseSpend func(wire.OutPoint, int32) bool

	// Estimator hooks the pool to a fee estimation service.  It may be
	// nil.  The pool reports admissions, removals, and confirmed blocks.
	Estimator Estimator

	// Rand is the pseudo-random source driving eviction candidate
	// sampling.  Supplying a seeded source makes eviction deterministic,
	// which the tests rely on.  It may be nil, in which case a
	// time-seeded source is used.
	Rand *rand.Rand
}

// inPoint identifies which input of which pool transaction spends an
// outpoint tracked by the spend index.
type inPoint struct {
	entry      *TxEntry
	inputIndex uint32
}

// txDelta is one row of the prioritisation table.
type txDelta struct {
	priority float64
	fee      btcutil.Amount
}

// TxPool is used as a source of transactions that need to be mined into
// blocks and relayed to other peers.  It maintains the dependency graph
// between unconfirmed transactions, cached ancestor and descendant
// aggregates per entry, and three ordering views over the same entry set.
//
// The embedded RWMutex is the single coarse lock covering every index the
// pool owns.  All exported methods acquire it for their full duration unless
// their documentation states that the caller must already hold it; the block
// template code holds it across an entire assembly pass so that chain state
// and pool state are observed together.
type TxPool struct {
	// The following variables must only be used atomically.
	lastUpdated int64 // last time pool was updated

	sync.RWMutex
	cfg Config
	rng *rand.Rand

	pool      map[chainhash.Hash]*TxEntry
	outpoints map[wire.OutPoint]inPoint
	mapDeltas map[chainhash.Hash]txDelta

	// timeIndex orders entries by admission time, oldest first.
	// scoreIndex orders entries by ancestor feerate, cheapest first.
	timeIndex  *btree.BTree
	scoreIndex *btree.BTree

	// Cached running totals, kept in lockstep with the maps above.  The
	// consistency check recomputes both from scratch.
	totalTxSize      int64
	cachedInnerUsage int64

	sanityCheck bool
}

// New returns a new memory pool for validating and storing standalone
// transactions until they are mined into a block.
func New(cfg *Config) *TxPool {
	policy := cfg.Policy
	if policy.TrimSampleRate <= 0 {
		policy.TrimSampleRate = DefaultTrimSampleRate
	}
	if policy.TrimMaxFailures <= 0 {
		policy.TrimMaxFailures = DefaultTrimMaxFailures
	}
	if policy.MaxUpdateVisits <= 0 {
		policy.MaxUpdateVisits = DefaultMaxUpdateVisits
	}

	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	mp := &TxPool{
		cfg:         *cfg,
		rng:         rng,
		pool:        make(map[chainhash.Hash]*TxEntry),
		outpoints:   make(map[wire.OutPoint]inPoint),
		mapDeltas:   make(map[chainhash.Hash]txDelta),
		timeIndex:   btree.New(32),
		scoreIndex:  btree.New(32),
		lastUpdated: time.Now().Unix(),
	}
	mp.cfg.Policy = policy
	return mp
}

// SetSanityCheck enables or disables the full consistency check that runs
// after every mutating operation.  It is far too expensive for normal
// operation and exists for diagnostics and tests.
func (mp *TxPool) SetSanityCheck(enable bool) {
	mp.Lock()
	mp.sanityCheck = enable
	mp.Unlock()
}

// LastUpdated returns the last time a transaction was added to or removed
// from the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) LastUpdated() time.Time {
	return time.Unix(atomic.LoadInt64(&mp.lastUpdated), 0)
}

// haveTransaction returns whether or not the passed transaction already
// exists in the main pool.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) haveTransaction(hash *chainhash.Hash) bool {
	_, exists := mp.pool[*hash]
	return exists
}

// HaveTransaction returns whether or not the passed transaction already
// exists in the main pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) HaveTransaction(hash *chainhash.Hash) bool {
	mp.RLock()
	defer mp.RUnlock()

	return mp.haveTransaction(hash)
}

// FindEntry returns the pool entry for the given transaction hash, or nil if
// it is not in the pool.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) FindEntry(hash *chainhash.Hash) *TxEntry {
	return mp.pool[*hash]
}

// FetchTransaction returns the requested transaction from the transaction
// pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) FetchTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error) {
	mp.RLock()
	defer mp.RUnlock()

	if entry, exists := mp.pool[*txHash]; exists {
		return entry.Tx, nil
	}
	return nil, fmt.Errorf("transaction is not in the pool")
}

// Count returns the number of transactions in the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) Count() int {
	mp.RLock()
	defer mp.RUnlock()

	return len(mp.pool)
}

// TxHashes returns a slice of hashes for all of the transactions in the
// memory pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) TxHashes() []*chainhash.Hash {
	mp.RLock()
	defer mp.RUnlock()

	hashes := make([]*chainhash.Hash, len(mp.pool))
	i := 0
	for hash := range mp.pool {
		hashCopy := hash
		hashes[i] = &hashCopy
		i++
	}
	return hashes
}

// TxEntries returns a slice of the entries for all of the transactions in
// the memory pool, in no particular order.
//
// This function is safe for concurrent access.
func (mp *TxPool) TxEntries() []*TxEntry {
	mp.RLock()
	defer mp.RUnlock()

	entries := make([]*TxEntry, 0, len(mp.pool))
	for _, entry := range mp.pool {
		entries = append(entries, entry)
	}
	return entries
}

// TotalSize returns the combined serialized size of all transactions in the
// pool, in bytes.
//
// This function is safe for concurrent access.
func (mp *TxPool) TotalSize() int64 {
	mp.RLock()
	defer mp.RUnlock()

	return mp.totalTxSize
}

// DynamicMemoryUsage returns the approximate total memory the pool currently
// pins, including per-entry usage, dependency links, and index rows.
//
// This function is safe for concurrent access.
func (mp *TxPool) DynamicMemoryUsage() int64 {
	mp.RLock()
	defer mp.RUnlock()

	return mp.dynamicMemoryUsage()
}

// dynamicMemoryUsage is the lock-assumed twin of DynamicMemoryUsage.
func (mp *TxPool) dynamicMemoryUsage() int64 {
	indexRows := int64(len(mp.pool))*poolRowUsage +
		int64(len(mp.outpoints))*outpointUsage
	return mp.cachedInnerUsage + indexRows
}

// CheckSpend checks whether the passed outpoint is already spent by a
// transaction in the mempool.  If that's the case the spending transaction
// will be returned, if not nil will be returned.
//
// This function is safe for concurrent access.
func (mp *TxPool) CheckSpend(op wire.OutPoint) *btcutil.Tx {
	mp.RLock()
	defer mp.RUnlock()

	if sp, exists := mp.outpoints[op]; exists {
		return sp.entry.Tx
	}
	return nil
}

// SortedByAncestorScore returns all pool entries ordered by descending
// ancestor feerate.  The slice is a snapshot; the entries are live.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) SortedByAncestorScore() []*TxEntry {
	entries := make([]*TxEntry, 0, mp.scoreIndex.Len())
	mp.scoreIndex.Descend(func(item btree.Item) bool {
		entries = append(entries, item.(orderedByAncestorScore).entry)
		return true
	})
	return entries
}

// linkEntries records child as spending one of parent's outputs, on both
// sides of the relation.  Idempotent.
func (mp *TxPool) linkEntries(parent, child *TxEntry) {
	if _, exists := parent.children[*child.Hash()]; exists {
		return
	}
	parent.children[*child.Hash()] = child
	child.parents[*parent.Hash()] = parent
	mp.cachedInnerUsage += linkUsage
}

// unlinkEntries severs the parent/child relation on both sides.  Idempotent.
func (mp *TxPool) unlinkEntries(parent, child *TxEntry) {
	if _, exists := parent.children[*child.Hash()]; !exists {
		return
	}
	delete(parent.children, *child.Hash())
	delete(child.parents, *parent.Hash())
	mp.cachedInnerUsage -= linkUsage
}

// reindexScore applies mutate to the entry while it is temporarily removed
// from the score index.  Every mutation that can change an entry's ancestor
// aggregate or its dirty tag must go through here, since both participate in
// the score ordering.
func (mp *TxPool) reindexScore(entry *TxEntry, mutate func()) {
	item := orderedByAncestorScore{entry}
	removed := mp.scoreIndex.Delete(item)
	mutate()
	if removed != nil {
		mp.scoreIndex.ReplaceOrInsert(item)
	}
}

// addUnchecked adds the passed entry to the pool without any validation: the
// caller has already run policy checks and computed the entry's in-pool
// ancestor set.  Only a duplicate hash is rejected.  It registers dependency
// links and spend index rows, seeds both aggregates, and notifies the fee
// estimator.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) addUnchecked(entry *TxEntry,
	ancestors map[chainhash.Hash]*TxEntry) error {

	txHash := *entry.Hash()
	if _, exists := mp.pool[txHash]; exists {
		str := fmt.Sprintf("already have transaction %v", txHash)
		return txRuleError(wire.RejectDuplicate, str)
	}

	// Fold any outstanding prioritisation into the entry before its fee
	// propagates into ancestor aggregates.
	if delta, exists := mp.mapDeltas[txHash]; exists && delta.fee != 0 {
		entry.updateFeeDelta(delta.fee)
	}

	mp.pool[txHash] = entry
	for i, txIn := range entry.Tx.MsgTx().TxIn {
		mp.outpoints[txIn.PreviousOutPoint] = inPoint{
			entry:      entry,
			inputIndex: uint32(i),
		}
		if parent, exists := mp.pool[txIn.PreviousOutPoint.Hash]; exists {
			mp.linkEntries(parent, entry)
		}
	}

	mp.updateEntryForAncestors(entry, ancestors)
	mp.updateAncestorsOf(true, entry, ancestors)

	mp.timeIndex.ReplaceOrInsert(orderedByTime{entry})
	mp.scoreIndex.ReplaceOrInsert(orderedByAncestorScore{entry})
	mp.totalTxSize += entry.TxSize
	mp.cachedInnerUsage += entry.usageSize

	if mp.cfg.Estimator != nil {
		mp.cfg.Estimator.ObserveTransaction(entry)
	}
	atomic.StoreInt64(&mp.lastUpdated, time.Now().Unix())

	return nil
}

// AddUnchecked adds the entry to the pool, computing its ancestor set
// internally with no limits.  Policy limits are the caller's concern and are
// checked beforehand via CheckAncestorLimits.
//
// This function is safe for concurrent access.
func (mp *TxPool) AddUnchecked(entry *TxEntry) error {
	mp.Lock()
	defer mp.Unlock()

	ancestors, err := mp.calculateMemPoolAncestors(entry, noLimit, noLimit,
		noLimit, noLimit, true)
	if err != nil {
		return err
	}
	if err := mp.addUnchecked(entry, ancestors); err != nil {
		return err
	}
	mp.maybeCheck()
	return nil
}

// AddUncheckedWithAncestors is the variant of AddUnchecked for callers that
// already computed the entry's ancestor set while enforcing limits.
//
// This function is safe for concurrent access.
func (mp *TxPool) AddUncheckedWithAncestors(entry *TxEntry,
	ancestors map[chainhash.Hash]*TxEntry) error {

	mp.Lock()
	defer mp.Unlock()

	if err := mp.addUnchecked(entry, ancestors); err != nil {
		return err
	}
	mp.maybeCheck()
	return nil
}

// removeUnchecked physically deletes the entry: links, spend index rows,
// ordering views, totals, estimator notification.  Aggregate maintenance for
// surviving relatives is NOT performed here; removeStaged has already done it
// while the links were still intact.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) removeUnchecked(entry *TxEntry) {
	txHash := *entry.Hash()

	for _, parent := range entry.parents {
		mp.unlinkEntries(parent, entry)
	}
	for _, child := range entry.children {
		mp.unlinkEntries(entry, child)
	}
	for _, txIn := range entry.Tx.MsgTx().TxIn {
		delete(mp.outpoints, txIn.PreviousOutPoint)
	}

	mp.timeIndex.Delete(orderedByTime{entry})
	mp.scoreIndex.Delete(orderedByAncestorScore{entry})
	delete(mp.pool, txHash)
	mp.totalTxSize -= entry.TxSize
	mp.cachedInnerUsage -= entry.usageSize

	if mp.cfg.Estimator != nil {
		mp.cfg.Estimator.RemoveTransaction(&txHash)
	}
	atomic.StoreInt64(&mp.lastUpdated, time.Now().Unix())
}

// removeStaged atomically removes a staged set of entries.  Surviving
// ancestors' descendant aggregates (and, when updateDescendants is set,
// surviving descendants' ancestor aggregates) are corrected first, while the
// dependency links the corrections traverse still exist; only then is each
// entry physically deleted.  The removed transactions are returned.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) removeStaged(stage map[chainhash.Hash]*TxEntry,
	updateDescendants bool) []*btcutil.Tx {

	mp.updateForRemove(stage, updateDescendants)

	removed := make([]*btcutil.Tx, 0, len(stage))
	for _, entry := range stage {
		removed = append(removed, entry.Tx)
		mp.removeUnchecked(entry)
	}
	return removed
}

// removeTransaction is the lock-assumed twin of RemoveTransaction.
func (mp *TxPool) removeTransaction(tx *btcutil.Tx,
	removeRedeemers bool) []*btcutil.Tx {

	txHash := tx.Hash()
	stage := make(map[chainhash.Hash]*TxEntry)

	if entry, exists := mp.pool[*txHash]; exists {
		if removeRedeemers {
			mp.calculateDescendants(entry, stage)
		} else {
			stage[*txHash] = entry
		}
	} else if removeRedeemers {
		// The transaction itself is already gone, but children spending
		// its outputs may remain after a reorg.
		for i := range tx.MsgTx().TxOut {
			prevOut := wire.OutPoint{Hash: *txHash, Index: uint32(i)}
			if sp, exists := mp.outpoints[prevOut]; exists {
				mp.calculateDescendants(sp.entry, stage)
			}
		}
	}

	if len(stage) == 0 {
		return nil
	}
	return mp.removeStaged(stage, !removeRedeemers)
}

// RemoveTransaction removes the passed transaction from the mempool.  When
// the removeRedeemers flag is set, any transactions that redeem outputs of
// the removed transaction will also be removed recursively from the mempool,
// as they would otherwise become orphans.  Removing a transaction that is not
// in the pool is a no-op.  The full removed set is returned.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveTransaction(tx *btcutil.Tx,
	removeRedeemers bool) []*btcutil.Tx {

	mp.Lock()
	defer mp.Unlock()

	removed := mp.removeTransaction(tx, removeRedeemers)
	mp.maybeCheck()
	return removed
}

// removeConflicts is the lock-assumed twin of RemoveConflicts.
func (mp *TxPool) removeConflicts(tx *btcutil.Tx) []*btcutil.Tx {
	var removed []*btcutil.Tx
	for _, txIn := range tx.MsgTx().TxIn {
		sp, exists := mp.outpoints[txIn.PreviousOutPoint]
		if !exists || sp.entry.Hash().IsEqual(tx.Hash()) {
			continue
		}
		removed = append(removed,
			mp.removeTransaction(sp.entry.Tx, true)...)
	}
	return removed
}

// RemoveConflicts removes any transactions which spend outputs spent by the
// passed transaction from the memory pool.  Removing those transactions then
// leads to removing all transactions which rely on them, recursively.  This
// is necessary when a new transaction is admitted since the pool must enforce
// double-spend exclusivity.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveConflicts(tx *btcutil.Tx) []*btcutil.Tx {
	mp.Lock()
	defer mp.Unlock()

	removed := mp.removeConflicts(tx)
	mp.maybeCheck()
	return removed
}

// RemoveForBlock is called when a block is connected to the main chain.
// Every confirmed transaction is removed non-recursively (its remaining
// descendants survive and have their ancestor aggregates corrected), any
// leftover double spends are swept, prioritisation rows for confirmed hashes
// are cleared, and the confirmed entries are reported to the fee estimator
// together with the block height.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveForBlock(blockTxns []*btcutil.Tx, height int32) {
	mp.Lock()
	defer mp.Unlock()

	if mp.cfg.Estimator != nil {
		confirmed := make([]*TxEntry, 0, len(blockTxns))
		for _, tx := range blockTxns {
			if entry, exists := mp.pool[*tx.Hash()]; exists {
				confirmed = append(confirmed, entry)
			}
		}
		err := mp.cfg.Estimator.RegisterBlock(height, confirmed)
		if err != nil {
			log.Warnf("Fee estimator rejected block %d: %v",
				height, err)
		}
	}

	for _, tx := range blockTxns {
		if entry, exists := mp.pool[*tx.Hash()]; exists {
			stage := map[chainhash.Hash]*TxEntry{
				*tx.Hash(): entry,
			}
			mp.removeStaged(stage, true)
		}
		mp.removeConflicts(tx)
		delete(mp.mapDeltas, *tx.Hash())
	}
	mp.maybeCheck()
}

// RemoveCoinbaseSpends sweeps out transactions that spend a coinbase output
// which is no longer mature, which can happen after a reorganization.  Each
// offender is removed together with its descendants and the removed set is
// returned.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveCoinbaseSpends() []*btcutil.Tx {
	mp.Lock()
	defer mp.Unlock()

	if mp.cfg.IsImmatureCoinbaseSpend == nil || mp.cfg.BestHeight == nil {
		return nil
	}
	height := mp.cfg.BestHeight()

	var doomed []*TxEntry
	for _, entry := range mp.pool {
		for _, txIn := range entry.Tx.MsgTx().TxIn {
			prevOut := txIn.PreviousOutPoint
			if _, inPool := mp.pool[prevOut.Hash]; inPool {
				continue
			}
			if mp.cfg.IsImmatureCoinbaseSpend(prevOut, height) {
				doomed = append(doomed, entry)
				break
			}
		}
	}

	var removed []*btcutil.Tx
	for _, entry := range doomed {
		// The entry may already be gone as a descendant of an earlier
		// offender.
		if _, exists := mp.pool[*entry.Hash()]; !exists {
			continue
		}
		removed = append(removed,
			mp.removeTransaction(entry.Tx, true)...)
	}
	mp.maybeCheck()
	return removed
}

// Expire removes every transaction admitted strictly before the cutoff,
// together with its descendants, and returns how many entries were removed.
// The admission-time ordering view makes the sweep stop at the first young
// enough entry.
//
// This function is safe for concurrent access.
func (mp *TxPool) Expire(cutoff time.Time) int {
	mp.Lock()
	defer mp.Unlock()

	var expired []*TxEntry
	mp.timeIndex.Ascend(func(item btree.Item) bool {
		entry := item.(orderedByTime).entry
		if !entry.Time.Before(cutoff) {
			return false
		}
		expired = append(expired, entry)
		return true
	})

	stage := make(map[chainhash.Hash]*TxEntry)
	for _, entry := range expired {
		mp.calculateDescendants(entry, stage)
	}
	if len(stage) > 0 {
		mp.removeStaged(stage, false)
		log.Debugf("Expired %d transactions admitted before %v",
			len(stage), cutoff)
	}
	mp.maybeCheck()
	return len(stage)
}

// PrioritiseTransaction adds the given deltas to the prioritisation row for
// the hash.  Deltas accumulate across calls and persist until explicitly
// cleared, whether or not the transaction is currently in the pool.  If it
// is, the adjusted fee is folded into the entry and into every aggregate
// that includes it.
//
// This function is safe for concurrent access.
func (mp *TxPool) PrioritiseTransaction(txHash *chainhash.Hash,
	priorityDelta float64, feeDelta btcutil.Amount) {

	mp.Lock()
	defer mp.Unlock()

	delta := mp.mapDeltas[*txHash]
	delta.priority += priorityDelta
	delta.fee += feeDelta
	mp.mapDeltas[*txHash] = delta

	if entry, exists := mp.pool[*txHash]; exists && feeDelta != 0 {
		mp.reindexScore(entry, func() {
			entry.updateFeeDelta(delta.fee)
		})

		ancestors, _ := mp.calculateMemPoolAncestors(entry, noLimit,
			noLimit, noLimit, noLimit, false)
		for _, ancestor := range ancestors {
			ancestor.updateDescendantState(0, 0, feeDelta)
		}

		stage := make(map[chainhash.Hash]*TxEntry)
		mp.calculateDescendants(entry, stage)
		for descHash, desc := range stage {
			if descHash == *txHash {
				continue
			}
			desc := desc
			mp.reindexScore(desc, func() {
				desc.updateAncestorState(0, 0, 0, feeDelta)
			})
		}
	}

	log.Infof("Prioritised transaction %v: priority delta %f, "+
		"fee delta %d", txHash, priorityDelta, feeDelta)
	mp.maybeCheck()
}

// ApplyDeltas returns the accumulated priority and fee adjustments for the
// given transaction hash, both zero when no row exists.
//
// This function is safe for concurrent access.
func (mp *TxPool) ApplyDeltas(txHash *chainhash.Hash) (float64, btcutil.Amount) {
	mp.RLock()
	defer mp.RUnlock()

	delta := mp.mapDeltas[*txHash]
	return delta.priority, delta.fee
}

// ClearPrioritisation removes any prioritisation row for the hash.
//
// This function is safe for concurrent access.
func (mp *TxPool) ClearPrioritisation(txHash *chainhash.Hash) {
	mp.Lock()
	defer mp.Unlock()

	delete(mp.mapDeltas, *txHash)
}

// maybeCheck runs the full consistency check when sanity checking is on.
func (mp *TxPool) maybeCheck() {
	if mp.sanityCheck {
		mp.checkConsistency()
	}
}

// CheckConsistency verifies every structural invariant the pool maintains:
// link symmetry against actual input/output relations, spend index
// exactness, aggregate lower bounds, and cached totals.  A violation is a
// programming error, so it logs critically and panics.  It is only intended
// for diagnostics and tests.
//
// This function is safe for concurrent access.
func (mp *TxPool) CheckConsistency() {
	mp.RLock()
	defer mp.RUnlock()

	mp.checkConsistency()
}

// checkConsistency is the lock-assumed twin of CheckConsistency.
func (mp *TxPool) checkConsistency() {
	var totalSize, innerUsage int64

	for hash, entry := range mp.pool {
		// Each link appears in two maps but is charged once; count it
		// on the child side.
		innerUsage += entry.usageSize +
			int64(len(entry.parents))*linkUsage

		parentsFromInputs := make(map[chainhash.Hash]struct{})
		for i, txIn := range entry.Tx.MsgTx().TxIn {
			prevOut := txIn.PreviousOutPoint
			if _, inPool := mp.pool[prevOut.Hash]; inPool {
				parentsFromInputs[prevOut.Hash] = struct{}{}
				if _, linked := entry.parents[prevOut.Hash]; !linked {
					mp.failConsistency("missing parent link", entry)
				}
			}
			sp, exists := mp.outpoints[prevOut]
			if !exists || sp.entry != entry || int(sp.inputIndex) != i {
				mp.failConsistency("spend index row mismatch", entry)
			}
		}
		if len(parentsFromInputs) != len(entry.parents) {
			mp.failConsistency("stray parent link", entry)
		}

		var childSize, exactParentSize int64
		exactParents := 0
		for childHash, child := range entry.children {
			if _, inPool := mp.pool[childHash]; !inPool {
				mp.failConsistency("child not in pool", entry)
			}
			spends := false
			for _, txIn := range child.Tx.MsgTx().TxIn {
				if txIn.PreviousOutPoint.Hash == hash {
					spends = true
					break
				}
			}
			if !spends {
				mp.failConsistency("stray child link", entry)
			}
			childSize += child.TxSize
		}
		for _, parent := range entry.parents {
			if parent.descExact {
				exactParents++
				exactParentSize += parent.TxSize
			}
		}

		descStats, exact := entry.DescendantStats()
		if exact {
			if descStats.Count < int64(1+len(entry.children)) ||
				descStats.Size < entry.TxSize+childSize {

				mp.failConsistency(
					"descendant aggregate below lower bound",
					entry)
			}
		} else if descStats.Count != 1 || descStats.Size != entry.TxSize {
			mp.failConsistency("dirty aggregate not self-only", entry)
		}

		// A parent whose descendant aggregate was abandoned may also be
		// missing from this entry's ancestor aggregate, so only exact
		// parents contribute to the lower bound.
		ancStats := entry.AncestorStats()
		if ancStats.Count < int64(1+exactParents) ||
			ancStats.Size < entry.TxSize+exactParentSize {

			mp.failConsistency(
				"ancestor aggregate below lower bound", entry)
		}

		totalSize += entry.TxSize
	}

	for op, sp := range mp.outpoints {
		if mp.pool[*sp.entry.Hash()] != sp.entry {
			mp.failConsistency("spend index spender not pooled", op)
		}
		txIns := sp.entry.Tx.MsgTx().TxIn
		if int(sp.inputIndex) >= len(txIns) ||
			txIns[sp.inputIndex].PreviousOutPoint != op {

			mp.failConsistency("spend index input mismatch", op)
		}
	}

	if totalSize != mp.totalTxSize {
		mp.failConsistency("total size drift", mp.totalTxSize)
	}
	if innerUsage != mp.cachedInnerUsage {
		mp.failConsistency("inner usage drift", mp.cachedInnerUsage)
	}
	if mp.timeIndex.Len() != len(mp.pool) ||
		mp.scoreIndex.Len() != len(mp.pool) {

		mp.failConsistency("ordering view size mismatch", len(mp.pool))
	}
}

// failConsistency reports an invariant violation and panics.
func (mp *TxPool) failConsistency(reason string, v interface{}) {
	log.Criticalf("mempool consistency check failed: %s: %s", reason,
		spew.Sdump(v))
	panic("mempool: " + reason)
}
