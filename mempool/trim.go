// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/btree"
	"github.com/pkg/errors"
)

// iterPerFail is the extra descendant-walk allowance granted per consecutive
// failure before a trim pass aborts.
const iterPerFail = 10

// freedUsage estimates the pool memory released by deleting the entry: its
// own usage, its pool row, and its parent-side link rows.  Spend index rows
// are deliberately left out so the estimate stays a lower bound and a
// successful trim can never land above the requested budget.
func freedUsage(entry *TxEntry) int64 {
	return entry.usageSize + poolRowUsage +
		int64(len(entry.parents))*linkUsage
}

// trimPool stages low-feerate packages for eviction until sizeToTrim bytes
// of estimated usage are covered or the pass gives up.  Candidates come from
// the cheap end of the ancestor-feerate view, and only a 1-in-N random
// subsample of them is expanded into a full descendant package per pass, so
// repeated passes do not keep grinding the same long chains.  A candidate
// package fails when it touches the protected set, when its fees would
// exceed what the displacing content pays (feesReserved + staged fees +
// package fees above feeToUse), when its own feerate beats the displaced
// rate of feeToUse per sizeToUse, or when its expansion pushes the pass's
// cumulative visited-node total past iterExtra + iterPerFail*(fails+1).
// Each failure raises that allowance, so a later, smaller package can still
// succeed where a sprawling one could not.  TrimMaxFailures consecutive
// failures end the pass.
//
// The staged fees and estimated staged usage are returned, along with
// whether the pass covered sizeToTrim.  Callers with a hard target treat
// false as infeasible; best-effort callers keep the partial stage.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) trimPool(sizeToTrim int64,
	protected map[chainhash.Hash]struct{}, feesReserved,
	feeToUse btcutil.Amount, sizeToUse int64, iterExtra int,
	stage map[chainhash.Hash]*TxEntry) (btcutil.Amount, int64, bool) {

	sampleRate := mp.cfg.Policy.TrimSampleRate
	failMax := mp.cfg.Policy.TrimMaxFailures

	candidates := make([]*TxEntry, 0, mp.scoreIndex.Len())
	mp.scoreIndex.Ascend(func(item btree.Item) bool {
		candidates = append(candidates,
			item.(orderedByAncestorScore).entry)
		return true
	})

	var feesRemoved btcutil.Amount
	var sizeRemoved int64
	fails := 0
	iterTotal := 0
	for _, candidate := range candidates {
		if sizeRemoved >= sizeToTrim {
			break
		}
		if fails > failMax {
			break
		}
		if _, staged := stage[*candidate.Hash()]; staged {
			continue
		}
		if mp.rng.Intn(sampleRate) != 0 {
			continue
		}

		// The view ascends by feerate; once a candidate is pricier
		// on its own than the displaced rate the cheap end is
		// exhausted.
		if float64(candidate.ModifiedFee())*float64(sizeToUse) >
			float64(feeToUse)*float64(candidate.TxSize) {

			break
		}

		pkg := make(map[chainhash.Hash]*TxEntry)
		var pkgFees btcutil.Amount
		var pkgSize, pkgUsage int64
		viable := true
		queue := []*TxEntry{candidate}
		for len(queue) > 0 {
			next := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			nextHash := *next.Hash()
			if _, seen := pkg[nextHash]; seen {
				continue
			}
			if _, hit := protected[nextHash]; hit {
				viable = false
				break
			}
			pkg[nextHash] = next
			pkgFees += next.ModifiedFee()
			pkgSize += next.TxSize
			pkgUsage += freedUsage(next)

			iterTotal++
			if iterTotal > iterExtra+iterPerFail*(fails+1) {
				viable = false
				break
			}

			if feesReserved+feesRemoved+pkgFees > feeToUse {
				viable = false
				break
			}

			for _, child := range next.children {
				childHash := *child.Hash()
				if _, staged := stage[childHash]; staged {
					continue
				}
				if _, seen := pkg[childHash]; !seen {
					queue = append(queue, child)
				}
			}
		}
		if !viable {
			fails++
			continue
		}

		// The whole package must displace at no better a rate than
		// what replaces it.
		if float64(pkgFees)*float64(sizeToUse) >
			float64(feeToUse)*float64(pkgSize) {

			fails++
			continue
		}

		for hash, member := range pkg {
			stage[hash] = member
		}
		feesRemoved += pkgFees
		sizeRemoved += pkgUsage
		fails = 0
	}

	return feesRemoved, sizeRemoved, sizeRemoved >= sizeToTrim
}

// TrimToSize evicts low-feerate packages until the pool's dynamic memory
// usage fits within byteBudget.  Entries in the protected set (and their
// descendant closures) are never staged.  The displaced feerate is priced at
// twice the minimum relay rate.  If the budget cannot be met within the
// retry allowance, nothing is removed and ErrTrimInfeasible is returned.
//
// This function is safe for concurrent access.
func (mp *TxPool) TrimToSize(byteBudget int64,
	protected []*chainhash.Hash) ([]*btcutil.Tx, btcutil.Amount, error) {

	mp.Lock()
	defer mp.Unlock()

	usage := mp.dynamicMemoryUsage()
	if usage <= byteBudget {
		return nil, 0, nil
	}
	sizeToTrim := usage - byteBudget

	protSet := make(map[chainhash.Hash]struct{}, len(protected))
	for _, hash := range protected {
		protSet[*hash] = struct{}{}
	}

	displacedFee := btcutil.Amount(calcMinRequiredTxRelayFee(sizeToTrim,
		2*mp.cfg.Policy.MinRelayTxFee))

	stage := make(map[chainhash.Hash]*TxEntry)
	feesRemoved, _, ok := mp.trimPool(sizeToTrim, protSet, 0, displacedFee,
		sizeToTrim, 100, stage)
	if !ok {
		return nil, 0, errors.Wrapf(ErrTrimInfeasible,
			"%d bytes over budget %d", sizeToTrim, byteBudget)
	}

	removed := mp.removeStaged(stage, false)
	log.Debugf("Trimmed %d transactions to meet budget %d (%d in fees "+
		"evicted)", len(removed), byteBudget, feesRemoved)
	mp.maybeCheck()
	return removed, feesRemoved, nil
}

// StageTrimToSize makes room for an incoming transaction so that admitting
// it keeps the pool within byteBudget.  The incoming transaction's fee and
// size price the displaced feerate: evicted packages must pay less per byte
// than the newcomer, and their combined fees must stay below the newcomer's
// fee minus feesReserved (fees already committed to other pending
// admissions).  The newcomer's in-pool parents are protected.  On failure
// nothing is removed and ErrTrimInfeasible is returned; admitting the
// transaction would make the pool worse.
//
// This function is safe for concurrent access.
func (mp *TxPool) StageTrimToSize(byteBudget int64, incoming *TxEntry,
	feesReserved btcutil.Amount) ([]*btcutil.Tx, btcutil.Amount, error) {

	mp.Lock()
	defer mp.Unlock()

	usage := mp.dynamicMemoryUsage() + incoming.usageSize + poolRowUsage
	if usage <= byteBudget {
		return nil, 0, nil
	}
	sizeToTrim := usage - byteBudget

	protected := make(map[chainhash.Hash]struct{})
	for _, txIn := range incoming.Tx.MsgTx().TxIn {
		parentHash := txIn.PreviousOutPoint.Hash
		if _, exists := mp.pool[parentHash]; exists {
			protected[parentHash] = struct{}{}
		}
	}

	stage := make(map[chainhash.Hash]*TxEntry)
	feesRemoved, _, ok := mp.trimPool(sizeToTrim, protected, feesReserved,
		incoming.ModifiedFee(), incoming.TxSize, iterPerFail, stage)
	if !ok {
		return nil, 0, errors.Wrapf(ErrTrimInfeasible,
			"no room for transaction %v", incoming.Hash())
	}

	removed := mp.removeStaged(stage, false)
	mp.maybeCheck()
	return removed, feesRemoved, nil
}

// SurplusTrim is the periodic best-effort sweep: it tries to shave a quarter
// of usageToTrim off the pool, treating multiplier times the minimum relay
// rate as the displaced feerate, and keeps whatever viable packages it finds
// regardless of whether the target was covered.
//
// This function is safe for concurrent access.
func (mp *TxPool) SurplusTrim(multiplier int64,
	usageToTrim int64) ([]*btcutil.Tx, btcutil.Amount) {

	mp.Lock()
	defer mp.Unlock()

	sizeToTrim := usageToTrim / 4
	if sizeToTrim <= 0 {
		return nil, 0
	}

	displacedFee := btcutil.Amount(calcMinRequiredTxRelayFee(sizeToTrim,
		btcutil.Amount(multiplier)*mp.cfg.Policy.MinRelayTxFee))

	stage := make(map[chainhash.Hash]*TxEntry)
	feesRemoved, _, _ := mp.trimPool(sizeToTrim, nil, 0, displacedFee,
		sizeToTrim, 100, stage)
	if len(stage) == 0 {
		return nil, 0
	}

	removed := mp.removeStaged(stage, false)
	log.Debugf("Surplus trim removed %d transactions (%d in fees)",
		len(removed), feesRemoved)
	mp.maybeCheck()
	return removed, feesRemoved
}
