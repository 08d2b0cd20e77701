// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/btree"

	"github.com/ClaraShk/bitcoin/mempool"
)

const (
	// generatedBlockVersion is the version of the block being generated.
	generatedBlockVersion = 4

	// blockHeaderOverhead is the max number of bytes it takes to serialize
	// a block header and max possible transaction count.
	blockHeaderOverhead = wire.MaxBlockHeaderPayload + wire.MaxVarIntPayload

	// coinbaseFlags is added to the coinbase script of a generated block.
	coinbaseFlags = "/P2SH/btcd/"

	// maxConsecutiveFailures is how many packages in a row may fail the
	// block limits before selection gives up, provided the block is
	// already nearly full.
	maxConsecutiveFailures = 1000

	// nearFullWeight is how close to BlockMaxWeight the block must be for
	// the consecutive-failure cutoff to fire.
	nearFullWeight = 4000
)

// Config is a descriptor containing the block template generator
// configuration.
type Config struct {
	// Policy houses the policy controlling template generation.
	Policy Policy

	// ChainParams identifies the chain the generated templates are for.
	ChainParams *chaincfg.Params

	// TxPool is the memory pool transactions are selected from.  The
	// generator holds the pool's read lock for the duration of a template
	// build so selection sees one consistent pool state.
	TxPool *mempool.TxPool

	// BestSnapshot returns the current best chain state.
	BestSnapshot func() *blockchain.BestState

	// CalcNextRequiredDifficulty returns the required target difficulty
	// for a block built on the current best chain with the given
	// timestamp.
	CalcNextRequiredDifficulty func(time.Time) (uint32, error)

	// TimeSource provides the adjusted time used for the block timestamp.
	TimeSource blockchain.MedianTimeSource

	// TestBlockValidity may be set to run full contextual validation on
	// each generated block before it is returned.  It may be nil.
	TestBlockValidity func(block *btcutil.Block) error
}

// BlockTemplate houses a block that has yet to be solved along with
// additional details about the fees and the number of signature operations
// for each transaction in the block.
type BlockTemplate struct {
	// Block is a block that is ready to be solved by miners.  Thus, it is
	// completely valid with the exception of satisfying the proof-of-work
	// requirement.
	Block *wire.MsgBlock

	// Fees contains the amount of fees each transaction in the generated
	// template pays in base units.  Since the first transaction is the
	// coinbase, the first entry (offset 0) will contain the negative of
	// the sum of the fees of all other transactions.
	Fees []int64

	// SigOpCosts contains the number of signature operations each
	// transaction in the generated template performs.
	SigOpCosts []int64

	// Height is the height at which the block template connects to the
	// main chain.
	Height int32

	// ValidPayAddress indicates whether or not the template coinbase pays
	// to an address or is redeemable by anyone.
	ValidPayAddress bool

	// WitnessCommitment is the witness commitment committed to in the
	// coinbase, or nil when the template carries no witness transactions.
	WitnessCommitment []byte
}

// modifiedEntry is the shadow index row for a pool entry some of whose
// ancestors have already been placed in the block under construction.  The
// aggregates start from the pool's ancestor aggregate and shrink as ancestors
// are included, so the entry competes on the feerate of what it would still
// add to the block.
type modifiedEntry struct {
	entry *mempool.TxEntry

	countWithAncestors     int64
	sizeWithAncestors      int64
	sigOpCostWithAncestors int64
	feesWithAncestors      btcutil.Amount
}

// newModifiedEntry seeds a shadow row from the entry's pool aggregate.
func newModifiedEntry(entry *mempool.TxEntry) *modifiedEntry {
	stats := entry.AncestorStats()
	return &modifiedEntry{
		entry:                  entry,
		countWithAncestors:     stats.Count,
		sizeWithAncestors:      stats.Size,
		sigOpCostWithAncestors: stats.SigOpCost,
		feesWithAncestors:      stats.Fees,
	}
}

// Less orders shadow rows by remaining-package feerate, cheapest first, so
// the best candidate is the tree maximum.  Rates compare by cross
// multiplication and the hash breaks ties.
func (a *modifiedEntry) Less(than btree.Item) bool {
	b := than.(*modifiedEntry)
	aScore := float64(a.feesWithAncestors) * float64(b.sizeWithAncestors)
	bScore := float64(b.feesWithAncestors) * float64(a.sizeWithAncestors)
	if aScore != bScore {
		return aScore < bScore
	}
	return bytes.Compare(a.entry.Hash()[:], b.entry.Hash()[:]) < 0
}

// beatsPoolEntry reports whether the shadow row pays a strictly better
// remaining-package feerate than the pool entry's full package.
func (a *modifiedEntry) beatsPoolEntry(entry *mempool.TxEntry) bool {
	stats := entry.AncestorStats()
	aScore := float64(a.feesWithAncestors) * float64(stats.Size)
	bScore := float64(stats.Fees) * float64(a.sizeWithAncestors)
	return aScore > bScore
}

// standardCoinbaseScript returns a standard script suitable for use as the
// signature script of the coinbase transaction of a new block.  In particular,
// it starts with the block height that is required by version 2 blocks and
// adds the extra nonce as well as additional coinbase flags.
func standardCoinbaseScript(nextBlockHeight int32, extraNonce uint64) ([]byte, error) {
	return txscript.NewScriptBuilder().AddInt64(int64(nextBlockHeight)).
		AddInt64(int64(extraNonce)).AddData([]byte(coinbaseFlags)).
		Script()
}

// createCoinbaseTx returns a coinbase transaction paying an appropriate
// subsidy based on the passed block height to the provided address.  When the
// address is nil, the coinbase transaction will instead be redeemable by
// anyone.
func createCoinbaseTx(params *chaincfg.Params, coinbaseScript []byte,
	nextBlockHeight int32, addr btcutil.Address) (*btcutil.Tx, error) {

	// Create the script to pay to the provided payment address if one was
	// specified.  Otherwise create a script that allows the coinbase to be
	// redeemable by anyone.
	var pkScript []byte
	if addr != nil {
		var err error
		pkScript, err = txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		scriptBuilder := txscript.NewScriptBuilder()
		pkScript, err = scriptBuilder.AddOp(txscript.OP_TRUE).Script()
		if err != nil {
			return nil, err
		}
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		// Coinbase transactions have no inputs, so previous outpoint is
		// zero hash and max index.
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{},
			wire.MaxPrevOutIndex),
		SignatureScript: coinbaseScript,
		Sequence:        wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    blockchain.CalcBlockSubsidy(nextBlockHeight, params),
		PkScript: pkScript,
	})
	return btcutil.NewTx(tx), nil
}

// medianAdjustedTime returns the current time adjusted to ensure it is at
// least one second after the median timestamp of the last several blocks per
// the chain consensus rules.
func medianAdjustedTime(chainState *blockchain.BestState,
	timeSource blockchain.MedianTimeSource) time.Time {

	newTimestamp := timeSource.AdjustedTime()
	minTimestamp := chainState.MedianTime.Add(time.Second)
	if newTimestamp.Before(minTimestamp) {
		newTimestamp = minTimestamp
	}

	// The timestamp is truncated to a second boundary before comparing
	// since a block timestamp does not support a precision greater than
	// one second.
	return newTimestamp.Truncate(time.Second)
}

// BlkTmplGenerator provides a type that can be used to generate block
// templates based on a given mining policy and source of transactions to
// choose from.
//
// It is safe for concurrent access.
type BlkTmplGenerator struct {
	cfg Config
}

// NewBlkTmplGenerator returns a new block template generator for the given
// policy using transactions from the provided transaction pool.
func NewBlkTmplGenerator(cfg *Config) *BlkTmplGenerator {
	policy := cfg.Policy
	if policy.BlockMaxWeight == 0 ||
		policy.BlockMaxWeight > blockchain.MaxBlockWeight {

		policy.BlockMaxWeight = blockchain.MaxBlockWeight - nearFullWeight
	}
	if policy.BlockMaxSize == 0 ||
		policy.BlockMaxSize > blockchain.MaxBlockBaseSize {

		policy.BlockMaxSize = blockchain.MaxBlockBaseSize - 1000
	}
	if policy.OmitRecentTransactions && policy.RecentTxWindow <= 0 {
		policy.RecentTxWindow = DefaultRecentTxWindow
	}

	g := &BlkTmplGenerator{cfg: *cfg}
	g.cfg.Policy = policy
	return g
}

// NewBlockTemplate returns a new block template that is ready to be solved
// using the transactions from the memory pool and a coinbase that either pays
// to the passed address if it is not nil, or a coinbase that is redeemable by
// anyone if the passed address is nil.
//
// Transactions are selected by ancestor-package feerate from the best-paying
// end of the pool's feerate ordering.  A package is the candidate transaction
// together with every unconfirmed ancestor not yet in the block; it is
// included or rejected as a unit, so a child can never appear without its
// parents.  Once a transaction makes it into the block, the remaining
// packages of its descendants are re-scored through a shadow index so they
// compete on what they would still add.  Selection stops at the first package
// paying under Policy.TxMinFreeFee once the block weighs at least
// Policy.BlockMinWeight, or when packages keep failing the weight and sigop
// limits with the block nearly full.  When Policy.OmitRecentTransactions is
// set, a second pass strips transactions admitted within the recency window,
// and their included descendants, from the selected list.
//
// When includeWitness is false, packages containing witness transactions are
// rejected, producing a template that can be serialized for peers that do
// not understand witness data.  Otherwise the template commits to the
// witness data of any witness transactions it includes.
//
// The generated template pays the miner both the block subsidy and the fees
// of the selected transactions.
func (g *BlkTmplGenerator) NewBlockTemplate(payToAddress btcutil.Address,
	includeWitness bool) (*BlockTemplate, error) {

	best := g.cfg.BestSnapshot()
	nextBlockHeight := best.Height + 1

	// Create a standard coinbase transaction paying to the provided
	// address.
	extraNonce := uint64(0)
	coinbaseScript, err := standardCoinbaseScript(nextBlockHeight, extraNonce)
	if err != nil {
		return nil, err
	}
	coinbaseTx, err := createCoinbaseTx(g.cfg.ChainParams, coinbaseScript,
		nextBlockHeight, payToAddress)
	if err != nil {
		return nil, err
	}
	coinbaseSigOpCost := int64(blockchain.CountSigOps(coinbaseTx)) *
		blockchain.WitnessScaleFactor

	// Selection observes one consistent pool state: the pool stays read
	// locked until the template is fully assembled.
	mp := g.cfg.TxPool
	mp.RLock()
	defer mp.RUnlock()

	sorted := mp.SortedByAncestorScore()

	blockTxns := make([]*btcutil.Tx, 0, len(sorted)+1)
	blockTxns = append(blockTxns, coinbaseTx)
	txFees := make([]int64, 0, len(sorted)+1)
	txFees = append(txFees, -1) // Updated once known.
	txSigOpCosts := make([]int64, 0, len(sorted)+1)
	txSigOpCosts = append(txSigOpCosts, coinbaseSigOpCost)

	blockWeight := uint32(blockHeaderOverhead*blockchain.WitnessScaleFactor) +
		uint32(blockchain.GetTransactionWeight(coinbaseTx))
	blockSize := uint32(blockHeaderOverhead) +
		uint32(coinbaseTx.MsgTx().SerializeSize())
	blockSigOps := coinbaseSigOpCost
	var totalFees int64

	policy := &g.cfg.Policy
	ts := medianAdjustedTime(best, g.cfg.TimeSource)

	inBlock := make(map[chainhash.Hash]*mempool.TxEntry)
	failedTx := make(map[chainhash.Hash]struct{})
	modified := btree.New(32)
	modifiedMap := make(map[chainhash.Hash]*modifiedEntry)
	consecutiveFailures := 0

	i := 0
	for i < len(sorted) || modified.Len() > 0 {
		// Pick the better of the next untouched pool entry and the best
		// shadow row.  Pool entries that acquired a shadow row are
		// served from the shadow index only.
		var cand *mempool.TxEntry
		var shadow *modifiedEntry
		if i < len(sorted) {
			poolCand := sorted[i]
			candHash := *poolCand.Hash()
			if _, ok := inBlock[candHash]; ok {
				i++
				continue
			}
			if _, ok := failedTx[candHash]; ok {
				i++
				continue
			}
			if _, ok := modifiedMap[candHash]; ok {
				i++
				continue
			}
			if modified.Len() > 0 {
				top := modified.Max().(*modifiedEntry)
				if top.beatsPoolEntry(poolCand) {
					shadow = top
					cand = top.entry
				}
			}
			if cand == nil {
				cand = poolCand
			}
		} else {
			shadow = modified.Max().(*modifiedEntry)
			cand = shadow.entry
		}
		candHash := *cand.Hash()

		var pkgSize, pkgSigOps int64
		var pkgFees btcutil.Amount
		if shadow != nil {
			pkgSize = shadow.sizeWithAncestors
			pkgSigOps = shadow.sigOpCostWithAncestors
			pkgFees = shadow.feesWithAncestors
		} else {
			stats := cand.AncestorStats()
			pkgSize = stats.Size
			pkgSigOps = stats.SigOpCost
			pkgFees = stats.Fees
		}

		// Everything after this candidate pays an even worse rate, so
		// once the block has reached its minimum weight there is
		// nothing left worth including.
		if pkgFees < minFeeForSize(policy.TxMinFreeFee, pkgSize) &&
			blockWeight >= policy.BlockMinWeight &&
			blockSize >= policy.BlockMinSize {

			log.Tracef("Package for %v pays %v below minimum "+
				"feerate, stopping selection", candHash, pkgFees)
			break
		}

		// Collect the package: the candidate plus its ancestors not
		// already in the block.
		ancestors := mp.AncestorsOf(cand)
		for ancestorHash := range ancestors {
			if _, ok := inBlock[ancestorHash]; ok {
				delete(ancestors, ancestorHash)
			}
		}
		members := make([]*mempool.TxEntry, 0, len(ancestors)+1)
		for _, ancestor := range ancestors {
			members = append(members, ancestor)
		}
		members = append(members, cand)

		// Test the package as a unit against the block limits.  Only
		// limit failures feed the near-full cutoff: they signal the
		// block is filling up, while a non-final or witness member
		// says nothing about the remaining space.
		failedLimits := false
		if blockWeight+uint32(blockchain.WitnessScaleFactor*pkgSize) >=
			policy.BlockMaxWeight {

			failedLimits = true
		}
		if blockSize+uint32(pkgSize) >= policy.BlockMaxSize {
			failedLimits = true
		}
		if blockSigOps+pkgSigOps > blockchain.MaxBlockSigOpsCost {
			failedLimits = true
		}

		failedMember := false
		if !failedLimits {
			for _, member := range members {
				if !blockchain.IsFinalizedTransaction(member.Tx,
					nextBlockHeight, ts) {

					failedMember = true
					break
				}
				if !includeWitness &&
					member.Tx.MsgTx().HasWitness() {

					failedMember = true
					break
				}
			}
		}
		if failedLimits || failedMember {
			failedTx[candHash] = struct{}{}
			if shadow != nil {
				modified.Delete(shadow)
				delete(modifiedMap, candHash)
			} else {
				i++
			}
			if failedLimits {
				consecutiveFailures++
				if consecutiveFailures > maxConsecutiveFailures &&
					blockWeight > policy.BlockMaxWeight-
						nearFullWeight {

					break
				}
			}
			continue
		}
		consecutiveFailures = 0

		// Parents must precede children in the block; ancestor counts
		// increase monotonically along every dependency chain, so
		// sorting by them yields a valid order.
		sortMembersByAncestorCount(members)

		for _, member := range members {
			blockTxns = append(blockTxns, member.Tx)
			txFees = append(txFees, int64(member.Fee))
			txSigOpCosts = append(txSigOpCosts, member.SigOpCost)
			blockWeight += uint32(blockchain.GetTransactionWeight(
				member.Tx))
			blockSize += uint32(member.TxSize)
			blockSigOps += member.SigOpCost
			totalFees += int64(member.Fee)

			memberHash := *member.Hash()
			inBlock[memberHash] = member
			if row, ok := modifiedMap[memberHash]; ok {
				modified.Delete(row)
				delete(modifiedMap, memberHash)
			}
		}

		// Re-score every remaining descendant of the newly added
		// transactions on what it would still add to the block.
		for _, member := range members {
			memberEntry := member
			for descHash, desc := range mp.DescendantsOf(memberEntry) {
				if descHash == *memberEntry.Hash() {
					continue
				}
				if _, ok := inBlock[descHash]; ok {
					continue
				}
				row, ok := modifiedMap[descHash]
				if ok {
					modified.Delete(row)
				} else {
					row = newModifiedEntry(desc)
					modifiedMap[descHash] = row
				}
				row.countWithAncestors--
				row.sizeWithAncestors -= memberEntry.TxSize
				row.sigOpCostWithAncestors -= memberEntry.SigOpCost
				row.feesWithAncestors -= memberEntry.ModifiedFee()
				modified.ReplaceOrInsert(row)
			}
		}
	}

	// Optionally strip transactions that entered the pool only moments
	// ago, along with any included descendants they leave without a
	// parent.  A competing miner is unlikely to have seen them yet, so
	// leaving them out trades a few fees for a template less likely to
	// lose a propagation race.
	if policy.OmitRecentTransactions {
		cutoff := g.cfg.TimeSource.AdjustedTime().
			Add(-policy.RecentTxWindow)
		var removedFees int64
		blockTxns, txFees, txSigOpCosts, removedFees =
			removeRecentTransactions(blockTxns, txFees, txSigOpCosts,
				inBlock, cutoff)
		totalFees -= removedFees
	}

	// Now that the actual transactions have been selected, update the
	// coinbase value with the total fees accordingly.
	coinbaseTx.MsgTx().TxOut[0].Value += totalFees
	txFees[0] = -totalFees

	// If any of the selected transactions carry witness data the coinbase
	// must commit to it.
	witnessCommitment := addWitnessCommitment(coinbaseTx, blockTxns)

	// Calculate the required difficulty for the block.  The timestamp is
	// potentially adjusted to ensure it comes after the median time of the
	// last several blocks per the chain consensus rules.
	reqDifficulty, err := g.cfg.CalcNextRequiredDifficulty(ts)
	if err != nil {
		return nil, err
	}

	// Create a new block ready to be solved.
	merkles := blockchain.BuildMerkleTreeStore(blockTxns, false)
	var msgBlock wire.MsgBlock
	msgBlock.Header = wire.BlockHeader{
		Version:    generatedBlockVersion,
		PrevBlock:  best.Hash,
		MerkleRoot: *merkles[len(merkles)-1],
		Timestamp:  ts,
		Bits:       reqDifficulty,
	}
	for _, tx := range blockTxns {
		if err := msgBlock.AddTransaction(tx.MsgTx()); err != nil {
			return nil, err
		}
	}

	// Finally, perform a full check on the created block against the chain
	// consensus rules to ensure it properly connects to the current best
	// chain with no issues.
	if g.cfg.TestBlockValidity != nil {
		block := btcutil.NewBlock(&msgBlock)
		block.SetHeight(nextBlockHeight)
		if err := g.cfg.TestBlockValidity(block); err != nil {
			return nil, err
		}
	}

	log.Debugf("Created new block template (%d transactions, %d in "+
		"fees, %d signature operations cost, %d weight, target "+
		"difficulty %064x)", len(blockTxns), totalFees, blockSigOps,
		blockWeight, blockchain.CompactToBig(reqDifficulty))

	return &BlockTemplate{
		Block:             &msgBlock,
		Fees:              txFees,
		SigOpCosts:        txSigOpCosts,
		Height:            nextBlockHeight,
		ValidPayAddress:   payToAddress != nil,
		WitnessCommitment: witnessCommitment,
	}, nil
}

// removeRecentTransactions filters a selected transaction list down to the
// entries admitted at or before the cutoff.  A transaction whose parent is
// stripped is stripped as well, so the remaining list stays closed under
// in-block dependencies.  The list is in parent-before-child order, so one
// forward scan propagates removal down every chain.  The first slot is the
// coinbase and always kept.  Returns the filtered slices and the total fees
// removed.
//
// This function MUST be called with the mempool lock held (for reads).
func removeRecentTransactions(blockTxns []*btcutil.Tx, txFees []int64,
	txSigOpCosts []int64, inBlock map[chainhash.Hash]*mempool.TxEntry,
	cutoff time.Time) ([]*btcutil.Tx, []int64, []int64, int64) {

	stripped := make(map[chainhash.Hash]struct{})
	keptTxns := blockTxns[:1]
	keptFees := txFees[:1]
	keptSigOps := txSigOpCosts[:1]
	var removedFees int64
	for idx := 1; idx < len(blockTxns); idx++ {
		txHash := *blockTxns[idx].Hash()
		entry := inBlock[txHash]
		strip := entry.Time.After(cutoff)
		if !strip {
			for parentHash := range entry.Parents() {
				if _, ok := stripped[parentHash]; ok {
					strip = true
					break
				}
			}
		}
		if strip {
			stripped[txHash] = struct{}{}
			removedFees += txFees[idx]
			log.Tracef("Stripped recent transaction %v from "+
				"block template", txHash)
			continue
		}
		keptTxns = append(keptTxns, blockTxns[idx])
		keptFees = append(keptFees, txFees[idx])
		keptSigOps = append(keptSigOps, txSigOpCosts[idx])
	}
	return keptTxns, keptFees, keptSigOps, removedFees
}

// sortMembersByAncestorCount orders package members by their pool ancestor
// count, fewest first.
func sortMembersByAncestorCount(members []*mempool.TxEntry) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].AncestorStats().Count <
			members[j].AncestorStats().Count
	})
}

// addWitnessCommitment adds the witness commitment as an OP_RETURN output
// within the coinbase transaction if any of the block's transactions carry
// witness data.  The commitment hash is returned, or nil when no commitment
// was necessary.
func addWitnessCommitment(coinbaseTx *btcutil.Tx,
	blockTxns []*btcutil.Tx) []byte {

	witnessIncluded := false
	for _, tx := range blockTxns[1:] {
		if tx.MsgTx().HasWitness() {
			witnessIncluded = true
			break
		}
	}
	if !witnessIncluded {
		return nil
	}

	// The witness of the coinbase transaction MUST be exactly 32-bytes of
	// all zeroes.
	var witnessNonce [blockchain.CoinbaseWitnessDataLen]byte
	coinbaseTx.MsgTx().TxIn[0].Witness = wire.TxWitness{witnessNonce[:]}

	// The witness commitment is the double sha256 of the witness merkle
	// root concatenated with the witness nonce.
	witnessMerkleTree := blockchain.BuildMerkleTreeStore(blockTxns, true)
	witnessMerkleRoot := witnessMerkleTree[len(witnessMerkleTree)-1]
	var witnessPreimage [2 * chainhash.HashSize]byte
	copy(witnessPreimage[:], witnessMerkleRoot[:])
	copy(witnessPreimage[chainhash.HashSize:], witnessNonce[:])
	witnessCommitment := chainhash.DoubleHashB(witnessPreimage[:])

	witnessScript := append(blockchain.WitnessMagicBytes, witnessCommitment...)
	coinbaseTx.MsgTx().AddTxOut(&wire.TxOut{
		Value:    0,
		PkScript: witnessScript,
	})
	return witnessCommitment
}

// UpdateBlockTime updates the timestamp in the header of the passed block to
// the current time while taking into account the median time of the last
// several blocks to ensure the new time is after that time per the chain
// consensus rules.
func (g *BlkTmplGenerator) UpdateBlockTime(msgBlock *wire.MsgBlock) error {
	// The new timestamp is potentially adjusted to ensure it comes after
	// the median time of the last several blocks per the chain consensus
	// rules.
	newTime := medianAdjustedTime(g.cfg.BestSnapshot(), g.cfg.TimeSource)
	msgBlock.Header.Timestamp = newTime

	// Recalculate the difficulty if running on a network that requires it.
	if g.cfg.ChainParams.ReduceMinDifficulty {
		difficulty, err := g.cfg.CalcNextRequiredDifficulty(newTime)
		if err != nil {
			return err
		}
		msgBlock.Header.Bits = difficulty
	}
	return nil
}

// UpdateExtraNonce updates the extra nonce in the coinbase script of the
// passed block by regenerating the coinbase script with the passed value and
// block height.  It also recalculates and updates the new merkle root that
// results from changing the coinbase script.
func (g *BlkTmplGenerator) UpdateExtraNonce(msgBlock *wire.MsgBlock,
	blockHeight int32, extraNonce uint64) error {

	coinbaseScript, err := standardCoinbaseScript(blockHeight, extraNonce)
	if err != nil {
		return err
	}
	if len(coinbaseScript) > blockchain.MaxCoinbaseScriptLen {
		return fmt.Errorf("coinbase transaction script length of %d "+
			"is out of range (min: %d, max: %d)",
			len(coinbaseScript), blockchain.MinCoinbaseScriptLen,
			blockchain.MaxCoinbaseScriptLen)
	}
	msgBlock.Transactions[0].TxIn[0].SignatureScript = coinbaseScript

	// Recalculate the merkle root with the updated extra nonce.
	block := btcutil.NewBlock(msgBlock)
	merkles := blockchain.BuildMerkleTreeStore(block.Transactions(), false)
	msgBlock.Header.MerkleRoot = *merkles[len(merkles)-1]
	return nil
}
