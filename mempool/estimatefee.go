// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
)

const (
	// estimateFeeDepth is the maximum number of blocks before a
	// transaction is confirmed that we want to track.
	estimateFeeDepth = 25

	// estimateFeeBinSize is the number of txs stored in each bin.
	estimateFeeBinSize = 100

	// estimateFeeMaxReplacements is the max number of replacements that
	// can be made by the txs found in a given block.
	estimateFeeMaxReplacements = 10

	// estimateFeeSaveVersion is the version written to snapshots, recorded
	// as both the required-to-read version and the written-by version.  A
	// future format change that old readers must refuse bumps the
	// required-to-read number.
	estimateFeeSaveVersion = 1

	// unminedHeight marks an observed transaction that has not been seen
	// in a block yet.
	unminedHeight = int32(math.MaxInt32)
)

// Estimator is the fee estimation service the pool reports to.  The pool
// calls ObserveTransaction on admission, RemoveTransaction on any removal,
// and RegisterBlock with each confirmed block's surviving pool entries.
type Estimator interface {
	// ObserveTransaction is called when a new transaction enters the
	// pool.
	ObserveTransaction(entry *TxEntry)

	// RemoveTransaction is called when a transaction leaves the pool for
	// any reason other than confirmation.
	RemoveTransaction(hash *chainhash.Hash)

	// RegisterBlock is called when a block confirms, with the pool
	// entries the block included.
	RegisterBlock(height int32, entries []*TxEntry) error

	// EstimateFee returns the feerate expected to confirm a transaction
	// within numBlocks blocks.
	EstimateFee(numBlocks uint32) (SatoshiPerByte, error)
}

// SatoshiPerByte is number with units of satoshis per byte.
type SatoshiPerByte float64

// ToSatoshiPerKb returns a float value that represents the given
// SatoshiPerByte converted to satoshis per kb.
func (rate SatoshiPerByte) ToSatoshiPerKb() float64 {
	// If our rate is the error value, return that.
	if rate == SatoshiPerByte(-1.0) {
		return -1.0
	}

	return float64(rate) * 1024
}

// Fee returns the fee for a transaction of a given size for
// the given fee rate.
func (rate SatoshiPerByte) Fee(size uint32) btcutil.Amount {
	// If our rate is the error value, return that.
	if rate == SatoshiPerByte(-1) {
		return btcutil.Amount(-1)
	}

	return btcutil.Amount(float64(rate) * float64(size))
}

// NewSatoshiPerByte creates a SatoshiPerByte from an Amount and a
// size in bytes.
func NewSatoshiPerByte(fee btcutil.Amount, size uint32) SatoshiPerByte {
	return SatoshiPerByte(float64(fee) / float64(size))
}

// observedTransaction represents an observed transaction and some
// additional data required for the fee estimation algorithm.
type observedTransaction struct {
	// A transaction hash.
	hash chainhash.Hash

	// The fee per byte of the transaction in satoshis.
	feeRate SatoshiPerByte

	// The block height when it was observed.
	observed int32

	// The height of the block in which it was mined.
	// If the transaction has not yet been mined, it is unminedHeight.
	mined int32
}

// registeredBlock has the height of a block and the list of transactions
// it mined which had been previously observed by the FeeEstimator.  It
// is used if Rollback is called to reverse the effect of registering
// a block.
type registeredBlock struct {
	height       int32
	transactions []*observedTransaction
}

// FeeEstimator manages the data necessary to create fee estimations.  It is
// safe for concurrent access.
type FeeEstimator struct {
	maxRollback uint32
	binSize     int

	// The maximum number of replacements that can be made in a single
	// bin per block.  Default is estimateFeeMaxReplacements.
	maxReplacements int

	// The minimum number of blocks that can be registered with the fee
	// estimator before it will provide answers.
	minRegisteredBlocks uint32

	// The last known height.
	lastKnownHeight int32

	sync.RWMutex
	observed            map[chainhash.Hash]*observedTransaction
	bin                 [estimateFeeDepth][]*observedTransaction
	numBlocksRegistered uint32

	// The cached estimates.
	cached []SatoshiPerByte

	// Transactions that have been removed from the bins.  This allows us
	// to revert in case of an orphaned block.
	dropped []registeredBlock
}

// Ensure the concrete estimator satisfies the interface the pool consumes.
var _ Estimator = (*FeeEstimator)(nil)

// NewFeeEstimator creates a FeeEstimator for which at most maxRollback blocks
// can be unregistered and which returns an error unless minRegisteredBlocks
// have been registered with it.
func NewFeeEstimator(maxRollback, minRegisteredBlocks uint32) *FeeEstimator {
	return &FeeEstimator{
		maxRollback:         maxRollback,
		minRegisteredBlocks: minRegisteredBlocks,
		lastKnownHeight:     unminedHeight,
		binSize:             estimateFeeBinSize,
		maxReplacements:     estimateFeeMaxReplacements,
		observed:            make(map[chainhash.Hash]*observedTransaction),
		dropped:             make([]registeredBlock, 0, maxRollback),
	}
}

// ObserveTransaction is called when a new transaction is observed in the
// mempool.
func (ef *FeeEstimator) ObserveTransaction(entry *TxEntry) {
	ef.Lock()
	defer ef.Unlock()

	hash := *entry.Hash()
	if _, ok := ef.observed[hash]; !ok {
		size := uint32(entry.TxSize)

		ef.observed[hash] = &observedTransaction{
			hash:     hash,
			feeRate:  NewSatoshiPerByte(entry.Fee, size),
			observed: entry.Height,
			mined:    unminedHeight,
		}
	}
}

// RemoveTransaction is called when a transaction leaves the mempool without
// confirming.  Its observation is discarded so the rate never feeds an
// estimate.
func (ef *FeeEstimator) RemoveTransaction(hash *chainhash.Hash) {
	ef.Lock()
	defer ef.Unlock()

	o, ok := ef.observed[*hash]
	if ok && o.mined == unminedHeight {
		delete(ef.observed, *hash)
	}
}

// RegisterBlock informs the fee estimator of a new block to take into
// account.
func (ef *FeeEstimator) RegisterBlock(height int32, entries []*TxEntry) error {
	ef.Lock()
	defer ef.Unlock()

	// The previous sorted list is invalid, so delete it.
	ef.cached = nil

	if height != ef.lastKnownHeight+1 &&
		ef.lastKnownHeight != unminedHeight {

		return errors.Errorf("intermediate block not recorded; current "+
			"height is %d; new height is %d", ef.lastKnownHeight,
			height)
	}

	// Update the last known height.
	ef.lastKnownHeight = height
	ef.numBlocksRegistered++

	// Count the number of replacements we make per bin so that we don't
	// replace too many.
	var replacementCounts [estimateFeeDepth]int

	// Keep track of which txs were dropped in case of an orphan block.
	dropped := registeredBlock{
		height:       height,
		transactions: make([]*observedTransaction, 0, 100),
	}

	// Go through the txs in the block.
	for _, entry := range entries {
		hash := *entry.Hash()

		// Have we observed this tx in the mempool?
		o, ok := ef.observed[hash]
		if !ok {
			continue
		}

		// Put the observed tx in the appropriate bin.
		o.mined = height

		blocksToConfirm := height - o.observed - 1

		// This shouldn't happen but check just in case to avoid
		// a panic later.
		if blocksToConfirm >= estimateFeeDepth || blocksToConfirm < 0 {
			continue
		}

		// Make sure we do not replace too many transactions per bin.
		if replacementCounts[blocksToConfirm] == ef.maxReplacements {
			continue
		}

		replacementCounts[blocksToConfirm]++

		bin := ef.bin[blocksToConfirm]

		// Remove a random element and replace it with this new tx.
		if len(bin) == ef.binSize {
			l := ef.binSize - replacementCounts[blocksToConfirm]
			drop := rand.Intn(l)
			dropped.transactions = append(
				dropped.transactions, bin[drop])

			bin[drop] = bin[l-1]
			bin[l-1] = o
		} else {
			ef.bin[blocksToConfirm] = append(bin, o)
		}
	}

	// Go through the mempool for txs that have been in too long.
	for hash, o := range ef.observed {
		if o.mined == unminedHeight &&
			height-o.observed >= estimateFeeDepth {

			delete(ef.observed, hash)
		}
	}

	// Add dropped list to history.
	if ef.maxRollback == 0 {
		return nil
	}

	if uint32(len(ef.dropped)) == ef.maxRollback {
		ef.dropped = append(ef.dropped[1:], dropped)
	} else {
		ef.dropped = append(ef.dropped, dropped)
	}

	return nil
}

// LastKnownHeight returns the height of the last block which was registered.
func (ef *FeeEstimator) LastKnownHeight() int32 {
	ef.RLock()
	defer ef.RUnlock()

	return ef.lastKnownHeight
}

// Rollback unregisters recently registered blocks down to and including the
// given height.  This can be used to reverse the effect of an orphaned block
// on the fee estimator.  The maximum number of rollbacks allowed is given by
// maxRollbacks.
//
// Note: not everything can be rolled back because some transactions are
// deleted if they have been observed too long ago.  That means the result of
// Rollback won't always be exactly the same as if the block had not
// happened, but it should be close enough.
func (ef *FeeEstimator) Rollback(height int32) error {
	ef.Lock()
	defer ef.Unlock()

	// Find this block in the stack of recent registered blocks.
	var n int
	for n = 1; n <= len(ef.dropped); n++ {
		if ef.dropped[len(ef.dropped)-n].height == height {
			break
		}
	}

	if n > len(ef.dropped) {
		return errors.New("no such block was recently registered")
	}

	for i := 0; i < n; i++ {
		ef.rollback()
	}

	return nil
}

// rollback rolls back the effect of the last block in the stack
// of registered blocks.
func (ef *FeeEstimator) rollback() {
	// The previous sorted list is invalid, so delete it.
	ef.cached = nil

	// Pop the last list of dropped txs from the stack.
	last := len(ef.dropped) - 1
	if last == -1 {
		// Cannot really happen because the exit condition is before
		// this check.
		return
	}

	ef.numBlocksRegistered--

	dropped := ef.dropped[last]
	ef.dropped = ef.dropped[0:last]

	// Where we are in each bin as we replace txs.
	var replacementCounters [estimateFeeDepth]int

	// Go through the txs in the dropped block.
	for _, o := range dropped.transactions {
		// Which bin was this tx in?
		blocksToConfirm := o.mined - o.observed - 1

		bin := ef.bin[blocksToConfirm]

		var counter = replacementCounters[blocksToConfirm]

		// Continue to go through that bin where we left off.
		for {
			if counter >= len(bin) {
				// Panic, as we have entered an unrecoverable
				// invalid state.
				panic("illegal state: cannot rollback dropped " +
					"transaction")
			}

			prev := bin[counter]

			if prev.mined == ef.lastKnownHeight {
				prev.mined = unminedHeight

				bin[counter] = o

				counter++
				break
			}

			counter++
		}

		replacementCounters[blocksToConfirm] = counter
	}

	// Continue going through bins to find other txs to remove
	// which did not replace any other when they were entered.
	for i, j := range replacementCounters {
		for {
			l := len(ef.bin[i])
			if j >= l {
				break
			}

			prev := ef.bin[i][j]

			if prev.mined == ef.lastKnownHeight {
				prev.mined = unminedHeight

				newBin := append(ef.bin[i][0:j], ef.bin[i][j+1:l]...)
				ef.bin[i] = newBin

				continue
			}

			j++
		}
	}

	ef.lastKnownHeight--
}

// estimateFeeSet is a set of txs that can that is sorted
// by the fee per kb rate.
type estimateFeeSet struct {
	feeRate []SatoshiPerByte
	bin     [estimateFeeDepth]uint32
}

func (b *estimateFeeSet) Len() int { return len(b.feeRate) }

func (b *estimateFeeSet) Less(i, j int) bool {
	return b.feeRate[i] > b.feeRate[j]
}

func (b *estimateFeeSet) Swap(i, j int) {
	b.feeRate[i], b.feeRate[j] = b.feeRate[j], b.feeRate[i]
}

// estimateFee returns the estimated fee for a transaction
// to confirm in confirmations blocks from now, given
// the data set we have collected.
func (b *estimateFeeSet) estimateFee(confirmations int) SatoshiPerByte {
	if confirmations <= 0 {
		return SatoshiPerByte(math.Inf(1))
	}

	if confirmations > estimateFeeDepth {
		return 0
	}

	var min, max uint32 = 0, 0
	for i := 0; i < confirmations-1; i++ {
		min += b.bin[i]
	}

	max = min + b.bin[confirmations-1]

	// We don't have any transactions!
	if min == 0 && max == 0 {
		return 0
	}

	return b.feeRate[(min+max-1)/2]
}

// newEstimateFeeSet creates a temporary data structure that
// can be used to find all fee estimates.
func (ef *FeeEstimator) newEstimateFeeSet() *estimateFeeSet {
	set := &estimateFeeSet{}

	capacity := 0
	for i, b := range ef.bin {
		l := len(b)
		set.bin[i] = uint32(l)
		capacity += l
	}

	set.feeRate = make([]SatoshiPerByte, capacity)

	i := 0
	for _, b := range ef.bin {
		for _, o := range b {
			set.feeRate[i] = o.feeRate
			i++
		}
	}

	sort.Sort(set)

	return set
}

// estimates returns the set of all fee estimates from 1 to estimateFeeDepth
// confirmations from now.
func (ef *FeeEstimator) estimates() []SatoshiPerByte {
	set := ef.newEstimateFeeSet()

	estimates := make([]SatoshiPerByte, estimateFeeDepth)
	for i := 0; i < estimateFeeDepth; i++ {
		estimates[i] = set.estimateFee(i + 1)
	}

	return estimates
}

// EstimateFee estimates the fee per byte to have a tx confirmed a given
// number of blocks from now.
func (ef *FeeEstimator) EstimateFee(numBlocks uint32) (SatoshiPerByte, error) {
	ef.Lock()
	defer ef.Unlock()

	// If the number of registered blocks is below the minimum, return
	// an error.
	if ef.numBlocksRegistered < ef.minRegisteredBlocks {
		return -1, errors.New("not enough blocks have been observed")
	}

	if numBlocks == 0 {
		return -1, errors.New("cannot confirm transaction in zero blocks")
	}

	if numBlocks > estimateFeeDepth {
		return -1, errors.Errorf("can only estimate fees for up to %d "+
			"blocks from now", estimateFeeDepth)
	}

	// If there are no cached results, generate them.
	if ef.cached == nil {
		ef.cached = ef.estimates()
	}

	return ef.cached[int(numBlocks)-1], nil
}

// Save serializes the estimator's state into a snapshot that can be written
// to disk and later handed to RestoreFeeEstimator.  The snapshot opens with
// two version numbers: the oldest version of this code able to read it,
// followed by the version that wrote it.
func (ef *FeeEstimator) Save() []byte {
	ef.Lock()
	defer ef.Unlock()

	w := &bytes.Buffer{}
	binary.Write(w, binary.LittleEndian, uint32(estimateFeeSaveVersion))
	binary.Write(w, binary.LittleEndian, uint32(estimateFeeSaveVersion))

	binary.Write(w, binary.LittleEndian, ef.maxRollback)
	binary.Write(w, binary.LittleEndian, ef.minRegisteredBlocks)
	binary.Write(w, binary.LittleEndian, ef.lastKnownHeight)
	binary.Write(w, binary.LittleEndian, ef.numBlocksRegistered)

	// Build a registry of every live observation so that bin and rollback
	// rows can be written as indices into it.
	registry := make([]*observedTransaction, 0, len(ef.observed))
	index := make(map[*observedTransaction]uint32)
	register := func(o *observedTransaction) uint32 {
		if i, ok := index[o]; ok {
			return i
		}
		i := uint32(len(registry))
		index[o] = i
		registry = append(registry, o)
		return i
	}
	for _, o := range ef.observed {
		register(o)
	}
	for _, bin := range ef.bin {
		for _, o := range bin {
			register(o)
		}
	}
	for _, rb := range ef.dropped {
		for _, o := range rb.transactions {
			register(o)
		}
	}

	binary.Write(w, binary.LittleEndian, uint32(len(registry)))
	for _, o := range registry {
		w.Write(o.hash[:])
		binary.Write(w, binary.LittleEndian, float64(o.feeRate))
		binary.Write(w, binary.LittleEndian, o.observed)
		binary.Write(w, binary.LittleEndian, o.mined)
	}

	for _, bin := range ef.bin {
		binary.Write(w, binary.LittleEndian, uint32(len(bin)))
		for _, o := range bin {
			binary.Write(w, binary.LittleEndian, index[o])
		}
	}

	binary.Write(w, binary.LittleEndian, uint32(len(ef.dropped)))
	for _, rb := range ef.dropped {
		binary.Write(w, binary.LittleEndian, rb.height)
		binary.Write(w, binary.LittleEndian,
			uint32(len(rb.transactions)))
		for _, o := range rb.transactions {
			binary.Write(w, binary.LittleEndian, index[o])
		}
	}

	return w.Bytes()
}

// RestoreFeeEstimator rebuilds a FeeEstimator from a snapshot produced by
// Save.  A snapshot whose required-to-read version is newer than this code
// is refused with an error; callers are expected to treat that as non-fatal
// and start from an empty estimator.
func RestoreFeeEstimator(data []byte) (*FeeEstimator, error) {
	r := bytes.NewReader(data)

	var versionRequired, versionWritten uint32
	if err := binary.Read(r, binary.LittleEndian, &versionRequired); err != nil {
		return nil, errors.Wrap(err, "corrupt fee estimator snapshot")
	}
	if err := binary.Read(r, binary.LittleEndian, &versionWritten); err != nil {
		return nil, errors.Wrap(err, "corrupt fee estimator snapshot")
	}
	if versionRequired > estimateFeeSaveVersion {
		return nil, errors.Errorf("fee estimator snapshot requires "+
			"version %d but this code understands up to %d "+
			"(written by version %d)", versionRequired,
			estimateFeeSaveVersion, versionWritten)
	}

	var maxRollback, minRegisteredBlocks uint32
	if err := binary.Read(r, binary.LittleEndian, &maxRollback); err != nil {
		return nil, errors.Wrap(err, "corrupt fee estimator snapshot")
	}
	if err := binary.Read(r, binary.LittleEndian, &minRegisteredBlocks); err != nil {
		return nil, errors.Wrap(err, "corrupt fee estimator snapshot")
	}

	ef := NewFeeEstimator(maxRollback, minRegisteredBlocks)
	if err := binary.Read(r, binary.LittleEndian, &ef.lastKnownHeight); err != nil {
		return nil, errors.Wrap(err, "corrupt fee estimator snapshot")
	}
	if err := binary.Read(r, binary.LittleEndian, &ef.numBlocksRegistered); err != nil {
		return nil, errors.Wrap(err, "corrupt fee estimator snapshot")
	}

	var registrySize uint32
	if err := binary.Read(r, binary.LittleEndian, &registrySize); err != nil {
		return nil, errors.Wrap(err, "corrupt fee estimator snapshot")
	}
	registry := make([]*observedTransaction, registrySize)
	for i := range registry {
		o := &observedTransaction{}
		if _, err := io.ReadFull(r, o.hash[:]); err != nil {
			return nil, errors.Wrap(err,
				"corrupt fee estimator snapshot")
		}
		var rate float64
		if err := binary.Read(r, binary.LittleEndian, &rate); err != nil {
			return nil, errors.Wrap(err,
				"corrupt fee estimator snapshot")
		}
		o.feeRate = SatoshiPerByte(rate)
		if err := binary.Read(r, binary.LittleEndian, &o.observed); err != nil {
			return nil, errors.Wrap(err,
				"corrupt fee estimator snapshot")
		}
		if err := binary.Read(r, binary.LittleEndian, &o.mined); err != nil {
			return nil, errors.Wrap(err,
				"corrupt fee estimator snapshot")
		}
		registry[i] = o
		ef.observed[o.hash] = o
	}

	readIndex := func() (*observedTransaction, error) {
		var i uint32
		if err := binary.Read(r, binary.LittleEndian, &i); err != nil {
			return nil, errors.Wrap(err,
				"corrupt fee estimator snapshot")
		}
		if i >= registrySize {
			return nil, errors.Errorf("fee estimator snapshot "+
				"references observation %d of %d", i,
				registrySize)
		}
		return registry[i], nil
	}

	for i := range ef.bin {
		var binSize uint32
		if err := binary.Read(r, binary.LittleEndian, &binSize); err != nil {
			return nil, errors.Wrap(err,
				"corrupt fee estimator snapshot")
		}
		bin := make([]*observedTransaction, binSize)
		for j := range bin {
			o, err := readIndex()
			if err != nil {
				return nil, err
			}
			bin[j] = o
		}
		ef.bin[i] = bin
	}

	var droppedSize uint32
	if err := binary.Read(r, binary.LittleEndian, &droppedSize); err != nil {
		return nil, errors.Wrap(err, "corrupt fee estimator snapshot")
	}
	ef.dropped = make([]registeredBlock, droppedSize)
	for i := range ef.dropped {
		rb := registeredBlock{}
		if err := binary.Read(r, binary.LittleEndian, &rb.height); err != nil {
			return nil, errors.Wrap(err,
				"corrupt fee estimator snapshot")
		}
		var txCount uint32
		if err := binary.Read(r, binary.LittleEndian, &txCount); err != nil {
			return nil, errors.Wrap(err,
				"corrupt fee estimator snapshot")
		}
		rb.transactions = make([]*observedTransaction, txCount)
		for j := range rb.transactions {
			o, err := readIndex()
			if err != nil {
				return nil, err
			}
			rb.transactions[j] = o
		}
		ef.dropped[i] = rb
	}

	return ef, nil
}

// LoadFeeEstimator restores a FeeEstimator from a snapshot, falling back to
// a fresh estimator with the given parameters when the snapshot is empty,
// corrupt, or written for a newer version.  Restore failure is logged rather
// than returned since a fee estimator can always rebuild its state from new
// observations.
func LoadFeeEstimator(data []byte,
	maxRollback, minRegisteredBlocks uint32) *FeeEstimator {

	if len(data) == 0 {
		return NewFeeEstimator(maxRollback, minRegisteredBlocks)
	}
	ef, err := RestoreFeeEstimator(data)
	if err != nil {
		log.Errorf("Failed to restore fee estimator snapshot, "+
			"starting empty: %v", err)
		return NewFeeEstimator(maxRollback, minRegisteredBlocks)
	}
	return ef
}
