// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"encoding/binary"
	"math/rand"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/ClaraShk/bitcoin/mempool"
)

// fakeTimeSource pins adjusted time so recency behavior is deterministic.
type fakeTimeSource struct {
	now time.Time
}

func (f *fakeTimeSource) AdjustedTime() time.Time         { return f.now }
func (f *fakeTimeSource) AddTimeSample(string, time.Time) {}
func (f *fakeTimeSource) Offset() time.Duration           { return 0 }

// templateHarness provides a mempool populated with fabricated transactions
// and a template generator wired to fake chain state.
type templateHarness struct {
	pool    *mempool.TxPool
	height  int32
	counter uint32
	clock   time.Time
	now     time.Time
}

func newTemplateHarness(t *testing.T) *templateHarness {
	t.Helper()

	h := &templateHarness{
		height: 1000,
		clock:  time.Unix(1700000000, 0),
	}
	h.now = h.clock.Add(time.Hour)
	h.pool = mempool.New(&mempool.Config{
		Policy:     mempool.DefaultPolicy(),
		BestHeight: func() int32 { return h.height },
		Rand:       rand.New(rand.NewSource(1)),
	})
	h.pool.SetSanityCheck(true)
	return h
}

func (h *templateHarness) generator(policy Policy) *BlkTmplGenerator {
	return NewBlkTmplGenerator(&Config{
		Policy:      policy,
		ChainParams: &chaincfg.RegressionNetParams,
		TxPool:      h.pool,
		BestSnapshot: func() *blockchain.BestState {
			return &blockchain.BestState{
				Hash:       chainhash.Hash{},
				Height:     h.height,
				Bits:       0x207fffff,
				MedianTime: h.clock,
			}
		},
		CalcNextRequiredDifficulty: func(time.Time) (uint32, error) {
			return 0x207fffff, nil
		},
		TimeSource: &fakeTimeSource{now: h.now},
	})
}

// confirmedOutPoint fabricates an outpoint standing in for a confirmed
// output.
func (h *templateHarness) confirmedOutPoint() wire.OutPoint {
	h.counter++
	var hash chainhash.Hash
	binary.LittleEndian.PutUint32(hash[:4], h.counter)
	hash[31] = 0xff
	return wire.OutPoint{Hash: hash, Index: 0}
}

func (h *templateHarness) createTx(inputs []wire.OutPoint,
	numOutputs int) *btcutil.Tx {

	h.counter++
	msgTx := wire.NewMsgTx(wire.TxVersion)
	for _, prevOut := range inputs {
		msgTx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: prevOut,
			SignatureScript:  []byte{0x51},
			Sequence:         wire.MaxTxInSequenceNum,
		})
	}
	for i := 0; i < numOutputs; i++ {
		msgTx.AddTxOut(wire.NewTxOut(int64(100000+h.counter),
			[]byte{0x51}))
	}
	return btcutil.NewTx(msgTx)
}

func (h *templateHarness) addTx(t *testing.T, tx *btcutil.Tx,
	fee btcutil.Amount) *mempool.TxEntry {

	t.Helper()
	return h.addTxSigOps(t, tx, fee, 4)
}

func (h *templateHarness) addTxSigOps(t *testing.T, tx *btcutil.Tx,
	fee btcutil.Amount, sigOpCost int64) *mempool.TxEntry {

	t.Helper()
	h.clock = h.clock.Add(time.Second)
	entry := mempool.NewTxEntry(tx, fee, sigOpCost, h.clock, h.height, 0)
	require.NoError(t, h.pool.AddUnchecked(entry))
	return entry
}

func outPoint(tx *btcutil.Tx, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: *tx.Hash(), Index: index}
}

// templateHashes returns the non-coinbase transaction hashes of a template
// in block order.
func templateHashes(tmpl *BlockTemplate) []chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, len(tmpl.Block.Transactions)-1)
	for _, msgTx := range tmpl.Block.Transactions[1:] {
		hashes = append(hashes, msgTx.TxHash())
	}
	return hashes
}

// TestNewBlockTemplatePackages checks a high-fee child lifts its low-fee
// parent ahead of a better standalone transaction, and that the parent
// always precedes the child in the block.
func TestNewBlockTemplatePackages(t *testing.T) {
	t.Parallel()

	h := newTemplateHarness(t)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	entryA := h.addTx(t, txA, 850)
	txB := h.createTx([]wire.OutPoint{outPoint(txA, 0)}, 1)
	h.addTx(t, txB, 4250)
	txC := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(t, txC, 1700)

	// A alone pays worse than C, but A+B as a package pays better.
	g := h.generator(Policy{})
	tmpl, err := g.NewBlockTemplate(nil, true)
	require.NoError(t, err)

	require.Equal(t, []chainhash.Hash{*txA.Hash(), *txB.Hash(),
		*txC.Hash()}, templateHashes(tmpl))
	require.Equal(t, []int64{-6800, 850, 4250, 1700}, tmpl.Fees)
	require.Equal(t, []int64{tmpl.SigOpCosts[0], 4, 4, 4},
		tmpl.SigOpCosts)
	require.Equal(t, h.height+1, tmpl.Height)
	require.False(t, tmpl.ValidPayAddress)

	// The coinbase collects subsidy plus all fees.
	subsidy := blockchain.CalcBlockSubsidy(h.height+1,
		&chaincfg.RegressionNetParams)
	require.Equal(t, subsidy+6800,
		tmpl.Block.Transactions[0].TxOut[0].Value)

	// The pool is untouched by template generation.
	require.Equal(t, 3, h.pool.Count())
	require.Equal(t, int64(1), entryA.AncestorStats().Count)
}

// TestNewBlockTemplateMinFeeStop stops selection at the first package under
// the minimum feerate once the block passed its minimum weight.
func TestNewBlockTemplateMinFeeStop(t *testing.T) {
	t.Parallel()

	h := newTemplateHarness(t)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(t, txA, 850)
	txB := h.createTx([]wire.OutPoint{outPoint(txA, 0)}, 1)
	h.addTx(t, txB, 4250)
	txC := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	entryC := h.addTx(t, txC, 1700)

	// Pick a minimum feerate between C's rate and the A+B package rate.
	minRate := btcutil.Amount(2000 * 1000 / entryC.TxSize)
	g := h.generator(Policy{TxMinFreeFee: minRate})
	tmpl, err := g.NewBlockTemplate(nil, true)
	require.NoError(t, err)

	require.Equal(t, []chainhash.Hash{*txA.Hash(), *txB.Hash()},
		templateHashes(tmpl))
}

// TestNewBlockTemplateWeightLimit skips a package that would push the block
// past its maximum weight and keeps filling with smaller ones.
func TestNewBlockTemplateWeightLimit(t *testing.T) {
	t.Parallel()

	h := newTemplateHarness(t)

	// The big transaction pays the best feerate so it is considered, and
	// rejected, first.
	bigTx := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 250)
	h.addTx(t, bigTx, 1000000)

	small := make([]*mempool.TxEntry, 0, 10)
	for i := 0; i < 10; i++ {
		tx := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
		small = append(small, h.addTx(t, tx, 5000))
	}

	maxWeight := uint32(blockchain.GetTransactionWeight(bigTx))
	g := h.generator(Policy{BlockMaxWeight: maxWeight})
	tmpl, err := g.NewBlockTemplate(nil, true)
	require.NoError(t, err)

	hashes := make(map[chainhash.Hash]struct{})
	for _, hash := range templateHashes(tmpl) {
		hashes[hash] = struct{}{}
	}
	require.NotContains(t, hashes, *bigTx.Hash())
	for _, entry := range small {
		require.Contains(t, hashes, *entry.Hash())
	}
}

// TestNewBlockTemplateShadowReScoring includes a transaction whose parent
// entered the block earlier and checks it competes on its remaining feerate
// rather than its full package rate.
func TestNewBlockTemplateShadowReScoring(t *testing.T) {
	t.Parallel()

	h := newTemplateHarness(t)

	txX := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(t, txX, 2480)
	txY := h.createTx([]wire.OutPoint{outPoint(txX, 0)}, 1)
	h.addTx(t, txY, 620)
	txZ := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(t, txZ, 1240)

	// Pool package rates order X, then Y (carried by X), then Z.  But
	// after X enters the block on its own merits, Y is left with only its
	// own fee, which no longer beats Z.
	g := h.generator(Policy{})
	tmpl, err := g.NewBlockTemplate(nil, true)
	require.NoError(t, err)

	require.Equal(t, []chainhash.Hash{*txX.Hash(), *txZ.Hash(),
		*txY.Hash()}, templateHashes(tmpl))
	require.Equal(t, []int64{-4340, 2480, 1240, 620}, tmpl.Fees)
}

// TestNewBlockTemplateOmitRecent keeps freshly admitted transactions out of
// the template when the policy asks for it.
func TestNewBlockTemplateOmitRecent(t *testing.T) {
	t.Parallel()

	h := newTemplateHarness(t)

	oldTx := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(t, oldTx, 1000)

	// The fresh transaction pays more, so it would lead the template if
	// eligible.  Its admission time sits just inside the recency window
	// relative to the harness time source.
	freshTx := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	fresh := mempool.NewTxEntry(freshTx, 50000, 4,
		h.now.Add(-2*time.Second), h.height, 0)
	require.NoError(t, h.pool.AddUnchecked(fresh))

	g := h.generator(Policy{OmitRecentTransactions: true})
	tmpl, err := g.NewBlockTemplate(nil, true)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{*oldTx.Hash()},
		templateHashes(tmpl))

	// Without the policy both are selected, best feerate first.
	g = h.generator(Policy{})
	tmpl, err = g.NewBlockTemplate(nil, true)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{*freshTx.Hash(), *oldTx.Hash()},
		templateHashes(tmpl))
}

// TestNewBlockTemplateWitnessCommitment adds a witness transaction and
// checks the coinbase gains a commitment output.
func TestNewBlockTemplateWitnessCommitment(t *testing.T) {
	t.Parallel()

	h := newTemplateHarness(t)

	plainTx := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(t, plainTx, 1000)

	g := h.generator(Policy{})
	tmpl, err := g.NewBlockTemplate(nil, true)
	require.NoError(t, err)
	require.Nil(t, tmpl.WitnessCommitment)
	require.Len(t, tmpl.Block.Transactions[0].TxOut, 1)

	witnessTx := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	witnessTx.MsgTx().TxIn[0].Witness = wire.TxWitness{{0x01, 0x02}}
	h.addTx(t, witnessTx, 1000)

	tmpl, err = g.NewBlockTemplate(nil, true)
	require.NoError(t, err)
	require.Len(t, tmpl.WitnessCommitment, chainhash.HashSize)

	coinbase := tmpl.Block.Transactions[0]
	require.Len(t, coinbase.TxOut, 2)
	commitScript := coinbase.TxOut[1].PkScript
	require.Equal(t, blockchain.WitnessMagicBytes,
		commitScript[:len(blockchain.WitnessMagicBytes)])
	require.Equal(t, tmpl.WitnessCommitment,
		commitScript[len(blockchain.WitnessMagicBytes):])
}

// TestUpdateExtraNonce regenerates the coinbase script and merkle root.
func TestUpdateExtraNonce(t *testing.T) {
	t.Parallel()

	h := newTemplateHarness(t)
	tx := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(t, tx, 1000)

	g := h.generator(Policy{})
	tmpl, err := g.NewBlockTemplate(nil, true)
	require.NoError(t, err)

	oldRoot := tmpl.Block.Header.MerkleRoot
	oldScript := tmpl.Block.Transactions[0].TxIn[0].SignatureScript

	require.NoError(t, g.UpdateExtraNonce(tmpl.Block, tmpl.Height, 7))
	require.NotEqual(t, oldScript,
		tmpl.Block.Transactions[0].TxIn[0].SignatureScript)
	require.NotEqual(t, oldRoot, tmpl.Block.Header.MerkleRoot)
}

// TestUpdateBlockTime keeps the header timestamp after the chain's median
// time.
func TestUpdateBlockTime(t *testing.T) {
	t.Parallel()

	h := newTemplateHarness(t)
	tx := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(t, tx, 1000)

	g := h.generator(Policy{})
	tmpl, err := g.NewBlockTemplate(nil, true)
	require.NoError(t, err)

	require.NoError(t, g.UpdateBlockTime(tmpl.Block))
	require.True(t, tmpl.Block.Header.Timestamp.After(h.clock))
}
// TestNewBlockTemplateExcludeWitness rejects packages containing witness
// transactions when the caller asks for a witness-free template.
func TestNewBlockTemplateExcludeWitness(t *testing.T) {
	t.Parallel()

	h := newTemplateHarness(t)

	plainTx := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(t, plainTx, 1000)

	// The witness transaction pays the better feerate so it would lead
	// the template if eligible.
	witnessTx := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	witnessTx.MsgTx().TxIn[0].Witness = wire.TxWitness{{0x01, 0x02}}
	h.addTx(t, witnessTx, 50000)

	g := h.generator(Policy{})
	tmpl, err := g.NewBlockTemplate(nil, false)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{*plainTx.Hash()},
		templateHashes(tmpl))
	require.Nil(t, tmpl.WitnessCommitment)
	require.Len(t, tmpl.Block.Transactions[0].TxOut, 1)

	// The same pool with witness data allowed includes both and commits
	// to the witness.
	tmpl, err = g.NewBlockTemplate(nil, true)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{*witnessTx.Hash(),
		*plainTx.Hash()}, templateHashes(tmpl))
	require.Len(t, tmpl.WitnessCommitment, chainhash.HashSize)
}

// TestNewBlockTemplateSigOpLimit skips a package that would push the block
// past the maximum signature operation cost and keeps filling with cheaper
// ones.
func TestNewBlockTemplateSigOpLimit(t *testing.T) {
	t.Parallel()

	h := newTemplateHarness(t)

	heavyTx := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTxSigOps(t, heavyTx, 100000, blockchain.MaxBlockSigOpsCost-1000)

	// Pays the second-best feerate but its signature operations no
	// longer fit next to the heavy transaction's.
	overTx := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTxSigOps(t, overTx, 50000, 2000)

	lightTx := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTxSigOps(t, lightTx, 1000, 500)

	g := h.generator(Policy{})
	tmpl, err := g.NewBlockTemplate(nil, true)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{*heavyTx.Hash(), *lightTx.Hash()},
		templateHashes(tmpl))
	require.Equal(t, []int64{tmpl.SigOpCosts[0],
		blockchain.MaxBlockSigOpsCost - 1000, 500}, tmpl.SigOpCosts)
}
