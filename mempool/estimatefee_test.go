// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// estimatorHarness fabricates pool entries at a controllable chain height and
// feeds them to a FeeEstimator.
type estimatorHarness struct {
	*poolHarness
	ef *FeeEstimator
}

func newEstimatorHarness(maxRollback, minRegisteredBlocks uint32) *estimatorHarness {
	return &estimatorHarness{
		poolHarness: &poolHarness{
			height: 1000,
			clock:  time.Unix(1700000000, 0),
		},
		ef: NewFeeEstimator(maxRollback, minRegisteredBlocks),
	}
}

// observeTx fabricates an entry paying the given fee at the harness height
// and reports it to the estimator.
func (e *estimatorHarness) observeTx(fee int64) *TxEntry {
	tx := e.createTx([]wire.OutPoint{e.confirmedOutPoint()}, 1)
	entry := e.makeEntry(tx, btcutil.Amount(fee))
	e.ef.ObserveTransaction(entry)
	return entry
}

// TestEstimateFeeRegistration observes transactions, confirms them, and
// checks the resulting single-bin estimate along with the argument errors.
func TestEstimateFeeRegistration(t *testing.T) {
	t.Parallel()

	h := newEstimatorHarness(10, 0)

	entry := h.observeTx(10000)
	require.NoError(t, h.ef.RegisterBlock(1001, []*TxEntry{entry}))
	require.Equal(t, int32(1001), h.ef.LastKnownHeight())

	expected := NewSatoshiPerByte(entry.Fee, uint32(entry.TxSize))
	rate, err := h.ef.EstimateFee(1)
	require.NoError(t, err)
	require.Equal(t, expected, rate)

	// Deeper horizons fall back on the same observation.
	rate, err = h.ef.EstimateFee(2)
	require.NoError(t, err)
	require.Equal(t, expected, rate)

	_, err = h.ef.EstimateFee(0)
	require.Error(t, err)
	_, err = h.ef.EstimateFee(estimateFeeDepth + 1)
	require.Error(t, err)

	// Skipping a height is refused.
	err = h.ef.RegisterBlock(1003, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "intermediate block")
}

// TestEstimateFeeMinBlocks ensures no estimates are produced before the
// configured number of blocks has been registered.
func TestEstimateFeeMinBlocks(t *testing.T) {
	t.Parallel()

	h := newEstimatorHarness(10, 2)

	entry := h.observeTx(10000)
	require.NoError(t, h.ef.RegisterBlock(1001, []*TxEntry{entry}))
	_, err := h.ef.EstimateFee(1)
	require.Error(t, err)

	require.NoError(t, h.ef.RegisterBlock(1002, nil))
	_, err = h.ef.EstimateFee(1)
	require.NoError(t, err)
}

// TestEstimatorRemoveTransaction checks a removed observation never feeds an
// estimate, while a mined one survives removal notifications.
func TestEstimatorRemoveTransaction(t *testing.T) {
	t.Parallel()

	h := newEstimatorHarness(10, 0)

	gone := h.observeTx(10000)
	h.ef.RemoveTransaction(gone.Hash())
	require.NoError(t, h.ef.RegisterBlock(1001, []*TxEntry{gone}))

	rate, err := h.ef.EstimateFee(1)
	require.NoError(t, err)
	require.Equal(t, SatoshiPerByte(0), rate)

	// The pool reports removals for confirmed transactions too; those
	// must not disturb the bins.
	h.height = 1001
	kept := h.observeTx(20000)
	require.NoError(t, h.ef.RegisterBlock(1002, []*TxEntry{kept}))
	h.ef.RemoveTransaction(kept.Hash())

	rate, err = h.ef.EstimateFee(1)
	require.NoError(t, err)
	require.Equal(t, NewSatoshiPerByte(kept.Fee, uint32(kept.TxSize)), rate)
}

// TestEstimatorRollback registers a block and reverses it.
func TestEstimatorRollback(t *testing.T) {
	t.Parallel()

	h := newEstimatorHarness(2, 0)

	entry := h.observeTx(10000)
	require.NoError(t, h.ef.RegisterBlock(1001, []*TxEntry{entry}))
	rate, err := h.ef.EstimateFee(1)
	require.NoError(t, err)
	require.NotEqual(t, SatoshiPerByte(0), rate)

	require.NoError(t, h.ef.Rollback(1001))
	require.Equal(t, int32(1000), h.ef.LastKnownHeight())
	rate, err = h.ef.EstimateFee(1)
	require.NoError(t, err)
	require.Equal(t, SatoshiPerByte(0), rate)

	// A height that was never registered cannot be rolled back.
	require.Error(t, h.ef.Rollback(900))
}

// TestEstimatorSaveRestore round-trips the estimator through a snapshot and
// checks the restored copy picks up where the original left off.
func TestEstimatorSaveRestore(t *testing.T) {
	t.Parallel()

	h := newEstimatorHarness(4, 0)

	var confirmed []*TxEntry
	for i := int64(1); i <= 5; i++ {
		confirmed = append(confirmed, h.observeTx(5000*i))
	}
	pending := h.observeTx(999)
	require.NoError(t, h.ef.RegisterBlock(1001, confirmed))

	snapshot := h.ef.Save()
	restored, err := RestoreFeeEstimator(snapshot)
	require.NoError(t, err)

	require.Equal(t, h.ef.LastKnownHeight(), restored.LastKnownHeight())
	for numBlocks := uint32(1); numBlocks <= 3; numBlocks++ {
		want, err := h.ef.EstimateFee(numBlocks)
		require.NoError(t, err)
		got, err := restored.EstimateFee(numBlocks)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	// The pending observation survived and can confirm against the
	// restored copy, which also proves height continuity carried over.
	require.NoError(t, restored.RegisterBlock(1002, []*TxEntry{pending}))

	// A registered block recorded before the snapshot can still be
	// rolled back after restoring.
	require.NoError(t, restored.RegisterBlock(1003, nil))
	require.NoError(t, restored.Rollback(1003))
	require.Equal(t, int32(1002), restored.LastKnownHeight())
}

// TestEstimatorSnapshotVersioning ensures snapshots from a future format are
// refused and truncated ones surface an error.
func TestEstimatorSnapshotVersioning(t *testing.T) {
	t.Parallel()

	h := newEstimatorHarness(4, 0)
	entry := h.observeTx(10000)
	require.NoError(t, h.ef.RegisterBlock(1001, []*TxEntry{entry}))

	snapshot := h.ef.Save()

	future := make([]byte, len(snapshot))
	copy(future, snapshot)
	binary.LittleEndian.PutUint32(future[0:4], estimateFeeSaveVersion+1)
	_, err := RestoreFeeEstimator(future)
	require.Error(t, err)
	require.Contains(t, err.Error(), "requires version")

	// A newer written-by version alone is fine as long as the
	// required-to-read version is understood.
	forward := make([]byte, len(snapshot))
	copy(forward, snapshot)
	binary.LittleEndian.PutUint32(forward[4:8], estimateFeeSaveVersion+7)
	_, err = RestoreFeeEstimator(forward)
	require.NoError(t, err)

	_, err = RestoreFeeEstimator(snapshot[:10])
	require.Error(t, err)
}
// TestLoadFeeEstimator restores from a valid snapshot and starts empty for
// unusable ones.
func TestLoadFeeEstimator(t *testing.T) {
	t.Parallel()

	h := newEstimatorHarness(4, 1)
	confirmed := []*TxEntry{h.observeTx(5000)}
	require.NoError(t, h.ef.RegisterBlock(1001, confirmed))
	snapshot := h.ef.Save()

	restored := LoadFeeEstimator(snapshot, 4, 1)
	require.Equal(t, int32(1001), restored.LastKnownHeight())
	_, err := restored.EstimateFee(1)
	require.NoError(t, err)

	// Empty and corrupt snapshots both yield a fresh estimator instead of
	// an error, and a fresh one has no registered blocks to estimate from.
	fresh := LoadFeeEstimator(nil, 4, 1)
	_, err = fresh.EstimateFee(1)
	require.Error(t, err)

	fresh = LoadFeeEstimator(snapshot[:7], 4, 1)
	_, err = fresh.EstimateFee(1)
	require.Error(t, err)
}
