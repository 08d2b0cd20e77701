// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// DefaultMaxAncestorCount is the default maximum number of in-pool
	// ancestors a transaction may have, itself included.
	DefaultMaxAncestorCount = 25

	// DefaultMaxAncestorSize is the default maximum combined size of a
	// transaction and its in-pool ancestors, in bytes.
	DefaultMaxAncestorSize = 101 * 1000

	// DefaultMaxDescendantCount is the default maximum number of in-pool
	// descendants any ancestor of a transaction may end up with, itself
	// included.
	DefaultMaxDescendantCount = 25

	// DefaultMaxDescendantSize is the default maximum combined size of any
	// ancestor of a transaction and that ancestor's in-pool descendants,
	// in bytes.
	DefaultMaxDescendantSize = 101 * 1000

	// DefaultMaxUpdateVisits is the default cap on distinct descendants
	// visited while recomputing one entry's descendant aggregate during a
	// reorg relink.  Entries whose walk exceeds it are marked dirty.
	DefaultMaxUpdateVisits = 100

	// DefaultTrimSampleRate is the default 1-in-N sampling applied to
	// eviction candidates.  Only sampled candidates are expanded into
	// full descendant packages.
	DefaultTrimSampleRate = 10

	// DefaultTrimMaxFailures is the default number of consecutive
	// non-viable eviction candidates after which a trim pass gives up.
	DefaultTrimMaxFailures = 10

	// DefaultMinRelayTxFee is the default minimum relay fee in satoshi
	// per 1000 bytes.
	DefaultMinRelayTxFee = btcutil.Amount(1000)

	// DefaultMempoolExpiry is the default age after which unconfirmed
	// transactions are swept by Expire.
	DefaultMempoolExpiry = 72 * time.Hour
)

// Policy houses the configurable limits the pool enforces.  The zero value
// is not usable; callers typically start from DefaultPolicy.
type Policy struct {
	// MaxAncestorCount, MaxAncestorSize, MaxDescendantCount and
	// MaxDescendantSize bound the dependency packages a new transaction
	// may create.  All four are enforced by CalculateMemPoolAncestors.
	MaxAncestorCount   uint64
	MaxAncestorSize    uint64
	MaxDescendantCount uint64
	MaxDescendantSize  uint64

	// MaxUpdateVisits caps descendant-walk work during reorg relinking
	// before an entry is marked dirty.
	MaxUpdateVisits int

	// TrimSampleRate is the 1-in-N eviction candidate sampling rate.
	TrimSampleRate int

	// TrimMaxFailures is the consecutive-failure budget of a trim pass.
	TrimMaxFailures int

	// MinRelayTxFee is the minimum relay fee in satoshi per 1000 bytes,
	// used to price best-effort trims.
	MinRelayTxFee btcutil.Amount

	// MempoolExpiry is the age cutoff used by callers of Expire.
	MempoolExpiry time.Duration
}

// DefaultPolicy returns a Policy populated with the package defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAncestorCount:   DefaultMaxAncestorCount,
		MaxAncestorSize:    DefaultMaxAncestorSize,
		MaxDescendantCount: DefaultMaxDescendantCount,
		MaxDescendantSize:  DefaultMaxDescendantSize,
		MaxUpdateVisits:    DefaultMaxUpdateVisits,
		TrimSampleRate:     DefaultTrimSampleRate,
		TrimMaxFailures:    DefaultTrimMaxFailures,
		MinRelayTxFee:      DefaultMinRelayTxFee,
		MempoolExpiry:      DefaultMempoolExpiry,
	}
}

// calcMinRequiredTxRelayFee returns the minimum transaction fee required for
// a transaction with the passed serialized size to be accepted and relayed to
// other peers.
func calcMinRequiredTxRelayFee(serializedSize int64,
	minRelayTxFee btcutil.Amount) int64 {

	// minRelayTxFee is in Satoshi/kB so multiply by serializedSize (which
	// is in bytes) and divide by 1000 to get minimum Satoshis.
	minFee := (serializedSize * int64(minRelayTxFee)) / 1000

	if minFee == 0 && minRelayTxFee > 0 {
		minFee = int64(minRelayTxFee)
	}

	// Set the minimum fee to the maximum possible value if the calculated
	// fee is not in the valid range for monetary amounts.
	if minFee < 0 || minFee > btcutil.MaxSatoshi {
		minFee = btcutil.MaxSatoshi
	}

	return minFee
}

// GetTxVirtualSize computes the virtual size of a given transaction.  A
// transaction's virtual size is based off its weight, creating a discount for
// any witness data it includes, proportional to the current
// blockchain.WitnessScaleFactor value.
func GetTxVirtualSize(tx *btcutil.Tx) int64 {
	// vSize := (weight(tx) + 3) / 4
	return (blockchain.GetTransactionWeight(tx) +
		(blockchain.WitnessScaleFactor - 1)) /
		blockchain.WitnessScaleFactor
}
