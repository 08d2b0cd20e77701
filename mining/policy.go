// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

const (
	// DefaultBlockMinWeight is the default minimum block weight a template
	// is filled to even with packages below the minimum feerate.
	DefaultBlockMinWeight uint32 = 0

	// DefaultBlockMinSize is the default minimum block size in serialized
	// bytes.
	DefaultBlockMinSize uint32 = 0

	// DefaultRecentTxWindow is the default age under which transactions
	// are kept out of templates when Policy.OmitRecentTransactions is
	// set.  Leaving very recent arrivals out makes templates less likely
	// to differ from what competing miners have seen.
	DefaultRecentTxWindow = 10 * time.Second
)

// Policy houses the policy (configuration parameters) which is used to
// control the generation of block templates.  See the documentation for
// NewBlockTemplate for more details on how each of these parameters are used.
type Policy struct {
	// BlockMinWeight is the minimum block weight to be used when
	// generating a block template.  Packages paying under the minimum
	// feerate are still included while the block is below this weight.
	BlockMinWeight uint32

	// BlockMaxWeight is the maximum block weight to be used when
	// generating a block template.
	BlockMaxWeight uint32

	// BlockMinSize is the minimum block size in serialized bytes to be
	// used when generating a block template.
	BlockMinSize uint32

	// BlockMaxSize is the maximum block size in serialized bytes to be
	// used when generating a block template.
	BlockMaxSize uint32

	// TxMinFreeFee is the minimum fee in Satoshi/1000 bytes a package
	// must pay to be included once the template has reached
	// BlockMinWeight.  Selection stops at the first package under it.
	TxMinFreeFee btcutil.Amount

	// OmitRecentTransactions excludes transactions admitted to the pool
	// within RecentTxWindow from generated templates.
	OmitRecentTransactions bool

	// RecentTxWindow is the admission age threshold applied when
	// OmitRecentTransactions is set.
	RecentTxWindow time.Duration
}

// minFeeForSize returns the fee a package of the given serialized size must
// pay to meet the minimum feerate, which is expressed in Satoshi/1000 bytes.
func minFeeForSize(minFeeRate btcutil.Amount, size int64) btcutil.Amount {
	return btcutil.Amount(size * int64(minFeeRate) / 1000)
}
