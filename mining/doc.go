// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package mining builds block templates from the contents of a memory pool.

Transactions are selected by ancestor-package feerate: a transaction is only
ever included together with all of its unconfirmed ancestors, and packages are
pulled from the pool's feerate ordering from the best-paying end.  A shadow
index tracks transactions whose ancestors have already made it into the block
under construction so their remaining package feerate competes fairly with
untouched pool entries.
*/
package mining
