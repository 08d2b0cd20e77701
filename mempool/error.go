// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

// RuleError identifies a rule violation.  It is used to indicate that
// processing of a transaction failed due to one of the many validation
// rules.  The caller can use type assertions to determine if a failure was
// specifically due to a rule violation and use the Err field to access the
// underlying error, which will be either a TxRuleError or an error from a
// lower level.
type RuleError struct {
	Err error
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	if e.Err == nil {
		return "<nil>"
	}
	return e.Err.Error()
}

// TxRuleError identifies a rule violation.  It is used to indicate that
// processing of a transaction failed due to one of the many validation
// rules.  The caller can use type assertions to determine if a failure was
// specifically due to a rule violation and access the RejectCode field to
// ascertain the underlying reason for the rule violation.
type TxRuleError struct {
	// RejectCode is the code to use when sending a reject message.
	RejectCode wire.RejectCode

	// Description is an additional human readable description of the
	// rule violation.
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e TxRuleError) Error() string {
	return e.Description
}

// txRuleError creates an underlying TxRuleError with the given a set of
// arguments and returns a RuleError that encapsulates it.
func txRuleError(c wire.RejectCode, desc string) RuleError {
	return RuleError{
		Err: TxRuleError{RejectCode: c, Description: desc},
	}
}

// IsPolicyReject returns whether err is a RuleError, meaning the transaction
// was rejected by pool policy rather than by an internal failure.
func IsPolicyReject(err error) bool {
	var rerr RuleError
	return errors.As(err, &rerr)
}

// ErrTrimInfeasible is returned by the eviction engine when a hard byte
// target could not be met within the configured retry budget.  Best-effort
// trims never return it.
var ErrTrimInfeasible = errors.New("mempool trim infeasible")
