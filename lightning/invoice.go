// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lightning

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

var (
	ErrNotAnInvoice = errors.New("not a lightning invoice")
	ErrNoAmount     = errors.New("invoice carries no amount")
	ErrSubSatoshi   = errors.New("invoice amount is not a whole satoshi figure")
	ErrFeeMismatch  = errors.New("declared fee does not match the land fee schedule")
)

// LandFee is the 0.1% land service fee, floored, with a minimum of one
// unit.
func LandFee(amount uint64) uint64 {
	fee := amount / 1000
	if fee == 0 {
		fee = 1
	}
	return fee
}

// InvoiceDetails is what land validation needs from a bolt11 invoice.
type InvoiceDetails struct {
	Prefix     string
	AmountSats uint64
}

// msat per unit of the human-readable amount, by multiplier letter.
// The base unit of a bolt11 amount is one bitcoin (1e11 msat).
var multipliers = map[byte]uint64{
	'm': 100_000_000, // 1e-3 btc
	'u': 100_000,     // 1e-6 btc
	'n': 100,         // 1e-9 btc
}

// DecodeInvoice checks the bech32 envelope of a bolt11 invoice and
// extracts its amount. Sub-satoshi amounts (including the 'p'
// multiplier) are rejected: the ledger is satoshi-denominated.
func DecodeInvoice(bolt11 string) (*InvoiceDetails, error) {
	hrp, _, err := bech32.DecodeNoLimit(strings.ToLower(bolt11))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAnInvoice, err)
	}
	if !strings.HasPrefix(hrp, "ln") {
		return nil, ErrNotAnInvoice
	}

	// hrp = "ln" + network prefix + amount + multiplier.
	amountStart := len(hrp)
	for i := 2; i < len(hrp); i++ {
		if hrp[i] >= '0' && hrp[i] <= '9' {
			amountStart = i
			break
		}
	}
	details := &InvoiceDetails{Prefix: hrp[:amountStart]}
	if amountStart == len(hrp) {
		return nil, ErrNoAmount
	}

	amountPart := hrp[amountStart:]
	multiplier := uint64(100_000_000_000) // whole bitcoin
	last := amountPart[len(amountPart)-1]
	if last < '0' || last > '9' {
		if last == 'p' {
			return nil, ErrSubSatoshi
		}
		m, ok := multipliers[last]
		if !ok {
			return nil, fmt.Errorf("%w: unknown multiplier %q", ErrNotAnInvoice, last)
		}
		multiplier = m
		amountPart = amountPart[:len(amountPart)-1]
	}

	value, err := strconv.ParseUint(amountPart, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAnInvoice, err)
	}
	msat := value * multiplier
	if msat%1000 != 0 {
		return nil, ErrSubSatoshi
	}
	details.AmountSats = msat / 1000
	return details, nil
}
