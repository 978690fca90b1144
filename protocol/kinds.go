// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

// Relay event kinds. Intents and signing responses are addressed to the
// gateway identity with a "p" tag; challenges and failure notices are
// encrypted direct messages; confirmations and L1 commitments are public.
const (
	KindIntent           = 31510
	KindSigningChallenge = 31111
	KindSigningResponse  = 31512
	KindConfirmation     = 31340
	KindFailure          = 31341
	KindL1Commitment     = 31342
)

// Intent types handled natively. Any other type is delegated to a
// registered solver handler.
const (
	IntentP2PTransfer   = "p2p_transfer"
	IntentLightningLift = "lightning:lift"
	IntentLightningLand = "lightning:land"
)
