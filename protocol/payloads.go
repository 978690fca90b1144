// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingActionID = errors.New("intent missing action_id")
	ErrMissingType     = errors.New("intent missing type")
	ErrExpired         = errors.New("expired")
)

// Intent is the content of a KindIntent event: a user-signed, high-level,
// time-bounded authorization for a gateway action.
type Intent struct {
	ActionID  string          `json:"action_id"`
	Type      string          `json:"type"`
	Params    json.RawMessage `json:"params"`
	ExpiresAt int64           `json:"expires_at"`
}

// ParseIntent decodes and structurally validates an intent from an event,
// rejecting stale intents against [now] (unix seconds).
func ParseIntent(ev *Event, now int64) (*Intent, error) {
	if ev.Kind != KindIntent {
		return nil, fmt.Errorf("event kind %d is not an intent", ev.Kind)
	}
	intent := &Intent{}
	if err := json.Unmarshal([]byte(ev.Content), intent); err != nil {
		return nil, fmt.Errorf("decoding intent: %w", err)
	}
	if intent.ActionID == "" {
		return nil, ErrMissingActionID
	}
	if intent.Type == "" {
		return nil, ErrMissingType
	}
	if intent.ExpiresAt <= now {
		return nil, ErrExpired
	}
	return intent, nil
}

// TransferParams are the params of a p2p_transfer intent. Amount and Fee
// are denominated in the asset's base unit.
type TransferParams struct {
	RecipientPubKey string `json:"recipient"`
	AssetID         string `json:"asset_id"`
	Amount          uint64 `json:"amount"`
	Fee             uint64 `json:"fee"`
}

// LiftParams are the params of a lightning:lift intent.
type LiftParams struct {
	AssetID    string `json:"asset_id"`
	AmountSats uint64 `json:"amount"`
}

// LandParams are the params of a lightning:land intent.
type LandParams struct {
	AssetID string `json:"asset_id"`
	Invoice string `json:"invoice"`
	Fee     uint64 `json:"fee"`
}

// Challenge payload types.
const (
	ChallengeSignTx      = "sign_tx"
	ChallengeSignPayload = "sign_payload"
)

// Challenge is the content of a KindSigningChallenge direct message.
type Challenge struct {
	SessionID     string `json:"session_id"`
	ChallengeID   string `json:"challenge_id"`
	Type          string `json:"type"`
	PayloadToSign string `json:"payload_to_sign"`
	PayloadRef    string `json:"payload_ref"`
	Algo          string `json:"algo"`
	Domain        string `json:"domain"`
	Context       string `json:"context"`
	StepIndex     int    `json:"step_index,omitempty"`
	StepTotal     int    `json:"step_total,omitempty"`
	ExpiresAt     int64  `json:"expires_at"`
}

// Response is the content of a KindSigningResponse event. PayloadRef must
// equal the challenge's.
type Response struct {
	SessionID   string `json:"session_id"`
	ChallengeID string `json:"challenge_id"`
	Type        string `json:"type"`
	Signature   string `json:"signature"`
	PayloadRef  string `json:"payload_ref"`
}

// Confirmation is the content of a public KindConfirmation event.
type Confirmation struct {
	Status      string            `json:"status"`
	RefActionID string            `json:"ref_action_id"`
	Results     map[string]string `json:"results"`
}

// Failure is the content of a KindFailure direct message.
type Failure struct {
	Status      string `json:"status"`
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	RefActionID string `json:"ref_action_id"`
}

// L1Commitment is the content of a public KindL1Commitment event.
type L1Commitment struct {
	L1Txid      string `json:"l1_txid"`
	BlockHeight uint64 `json:"block_height"`
	MerkleRoot  string `json:"merkle_root"`
	BatchID     string `json:"batch_id"`
}

// PayloadRef returns the digest a wallet re-derives to bind a challenge to
// the bytes it is being asked to sign.
func PayloadRef(payload []byte) string {
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])
}
