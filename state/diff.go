// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/arkrelay/gatewaygo/database"
)

var (
	ErrDuplicateSession    = errors.New("session already exists for intent")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrChallengeUsed       = errors.New("challenge already used")
	ErrBalanceInvariant    = errors.New("balance below reserved balance")
	ErrUnknownSpendingTx   = errors.New("spending txid references no transaction")
	ErrUnboundCompletion   = errors.New("completed session has no successful artifact")
	ErrMissingOwner        = errors.New("assigned vtxo has no owner")
	ErrSettlementBatchSet  = errors.New("settlement batch already set")
	ErrUnknownSession      = errors.New("session not found")
	ErrUnknownVTXO         = errors.New("vtxo not found")
	ErrUnknownChallenge    = errors.New("challenge not found")
	ErrUnknownTransaction  = errors.New("transaction not found")
	ErrUnknownInvoice      = errors.New("invoice not found")
)

var _ Mutable = (*diff)(nil)

// diff is the uncommitted overlay a transaction reads and writes. It runs
// under the State write lock, so it reads base maps directly.
type diff struct {
	base *State

	assets     map[string]*Asset
	balances   map[string]*AssetBalance
	vtxos      map[string]*VTXO
	sessions   map[string]*SigningSession
	challenges map[string]*SigningChallenge
	txs        map[string]*Transaction
	invoices   map[string]*LightningInvoice

	addedIntents map[string]string
}

func newDiff(base *State) *diff {
	return &diff{
		base:         base,
		assets:       make(map[string]*Asset),
		balances:     make(map[string]*AssetBalance),
		vtxos:        make(map[string]*VTXO),
		sessions:     make(map[string]*SigningSession),
		challenges:   make(map[string]*SigningChallenge),
		txs:          make(map[string]*Transaction),
		invoices:     make(map[string]*LightningInvoice),
		addedIntents: make(map[string]string),
	}
}

func diffGet[T keyed](overlay, base map[string]*T, key string) (*T, error) {
	if row, ok := overlay[key]; ok {
		rowCopy := *row
		return &rowCopy, nil
	}
	if row, ok := base[key]; ok {
		rowCopy := *row
		return &rowCopy, nil
	}
	return nil, database.ErrNotFound
}

func (d *diff) GetAsset(assetID string) (*Asset, error) {
	return diffGet(d.assets, d.base.assets, assetID)
}

func (d *diff) Assets() []*Asset {
	merged := make(map[string]*Asset, len(d.base.assets))
	for id, a := range d.base.assets {
		merged[id] = a
	}
	for id, a := range d.assets {
		merged[id] = a
	}
	assets := make([]*Asset, 0, len(merged))
	for _, a := range merged {
		aCopy := *a
		assets = append(assets, &aCopy)
	}
	slices.SortFunc(assets, func(a, b *Asset) int {
		return strings.Compare(a.AssetID, b.AssetID)
	})
	return assets
}

func (d *diff) GetBalance(userPubKey, assetID string) (*AssetBalance, error) {
	return diffGet(d.balances, d.base.balances, balanceKey(userPubKey, assetID))
}

func (d *diff) GetVTXO(vtxoID string) (*VTXO, error) {
	return diffGet(d.vtxos, d.base.vtxos, vtxoID)
}

func (d *diff) mergedVTXOs() map[string]*VTXO {
	merged := make(map[string]*VTXO, len(d.base.vtxos))
	for id, v := range d.base.vtxos {
		merged[id] = v
	}
	for id, v := range d.vtxos {
		merged[id] = v
	}
	return merged
}

func (d *diff) AvailableVTXOs(assetID string) []*VTXO {
	return selectVTXOs(d.mergedVTXOs(), func(v *VTXO) bool {
		return v.Status == VTXOAvailable &&
			(assetID == "" || v.AssetID == assetID)
	})
}

func (d *diff) UserVTXOs(userPubKey, assetID string) []*VTXO {
	return selectVTXOs(d.mergedVTXOs(), func(v *VTXO) bool {
		return v.UserPubKey == userPubKey &&
			(assetID == "" || v.AssetID == assetID)
	})
}

func (d *diff) GetSession(sessionID string) (*SigningSession, error) {
	return diffGet(d.sessions, d.base.sessions, sessionID)
}

func (d *diff) GetSessionByIntent(userPubKey, actionID string) (*SigningSession, error) {
	key := intentKey(userPubKey, actionID)
	if sessionID, ok := d.addedIntents[key]; ok {
		return d.GetSession(sessionID)
	}
	if sessionID, ok := d.base.sessionByIntent[key]; ok {
		return d.GetSession(sessionID)
	}
	return nil, database.ErrNotFound
}

func (d *diff) GetChallenge(challengeID string) (*SigningChallenge, error) {
	return diffGet(d.challenges, d.base.challenges, challengeID)
}

func (d *diff) SessionChallenges(sessionID string) []*SigningChallenge {
	merged := make(map[string]*SigningChallenge, len(d.base.challenges))
	for id, c := range d.base.challenges {
		merged[id] = c
	}
	for id, c := range d.challenges {
		merged[id] = c
	}
	return selectChallenges(merged, sessionID)
}

func (d *diff) GetTransaction(txid string) (*Transaction, error) {
	return diffGet(d.txs, d.base.txs, txid)
}

func (d *diff) GetInvoice(paymentHash string) (*LightningInvoice, error) {
	return diffGet(d.invoices, d.base.invoices, paymentHash)
}

func (d *diff) PutAsset(a *Asset) error {
	if a.AssetID == "" {
		return errors.New("asset id required")
	}
	aCopy := *a
	d.assets[a.AssetID] = &aCopy
	return nil
}

func (d *diff) PutBalance(b *AssetBalance) error {
	if b.Balance < b.Reserved {
		return fmt.Errorf("%w: user %s asset %s balance %d reserved %d",
			ErrBalanceInvariant, b.UserPubKey, b.AssetID, b.Balance, b.Reserved)
	}
	bCopy := *b
	d.balances[balanceKey(b.UserPubKey, b.AssetID)] = &bCopy
	return nil
}

func (d *diff) PutVTXO(v *VTXO) error {
	old, err := d.GetVTXO(v.VtxoID)
	if err != nil && err != database.ErrNotFound {
		return err
	}
	if old != nil && !old.Status.CanTransition(v.Status) {
		return fmt.Errorf("%w: vtxo %s %s -> %s",
			ErrInvalidTransition, v.VtxoID, old.Status, v.Status)
	}
	switch v.Status {
	case VTXOAssigned:
		if v.UserPubKey == "" {
			return ErrMissingOwner
		}
	case VTXOSpent:
		if v.SpendingTxid == "" {
			return ErrUnknownSpendingTx
		}
		if _, err := d.GetTransaction(v.SpendingTxid); err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownSpendingTx, v.SpendingTxid)
		}
	}
	vCopy := *v
	d.vtxos[v.VtxoID] = &vCopy
	return nil
}

// AddSession inserts a new session, enforcing the one-session-per
// (user_pubkey, action_id) invariant.
func (d *diff) AddSession(s *SigningSession) error {
	if s.SessionID == "" || s.UserPubKey == "" || s.ActionID == "" {
		return errors.New("session id, user and action id required")
	}
	if _, err := d.GetSession(s.SessionID); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.SessionID)
	}
	if _, err := d.GetSessionByIntent(s.UserPubKey, s.ActionID); err == nil {
		return fmt.Errorf("%w: action %s", ErrDuplicateSession, s.ActionID)
	}
	sCopy := *s
	d.sessions[s.SessionID] = &sCopy
	d.addedIntents[intentKey(s.UserPubKey, s.ActionID)] = s.SessionID
	return nil
}

func (d *diff) PutSession(s *SigningSession) error {
	old, err := d.GetSession(s.SessionID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, s.SessionID)
	}
	if !old.Status.CanTransition(s.Status) {
		return fmt.Errorf("%w: session %s %s -> %s",
			ErrInvalidTransition, s.SessionID, old.Status, s.Status)
	}
	if s.Status == SessionCompleted && old.Status != SessionCompleted {
		if !d.hasSuccessArtifact(s.SessionID) {
			return fmt.Errorf("%w: %s", ErrUnboundCompletion, s.SessionID)
		}
	}
	sCopy := *s
	d.sessions[s.SessionID] = &sCopy
	return nil
}

// hasSuccessArtifact reports whether the session is bound to a broadcast
// or confirmed transaction, or a settled invoice.
func (d *diff) hasSuccessArtifact(sessionID string) bool {
	check := func(tx *Transaction) bool {
		return tx.SessionID == sessionID &&
			(tx.Status == TxBroadcast || tx.Status == TxConfirmed)
	}
	for _, tx := range d.txs {
		if check(tx) {
			return true
		}
	}
	for txid, tx := range d.base.txs {
		if _, overridden := d.txs[txid]; !overridden && check(tx) {
			return true
		}
	}
	settled := func(inv *LightningInvoice) bool {
		return inv.SessionID == sessionID && inv.Status == InvoiceSettled
	}
	for _, inv := range d.invoices {
		if settled(inv) {
			return true
		}
	}
	for hash, inv := range d.base.invoices {
		if _, overridden := d.invoices[hash]; !overridden && settled(inv) {
			return true
		}
	}
	return false
}

func (d *diff) PutChallenge(c *SigningChallenge) error {
	old, err := d.GetChallenge(c.ChallengeID)
	if err != nil && err != database.ErrNotFound {
		return err
	}
	if old != nil && old.IsUsed {
		return fmt.Errorf("%w: %s", ErrChallengeUsed, c.ChallengeID)
	}
	cCopy := *c
	cCopy.ChallengeData = append([]byte(nil), c.ChallengeData...)
	cCopy.Signature = append([]byte(nil), c.Signature...)
	d.challenges[c.ChallengeID] = &cCopy
	return nil
}

var txTransitions = map[TxStatus][]TxStatus{
	TxPrepared:  {TxBroadcast, TxFailed},
	TxBroadcast: {TxConfirmed, TxFailed},
	TxConfirmed: nil,
	TxFailed:    nil,
}

func (d *diff) PutTransaction(tx *Transaction) error {
	old, err := d.GetTransaction(tx.Txid)
	if err != nil && err != database.ErrNotFound {
		return err
	}
	if old != nil {
		if old.SettlementBatch != "" && tx.SettlementBatch != old.SettlementBatch {
			return fmt.Errorf("%w: %s", ErrSettlementBatchSet, tx.Txid)
		}
		if old.Status != tx.Status {
			allowed := false
			for _, next := range txTransitions[old.Status] {
				if next == tx.Status {
					allowed = true
					break
				}
			}
			if !allowed {
				return fmt.Errorf("%w: tx %s %s -> %s",
					ErrInvalidTransition, tx.Txid, old.Status, tx.Status)
			}
		}
	}
	txCopy := *tx
	d.txs[tx.Txid] = &txCopy
	return nil
}

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoicePending: {InvoiceSettled, InvoiceFailed, InvoiceExpired},
	InvoiceSettled: nil,
	InvoiceFailed:  nil,
	InvoiceExpired: nil,
}

func (d *diff) PutInvoice(inv *LightningInvoice) error {
	old, err := d.GetInvoice(inv.PaymentHash)
	if err != nil && err != database.ErrNotFound {
		return err
	}
	if old != nil && old.Status != inv.Status {
		allowed := false
		for _, next := range invoiceTransitions[old.Status] {
			if next == inv.Status {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: invoice %s %s -> %s",
				ErrInvalidTransition, inv.PaymentHash, old.Status, inv.Status)
		}
	}
	invCopy := *inv
	d.invoices[inv.PaymentHash] = &invCopy
	return nil
}

// commit writes every staged row in one batch and, on success, folds the
// overlay into the base maps. Callers hold the State write lock.
func (d *diff) commit() error {
	batch := d.base.db.NewBatch()

	if err := stageAll(batch, assetPrefix, d.assets); err != nil {
		return err
	}
	if err := stageAll(batch, balancePrefix, d.balances); err != nil {
		return err
	}
	if err := stageAll(batch, vtxoPrefix, d.vtxos); err != nil {
		return err
	}
	if err := stageAll(batch, sessionPrefix, d.sessions); err != nil {
		return err
	}
	if err := stageAll(batch, challengePrefix, d.challenges); err != nil {
		return err
	}
	if err := stageAll(batch, txPrefix, d.txs); err != nil {
		return err
	}
	if err := stageAll(batch, invoicePrefix, d.invoices); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("committing state batch: %w", err)
	}

	for id, a := range d.assets {
		d.base.assets[id] = a
	}
	for key, b := range d.balances {
		d.base.balances[key] = b
	}
	for id, v := range d.vtxos {
		d.base.vtxos[id] = v
	}
	for id, s := range d.sessions {
		d.base.sessions[id] = s
	}
	for key, sessionID := range d.addedIntents {
		d.base.sessionByIntent[key] = sessionID
	}
	for id, c := range d.challenges {
		d.base.challenges[id] = c
	}
	for id, tx := range d.txs {
		d.base.txs[id] = tx
	}
	for hash, inv := range d.invoices {
		d.base.invoices[hash] = inv
	}
	return nil
}

func stageAll[T keyed](batch database.Batch, prefix []byte, rows map[string]*T) error {
	for key, row := range rows {
		value, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if err := batch.Put(append(prefix, []byte(key)...), value); err != nil {
			return err
		}
	}
	return nil
}
