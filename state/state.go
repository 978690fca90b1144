// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/arkrelay/gatewaygo/database"
)

var (
	assetPrefix     = []byte{0x00}
	balancePrefix   = []byte{0x01}
	vtxoPrefix      = []byte{0x02}
	sessionPrefix   = []byte{0x03}
	challengePrefix = []byte{0x04}
	txPrefix        = []byte{0x05}
	invoicePrefix   = []byte{0x06}
)

// View is read access to the store. State serves committed snapshots;
// Diff serves the uncommitted view inside a transaction.
type View interface {
	GetAsset(assetID string) (*Asset, error)
	Assets() []*Asset
	GetBalance(userPubKey, assetID string) (*AssetBalance, error)
	GetVTXO(vtxoID string) (*VTXO, error)
	AvailableVTXOs(assetID string) []*VTXO
	UserVTXOs(userPubKey, assetID string) []*VTXO
	GetSession(sessionID string) (*SigningSession, error)
	GetSessionByIntent(userPubKey, actionID string) (*SigningSession, error)
	GetChallenge(challengeID string) (*SigningChallenge, error)
	SessionChallenges(sessionID string) []*SigningChallenge
	GetTransaction(txid string) (*Transaction, error)
	GetInvoice(paymentHash string) (*LightningInvoice, error)
}

// Mutable is a View that accepts writes. All invariant checks run at Put
// time against the transaction's view, so a violating write fails fast and
// aborts the whole transaction.
type Mutable interface {
	View
	PutAsset(*Asset) error
	PutBalance(*AssetBalance) error
	PutVTXO(*VTXO) error
	AddSession(*SigningSession) error
	PutSession(*SigningSession) error
	PutChallenge(*SigningChallenge) error
	PutTransaction(*Transaction) error
	PutInvoice(*LightningInvoice) error
}

// State is the only locus of truth. Reads outside Transact observe the
// last committed snapshot; Transact serializes all multi-row mutations.
type State struct {
	lock sync.RWMutex
	db   database.Database

	assets          map[string]*Asset
	balances        map[string]*AssetBalance
	vtxos           map[string]*VTXO
	sessions        map[string]*SigningSession
	sessionByIntent map[string]string
	challenges      map[string]*SigningChallenge
	txs             map[string]*Transaction
	invoices        map[string]*LightningInvoice
}

func New(db database.Database) (*State, error) {
	s := &State{
		db:              db,
		assets:          make(map[string]*Asset),
		balances:        make(map[string]*AssetBalance),
		vtxos:           make(map[string]*VTXO),
		sessions:        make(map[string]*SigningSession),
		sessionByIntent: make(map[string]string),
		challenges:      make(map[string]*SigningChallenge),
		txs:             make(map[string]*Transaction),
		invoices:        make(map[string]*LightningInvoice),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	return s, nil
}

func (s *State) load() error {
	if err := loadPrefix(s.db, assetPrefix, func(a *Asset) {
		s.assets[a.AssetID] = a
	}); err != nil {
		return err
	}
	if err := loadPrefix(s.db, balancePrefix, func(b *AssetBalance) {
		s.balances[balanceKey(b.UserPubKey, b.AssetID)] = b
	}); err != nil {
		return err
	}
	if err := loadPrefix(s.db, vtxoPrefix, func(v *VTXO) {
		s.vtxos[v.VtxoID] = v
	}); err != nil {
		return err
	}
	if err := loadPrefix(s.db, sessionPrefix, func(sess *SigningSession) {
		s.sessions[sess.SessionID] = sess
		s.sessionByIntent[intentKey(sess.UserPubKey, sess.ActionID)] = sess.SessionID
	}); err != nil {
		return err
	}
	if err := loadPrefix(s.db, challengePrefix, func(c *SigningChallenge) {
		s.challenges[c.ChallengeID] = c
	}); err != nil {
		return err
	}
	if err := loadPrefix(s.db, txPrefix, func(tx *Transaction) {
		s.txs[tx.Txid] = tx
	}); err != nil {
		return err
	}
	return loadPrefix(s.db, invoicePrefix, func(inv *LightningInvoice) {
		s.invoices[inv.PaymentHash] = inv
	})
}

func loadPrefix[T any](db database.Database, prefix []byte, add func(*T)) error {
	it := db.NewIteratorWithPrefix(prefix)
	defer it.Release()
	for it.Next() {
		row := new(T)
		if err := json.Unmarshal(it.Value(), row); err != nil {
			return err
		}
		add(row)
	}
	return it.Error()
}

// Transact runs [fn] against a diff layer and, if it returns nil, commits
// every staged write in one batch. Writes are serialized; a failing [fn]
// leaves no trace.
func (s *State) Transact(fn func(Mutable) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	d := newDiff(s)
	if err := fn(d); err != nil {
		return err
	}
	return d.commit()
}

func (s *State) Close() error {
	return s.db.Close()
}

func balanceKey(userPubKey, assetID string) string {
	return userPubKey + "/" + assetID
}

func intentKey(userPubKey, actionID string) string {
	return userPubKey + "/" + actionID
}

func (s *State) GetAsset(assetID string) (*Asset, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return getCopy(s.assets, assetID)
}

func (s *State) Assets() []*Asset {
	s.lock.RLock()
	defer s.lock.RUnlock()

	assets := make([]*Asset, 0, len(s.assets))
	for _, a := range s.assets {
		assetCopy := *a
		assets = append(assets, &assetCopy)
	}
	slices.SortFunc(assets, func(a, b *Asset) int {
		return strings.Compare(a.AssetID, b.AssetID)
	})
	return assets
}

func (s *State) GetBalance(userPubKey, assetID string) (*AssetBalance, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return getCopy(s.balances, balanceKey(userPubKey, assetID))
}

func (s *State) GetVTXO(vtxoID string) (*VTXO, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return getCopy(s.vtxos, vtxoID)
}

func (s *State) AvailableVTXOs(assetID string) []*VTXO {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return selectVTXOs(s.vtxos, func(v *VTXO) bool {
		return v.Status == VTXOAvailable &&
			(assetID == "" || v.AssetID == assetID)
	})
}

func (s *State) UserVTXOs(userPubKey, assetID string) []*VTXO {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return selectVTXOs(s.vtxos, func(v *VTXO) bool {
		return v.UserPubKey == userPubKey &&
			(assetID == "" || v.AssetID == assetID)
	})
}

// AssignedVTXOs returns every assigned VTXO, for the expiration sweeper.
func (s *State) AssignedVTXOs() []*VTXO {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return selectVTXOs(s.vtxos, func(v *VTXO) bool {
		return v.Status == VTXOAssigned
	})
}

func (s *State) GetSession(sessionID string) (*SigningSession, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return getCopy(s.sessions, sessionID)
}

func (s *State) GetSessionByIntent(userPubKey, actionID string) (*SigningSession, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	sessionID, ok := s.sessionByIntent[intentKey(userPubKey, actionID)]
	if !ok {
		return nil, database.ErrNotFound
	}
	return getCopy(s.sessions, sessionID)
}

// Sessions returns every session, ordered by id.
func (s *State) Sessions() []*SigningSession {
	s.lock.RLock()
	defer s.lock.RUnlock()

	sessions := make([]*SigningSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessCopy := *sess
		sessions = append(sessions, &sessCopy)
	}
	slices.SortFunc(sessions, func(a, b *SigningSession) int {
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return sessions
}

// ActiveSessions returns every non-terminal session.
func (s *State) ActiveSessions() []*SigningSession {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var active []*SigningSession
	for _, sess := range s.sessions {
		if !sess.Status.Terminal() {
			sessCopy := *sess
			active = append(active, &sessCopy)
		}
	}
	slices.SortFunc(active, func(a, b *SigningSession) int {
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return active
}

func (s *State) GetChallenge(challengeID string) (*SigningChallenge, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return getCopy(s.challenges, challengeID)
}

func (s *State) SessionChallenges(sessionID string) []*SigningChallenge {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return selectChallenges(s.challenges, sessionID)
}

func (s *State) GetTransaction(txid string) (*Transaction, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return getCopy(s.txs, txid)
}

// UnsettledTransactions returns broadcast or confirmed transactions not
// yet bound to an L1 settlement batch, ordered by txid for deterministic
// Merkle roots.
func (s *State) UnsettledTransactions(assetID string) []*Transaction {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var txs []*Transaction
	for _, tx := range s.txs {
		if tx.SettlementBatch != "" {
			continue
		}
		if tx.Status != TxBroadcast && tx.Status != TxConfirmed {
			continue
		}
		if assetID != "" && tx.AssetID != assetID {
			continue
		}
		txCopy := *tx
		txs = append(txs, &txCopy)
	}
	slices.SortFunc(txs, func(a, b *Transaction) int {
		return strings.Compare(a.Txid, b.Txid)
	})
	return txs
}

func (s *State) GetInvoice(paymentHash string) (*LightningInvoice, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return getCopy(s.invoices, paymentHash)
}

func (s *State) PendingInvoices() []*LightningInvoice {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var pending []*LightningInvoice
	for _, inv := range s.invoices {
		if inv.Status == InvoicePending {
			invCopy := *inv
			pending = append(pending, &invCopy)
		}
	}
	slices.SortFunc(pending, func(a, b *LightningInvoice) int {
		return strings.Compare(a.PaymentHash, b.PaymentHash)
	})
	return pending
}

type keyed interface {
	Asset | AssetBalance | VTXO | SigningSession | SigningChallenge | Transaction | LightningInvoice
}

func getCopy[T keyed](m map[string]*T, key string) (*T, error) {
	row, ok := m[key]
	if !ok {
		return nil, database.ErrNotFound
	}
	rowCopy := *row
	return &rowCopy, nil
}

func selectVTXOs(m map[string]*VTXO, include func(*VTXO) bool) []*VTXO {
	var vtxos []*VTXO
	for _, v := range m {
		if include(v) {
			vCopy := *v
			vtxos = append(vtxos, &vCopy)
		}
	}
	slices.SortFunc(vtxos, func(a, b *VTXO) int {
		if c := cmp.Compare(a.AmountSats, b.AmountSats); c != 0 {
			return c
		}
		return strings.Compare(a.VtxoID, b.VtxoID)
	})
	return vtxos
}

func selectChallenges(m map[string]*SigningChallenge, sessionID string) []*SigningChallenge {
	var challenges []*SigningChallenge
	for _, c := range m {
		if c.SessionID == sessionID {
			cCopy := *c
			challenges = append(challenges, &cCopy)
		}
	}
	slices.SortFunc(challenges, func(a, b *SigningChallenge) int {
		if c := cmp.Compare(a.StepIndex, b.StepIndex); c != 0 {
			return c
		}
		return strings.Compare(a.ChallengeID, b.ChallengeID)
	})
	return challenges
}
