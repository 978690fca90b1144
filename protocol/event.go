// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

var (
	ErrInvalidEventID   = errors.New("event id does not match content digest")
	ErrInvalidSignature = errors.New("invalid event signature")
)

// Event is the relay envelope. Identifiers, keys and signatures are
// lowercase hex on the wire.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Digest computes the canonical event digest: the sha256 of the JSON
// serialization of [0, pubkey, created_at, kind, tags, content].
func (e *Event) Digest() ([32]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	serialized, err := json.Marshal([]interface{}{
		0,
		e.PubKey,
		e.CreatedAt,
		e.Kind,
		tags,
		e.Content,
	})
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(serialized), nil
}

// Sign fills in ID and Sig using [identity]. The event's PubKey is set to
// the identity's public key.
func (e *Event) Sign(identity *Identity) error {
	e.PubKey = identity.PublicKeyHex()
	digest, err := e.Digest()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(identity.key, digest[:])
	if err != nil {
		return fmt.Errorf("signing event: %w", err)
	}
	e.ID = hex.EncodeToString(digest[:])
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the event id matches the content digest and that the
// signature is valid for the author's public key.
func (e *Event) Verify() error {
	digest, err := e.Digest()
	if err != nil {
		return err
	}
	if e.ID != hex.EncodeToString(digest[:]) {
		return ErrInvalidEventID
	}

	pub, err := ParsePublicKey(e.PubKey)
	if err != nil {
		return err
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !sig.Verify(digest[:], pub) {
		return ErrInvalidSignature
	}
	return nil
}

// TagValue returns the first value of the first tag named [name].
func (e *Event) TagValue(name string) (string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// ParsePublicKey decodes a compressed secp256k1 public key from hex.
func ParsePublicKey(pubHex string) (*secp256k1.PublicKey, error) {
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	return secp256k1.ParsePubKey(pubBytes)
}
