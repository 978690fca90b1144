// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Identity is the gateway's (or, in tests, a wallet's) signing key.
type Identity struct {
	key *secp256k1.PrivateKey
}

func NewIdentity() (*Identity, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &Identity{key: key}, nil
}

func IdentityFromHex(privHex string) (*Identity, error) {
	privBytes, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("decoding identity key: %w", err)
	}
	if len(privBytes) != 32 {
		return nil, fmt.Errorf("identity key must be 32 bytes, got %d", len(privBytes))
	}
	return &Identity{key: secp256k1.PrivKeyFromBytes(privBytes)}, nil
}

// PublicKeyHex returns the compressed public key as lowercase hex.
func (i *Identity) PublicKeyHex() string {
	return hex.EncodeToString(i.key.PubKey().SerializeCompressed())
}

// SharedSecret derives the ECDH secret with [pubHex], used for direct
// message encryption.
func (i *Identity) SharedSecret(pubHex string) ([]byte, error) {
	pub, err := ParsePublicKey(pubHex)
	if err != nil {
		return nil, err
	}
	return secp256k1.GenerateSharedSecret(i.key, pub), nil
}

// PrivateKey exposes the raw key for signing. Callers outside this package
// should prefer Event.Sign.
func (i *Identity) PrivateKey() *secp256k1.PrivateKey {
	return i.key
}
