// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vtxo

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/exp/slices"
)

// MerkleRoot computes the settlement batch commitment over the txids:
// leaves are sha256 of each txid, levels are sha256 of concatenated
// pairs, an odd node is paired with itself. Input order doesn't matter;
// the txids are sorted first so every gateway derives the same root.
func MerkleRoot(txids []string) string {
	if len(txids) == 0 {
		return ""
	}
	sorted := make([]string, len(txids))
	copy(sorted, txids)
	slices.Sort(sorted)

	level := make([][32]byte, len(sorted))
	for i, txid := range sorted {
		level[i] = sha256.Sum256([]byte(txid))
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			pair := make([]byte, 0, 64)
			pair = append(pair, level[i][:]...)
			pair = append(pair, level[i+1][:]...)
			next = append(next, sha256.Sum256(pair))
		}
		level = next
	}
	return hex.EncodeToString(level[0][:])
}
