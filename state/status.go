// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import "fmt"

type SessionStatus string

// Canonical session statuses. Aliases are accepted on input and never
// emitted.
const (
	SessionInitiated         SessionStatus = "initiated"
	SessionChallengeSent     SessionStatus = "challenge_sent"
	SessionAwaitingSignature SessionStatus = "awaiting_signature"
	SessionSigning           SessionStatus = "signing"
	SessionCompleted         SessionStatus = "completed"
	SessionFailed            SessionStatus = "failed"
	SessionExpired           SessionStatus = "expired"
)

var sessionAliases = map[string]SessionStatus{
	"pending":           SessionInitiated,
	"response_received": SessionAwaitingSignature,
}

// ParseSessionStatus resolves a status string, accepting legacy aliases.
func ParseSessionStatus(s string) (SessionStatus, error) {
	if alias, ok := sessionAliases[s]; ok {
		return alias, nil
	}
	switch status := SessionStatus(s); status {
	case SessionInitiated, SessionChallengeSent, SessionAwaitingSignature,
		SessionSigning, SessionCompleted, SessionFailed, SessionExpired:
		return status, nil
	default:
		return "", fmt.Errorf("unknown session status %q", s)
	}
}

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionInitiated:         {SessionChallengeSent, SessionFailed, SessionExpired},
	SessionChallengeSent:     {SessionAwaitingSignature, SessionFailed, SessionExpired},
	SessionAwaitingSignature: {SessionSigning, SessionFailed, SessionExpired},
	SessionSigning:           {SessionCompleted, SessionFailed, SessionExpired},
	SessionCompleted:         nil,
	SessionFailed:            nil,
	SessionExpired:           nil,
}

func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the edge s -> to is in the session state
// graph. Same-state writes are allowed so field updates don't require an
// edge.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	if s == to {
		return true
	}
	for _, allowed := range sessionTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

type VTXOStatus string

const (
	VTXOAvailable VTXOStatus = "available"
	VTXOAssigned  VTXOStatus = "assigned"
	VTXOSpent     VTXOStatus = "spent"
	VTXOExpired   VTXOStatus = "expired"
)

// vtxoRank orders VTXO statuses; forward transitions follow the rank,
// spent and expired are terminal, and an assignment may be released
// back to available when its ceremony dies.
var vtxoRank = map[VTXOStatus]int{
	VTXOAvailable: 0,
	VTXOAssigned:  1,
	VTXOSpent:     2,
	VTXOExpired:   3,
}

func (s VTXOStatus) CanTransition(to VTXOStatus) bool {
	if s == to {
		return true
	}
	if s == VTXOSpent || s == VTXOExpired {
		return false
	}
	if s == VTXOAssigned && to == VTXOAvailable {
		return true
	}
	return vtxoRank[to] > vtxoRank[s]
}
