// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package challenge issues signing challenges and verifies wallet
// responses. A challenge binds one signature request to one session
// step; verification admits exactly one winning response.
package challenge

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/protocol"
	"github.com/arkrelay/gatewaygo/state"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

// TTL bounds the wallet's signature round trip.
const TTL = 5 * time.Minute

var (
	ErrExpired      = errors.New("challenge expired")
	ErrUsed         = errors.New("challenge already answered")
	ErrBadSignature = errors.New("signature does not verify against session key")
	ErrRefMismatch  = errors.New("response references a different payload")
)

type Issuer struct {
	state *state.State
	clock *mockable.Clock
	log   *zap.Logger
}

func NewIssuer(st *state.State, clock *mockable.Clock, log *zap.Logger) *Issuer {
	return &Issuer{
		state: st,
		clock: clock,
		log:   log,
	}
}

// Issue creates the challenge for one ceremony step and moves the
// session to challenge_sent. The challenge data is the sha256 digest of
// the payload, which is also what the wallet's schnorr signature must
// cover.
func (i *Issuer) Issue(
	sessionID string,
	payload []byte,
	context string,
	stepIndex int,
	stepTotal int,
) (*state.SigningChallenge, error) {
	digest := sha256.Sum256(payload)
	now := i.clock.Time()
	chal := &state.SigningChallenge{
		ChallengeID:   uuid.NewString(),
		SessionID:     sessionID,
		ChallengeData: digest[:],
		PayloadRef:    hex.EncodeToString(digest[:]),
		Context:       context,
		StepIndex:     stepIndex,
		StepTotal:     stepTotal,
		CreatedAt:     now.Unix(),
		ExpiresAt:     now.Add(TTL).Unix(),
	}

	err := i.state.Transact(func(mu state.Mutable) error {
		sess, err := mu.GetSession(sessionID)
		if err != nil {
			return err
		}
		if sess.Status == state.SessionInitiated {
			sess.Status = state.SessionChallengeSent
			sess.UpdatedAt = now.Unix()
			if err := mu.PutSession(sess); err != nil {
				return err
			}
		}
		return mu.PutChallenge(chal)
	})
	if err != nil {
		return nil, err
	}

	i.log.Debug("challenge issued",
		zap.String("session", sessionID),
		zap.String("challenge", chal.ChallengeID),
		zap.Int("step", stepIndex),
	)
	return chal, nil
}

// Verify checks a wallet's response and, atomically with the checks,
// consumes the challenge and moves the session to signing. A second
// response for the same challenge loses with ErrUsed no matter how the
// two interleave.
func (i *Issuer) Verify(challengeID, payloadRef, sigHex string) (*state.SigningChallenge, error) {
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	now := i.clock.Time().Unix()
	var verified *state.SigningChallenge
	err = i.state.Transact(func(mu state.Mutable) error {
		chal, err := mu.GetChallenge(challengeID)
		if err != nil {
			return err
		}
		if chal.IsUsed {
			return ErrUsed
		}
		if chal.ExpiresAt <= now {
			return ErrExpired
		}
		if payloadRef != "" && payloadRef != chal.PayloadRef {
			return ErrRefMismatch
		}

		sess, err := mu.GetSession(chal.SessionID)
		if err != nil {
			return err
		}
		pub, err := protocol.ParsePublicKey(sess.UserPubKey)
		if err != nil {
			return err
		}
		if !sig.Verify(chal.ChallengeData, pub) {
			return ErrBadSignature
		}

		chal.IsUsed = true
		chal.Signature = sigBytes
		if err := mu.PutChallenge(chal); err != nil {
			return err
		}

		if sess.Status == state.SessionChallengeSent {
			sess.Status = state.SessionAwaitingSignature
			if err := mu.PutSession(sess); err != nil {
				return err
			}
		}
		sess.Status = state.SessionSigning
		sess.SignaturesGot++
		sess.UpdatedAt = now
		if err := mu.PutSession(sess); err != nil {
			return err
		}

		verified = chal
		return nil
	})
	if err != nil {
		return nil, err
	}

	i.log.Debug("challenge verified",
		zap.String("session", verified.SessionID),
		zap.String("challenge", challengeID),
	)
	return verified, nil
}
