// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ceremony drives a signing session through its six steps:
// validate, prepare, challenge, collect the signature, finalize, and
// commit. Every step records its completion on the session so a
// restarted gateway resumes instead of repeating side effects.
package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/assets"
	"github.com/arkrelay/gatewaygo/challenge"
	"github.com/arkrelay/gatewaygo/daemons"
	"github.com/arkrelay/gatewaygo/database"
	"github.com/arkrelay/gatewaygo/lightning"
	"github.com/arkrelay/gatewaygo/protocol"
	"github.com/arkrelay/gatewaygo/relay"
	"github.com/arkrelay/gatewaygo/session"
	"github.com/arkrelay/gatewaygo/state"
	"github.com/arkrelay/gatewaygo/txs"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
	"github.com/arkrelay/gatewaygo/vtxo"
)

// Ceremony steps, recorded in SigningSession.LastCompletedStep.
const (
	StepValidated  = 1
	StepPrepared   = 2
	StepChallenged = 3
	StepSigned     = 4
	StepFinalized  = 5
	StepCommitted  = 6
	TotalSteps     = 6
)

const (
	// SignatureAlgo and SignatureDomain pin what wallets must produce.
	SignatureAlgo   = "schnorr"
	SignatureDomain = "arkrelay"

	confirmRetryInterval = 30 * time.Second
	confirmGrace         = 10 * time.Minute
)

var (
	ErrUnsupportedIntent = errors.New("unsupported intent type")
	ErrTooLateToCancel   = errors.New("session is past the point of no return")
)

// Publisher is the outbound relay surface the orchestrator needs.
// *relay.Client satisfies it.
type Publisher interface {
	Publish(ev *protocol.Event) error
	PublishEncrypted(kind int, recipientPubKey string, payload any, extraTags [][]string) (*protocol.Event, error)
}

// Handler implements one intent type's ceremony semantics. All three
// built-in handlers live in this package; Register accepts others
// (solver-delegated protocol operations).
type Handler interface {
	SessionType() state.SessionType

	// Validate is step 1: structural and balance checks, no side
	// effects.
	Validate(ctx context.Context, o *Orchestrator, sess *state.SigningSession) error

	// Prepare is step 2: stage backend state and return the payload the
	// user must sign plus its human-readable context.
	Prepare(ctx context.Context, o *Orchestrator, sess *state.SigningSession) (payload []byte, signContext string, err error)

	// Execute runs after the signature verifies: steps 5 and 6. It
	// returns the confirmation results and whether the ceremony is
	// final (a lift stays open until its invoice settles).
	Execute(ctx context.Context, o *Orchestrator, sess *state.SigningSession, sigHex string) (results map[string]string, final bool, err error)

	// Rollback undoes Prepare's staging when the ceremony dies.
	Rollback(o *Orchestrator, sess *state.SigningSession) error
}

// Observer receives ceremony telemetry. *metrics.Metrics satisfies it.
type Observer interface {
	ChallengeIssued()
	SignatureVerified()
	SignatureRejected()
	SessionCompleted()
	SessionFailed()
	SessionExpired()
	TxBroadcast()
	LiftSettled()
	LandPaid()
}

type noopObserver struct{}

func (noopObserver) ChallengeIssued()   {}
func (noopObserver) SignatureVerified() {}
func (noopObserver) SignatureRejected() {}
func (noopObserver) SessionCompleted()  {}
func (noopObserver) SessionFailed()     {}
func (noopObserver) SessionExpired()    {}
func (noopObserver) TxBroadcast()       {}
func (noopObserver) LiftSettled()       {}
func (noopObserver) LandPaid()          {}

type Config struct {
	Observer Observer
	Log      *zap.Logger
	Clock    *mockable.Clock
}

type Orchestrator struct {
	cfg Config

	state      *state.State
	sessions   *session.Manager
	challenges *challenge.Issuer
	processor  *txs.Processor
	vtxos      *vtxo.Manager
	lift       *lightning.Manager
	registry   *assets.Manager
	ark        daemons.Ark
	identity   *protocol.Identity
	publisher  Publisher

	handlers map[string]Handler
}

func New(
	cfg Config,
	st *state.State,
	sessions *session.Manager,
	challenges *challenge.Issuer,
	processor *txs.Processor,
	vtxos *vtxo.Manager,
	lift *lightning.Manager,
	registry *assets.Manager,
	ark daemons.Ark,
	identity *protocol.Identity,
	publisher Publisher,
) *Orchestrator {
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	o := &Orchestrator{
		cfg:        cfg,
		state:      st,
		sessions:   sessions,
		challenges: challenges,
		processor:  processor,
		vtxos:      vtxos,
		lift:       lift,
		registry:   registry,
		ark:        ark,
		identity:   identity,
		publisher:  publisher,
		handlers:   make(map[string]Handler),
	}
	o.Register(protocol.IntentP2PTransfer, &transferHandler{})
	o.Register(protocol.IntentLightningLift, &liftHandler{})
	o.Register(protocol.IntentLightningLand, &landHandler{})
	return o
}

// Register binds an intent type to a handler. Unknown intent types are
// failed with a validation code, so solvers must register before start.
func (o *Orchestrator) Register(intentType string, h Handler) {
	o.handlers[intentType] = h
}

// HandleIntent is the dispatch sink for intent events.
func (o *Orchestrator) HandleIntent(ctx context.Context, ev *protocol.Event) error {
	intent, err := protocol.ParseIntent(ev, o.cfg.Clock.Time().Unix())
	if err != nil {
		// Without a parseable action id there is nothing to reference.
		actionID := bestEffortActionID(ev)
		if actionID != "" {
			o.notifyFailure(ev.PubKey, actionID, protocol.CodeValidationFailed, err.Error())
		}
		return nil
	}

	handler, ok := o.handlers[intent.Type]
	if !ok {
		o.notifyFailure(ev.PubKey, intent.ActionID, protocol.CodeValidationFailed,
			fmt.Sprintf("%s: %s", ErrUnsupportedIntent, intent.Type))
		return nil
	}

	sess, created, err := o.sessions.Create(ev.PubKey, intent.ActionID, handler.SessionType(), intent.Params, intent.ExpiresAt)
	if errors.Is(err, session.ErrTooBusy) {
		o.notifyFailure(ev.PubKey, intent.ActionID, protocol.CodeValidationFailed, "gateway is at capacity, retry later")
		return nil
	}
	if err != nil {
		return err
	}
	if !created {
		return o.replay(sess)
	}
	return o.advance(ctx, handler, sess)
}

// replay answers an intent whose session already exists: completed
// sessions get their confirmation again, terminal failures get their
// notice again, in-flight sessions are left alone.
// internalArtifacts are ceremony bookkeeping keys in ResultData that
// never belong in a confirmation.
var internalArtifacts = map[string]bool{
	"payload":         true,
	"sign_context":    true,
	"challenge_id":    true,
	"signature":       true,
	"unsigned_tx":     true,
	"vtxo_ids":        true,
	"reserved_asset":  true,
	"reserved_native": true,
	"reserved":        true,
	"checkpoint_id":   true,
	"final_txid":      true,
	"final_raw_tx":    true,
}

func (o *Orchestrator) replay(sess *state.SigningSession) error {
	switch sess.Status {
	case state.SessionCompleted:
		results := map[string]string{}
		for k, v := range sess.ResultData {
			if !internalArtifacts[k] {
				results[k] = v
			}
		}
		o.publishConfirmation(sess, results)
	case state.SessionFailed, state.SessionExpired:
		o.notifyFailure(sess.UserPubKey, sess.ActionID, sess.FailureCode, sess.ErrorMessage)
	}
	return nil
}

// advance drives steps 1 through 3 for a fresh or resumed session.
func (o *Orchestrator) advance(ctx context.Context, handler Handler, sess *state.SigningSession) error {
	if sess.LastCompletedStep < StepValidated {
		if err := handler.Validate(ctx, o, sess); err != nil {
			return o.fail(handler, sess, codeFor(err), err.Error())
		}
		var err error
		if sess, err = o.markStep(sess.SessionID, StepValidated, nil); err != nil {
			return err
		}
	}

	if sess.LastCompletedStep < StepPrepared {
		payload, signContext, err := handler.Prepare(ctx, o, sess)
		if err != nil {
			return o.fail(handler, sess, codeFor(err), err.Error())
		}
		sess, err = o.markStep(sess.SessionID, StepPrepared, map[string]string{
			"payload":      string(payload),
			"sign_context": signContext,
		})
		if err != nil {
			return err
		}
	}

	if sess.LastCompletedStep < StepChallenged {
		if err := o.issueChallenge(sess); err != nil {
			return o.fail(handler, sess, codeFor(err), err.Error())
		}
	}
	return nil
}

// issueChallenge runs step 3: mint the challenge and DM it to the
// wallet.
func (o *Orchestrator) issueChallenge(sess *state.SigningSession) error {
	payload := []byte(sess.ResultData["payload"])
	signContext := sess.ResultData["sign_context"]

	chal, err := o.challenges.Issue(sess.SessionID, payload, signContext, StepChallenged, TotalSteps)
	if err != nil {
		return err
	}

	dm := &protocol.Challenge{
		SessionID:     sess.SessionID,
		ChallengeID:   chal.ChallengeID,
		Type:          protocol.ChallengeSignPayload,
		PayloadToSign: string(payload),
		PayloadRef:    chal.PayloadRef,
		Algo:          SignatureAlgo,
		Domain:        SignatureDomain,
		Context:       signContext,
		StepIndex:     StepChallenged,
		StepTotal:     TotalSteps,
		ExpiresAt:     chal.ExpiresAt,
	}
	if _, err := o.publisher.PublishEncrypted(protocol.KindSigningChallenge, sess.UserPubKey, dm, [][]string{
		{"e", sess.ActionID},
	}); err != nil {
		return err
	}

	if _, err := o.markStep(sess.SessionID, StepChallenged, map[string]string{
		"challenge_id": chal.ChallengeID,
	}); err != nil {
		return err
	}
	o.cfg.Observer.ChallengeIssued()
	return nil
}

// HandleResponse is the dispatch sink for signing response events.
func (o *Orchestrator) HandleResponse(ctx context.Context, ev *protocol.Event) error {
	content := ev.Content
	if strings.Contains(content, "?iv=") {
		secret, err := o.identity.SharedSecret(ev.PubKey)
		if err != nil {
			return err
		}
		if content, err = relay.Decrypt(secret, ev.Content); err != nil {
			o.cfg.Log.Debug("undecryptable response", zap.String("event", ev.ID))
			return nil
		}
	}

	var resp protocol.Response
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		o.cfg.Log.Debug("malformed response", zap.String("event", ev.ID))
		return nil
	}

	sess, err := o.state.GetSession(resp.SessionID)
	if errors.Is(err, database.ErrNotFound) {
		o.cfg.Log.Debug("response for unknown session",
			zap.String("session", resp.SessionID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	// Only the session's wallet may answer its challenge.
	if sess.UserPubKey != ev.PubKey {
		o.cfg.Log.Warn("response from wrong author",
			zap.String("session", sess.SessionID),
			zap.String("author", ev.PubKey),
		)
		return nil
	}
	if sess.Status.Terminal() {
		return o.replay(sess)
	}

	handler, ok := o.handlers[intentTypeOf(sess.Type)]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrUnsupportedIntent, sess.SessionID)
	}

	if resp.Signature == "" {
		return o.fail(handler, sess, protocol.CodeSignatureMissing, "response carries no signature")
	}

	if _, err := o.challenges.Verify(resp.ChallengeID, resp.PayloadRef, resp.Signature); err != nil {
		switch {
		case errors.Is(err, challenge.ErrUsed):
			// Duplicate response: the first one won, drop this one.
			return nil
		case errors.Is(err, challenge.ErrExpired):
			return o.fail(handler, sess, protocol.CodeExpired, "challenge expired before the response arrived")
		case errors.Is(err, challenge.ErrBadSignature):
			o.cfg.Observer.SignatureRejected()
			return o.fail(handler, sess, protocol.CodeSignatureInvalid, "signature does not verify")
		case errors.Is(err, challenge.ErrRefMismatch):
			return o.fail(handler, sess, protocol.CodeValidationFailed, "response references a different payload")
		case errors.Is(err, database.ErrNotFound):
			o.cfg.Log.Debug("response for unknown challenge",
				zap.String("challenge", resp.ChallengeID),
			)
			return nil
		default:
			return err
		}
	}

	o.cfg.Observer.SignatureVerified()

	sess, err = o.markStep(sess.SessionID, StepSigned, map[string]string{
		"signature": resp.Signature,
	})
	if err != nil {
		return err
	}
	return o.execute(ctx, handler, sess, resp.Signature)
}

// execute runs steps 5 and 6 and, for final ceremonies, confirms.
func (o *Orchestrator) execute(ctx context.Context, handler Handler, sess *state.SigningSession, sigHex string) error {
	if sess.CancelRequested {
		return o.fail(handler, sess, protocol.CodeCancelled, "cancelled by user")
	}

	results, final, err := handler.Execute(ctx, o, sess, sigHex)
	if err != nil {
		return o.fail(handler, sess, codeFor(err), err.Error())
	}
	if !final {
		return nil
	}

	sess, err = o.state.GetSession(sess.SessionID)
	if err != nil {
		return err
	}
	o.cfg.Observer.SessionCompleted()
	o.publishConfirmation(sess, results)
	return nil
}

// Cancel requests cooperative cancellation. Sessions that already
// finalized a transaction are past the point of no return.
func (o *Orchestrator) Cancel(sessionID string) error {
	sess, err := o.state.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() || sess.LastCompletedStep >= StepFinalized {
		return ErrTooLateToCancel
	}

	if _, err := o.sessions.Update(sessionID, func(s *state.SigningSession) {
		s.CancelRequested = true
	}); err != nil {
		return err
	}

	handler, ok := o.handlers[intentTypeOf(sess.Type)]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrUnsupportedIntent, sessionID)
	}
	return o.fail(handler, sess, protocol.CodeCancelled, "cancelled by user")
}

// Resume re-drives every non-terminal session after a restart.
func (o *Orchestrator) Resume(ctx context.Context) error {
	for _, sess := range o.state.ActiveSessions() {
		handler, ok := o.handlers[intentTypeOf(sess.Type)]
		if !ok {
			continue
		}
		switch {
		case sess.LastCompletedStep < StepChallenged:
			if err := o.advance(ctx, handler, sess); err != nil {
				o.cfg.Log.Error("session resume failed",
					zap.String("session", sess.SessionID),
					zap.Error(err),
				)
			}
		case sess.LastCompletedStep >= StepSigned:
			if err := o.execute(ctx, handler, sess, sess.ResultData["signature"]); err != nil {
				o.cfg.Log.Error("session resume failed",
					zap.String("session", sess.SessionID),
					zap.Error(err),
				)
			}
		default:
			// Challenged: the wallet still owes a response; the session
			// sweeper will expire it if none comes.
		}
	}
	return nil
}

// OnLiftSettled is the lightning manager's settlement callback.
func (o *Orchestrator) OnLiftSettled(sess *state.SigningSession, inv *state.LightningInvoice) error {
	o.cfg.Observer.LiftSettled()
	o.cfg.Observer.SessionCompleted()
	results := map[string]string{
		"payment_hash": inv.PaymentHash,
		"amount":       fmt.Sprintf("%d", inv.AmountSats),
	}
	o.publishConfirmation(sess, results)
	return nil
}

// OnSessionExpired releases whatever the expired ceremony staged in its
// prepare step: balance reservations and assigned inventory outputs.
// The session sweeper calls it for each session it expires.
func (o *Orchestrator) OnSessionExpired(sess *state.SigningSession) error {
	o.cfg.Observer.SessionExpired()
	handler, ok := o.handlers[intentTypeOf(sess.Type)]
	if !ok {
		return nil
	}
	return handler.Rollback(o, sess)
}

// NotifyFailure re-delivers an owed failure notice; the session sweeper
// uses it.
func (o *Orchestrator) NotifyFailure(sess *state.SigningSession) error {
	return o.sendFailure(sess.UserPubKey, sess.ActionID, sess.FailureCode, sess.ErrorMessage)
}

// markStep persists step completion and merges result artifacts.
func (o *Orchestrator) markStep(sessionID string, step int, artifacts map[string]string) (*state.SigningSession, error) {
	return o.sessions.Update(sessionID, func(s *state.SigningSession) {
		if s.LastCompletedStep < step {
			s.LastCompletedStep = step
		}
		if len(artifacts) > 0 && s.ResultData == nil {
			s.ResultData = map[string]string{}
		}
		for k, v := range artifacts {
			s.ResultData[k] = v
		}
	})
}

// fail terminates the ceremony: rollback staging, record the code, and
// notify the wallet.
func (o *Orchestrator) fail(handler Handler, sess *state.SigningSession, code protocol.Code, message string) error {
	if err := handler.Rollback(o, sess); err != nil {
		o.cfg.Log.Error("ceremony rollback failed",
			zap.String("session", sess.SessionID),
			zap.Error(err),
		)
	}
	if err := o.sessions.Fail(sess.SessionID, code, message); err != nil {
		return err
	}
	o.cfg.Observer.SessionFailed()
	o.notifySessionFailure(sess.SessionID, sess.UserPubKey, sess.ActionID, code, message)
	return nil
}

func (o *Orchestrator) notifySessionFailure(sessionID, userPubKey, actionID string, code protocol.Code, message string) {
	if err := o.sendFailure(userPubKey, actionID, code, message); err != nil {
		// The sweeper retries owed notices.
		o.cfg.Log.Warn("failure notice not delivered",
			zap.String("session", sessionID),
			zap.Error(err),
		)
		return
	}
	if err := o.sessions.MarkNotified(sessionID); err != nil {
		o.cfg.Log.Error("marking notice delivered failed",
			zap.String("session", sessionID),
			zap.Error(err),
		)
	}
}

// notifyFailure is for failures with no session to account against.
func (o *Orchestrator) notifyFailure(userPubKey, actionID string, code protocol.Code, message string) {
	if err := o.sendFailure(userPubKey, actionID, code, message); err != nil {
		o.cfg.Log.Warn("failure notice not delivered",
			zap.String("user", userPubKey),
			zap.String("action", actionID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) sendFailure(userPubKey, actionID string, code protocol.Code, message string) error {
	_, err := o.publisher.PublishEncrypted(protocol.KindFailure, userPubKey, &protocol.Failure{
		Status:      "failure",
		Code:        code,
		Message:     message,
		RefActionID: actionID,
	}, [][]string{
		{"e", actionID},
	})
	return err
}

// publishConfirmation announces success publicly and keeps retrying in
// the background until the session's deadline plus a grace window.
func (o *Orchestrator) publishConfirmation(sess *state.SigningSession, results map[string]string) {
	if results == nil {
		results = map[string]string{}
	}
	content, err := json.Marshal(&protocol.Confirmation{
		Status:      "success",
		RefActionID: sess.ActionID,
		Results:     results,
	})
	if err != nil {
		o.cfg.Log.Error("encoding confirmation failed",
			zap.String("session", sess.SessionID),
			zap.Error(err),
		)
		return
	}
	ev := &protocol.Event{
		CreatedAt: o.cfg.Clock.Time().Unix(),
		Kind:      protocol.KindConfirmation,
		Tags: [][]string{
			{"p", sess.UserPubKey},
			{"e", sess.ActionID},
		},
		Content: string(content),
	}
	if err := o.publisher.Publish(ev); err == nil {
		return
	}

	deadline := time.Unix(sess.ExpiresAt, 0).Add(confirmGrace)
	o.cfg.Log.Warn("confirmation publish failed, retrying",
		zap.String("session", sess.SessionID),
	)
	go func() {
		ticker := time.NewTicker(confirmRetryInterval)
		defer ticker.Stop()
		for range ticker.C {
			if o.cfg.Clock.Time().After(deadline) {
				o.cfg.Log.Error("confirmation abandoned after grace window",
					zap.String("session", sess.SessionID),
				)
				return
			}
			if err := o.publisher.Publish(ev); err == nil {
				return
			}
		}
	}()
}

// codeFor maps layer errors to user-visible failure codes.
func codeFor(err error) protocol.Code {
	switch {
	case errors.Is(err, daemons.ErrUnavailable),
		errors.Is(err, daemons.ErrTimeout),
		errors.Is(err, daemons.ErrBreakerOpen):
		return protocol.CodeBackendUnavailable
	case errors.Is(err, daemons.ErrConflict),
		errors.Is(err, state.ErrInvalidTransition):
		// A transition rejection inside the commit means another write
		// got there first, an internal double-spend.
		return protocol.CodeConflict
	case errors.Is(err, assets.ErrInsufficientBalance),
		errors.Is(err, vtxo.ErrInsufficientInventory):
		return protocol.CodeInsufficientBalance
	case errors.Is(err, txs.ErrFeeInvalid),
		errors.Is(err, lightning.ErrFeeMismatch):
		return protocol.CodeFeeInvalid
	case errors.Is(err, errBadRecipient):
		return protocol.CodeInvalidRecipient
	default:
		return protocol.CodeValidationFailed
	}
}

func intentTypeOf(t state.SessionType) string {
	switch t {
	case state.SessionP2PTransfer:
		return protocol.IntentP2PTransfer
	case state.SessionLightningLift:
		return protocol.IntentLightningLift
	case state.SessionLightningLand:
		return protocol.IntentLightningLand
	default:
		return string(t)
	}
}

func bestEffortActionID(ev *protocol.Event) string {
	var partial struct {
		ActionID string `json:"action_id"`
	}
	_ = json.Unmarshal([]byte(ev.Content), &partial)
	return partial.ActionID
}
