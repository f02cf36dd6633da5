package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/groupcall/internal/conference"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
	"github.com/rs/zerolog/log"
)

// scheduleRenegotiation arms the throttle timer unless one is pending.
// Callers hold o.mu.
func (o *Orchestrator) scheduleRenegotiation(sess *Session) {
	if sess.renegotiateTimer != nil {
		return
	}
	sess.renegotiateTimer = o.clock.AfterFunc(o.cfg.RenegotiateInterval, func() {
		o.post(event{kind: evRenegotiate, session: sess})
	})
}

func (o *Orchestrator) onRenegotiateTimer(ctx context.Context, sess *Session) {
	o.mu.Lock()
	if !o.current(sess) {
		o.mu.Unlock()
		return
	}
	sess.renegotiateTimer = nil
	tr, ok := o.acquireGuard(sess)
	o.mu.Unlock()
	if !ok {
		return
	}
	go o.renegotiate(ctx, sess, tr)
}

// renegotiateNow runs one pass synchronously if the guard is free.
func (o *Orchestrator) renegotiateNow(ctx context.Context, sess *Session) {
	o.mu.Lock()
	tr, ok := o.acquireGuard(sess)
	o.mu.Unlock()
	if ok {
		o.renegotiate(ctx, sess, tr)
	}
}

// acquireGuard takes the renegotiation guard. A pass already running
// wins and the new trigger is dropped. Callers hold o.mu.
func (o *Orchestrator) acquireGuard(sess *Session) (core.Transport, bool) {
	if !sess.canRenegotiate || sess.transport == nil {
		return nil, false
	}
	if sess.renegotiating {
		log.Debug().Str("module", "orch").Str("session", sess.id).Msg("renegotiation in progress, trigger dropped")
		return nil, false
	}
	sess.renegotiating = true
	return sess.transport, true
}

// releaseGuard clears the guard taken for tr. A rejoin may have reset it
// already for a newer transport; that guard is left alone.
func (o *Orchestrator) releaseGuard(sess *Session, tr core.Transport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sess.transport != tr {
		return
	}
	sess.renegotiating = false
	if sess.state == StateRenegotiating {
		sess.state = StateActive
	}
}

// renegotiate pushes the current roster to the transport as a remote
// offer and answers it locally. The guard must be held for tr.
func (o *Orchestrator) renegotiate(ctx context.Context, sess *Session, tr core.Transport) {
	defer o.releaseGuard(sess, tr)

	o.mu.Lock()
	if !o.owns(sess, tr) {
		o.mu.Unlock()
		return
	}
	sess.state = StateRenegotiating
	params := sess.params
	entries := o.entries(sess)
	builder := sess.builder
	o.mu.Unlock()

	if err := o.applyRoster(ctx, sess, tr, builder, params, entries); err != nil {
		log.Warn().Str("module", "orch").Str("session", sess.id).Err(fmt.Errorf("%w: %w", ErrRenegotiation, err)).Msg("renegotiation")
		return
	}
	log.Info().Str("module", "orch").Str("session", sess.id).Int("sources", len(entries)).Msg("renegotiated")
}

func (o *Orchestrator) applyRoster(ctx context.Context, sess *Session, tr core.Transport, builder DescriptionBuilder, params domain.TransportParams, entries []conference.Entry) error {
	builder.UpdateFromServer(params, entries)
	offer, err := builder.GenerateSDP(false)
	if err != nil {
		return fmt.Errorf("generate offer: %w", err)
	}
	if !o.stillOwns(sess, tr) {
		return nil
	}
	if err := tr.SetRemoteDescription(ctx, core.SDPTypeOffer, offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	if !o.stillOwns(sess, tr) {
		return nil
	}
	answer, err := tr.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := tr.SetLocalDescription(ctx, core.SDPTypeAnswer, answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return nil
}

// onNegotiationNeeded re-joins on the same transport when it asks for a
// new negotiation while the session is active. Callers hold o.mu.
func (o *Orchestrator) onNegotiationNeeded(ctx context.Context, sess *Session) {
	if sess.state != StateActive {
		log.Debug().Str("module", "orch").Str("session", sess.id).Str("state", sess.state.String()).Msg("negotiation needed ignored")
		return
	}
	tr, ok := o.acquireGuard(sess)
	if !ok {
		return
	}
	go o.renegotiateTransport(ctx, sess, tr)
}

func (o *Orchestrator) renegotiateTransport(ctx context.Context, sess *Session, tr core.Transport) {
	defer o.releaseGuard(sess, tr)
	if err := o.reissueJoin(ctx, sess, tr); err != nil {
		log.Warn().Str("module", "orch").Str("session", sess.id).Err(fmt.Errorf("%w: %w", ErrRenegotiation, err)).Msg("negotiation needed")
		return
	}
	o.mu.Lock()
	if o.owns(sess, tr) {
		o.scheduleRenegotiation(sess)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) reissueJoin(ctx context.Context, sess *Session, tr core.Transport) error {
	creds, err := deriveCredentials(ctx, tr)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if !o.owns(sess, tr) {
		o.mu.Unlock()
		return nil
	}
	sess.selfSource = creds.Source
	muted := sess.muted
	o.mu.Unlock()

	params, err := o.coord.JoinGroupCall(ctx, sess.callID, &creds.Payload, domain.ToServerSource(creds.Source), muted)
	if err != nil {
		return fmt.Errorf("join group call: %w", err)
	}
	if params == nil {
		return conference.ErrNoTransport
	}

	o.mu.Lock()
	if !o.owns(sess, tr) {
		o.mu.Unlock()
		return nil
	}
	sess.params = *params
	builder := sess.builder
	self := o.selfEntry(sess)
	o.mu.Unlock()

	builder.UpdateFromServer(*params, []conference.Entry{self})
	answer, err := builder.GenerateSDP(true)
	if err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	if err := tr.SetRemoteDescription(ctx, core.SDPTypeAnswer, answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	log.Info().Str("module", "orch").Str("session", sess.id).Uint32("source", uint32(creds.Source)).Msg("transport renegotiated")
	return nil
}
