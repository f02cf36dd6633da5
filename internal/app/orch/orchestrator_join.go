package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/groupcall/internal/conference"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
	"github.com/dkeye/groupcall/internal/media"
	"github.com/dkeye/groupcall/internal/speaking"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type JoinOptions struct {
	Muted bool
	// Confirmed means the user already agreed to hang up the current call.
	Confirmed   bool
	InputDevice string
}

// StartCall creates a voice chat in chatID and joins it.
func (o *Orchestrator) StartCall(ctx context.Context, chatID domain.ChatID, opts JoinOptions) (domain.CallID, error) {
	if err := o.ensureFree(ctx, "", opts.Confirmed); err != nil {
		return "", err
	}
	callID, err := o.coord.CreateVoiceChat(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("create voice chat: %w", err)
	}
	log.Info().Str("module", "orch").Str("chat", string(chatID)).Str("call", string(callID)).Msg("voice chat created")
	opts.Confirmed = true
	return callID, o.Join(ctx, callID, opts)
}

// Join captures local audio and joins callID. A call in progress is hung
// up first, but only if the user confirms it.
func (o *Orchestrator) Join(ctx context.Context, callID domain.CallID, opts JoinOptions) error {
	o.mu.Lock()
	cur := o.session
	o.mu.Unlock()
	if cur != nil && cur.callID == callID {
		log.Debug().Str("module", "orch").Str("call", string(callID)).Msg("already in this call")
		return nil
	}
	if err := o.ensureFree(ctx, callID, opts.Confirmed); err != nil {
		return err
	}

	captured, err := o.capture.Capture(ctx, opts.InputDevice)
	if err != nil {
		if !errors.Is(err, core.ErrMediaAcquisition) {
			err = fmt.Errorf("%w: %w", core.ErrMediaAcquisition, err)
		}
		log.Warn().Str("module", "orch").Str("call", string(callID)).Err(err).Msg("capture failed")
		return err
	}

	streams := media.NewStreamManager()
	for _, t := range captured.Tracks() {
		streams.AddTrack(t, media.RoleInput)
	}
	if audio, ok := streams.InputAudio(); ok {
		audio.SetEnabled(!opts.Muted)
	}

	o.mu.Lock()
	if o.session != nil {
		o.mu.Unlock()
		streams.Close()
		return ErrCallInProgress
	}
	sess := o.newSession(callID, streams, opts)
	o.session = sess
	o.mu.Unlock()

	log.Info().Str("module", "orch").Str("session", sess.id).Str("call", string(callID)).Bool("muted", opts.Muted).Msg("joining")
	o.startSpeaking(sess)
	if o.sink != nil {
		o.sink.Attach(streams.Output())
	}
	return o.connect(ctx, sess)
}

// ensureFree hangs up the current session if there is one and the user
// approves it.
func (o *Orchestrator) ensureFree(ctx context.Context, next domain.CallID, confirmed bool) error {
	o.mu.Lock()
	cur := o.session
	o.mu.Unlock()
	if cur == nil {
		return nil
	}
	if !confirmed && (o.confirm == nil || !o.confirm.ConfirmHangUp(ctx, cur.callID, next)) {
		return ErrCallInProgress
	}
	if err := o.hangUpSession(ctx, cur, HangUpOptions{}); err != nil && !errors.Is(err, ErrNoActiveCall) {
		log.Warn().Str("module", "orch").Str("call", string(cur.callID)).Err(err).Msg("hang up before join")
	}
	return nil
}

// newSession builds a Session in Joining. Callers hold o.mu.
func (o *Orchestrator) newSession(callID domain.CallID, streams *media.StreamManager, opts JoinOptions) *Session {
	sess := &Session{
		id:          uuid.NewString(),
		callID:      callID,
		state:       StateJoining,
		streams:     streams,
		muted:       opts.Muted,
		inputDevice: opts.InputDevice,
		speaking:    make(map[string]bool),
		meter:       speaking.NewMeter(),
		connState:   make(map[string]core.ConnState),
		joinedCue:   make(map[string]bool),
		ringback:    make(map[string]*ringback),
	}
	sess.builder = o.nextBuilder()
	sess.detector = speaking.NewDetector(o.clock, o.cfg.Speaking, func(src domain.Source, v bool) {
		o.post(event{kind: evSpeaking, session: sess, source: src, speaking: v})
	})
	return sess
}

// nextBuilder returns a builder with a fresh origin session id. Callers hold o.mu.
func (o *Orchestrator) nextBuilder() DescriptionBuilder {
	o.nextSDP++
	return o.newBuilder(uint64(o.clock.Now().Unix()) + o.nextSDP)
}

// connect takes sess from Joining or Rejoining to Active on a new transport.
func (o *Orchestrator) connect(ctx context.Context, sess *Session) error {
	o.mu.Lock()
	attempt := sess.attempt
	o.mu.Unlock()

	tr, err := o.transports.NewTransport(&transportHandler{o: o, sess: sess})
	if err != nil {
		return o.failJoin(ctx, sess, nil, fmt.Errorf("create transport: %w", err))
	}

	o.mu.Lock()
	if !o.current(sess) || sess.attempt != attempt || sess.transport != nil {
		o.mu.Unlock()
		_ = tr.Close()
		log.Debug().Str("module", "orch").Err(errStaleSession).Msg("join superseded before negotiation")
		return nil
	}
	sess.transport = tr
	sess.state = StateNegotiating
	muted := sess.muted
	o.mu.Unlock()

	for _, t := range sess.streams.Input().Tracks() {
		if err := tr.AddTrack(t); err != nil {
			return o.failJoin(ctx, sess, tr, fmt.Errorf("add track: %w", err))
		}
	}

	creds, err := deriveCredentials(ctx, tr)
	if err != nil {
		return o.failJoin(ctx, sess, tr, err)
	}

	o.mu.Lock()
	if !o.owns(sess, tr) {
		o.mu.Unlock()
		o.releaseStale(sess, tr)
		return nil
	}
	sess.selfSource = creds.Source
	o.mu.Unlock()

	params, err := o.coord.JoinGroupCall(ctx, sess.callID, &creds.Payload, domain.ToServerSource(creds.Source), muted)

	// Anything may have happened while the request was in flight.
	o.mu.Lock()
	owned := o.owns(sess, tr)
	o.mu.Unlock()
	if !owned {
		o.releaseStale(sess, tr)
		log.Debug().Str("module", "orch").Str("session", sess.id).Str("transport", tr.ID()).Err(errStaleSession).Msg("join response dropped")
		return nil
	}
	if st := tr.ConnectionState(); st != core.ConnStateNew {
		o.abortJoin(sess, tr)
		log.Debug().Str("module", "orch").Str("session", sess.id).Str("transport", tr.ID()).Str("conn_state", string(st)).Err(errStaleSession).Msg("join aborted")
		return nil
	}
	if err != nil {
		return o.failJoin(ctx, sess, tr, fmt.Errorf("join group call: %w", err))
	}
	if params == nil {
		return o.failJoin(ctx, sess, tr, fmt.Errorf("join group call: %w", conference.ErrNoTransport))
	}

	o.mu.Lock()
	sess.params = *params
	builder := sess.builder
	self := o.selfEntry(sess)
	o.mu.Unlock()

	builder.UpdateFromServer(*params, []conference.Entry{self})
	answer, err := builder.GenerateSDP(true)
	if err != nil {
		return o.failJoin(ctx, sess, tr, fmt.Errorf("initial answer: %w", err))
	}
	if err := tr.SetRemoteDescription(ctx, core.SDPTypeAnswer, answer); err != nil {
		if o.stillOwns(sess, tr) {
			return o.failJoin(ctx, sess, tr, fmt.Errorf("apply initial answer: %w", err))
		}
		o.releaseStale(sess, tr)
		return nil
	}

	o.mu.Lock()
	if !o.owns(sess, tr) {
		o.mu.Unlock()
		o.releaseStale(sess, tr)
		return nil
	}
	sess.state = StateActive
	sess.canRenegotiate = true
	call := o.calls[sess.callID]
	call.ID = sess.callID
	call.IsJoined = true
	call.NeedRejoin = false
	o.calls[sess.callID] = call
	rejoin := sess.rejoin
	o.mu.Unlock()

	log.Info().
		Str("module", "orch").
		Str("session", sess.id).
		Str("call", string(sess.callID)).
		Str("transport", tr.ID()).
		Uint32("source", uint32(creds.Source)).
		Bool("rejoin", rejoin).
		Msg("joined")

	o.renegotiateNow(ctx, sess)
	return nil
}

// deriveCredentials runs the offer cycle twice and applies only the last
// offer, whose credentials and source are canonical. A transport in
// have-local-offer refuses a second local offer.
func deriveCredentials(ctx context.Context, tr core.Transport) (conference.Credentials, error) {
	var (
		creds conference.Credentials
		offer string
	)
	for i := 0; i < offerCycles; i++ {
		next, err := tr.CreateOffer(ctx)
		if err != nil {
			return creds, fmt.Errorf("create offer: %w", err)
		}
		c, err := conference.ParseOffer(next)
		if err != nil {
			return creds, fmt.Errorf("parse local offer: %w", err)
		}
		if i > 0 && c.Source != creds.Source {
			log.Debug().Str("module", "orch").Uint32("from", uint32(creds.Source)).Uint32("to", uint32(c.Source)).Msg("self source changed between offers")
		}
		creds, offer = c, next
	}
	if err := tr.SetLocalDescription(ctx, core.SDPTypeOffer, offer); err != nil {
		return creds, fmt.Errorf("set local offer: %w", err)
	}
	return creds, nil
}

// selfEntry is the local user's entry in the description. Callers hold o.mu.
func (o *Orchestrator) selfEntry(sess *Session) conference.Entry {
	e := conference.Entry{Source: sess.selfSource, UserID: o.cfg.SelfUserID, IsSelf: true}
	if o.cfg.SelfUserID != "" {
		if p, ok := o.registry.Get(sess.callID, o.cfg.SelfUserID); ok {
			e.DisplayName = p.DisplayName
		}
	}
	return e
}

// entries lists self first, then every active participant in registry
// order. Callers hold o.mu.
func (o *Orchestrator) entries(sess *Session) []conference.Entry {
	out := []conference.Entry{o.selfEntry(sess)}
	for _, p := range o.registry.Active(sess.callID) {
		if o.isSelf(sess, p) {
			continue
		}
		out = append(out, conference.Entry{
			Source:      domain.FromServerSource(p.Source),
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
		})
	}
	return out
}

func (o *Orchestrator) isSelf(sess *Session, p domain.Participant) bool {
	if o.cfg.SelfUserID != "" && p.UserID == o.cfg.SelfUserID {
		return true
	}
	return sess.selfSource != 0 && domain.FromServerSource(p.Source) == sess.selfSource
}

func (o *Orchestrator) stillOwns(sess *Session, tr core.Transport) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.owns(sess, tr)
}

// failJoin tears the session down after a join step failed. Nothing is
// sent to the server: the join never completed.
func (o *Orchestrator) failJoin(ctx context.Context, sess *Session, tr core.Transport, err error) error {
	log.Error().Str("module", "orch").Str("session", sess.id).Str("call", string(sess.callID)).Err(err).Msg("join failed")
	o.mu.Lock()
	if !o.current(sess) || (tr != nil && sess.transport != tr) {
		o.mu.Unlock()
		if tr != nil {
			o.releaseStale(sess, tr)
		}
		return err
	}
	o.detachLocked(sess)
	o.mu.Unlock()
	o.release(sess)
	return err
}

// abortJoin drops a join that completed on a transport which already left
// the "new" state. The session still owns tr, so it is torn down like a
// failed join, without an error.
func (o *Orchestrator) abortJoin(sess *Session, tr core.Transport) {
	o.mu.Lock()
	if !o.owns(sess, tr) {
		o.mu.Unlock()
		o.releaseStale(sess, tr)
		return
	}
	o.detachLocked(sess)
	o.mu.Unlock()
	o.release(sess)
}

// releaseStale frees what a superseded join allocated. The transport is
// closed unless it became the session's own; the streams only if the
// session itself is gone.
func (o *Orchestrator) releaseStale(sess *Session, tr core.Transport) {
	o.mu.Lock()
	owned := o.owns(sess, tr)
	gone := !o.current(sess)
	o.mu.Unlock()
	if !owned {
		_ = tr.Close()
	}
	if gone && !sess.streams.Closed() {
		sess.streams.Close()
	}
}
