package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/groupcall/internal/app"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
	"github.com/dkeye/groupcall/internal/media"
	"github.com/dkeye/groupcall/internal/speaking"
	"github.com/rs/zerolog/log"
)

type HangUpOptions struct {
	// Discard ends the call for everyone when the user may manage it.
	Discard bool
}

// HangUp leaves the current call.
func (o *Orchestrator) HangUp(ctx context.Context, opts HangUpOptions) error {
	o.mu.Lock()
	sess := o.session
	o.mu.Unlock()
	if sess == nil {
		return ErrNoActiveCall
	}
	return o.hangUpSession(ctx, sess, opts)
}

func (o *Orchestrator) hangUpSession(ctx context.Context, sess *Session, opts HangUpOptions) error {
	o.mu.Lock()
	if !o.current(sess) {
		o.mu.Unlock()
		return ErrNoActiveCall
	}
	o.detachLocked(sess)
	call, known := o.calls[sess.callID]
	if known {
		c := call
		c.IsJoined = false
		o.calls[sess.callID] = c
	}
	o.mu.Unlock()

	o.release(sess)

	var (
		err error
		rpc string
	)
	switch {
	case opts.Discard && call.CanBeManaged:
		rpc = "discard"
		err = o.coord.DiscardGroupCall(ctx, sess.callID)
	case call.IsJoined:
		rpc = "leave"
		err = o.coord.LeaveGroupCall(ctx, sess.callID)
	default:
		rpc = "abandon"
		_, err = o.coord.JoinGroupCall(ctx, sess.callID, nil, 0, false)
	}

	if o.cues != nil {
		o.cues.Play(core.CueLeft, false)
	}
	log.Info().Str("module", "orch").Str("session", sess.id).Str("call", string(sess.callID)).Str("rpc", rpc).Msg("hung up")
	if err != nil {
		return fmt.Errorf("%s group call: %w", rpc, err)
	}
	return nil
}

// detachLocked makes sess no longer current and cancels its timers.
// Callers hold o.mu.
func (o *Orchestrator) detachLocked(sess *Session) {
	o.session = nil
	sess.state = StateLeaving
	sess.canRenegotiate = false
	if sess.renegotiateTimer != nil {
		sess.renegotiateTimer.Stop()
		sess.renegotiateTimer = nil
	}
	for id := range sess.ringback {
		o.stopRingback(sess, id)
	}
	if sess.stopMeter != nil {
		sess.stopMeter()
	}
	sess.detector.Stop()
}

// release frees the transport and media of a detached session.
func (o *Orchestrator) release(sess *Session) {
	o.mu.Lock()
	tr := sess.transport
	sess.transport = nil
	sess.state = StateIdle
	o.mu.Unlock()

	if tr != nil {
		if err := tr.Close(); err != nil {
			log.Warn().Str("module", "orch").Str("transport", tr.ID()).Err(err).Msg("close transport")
		}
	}
	if o.sink != nil {
		o.sink.Detach(sess.streams.Output())
	}
	sess.streams.Close()
}

// endLocally drops sess without telling the server. Used when the server
// reports the call as ended.
func (o *Orchestrator) endLocally(sess *Session) {
	o.mu.Lock()
	if !o.current(sess) {
		o.mu.Unlock()
		return
	}
	o.detachLocked(sess)
	o.mu.Unlock()
	o.release(sess)
	log.Info().Str("module", "orch").Str("session", sess.id).Str("call", string(sess.callID)).Msg("call ended by server")
}

// Rejoin reconnects the current call on a fresh transport, keeping the
// local media.
func (o *Orchestrator) Rejoin(ctx context.Context) error {
	o.mu.Lock()
	sess := o.session
	o.mu.Unlock()
	if sess == nil {
		return ErrNoActiveCall
	}
	return o.rejoinSession(ctx, sess)
}

func (o *Orchestrator) rejoinSession(ctx context.Context, sess *Session) error {
	o.mu.Lock()
	if !o.current(sess) {
		o.mu.Unlock()
		return ErrNoActiveCall
	}
	old := sess.transport
	for id := range sess.ringback {
		o.stopRingback(sess, id)
	}
	if sess.renegotiateTimer != nil {
		sess.renegotiateTimer.Stop()
		sess.renegotiateTimer = nil
	}
	sess.transport = nil
	sess.attempt++
	sess.rejoin = true
	sess.renegotiating = false
	sess.canRenegotiate = false
	sess.builder = o.nextBuilder()
	sess.state = StateRejoining
	o.mu.Unlock()

	log.Info().Str("module", "orch").Str("session", sess.id).Str("call", string(sess.callID)).Msg("rejoining")
	if old != nil {
		_ = old.Close()
	}
	for _, t := range sess.streams.Output().Tracks() {
		sess.streams.RemoveTrack(t, media.RoleOutput)
	}
	return o.connect(ctx, sess)
}

func (o *Orchestrator) handleUpdate(ctx context.Context, u core.Update) {
	switch u.Kind {
	case core.UpdateGroupCall:
		if u.Call != nil {
			o.onCallUpdate(ctx, *u.Call)
		}
	case core.UpdateGroupCallParticipant:
		if u.Participant != nil {
			o.onParticipantUpdate(u.CallID, *u.Participant)
		}
	}
}

func (o *Orchestrator) onCallUpdate(ctx context.Context, call domain.GroupCall) {
	o.mu.Lock()
	o.calls[call.ID] = call
	sess := o.session
	if sess == nil || sess.callID != call.ID {
		o.mu.Unlock()
		if !call.IsActive {
			o.registry.Forget(call.ID)
		}
		return
	}
	state := sess.state
	o.mu.Unlock()

	switch {
	case !call.IsActive:
		o.endLocally(sess)
		o.registry.Forget(call.ID)
	case call.NeedRejoin && (state == StateActive || state == StateRenegotiating):
		go func() {
			if err := o.rejoinSession(ctx, sess); err != nil {
				log.Warn().Str("module", "orch").Str("call", string(call.ID)).Err(err).Msg("rejoin")
			}
		}()
	}
}

func (o *Orchestrator) onParticipantUpdate(callID domain.CallID, p domain.Participant) {
	change := o.registry.Upsert(callID, p)

	o.mu.Lock()
	defer o.mu.Unlock()
	sess := o.session
	if sess == nil || sess.callID != callID {
		return
	}
	if o.isSelf(sess, p) {
		o.applyServerMute(sess, p)
		return
	}
	if change == app.ChangeBecameInactive {
		src := domain.FromServerSource(p.Source)
		sess.meter.Forget(src)
		sess.detector.Forget(src)
		delete(sess.speaking, speaking.Key(src, sess.selfSource))
	}
	if changesRoster(change, p) && sess.canRenegotiate {
		o.scheduleRenegotiation(sess)
	}
}

func changesRoster(c app.Change, p domain.Participant) bool {
	switch c {
	case app.ChangeBecameActive, app.ChangeBecameInactive:
		return true
	case app.ChangeNoPriorRecord:
		return p.Active()
	}
	return false
}

// RefreshCall fetches callID from the server into the local cache.
func (o *Orchestrator) RefreshCall(ctx context.Context, callID domain.CallID) (domain.GroupCall, error) {
	call, err := o.coord.GetGroupCall(ctx, callID)
	if err != nil {
		return domain.GroupCall{}, fmt.Errorf("get group call: %w", err)
	}
	o.HandleUpdate(core.Update{Kind: core.UpdateGroupCall, Call: call})
	return *call, nil
}

func (o *Orchestrator) currentCall() (domain.CallID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return "", ErrNoActiveCall
	}
	return o.session.callID, nil
}

// LoadParticipants asks the server to push up to limit more participants.
func (o *Orchestrator) LoadParticipants(ctx context.Context, limit int) error {
	callID, err := o.currentCall()
	if err != nil {
		return err
	}
	if limit <= 0 {
		limit = o.cfg.ParticipantsLimit
	}
	if err := o.coord.LoadGroupCallParticipants(ctx, callID, limit); err != nil {
		return fmt.Errorf("load participants: %w", err)
	}
	return nil
}

func (o *Orchestrator) ToggleMuteNewParticipants(ctx context.Context, mute bool) error {
	callID, err := o.currentCall()
	if err != nil {
		return err
	}
	if err := o.coord.ToggleGroupCallMuteNewParticipants(ctx, callID, mute); err != nil {
		return fmt.Errorf("toggle mute new participants: %w", err)
	}
	return nil
}

func (o *Orchestrator) SetParticipantVolume(ctx context.Context, userID domain.UserID, volume int) error {
	callID, err := o.currentCall()
	if err != nil {
		return err
	}
	if err := o.coord.SetGroupCallParticipantVolumeLevel(ctx, callID, userID, volume); err != nil {
		return fmt.Errorf("set volume: %w", err)
	}
	return nil
}

// ToggleParticipantMuted mutes another participant. For the local user
// use ToggleMute.
func (o *Orchestrator) ToggleParticipantMuted(ctx context.Context, userID domain.UserID, muted bool) error {
	if userID == o.cfg.SelfUserID {
		return o.ToggleMute(ctx, muted)
	}
	callID, err := o.currentCall()
	if err != nil {
		return err
	}
	if err := o.coord.ToggleGroupCallParticipantIsMuted(ctx, callID, userID, muted); err != nil {
		return fmt.Errorf("toggle participant muted: %w", err)
	}
	return nil
}
