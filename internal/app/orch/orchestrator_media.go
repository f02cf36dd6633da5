package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
	"github.com/dkeye/groupcall/internal/media"
	"github.com/dkeye/groupcall/internal/speaking"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) handleTransport(ctx context.Context, sess *Session, ev core.TransportEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.current(sess) || sess.transport == nil || sess.transport.ID() != ev.TransportID {
		if ev.Kind == core.TransportRemoteTrack && ev.Track != nil {
			ev.Track.Stop()
		}
		log.Debug().Str("module", "orch").Str("transport", ev.TransportID).Msg("event of replaced transport ignored")
		return
	}

	switch ev.Kind {
	case core.TransportStateChanged:
		o.onConnState(ctx, sess, ev.TransportID, ev.State)
	case core.TransportNegotiationNeeded:
		o.onNegotiationNeeded(ctx, sess)
	case core.TransportRemoteTrack:
		if ev.Track != nil {
			sess.streams.AddTrack(ev.Track, media.RoleOutput)
			log.Info().Str("module", "orch").Str("track", ev.Track.ID()).Uint32("source", uint32(ev.Source)).Msg("remote track")
		}
	case core.TransportICECandidate:
		log.Debug().Str("module", "orch").Str("candidate", ev.Candidate).Msg("local candidate")
	}
}

// onConnState reacts to connectivity of the current transport id.
// Callers hold o.mu.
func (o *Orchestrator) onConnState(ctx context.Context, sess *Session, id string, state core.ConnState) {
	prev := sess.connState[id]
	sess.connState[id] = state
	log.Info().Str("module", "orch").Str("transport", id).Str("from", string(prev)).Str("to", string(state)).Msg("connection state")

	if state != core.ConnStateChecking {
		o.stopRingback(sess, id)
	}

	switch state {
	case core.ConnStateFailed, core.ConnStateClosed:
		go func() {
			if err := o.hangUpSession(ctx, sess, HangUpOptions{}); err != nil && !errors.Is(err, ErrNoActiveCall) {
				log.Warn().Str("module", "orch").Str("session", sess.id).Err(err).Msg("hang up after transport failure")
			}
		}()
	case core.ConnStateConnected, core.ConnStateCompleted:
		if !sess.joinedCue[id] {
			sess.joinedCue[id] = true
			if o.cues != nil {
				o.cues.Play(core.CueJoined, false)
			}
		}
	case core.ConnStateChecking:
		if sess.rejoin || sess.joinedCue[id] || sess.ringback[id] != nil {
			return
		}
		sess.ringback[id] = &ringback{
			timer: o.clock.AfterFunc(o.cfg.RingbackDelay, func() {
				o.post(event{kind: evRingback, session: sess, transportID: id})
			}),
		}
	}
}

func (o *Orchestrator) onRingbackTimer(sess *Session, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.current(sess) || sess.transportID() != id || sess.connState[id] != core.ConnStateChecking {
		return
	}
	rb := sess.ringback[id]
	if rb == nil || rb.stop != nil {
		return
	}
	log.Info().Str("module", "orch").Str("transport", id).Msg("still connecting")
	if o.cues != nil {
		rb.stop = o.cues.Play(core.CueConnecting, true)
	}
}

// stopRingback cancels the pending or playing ringback of id. Callers hold o.mu.
func (o *Orchestrator) stopRingback(sess *Session, id string) {
	rb := sess.ringback[id]
	if rb == nil {
		return
	}
	rb.timer.Stop()
	if rb.stop != nil {
		rb.stop()
	}
	delete(sess.ringback, id)
}

func (o *Orchestrator) startSpeaking(sess *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	sess.stopMeter = cancel
	o.mu.Unlock()
	go sess.meter.Run(ctx, o.clock, o.cfg.AnalysisInterval, sess.detector)
}

// ObserveLocalLevel feeds the amplitude of the local microphone into the
// speaking classifier.
func (o *Orchestrator) ObserveLocalLevel(amplitude float64) {
	o.mu.Lock()
	sess := o.session
	var src domain.Source
	if sess != nil {
		src = sess.selfSource
	}
	o.mu.Unlock()
	if sess != nil {
		sess.meter.Observe(src, amplitude)
	}
}

func (o *Orchestrator) onSpeaking(ctx context.Context, sess *Session, src domain.Source, v bool) {
	o.mu.Lock()
	if !o.current(sess) {
		o.mu.Unlock()
		return
	}
	key := speaking.Key(src, sess.selfSource)
	if prev, ok := sess.speaking[key]; ok && prev == v || !ok && !v {
		o.mu.Unlock()
		return
	}
	sess.speaking[key] = v
	report := speaking.ReportSource(src, sess.selfSource)
	callID := sess.callID
	o.mu.Unlock()

	go func() {
		if err := o.coord.SetGroupCallParticipantIsSpeaking(ctx, callID, report, v); err != nil {
			log.Warn().Str("module", "orch").Str("key", key).Err(err).Msg("report speaking")
		}
	}()
}

// ToggleMute enables or disables the local audio track and tells the
// server. RPC errors are returned but the local state stays changed.
func (o *Orchestrator) ToggleMute(ctx context.Context, muted bool) error {
	o.mu.Lock()
	sess := o.session
	if sess == nil {
		o.mu.Unlock()
		return ErrNoActiveCall
	}
	if o.cfg.SelfUserID == "" {
		o.mu.Unlock()
		log.Warn().Str("module", "orch").Str("call", string(sess.callID)).Bool("muted", muted).Msg("mute refused: self_user_id not set")
		return ErrSelfUnknown
	}
	if !muted {
		if p, ok := o.registry.Get(sess.callID, o.cfg.SelfUserID); ok && p.IsMutedForAllUsers && !p.CanUnmuteSelf {
			o.mu.Unlock()
			return ErrMutedByAdmin
		}
	}
	if track, ok := sess.streams.InputAudio(); ok {
		track.SetEnabled(!muted)
	}
	sess.muted = muted
	callID := sess.callID
	o.mu.Unlock()

	log.Info().Str("module", "orch").Str("call", string(callID)).Bool("muted", muted).Msg("mute toggled")
	if err := o.coord.ToggleGroupCallParticipantIsMuted(ctx, callID, o.cfg.SelfUserID, muted); err != nil {
		log.Warn().Str("module", "orch").Str("call", string(callID)).Err(err).Msg("toggle mute")
		return fmt.Errorf("toggle mute: %w", err)
	}
	return nil
}

// applyServerMute disables the local track when the server muted us.
// Unmuting is left to the user. Callers hold o.mu.
func (o *Orchestrator) applyServerMute(sess *Session, p domain.Participant) {
	if !p.Muted() {
		return
	}
	track, ok := sess.streams.InputAudio()
	if !ok || !track.Enabled() && sess.muted {
		return
	}
	track.SetEnabled(false)
	sess.muted = true
	log.Info().
		Str("module", "orch").
		Str("call", string(sess.callID)).
		Bool("for_all", p.IsMutedForAllUsers).
		Bool("for_self", p.IsMutedForCurrentUser).
		Msg("muted by server")
}

// SetInputDevice captures deviceID and swaps it in for the current input
// audio without renegotiating.
func (o *Orchestrator) SetInputDevice(ctx context.Context, deviceID string) error {
	o.mu.Lock()
	sess := o.session
	o.mu.Unlock()
	if sess == nil {
		return ErrNoActiveCall
	}

	captured, err := o.capture.Capture(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, core.ErrMediaAcquisition) {
			err = fmt.Errorf("%w: %w", core.ErrMediaAcquisition, err)
		}
		return err
	}

	o.mu.Lock()
	if !o.current(sess) {
		o.mu.Unlock()
		for _, t := range captured.Tracks() {
			t.Stop()
		}
		return ErrNoActiveCall
	}
	old, _ := sess.streams.InputAudio()
	next, ok := sess.streams.ReplaceInputAudio(captured, old)
	if ok {
		sess.inputDevice = deviceID
	}
	tr := sess.transport
	o.mu.Unlock()

	for _, t := range captured.Tracks() {
		t.Stop()
	}
	if !ok {
		return fmt.Errorf("%w: no audio on %q", core.ErrMediaAcquisition, deviceID)
	}
	if tr != nil {
		if err := tr.ReplaceAudioTrack(next); err != nil {
			return fmt.Errorf("replace audio track: %w", err)
		}
	}
	log.Info().Str("module", "orch").Str("device", deviceID).Msg("input device changed")
	return nil
}

// SetOutputDevice routes the remote stream to deviceID.
func (o *Orchestrator) SetOutputDevice(deviceID string) error {
	o.mu.Lock()
	sess := o.session
	if sess != nil {
		sess.outputDevice = deviceID
	}
	o.mu.Unlock()
	if sess == nil {
		return ErrNoActiveCall
	}
	if o.sink == nil {
		return nil
	}
	if err := o.sink.SetOutputDevice(deviceID); err != nil {
		return fmt.Errorf("set output device: %w", err)
	}
	return nil
}
