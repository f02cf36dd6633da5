// Package orch owns the single group-call session: joining, keeping the
// remote description in sync with the roster, reacting to connectivity and
// leaving. Server pushes, transport events and timer fires are serialized
// through one event loop (Run); blocking work runs outside the lock and
// re-checks session and transport identity when it resumes.
package orch

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/groupcall/internal/app"
	"github.com/dkeye/groupcall/internal/conference"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
	"github.com/dkeye/groupcall/internal/speaking"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRenegotiateInterval = 1000 * time.Millisecond
	DefaultRingbackDelay       = 2500 * time.Millisecond
	DefaultParticipantsLimit   = 100

	offerCycles = 2
	eventBuffer = 256
)

// DescriptionBuilder renders the media server's description for one session.
type DescriptionBuilder interface {
	UpdateFromServer(params domain.TransportParams, entries []conference.Entry)
	GenerateSDP(isInitialAnswer bool) (string, error)
}

type Config struct {
	SelfUserID          domain.UserID
	RenegotiateInterval time.Duration
	RingbackDelay       time.Duration
	AnalysisInterval    time.Duration
	Speaking            speaking.Config
	ParticipantsLimit   int
}

func DefaultConfig() Config {
	return Config{
		RenegotiateInterval: DefaultRenegotiateInterval,
		RingbackDelay:       DefaultRingbackDelay,
		AnalysisInterval:    speaking.DefaultAnalysisInterval,
		Speaking:            speaking.DefaultConfig(),
		ParticipantsLimit:   DefaultParticipantsLimit,
	}
}

// Deps are the collaborators of the orchestrator. Sink, Cues and Confirm
// are optional.
type Deps struct {
	Registry    *app.Registry
	Coordinator core.Coordinator
	Transports  core.TransportFactory
	Capture     core.Capturer
	Sink        core.MediaSink
	Cues        core.CuePlayer
	Confirm     core.Confirmer
	Clock       clock.Clock
	NewBuilder  func(sessionID uint64) DescriptionBuilder
}

type Orchestrator struct {
	registry   *app.Registry
	coord      core.Coordinator
	transports core.TransportFactory
	capture    core.Capturer
	sink       core.MediaSink
	cues       core.CuePlayer
	confirm    core.Confirmer
	clock      clock.Clock
	newBuilder func(sessionID uint64) DescriptionBuilder
	cfg        Config

	mu      sync.Mutex
	session *Session
	calls   map[domain.CallID]domain.GroupCall
	nextSDP uint64

	events chan event
	done   chan struct{}
}

func New(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.RenegotiateInterval <= 0 {
		cfg.RenegotiateInterval = def.RenegotiateInterval
	}
	if cfg.RingbackDelay <= 0 {
		cfg.RingbackDelay = def.RingbackDelay
	}
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = def.AnalysisInterval
	}
	if cfg.Speaking == (speaking.Config{}) {
		cfg.Speaking = def.Speaking
	}
	if cfg.ParticipantsLimit <= 0 {
		cfg.ParticipantsLimit = def.ParticipantsLimit
	}

	o := &Orchestrator{
		registry:   deps.Registry,
		coord:      deps.Coordinator,
		transports: deps.Transports,
		capture:    deps.Capture,
		sink:       deps.Sink,
		cues:       deps.Cues,
		confirm:    deps.Confirm,
		clock:      deps.Clock,
		newBuilder: deps.NewBuilder,
		cfg:        cfg,
		calls:      make(map[domain.CallID]domain.GroupCall),
		events:     make(chan event, eventBuffer),
		done:       make(chan struct{}),
	}
	if o.registry == nil {
		o.registry = app.NewRegistry()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.newBuilder == nil {
		o.newBuilder = func(id uint64) DescriptionBuilder { return conference.NewBuilder(id) }
	}
	return o
}

// Registry returns the participant registry fed by server pushes.
func (o *Orchestrator) Registry() *app.Registry { return o.registry }

// Run consumes server pushes and internal events until ctx is done.
// It must be running for any session to make progress past joining.
func (o *Orchestrator) Run(ctx context.Context, updates <-chan core.Update) error {
	defer close(o.done)
	log.Info().Str("module", "orch").Msg("event loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "orch").Msg("event loop stopped")
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			o.handleUpdate(ctx, u)
		case ev := <-o.events:
			o.handle(ctx, ev)
		}
	}
}

// HandleUpdate queues a server push for the event loop.
func (o *Orchestrator) HandleUpdate(u core.Update) {
	o.post(event{kind: evUpdate, update: u})
}

func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evUpdate:
		o.handleUpdate(ctx, ev.update)
	case evTransport:
		o.handleTransport(ctx, ev.session, ev.transport)
	case evRenegotiate:
		o.onRenegotiateTimer(ctx, ev.session)
	case evRingback:
		o.onRingbackTimer(ev.session, ev.transportID)
	case evSpeaking:
		o.onSpeaking(ctx, ev.session, ev.source, ev.speaking)
	}
}

// Snapshot describes the current session, if any.
func (o *Orchestrator) Snapshot() (Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess := o.session
	if sess == nil {
		return Snapshot{}, false
	}
	spk := make(map[string]bool, len(sess.speaking))
	for k, v := range sess.speaking {
		spk[k] = v
	}
	return Snapshot{
		SessionID:    sess.id,
		CallID:       sess.callID,
		State:        sess.state.String(),
		TransportID:  sess.transportID(),
		SelfSource:   domain.ToServerSource(sess.selfSource),
		Muted:        sess.muted,
		InputDevice:  sess.inputDevice,
		OutputDevice: sess.outputDevice,
		Speaking:     spk,
		Participants: o.registry.Snapshot(sess.callID),
	}, true
}

// Call returns the cached state of callID as last pushed or fetched.
func (o *Orchestrator) Call(callID domain.CallID) (domain.GroupCall, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.calls[callID]
	return c, ok
}

// current returns the session if it is still sess. Callers hold o.mu.
func (o *Orchestrator) current(sess *Session) bool {
	return sess != nil && o.session == sess
}

// owns reports whether tr is still the transport of the current sess.
// Callers hold o.mu.
func (o *Orchestrator) owns(sess *Session, tr core.Transport) bool {
	return o.current(sess) && sess.transport == tr && tr != nil
}
