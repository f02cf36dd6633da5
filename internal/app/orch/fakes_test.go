package orch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/groupcall/internal/app"
	"github.com/dkeye/groupcall/internal/conference"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
	"github.com/dkeye/groupcall/internal/media"
	"github.com/dkeye/groupcall/internal/media/mediatest"
)

const selfID domain.UserID = "me"

func serverParams() *domain.TransportParams {
	return &domain.TransportParams{
		Ufrag: "srvufrag",
		Pwd:   "srvpwd0123456789abcdef",
		Fingerprints: []domain.Fingerprint{
			{Hash: "sha-256", Setup: "active", Fingerprint: "AA:BB:CC"},
		},
		Candidates: []domain.Candidate{
			{Foundation: "1", Component: 1, Protocol: "udp", Priority: 2130706431, IP: "10.0.0.1", Port: 10000, Type: "host"},
		},
	}
}

func offerWithSource(src uint32) string {
	return "v=0\r\n" +
		"o=- 1 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"a=group:BUNDLE 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=fingerprint:sha-256 11:22:33\r\n" +
		"a=setup:actpass\r\n" +
		"a=mid:0\r\n" +
		"a=ice-ufrag:locufrag\r\n" +
		"a=ice-pwd:locpwd\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n" +
		fmt.Sprintf("a=ssrc:%d cname:me\r\n", src) +
		"a=sendrecv\r\n"
}

type description struct {
	typ core.SDPType
	sdp string
}

type signalingState string

const (
	sigStable          signalingState = "stable"
	sigHaveLocalOffer  signalingState = "have-local-offer"
	sigHaveRemoteOffer signalingState = "have-remote-offer"
)

var errSignaling = errors.New("invalid signaling transition")

// fakeTransport records what the orchestrator applies to it and rejects
// descriptions a real peer connection would reject in its current
// signaling state.
type fakeTransport struct {
	id      string
	handler core.TransportHandler
	ssrc    *atomic.Uint32

	mu        sync.Mutex
	state     core.ConnState
	signaling signalingState
	rejected  []error
	tracks    []media.Track
	replaced  []media.Track
	locals    []description
	remotes   []description
	offers    []uint32
	closed    bool
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) AddTrack(track media.Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *fakeTransport) ReplaceAudioTrack(track media.Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replaced = append(t.replaced, track)
	return nil
}

func (t *fakeTransport) CreateOffer(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.signaling == sigHaveRemoteOffer {
		return "", t.reject("create offer")
	}
	src := t.ssrc.Add(1)
	t.offers = append(t.offers, src)
	return offerWithSource(src), nil
}

func (t *fakeTransport) CreateAnswer(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.signaling != sigHaveRemoteOffer {
		return "", t.reject("create answer")
	}
	return "v=0\r\n", nil
}

func (t *fakeTransport) SetLocalDescription(_ context.Context, typ core.SDPType, sdp string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case typ == core.SDPTypeOffer && t.signaling == sigStable:
		t.signaling = sigHaveLocalOffer
	case typ == core.SDPTypeAnswer && t.signaling == sigHaveRemoteOffer:
		t.signaling = sigStable
	default:
		return t.reject("set local " + string(typ))
	}
	t.locals = append(t.locals, description{typ, sdp})
	return nil
}

func (t *fakeTransport) SetRemoteDescription(_ context.Context, typ core.SDPType, sdp string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	switch {
	case typ == core.SDPTypeOffer && t.signaling == sigStable:
		t.signaling = sigHaveRemoteOffer
	case typ == core.SDPTypeAnswer && t.signaling == sigHaveLocalOffer:
		t.signaling = sigStable
	default:
		return t.reject("set remote " + string(typ))
	}
	t.remotes = append(t.remotes, description{typ, sdp})
	return nil
}

// reject records a call made in the wrong signaling state. Callers hold t.mu.
func (t *fakeTransport) reject(op string) error {
	err := fmt.Errorf("%w: %s in %s", errSignaling, op, t.signaling)
	t.rejected = append(t.rejected, err)
	return err
}

// rejections returns every call refused for its signaling state.
func (t *fakeTransport) rejections() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]error(nil), t.rejected...)
}

func (t *fakeTransport) localOffers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, d := range t.locals {
		if d.typ == core.SDPTypeOffer {
			n++
		}
	}
	return n
}

// setState changes the state without reporting it.
func (t *fakeTransport) setState(state core.ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

func (t *fakeTransport) ConnectionState() core.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.state = core.ConnStateClosed
	return nil
}

// emit changes the state and reports it like a real transport would.
func (t *fakeTransport) emit(state core.ConnState) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
	t.handler.OnEvent(core.TransportEvent{Kind: core.TransportStateChanged, TransportID: t.id, State: state})
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) remoteOffers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, d := range t.remotes {
		if d.typ == core.SDPTypeOffer {
			out = append(out, d.sdp)
		}
	}
	return out
}

func (t *fakeTransport) remoteAnswers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, d := range t.remotes {
		if d.typ == core.SDPTypeAnswer {
			out = append(out, d.sdp)
		}
	}
	return out
}

func (t *fakeTransport) lastOffer() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offers[len(t.offers)-1]
}

type fakeFactory struct {
	ssrc atomic.Uint32

	mu         sync.Mutex
	transports []*fakeTransport
}

func newFakeFactory() *fakeFactory {
	f := &fakeFactory{}
	f.ssrc.Store(1000)
	return f
}

func (f *fakeFactory) NewTransport(h core.TransportHandler) (core.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{
		id:        fmt.Sprintf("t%d", len(f.transports)+1),
		handler:   h,
		ssrc:      &f.ssrc,
		state:     core.ConnStateNew,
		signaling: sigStable,
	}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) get(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[i]
}

type rpc struct {
	name    string
	callID  domain.CallID
	payload *domain.JoinPayload
	source  domain.ServerSource
	flag    bool
	user    domain.UserID
}

// fakeCoordinator answers every request and records it. joinHook, when
// set, runs before a join with a payload returns.
type fakeCoordinator struct {
	mu       sync.Mutex
	calls    []rpc
	joins    int
	joinHook func(n int)
	joinErr  error
	muteErr  error
}

func (c *fakeCoordinator) record(r rpc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, r)
}

func (c *fakeCoordinator) named(name string) []rpc {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []rpc
	for _, r := range c.calls {
		if r.name == name {
			out = append(out, r)
		}
	}
	return out
}

func (c *fakeCoordinator) CreateVoiceChat(_ context.Context, chatID domain.ChatID) (domain.CallID, error) {
	c.record(rpc{name: "create"})
	return domain.CallID("call-" + string(chatID)), nil
}

func (c *fakeCoordinator) GetGroupCall(_ context.Context, callID domain.CallID) (*domain.GroupCall, error) {
	c.record(rpc{name: "get", callID: callID})
	return &domain.GroupCall{ID: callID, IsActive: true}, nil
}

func (c *fakeCoordinator) JoinGroupCall(_ context.Context, callID domain.CallID, payload *domain.JoinPayload, source domain.ServerSource, isMuted bool) (*domain.TransportParams, error) {
	c.record(rpc{name: "join", callID: callID, payload: payload, source: source, flag: isMuted})
	if payload == nil {
		return nil, nil
	}
	c.mu.Lock()
	c.joins++
	n, hook, err := c.joins, c.joinHook, c.joinErr
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if err != nil {
		return nil, err
	}
	return serverParams(), nil
}

func (c *fakeCoordinator) LoadGroupCallParticipants(_ context.Context, callID domain.CallID, limit int) error {
	c.record(rpc{name: "load", callID: callID})
	return nil
}

func (c *fakeCoordinator) LeaveGroupCall(_ context.Context, callID domain.CallID) error {
	c.record(rpc{name: "leave", callID: callID})
	return nil
}

func (c *fakeCoordinator) DiscardGroupCall(_ context.Context, callID domain.CallID) error {
	c.record(rpc{name: "discard", callID: callID})
	return nil
}

func (c *fakeCoordinator) ToggleGroupCallParticipantIsMuted(_ context.Context, callID domain.CallID, userID domain.UserID, isMuted bool) error {
	c.record(rpc{name: "mute", callID: callID, user: userID, flag: isMuted})
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muteErr
}

func (c *fakeCoordinator) ToggleGroupCallMuteNewParticipants(_ context.Context, callID domain.CallID, mute bool) error {
	c.record(rpc{name: "mute_new", callID: callID, flag: mute})
	return nil
}

func (c *fakeCoordinator) SetGroupCallParticipantVolumeLevel(_ context.Context, callID domain.CallID, userID domain.UserID, volume int) error {
	c.record(rpc{name: "volume", callID: callID, user: userID})
	return nil
}

func (c *fakeCoordinator) SetGroupCallParticipantIsSpeaking(_ context.Context, callID domain.CallID, source domain.ServerSource, isSpeaking bool) error {
	c.record(rpc{name: "speaking", callID: callID, source: source, flag: isSpeaking})
	return nil
}

type fakeCapturer struct {
	mu       sync.Mutex
	err      error
	captured []*mediatest.Track
}

func (c *fakeCapturer) Capture(_ context.Context, deviceID string) (*media.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	t := mediatest.NewAudio(fmt.Sprintf("mic-%s-%d", deviceID, len(c.captured)))
	c.captured = append(c.captured, t)
	return media.NewStream("captured", t), nil
}

func (c *fakeCapturer) track(i int) *mediatest.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captured[i]
}

type played struct {
	cue  core.Cue
	loop bool
}

type fakeCues struct {
	mu      sync.Mutex
	played  []played
	stopped int
}

func (c *fakeCues) Play(cue core.Cue, loop bool) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.played = append(c.played, played{cue, loop})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stopped++
	}
}

func (c *fakeCues) count(cue core.Cue) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.played {
		if p.cue == cue {
			n++
		}
	}
	return n
}

func (c *fakeCues) stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// gatedBuilder blocks roster offers until released and tracks how many
// run at once.
type gatedBuilder struct {
	*conference.Builder
	gate    chan struct{}
	enabled *atomic.Bool
	running *atomic.Int32
	maxSeen *atomic.Int32
	runs    *atomic.Int32
}

func (b *gatedBuilder) GenerateSDP(isInitialAnswer bool) (string, error) {
	if isInitialAnswer || !b.enabled.Load() {
		return b.Builder.GenerateSDP(isInitialAnswer)
	}
	n := b.running.Add(1)
	defer b.running.Add(-1)
	for {
		m := b.maxSeen.Load()
		if n <= m || b.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	b.runs.Add(1)
	<-b.gate
	return b.Builder.GenerateSDP(false)
}

type harness struct {
	o      *Orchestrator
	clock  *clock.Mock
	coord  *fakeCoordinator
	tf     *fakeFactory
	cap    *fakeCapturer
	cues   *fakeCues
	cancel context.CancelFunc
	errc   chan error
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	return newHarnessWithConfig(t, mutate, nil)
}

func newHarnessWithConfig(t *testing.T, mutate func(*Deps), configure func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock: clock.NewMock(),
		coord: &fakeCoordinator{},
		tf:    newFakeFactory(),
		cap:   &fakeCapturer{},
		cues:  &fakeCues{},
		errc:  make(chan error, 1),
	}
	deps := Deps{
		Registry:    app.NewRegistry(),
		Coordinator: h.coord,
		Transports:  h.tf,
		Capture:     h.cap,
		Cues:        h.cues,
		Clock:       h.clock,
	}
	if mutate != nil {
		mutate(&deps)
	}
	cfg := DefaultConfig()
	cfg.SelfUserID = selfID
	if configure != nil {
		configure(&cfg)
	}
	h.o = New(deps, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.o.Run(ctx, nil) }()
	t.Cleanup(func() {
		cancel()
		<-h.errc
	})
	return h
}

func (h *harness) join(t *testing.T, callID domain.CallID) *fakeTransport {
	t.Helper()
	h.o.HandleUpdate(core.Update{Kind: core.UpdateGroupCall, Call: &domain.GroupCall{ID: callID, IsActive: true, CanBeManaged: true}})
	waitFor(t, "call cached", func() bool { _, ok := h.o.Call(callID); return ok })
	if err := h.o.Join(context.Background(), callID, JoinOptions{}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return h.tf.get(h.tf.count() - 1)
}

func (h *harness) participant(callID domain.CallID, user domain.UserID, src domain.ServerSource, order string) {
	h.o.HandleUpdate(core.Update{
		Kind:        core.UpdateGroupCallParticipant,
		CallID:      callID,
		Participant: &domain.Participant{UserID: user, Source: src, Order: order, CanUnmuteSelf: true},
	})
}

// flush waits until the loop has consumed everything posted so far.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	waitFor(t, "event loop drained", func() bool { return len(h.o.events) == 0 })
	time.Sleep(10 * time.Millisecond)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mediaSections(sdp string) int {
	return strings.Count(sdp, "m=audio")
}
