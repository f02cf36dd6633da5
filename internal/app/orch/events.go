package orch

import (
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

type eventKind int

const (
	evUpdate eventKind = iota
	evTransport
	evRenegotiate
	evRingback
	evSpeaking
)

// event is the unit of work of the loop. session pins timer and transport
// events to the session that produced them.
type event struct {
	kind    eventKind
	session *Session

	update      core.Update
	transport   core.TransportEvent
	transportID string
	source      domain.Source
	speaking    bool
}

// transportHandler forwards one transport's callbacks into the loop.
type transportHandler struct {
	o    *Orchestrator
	sess *Session
}

func (h *transportHandler) OnEvent(ev core.TransportEvent) {
	h.o.post(event{kind: evTransport, session: h.sess, transport: ev})
}

func (h *transportHandler) OnAudioLevel(src domain.Source, amplitude float64) {
	h.sess.meter.Observe(src, amplitude)
}
