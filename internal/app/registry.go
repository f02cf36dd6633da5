package app

import (
	"sync"

	"github.com/dkeye/groupcall/internal/domain"
	"github.com/rs/zerolog/log"
)

// Change classifies what an upsert did to a participant's membership.
type Change int

const (
	ChangeNoPriorRecord Change = iota
	ChangeBecameActive
	ChangeBecameInactive
	ChangeUnchanged
)

func (c Change) String() string {
	switch c {
	case ChangeNoPriorRecord:
		return "no_prior_record"
	case ChangeBecameActive:
		return "became_active"
	case ChangeBecameInactive:
		return "became_inactive"
	default:
		return "unchanged"
	}
}

// roster keeps participants of one call in insertion order.
type roster struct {
	order  []domain.UserID
	byUser map[domain.UserID]domain.Participant
}

// Registry is the source of truth for who is in which call.
// Records are never removed per participant: an order of "0" marks
// a member as absent while keeping its last state.
type Registry struct {
	mu    sync.RWMutex
	calls map[domain.CallID]*roster
}

func NewRegistry() *Registry {
	return &Registry{
		calls: make(map[domain.CallID]*roster),
	}
}

// Upsert replaces the state of p in callID and reports how membership changed.
func (r *Registry) Upsert(callID domain.CallID, p domain.Participant) Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.calls[callID]
	if !ok {
		rs = &roster{byUser: make(map[domain.UserID]domain.Participant)}
		r.calls[callID] = rs
	}

	prev, existed := rs.byUser[p.UserID]
	if !existed {
		rs.order = append(rs.order, p.UserID)
	}
	rs.byUser[p.UserID] = p

	change := classify(prev, p, existed)
	if change != ChangeUnchanged {
		log.Debug().
			Str("module", "app.registry").
			Str("call", string(callID)).
			Str("user", string(p.UserID)).
			Str("order", p.Order).
			Str("change", change.String()).
			Msg("participant upserted")
	}
	return change
}

func classify(prev, next domain.Participant, existed bool) Change {
	switch {
	case !existed:
		return ChangeNoPriorRecord
	case !prev.Active() && next.Active():
		return ChangeBecameActive
	case prev.Active() && !next.Active():
		return ChangeBecameInactive
	default:
		return ChangeUnchanged
	}
}

// Get returns the latest state of userID in callID.
func (r *Registry) Get(callID domain.CallID, userID domain.UserID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.calls[callID]
	if !ok {
		return domain.Participant{}, false
	}
	p, ok := rs.byUser[userID]
	return p, ok
}

// Snapshot returns every known participant of callID in insertion order.
func (r *Registry) Snapshot(callID domain.CallID) []domain.Participant {
	return r.collect(callID, func(domain.Participant) bool { return true })
}

// Active returns the participants of callID that currently contribute media.
func (r *Registry) Active(callID domain.CallID) []domain.Participant {
	return r.collect(callID, domain.Participant.Active)
}

func (r *Registry) collect(callID domain.CallID, keep func(domain.Participant) bool) []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.calls[callID]
	if !ok {
		return nil
	}
	out := make([]domain.Participant, 0, len(rs.order))
	for _, id := range rs.order {
		if p := rs.byUser[id]; keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// Forget drops everything known about callID. Used once a call has ended.
func (r *Registry) Forget(callID domain.CallID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callID)
	log.Info().Str("module", "app.registry").Str("call", string(callID)).Msg("forgot call roster")
}
