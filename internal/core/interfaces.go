package core

import (
	"context"

	"github.com/dkeye/groupcall/internal/domain"
)

// Cue is an audible notification.
type Cue string

const (
	CueConnecting Cue = "connecting"
	CueJoined     Cue = "joined"
	CueLeft       Cue = "left"
)

// CuePlayer plays notification sounds. Play returns a function that stops
// that particular playback.
type CuePlayer interface {
	Play(cue Cue, loop bool) (stop func())
}

// Confirmer asks the user whether the call in progress may be hung up to
// start another one.
type Confirmer interface {
	ConfirmHangUp(ctx context.Context, current domain.CallID, next domain.CallID) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, current, next domain.CallID) bool

func (f ConfirmFunc) ConfirmHangUp(ctx context.Context, current, next domain.CallID) bool {
	return f(ctx, current, next)
}
