package core

import (
	"context"

	"github.com/dkeye/groupcall/internal/domain"
)

// Coordinator is the RPC surface of the call-coordination service.
type Coordinator interface {
	CreateVoiceChat(ctx context.Context, chatID domain.ChatID) (domain.CallID, error)
	GetGroupCall(ctx context.Context, callID domain.CallID) (*domain.GroupCall, error)
	// JoinGroupCall joins with the given credentials. A nil payload abandons
	// a pending join; the returned params are nil in that case.
	JoinGroupCall(ctx context.Context, callID domain.CallID, payload *domain.JoinPayload, source domain.ServerSource, isMuted bool) (*domain.TransportParams, error)
	LoadGroupCallParticipants(ctx context.Context, callID domain.CallID, limit int) error
	LeaveGroupCall(ctx context.Context, callID domain.CallID) error
	DiscardGroupCall(ctx context.Context, callID domain.CallID) error
	ToggleGroupCallParticipantIsMuted(ctx context.Context, callID domain.CallID, userID domain.UserID, isMuted bool) error
	ToggleGroupCallMuteNewParticipants(ctx context.Context, callID domain.CallID, mute bool) error
	SetGroupCallParticipantVolumeLevel(ctx context.Context, callID domain.CallID, userID domain.UserID, volume int) error
	SetGroupCallParticipantIsSpeaking(ctx context.Context, callID domain.CallID, source domain.ServerSource, isSpeaking bool) error
}

// UpdateKind enumerates server pushes.
type UpdateKind int

const (
	UpdateGroupCall UpdateKind = iota
	UpdateGroupCallParticipant
)

// Update is a server push. Call is set for UpdateGroupCall; CallID and
// Participant for UpdateGroupCallParticipant.
type Update struct {
	Kind        UpdateKind
	Call        *domain.GroupCall
	CallID      domain.CallID
	Participant *domain.Participant
}
