package coordination

import (
	"context"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

var _ core.Coordinator = (*Client)(nil)

func (c *Client) CreateVoiceChat(ctx context.Context, chatID domain.ChatID) (domain.CallID, error) {
	var out createdCall
	if err := c.call(ctx, "createVoiceChat", map[string]any{"chat_id": chatID}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) GetGroupCall(ctx context.Context, callID domain.CallID) (*domain.GroupCall, error) {
	var out domain.GroupCall
	if err := c.call(ctx, "getGroupCall", map[string]any{"group_call_id": callID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) JoinGroupCall(ctx context.Context, callID domain.CallID, payload *domain.JoinPayload, source domain.ServerSource, isMuted bool) (*domain.TransportParams, error) {
	params := map[string]any{
		"group_call_id": callID,
		"source":        source,
		"is_muted":      isMuted,
	}
	if payload == nil {
		return nil, c.call(ctx, "joinGroupCall", params, nil)
	}
	params["payload"] = payload

	var out joinResponse
	if err := c.call(ctx, "joinGroupCall", params, &out); err != nil {
		return nil, err
	}
	return &out.Payload, nil
}

func (c *Client) LoadGroupCallParticipants(ctx context.Context, callID domain.CallID, limit int) error {
	return c.call(ctx, "loadGroupCallParticipants", map[string]any{"group_call_id": callID, "limit": limit}, nil)
}

func (c *Client) LeaveGroupCall(ctx context.Context, callID domain.CallID) error {
	return c.call(ctx, "leaveGroupCall", map[string]any{"group_call_id": callID}, nil)
}

func (c *Client) DiscardGroupCall(ctx context.Context, callID domain.CallID) error {
	return c.call(ctx, "discardGroupCall", map[string]any{"group_call_id": callID}, nil)
}

func (c *Client) ToggleGroupCallParticipantIsMuted(ctx context.Context, callID domain.CallID, userID domain.UserID, isMuted bool) error {
	return c.call(ctx, "toggleGroupCallParticipantIsMuted", map[string]any{
		"group_call_id": callID,
		"user_id":       userID,
		"is_muted":      isMuted,
	}, nil)
}

func (c *Client) ToggleGroupCallMuteNewParticipants(ctx context.Context, callID domain.CallID, mute bool) error {
	return c.call(ctx, "toggleGroupCallMuteNewParticipants", map[string]any{
		"group_call_id":         callID,
		"mute_new_participants": mute,
	}, nil)
}

func (c *Client) SetGroupCallParticipantVolumeLevel(ctx context.Context, callID domain.CallID, userID domain.UserID, volume int) error {
	return c.call(ctx, "setGroupCallParticipantVolumeLevel", map[string]any{
		"group_call_id": callID,
		"user_id":       userID,
		"volume_level":  volume,
	}, nil)
}

func (c *Client) SetGroupCallParticipantIsSpeaking(ctx context.Context, callID domain.CallID, source domain.ServerSource, isSpeaking bool) error {
	return c.call(ctx, "setGroupCallParticipantIsSpeaking", map[string]any{
		"group_call_id": callID,
		"source":        source,
		"is_speaking":   isSpeaking,
	}, nil)
}
