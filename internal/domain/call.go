package domain

// GroupCall mirrors the coordination service's view of a call.
// The service owns it; the client keeps a read-mostly copy keyed by ID.
type GroupCall struct {
	ID                           CallID `json:"id"`
	ChatID                       ChatID `json:"chat_id"`
	Title                        string `json:"title,omitempty"`
	IsActive                     bool   `json:"is_active"`
	IsJoined                     bool   `json:"is_joined"`
	NeedRejoin                   bool   `json:"need_rejoin"`
	CanBeManaged                 bool   `json:"can_be_managed"`
	MuteNewParticipants          bool   `json:"mute_new_participants"`
	CanChangeMuteNewParticipants bool   `json:"can_change_mute_new_participants"`
	ParticipantCount             int    `json:"participant_count"`
}
