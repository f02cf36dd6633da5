package domain

// OrderInactive is the order token of a participant without media.
const OrderInactive = "0"

// Participant is the latest known state of one call member.
type Participant struct {
	UserID                UserID       `json:"user_id"`
	Source                ServerSource `json:"source"`
	DisplayName           string       `json:"display_name,omitempty"`
	IsMutedForAllUsers    bool         `json:"is_muted_for_all_users"`
	IsMutedForCurrentUser bool         `json:"is_muted_for_current_user"`
	CanUnmuteSelf         bool         `json:"can_unmute_self"`
	IsSpeaking            bool         `json:"is_speaking"`
	VolumeLevel           int          `json:"volume_level,omitempty"`
	Order                 string       `json:"order"`
}

// Active reports whether the participant currently contributes media.
// An empty order is treated like "0".
func (p Participant) Active() bool {
	return p.Order != "" && p.Order != OrderInactive
}

// Muted reports whether the server keeps this participant muted.
func (p Participant) Muted() bool {
	return p.IsMutedForAllUsers || p.IsMutedForCurrentUser
}
