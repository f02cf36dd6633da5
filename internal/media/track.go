package media

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is a single media track owned by a Stream.
// Disabled tracks stay attached but carry no signal.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the underlying device or reader. It is idempotent.
	Stop()
}
