package domain

// Source is an SSRC as seen by the local media transport.
type Source uint32

// ServerSource is the same identifier as the coordination protocol carries it:
// a signed 32-bit token.
type ServerSource int32

// ToServerSource reinterprets a local SSRC as a protocol token.
func ToServerSource(s Source) ServerSource {
	return ServerSource(int32(uint32(s)))
}

// FromServerSource is the inverse of ToServerSource.
func FromServerSource(s ServerSource) Source {
	return Source(uint32(int32(s)))
}
