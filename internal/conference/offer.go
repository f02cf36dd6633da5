package conference

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dkeye/groupcall/internal/domain"
	"github.com/pion/sdp/v3"
)

var (
	ErrNoAudio       = errors.New("conference: offer has no audio section")
	ErrNoCredentials = errors.New("conference: offer has no ice credentials")
	ErrNoSSRC        = errors.New("conference: offer has no audio ssrc")
)

// Credentials are the local ICE/DTLS parameters of an offer together with
// the SSRC the transport picked for the local audio.
type Credentials struct {
	Payload domain.JoinPayload
	Source  domain.Source
}

// ParseOffer extracts the join credentials from a local offer.
func ParseOffer(raw string) (Credentials, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return Credentials{}, fmt.Errorf("parse offer: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return Credentials{}, ErrNoAudio
	}

	lookup := func(key string) string {
		if v, ok := audio.Attribute(key); ok {
			return v
		}
		v, _ := desc.Attribute(key)
		return v
	}

	creds := Credentials{
		Payload: domain.JoinPayload{
			Ufrag: lookup("ice-ufrag"),
			Pwd:   lookup("ice-pwd"),
		},
	}
	if creds.Payload.Ufrag == "" || creds.Payload.Pwd == "" {
		return Credentials{}, ErrNoCredentials
	}

	setup := lookup("setup")
	seen := make(map[string]bool)
	collect := func(attrs []sdp.Attribute) {
		for _, a := range attrs {
			if a.Key != "fingerprint" || seen[a.Value] {
				continue
			}
			hash, value, ok := strings.Cut(a.Value, " ")
			if !ok {
				continue
			}
			seen[a.Value] = true
			creds.Payload.Fingerprints = append(creds.Payload.Fingerprints, domain.Fingerprint{
				Hash:        hash,
				Setup:       setup,
				Fingerprint: value,
			})
		}
	}
	collect(audio.Attributes)
	collect(desc.Attributes)

	for _, a := range audio.Attributes {
		if a.Key != "ssrc" {
			continue
		}
		field, _, _ := strings.Cut(a.Value, " ")
		n, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			continue
		}
		creds.Source = domain.Source(n)
		return creds, nil
	}
	return Credentials{}, ErrNoSSRC
}
