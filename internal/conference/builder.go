// Package conference renders the media server's side of a group call as a
// session description the local transport can apply.
//
// Every remote source owns one m-line for the life of the builder. Its
// mid is derived from the source and never moves; a source that leaves
// keeps its m-line as inactive, since a transport cannot revive a stopped
// transceiver. Regenerating for the same roster is idempotent.
// UpdateFromServer and GenerateSDP must not run concurrently.
package conference

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dkeye/groupcall/internal/domain"
	"github.com/pion/sdp/v3"
)

const (
	opusPayloadType  = 111
	eventPayloadType = 126
	audioLevelExtID  = 1
	audioLevelURI    = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	sessionVersion   = 2
	// selfMid is the mid the local transport gives its only sender.
	selfMid = "0"
)

var (
	ErrNoTransport = errors.New("conference: no transport parameters")
	ErrNoSources   = errors.New("conference: no sources")
	ErrNoSelf      = errors.New("conference: first source must be self")
)

// Entry is one participant's audio source in the description.
type Entry struct {
	Source      domain.Source
	UserID      domain.UserID
	DisplayName string
	IsSelf      bool
}

// Builder keeps the last server input and renders descriptions from it.
type Builder struct {
	sessionID uint64
	params    *domain.TransportParams
	entries   []Entry
	slots     []slot
	mids      map[string]bool
}

// slot is the m-line of one remote source.
type slot struct {
	mid    string
	entry  Entry
	active bool
}

// NewBuilder returns a builder whose origin line carries sessionID.
func NewBuilder(sessionID uint64) *Builder {
	return &Builder{sessionID: sessionID}
}

// UpdateFromServer replaces the transport parameters and the ordered source list.
func (b *Builder) UpdateFromServer(params domain.TransportParams, entries []Entry) {
	p := params
	b.params = &p
	b.entries = append(b.entries[:0:0], entries...)
}

// Entries returns the source list of the last update.
func (b *Builder) Entries() []Entry {
	return append([]Entry(nil), b.entries...)
}

// GenerateSDP renders the description. The initial answer only ever
// contains self; later offers contain self first, then every remote
// source's m-line in the order the sources first appeared.
func (b *Builder) GenerateSDP(isInitialAnswer bool) (string, error) {
	if b.params == nil {
		return "", ErrNoTransport
	}
	if len(b.entries) == 0 {
		return "", ErrNoSources
	}
	if !b.entries[0].IsSelf {
		return "", ErrNoSelf
	}

	setup := "actpass"
	sections := []*sdp.MediaDescription{}
	mids := []string{selfMid}
	if isInitialAnswer {
		setup = "passive"
	}
	sections = append(sections, b.mediaSection(selfMid, setup).WithPropertyAttribute("recvonly"))

	if !isInitialAnswer {
		b.reconcile()
		for _, sl := range b.slots {
			md := b.mediaSection(sl.mid, setup)
			if sl.active {
				ssrc := uint32(sl.entry.Source)
				md = md.
					WithPropertyAttribute("sendonly").
					WithMediaSource(ssrc, StreamLabel(sl.entry.Source), StreamLabel(sl.entry.Source), fmt.Sprintf("audio%d", ssrc))
			} else {
				md = md.WithPropertyAttribute("inactive")
			}
			sections = append(sections, md)
			mids = append(mids, sl.mid)
		}
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      b.sessionID,
			SessionVersion: sessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName:      "-",
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}
	desc = desc.
		WithValueAttribute("group", "BUNDLE "+strings.Join(mids, " ")).
		WithPropertyAttribute("ice-lite")
	for _, md := range sections {
		desc = desc.WithMedia(md)
	}

	raw, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal description: %w", err)
	}
	return string(raw), nil
}

// reconcile maps the last roster onto the slots: known active sources
// keep their m-line, new sources get a fresh one at the end and missing
// sources are deactivated.
func (b *Builder) reconcile() {
	present := make(map[domain.Source]Entry, len(b.entries))
	for _, e := range b.entries[1:] {
		present[e.Source] = e
	}
	for i := range b.slots {
		sl := &b.slots[i]
		if !sl.active {
			continue
		}
		if e, ok := present[sl.entry.Source]; ok {
			sl.entry = e
			delete(present, sl.entry.Source)
			continue
		}
		sl.active = false
	}
	for _, e := range b.entries[1:] {
		if _, ok := present[e.Source]; !ok {
			continue
		}
		delete(present, e.Source)
		b.slots = append(b.slots, slot{mid: b.newMid(e.Source), entry: e, active: true})
	}
}

// newMid returns "audio<ssrc>", suffixed when the source already had an
// m-line that was retired.
func (b *Builder) newMid(src domain.Source) string {
	if b.mids == nil {
		b.mids = map[string]bool{selfMid: true}
	}
	base := fmt.Sprintf("audio%d", uint32(src))
	mid := base
	for n := 2; b.mids[mid]; n++ {
		mid = base + "-" + strconv.Itoa(n)
	}
	b.mids[mid] = true
	return mid
}

// mediaSection renders the transport and codec lines shared by every
// m-line; the caller adds the direction.
func (b *Builder) mediaSection(mid, setup string) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: 1},
			Protos: []string{"RTP", "SAVPF"},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}
	md = md.
		WithValueAttribute("mid", mid).
		WithICECredentials(b.params.Ufrag, b.params.Pwd)
	for _, fp := range b.params.Fingerprints {
		md = md.WithFingerprint(fp.Hash, fp.Fingerprint)
	}
	md = md.WithValueAttribute("setup", setup)
	for _, c := range b.params.Candidates {
		md = md.WithCandidate(candidateValue(c))
	}
	md = md.
		WithCodec(opusPayloadType, "opus", 48000, 2, "minptime=10; useinbandfec=1; usedtx=1").
		WithCodec(eventPayloadType, "telephone-event", 8000, 0, "").
		WithValueAttribute("rtcp", "1 IN IP4 0.0.0.0").
		WithPropertyAttribute("rtcp-mux").
		WithValueAttribute("rtcp-fb", fmt.Sprintf("%d transport-cc", opusPayloadType)).
		WithValueAttribute("extmap", fmt.Sprintf("%d %s", audioLevelExtID, audioLevelURI))
	return md
}

// StreamLabel is the msid stream label used for a remote source. Remote
// tracks arrive with it as their stream id.
func StreamLabel(src domain.Source) string {
	return fmt.Sprintf("stream%d", uint32(src))
}

// SourceFromStreamLabel reverses StreamLabel.
func SourceFromStreamLabel(label string) (domain.Source, bool) {
	v, ok := strings.CutPrefix(label, "stream")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return domain.Source(n), true
}

func candidateValue(c domain.Candidate) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %d %s %d %s %d typ %s", c.Foundation, c.Component, c.Protocol, c.Priority, c.IP, c.Port, c.Type)
	if c.RelAddr != "" {
		fmt.Fprintf(&sb, " raddr %s rport %d", c.RelAddr, c.RelPort)
	}
	fmt.Fprintf(&sb, " generation %d", c.Generation)
	return sb.String()
}
