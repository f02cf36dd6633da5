package conference

import (
	"errors"
	"strings"
	"testing"

	"github.com/dkeye/groupcall/internal/domain"
	"github.com/pion/sdp/v3"
)

func testParams() domain.TransportParams {
	return domain.TransportParams{
		Ufrag: "srvufrag",
		Pwd:   "srvpwd0123456789abcdef",
		Fingerprints: []domain.Fingerprint{
			{Hash: "sha-256", Setup: "active", Fingerprint: "AA:BB:CC"},
		},
		Candidates: []domain.Candidate{
			{Foundation: "1", Component: 1, Protocol: "udp", Priority: 2130706431, IP: "10.0.0.1", Port: 10000, Type: "host", Generation: 0},
			{Foundation: "2", Component: 1, Protocol: "udp", Priority: 1694498815, IP: "1.2.3.4", Port: 10001, Type: "srflx", RelAddr: "10.0.0.1", RelPort: 10000},
		},
	}
}

func parse(t *testing.T, raw string) *sdp.SessionDescription {
	t.Helper()
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		t.Fatalf("generated description does not parse: %v\n%s", err, raw)
	}
	return &desc
}

func TestInitialAnswerContainsOnlySelf(t *testing.T) {
	b := NewBuilder(42)
	b.UpdateFromServer(testParams(), []Entry{
		{Source: 1111, UserID: "me", IsSelf: true},
		{Source: 2222, UserID: "p"},
	})

	raw, err := b.GenerateSDP(true)
	if err != nil {
		t.Fatalf("GenerateSDP: %v", err)
	}
	desc := parse(t, raw)

	if len(desc.MediaDescriptions) != 1 {
		t.Fatalf("expected one media section, got %d", len(desc.MediaDescriptions))
	}
	md := desc.MediaDescriptions[0]
	if v, _ := md.Attribute("setup"); v != "passive" {
		t.Fatalf("setup = %q, want passive", v)
	}
	if _, ok := md.Attribute("recvonly"); !ok {
		t.Fatal("self section must be recvonly")
	}
	if strings.Contains(raw, "a=ssrc:") {
		t.Fatal("self section must not announce ssrcs")
	}
	if v, _ := desc.Attribute("group"); v != "BUNDLE 0" {
		t.Fatalf("group = %q", v)
	}
}

func TestOfferListsRosterWithSelfFirst(t *testing.T) {
	b := NewBuilder(42)
	b.UpdateFromServer(testParams(), []Entry{
		{Source: 1111, UserID: "me", IsSelf: true},
		{Source: 3000000000, UserID: "p", DisplayName: "Pat"},
	})

	raw, err := b.GenerateSDP(false)
	if err != nil {
		t.Fatalf("GenerateSDP: %v", err)
	}
	desc := parse(t, raw)

	if len(desc.MediaDescriptions) != 2 {
		t.Fatalf("expected two media sections, got %d", len(desc.MediaDescriptions))
	}
	if v, _ := desc.Attribute("group"); v != "BUNDLE 0 audio3000000000" {
		t.Fatalf("group = %q", v)
	}
	remote := desc.MediaDescriptions[1]
	if v, _ := remote.Attribute("mid"); v != "audio3000000000" {
		t.Fatalf("mid = %q", v)
	}
	if _, ok := remote.Attribute("sendonly"); !ok {
		t.Fatal("remote section must be sendonly")
	}
	if v, _ := remote.Attribute("setup"); v != "actpass" {
		t.Fatalf("setup = %q, want actpass", v)
	}
	for _, want := range []string{
		"a=ssrc:3000000000 cname:stream3000000000",
		"a=ssrc:3000000000 msid:stream3000000000 audio3000000000",
		"a=ice-ufrag:srvufrag",
		"a=fingerprint:sha-256 AA:BB:CC",
		"a=candidate:1 1 udp 2130706431 10.0.0.1 10000 typ host generation 0",
		"a=candidate:2 1 udp 1694498815 1.2.3.4 10001 typ srflx raddr 10.0.0.1 rport 10000 generation 0",
		"a=rtpmap:111 opus/48000/2",
		"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level",
	} {
		if !strings.Contains(raw, want) {
			t.Fatalf("description lacks %q:\n%s", want, raw)
		}
	}
}

func TestGenerateIsPureBetweenUpdates(t *testing.T) {
	entries := []Entry{{Source: 1, IsSelf: true}, {Source: 2}, {Source: 3}}

	b := NewBuilder(7)
	b.UpdateFromServer(testParams(), entries)
	first, err := b.GenerateSDP(false)
	if err != nil {
		t.Fatalf("GenerateSDP: %v", err)
	}
	second, _ := b.GenerateSDP(false)
	if first != second {
		t.Fatal("two generations without an update differ")
	}

	other := NewBuilder(7)
	other.UpdateFromServer(testParams(), entries)
	if third, _ := other.GenerateSDP(false); third != first {
		t.Fatal("identical input produced a different description")
	}

	entries[1].Source = 99
	if again, _ := b.GenerateSDP(false); again != first {
		t.Fatal("builder must not alias the caller's slice")
	}
}

func mids(desc *sdp.SessionDescription) []string {
	out := make([]string, 0, len(desc.MediaDescriptions))
	for _, md := range desc.MediaDescriptions {
		v, _ := md.Attribute("mid")
		out = append(out, v)
	}
	return out
}

func direction(md *sdp.MediaDescription) string {
	for _, d := range []string{"sendonly", "recvonly", "sendrecv", "inactive"} {
		if _, ok := md.Attribute(d); ok {
			return d
		}
	}
	return ""
}

func TestRemovedParticipantDisappears(t *testing.T) {
	b := NewBuilder(1)
	b.UpdateFromServer(testParams(), []Entry{{Source: 1, IsSelf: true}, {Source: 5}})
	with, _ := b.GenerateSDP(false)
	b.UpdateFromServer(testParams(), []Entry{{Source: 1, IsSelf: true}})
	without, _ := b.GenerateSDP(false)

	if !strings.Contains(with, "a=ssrc:5 ") || strings.Contains(without, "a=ssrc:5 ") {
		t.Fatal("roster change not reflected")
	}
	desc := parse(t, without)
	if len(desc.MediaDescriptions) != 2 {
		t.Fatalf("departed source must keep its m-line, got %d sections", len(desc.MediaDescriptions))
	}
	if got := direction(desc.MediaDescriptions[1]); got != "inactive" {
		t.Fatalf("departed source direction = %q, want inactive", got)
	}
}

func TestMidsStayWithTheirSource(t *testing.T) {
	self := Entry{Source: 1, IsSelf: true}
	b := NewBuilder(1)

	steps := []struct {
		roster []Entry
		mids   []string
		dirs   []string
	}{
		{
			roster: []Entry{self, {Source: 10}, {Source: 20}},
			mids:   []string{"0", "audio10", "audio20"},
			dirs:   []string{"recvonly", "sendonly", "sendonly"},
		},
		{
			roster: []Entry{self, {Source: 20}},
			mids:   []string{"0", "audio10", "audio20"},
			dirs:   []string{"recvonly", "inactive", "sendonly"},
		},
		{
			roster: []Entry{self, {Source: 20}, {Source: 30}},
			mids:   []string{"0", "audio10", "audio20", "audio30"},
			dirs:   []string{"recvonly", "inactive", "sendonly", "sendonly"},
		},
		{
			// Server order changes do not move m-lines.
			roster: []Entry{self, {Source: 30}, {Source: 20}},
			mids:   []string{"0", "audio10", "audio20", "audio30"},
			dirs:   []string{"recvonly", "inactive", "sendonly", "sendonly"},
		},
		{
			// A returning source gets a fresh m-line.
			roster: []Entry{self, {Source: 30}, {Source: 20}, {Source: 10}},
			mids:   []string{"0", "audio10", "audio20", "audio30", "audio10-2"},
			dirs:   []string{"recvonly", "inactive", "sendonly", "sendonly", "sendonly"},
		},
	}
	for i, step := range steps {
		b.UpdateFromServer(testParams(), step.roster)
		raw, err := b.GenerateSDP(false)
		if err != nil {
			t.Fatalf("step %d: GenerateSDP: %v", i, err)
		}
		desc := parse(t, raw)
		if got := mids(desc); strings.Join(got, " ") != strings.Join(step.mids, " ") {
			t.Fatalf("step %d: mids = %v, want %v", i, got, step.mids)
		}
		if v, _ := desc.Attribute("group"); v != "BUNDLE "+strings.Join(step.mids, " ") {
			t.Fatalf("step %d: group = %q", i, v)
		}
		for j, md := range desc.MediaDescriptions {
			if got := direction(md); got != step.dirs[j] {
				t.Fatalf("step %d: section %d direction = %q, want %q", i, j, got, step.dirs[j])
			}
		}
	}
}

func TestInitialAnswerKeepsSlots(t *testing.T) {
	b := NewBuilder(1)
	b.UpdateFromServer(testParams(), []Entry{{Source: 1, IsSelf: true}, {Source: 10}})
	if _, err := b.GenerateSDP(false); err != nil {
		t.Fatalf("GenerateSDP: %v", err)
	}

	// A reissued join answers with self only before the roster returns.
	b.UpdateFromServer(testParams(), []Entry{{Source: 2, IsSelf: true}})
	if _, err := b.GenerateSDP(true); err != nil {
		t.Fatalf("GenerateSDP: %v", err)
	}
	b.UpdateFromServer(testParams(), []Entry{{Source: 2, IsSelf: true}, {Source: 10}})
	raw, err := b.GenerateSDP(false)
	if err != nil {
		t.Fatalf("GenerateSDP: %v", err)
	}
	desc := parse(t, raw)
	if got := mids(desc); strings.Join(got, " ") != "0 audio10" {
		t.Fatalf("mids = %v", got)
	}
	if got := direction(desc.MediaDescriptions[1]); got != "sendonly" {
		t.Fatalf("direction = %q", got)
	}
}

func TestGenerateErrors(t *testing.T) {
	b := NewBuilder(1)
	if _, err := b.GenerateSDP(true); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("got %v, want ErrNoTransport", err)
	}
	b.UpdateFromServer(testParams(), nil)
	if _, err := b.GenerateSDP(true); !errors.Is(err, ErrNoSources) {
		t.Fatalf("got %v, want ErrNoSources", err)
	}
	b.UpdateFromServer(testParams(), []Entry{{Source: 2}})
	if _, err := b.GenerateSDP(false); !errors.Is(err, ErrNoSelf) {
		t.Fatalf("got %v, want ErrNoSelf", err)
	}
}

func TestStreamLabelRoundTrip(t *testing.T) {
	src, ok := SourceFromStreamLabel(StreamLabel(4000000000))
	if !ok || src != 4000000000 {
		t.Fatalf("got %d, %v", src, ok)
	}
	if _, ok := SourceFromStreamLabel("mic"); ok {
		t.Fatal("unexpected match")
	}
}
