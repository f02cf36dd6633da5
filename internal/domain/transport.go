package domain

// Fingerprint is a DTLS certificate fingerprint with its setup role.
type Fingerprint struct {
	Hash        string `json:"hash"`
	Setup       string `json:"setup"`
	Fingerprint string `json:"fingerprint"`
}

// Candidate is an ICE candidate published by the media server.
type Candidate struct {
	Foundation string `json:"foundation"`
	Component  int    `json:"component"`
	Protocol   string `json:"protocol"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Type       string `json:"type"`
	RelAddr    string `json:"rel_addr,omitempty"`
	RelPort    int    `json:"rel_port,omitempty"`
	Generation int    `json:"generation"`
}

// TransportParams are the media server's transport parameters returned by a join.
type TransportParams struct {
	Ufrag        string        `json:"ufrag"`
	Pwd          string        `json:"pwd"`
	Fingerprints []Fingerprint `json:"fingerprints"`
	Candidates   []Candidate   `json:"candidates"`
}

// JoinPayload carries the local ICE/DTLS credentials in a join request.
// A nil payload abandons a pending join.
type JoinPayload struct {
	Ufrag        string        `json:"ufrag"`
	Pwd          string        `json:"pwd"`
	Fingerprints []Fingerprint `json:"fingerprints"`
}
