package discovery

// Payload shapes carried opaquely through the rendezvous service. Only
// the two peers interpret them.

type sdpPayload struct {
	SDP string `json:"sdp"`
}

type candidatePayload struct {
	Candidate string `json:"candidate"`
}
