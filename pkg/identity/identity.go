package identity

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Identity names this server process on the shared bus. It is generated once
// at startup and never used as a routing address; its only job is to let a
// process recognize its own published envelopes when they loop back.
type Identity string

// New derives the process identity from the hostname, falling back to a
// time-based name when the hostname is unavailable.
func New() Identity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return Identity(fmt.Sprintf("relay-%d", time.Now().UnixNano()))
	}
	return Identity(host)
}

func (id Identity) String() string {
	return string(id)
}

// envelopeSeq disambiguates envelope ids minted within the same nanosecond.
var envelopeSeq atomic.Uint64

// NewEnvelopeID mints a globally unique envelope id. Uniqueness follows from
// the identity being unique per process and the counter being unique within
// one.
func (id Identity) NewEnvelopeID() string {
	return fmt.Sprintf("%s-%d-%d", id, time.Now().UnixNano(), envelopeSeq.Add(1))
}
