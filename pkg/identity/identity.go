// Package identity derives the process-lifetime fingerprint a node advertises
// on its status endpoint. The value is never persisted; a restarted process
// gets a new one.
package identity

import (
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"

	"github.com/spaolacci/murmur3"
)

// ID is a 128-bit fingerprint rendered as 32 lowercase hex characters.
type ID string

func (id ID) String() string { return string(id) }

// Short returns the first 8 characters, enough to tell nodes apart in logs.
func (id ID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// Derive hashes seed and hostname into an ID. It is deterministic so callers
// can test it; New supplies the random draw.
func Derive(seed uint64, hostname string) ID {
	h1, h2 := murmur3.Sum128([]byte(strconv.FormatUint(seed, 10) + "-" + hostname))
	return ID(fmt.Sprintf("%016x%016x", h1, h2))
}

// New computes a fresh ID from a random draw and the host's network name.
// Call it exactly once at process start.
func New() (ID, string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", "", fmt.Errorf("resolve hostname: %w", err)
	}
	return Derive(rand.Uint64(), hostname), hostname, nil
}
