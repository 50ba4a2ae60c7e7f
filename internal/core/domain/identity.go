package domain

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// identityNamespace prefixes every identity registered on the discovery
// channel so that unrelated users of the same rendezvous cloud cannot
// collide with studio rooms.
const identityNamespace = "aether-studio"

// roomCodeAlphabet excludes visually ambiguous characters (0/o, 1/l/i).
const roomCodeAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

const roomCodeLength = 4

// NormalizeRoomCode strips non-alphanumeric characters and lowercases the
// code, so "AB-12" and "ab12" name the same room.
func NormalizeRoomCode(code RoomCode) RoomCode {
	var b strings.Builder
	for _, r := range string(code) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return RoomCode(b.String())
}

// DeriveIdentity derives the discovery-channel identity for a role in a
// room. The host identity is unique per room; other roles carry a random
// disambiguator so a room can hold several camera contributors. Pure
// function: an empty room code yields an empty identity and callers must
// reject empty codes before calling.
func DeriveIdentity(code RoomCode, role Role, disambiguator string) ClientID {
	norm := NormalizeRoomCode(code)
	if norm == "" {
		return ""
	}

	parts := []string{identityNamespace, string(norm), string(role)}
	if role != RoleHost && disambiguator != "" {
		parts = append(parts, disambiguator)
	}
	return ClientID(strings.Join(parts, "-"))
}

// GenerateRoomCode produces a short room code drawn uniformly from the
// code alphabet. Codes are not guaranteed unique across concurrent
// rooms; collisions are detected when the host identity fails to
// register on the discovery channel.
func GenerateRoomCode() (RoomCode, error) {
	// Rejection sampling: bytes at or above the largest multiple of the
	// alphabet size are discarded, otherwise the modulo would skew the
	// distribution toward the low end of the alphabet.
	limit := 256 - 256%len(roomCodeAlphabet)

	code := make([]byte, 0, roomCodeLength)
	buf := make([]byte, 8)
	for len(code) < roomCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			code = append(code, roomCodeAlphabet[int(b)%len(roomCodeAlphabet)])
			if len(code) == roomCodeLength {
				break
			}
		}
	}
	return RoomCode(code), nil
}
