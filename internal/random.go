package internal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
)

// SessionID is 128 bits of crypto/rand entropy.
type SessionID [16]byte

var errSessionIDSize = errors.New("invalid session id size")

func NewSessionID() (SessionID, error) {
	var sid SessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s SessionID) Bytes() []byte {
	return s[:]
}

func (s SessionID) String() string {
	// base64url, no padding, cookie safe
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func ParseSessionID(sessionID string) (SessionID, error) {
	var sid SessionID
	if len(sessionID) != base64.RawURLEncoding.EncodedLen(len(sid)) {
		return sid, errSessionIDSize
	}

	raw, err := base64.RawURLEncoding.Strict().DecodeString(sessionID)
	if err != nil {
		return sid, err
	}
	if len(raw) != len(sid) {
		return sid, errSessionIDSize
	}

	copy(sid[:], raw)
	return sid, nil
}

// ValidSessionID reports whether s could have been produced by NewSessionID.
func ValidSessionID(s string) bool {
	_, err := ParseSessionID(s)
	return err == nil
}
