package session

import (
	"github.com/calypsonet/calypso-engine/errs"
	"github.com/calypsonet/calypso-engine/sam"
)

// DefaultSessionBufferLimit is the session-modification-buffer size of a
// typical PRIME_REV3 card in bytes (spec §3). Cards with a different
// budget are configured via WithSessionBufferLimit.
const DefaultSessionBufferLimit = 215

// SessionContext tracks one secure session from Open Secure Session to
// Close/Cancel (spec §3): whether it is open, at which write-access level,
// how much of the card's modification buffer the prepared commands have
// claimed, and the digest/key material the close flow needs.
type SessionContext struct {
	open        bool
	level       sam.WriteAccessLevel
	bufferUsed  int
	bufferLimit int

	// Resolved session key and open-response material, held for the SAM
	// digest dialogue.
	kif, kvc                byte
	previousSessionRatified bool
	preOpenDataOut          []byte
	encryptionActive        bool
	extendedMode            bool
}

func newSessionContext(bufferLimit int) *SessionContext {
	return &SessionContext{bufferLimit: bufferLimit}
}

// IsOpen reports whether a secure session is currently open.
func (s *SessionContext) IsOpen() bool { return s.open }

// Level returns the write-access level the session was opened at. Only
// meaningful while IsOpen.
func (s *SessionContext) Level() sam.WriteAccessLevel { return s.level }

// BufferUsed returns the accumulated modification-buffer byte count.
func (s *SessionContext) BufferUsed() int { return s.bufferUsed }

// openAt transitions the context to SESSION_OPEN (spec §3: "exactly one open
// session at a time" is enforced by the transaction manager before calling
// this).
func (s *SessionContext) openAt(level sam.WriteAccessLevel, extendedMode bool) {
	s.open = true
	s.level = level
	s.extendedMode = extendedMode
}

// reserve claims cost bytes of the card's session modification buffer,
// failing before any transmission when the budget would overflow (spec
// §4.5 step 5, §8: "the session modification-buffer counter never exceeds
// the card limit").
func (s *SessionContext) reserve(commandName string, cost int) error {
	if s.bufferUsed+cost > s.bufferLimit {
		return errs.New(errs.KindCardSessionBufferOverflow, commandName,
			"prepared command would overflow the session modification buffer")
	}
	s.bufferUsed += cost
	return nil
}

// reset returns the context to IDLE, zeroing the buffer counter (spec §8:
// "zeroed on close/cancel").
func (s *SessionContext) reset() {
	limit := s.bufferLimit
	*s = SessionContext{bufferLimit: limit}
}
