// Package reader defines the boundary between the engine and a physical
// (or simulated) card reader. It is purely an interface here (spec §4.6):
// concrete transports live in their own packages, e.g. pcsc.
package reader

import "context"

// ApduRequest is one outbound APDU plus the set of status words the caller
// considers "successful" for it (spec §4.6).
type ApduRequest struct {
	Bytes            []byte
	SuccessfulStatusWords map[uint16]bool
}

// NewApduRequest builds a request whose only accepted status word is
// 0x9000, the common case; additional words can be added with Accept.
func NewApduRequest(bytes []byte) ApduRequest {
	return ApduRequest{Bytes: bytes, SuccessfulStatusWords: map[uint16]bool{0x9000: true}}
}

// Accept marks sw as an additional acceptable status word for this
// request (e.g. 0x6200 for a postponed counter update).
func (r ApduRequest) Accept(sw uint16) ApduRequest {
	r.SuccessfulStatusWords[sw] = true
	return r
}

// IsSuccessful reports whether sw is among this request's accepted set.
func (r ApduRequest) IsSuccessful(sw uint16) bool {
	return r.SuccessfulStatusWords[sw]
}

// ApduResponse is one APDU's raw response (spec §4.6).
type ApduResponse struct {
	Data []byte
	SW   uint16
}

// CardRequest is an ordered batch of APDUs to send to the PO in a single
// round trip to the reader, plus whether the reader should stop sending
// after the first disallowed status word (spec §4.6).
type CardRequest struct {
	ApduRequests              []ApduRequest
	StopOnUnsuccessfulStatusWord bool
}

// CardResponse is the ordered set of responses the reader produced,
// truncated at the first disallowed status word when
// StopOnUnsuccessfulStatusWord was set (spec §4.6).
type CardResponse struct {
	ApduResponses []ApduResponse
}

// Transmitter is the reader boundary: ship a CardRequest to a named
// reader/card, get back a CardResponse. Implementations own all I/O;
// cancellation/timeouts are the caller's responsibility via ctx (spec §5:
// "there are no timeouts inside the engine — the reader imposes them").
type Transmitter interface {
	Transmit(ctx context.Context, request CardRequest) (CardResponse, error)
}
