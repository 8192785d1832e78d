// Package pcsc adapts a real PC/SC smart-card reader to the engine's
// reader.Transmitter interface. It is substantially the teacher's
// card/reader.go (github.com/ebfe/scard wrapper), narrowed to the single
// Transmit method the engine boundary needs and taught to speak
// reader.CardRequest/CardResponse batches with stop-on-error semantics
// instead of one bare []byte in, []byte out call.
//
// This package is optional: nothing in the core engine imports it. Host
// applications that talk to real hardware wire it in; tests exercise it
// behind the "pcsc" build tag since no reader is attached in CI.
package pcsc

import (
	"context"
	"fmt"

	"github.com/ebfe/scard"

	"github.com/calypsonet/calypso-engine/reader"
)

// Reader is a PC/SC smart-card reader connection.
type Reader struct {
	ctx  *scard.Context
	card *scard.Card
	name string
	atr  []byte
}

// ListReaders returns the names of every PC/SC reader known to the system.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("pcsc: establish context: %w", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("pcsc: list readers: %w", err)
	}
	return readers, nil
}

// Connect opens a shared connection to the card in the reader at
// readerIndex (as reported by ListReaders).
func Connect(readerIndex int) (*Reader, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("pcsc: establish context: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("pcsc: list readers: %w", err)
	}
	if len(readers) == 0 {
		ctx.Release()
		return nil, fmt.Errorf("pcsc: no smart card readers found")
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, fmt.Errorf("pcsc: reader index %d out of range (0-%d)", readerIndex, len(readers)-1)
	}

	name := readers[readerIndex]
	cardHandle, err := ctx.Connect(name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("pcsc: connect to card in reader %q: %w", name, err)
	}

	status, err := cardHandle.Status()
	if err != nil {
		cardHandle.Disconnect(scard.LeaveCard)
		ctx.Release()
		return nil, fmt.Errorf("pcsc: card status: %w", err)
	}

	return &Reader{ctx: ctx, card: cardHandle, name: name, atr: status.Atr}, nil
}

// ConnectFirst connects to reader index 0, the common single-reader case.
func ConnectFirst() (*Reader, error) {
	return Connect(0)
}

// Close releases the card handle and PC/SC context.
func (r *Reader) Close() error {
	if r.card != nil {
		r.card.Disconnect(scard.LeaveCard)
	}
	if r.ctx != nil {
		r.ctx.Release()
	}
	return nil
}

// Name returns the underlying PC/SC reader name.
func (r *Reader) Name() string { return r.name }

// ATR returns the Answer-To-Reset bytes observed at connect time.
func (r *Reader) ATR() []byte { return r.atr }

// Transmit implements reader.Transmitter: it sends every ApduRequest in
// order over the single physical channel, stopping early when
// StopOnUnsuccessfulStatusWord is set and a response's status word is not
// in that request's accepted set (spec §4.6).
func (r *Reader) Transmit(ctx context.Context, request reader.CardRequest) (reader.CardResponse, error) {
	var out reader.CardResponse
	for _, apduReq := range request.ApduRequests {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		raw, err := r.card.Transmit(apduReq.Bytes)
		if err != nil {
			return out, fmt.Errorf("pcsc: transmit failed: %w", err)
		}
		if len(raw) < 2 {
			return out, fmt.Errorf("pcsc: response too short: %d bytes", len(raw))
		}

		resp := reader.ApduResponse{
			Data: raw[:len(raw)-2],
			SW:   uint16(raw[len(raw)-2])<<8 | uint16(raw[len(raw)-1]),
		}
		out.ApduResponses = append(out.ApduResponses, resp)

		if request.StopOnUnsuccessfulStatusWord && !apduReq.IsSuccessful(resp.SW) {
			break
		}
	}
	return out, nil
}

var _ reader.Transmitter = (*Reader)(nil)
