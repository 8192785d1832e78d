package command

import (
	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/card"
	"github.com/calypsonet/calypso-engine/sw"
)

const (
	insVerifyPIN  byte = 0x20
	insChangePIN  byte = 0xD8
	insInvalidate byte = 0x04
	insRehabilitate byte = 0x44
	insGetChallenge byte = 0x84
)

// GetChallenge asks the PO for a fresh challenge, the first step of the
// ciphered Verify PIN flow (spec §4.5). It is one of the commands spec
// §4.5 forbids inside an open session.
type GetChallenge struct {
	baseCommand
	Length byte // 4 or 8

	Challenge []byte
}

// NewGetChallenge builds a card Get Challenge command. length is the
// challenge size to request, 4 or 8 bytes per product.
func NewGetChallenge(length byte) *GetChallenge {
	return &GetChallenge{
		baseCommand: baseCommand{name: "Get Challenge", table: sw.Baseline(), allowedInSession: false},
		Length:      length,
	}
}

func (g *GetChallenge) Build(c *card.CalypsoCard) (apdu.Request, error) {
	le := g.Length
	return apdu.Builder{
		CLA: classByte(c),
		INS: insGetChallenge,
		P1:  0x00,
		P2:  0x00,
		Le:  &le,
	}.Build()
}

func (g *GetChallenge) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := g.requireSuccess(resp); err != nil {
		return err
	}
	g.Challenge = append([]byte(nil), resp.Data...)
	c.CardChallenge = g.Challenge
	return nil
}

// VerifyPIN checks a 4-byte plaintext or 8-byte ciphered PIN block against
// the card (spec §4.3/§4.5/§6). It is only allowed inside a session when
// the block is the 8-byte ciphered form — plain-mode verification is one of the commands spec
// §4.5 calls out as "impossible inside session".
type VerifyPIN struct {
	baseCommand
	Block []byte // 4 bytes plain, 8 bytes ciphered
}

// NewVerifyPIN builds a Verify PIN command. block must be 4 (plain) or 8
// (ciphered) bytes.
func NewVerifyPIN(block []byte) *VerifyPIN {
	ciphered := len(block) == 8
	return &VerifyPIN{
		baseCommand: baseCommand{name: "Verify PIN", table: sw.Baseline(), allowedInSession: ciphered},
		Block:       append([]byte(nil), block...),
	}
}

func (v *VerifyPIN) Build(c *card.CalypsoCard) (apdu.Request, error) {
	return apdu.Builder{
		CLA:  classByte(c),
		INS:  insVerifyPIN,
		P1:   0x00,
		P2:   0x00,
		Data: v.Block,
	}.Build()
}

func (v *VerifyPIN) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := v.requireSuccess(resp); err != nil {
		return err
	}
	c.PIN.Verified = true
	c.PIN.AttemptsRemaining = 3
	c.PIN.Blocked = false
	return nil
}

// ChangePIN replaces the reference PIN with a new 4-byte plaintext or
// 16-byte ciphered block (spec §6: "Change: P2=0x04, data-in=4 or 16
// bytes").
type ChangePIN struct {
	baseCommand
	NewBlock []byte
}

// NewChangePIN builds a Change PIN command.
func NewChangePIN(newBlock []byte) *ChangePIN {
	return &ChangePIN{
		baseCommand: baseCommand{name: "Change PIN", table: sw.Baseline(), allowedInSession: false,
			usesSessionBuffer: true, sessionBufferCost: len(newBlock) + 6},
		NewBlock: append([]byte(nil), newBlock...),
	}
}

func (ch *ChangePIN) Build(c *card.CalypsoCard) (apdu.Request, error) {
	return apdu.Builder{
		CLA:  classByte(c),
		INS:  insChangePIN,
		P1:   0x00,
		P2:   0x04,
		Data: ch.NewBlock,
	}.Build()
}

func (ch *ChangePIN) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := ch.requireSuccess(resp); err != nil {
		return err
	}
	c.PIN.Verified = true
	c.PIN.AttemptsRemaining = 3
	return nil
}

// Invalidate makes the card unusable for any further command other than
// selection and reads (spec §3's Invalidated flag).
type Invalidate struct{ baseCommand }

// NewInvalidate builds an Invalidate command.
func NewInvalidate() *Invalidate {
	return &Invalidate{baseCommand{name: "Invalidate", table: sw.Baseline(), allowedInSession: false}}
}

func (i *Invalidate) Build(c *card.CalypsoCard) (apdu.Request, error) {
	return apdu.Builder{CLA: classByte(c), INS: insInvalidate, P1: 0x00, P2: 0x00}.Build()
}

func (i *Invalidate) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := i.requireSuccess(resp); err != nil {
		return err
	}
	c.Invalidated = true
	return nil
}

// Rehabilitate reverses Invalidate.
type Rehabilitate struct{ baseCommand }

// NewRehabilitate builds a Rehabilitate command.
func NewRehabilitate() *Rehabilitate {
	return &Rehabilitate{baseCommand{name: "Rehabilitate", table: sw.Baseline(), allowedInSession: false}}
}

func (r *Rehabilitate) Build(c *card.CalypsoCard) (apdu.Request, error) {
	return apdu.Builder{CLA: classByte(c), INS: insRehabilitate, P1: 0x00, P2: 0x00}.Build()
}

func (r *Rehabilitate) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := r.requireSuccess(resp); err != nil {
		return err
	}
	c.Invalidated = false
	return nil
}
