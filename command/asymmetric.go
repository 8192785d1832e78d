package command

import (
	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/card"
	"github.com/calypsonet/calypso-engine/sw"
)

const insGenerateAsymmetricKeyPair byte = 0x46

// GenerateAsymmetricKeyPair triggers on-card PKI key-pair generation. Per
// spec §1 ("does not perform asymmetric PKI operations beyond issuing the
// relevant APDUs and surfacing results"), this command only issues the
// APDU and stores whatever public-key material the card returns; no key
// generation or validation happens in this package.
type GenerateAsymmetricKeyPair struct {
	baseCommand
}

// NewGenerateAsymmetricKeyPair builds a Generate Asymmetric Key Pair
// command.
func NewGenerateAsymmetricKeyPair() *GenerateAsymmetricKeyPair {
	return &GenerateAsymmetricKeyPair{
		baseCommand{name: "Generate Asymmetric Key Pair", table: sw.Baseline(), allowedInSession: false},
	}
}

func (g *GenerateAsymmetricKeyPair) Build(c *card.CalypsoCard) (apdu.Request, error) {
	if !c.Capabilities.PKI {
		return apdu.Request{}, errPKINotSupported(g.name)
	}
	return apdu.Builder{CLA: classByte(c), INS: insGenerateAsymmetricKeyPair, P1: 0x00, P2: 0x00, Le: apdu.Le0()}.Build()
}

func (g *GenerateAsymmetricKeyPair) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := g.requireSuccess(resp); err != nil {
		return err
	}
	c.CardPublicKey = append([]byte(nil), resp.Data...)
	return nil
}
