package command

import (
	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/card"
	"github.com/calypsonet/calypso-engine/sw"
)

const insGetData byte = 0xCA

// Get Data tag values (spec §6).
const (
	TagFCI           uint16 = 0x006F
	TagFCP           uint16 = 0x0062
	TagEFList        uint16 = 0x00C0
	TagTraceability  uint16 = 0x0185
	TagCardPublicKey uint16 = 0xDF2C
)

// GetData retrieves one of the tagged data objects of spec §6's Get Data
// table. Like Select, it is never scheduled inside a session because its
// response can exceed 0xFF bytes.
type GetData struct {
	baseCommand
	Tag uint16
}

// NewGetData builds a Get Data command for the given tag (one of the Tag*
// constants above).
func NewGetData(tag uint16) *GetData {
	return &GetData{
		baseCommand: baseCommand{name: "Get Data", table: sw.Baseline(), allowedInSession: false},
		Tag:         tag,
	}
}

func (g *GetData) Build(c *card.CalypsoCard) (apdu.Request, error) {
	return apdu.Builder{
		CLA: classByte(c),
		INS: insGetData,
		P1:  byte(g.Tag >> 8),
		P2:  byte(g.Tag),
		Le:  apdu.Le0(),
	}.Build()
}

func (g *GetData) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := g.requireSuccess(resp); err != nil {
		return err
	}
	data := append([]byte(nil), resp.Data...)
	switch g.Tag {
	case TagFCI:
		c.FCI = data
	case TagFCP:
		c.FCP = data
	case TagEFList:
		c.EFList = data
	case TagTraceability:
		c.Traceability = data
	case TagCardPublicKey:
		c.CardPublicKey = data
		c.Capabilities.PKI = true
	}
	return nil
}
