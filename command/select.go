package command

import (
	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/card"
	"github.com/calypsonet/calypso-engine/sw"
)

const (
	insSelect byte = 0xA4

	tagFCI        uint16 = 0x6F
	tagAID        uint16 = 0x84
	tagFCITemplate uint16 = 0xA5
)

// SelectApplication selects a Calypso DF by AID and stores its FCI (spec
// §4.3, §6). It is never allowed inside a session because the FCI response
// can exceed 0xFF bytes and would break the running digest.
type SelectApplication struct {
	baseCommand
	AID []byte
}

// NewSelectApplication builds a Select Application command for aid.
func NewSelectApplication(aid []byte) *SelectApplication {
	return &SelectApplication{
		baseCommand: baseCommand{name: "Select Application", table: sw.Baseline(), allowedInSession: false},
		AID:         append([]byte(nil), aid...),
	}
}

func (s *SelectApplication) Build(c *card.CalypsoCard) (apdu.Request, error) {
	return apdu.Builder{
		CLA:  classByte(c),
		INS:  insSelect,
		P1:   0x04, // select by name
		P2:   0x00, // first or only occurrence, return FCI
		Data: s.AID,
		Le:   apdu.Le0(),
	}.Build()
}

func (s *SelectApplication) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := s.requireSuccess(resp); err != nil {
		return err
	}
	c.FCI = append([]byte(nil), resp.Data...)
	c.SelectDF(s.AID)
	if fci, ok := apdu.FindTag(resp.Data, tagFCI); ok {
		if aid, ok := apdu.FindTag(fci, tagAID); ok {
			c.SelectDF(aid)
		}
	}
	return nil
}

// SelectFile selects an EF under the current DF by LID (spec §3/§4.3).
type SelectFile struct {
	baseCommand
	LID uint16
}

// NewSelectFile builds a Select File command for the EF identified by lid.
func NewSelectFile(lid uint16) *SelectFile {
	return &SelectFile{
		baseCommand: baseCommand{name: "Select File", table: sw.Baseline(), allowedInSession: false},
		LID:         lid,
	}
}

func (s *SelectFile) Build(c *card.CalypsoCard) (apdu.Request, error) {
	return apdu.Builder{
		CLA:  classByte(c),
		INS:  insSelect,
		P1:   0x02, // select EF under current DF
		P2:   0x00, // return FCP
		Data: []byte{byte(s.LID >> 8), byte(s.LID)},
		Le:   apdu.Le0(),
	}.Build()
}

func (s *SelectFile) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := s.requireSuccess(resp); err != nil {
		return err
	}
	c.FCP = append([]byte(nil), resp.Data...)
	return nil
}
