package command

import (
	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/card"
	"github.com/calypsonet/calypso-engine/sw"
)

const (
	insReadBinary   byte = 0xB0
	insUpdateBinary byte = 0xD6
)

// ReadBinary reads length bytes of a BINARY EF starting at offset. P1 is
// 0x80|SFI when offset < 256, otherwise the offset's high byte; P2 is the
// offset's low byte.
type ReadBinary struct {
	baseCommand
	SFI    byte
	Offset int
	Length byte
}

// NewReadBinary builds a Read Binary command.
func NewReadBinary(sfi byte, offset int, length byte) *ReadBinary {
	return &ReadBinary{
		baseCommand: baseCommand{name: "Read Binary", table: sw.Baseline(), allowedInSession: true},
		SFI:         sfi, Offset: offset, Length: length,
	}
}

func (r *ReadBinary) Build(c *card.CalypsoCard) (apdu.Request, error) {
	var p1 byte
	if r.Offset < 256 {
		p1 = 0x80 | r.SFI
	} else {
		p1 = byte(r.Offset >> 8)
	}
	return apdu.Builder{
		CLA: classByte(c),
		INS: insReadBinary,
		P1:  p1,
		P2:  byte(r.Offset),
		Le:  &r.Length,
	}.Build()
}

func (r *ReadBinary) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := r.requireSuccess(resp); err != nil {
		return err
	}
	ef := c.EnsureFile(r.SFI, 0, card.FileBinary, r.Offset+len(resp.Data), 1)
	existing, _ := ef.Record(1)
	need := r.Offset + len(resp.Data)
	if len(existing) > need {
		need = len(existing)
	}
	buf := make([]byte, need)
	copy(buf, existing)
	copy(buf[r.Offset:], resp.Data)
	ef.SetRecord(1, buf)
	return nil
}

// UpdateBinary overwrites length bytes of a BINARY EF starting at offset.
type UpdateBinary struct {
	baseCommand
	SFI    byte
	Offset int
	Data   []byte
}

// NewUpdateBinary builds an Update Binary command.
func NewUpdateBinary(sfi byte, offset int, data []byte) *UpdateBinary {
	return &UpdateBinary{
		baseCommand: baseCommand{name: "Update Binary", table: sw.Baseline(), allowedInSession: true,
			usesSessionBuffer: true, sessionBufferCost: len(data) + 6},
		SFI: sfi, Offset: offset, Data: data,
	}
}

func (u *UpdateBinary) Build(c *card.CalypsoCard) (apdu.Request, error) {
	if len(u.Data) > 255 {
		return apdu.Request{}, fmtRecordTooLong(u.name, len(u.Data), 255)
	}
	var p1 byte
	if u.Offset < 256 {
		p1 = 0x80 | u.SFI
	} else {
		p1 = byte(u.Offset >> 8)
	}
	return apdu.Builder{
		CLA:  classByte(c),
		INS:  insUpdateBinary,
		P1:   p1,
		P2:   byte(u.Offset),
		Data: u.Data,
	}.Build()
}

func (u *UpdateBinary) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := u.requireSuccess(resp); err != nil {
		return err
	}
	ef := c.EnsureFile(u.SFI, 0, card.FileBinary, u.Offset+len(u.Data), 1)
	existing, _ := ef.Record(1)
	need := u.Offset + len(u.Data)
	buf := existing
	if len(buf) < need {
		grown := make([]byte, need)
		copy(grown, existing)
		buf = grown
	}
	copy(buf[u.Offset:], u.Data)
	ef.SetRecord(1, buf)
	return nil
}
