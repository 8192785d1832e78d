package command

import (
	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/card"
	"github.com/calypsonet/calypso-engine/errs"
	"github.com/calypsonet/calypso-engine/sw"
)

const (
	insIncrease byte = 0x32
	insDecrease byte = 0x30

	swDataPostponed uint16 = 0x6200
)

// counterCommand is the shared shape of Increase/Decrease: 3-byte unsigned
// delta against counterNumber in SFI, with the "postponed" 0x6200 quirk of
// spec §4.3 ("the parser must use a locally computed value ... rather than
// the (empty) response").
type counterCommand struct {
	baseCommand
	SFI           byte
	CounterNumber byte
	Amount        uint32 // 0..0xFFFFFF
	increase      bool

	// NewValue is populated after a successful Parse with the resulting
	// counter value, whether read from the card's response or computed
	// locally for a postponed update.
	NewValue uint32
}

func (cmd *counterCommand) ins() byte {
	if cmd.increase {
		return insIncrease
	}
	return insDecrease
}

func (cmd *counterCommand) Build(c *card.CalypsoCard) (apdu.Request, error) {
	return apdu.Builder{
		CLA: classByte(c),
		INS: cmd.ins(),
		P1:  cmd.CounterNumber,
		P2:  cmd.SFI << 3,
		Data: []byte{
			byte(cmd.Amount >> 16),
			byte(cmd.Amount >> 8),
			byte(cmd.Amount),
		},
		Le: apdu.Le0(),
	}.Build()
}

func (cmd *counterCommand) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	switch resp.SW() {
	case 0x9000:
		if len(resp.Data) < 3 {
			return errs.New(errs.KindUnexpectedResponseLength, cmd.name, "counter response shorter than 3 bytes")
		}
		cmd.NewValue = uint32(resp.Data[0])<<16 | uint32(resp.Data[1])<<8 | uint32(resp.Data[2])
	case swDataPostponed:
		if !c.Capabilities.CounterValuePostponed {
			return cmd.table.Lookup(cmd.name, resp.SW())
		}
		var prev uint32
		if known, ok := c.File(cmd.SFI); ok {
			prev, _ = known.Counter(int(cmd.CounterNumber))
		}
		if cmd.increase {
			cmd.NewValue = prev + cmd.Amount
		} else {
			cmd.NewValue = prev - cmd.Amount
		}
	default:
		return cmd.requireSuccess(resp)
	}

	ef, ok := c.File(cmd.SFI)
	if !ok {
		ef = c.EnsureFile(cmd.SFI, 0, card.FileCounters, 3, int(cmd.CounterNumber))
	}
	ef.SetRecord(int(cmd.CounterNumber), []byte{
		byte(cmd.NewValue >> 16), byte(cmd.NewValue >> 8), byte(cmd.NewValue),
	})
	return nil
}

// Increase adds Amount to a counter (spec §6, INS=0x32).
type Increase struct{ counterCommand }

// NewIncrease builds an Increase command.
func NewIncrease(sfi, counterNumber byte, amount uint32) *Increase {
	return &Increase{counterCommand{
		baseCommand: baseCommand{name: "Increase", table: sw.Baseline(), allowedInSession: true,
			usesSessionBuffer: true, sessionBufferCost: 6},
		SFI: sfi, CounterNumber: counterNumber, Amount: amount, increase: true,
	}}
}

// Decrease subtracts Amount from a counter (spec §6, INS=0x30).
type Decrease struct{ counterCommand }

// NewDecrease builds a Decrease command.
func NewDecrease(sfi, counterNumber byte, amount uint32) *Decrease {
	return &Decrease{counterCommand{
		baseCommand: baseCommand{name: "Decrease", table: sw.Baseline(), allowedInSession: true,
			usesSessionBuffer: true, sessionBufferCost: 6},
		SFI: sfi, CounterNumber: counterNumber, Amount: amount, increase: false,
	}}
}
