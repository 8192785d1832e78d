package command

import (
	"testing"

	"github.com/calypsonet/calypso-engine/card"
)

// TestSVDebit_LegacyClassScenario is spec §8 scenario 4: amount=100,
// kvc=0x23, date=12 34, time=56 78, SAM dataOut 15 bytes (regular, not
// extended) ⇒ final request CLA=FA, INS=BA, P1/P2 taken from the SAM's
// output bytes 4-5, 20-byte data-in.
func TestSVDebit_LegacyClassScenario(t *testing.T) {
	c := card.New(card.ProductPrimeRev1) // legacy class product

	samOutputRaw := make([]byte, 15)
	copy(samOutputRaw[0:4], []byte{0x01, 0x02, 0x03, 0x04}) // serial
	samOutputRaw[4] = 0xAB                                   // P1
	samOutputRaw[5] = 0xCD                                   // P2
	copy(samOutputRaw[6:9], []byte{0x11, 0x22, 0x33})        // challenge
	copy(samOutputRaw[9:12], []byte{0x00, 0x00, 0x01})       // transaction number
	copy(samOutputRaw[12:15], []byte{0xAA, 0xBB, 0xCC})      // MAC (regular)

	out, err := ParseSVPrepareOutput(samOutputRaw)
	if err != nil {
		t.Fatalf("ParseSVPrepareOutput: %v", err)
	}
	if len(samOutputRaw) != 15 {
		t.Fatalf("fixture SAM output must be 15 bytes per scenario 4")
	}

	debit := NewSVDebit(100, [2]byte{0x12, 0x34}, [2]byte{0x56, 0x78}, 0x23)
	debit.FinalizeBuilder(out)

	req, err := debit.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if req.Bytes[0] != 0xFA {
		t.Errorf("CLA = %02X, want FA (legacy stored-value class)", req.Bytes[0])
	}
	if req.Bytes[1] != 0xBA {
		t.Errorf("INS = %02X, want BA", req.Bytes[1])
	}
	if req.Bytes[2] != out.P1 || req.Bytes[3] != out.P2 {
		t.Errorf("P1/P2 = %02X/%02X, want SAM output bytes 4-5 (%02X/%02X)", req.Bytes[2], req.Bytes[3], out.P1, out.P2)
	}
	// CLA INS P1 P2 Lc <data>
	dataLen := int(req.Bytes[4])
	if dataLen != 20 {
		t.Errorf("data-in length = %d, want 20 (scenario 4)", dataLen)
	}
}

func TestSVOperation_BuildBeforeFinalizeFails(t *testing.T) {
	c := card.New(card.ProductPrimeRev3)
	debit := NewSVDebit(1, [2]byte{}, [2]byte{}, 0)
	if _, err := debit.Build(c); err == nil {
		t.Errorf("expected error building an SV operation before FinalizeBuilder")
	}
}

func TestSVGet_UpdatesBalance(t *testing.T) {
	c := card.New(card.ProductPrimeRev3)
	get := NewSVGet(SVDebit, false)

	data := []byte{
		0x01, 0x02, 0x03, // challenge
		0x00, 0x05, // transaction number
		0x00, 0x00, 0x64, // balance = 100
		0x23, // kvc
	}
	resp, _ := parseTestResponse(t, data)
	if err := get.Parse(resp, c); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.SV.Balance != 100 {
		t.Errorf("balance = %d, want 100", c.SV.Balance)
	}
	if c.SV.TransactionNum != 5 {
		t.Errorf("transaction number = %d, want 5", c.SV.TransactionNum)
	}
}
