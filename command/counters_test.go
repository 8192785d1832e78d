package command

import (
	"bytes"
	"testing"

	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/card"
)

// TestIncrease_Scenario is spec §8 scenario 3: SFI=0x19, counter 1, +128 on
// ISO ⇒ `00 32 01 C8 03 00 00 80 00`.
func TestIncrease_Scenario(t *testing.T) {
	c := card.New(card.ProductPrimeRev3)
	inc := NewIncrease(0x19, 1, 128)
	req, err := inc.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := apdu.MustHexBytes("00 32 01 C8 03 00 00 80 00")
	if !bytes.Equal(req.Bytes, want) {
		t.Errorf("request = % X, want % X", req.Bytes, want)
	}

	resp, _ := apdu.Parse(apdu.MustHexBytes("00 00 80 90 00"))
	if err := inc.Parse(resp, c); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if inc.NewValue != 128 {
		t.Errorf("NewValue = %d, want 128", inc.NewValue)
	}
}

func TestIncrease_PostponedRequiresCapability(t *testing.T) {
	c := card.New(card.ProductPrimeRev3)
	ef := c.EnsureFile(0x19, 0, card.FileCounters, 3, 1)
	ef.SetRecord(1, []byte{0x00, 0x00, 0x0A})

	inc := NewIncrease(0x19, 1, 5)
	resp, _ := apdu.Parse([]byte{0x62, 0x00})

	if err := inc.Parse(resp, c); err == nil {
		t.Errorf("expected error when CounterValuePostponed capability absent")
	}

	c.Capabilities.CounterValuePostponed = true
	if err := inc.Parse(resp, c); err != nil {
		t.Fatalf("Parse with capability set: %v", err)
	}
	if inc.NewValue != 15 {
		t.Errorf("NewValue = %d, want 15 (10+5 computed locally)", inc.NewValue)
	}
}

func TestDecrease_Basic(t *testing.T) {
	c := card.New(card.ProductPrimeRev3)
	dec := NewDecrease(0x19, 1, 10)
	req, err := dec.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if req.Bytes[1] != 0x30 {
		t.Errorf("INS = %02X, want 30", req.Bytes[1])
	}
}
