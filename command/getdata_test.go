package command

import (
	"bytes"
	"testing"

	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/card"
)

func TestGetData_Traceability(t *testing.T) {
	c := card.New(card.ProductPrimeRev3)
	gd := NewGetData(TagTraceability)
	req, err := gd.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if req.Bytes[2] != 0x01 || req.Bytes[3] != 0x85 {
		t.Errorf("P1P2 = %02X%02X, want 0185", req.Bytes[2], req.Bytes[3])
	}
	resp, _ := apdu.Parse([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x90, 0x00})
	if err := gd.Parse(resp, c); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(c.Traceability, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("Traceability = % X", c.Traceability)
	}
}

func TestGetData_CardPublicKey_SetsPKICapability(t *testing.T) {
	c := card.New(card.ProductPrimeRev3)
	gd := NewGetData(TagCardPublicKey)
	resp, _ := apdu.Parse([]byte{0x01, 0x02, 0x90, 0x00})
	if err := gd.Parse(resp, c); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !c.Capabilities.PKI {
		t.Errorf("expected PKI capability to be set after reading the card public key")
	}
}
