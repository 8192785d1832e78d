package command

import (
	"bytes"
	"testing"

	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/card"
	"github.com/calypsonet/calypso-engine/sam"
)

// TestOpenSecureSession_KIFFFScenario is spec §8 scenario 2: Open Secure
// Session for access level PERSO, SFI=0x1A, record=1, SAM challenge
// `11 22 33 44 55 66 77 88` on PRIME_REV3 ⇒
// `00 8A 0B D2 09 00 11 22 33 44 55 66 77 88 00`.
func TestOpenSecureSession_KIFFFScenario(t *testing.T) {
	c := card.New(card.ProductPrimeRev3)
	challenge := apdu.MustHexBytes("11 22 33 44 55 66 77 88")

	open := NewOpenSecureSession(sam.AccessPerso, 0x1A, 1, challenge, OpenSecureSessionContext{})
	req, err := open.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := apdu.MustHexBytes("00 8A 0B D2 09 00 11 22 33 44 55 66 77 88 00")
	if !bytes.Equal(req.Bytes, want) {
		t.Errorf("request = % X, want % X", req.Bytes, want)
	}

	respData := append([]byte{0x01, 0x79, 0xFF}, apdu.MustHexBytes("AA BB CC DD EE FF 01 02")...)
	resp, err := apdu.Parse(append(respData, 0x90, 0x00))
	if err != nil {
		t.Fatalf("Parse raw: %v", err)
	}
	if err := open.Parse(resp, c); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if open.KIF != 0xFF || open.KVC != 0x79 {
		t.Errorf("KIF/KVC = %02X/%02X, want FF/79", open.KIF, open.KVC)
	}
	if !open.PreviousSessionRatified {
		t.Errorf("expected previousSessionRatified bit set")
	}
	if !bytes.Equal(open.CardChallenge, apdu.MustHexBytes("AA BB CC DD EE FF 01 02")) {
		t.Errorf("card challenge = % X", open.CardChallenge)
	}

	kif, err := sam.NewSecuritySetting().SetDefaultKey(sam.AccessPerso, sam.KeyRef{KIF: 0x21}).ResolveKIF(sam.AccessPerso, open.KIF, open.KVC)
	if err != nil || kif != 0x21 {
		t.Errorf("ResolveKIF() = (%02X, %v), want (21, nil)", kif, err)
	}
}

func TestCloseSecureSession_Ratified(t *testing.T) {
	c := card.New(card.ProductPrimeRev3)
	mac := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	cs := NewCloseSecureSession(true, mac)
	req, err := cs.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if req.Bytes[2] != 0x80 {
		t.Errorf("P1 = %02X, want 80 (ratification requested)", req.Bytes[2])
	}

	sig := []byte{0x01, 0x02, 0x03, 0x04}
	resp, _ := apdu.Parse(append(append([]byte(nil), sig...), 0x90, 0x00))
	if err := cs.Parse(resp, c); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(cs.CardSignature, sig) {
		t.Errorf("CardSignature = % X, want % X", cs.CardSignature, sig)
	}
}

func TestAbortSecureSession_NeverFails(t *testing.T) {
	c := card.New(card.ProductPrimeRev3)
	ab := NewAbortSecureSession()
	req, err := ab.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if req.Bytes[2] != 0 || req.Bytes[3] != 0 || len(req.Bytes) != 4 {
		t.Errorf("abort request = % X, want P1=P2=Lc=0 4-byte case-1 APDU", req.Bytes)
	}
	resp, _ := apdu.Parse([]byte{0x69, 0x85}) // even a failure status must not error
	if err := ab.Parse(resp, c); err != nil {
		t.Errorf("abort Parse returned error: %v", err)
	}
}
