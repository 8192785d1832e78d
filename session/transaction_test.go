package session

import (
	"bytes"
	"context"
	"testing"

	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/card"
	"github.com/calypsonet/calypso-engine/command"
	"github.com/calypsonet/calypso-engine/errs"
	"github.com/calypsonet/calypso-engine/reader"
	"github.com/calypsonet/calypso-engine/sam"
)

// scriptTransmitter replays a canned sequence of raw responses (data ‖ SW)
// and records every request it was handed, in order.
type scriptTransmitter struct {
	t         *testing.T
	responses [][]byte
	requests  [][]byte
}

func (s *scriptTransmitter) Transmit(_ context.Context, req reader.CardRequest) (reader.CardResponse, error) {
	s.t.Helper()
	var out reader.CardResponse
	for _, ar := range req.ApduRequests {
		if len(s.responses) == 0 {
			s.t.Fatalf("script exhausted: unexpected request % X", ar.Bytes)
		}
		s.requests = append(s.requests, ar.Bytes)
		raw := s.responses[0]
		s.responses = s.responses[1:]
		sw := uint16(raw[len(raw)-2])<<8 | uint16(raw[len(raw)-1])
		out.ApduResponses = append(out.ApduResponses, reader.ApduResponse{Data: raw[:len(raw)-2], SW: sw})
		if req.StopOnUnsuccessfulStatusWord && !ar.IsSuccessful(sw) {
			break
		}
	}
	return out, nil
}

func hexb(t *testing.T, s string) []byte {
	t.Helper()
	b, err := apdu.HexBytes(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func rev3Setting() *sam.SecuritySetting {
	s := sam.NewSecuritySetting()
	s.SetDefaultKey(sam.AccessPerso, sam.KeyRef{KIF: 0x21, KVC: 0x79})
	s.SetDefaultKey(sam.AccessLoad, sam.KeyRef{KIF: 0x27, KVC: 0x79})
	s.SetDefaultKey(sam.AccessDebit, sam.KeyRef{KIF: 0x30, KVC: 0x79})
	s.RatificationEnabled = true
	s.ExtendedModeEnabled = true
	return s
}

func newRev3Card() *card.CalypsoCard {
	c := card.New(card.ProductPrimeRev3)
	c.Capabilities.ExtendedMode = true
	return c
}

func newManagerForTest(t *testing.T, c *card.CalypsoCard, setting *sam.SecuritySetting, poScript, samScript [][]byte) (*TransactionManager, *scriptTransmitter, *scriptTransmitter) {
	t.Helper()
	po := &scriptTransmitter{t: t, responses: poScript}
	samIO := &scriptTransmitter{t: t, responses: samScript}
	s := sam.New(sam.ProductSamC1, nil)
	return NewTransactionManager(po, samIO, c, s, setting), po, samIO
}

func TestOpenCloseRoundTrip(t *testing.T) {
	// Open response: flags=ratified, KVC=0x79, KIF=0xFF (defer to the
	// security setting's default for PERSO), 8-byte card challenge.
	openResp := hexb(t, "01 79 FF 01 02 03 04 05 06 07 08 90 00")
	poScript := [][]byte{
		openResp,
		hexb(t, "90 00"),                         // Update Record
		hexb(t, "A1 A2 A3 A4 A5 A6 A7 A8 90 00"), // Close: card signature
	}
	samScript := [][]byte{
		hexb(t, "11 22 33 44 55 66 77 88 90 00"), // Get Challenge
		hexb(t, "90 00"),                         // Digest Init
		hexb(t, "90 00"),                         // Digest Update (request)
		hexb(t, "90 00"),                         // Digest Update (response)
		hexb(t, "B1 B2 B3 B4 B5 B6 B7 B8 90 00"), // Digest Close: terminal MAC
		hexb(t, "90 00"),                         // Digest Authenticate
	}
	tm, po, samIO := newManagerForTest(t, newRev3Card(), rev3Setting(), poScript, samScript)
	ctx := context.Background()

	if err := tm.PrepareOpenSecureSession(sam.AccessPerso, 0x1A, 1); err != nil {
		t.Fatalf("PrepareOpenSecureSession: %v", err)
	}
	if err := tm.ProcessCommands(ctx); err != nil {
		t.Fatalf("ProcessCommands (open): %v", err)
	}
	if !tm.IsSessionOpen() {
		t.Fatal("session not open after processing")
	}

	wantOpen := hexb(t, "00 8A 0B D2 09 00 11 22 33 44 55 66 77 88 00")
	if !bytes.Equal(po.requests[0], wantOpen) {
		t.Errorf("open request = % X, want % X", po.requests[0], wantOpen)
	}

	if err := tm.Prepare(command.NewUpdateRecord(0x08, 1, []byte{0xDE, 0xAD, 0xBE, 0xEF})); err != nil {
		t.Fatalf("Prepare(Update Record): %v", err)
	}
	if err := tm.ProcessClosing(ctx); err != nil {
		t.Fatalf("ProcessClosing: %v", err)
	}
	if tm.IsSessionOpen() {
		t.Error("session still open after close")
	}

	wantUpdate := hexb(t, "00 DC 01 40 04 DE AD BE EF")
	if !bytes.Equal(po.requests[1], wantUpdate) {
		t.Errorf("update request = % X, want % X", po.requests[1], wantUpdate)
	}
	wantClose := hexb(t, "00 8E 80 00 08 B1 B2 B3 B4 B5 B6 B7 B8 00")
	if !bytes.Equal(po.requests[2], wantClose) {
		t.Errorf("close request = % X, want % X", po.requests[2], wantClose)
	}

	// The SAM saw the digest of the update request and its response.
	wantDigestUpdate := append(hexb(t, "80 8C 00 00 09"), wantUpdate...)
	if !bytes.Equal(samIO.requests[2], wantDigestUpdate) {
		t.Errorf("digest update request = % X, want % X", samIO.requests[2], wantDigestUpdate)
	}

	// The session write landed in the card image.
	ef, ok := tm.Card().File(0x08)
	if !ok {
		t.Fatal("EF 0x08 missing from card image")
	}
	rec, _ := ef.Record(1)
	if !bytes.Equal(rec, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("record 1 = % X, want DE AD BE EF", rec)
	}
}

func TestCloseMACMismatchLeavesManagerIdle(t *testing.T) {
	openResp := hexb(t, "01 79 FF 01 02 03 04 05 06 07 08 90 00")
	poScript := [][]byte{
		openResp,
		hexb(t, "A1 A2 A3 A4 A5 A6 A7 A8 90 00"), // Close: card signature
	}
	samScript := [][]byte{
		hexb(t, "11 22 33 44 55 66 77 88 90 00"), // Get Challenge
		hexb(t, "90 00"),                         // Digest Init
		hexb(t, "B1 B2 B3 B4 B5 B6 B7 B8 90 00"), // Digest Close
		hexb(t, "69 88"),                         // Digest Authenticate: MAC mismatch
	}
	tm, _, _ := newManagerForTest(t, newRev3Card(), rev3Setting(), poScript, samScript)
	ctx := context.Background()

	if err := tm.PrepareOpenSecureSession(sam.AccessDebit, 0x1A, 1); err != nil {
		t.Fatalf("PrepareOpenSecureSession: %v", err)
	}
	if err := tm.ProcessCommands(ctx); err != nil {
		t.Fatalf("ProcessCommands: %v", err)
	}

	err := tm.ProcessClosing(ctx)
	if err == nil {
		t.Fatal("expected authentication failure, got nil")
	}
	if got := kindOf(t, err); got != errs.KindSamSecurityData {
		t.Errorf("kind = %v, want SamSecurityData", got)
	}
	if tm.IsSessionOpen() {
		t.Error("manager not back in IDLE after failed close authentication")
	}
	// IDLE means a fresh session can be prepared.
	if err := tm.PrepareOpenSecureSession(sam.AccessDebit, 0x1A, 1); err != nil {
		t.Errorf("PrepareOpenSecureSession after failed close: %v", err)
	}
}

func TestSessionBufferOverflowFailsBeforeTransmission(t *testing.T) {
	tm, po, samIO := newManagerForTest(t, newRev3Card(), rev3Setting(), nil, nil)

	if err := tm.PrepareOpenSecureSession(sam.AccessLoad, 0x08, 1); err != nil {
		t.Fatalf("PrepareOpenSecureSession: %v", err)
	}
	// 209 + 6 = 215 fits exactly; one more byte overflows.
	if err := tm.Prepare(command.NewUpdateRecord(0x08, 1, make([]byte, 209))); err != nil {
		t.Fatalf("Prepare within budget: %v", err)
	}
	err := tm.Prepare(command.NewUpdateRecord(0x08, 2, []byte{0x00}))
	if err == nil {
		t.Fatal("expected buffer overflow, got nil")
	}
	if got := kindOf(t, err); got != errs.KindCardSessionBufferOverflow {
		t.Errorf("kind = %v, want CardSessionBufferOverflow", got)
	}
	if len(po.requests) != 0 || len(samIO.requests) != 0 {
		t.Error("overflow was detected only after transmission")
	}
}

func TestForbiddenCommandInsideSession(t *testing.T) {
	tm, _, _ := newManagerForTest(t, newRev3Card(), rev3Setting(), nil, nil)
	if err := tm.PrepareOpenSecureSession(sam.AccessDebit, 0, 0); err != nil {
		t.Fatalf("PrepareOpenSecureSession: %v", err)
	}
	err := tm.Prepare(command.NewGetChallenge(8))
	if err == nil {
		t.Fatal("expected scheduling error, got nil")
	}
	if got := kindOf(t, err); got != errs.KindSessionAlreadyOpen {
		t.Errorf("kind = %v, want SessionAlreadyOpen", got)
	}
}

func TestSVDebitFlowLegacyCard(t *testing.T) {
	c := card.New(card.ProductPrimeRev1)
	setting := sam.NewSecuritySetting()
	setting.SVKey = sam.KeyRef{KIF: 0xF0, KVC: 0x23}

	poScript := [][]byte{
		// SV Get: challenge(3) tnum(2) balance(3)=1000 kvc(1)
		hexb(t, "0A 0B 0C 00 11 00 03 E8 23 90 00"),
		// SV Debit: card MAC
		hexb(t, "31 32 33 90 00"),
	}
	samScript := [][]byte{
		// SV Prepare Debit: serial(4) P1 P2 challenge(3) tnum(3) MAC(3)
		hexb(t, "AA BB CC DD 55 66 01 02 03 00 00 01 99 98 97 90 00"),
		hexb(t, "90 00"), // SV Check
	}
	tm, po, _ := newManagerForTest(t, c, setting, poScript, samScript)
	ctx := context.Background()

	if err := tm.PrepareSVGet(command.SVDebit); err != nil {
		t.Fatalf("PrepareSVGet: %v", err)
	}
	if err := tm.ProcessCommands(ctx); err != nil {
		t.Fatalf("ProcessCommands (SV Get): %v", err)
	}
	wantGet := hexb(t, "FA 7C 00 09 00")
	if !bytes.Equal(po.requests[0], wantGet) {
		t.Errorf("SV Get request = % X, want % X", po.requests[0], wantGet)
	}
	if tm.Card().SV.Balance != 1000 {
		t.Errorf("balance after SV Get = %d, want 1000", tm.Card().SV.Balance)
	}

	if err := tm.PrepareSVDebit(100, [2]byte{0x12, 0x34}, [2]byte{0x56, 0x78}); err != nil {
		t.Fatalf("PrepareSVDebit: %v", err)
	}
	if err := tm.ProcessCommands(ctx); err != nil {
		t.Fatalf("ProcessCommands (SV Debit): %v", err)
	}

	// Legacy SV class, INS 0xBA, P1/P2 from the SAM's output, 20-byte
	// data field: 7-byte terminal prefix + 13-byte SAM splice.
	wantDebit := hexb(t, "FA BA 55 66 14 00 64 12 34 56 78 23 AA BB CC DD 01 02 03 00 00 01 99 98 97")
	if !bytes.Equal(po.requests[1], wantDebit) {
		t.Errorf("SV Debit request = % X, want % X", po.requests[1], wantDebit)
	}
	if tm.Card().SV.Balance != 900 {
		t.Errorf("balance after SV Debit = %d, want 900", tm.Card().SV.Balance)
	}
}

func TestSVDebitBeforeGetEmitsNoAPDU(t *testing.T) {
	tm, po, samIO := newManagerForTest(t, card.New(card.ProductPrimeRev1), sam.NewSecuritySetting(), nil, nil)
	err := tm.PrepareSVDebit(100, [2]byte{0x12, 0x34}, [2]byte{0x56, 0x78})
	if err == nil {
		t.Fatal("expected DesynchronizedCommands, got nil")
	}
	if got := kindOf(t, err); got != errs.KindDesynchronizedCommands {
		t.Errorf("kind = %v, want DesynchronizedCommands", got)
	}
	if len(po.requests) != 0 || len(samIO.requests) != 0 {
		t.Error("an APDU was emitted for the refused SV operation")
	}
}

func TestVerifyPINCipheredFlow(t *testing.T) {
	c := newRev3Card()
	setting := rev3Setting()
	setting.PinCipheringKey = sam.KeyRef{KIF: 0x30, KVC: 0x79}

	poScript := [][]byte{
		hexb(t, "AA BB CC DD EE FF 00 11 90 00"), // Get Challenge
		hexb(t, "63 C2"),                         // Verify PIN: 2 attempts left
	}
	samScript := [][]byte{
		hexb(t, "88 77 66 55 44 33 22 11 90 00"), // Card Cipher PIN
	}
	tm, po, samIO := newManagerForTest(t, c, setting, poScript, samScript)

	err := tm.ProcessVerifyPIN(context.Background(), []byte("1234"))
	if err == nil {
		t.Fatal("expected PinAttempt error, got nil")
	}
	if got := kindOf(t, err); got != errs.KindCardPinAttempt {
		t.Errorf("kind = %v, want CardPinAttempt", got)
	}
	if tm.Card().PIN.AttemptsRemaining != 2 {
		t.Errorf("AttemptsRemaining = %d, want 2", tm.Card().PIN.AttemptsRemaining)
	}
	if tm.Card().PIN.Verified {
		t.Error("PIN marked verified after a failed attempt")
	}

	wantGetChallenge := hexb(t, "00 84 00 00 08")
	if !bytes.Equal(po.requests[0], wantGetChallenge) {
		t.Errorf("Get Challenge request = % X, want % X", po.requests[0], wantGetChallenge)
	}
	// Card Cipher PIN carries (KIF, KVC), the card challenge and the PIN.
	wantCipher := hexb(t, "80 12 00 00 0E 30 79 AA BB CC DD EE FF 00 11 31 32 33 34")
	if !bytes.Equal(samIO.requests[0], wantCipher) {
		t.Errorf("Card Cipher PIN request = % X, want % X", samIO.requests[0], wantCipher)
	}
	// The ciphered block from the SAM became Verify PIN's data-in.
	wantVerify := hexb(t, "00 20 00 00 08 88 77 66 55 44 33 22 11")
	if !bytes.Equal(po.requests[1], wantVerify) {
		t.Errorf("Verify PIN request = % X, want % X", po.requests[1], wantVerify)
	}
}

func TestProcessCancelIsIdempotent(t *testing.T) {
	openResp := hexb(t, "01 79 FF 01 02 03 04 05 06 07 08 90 00")
	poScript := [][]byte{
		openResp,
		hexb(t, "90 00"), // abort Close Secure Session
	}
	samScript := [][]byte{
		hexb(t, "11 22 33 44 55 66 77 88 90 00"),
		hexb(t, "90 00"), // Digest Init
	}
	tm, po, _ := newManagerForTest(t, newRev3Card(), rev3Setting(), poScript, samScript)
	ctx := context.Background()

	if err := tm.PrepareOpenSecureSession(sam.AccessDebit, 0x1A, 1); err != nil {
		t.Fatalf("PrepareOpenSecureSession: %v", err)
	}
	if err := tm.ProcessCommands(ctx); err != nil {
		t.Fatalf("ProcessCommands: %v", err)
	}

	tm.PrepareCancelSecureSession()
	if err := tm.ProcessCancel(ctx); err != nil {
		t.Fatalf("ProcessCancel: %v", err)
	}
	if tm.IsSessionOpen() {
		t.Error("session still open after cancel")
	}
	wantAbort := hexb(t, "00 8E 00 00")
	if !bytes.Equal(po.requests[len(po.requests)-1], wantAbort) {
		t.Errorf("abort request = % X, want % X", po.requests[len(po.requests)-1], wantAbort)
	}

	sent := len(po.requests)
	if err := tm.ProcessCancel(ctx); err != nil {
		t.Fatalf("second ProcessCancel: %v", err)
	}
	if len(po.requests) != sent {
		t.Error("second cancel transmitted an APDU")
	}
}

func TestOpenWhileOpenIsRefused(t *testing.T) {
	tm, _, _ := newManagerForTest(t, newRev3Card(), rev3Setting(), nil, nil)
	if err := tm.PrepareOpenSecureSession(sam.AccessDebit, 0, 0); err != nil {
		t.Fatalf("first PrepareOpenSecureSession: %v", err)
	}
	err := tm.PrepareOpenSecureSession(sam.AccessDebit, 0, 0)
	if err == nil {
		t.Fatal("expected SessionAlreadyOpen, got nil")
	}
	if got := kindOf(t, err); got != errs.KindSessionAlreadyOpen {
		t.Errorf("kind = %v, want SessionAlreadyOpen", got)
	}
}

func TestProcessClosingWithoutSession(t *testing.T) {
	tm, _, _ := newManagerForTest(t, newRev3Card(), rev3Setting(), nil, nil)
	err := tm.ProcessClosing(context.Background())
	if err == nil {
		t.Fatal("expected SessionNotOpen, got nil")
	}
	if got := kindOf(t, err); got != errs.KindSessionNotOpen {
		t.Errorf("kind = %v, want SessionNotOpen", got)
	}
}
