package command

import (
	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/errs"
	"github.com/calypsonet/calypso-engine/sam"
	"github.com/calypsonet/calypso-engine/sw"
)

// SAM instruction bytes (spec §6).
const (
	insSelectDiversifier byte = 0x14
	insSAMGetChallenge   byte = 0x84
	insDigestInit        byte = 0x8A
	insDigestUpdate      byte = 0x8C
	insDigestClose       byte = 0x8E
	insDigestAuthenticate byte = 0x82
	insGiveRandom        byte = 0x86
	insCardCipherPIN     byte = 0x12
	insCardGenerateKey   byte = 0x12
	insSVPrepareLoad     byte = 0x56
	insSVPrepareDebit    byte = 0x54
	insSVPrepareUndebit  byte = 0x5C
	insSVCheck           byte = 0x58
	insPSOCompute        byte = 0x2A
	insPSOVerify         byte = 0x2A
	insUnlock            byte = 0x20
	insWriteKey          byte = 0x1A
	insReadCeilings      byte = 0xBE
	insReadKeyParameters byte = 0xBC
)

// SVPrepareOutput is the SAM's reply to SV Prepare Load/Debit/Undebit: the
// data the transaction manager splices into the pending SV operation APDU
// (spec §4.5). Layout: [serial(4) P1(1) P2(1) challenge(3)
// transactionNumber(3) MAC(remaining)] — P1/P2 sit inside the SAM's own
// output because the PO-side SV command's header is derived from it
// (spec §8 scenario 4: "P1/P2 from SAM bytes 4–5").
type SVPrepareOutput struct {
	Serial             [4]byte
	P1, P2             byte
	Challenge          [3]byte
	TransactionNumber  [3]byte
	MAC                []byte
}

func (o SVPrepareOutput) suffix() []byte {
	out := make([]byte, 0, 4+3+3+len(o.MAC))
	out = append(out, o.Serial[:]...)
	out = append(out, o.Challenge[:]...)
	out = append(out, o.TransactionNumber[:]...)
	out = append(out, o.MAC...)
	return out
}

// ParseSVPrepareOutput decodes a SAM SV Prepare* response body.
func ParseSVPrepareOutput(data []byte) (SVPrepareOutput, error) {
	const minLen = 4 + 1 + 1 + 3 + 3
	if len(data) < minLen {
		return SVPrepareOutput{}, errs.New(errs.KindUnexpectedResponseLength, "SV Prepare", "SAM output too short")
	}
	var out SVPrepareOutput
	copy(out.Serial[:], data[0:4])
	out.P1 = data[4]
	out.P2 = data[5]
	copy(out.Challenge[:], data[6:9])
	copy(out.TransactionNumber[:], data[9:12])
	out.MAC = append([]byte(nil), data[12:]...)
	return out, nil
}

// SelectDiversifier primes the SAM to diversify its master keys with the
// PO's serial number before any session-key operation (spec §6, INS=0x14).
type SelectDiversifier struct {
	samBaseCommand
	Diversifier []byte
}

// NewSelectDiversifier builds a Select Diversifier command.
func NewSelectDiversifier(diversifier []byte) *SelectDiversifier {
	return &SelectDiversifier{
		samBaseCommand: samBaseCommand{name: "Select Diversifier", table: sw.Baseline()},
		Diversifier:    append([]byte(nil), diversifier...),
	}
}

func (d *SelectDiversifier) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	return apdu.Builder{CLA: samClassByte(s), INS: insSelectDiversifier, Data: d.Diversifier}.Build()
}

func (d *SelectDiversifier) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	return d.requireSuccess(resp)
}

// SAMGetChallenge asks the SAM for a fresh challenge to open a PO session
// with (spec §4.5 step 1, §6 INS=0x84).
type SAMGetChallenge struct {
	samBaseCommand
	Extended bool

	Challenge []byte
}

// NewSAMGetChallenge builds a SAM Get Challenge command. extended selects
// an 8-byte challenge instead of the default 4-byte one.
func NewSAMGetChallenge(extended bool) *SAMGetChallenge {
	return &SAMGetChallenge{
		samBaseCommand: samBaseCommand{name: "Get Challenge", table: sw.Baseline()},
		Extended:       extended,
	}
}

func (g *SAMGetChallenge) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	le := byte(4)
	if g.Extended {
		le = 8
	}
	return apdu.Builder{CLA: samClassByte(s), INS: insSAMGetChallenge, Le: &le}.Build()
}

func (g *SAMGetChallenge) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	if err := g.requireSuccess(resp); err != nil {
		return err
	}
	g.Challenge = append([]byte(nil), resp.Data...)
	return nil
}

// DigestInit starts the SAM's running session digest (spec §4.5 step 4,
// §6 INS=0x8A).
type DigestInit struct {
	samBaseCommand
	PreviousSessionRatified bool
	KIF, KVC                byte
	OpenSessionDataOut      []byte
}

// NewDigestInit builds a Digest Init command.
func NewDigestInit(previousSessionRatified bool, kif, kvc byte, openSessionDataOut []byte) *DigestInit {
	return &DigestInit{
		samBaseCommand:          samBaseCommand{name: "Digest Init", table: sw.Baseline()},
		PreviousSessionRatified: previousSessionRatified,
		KIF: kif, KVC: kvc,
		OpenSessionDataOut: append([]byte(nil), openSessionDataOut...),
	}
}

func (d *DigestInit) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	p1 := byte(0x00)
	if d.PreviousSessionRatified {
		p1 = 0x01
	}
	data := append([]byte{d.KIF, d.KVC}, d.OpenSessionDataOut...)
	return apdu.Builder{CLA: samClassByte(s), INS: insDigestInit, P1: p1, Data: data}.Build()
}

func (d *DigestInit) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	return d.requireSuccess(resp)
}

// DigestUpdate feeds one PO request or response into the running digest
// (spec §4.5 step 4, §6 INS=0x8C). DigestUpdateMultiple is the same
// command issued with several requests batched into Data by the caller.
type DigestUpdate struct {
	samBaseCommand
	Data []byte
}

// NewDigestUpdate builds a Digest Update command over one APDU's bytes.
func NewDigestUpdate(data []byte) *DigestUpdate {
	return &DigestUpdate{samBaseCommand{name: "Digest Update", table: sw.Baseline()}, append([]byte(nil), data...)}
}

func (d *DigestUpdate) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	return apdu.Builder{CLA: samClassByte(s), INS: insDigestUpdate, P1: 0x00, Data: d.Data}.Build()
}

func (d *DigestUpdate) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	return d.requireSuccess(resp)
}

// NewDigestUpdateMultiple builds the same Digest Update command but over
// several APDUs concatenated by the caller, so the terminal can feed a
// whole processed batch in one round trip (spec §4.5 step 4).
func NewDigestUpdateMultiple(batches [][]byte) *DigestUpdate {
	var data []byte
	for _, b := range batches {
		data = append(data, b...)
	}
	return &DigestUpdate{samBaseCommand{name: "Digest Update Multiple", table: sw.Baseline()}, data}
}

// DigestClose finalises the digest and returns the terminal half-MAC
// (spec §4.5 close-flow step 1, §6 INS=0x8E).
type DigestClose struct {
	samBaseCommand
	Extended bool

	TerminalMAC []byte
}

// NewDigestClose builds a Digest Close command.
func NewDigestClose(extended bool) *DigestClose {
	return &DigestClose{samBaseCommand: samBaseCommand{name: "Digest Close", table: sw.Baseline()}, Extended: extended}
}

func (d *DigestClose) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	le := byte(4)
	if d.Extended {
		le = 8
	}
	return apdu.Builder{CLA: samClassByte(s), INS: insDigestClose, Le: &le}.Build()
}

func (d *DigestClose) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	if err := d.requireSuccess(resp); err != nil {
		return err
	}
	d.TerminalMAC = append([]byte(nil), resp.Data...)
	return nil
}

// DigestAuthenticate validates the card's Close Secure Session signature
// against the SAM's own running digest (spec §4.5 close-flow step 4,
// §6 INS=0x82). Failure here is the unrecoverable
// errs.KindSamSecurityData path.
type DigestAuthenticate struct {
	samBaseCommand
	CardSignature []byte
}

// NewDigestAuthenticate builds a Digest Authenticate command.
func NewDigestAuthenticate(cardSignature []byte) *DigestAuthenticate {
	return &DigestAuthenticate{
		samBaseCommand: samBaseCommand{name: "Digest Authenticate", table: sw.Baseline()},
		CardSignature:  append([]byte(nil), cardSignature...),
	}
}

func (d *DigestAuthenticate) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	return apdu.Builder{CLA: samClassByte(s), INS: insDigestAuthenticate, Data: d.CardSignature}.Build()
}

func (d *DigestAuthenticate) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	if resp.IsSuccess() {
		return nil
	}
	return errs.WithStatusWord(errs.KindSamSecurityData, d.name, "card signature did not authenticate against the session digest", resp.SW())
}

// GiveRandom supplies caller-chosen randomness to the SAM, e.g. for key
// diversification on products below REV3 (spec §6 INS=0x86; the
// unresolved REV1/2 vs REV3 shape is an open question per spec §9 and is
// left to the caller to invoke or not).
type GiveRandom struct {
	samBaseCommand
	Random []byte
}

// NewGiveRandom builds a Give Random command.
func NewGiveRandom(random []byte) *GiveRandom {
	return &GiveRandom{samBaseCommand{name: "Give Random", table: sw.Baseline()}, append([]byte(nil), random...)}
}

func (g *GiveRandom) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	return apdu.Builder{CLA: samClassByte(s), INS: insGiveRandom, Data: g.Random}.Build()
}

func (g *GiveRandom) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	return g.requireSuccess(resp)
}

// CardCipherPIN asks the SAM to cipher a PIN block using (kif, kvc) and
// the PO's Get Challenge result, for the non-plaintext Verify PIN path
// (spec §4.5, §6 INS=0x12).
type CardCipherPIN struct {
	samBaseCommand
	Challenge []byte
	KIF, KVC  byte
	PIN       []byte

	CipheredBlock []byte
}

// NewCardCipherPIN builds a Card Cipher PIN command.
func NewCardCipherPIN(challenge []byte, kif, kvc byte, pin []byte) *CardCipherPIN {
	return &CardCipherPIN{
		samBaseCommand: samBaseCommand{name: "Card Cipher PIN", table: sw.Baseline()},
		Challenge:      append([]byte(nil), challenge...),
		KIF: kif, KVC: kvc,
		PIN: append([]byte(nil), pin...),
	}
}

func (c *CardCipherPIN) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	data := append([]byte{c.KIF, c.KVC}, c.Challenge...)
	data = append(data, c.PIN...)
	return apdu.Builder{CLA: samClassByte(s), INS: insCardCipherPIN, P1: 0x00, P2: 0x00, Data: data}.Build()
}

func (c *CardCipherPIN) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	if err := c.requireSuccess(resp); err != nil {
		return err
	}
	c.CipheredBlock = append([]byte(nil), resp.Data...)
	return nil
}

// CardGenerateKey asks the SAM to produce a ciphered key block for card
// personalisation (spec §6, shares INS=0x12 with Card Cipher PIN under a
// different P1/P2 selector).
type CardGenerateKey struct {
	samBaseCommand
	KIF, KVC byte

	CipheredKey []byte
}

// NewCardGenerateKey builds a Card Generate Key command.
func NewCardGenerateKey(kif, kvc byte) *CardGenerateKey {
	return &CardGenerateKey{samBaseCommand: samBaseCommand{name: "Card Generate Key", table: sw.Baseline()}, KIF: kif, KVC: kvc}
}

func (c *CardGenerateKey) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	return apdu.Builder{CLA: samClassByte(s), INS: insCardGenerateKey, P1: 0xFF, P2: 0x00, Data: []byte{c.KIF, c.KVC}}.Build()
}

func (c *CardGenerateKey) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	if err := c.requireSuccess(resp); err != nil {
		return err
	}
	c.CipheredKey = append([]byte(nil), resp.Data...)
	return nil
}

// svPrepareCommand is the shared shape of SV Prepare Load/Debit/Undebit:
// the SAM is fed the SV Get request header, the SV Get response, and the
// partially built SV operation APDU, and returns the data the transaction
// manager splices back into that APDU (spec §4.5).
type svPrepareCommand struct {
	samBaseCommand
	SVGetRequest  []byte
	SVGetResponse []byte
	PartialSVOp   []byte
	ins           byte

	Output SVPrepareOutput
}

func (p *svPrepareCommand) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	data := append([]byte(nil), p.SVGetRequest...)
	data = append(data, p.SVGetResponse...)
	data = append(data, p.PartialSVOp...)
	return apdu.Builder{CLA: samClassByte(s), INS: p.ins, Data: data}.Build()
}

func (p *svPrepareCommand) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	if err := p.requireSuccess(resp); err != nil {
		return err
	}
	out, err := ParseSVPrepareOutput(resp.Data)
	if err != nil {
		return err
	}
	p.Output = out
	return nil
}

// SVPrepareLoad builds the SAM-side half of an SV Reload (spec §6, INS=0x56).
type SVPrepareLoad struct{ svPrepareCommand }

// NewSVPrepareLoad builds an SV Prepare Load command.
func NewSVPrepareLoad(svGetRequest, svGetResponse, partialSVOp []byte) *SVPrepareLoad {
	return &SVPrepareLoad{svPrepareCommand{
		samBaseCommand: samBaseCommand{name: "SV Prepare Load", table: sw.Baseline()},
		SVGetRequest:   svGetRequest, SVGetResponse: svGetResponse, PartialSVOp: partialSVOp, ins: insSVPrepareLoad,
	}}
}

// SVPrepareDebit builds the SAM-side half of an SV Debit (spec §6, INS=0x54).
type SVPrepareDebit struct{ svPrepareCommand }

// NewSVPrepareDebit builds an SV Prepare Debit command.
func NewSVPrepareDebit(svGetRequest, svGetResponse, partialSVOp []byte) *SVPrepareDebit {
	return &SVPrepareDebit{svPrepareCommand{
		samBaseCommand: samBaseCommand{name: "SV Prepare Debit", table: sw.Baseline()},
		SVGetRequest:   svGetRequest, SVGetResponse: svGetResponse, PartialSVOp: partialSVOp, ins: insSVPrepareDebit,
	}}
}

// SVPrepareUndebit builds the SAM-side half of an SV Undebit (spec §6,
// INS=0x5C).
type SVPrepareUndebit struct{ svPrepareCommand }

// NewSVPrepareUndebit builds an SV Prepare Undebit command.
func NewSVPrepareUndebit(svGetRequest, svGetResponse, partialSVOp []byte) *SVPrepareUndebit {
	return &SVPrepareUndebit{svPrepareCommand{
		samBaseCommand: samBaseCommand{name: "SV Prepare Undebit", table: sw.Baseline()},
		SVGetRequest:   svGetRequest, SVGetResponse: svGetResponse, PartialSVOp: partialSVOp, ins: insSVPrepareUndebit,
	}}
}

// SVCheck authenticates the card's response to the SV operation against
// the SAM's own record of it (spec §4.5's SV flow final step, §6 INS=0x58).
type SVCheck struct {
	samBaseCommand
	CardMAC []byte
}

// NewSVCheck builds an SV Check command.
func NewSVCheck(cardMAC []byte) *SVCheck {
	return &SVCheck{samBaseCommand{name: "SV Check", table: sw.Baseline()}, append([]byte(nil), cardMAC...)}
}

func (c *SVCheck) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	return apdu.Builder{CLA: samClassByte(s), INS: insSVCheck, Data: c.CardMAC}.Build()
}

func (c *SVCheck) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	if resp.IsSuccess() {
		return nil
	}
	return errs.WithStatusWord(errs.KindSamSecurityData, c.name, "SV operation MAC did not authenticate", resp.SW())
}

// PSOComputeSignature and PSOVerifySignature issue the PKI "Perform
// Security Operation" APDUs for the asymmetric-key flow (spec §1's "does
// not perform asymmetric PKI operations beyond issuing the relevant APDUs
// and surfacing results", §6 INS=0x2A).
type PSOComputeSignature struct {
	samBaseCommand
	Data []byte

	Signature []byte
}

// NewPSOComputeSignature builds a PSO Compute Signature command.
func NewPSOComputeSignature(data []byte) *PSOComputeSignature {
	return &PSOComputeSignature{samBaseCommand{name: "PSO Compute Signature", table: sw.Baseline()}, append([]byte(nil), data...), nil}
}

func (p *PSOComputeSignature) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	return apdu.Builder{CLA: samClassByte(s), INS: insPSOCompute, P1: 0x9E, P2: 0x9A, Data: p.Data, Le: apdu.Le0()}.Build()
}

func (p *PSOComputeSignature) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	if err := p.requireSuccess(resp); err != nil {
		return err
	}
	p.Signature = append([]byte(nil), resp.Data...)
	return nil
}

// PSOVerifySignature is the reciprocal verification command.
type PSOVerifySignature struct {
	samBaseCommand
	Data      []byte
	Signature []byte

	Verified bool
}

// NewPSOVerifySignature builds a PSO Verify Signature command.
func NewPSOVerifySignature(data, signature []byte) *PSOVerifySignature {
	return &PSOVerifySignature{
		samBaseCommand: samBaseCommand{name: "PSO Verify Signature", table: sw.Baseline()},
		Data:           append([]byte(nil), data...),
		Signature:      append([]byte(nil), signature...),
	}
}

func (p *PSOVerifySignature) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	data := append(append([]byte(nil), p.Data...), p.Signature...)
	return apdu.Builder{CLA: samClassByte(s), INS: insPSOVerify, P1: 0x00, P2: 0xA8, Data: data}.Build()
}

func (p *PSOVerifySignature) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	p.Verified = resp.IsSuccess()
	if p.Verified {
		return nil
	}
	return p.requireSuccess(resp)
}

// Unlock lifts a SAM out of its locked state using its unlock code (spec
// §6 INS=0x20, shared with Verify PIN's instruction byte on the PO side
// because SAM and PO INS namespaces are independent).
type Unlock struct {
	samBaseCommand
	UnlockCode []byte
}

// NewUnlock builds a SAM Unlock command.
func NewUnlock(unlockCode []byte) *Unlock {
	return &Unlock{samBaseCommand{name: "Unlock", table: sw.Baseline()}, append([]byte(nil), unlockCode...)}
}

func (u *Unlock) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	return apdu.Builder{CLA: samClassByte(s), INS: insUnlock, Data: u.UnlockCode}.Build()
}

func (u *Unlock) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	return u.requireSuccess(resp)
}

// WriteKey loads a new key block into the SAM's key store (spec §6,
// INS=0x1A).
type WriteKey struct {
	samBaseCommand
	KeyBlock []byte
}

// NewWriteKey builds a Write Key command.
func NewWriteKey(keyBlock []byte) *WriteKey {
	return &WriteKey{samBaseCommand{name: "Write Key", table: sw.Baseline()}, append([]byte(nil), keyBlock...)}
}

func (w *WriteKey) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	return apdu.Builder{CLA: samClassByte(s), INS: insWriteKey, P1: 0xFF, P2: 0x00, Data: w.KeyBlock}.Build()
}

func (w *WriteKey) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	return w.requireSuccess(resp)
}

// ReadCeilings reads the SAM's configured SV ceiling values (spec §6,
// INS=0xBE).
type ReadCeilings struct {
	samBaseCommand
	RecordNumber byte

	Data []byte
}

// NewReadCeilings builds a Read Ceilings command.
func NewReadCeilings(recordNumber byte) *ReadCeilings {
	return &ReadCeilings{samBaseCommand: samBaseCommand{name: "Read Ceilings", table: sw.Baseline()}, RecordNumber: recordNumber}
}

func (r *ReadCeilings) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	return apdu.Builder{CLA: samClassByte(s), INS: insReadCeilings, P1: r.RecordNumber, P2: 0x01, Le: apdu.Le0()}.Build()
}

func (r *ReadCeilings) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	if err := r.requireSuccess(resp); err != nil {
		return err
	}
	r.Data = append([]byte(nil), resp.Data...)
	return nil
}

// ReadEventCounter reads one of the SAM's event counters, sharing
// Read Ceilings' INS under a different P2 selector (spec §6).
type ReadEventCounter struct {
	samBaseCommand
	CounterNumber byte

	Data []byte
}

// NewReadEventCounter builds a Read Event Counter command.
func NewReadEventCounter(counterNumber byte) *ReadEventCounter {
	return &ReadEventCounter{samBaseCommand: samBaseCommand{name: "Read Event Counter", table: sw.Baseline()}, CounterNumber: counterNumber}
}

func (r *ReadEventCounter) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	return apdu.Builder{CLA: samClassByte(s), INS: insReadCeilings, P1: r.CounterNumber, P2: 0x02, Le: apdu.Le0()}.Build()
}

func (r *ReadEventCounter) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	if err := r.requireSuccess(resp); err != nil {
		return err
	}
	r.Data = append([]byte(nil), resp.Data...)
	return nil
}

// ReadKeyParameters reads a key's parameter record so the terminal can
// inspect its access rights (spec §6, INS=0xBC).
type ReadKeyParameters struct {
	samBaseCommand
	KIF, KVC byte

	Data []byte
}

// NewReadKeyParameters builds a Read Key Parameters command.
func NewReadKeyParameters(kif, kvc byte) *ReadKeyParameters {
	return &ReadKeyParameters{samBaseCommand: samBaseCommand{name: "Read Key Parameters", table: sw.Baseline()}, KIF: kif, KVC: kvc}
}

func (r *ReadKeyParameters) Build(s *sam.CalypsoSam) (apdu.Request, error) {
	return apdu.Builder{CLA: samClassByte(s), INS: insReadKeyParameters, P1: r.KIF, P2: r.KVC, Le: apdu.Le0()}.Build()
}

func (r *ReadKeyParameters) Parse(resp apdu.Response, s *sam.CalypsoSam) error {
	if err := r.requireSuccess(resp); err != nil {
		return err
	}
	r.Data = append([]byte(nil), resp.Data...)
	return nil
}
