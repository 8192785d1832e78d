package command

import (
	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/card"
	"github.com/calypsonet/calypso-engine/errs"
	"github.com/calypsonet/calypso-engine/sam"
	"github.com/calypsonet/calypso-engine/sw"
)

const insOpenSecureSessionRev2 byte = 0x8B
const insOpenSecureSessionDefault byte = 0x8A
const insCloseSecureSession byte = 0x8E

// keyIndexForAccessLevel returns the 3-bit key index packed into Open
// Secure Session's P1 for the given write-access level (spec §4.3/§6:
// "P1 carries recordNumber*8 + keyIndex"). Verified against the literal
// Open/Close scenario in spec §8 (PERSO ⇒ keyIndex 3).
func keyIndexForAccessLevel(level sam.WriteAccessLevel) byte {
	switch level {
	case sam.AccessPerso:
		return 3
	case sam.AccessLoad:
		return 2
	case sam.AccessDebit:
		return 1
	default:
		return 0
	}
}

func insForOpenSecureSession(p card.ProductType) byte {
	if p == card.ProductPrimeRev2 {
		return insOpenSecureSessionRev2
	}
	return insOpenSecureSessionDefault
}

// OpenSecureSessionContext threads isExtendedModeSupported (and anything
// else product/session specific) explicitly into the builder, replacing
// the teacher-adjacent static-field pattern spec §9 flags as a latent
// global.
type OpenSecureSessionContext struct {
	IsExtendedModeSupported bool
}

// OpenSecureSession opens a secure session at Level, optionally fusing in
// an atomic read of SFI/RecordNumber (spec §4.3, §4.5, §6).
type OpenSecureSession struct {
	baseCommand
	Level        sam.WriteAccessLevel
	SFI          byte
	RecordNumber byte
	SamChallenge []byte
	Ctx          OpenSecureSessionContext

	// Populated by Parse.
	CardChallenge                  []byte
	PreviousSessionRatified        bool
	ManageSecureSessionAuthorized  bool
	KIF, KVC                       byte
	DataOut                        []byte
}

// NewOpenSecureSession builds an Open Secure Session command. samChallenge
// must be 4 or 8 bytes.
func NewOpenSecureSession(level sam.WriteAccessLevel, sfi, recordNumber byte, samChallenge []byte, ctx OpenSecureSessionContext) *OpenSecureSession {
	return &OpenSecureSession{
		baseCommand:  baseCommand{name: "Open Secure Session", table: sw.Baseline(), allowedInSession: false},
		Level:        level,
		SFI:          sfi,
		RecordNumber: recordNumber,
		SamChallenge: append([]byte(nil), samChallenge...),
		Ctx:          ctx,
	}
}

func (o *OpenSecureSession) Build(c *card.CalypsoCard) (apdu.Request, error) {
	data := o.SamChallenge
	if c.ProductType.IsRev3Dot2() {
		data = append([]byte{0x00}, o.SamChallenge...)
	}
	return apdu.Builder{
		CLA:  classByte(c),
		INS:  insForOpenSecureSession(c.ProductType),
		P1:   o.RecordNumber<<3 | keyIndexForAccessLevel(o.Level),
		P2:   o.SFI<<3 | 2,
		Data: data,
		Le:   apdu.Le0(),
	}.Build()
}

// Parse decodes the Open Secure Session response. The data layout is
// [flags(1) KVC(1) KIF(1) cardChallenge(len(SamChallenge)) dataOut...];
// flags bit 0 is previousSessionRatified, bit 1 is
// manageSecureSessionAuthorized.
func (o *OpenSecureSession) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := o.requireSuccess(resp); err != nil {
		return err
	}
	minLen := 3 + len(o.SamChallenge)
	if len(resp.Data) < minLen {
		return errs.New(errs.KindUnexpectedResponseLength, o.name, "open secure session response too short")
	}
	flags := resp.Data[0]
	o.PreviousSessionRatified = flags&0x01 != 0
	o.ManageSecureSessionAuthorized = flags&0x02 != 0
	o.KVC = resp.Data[1]
	o.KIF = resp.Data[2]
	o.CardChallenge = append([]byte(nil), resp.Data[3:minLen]...)
	o.DataOut = append([]byte(nil), resp.Data[minLen:]...)

	c.CardChallenge = o.CardChallenge
	return nil
}

// CloseSecureSession closes (or aborts) an open secure session (spec §4.3,
// §4.5, §6).
type CloseSecureSession struct {
	baseCommand
	RatificationRequested bool
	TerminalMAC           []byte
	Abort                 bool

	// CardSignature is populated by Parse on success.
	CardSignature []byte
}

// NewCloseSecureSession builds a normal Close Secure Session command.
func NewCloseSecureSession(ratificationRequested bool, terminalMAC []byte) *CloseSecureSession {
	return &CloseSecureSession{
		baseCommand: baseCommand{name: "Close Secure Session", table: sw.Baseline(), allowedInSession: true},
		RatificationRequested: ratificationRequested,
		TerminalMAC:           append([]byte(nil), terminalMAC...),
	}
}

// NewAbortSecureSession builds the abort variant: P1=P2=Lc=0, always safe
// to send, never raises the authentication check (spec §4.5's Cancel /
// Abort flow).
func NewAbortSecureSession() *CloseSecureSession {
	return &CloseSecureSession{
		baseCommand: baseCommand{name: "Close Secure Session (abort)", table: sw.Baseline(), allowedInSession: true},
		Abort:       true,
	}
}

func (cs *CloseSecureSession) Build(c *card.CalypsoCard) (apdu.Request, error) {
	if cs.Abort {
		return apdu.Builder{CLA: classByte(c), INS: insCloseSecureSession, P1: 0x00, P2: 0x00}.Build()
	}
	p1 := byte(0x00)
	if cs.RatificationRequested {
		p1 = 0x80
	}
	return apdu.Builder{
		CLA:  classByte(c),
		INS:  insCloseSecureSession,
		P1:   p1,
		P2:   0x00,
		Data: cs.TerminalMAC,
		Le:   apdu.Le0(),
	}.Build()
}

func (cs *CloseSecureSession) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if cs.Abort {
		// Abort never raises the authentication check (spec §4.5): accept
		// whatever the card returns and move on.
		return nil
	}
	if err := cs.requireSuccess(resp); err != nil {
		return err
	}
	cs.CardSignature = append([]byte(nil), resp.Data...)
	return nil
}
