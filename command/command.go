// Package command implements the Calypso PO and SAM command catalog: one
// builder + parser pair per command named in spec §4.3 and §6.
//
// Per spec §9, the teacher's per-revision builder/parser class hierarchy is
// flattened here into one typed struct per command implementing the
// Command interface: Build renders the APDU from the struct's fields (and
// the card image, for class-byte/product-type resolution); Parse checks
// the status word against the command's own table (layered over the
// universal baseline) and, on success, mutates the card image exactly
// once.
package command

import (
	"fmt"

	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/card"
	"github.com/calypsonet/calypso-engine/errs"
	"github.com/calypsonet/calypso-engine/sam"
	"github.com/calypsonet/calypso-engine/sw"
)

// Command is the uniform shape every PO/SAM command implements.
type Command interface {
	// Name identifies the command for error messages and logs.
	Name() string

	// UsesSessionBuffer reports whether this command, when issued inside a
	// secure session, consumes session-modification-buffer bytes (spec
	// §3, §4.5).
	UsesSessionBuffer() bool

	// SessionBufferCost returns the number of bytes this command would
	// consume from the session modification buffer if scheduled inside a
	// session. Zero for commands that don't use the buffer.
	SessionBufferCost() int

	// Build renders the command's APDU against the given card image
	// (class byte / product type resolution only — Build never mutates
	// the card).
	Build(c *card.CalypsoCard) (apdu.Request, error)

	// Parse validates resp's status word and, on success, mutates c
	// exactly once. On failure c is left untouched and the returned error
	// is a *errs.CalypsoError.
	Parse(resp apdu.Response, c *card.CalypsoCard) error

	// AllowedInSession reports whether this command may be scheduled while
	// a secure session is open (spec §4.5: "Commands marked 'impossible
	// inside session' ... must not be scheduled while SESSION_OPEN").
	AllowedInSession() bool
}

// baseCommand centralises the status-word lookup every concrete command
// delegates to, keeping each command's own file focused on its wire
// encoding and card-image side effects.
type baseCommand struct {
	name              string
	table             sw.Table
	allowedInSession  bool
	usesSessionBuffer bool
	sessionBufferCost int
}

func (b baseCommand) Name() string                 { return b.name }
func (b baseCommand) AllowedInSession() bool        { return b.allowedInSession }
func (b baseCommand) UsesSessionBuffer() bool       { return b.usesSessionBuffer }
func (b baseCommand) SessionBufferCost() int        { return b.sessionBufferCost }

// checkStatus resolves resp's status word against this command's table; a
// nil return means success.
func (b baseCommand) checkStatus(resp apdu.Response) error {
	if err := b.table.Lookup(b.name, resp.SW()); err != nil {
		return err
	}
	return nil
}

// requireSuccess is the common case: error unless the status word is
// exactly 0x9000.
func (b baseCommand) requireSuccess(resp apdu.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	if err := b.checkStatus(resp); err != nil {
		return err
	}
	// table had no entry and didn't treat it as success either: shouldn't
	// happen since Lookup always returns non-nil for non-9000, but guard
	// anyway for defensive clarity.
	return errs.WithStatusWord(errs.KindUnknownStatus, b.name, "unexpected status word", resp.SW())
}

// classByte resolves the CLA a non-SV PO command should use.
func classByte(c *card.CalypsoCard) byte {
	return byte(c.ClassByte())
}

// storedValueClassByte resolves the CLA an SV PO command should use.
func storedValueClassByte(c *card.CalypsoCard) byte {
	return byte(c.StoredValueClassByte())
}

// fmtRecordTooLong is a shared guard for record-writing commands.
func fmtRecordTooLong(name string, got, max int) error {
	return fmt.Errorf("command %s: record data too long: %d bytes (max %d)", name, got, max)
}

// SAMCommand is the SAM-side counterpart of Command: SAM commands build
// against a *sam.CalypsoSam rather than a *card.CalypsoCard, since they
// never touch the PO's file system directly (spec §6's SAM command list).
type SAMCommand interface {
	Name() string
	Build(s *sam.CalypsoSam) (apdu.Request, error)
	Parse(resp apdu.Response, s *sam.CalypsoSam) error
}

// samBaseCommand mirrors baseCommand for the SAM side.
type samBaseCommand struct {
	name  string
	table sw.Table
}

func (b samBaseCommand) Name() string { return b.name }

func (b samBaseCommand) requireSuccess(resp apdu.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	if err := b.table.Lookup(b.name, resp.SW()); err != nil {
		return err
	}
	return errs.WithStatusWord(errs.KindUnknownStatus, b.name, "unexpected status word", resp.SW())
}

func samClassByte(s *sam.CalypsoSam) byte {
	return s.ProductType.ClassByte()
}

// errPKINotSupported guards PKI-only commands against cards that never
// reported the PKI capability (spec §1's PKI non-goal: "issuing the
// relevant APDUs" still assumes the card advertises support).
func errPKINotSupported(name string) error {
	return errs.New(errs.KindCardPki, name, "card does not advertise PKI support")
}
