// Package sw holds the universal and per-command status-word tables (spec
// §4.2, §6) that map an ISO 7816-4 status word to a human message and an
// errs.Kind.
package sw

import (
	"fmt"

	"github.com/calypsonet/calypso-engine/errs"
)

// Entry is one status-word mapping.
type Entry struct {
	Message string
	Kind    errs.Kind
}

// Table maps a status word to its Entry. Commands build their own Table by
// starting from Baseline() and layering command-specific entries on top,
// per spec §4.2 ("the engine must include baseline mappings shared by all
// commands").
type Table map[uint16]Entry

// Baseline is the set of status words every command recognises (spec §4.2,
// §6's "universal" table).
func Baseline() Table {
	return Table{
		0x9000: {"success", errs.KindUnknown},
		0x6200: {"warning: non-volatile memory changed, postponed", errs.KindCardDataAccess},
		0x6283: {"PO invalidated", errs.KindCardTerminated},
		0x6400: {"session modification buffer overflow", errs.KindCardSessionBufferOverflow},
		0x6700: {"incorrect Lc", errs.KindCardIllegalParameter},
		0x6981: {"file type inconsistent with command", errs.KindCardAccessForbidden},
		0x6982: {"security conditions not satisfied", errs.KindCardSecurityContext},
		0x6985: {"access forbidden", errs.KindCardAccessForbidden},
		0x6986: {"no current EF", errs.KindCardAccessForbidden},
		0x6988: {"incorrect MAC/signature", errs.KindCardSecurityContext},
		0x6A80: {"incorrect data", errs.KindCardIllegalParameter},
		0x6A82: {"file not found", errs.KindCardDataAccess},
		0x6A83: {"record not found", errs.KindCardDataAccess},
		0x6A88: {"data object not found", errs.KindCardDataAccess},
		0x6B00: {"P1/P2 not supported", errs.KindCardIllegalParameter},
		0x6D00: {"instruction not supported", errs.KindCardIllegalParameter},
	}
}

// Merge returns a new Table containing Baseline() overlaid with extra,
// extra's entries taking precedence on conflicts.
func Merge(extra Table) Table {
	out := Baseline()
	for sw, e := range extra {
		out[sw] = e
	}
	return out
}

// Lookup resolves a status word against the table, falling back to the
// PIN-attempt family (63Cx / 6983) and finally to UnknownStatus, per
// spec §4.2: "A missing SW with class 0x9000 is success; any other
// unmapped SW becomes UnknownStatus."
func (t Table) Lookup(commandName string, statusWord uint16) *errs.CalypsoError {
	if statusWord == 0x9000 {
		return nil
	}
	if e, ok := t[statusWord]; ok {
		return errs.WithStatusWord(e.Kind, commandName, e.Message, statusWord)
	}
	if remaining, ok := pinAttemptsRemaining(statusWord); ok {
		return errs.PinAttempt(commandName, remaining, statusWord)
	}
	return errs.WithStatusWord(errs.KindUnknownStatus, commandName,
		fmt.Sprintf("unmapped status word %04X", statusWord), statusWord)
}

// pinAttemptsRemaining decodes the 63Cx family (x = attempts remaining) and
// treats bare 6983 as zero attempts remaining (blocked), per spec §4.5's
// PIN verification flow and §6's status-word list.
func pinAttemptsRemaining(statusWord uint16) (int, bool) {
	sw1 := byte(statusWord >> 8)
	sw2 := byte(statusWord)
	if sw1 == 0x63 && sw2&0xF0 == 0xC0 {
		return int(sw2 & 0x0F), true
	}
	if statusWord == 0x6983 {
		return 0, true
	}
	return 0, false
}
