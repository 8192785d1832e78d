package command

import (
	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/card"
	"github.com/calypsonet/calypso-engine/errs"
	"github.com/calypsonet/calypso-engine/sw"
)

const (
	insReadRecords   byte = 0xB2
	insUpdateRecord  byte = 0xDC
	insWriteRecord   byte = 0xD2
	insAppendRecord  byte = 0xE2
	insSearchRecord  byte = 0xA2

	readModeMulti  byte = 5
	readModeSingle byte = 4
)

// ReadRecords reads one record, or every record from recordNumber onward,
// from SFI (spec §4.3/§6: "P2 low nibble encodes read mode").
type ReadRecords struct {
	baseCommand
	SFI          byte
	RecordNumber byte
	Multi        bool
	Length       byte // Le: expected bytes for a single record, or max total for multi

	// FileType/RecordSize/RecordCount seed EnsureFile when the card image
	// doesn't already know this EF (spec §3: "created on first read/select").
	FileType    card.FileType
	RecordSize  int
	RecordCount int
}

// NewReadRecord builds a single-record Read Records command.
func NewReadRecord(sfi, recordNumber, length byte) *ReadRecords {
	return &ReadRecords{
		baseCommand: baseCommand{name: "Read Records", table: sw.Baseline(), allowedInSession: true},
		SFI:         sfi, RecordNumber: recordNumber, Length: length,
		FileType: card.FileLinear, RecordSize: int(length), RecordCount: int(recordNumber),
	}
}

// NewReadRecordsMulti builds a multi-record Read Records command starting at
// recordNumber.
func NewReadRecordsMulti(sfi, recordNumber, length byte) *ReadRecords {
	r := NewReadRecord(sfi, recordNumber, length)
	r.Multi = true
	return r
}

func (r *ReadRecords) Build(c *card.CalypsoCard) (apdu.Request, error) {
	mode := readModeSingle
	if r.Multi {
		mode = readModeMulti
	}
	return apdu.Builder{
		CLA: classByte(c),
		INS: insReadRecords,
		P1:  r.RecordNumber,
		P2:  r.SFI<<3 | mode,
		Le:  &r.Length,
	}.Build()
}

func (r *ReadRecords) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := r.requireSuccess(resp); err != nil {
		return err
	}
	ef := c.EnsureFile(r.SFI, 0, r.FileType, r.RecordSize, r.RecordCount)

	if !r.Multi {
		ef.SetRecord(int(r.RecordNumber), resp.Data)
		return nil
	}

	data := resp.Data
	for len(data) > 0 {
		if len(data) < 2 {
			return errs.New(errs.KindUnexpectedResponseLength, r.name, "truncated multi-record entry")
		}
		n, length := data[0], int(data[1])
		if len(data) < 2+length {
			return errs.New(errs.KindUnexpectedResponseLength, r.name, "multi-record entry overruns response")
		}
		ef.SetRecord(int(n), data[2:2+length])
		data = data[2+length:]
	}
	return nil
}

// recordWriteCommand is the shared shape of Update/Write/Append Record: all
// three are INS-and-semantics variants of "put bytes at P1/sfi" (spec §6).
type recordWriteCommand struct {
	baseCommand
	SFI          byte
	RecordNumber byte // ignored (0) for Append
	Data         []byte
	ins          byte
	append       bool
}

func (r *recordWriteCommand) Build(c *card.CalypsoCard) (apdu.Request, error) {
	if len(r.Data) > 255 {
		return apdu.Request{}, fmtRecordTooLong(r.name, len(r.Data), 255)
	}
	p1 := r.RecordNumber
	if r.append {
		p1 = 0
	}
	return apdu.Builder{
		CLA:  classByte(c),
		INS:  r.ins,
		P1:   p1,
		P2:   r.SFI << 3,
		Data: r.Data,
	}.Build()
}

func (r *recordWriteCommand) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := r.requireSuccess(resp); err != nil {
		return err
	}
	ef, ok := c.File(r.SFI)
	if !ok {
		ef = c.EnsureFile(r.SFI, 0, card.FileLinear, len(r.Data), int(r.RecordNumber)+1)
	}
	if r.append {
		ef.AppendCyclic(r.Data)
		if ef.Type != card.FileCyclic {
			ef.SetRecord(ef.RecordCount, r.Data)
		}
		return nil
	}
	ef.SetRecord(int(r.RecordNumber), r.Data)
	return nil
}

// UpdateRecord overwrites recordNumber's bytes in place (spec §6, INS=0xDC).
type UpdateRecord struct{ recordWriteCommand }

// NewUpdateRecord builds an Update Record command.
func NewUpdateRecord(sfi, recordNumber byte, data []byte) *UpdateRecord {
	return &UpdateRecord{recordWriteCommand{
		baseCommand: baseCommand{name: "Update Record", table: sw.Baseline(), allowedInSession: true,
			usesSessionBuffer: true, sessionBufferCost: len(data) + 6},
		SFI: sfi, RecordNumber: recordNumber, Data: data, ins: insUpdateRecord,
	}}
}

// WriteRecord ORs data into recordNumber rather than overwriting it (spec
// §6, INS=0xD2); the card-image effect modelled here is the same
// overwrite an application-level caller cares about.
type WriteRecord struct{ recordWriteCommand }

// NewWriteRecord builds a Write Record command.
func NewWriteRecord(sfi, recordNumber byte, data []byte) *WriteRecord {
	return &WriteRecord{recordWriteCommand{
		baseCommand: baseCommand{name: "Write Record", table: sw.Baseline(), allowedInSession: true,
			usesSessionBuffer: true, sessionBufferCost: len(data) + 6},
		SFI: sfi, RecordNumber: recordNumber, Data: data, ins: insWriteRecord,
	}}
}

// AppendRecord appends data as a new record into a CYCLIC or LINEAR EF
// (spec §3/§6, INS=0xE2, P1 always 0).
type AppendRecord struct{ recordWriteCommand }

// NewAppendRecord builds an Append Record command.
func NewAppendRecord(sfi byte, data []byte) *AppendRecord {
	return &AppendRecord{recordWriteCommand{
		baseCommand: baseCommand{name: "Append Record", table: sw.Baseline(), allowedInSession: true,
			usesSessionBuffer: true, sessionBufferCost: len(data) + 6},
		SFI: sfi, Data: data, ins: insAppendRecord, append: true,
	}}
}

// SearchRecord asks the card to search SFI's records for Pattern, starting
// at RecordNumber (P2 = SFI<<3|1, data = the pattern, Le = 0). Kept as a
// supplemental command (present in the original implementation, dropped
// from the distilled core set): it issues the APDU and reports the first
// byte of the response as the matching record number, without mutating
// the card image.
type SearchRecord struct {
	baseCommand
	SFI       byte
	RecordNumber byte
	Pattern   []byte

	Found        bool
	FoundRecord  int
}

// NewSearchRecord builds a Search Record command starting at recordNumber.
func NewSearchRecord(sfi, recordNumber byte, pattern []byte) *SearchRecord {
	return &SearchRecord{
		baseCommand: baseCommand{name: "Search Record", table: sw.Baseline(), allowedInSession: true},
		SFI:         sfi, RecordNumber: recordNumber, Pattern: pattern,
	}
}

func (s *SearchRecord) Build(c *card.CalypsoCard) (apdu.Request, error) {
	return apdu.Builder{
		CLA:  classByte(c),
		INS:  insSearchRecord,
		P1:   s.RecordNumber,
		P2:   s.SFI<<3 | 1,
		Data: s.Pattern,
		Le:   apdu.Le0(),
	}.Build()
}

func (s *SearchRecord) Parse(resp apdu.Response, c *card.CalypsoCard) error {
	if err := s.requireSuccess(resp); err != nil {
		return err
	}
	if len(resp.Data) == 0 {
		s.Found = false
		return nil
	}
	s.Found = true
	s.FoundRecord = int(resp.Data[0])
	return nil
}
