// Package card holds the in-memory Calypso card image: selected DF,
// elementary files, SV purse state, PIN state and traceability (spec §3).
//
// Mutation discipline: writes come from the command parsers in package
// command (through methods on *CalypsoCard or by setting its fields) and,
// for the PIN attempt counter after a failed Verify PIN, from the
// transaction manager in package session; applications hold the card
// read-only, per spec §3's ownership note.
package card

import "fmt"

// ProductType enumerates the Calypso product families spec §3 names.
type ProductType int

const (
	ProductUnknown ProductType = iota
	ProductPrimeRev1
	ProductPrimeRev2
	ProductPrimeRev3
	ProductLight
	ProductBasic
)

func (p ProductType) String() string {
	switch p {
	case ProductPrimeRev1:
		return "PRIME_REV1"
	case ProductPrimeRev2:
		return "PRIME_REV2"
	case ProductPrimeRev3:
		return "PRIME_REV3"
	case ProductLight:
		return "LIGHT"
	case ProductBasic:
		return "BASIC"
	default:
		return "UNKNOWN"
	}
}

// ClassByte enumerates the CLA values a Calypso command may use (spec §6).
type ClassByte byte

const (
	ClassLegacy            ClassByte = 0x94
	ClassLegacyStoredValue ClassByte = 0xFA
	ClassISO               ClassByte = 0x00
)

// DefaultClass returns the CLA byte used for ordinary (non-SV) commands on
// this product type, per spec §4.2: "LEGACY (0x94) for PRIME_REV1 and
// PRIME_REV2; ISO (0x00) for PRIME_REV3 / LIGHT / BASIC."
func (p ProductType) DefaultClass() ClassByte {
	switch p {
	case ProductPrimeRev1, ProductPrimeRev2:
		return ClassLegacy
	default:
		return ClassISO
	}
}

// StoredValueClass returns the CLA byte used for Stored-Value commands on
// this product type, per spec §4.2: "Stored-value commands on LEGACY cards
// use LEGACY_STORED_VALUE (0xFA) instead."
func (p ProductType) StoredValueClass() ClassByte {
	switch p {
	case ProductPrimeRev1, ProductPrimeRev2:
		return ClassLegacyStoredValue
	default:
		return ClassISO
	}
}

// IsRev3Dot2 reports whether Open Secure Session must prefix the SAM
// challenge with a zero byte (spec §4.3/§6).
func (p ProductType) IsRev3Dot2() bool {
	return p == ProductPrimeRev3
}

// Capabilities are card feature flags resolved at selection time (spec §3).
type Capabilities struct {
	ExtendedMode           bool
	PKI                    bool
	PreOpenSupported       bool
	CounterValuePostponed  bool
}

// FileType enumerates the EF structures spec §3 names.
type FileType int

const (
	FileBinary FileType = iota
	FileLinear
	FileCyclic
	FileSimulatedCounters
	FileCounters
)

// ElementaryFile is one EF's header and contents (spec §3).
type ElementaryFile struct {
	SFI         byte
	LID         uint16
	Type        FileType
	RecordSize  int
	RecordCount int
	// Records holds record bytes keyed by 1-based record index for
	// LINEAR/CYCLIC/COUNTERS files. Binary files store their whole content
	// under index 1.
	Records map[int][]byte
}

func newElementaryFile(sfi byte, lid uint16, typ FileType, recordSize, recordCount int) *ElementaryFile {
	return &ElementaryFile{
		SFI:         sfi,
		LID:         lid,
		Type:        typ,
		RecordSize:  recordSize,
		RecordCount: recordCount,
		Records:     make(map[int][]byte),
	}
}

// Record returns record n's bytes and whether it has been read/written yet.
func (ef *ElementaryFile) Record(n int) ([]byte, bool) {
	b, ok := ef.Records[n]
	return b, ok
}

// SetRecord stores record n's bytes (spec §3: "updated by Read/Update/
// Append/Increase/Decrease/Write/Search").
func (ef *ElementaryFile) SetRecord(n int, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	ef.Records[n] = cp
}

// AppendCyclic implements the CYCLIC shift-on-append rule of spec §3:
// "CYCLIC records shift on append" — the new record becomes record 1 and
// every existing record's index increases by one, with the last (oldest)
// record falling off once RecordCount is exceeded.
func (ef *ElementaryFile) AppendCyclic(data []byte) {
	if ef.Type != FileCyclic {
		return
	}
	for i := ef.RecordCount; i >= 2; i-- {
		if prev, ok := ef.Records[i-1]; ok {
			ef.Records[i] = prev
		}
	}
	ef.SetRecord(1, data)
}

// Counter reads a 3-byte unsigned counter value out of record n (spec §3:
// "every counter in a counter EF is 3-byte unsigned").
func (ef *ElementaryFile) Counter(n int) (uint32, bool) {
	b, ok := ef.Records[n]
	if !ok || len(b) < 3 {
		return 0, false
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), true
}

// SVLogEntry is one SV load/debit log record.
type SVLogEntry struct {
	Amount          int32
	Date            [2]byte
	Time            [2]byte
	KVC             byte
	SamID           [4]byte
	TransactionNum  [2]byte
	Raw             []byte
}

// SVState holds the Stored-Value purse state (spec §3).
type SVState struct {
	Balance         int32 // signed 24-bit range enforced by SetBalance
	TransactionNum  uint16
	LastReloadLog   *SVLogEntry
	LastDebitLog    *SVLogEntry
	Challenge       []byte // SV Get challenge material handed to the SAM
	KVC             byte
}

// PINState tracks the card-reported PIN attempt counter (spec §3, §4.5).
type PINState struct {
	Verified         bool
	AttemptsRemaining int
	Blocked          bool
}

// CalypsoCard is the in-memory image of one Calypso PO (spec §3).
type CalypsoCard struct {
	ProductType   ProductType
	Capabilities  Capabilities
	SelectedDF    []byte
	Files         map[byte]*ElementaryFile // keyed by SFI
	SV            SVState
	PIN           PINState
	CardChallenge []byte
	Traceability  []byte
	Invalidated   bool
	Serial        []byte

	// FCI, FCP, EFList and CardPublicKey cache the raw TLV payloads last
	// returned by Select Application / Select File / Get Data (spec §4.3:
	// "parsers decode the BER-TLV payload and populate the corresponding
	// card-image fields").
	FCI           []byte
	FCP           []byte
	EFList        []byte
	CardPublicKey []byte
}

// New constructs an empty card image of the given product type.
func New(productType ProductType) *CalypsoCard {
	return &CalypsoCard{
		ProductType:  productType,
		Files:        make(map[byte]*ElementaryFile),
		Capabilities: Capabilities{},
	}
}

// ClassByte returns the CLA a non-SV command should use against this card
// (spec §3: "class byte derived from product type").
func (c *CalypsoCard) ClassByte() ClassByte {
	return c.ProductType.DefaultClass()
}

// StoredValueClassByte returns the CLA an SV command should use.
func (c *CalypsoCard) StoredValueClassByte() ClassByte {
	return c.ProductType.StoredValueClass()
}

// SelectDF records the currently selected DF (spec §3 invariant: "exactly
// one selected DF at a time").
func (c *CalypsoCard) SelectDF(df []byte) {
	cp := make([]byte, len(df))
	copy(cp, df)
	c.SelectedDF = cp
}

// EnsureFile returns the EF for sfi, creating it (per spec §3: "created on
// first read/select") if it doesn't exist yet.
func (c *CalypsoCard) EnsureFile(sfi byte, lid uint16, typ FileType, recordSize, recordCount int) *ElementaryFile {
	if ef, ok := c.Files[sfi]; ok {
		return ef
	}
	ef := newElementaryFile(sfi, lid, typ, recordSize, recordCount)
	c.Files[sfi] = ef
	return ef
}

// File returns the EF at sfi if the card image already knows about it.
func (c *CalypsoCard) File(sfi byte) (*ElementaryFile, bool) {
	ef, ok := c.Files[sfi]
	return ef, ok
}

// SetSVBalance validates and stores the SV balance (spec §3 invariant: "SV
// balance fits in signed 24-bit").
func (c *CalypsoCard) SetSVBalance(balance int32) error {
	const min, max = -(1 << 23), (1 << 23) - 1
	if balance < min || balance > max {
		return fmt.Errorf("card: SV balance %d out of signed 24-bit range", balance)
	}
	c.SV.Balance = balance
	return nil
}
