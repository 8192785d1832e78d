// Package sam models the SAM-side state the engine needs to drive a
// secure session: the SAM's own identity (CalypsoSam) and the terminal's
// security policy toward it (SecuritySetting). The SAM's cryptography is a
// black box (spec §1); this package only carries the bytes and policy
// needed to address it and validate its answers' shape.
package sam

import "fmt"

// ProductType enumerates the SAM families spec §3 names.
type ProductType int

const (
	ProductUnknown ProductType = iota
	ProductSamC1
	ProductSamS1DX
	ProductSamS1E1
	ProductHSMC1
)

func (p ProductType) String() string {
	switch p {
	case ProductSamC1:
		return "SAM_C1"
	case ProductSamS1DX:
		return "SAM_S1DX"
	case ProductSamS1E1:
		return "SAM_S1E1"
	case ProductHSMC1:
		return "HSM_C1"
	default:
		return "UNKNOWN"
	}
}

// ClassByte returns the SAM's own CLA (spec §3: "immutable once selected";
// spec §6: "SAM: 0x80 or 0x94 (S1DX family)").
func (p ProductType) ClassByte() byte {
	if p == ProductSamS1DX {
		return 0x94
	}
	return 0x80
}

// CalypsoSam is the terminal's handle on the selected SAM (spec §3).
type CalypsoSam struct {
	ProductType ProductType
	Serial      []byte
}

// New constructs a CalypsoSam handle. Serial is copied.
func New(productType ProductType, serial []byte) *CalypsoSam {
	s := &CalypsoSam{ProductType: productType}
	s.Serial = append([]byte(nil), serial...)
	return s
}

// WriteAccessLevel is the session-opening access level (spec §3, §6).
type WriteAccessLevel int

const (
	AccessPerso WriteAccessLevel = iota
	AccessLoad
	AccessDebit
)

func (l WriteAccessLevel) String() string {
	switch l {
	case AccessPerso:
		return "PERSO"
	case AccessLoad:
		return "LOAD"
	case AccessDebit:
		return "DEBIT"
	default:
		return "UNKNOWN"
	}
}

// KeyRef identifies a SAM key by (KIF, KVC).
type KeyRef struct {
	KIF byte
	KVC byte
}

// SecuritySetting is the terminal's read-only security policy for one
// transaction (spec §3): default key per access level, KIF-by-KVC
// overrides, the set of session keys authorised to close a session, SV and
// PIN ciphering keys, and behavioural toggles.
type SecuritySetting struct {
	defaultKeys map[WriteAccessLevel]KeyRef
	kifByKVC    map[WriteAccessLevel]map[byte]byte
	authorized  map[KeyRef]bool

	PinCipheringKey KeyRef
	SVKey           KeyRef

	EarlyMutualAuthentication bool
	RatificationEnabled       bool
	PinPlaintext              bool
	SVNegativeBalanceAllowed  bool
	SVLogsEnabled             bool
	ExtendedModeEnabled       bool
}

// NewSecuritySetting builds an empty, all-toggles-off policy; use the
// chainable SetDefaultKey, SetKIFByKVC and AuthorizeSessionKey methods and
// the exported toggle fields to populate it, mirroring the teacher's explicit
// struct-literal-plus-setter configuration style (no file/env loader).
func NewSecuritySetting() *SecuritySetting {
	return &SecuritySetting{
		defaultKeys: make(map[WriteAccessLevel]KeyRef),
		kifByKVC:    make(map[WriteAccessLevel]map[byte]byte),
		authorized:  make(map[KeyRef]bool),
	}
}

// SetDefaultKey sets the default (KIF, KVC) for access level level.
func (s *SecuritySetting) SetDefaultKey(level WriteAccessLevel, ref KeyRef) *SecuritySetting {
	s.defaultKeys[level] = ref
	return s
}

// SetKIFByKVC registers a KIF to use for access level level when the card
// reports the given KVC (spec §3: "KVC→KIF map is deterministic per access
// level").
func (s *SecuritySetting) SetKIFByKVC(level WriteAccessLevel, kvc, kif byte) *SecuritySetting {
	if s.kifByKVC[level] == nil {
		s.kifByKVC[level] = make(map[byte]byte)
	}
	s.kifByKVC[level][kvc] = kif
	return s
}

// AuthorizeSessionKey marks (kif, kvc) as an acceptable session key.
func (s *SecuritySetting) AuthorizeSessionKey(kif, kvc byte) *SecuritySetting {
	s.authorized[KeyRef{KIF: kif, KVC: kvc}] = true
	return s
}

// IsSessionKeyAuthorized reports whether (kif, kvc) may be used to open a
// secure session under this policy.
func (s *SecuritySetting) IsSessionKeyAuthorized(kif, kvc byte) bool {
	if len(s.authorized) == 0 {
		return true // no restriction configured
	}
	return s.authorized[KeyRef{KIF: kif, KVC: kvc}]
}

// ResolveKIF implements spec §4.3's "KIF=0xFF means use default KIF for
// this access level from security setting" rule, including the
// deterministic KVC-based override from spec §3.
func (s *SecuritySetting) ResolveKIF(level WriteAccessLevel, reportedKIF, reportedKVC byte) (byte, error) {
	if reportedKIF != 0xFF {
		return reportedKIF, nil
	}
	if byKVC, ok := s.kifByKVC[level]; ok {
		if kif, ok := byKVC[reportedKVC]; ok {
			return kif, nil
		}
	}
	if def, ok := s.defaultKeys[level]; ok {
		return def.KIF, nil
	}
	return 0, fmt.Errorf("sam: no default KIF configured for access level %s (KVC=%02X)", level, reportedKVC)
}
