package sam

import "testing"

func TestProductType_ClassByte(t *testing.T) {
	if got := ProductSamS1DX.ClassByte(); got != 0x94 {
		t.Errorf("SAM_S1DX ClassByte() = %02X, want 94", got)
	}
	if got := ProductSamC1.ClassByte(); got != 0x80 {
		t.Errorf("SAM_C1 ClassByte() = %02X, want 80", got)
	}
}

func TestSecuritySetting_ResolveKIF(t *testing.T) {
	s := NewSecuritySetting().
		SetDefaultKey(AccessPerso, KeyRef{KIF: 0x21, KVC: 0x79}).
		SetKIFByKVC(AccessLoad, 0x27, 0x27)

	t.Run("explicit KIF passes through", func(t *testing.T) {
		kif, err := s.ResolveKIF(AccessPerso, 0x30, 0x79)
		if err != nil || kif != 0x30 {
			t.Errorf("ResolveKIF() = (%02X, %v), want (30, nil)", kif, err)
		}
	})

	t.Run("0xFF resolves via default", func(t *testing.T) {
		kif, err := s.ResolveKIF(AccessPerso, 0xFF, 0x79)
		if err != nil || kif != 0x21 {
			t.Errorf("ResolveKIF() = (%02X, %v), want (21, nil)", kif, err)
		}
	})

	t.Run("0xFF resolves via KVC override before default", func(t *testing.T) {
		kif, err := s.ResolveKIF(AccessLoad, 0xFF, 0x27)
		if err != nil || kif != 0x27 {
			t.Errorf("ResolveKIF() = (%02X, %v), want (27, nil)", kif, err)
		}
	})

	t.Run("0xFF with no configuration errors", func(t *testing.T) {
		if _, err := s.ResolveKIF(AccessDebit, 0xFF, 0x11); err == nil {
			t.Errorf("expected error when no default KIF configured")
		}
	})
}

func TestSecuritySetting_IsSessionKeyAuthorized(t *testing.T) {
	s := NewSecuritySetting()
	if !s.IsSessionKeyAuthorized(0x21, 0x79) {
		t.Errorf("expected unrestricted policy to authorize any key")
	}
	s.AuthorizeSessionKey(0x21, 0x79)
	if !s.IsSessionKeyAuthorized(0x21, 0x79) {
		t.Errorf("expected authorized key to pass")
	}
	if s.IsSessionKeyAuthorized(0x21, 0x7A) {
		t.Errorf("expected unauthorized key to fail once any key is authorized")
	}
}
