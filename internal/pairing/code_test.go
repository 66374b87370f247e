package pairing

import (
	"strings"
	"testing"
)

func TestGenerateCodeShape(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		if !ValidCodeFormat(code) {
			t.Errorf("generated code %q fails the format check", code)
		}
		for _, r := range strings.ReplaceAll(code, "-", "") {
			if !strings.ContainsRune(codeCharset, r) {
				t.Errorf("code %q contains %q outside the charset", code, r)
			}
		}
	}
}

func TestValidCodeFormat(t *testing.T) {
	for _, s := range []string{"ABC-123-XYZ", "000-AAA-999", "Z9Z-9Z9-ZZZ"} {
		if !ValidCodeFormat(s) {
			t.Errorf("ValidCodeFormat(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "abc-123-xyz", "ABC123XYZ", "ABC-123-XY", "ABC-123-XYZ-", "AB!-123-XYZ", " ABC-123-XYZ"} {
		if ValidCodeFormat(s) {
			t.Errorf("ValidCodeFormat(%q) = true, want false", s)
		}
	}
}
