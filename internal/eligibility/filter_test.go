package eligibility

import "testing"

func TestCheck(t *testing.T) {
	f := New(
		map[string]struct{}{"5511999990001": {}},
		map[string]struct{}{"5511999990002": {}, "5511999990001": {}},
	)

	tests := []struct {
		name    string
		phone   string
		allowed bool
		reason  SkipReason
	}{
		{"opted out", "5511999990001", false, ReasonOptOut},
		{"no consent", "5511999990002", false, ReasonNoConsent},
		{"clean phone", "5511999990003", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, reason := f.Check(tt.phone)
			if allowed != tt.allowed || reason != tt.reason {
				t.Errorf("Check(%s) = (%v, %q), want (%v, %q)",
					tt.phone, allowed, reason, tt.allowed, tt.reason)
			}
		})
	}
}

func TestCheckNilSets(t *testing.T) {
	f := New(nil, nil)
	if allowed, _ := f.Check("5511999990001"); !allowed {
		t.Error("empty filter must allow everything")
	}
}

func TestSkipReasonsDistinguishable(t *testing.T) {
	if ReasonOptOut.Error() == ReasonNoConsent.Error() {
		t.Error("skip reasons must produce distinguishable error strings")
	}
}
