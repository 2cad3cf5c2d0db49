// Package eligibility gates sends against the opt-out list and the
// marketing-consent flags.
package eligibility

// SkipReason identifies why a contact must not be messaged
type SkipReason string

const (
	ReasonOptOut    SkipReason = "opt_out"
	ReasonNoConsent SkipReason = "no_consent"
)

// Error returns the text recorded on the contact when skipped. Skips
// count as failed but stay distinguishable from send failures.
func (r SkipReason) Error() string {
	switch r {
	case ReasonOptOut:
		return "skipped: contato descadastrado (opt-out)"
	case ReasonNoConsent:
		return "skipped: sem consentimento de marketing"
	}
	return "skipped"
}

// Filter holds read-only snapshots of the opt-out and consent-blocked
// sets, taken once per batch start. Staleness within a batch is accepted.
type Filter struct {
	optOut         map[string]struct{}
	consentBlocked map[string]struct{}
}

// New builds a filter over the given snapshots. Nil sets are treated
// as empty.
func New(optOut, consentBlocked map[string]struct{}) *Filter {
	if optOut == nil {
		optOut = map[string]struct{}{}
	}
	if consentBlocked == nil {
		consentBlocked = map[string]struct{}{}
	}
	return &Filter{optOut: optOut, consentBlocked: consentBlocked}
}

// Check decides send/skip for a canonical phone. The opt-out list
// wins over consent when a phone is in both.
func (f *Filter) Check(phone string) (allowed bool, reason SkipReason) {
	if _, ok := f.optOut[phone]; ok {
		return false, ReasonOptOut
	}
	if _, ok := f.consentBlocked[phone]; ok {
		return false, ReasonNoConsent
	}
	return true, ""
}
