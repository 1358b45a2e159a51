package otp

import "strings"

// Purpose scopes a code to one flow, so a login code cannot confirm a
// password reset.
type Purpose string

const (
	PurposeRegistration  Purpose = "REGISTRATION"
	PurposeLogin         Purpose = "LOGIN"
	PurposePasswordReset Purpose = "PASSWORD_RESET"
	PurposePhoneChange   Purpose = "PHONE_CHANGE"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposeRegistration, PurposeLogin, PurposePasswordReset, PurposePhoneChange:
		return true
	}
	return false
}

// ParsePurpose accepts any casing.
func ParsePurpose(s string) (Purpose, bool) {
	p := Purpose(strings.ToUpper(strings.TrimSpace(s)))
	return p, p.Valid()
}

// normalizePhone keeps a leading plus and the digits, dropping spaces,
// dashes and brackets.
func normalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	if b.Len() < 6 {
		return ""
	}
	return b.String()
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
