package credential

import "errors"

// Kind identifies why authentication was rejected. Clients react differently
// per kind (resend a code vs. fix a typo), so these are never collapsed into
// a generic failure.
type Kind string

const (
	KindCodeNotFound  Kind = "CODE_NOT_FOUND"
	KindCodeUsed      Kind = "CODE_USED"
	KindCodeActive    Kind = "CODE_ACTIVE"
	KindCodeExpired   Kind = "CODE_EXPIRED"
	KindParamMismatch Kind = "PARAM_MISMATCH"
)

type AuthError struct {
	Kind    Kind
	message string
}

func newAuthError(kind Kind, message string) *AuthError {
	return &AuthError{Kind: kind, message: message}
}

func (e *AuthError) Error() string {
	return string(e.Kind) + ": " + e.message
}

// KindOf extracts the auth error kind, or "" when err is not an AuthError.
func KindOf(err error) Kind {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return ""
}
