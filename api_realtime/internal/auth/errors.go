package auth

import "errors"

var (
	ErrEmptyToken      = errors.New("token is empty")
	ErrNoTenants       = errors.New("at least one tenant must be configured")
	ErrNoTenantMatched = errors.New("token did not verify against any tenant")
	ErrSubjectInactive = errors.New("subject is not an active principal")
	ErrMissingSubject  = errors.New("token has no subject")
)
