package repository

import "fmt"

const (
	CodeNotFound            = "NOT_FOUND"
	CodeCreateFailed        = "CREATE_FAILED"
	CodeQueryFailed         = "QUERY_FAILED"
	CodeUpdateFailed        = "UPDATE_FAILED"
	CodeChannelCreateFailed = "CHANNEL_CREATE_FAILED"
	CodeChannelUpdateFailed = "CHANNEL_UPDATE_FAILED"
	CodeInvalidTransition   = "INVALID_TRANSITION"
)

var (
	ErrNotFound            = &RepositoryError{Code: CodeNotFound}
	ErrCreateFailed        = &RepositoryError{Code: CodeCreateFailed}
	ErrQueryFailed         = &RepositoryError{Code: CodeQueryFailed}
	ErrUpdateFailed        = &RepositoryError{Code: CodeUpdateFailed}
	ErrChannelCreateFailed = &RepositoryError{Code: CodeChannelCreateFailed}
	ErrChannelUpdateFailed = &RepositoryError{Code: CodeChannelUpdateFailed}
	ErrInvalidTransition   = &RepositoryError{Code: CodeInvalidTransition}
)

// RepositoryError tags a storage failure with a stable code.
// errors.Is matches on Code, so callers compare against the package sentinels.
type RepositoryError struct {
	Code string
	Op   string
	Err  error
}

func (e *RepositoryError) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return "repository: " + e.Code
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

func (e *RepositoryError) Is(target error) bool {
	t, ok := target.(*RepositoryError)
	return ok && t.Code == e.Code
}

func newError(code, op string, err error) error {
	return &RepositoryError{Code: code, Op: op, Err: err}
}
