package errors

import stderrors "errors"

// Error kinds shared by the native engines. Package level sentinels wrap one
// of these so callers can match either the precise failure or its kind with
// errors.Is.
var (
	ErrNotFound      = stderrors.New("not found")
	ErrInvalidState  = stderrors.New("invalid state")
	ErrUnauthorized  = stderrors.New("unauthorized")
	ErrInvalidInput  = stderrors.New("invalid input")
	ErrDuplicate     = stderrors.New("duplicate action")
	ErrThreshold     = stderrors.New("threshold not met")
	ErrWindow        = stderrors.New("outside permitted window")
	ErrIntegrity     = stderrors.New("protocol integrity violation")
	ErrTransfer      = stderrors.New("transfer failed")
	ErrModulePaused  = stderrors.New("module paused")
	ErrNotConfigured = stderrors.New("not configured")
)

// Kind returns the kind sentinel wrapped by err, or nil when err carries none.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		ErrNotFound,
		ErrInvalidState,
		ErrUnauthorized,
		ErrInvalidInput,
		ErrDuplicate,
		ErrThreshold,
		ErrWindow,
		ErrIntegrity,
		ErrTransfer,
		ErrModulePaused,
		ErrNotConfigured,
	} {
		if stderrors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
