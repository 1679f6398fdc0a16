package booking

import "errors"

var (
	ErrTaskAlreadyRunning       = errors.New("a booking task is already running")
	ErrCaptchaAcquisitionFailed = errors.New("captcha acquisition failed")
	ErrSessionExpired           = errors.New("portal session expired")
	ErrMalformedListing         = errors.New("malformed resource listing")
	ErrInvalidTask              = errors.New("invalid task")
	ErrWindowClosed             = errors.New("booking window already closed")
	ErrPermissionDenied         = errors.New("not permitted to book this resource")

	errRejectedCodeRepeated = errors.New("solver returned a previously rejected code")
)
