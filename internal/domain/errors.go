package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDecode            = errors.New("decode error")
	ErrInvalidGeometry   = errors.New("invalid geometry")
	ErrTransform         = errors.New("transform error")
	ErrEncode            = errors.New("encode error")
	ErrArchive           = errors.New("archive error")
	ErrRemote            = errors.New("remote error")
	ErrMissingCredential = errors.New("missing api credential")
)

// Error attaches a human readable message to one of the taxonomy sentinels.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func DecodeError(msg string, err error) error {
	return &Error{Kind: ErrDecode, Msg: msg, Err: err}
}

func GeometryError(msg string) error {
	return &Error{Kind: ErrInvalidGeometry, Msg: msg}
}

func TransformError(msg string, err error) error {
	return &Error{Kind: ErrTransform, Msg: msg, Err: err}
}

func EncodeError(msg string, err error) error {
	return &Error{Kind: ErrEncode, Msg: msg, Err: err}
}

func ArchiveError(msg string) error {
	return &Error{Kind: ErrArchive, Msg: msg}
}

// RemoteError carries the third-party provider message verbatim.
type RemoteError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%s, status=%d)", e.Message, e.Provider, e.StatusCode)
	}
	return e.Message
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// MissingCredentialError reports a gateway configured without its api key.
func MissingCredentialError(provider string) error {
	return &Error{Kind: ErrMissingCredential, Msg: provider + " api key is not configured"}
}

// Message returns the text shown to the user for any pipeline error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Message
	}
	var typed *Error
	if errors.As(err, &typed) && typed.Msg != "" {
		return typed.Msg
	}
	return err.Error()
}
