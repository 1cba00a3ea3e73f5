package synccache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies failures of remote calls.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	// KindNetwork is transient; reads retry it silently.
	KindNetwork
	// KindAuth must reach the session-handling collaborator (Options.OnAuthError).
	KindAuth
	// KindValidation rejects a mutation before anything is applied.
	KindValidation
	// KindConflict means a concurrent modification upstream; affected keys are refetched at once.
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

var (
	// ErrSkip returned by an Updater leaves that key untouched.
	ErrSkip = errors.New("synccache: skip key")
	// ErrRemove returned by a typed updater clears the value of that key.
	ErrRemove = errors.New("synccache: remove value")
	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("synccache: closed")

	ErrNetwork    = &RemoteError{Kind: KindNetwork}
	ErrAuth       = &RemoteError{Kind: KindAuth}
	ErrValidation = &RemoteError{Kind: KindValidation}
	ErrConflict   = &RemoteError{Kind: KindConflict}
)

// RemoteError is a classified remote failure. errors.Is(err, ErrConflict) matches any
// *RemoteError of the same kind.
type RemoteError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *RemoteError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	sb.WriteString(" error")
	if e.Op != "" {
		sb.WriteString(" during ")
		sb.WriteString(e.Op)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op) && t.Err == nil
}

func NetworkError(op string, err error) error {
	return &RemoteError{Kind: KindNetwork, Op: op, Err: err}
}

func AuthError(op string, err error) error {
	return &RemoteError{Kind: KindAuth, Op: op, Err: err}
}

func ValidationError(op string, err error) error {
	return &RemoteError{Kind: KindValidation, Op: op, Err: err}
}

func ConflictError(op string, err error) error {
	return &RemoteError{Kind: KindConflict, Op: op, Err: err}
}

// KindOf classifies err. Unclassified transport failures (net.Error, deadline
// exceeded) count as network errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ce *RemoteError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindUnknown
}

// MutationError reports a failed mutation. Exactly one of ApplyErr (the
// optimistic updater refused, nothing was applied) and RemoteErr (the remote
// call failed, the optimistic write was rolled back) is set.
type MutationError struct {
	Keys      []Key
	ApplyErr  error
	RemoteErr error
}

func (e *MutationError) Error() string {
	switch {
	case e.ApplyErr != nil:
		return fmt.Sprintf("mutation of %d key(s) rejected before apply: %v", len(e.Keys), e.ApplyErr)
	case e.RemoteErr != nil:
		return fmt.Sprintf("mutation of %d key(s) rolled back: %v", len(e.Keys), e.RemoteErr)
	default:
		return fmt.Sprintf("mutation of %d key(s) failed", len(e.Keys))
	}
}

func (e *MutationError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.ApplyErr != nil {
		errs = append(errs, e.ApplyErr)
	}
	if e.RemoteErr != nil {
		errs = append(errs, e.RemoteErr)
	}
	return errs
}
