package graph

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalid = errors.New("invalid workflow graph")
	ErrCycle   = errors.New("cycle detected")
)

// Error is a structural failure raised while building a graph.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func invalidf(format string, args ...interface{}) error {
	return &Error{Kind: ErrInvalid, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	return &Error{Kind: ErrCycle, Msg: strings.Join(path, " -> ")}
}

// IsPermanent reports whether err, or any error it wraps, declares itself
// not worth retrying.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
