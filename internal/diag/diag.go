// Package diag carries the classified failures and warnings the analysis
// attaches to code positions.
package diag

import (
	"errors"
	"fmt"

	"github.com/tinyrange/decomp/internal/space"
)

// Sentinel error kinds, ordered by severity.
var (
	// ErrLowLevel is a broken engine invariant; fatal to the current
	// function.
	ErrLowLevel = errors.New("low-level invariant violation")
	// ErrRecover is a localized recovery failure; the containing construct
	// is left degraded.
	ErrRecover = errors.New("recovery failed")
	// ErrUnavailable means the loader could not supply bytes.
	ErrUnavailable = errors.New("data unavailable")
	// ErrParse aborts a decode of persisted state.
	ErrParse = errors.New("parse error")
)

// LowLevel wraps a formatted message as a fatal invariant violation.
func LowLevel(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrLowLevel, fmt.Sprintf(format, args...))
}

// Recover wraps a formatted message as a localized recovery failure.
func Recover(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRecover, fmt.Sprintf(format, args...))
}

// Warning is a message anchored near an address. An invalid address anchors
// the warning at the function header.
type Warning struct {
	Text string
	Addr space.Address
}

// Sink accumulates warnings for one function.
type Sink struct {
	warnings []Warning
}

// Warn records a warning placed near an address.
func (s *Sink) Warn(text string, addr space.Address) {
	for _, w := range s.warnings {
		if w.Text == text && w.Addr.Equal(addr) {
			return
		}
	}
	s.warnings = append(s.warnings, Warning{Text: text, Addr: addr})
}

// WarnHeader records a warning placed at the function prototype.
func (s *Sink) WarnHeader(text string) {
	s.Warn(text, space.Invalid())
}

// Warnings returns everything recorded, in order.
func (s *Sink) Warnings() []Warning { return s.warnings }

// HeaderWarnings returns only the prototype-anchored warnings.
func (s *Sink) HeaderWarnings() []Warning {
	var out []Warning
	for _, w := range s.warnings {
		if w.Addr.IsInvalid() {
			out = append(out, w)
		}
	}
	return out
}
