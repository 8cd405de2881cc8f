package util

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"golang.org/x/term"
)

// UISpinner wraps spinner for terminal progress output. When debug is set or
// stdout is not a terminal it degrades to plain lines.
type UISpinner struct {
	sp    *spinner.Spinner
	debug bool
}

// NewUISpinner creates and starts a spinner with the given message
func NewUISpinner(debug bool, message string) *UISpinner {
	s := &UISpinner{debug: debug || !term.IsTerminal(int(os.Stdout.Fd()))}

	if !s.debug {
		s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.sp.Prefix = "  "
		s.sp.Suffix = " " + message
		s.sp.Start()
	} else {
		fmt.Printf("  %s\n", message)
	}

	return s
}

// Success stops the spinner and prints a success message
func (s *UISpinner) Success(message string) {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Printf("\r\033[K  ✓ %s\n", message)
	} else {
		fmt.Printf("  ✓ %s\n", message)
	}
}

// Fail stops the spinner and prints an error message
func (s *UISpinner) Fail(message string) {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Printf("\r\033[K  ✗ %s\n", message)
	} else {
		fmt.Printf("  ✗ %s\n", message)
	}
}

// Stop stops the spinner without printing anything
func (s *UISpinner) Stop() {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Print("\r\033[K")
	}
}
