package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// ProgressIndicator defines the interface for progress feedback.
//
// # Description
//
// ProgressIndicator provides visual feedback during long-running operations
// to prevent users from thinking the application has frozen.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type ProgressIndicator interface {
	// Start begins the progress indication.
	Start()

	// Stop halts the progress indication.
	Stop()

	// SetMessage updates the displayed message.
	SetMessage(message string)

	// IsRunning returns whether the indicator is active.
	IsRunning() bool
}

// SpinnerConfig configures spinner behavior.
//
// # Example
//
//	config := SpinnerConfig{
//	    Message:  "Scanning AWS accounts...",
//	    Interval: 100 * time.Millisecond,
//	    Writer:   os.Stderr,
//	}
type SpinnerConfig struct {
	// Message is the text displayed next to the spinner.
	Message string

	// Interval is the time between frame updates.
	// Default: 100ms
	Interval time.Duration

	// Frames are the animation characters.
	// Default: Braille dots (⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏)
	Frames []string

	// Writer is where output is written.
	// Default: os.Stderr
	Writer io.Writer

	// HideCursor hides the terminal cursor while spinning.
	// Default: true
	HideCursor bool

	// ClearOnStop clears the spinner line when stopped.
	// Default: true
	ClearOnStop bool

	// Disabled suppresses the animation. The message is printed once as
	// a plain line instead. NewSpinner sets this automatically when the
	// writer is not an interactive terminal, so piped and CI output stays
	// free of ANSI escapes.
	Disabled bool

	// SuccessMessage shown when StopSuccess is called.
	SuccessMessage string

	// FailureMessage shown when StopFailure is called.
	FailureMessage string
}

// DefaultSpinnerConfig returns a configuration with Braille dot animation,
// 100ms interval, writing to stderr.
func DefaultSpinnerConfig() SpinnerConfig {
	return SpinnerConfig{
		Message:     "Working...",
		Interval:    100 * time.Millisecond,
		Frames:      []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		Writer:      os.Stderr,
		HideCursor:  true,
		ClearOnStop: true,
	}
}

// Spinner provides animated progress feedback for CLI operations.
//
// # Description
//
// Spinner displays an animated character sequence with a message to
// indicate that a long-running operation is in progress. Scans and the
// Neo4j readiness wait can take minutes; the spinner keeps the terminal
// visibly alive during them.
//
// # Thread Safety
//
// Spinner is safe for concurrent use. Start/Stop can be called from
// different goroutines, and scanner progress callbacks may call
// SetMessage while the animation runs.
//
// # Limitations
//
//   - ANSI escape codes may not work on all terminals
//   - Concurrent writes to the same Writer may cause garbled output
type Spinner struct {
	config  SpinnerConfig
	frame   int
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
}

// NewSpinner creates a spinner ready to be started. Nothing is displayed
// until Start() is called. When the writer is a file that is not an
// interactive terminal, the spinner runs in disabled (plain line) mode.
func NewSpinner(config SpinnerConfig) *Spinner {
	if config.Interval <= 0 {
		config.Interval = 100 * time.Millisecond
	}
	if len(config.Frames) == 0 {
		config.Frames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	}
	if config.Writer == nil {
		config.Writer = os.Stderr
	}
	if f, ok := config.Writer.(*os.File); ok {
		if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
			config.Disabled = true
		}
	}

	return &Spinner{
		config: config,
	}
}

// Start begins the spinner animation. Safe to call multiple times
// (subsequent calls are no-ops). In disabled mode the message is printed
// once with no animation.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	disabled := s.config.Disabled
	message := s.config.Message
	s.mu.Unlock()

	if disabled {
		close(s.doneCh)
		if message != "" {
			fmt.Fprintf(s.config.Writer, "%s\n", message)
		}
		return
	}

	if s.config.HideCursor {
		fmt.Fprint(s.config.Writer, "\033[?25l")
	}

	go s.spin()
}

// halt stops the animation goroutine. Returns false if the spinner was
// not running, so the Stop variants can no-op on double calls.
func (s *Spinner) halt() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.running = false
	if !s.config.Disabled {
		close(s.stopCh)
	}
	s.mu.Unlock()

	<-s.doneCh
	return true
}

// Stop halts the spinner and optionally clears the line. Blocks until
// the spinner goroutine has fully stopped.
func (s *Spinner) Stop() {
	if !s.halt() {
		return
	}
	if s.config.Disabled {
		return
	}

	if s.config.ClearOnStop {
		s.clearLine()
	}
	if s.config.HideCursor {
		fmt.Fprint(s.config.Writer, "\033[?25h")
	}
}

// StopSuccess stops and displays a success indicator with the configured
// or provided message.
func (s *Spinner) StopSuccess(message string) {
	if !s.halt() {
		return
	}

	if message == "" {
		message = s.config.SuccessMessage
	}
	if message == "" {
		message = "Done"
	}

	if s.config.Disabled {
		fmt.Fprintf(s.config.Writer, "✓ %s\n", message)
		return
	}

	s.clearLine()
	fmt.Fprintf(s.config.Writer, "\r✓ %s\n", message)

	if s.config.HideCursor {
		fmt.Fprint(s.config.Writer, "\033[?25h")
	}
}

// StopFailure stops and displays a failure indicator with the configured
// or provided message.
func (s *Spinner) StopFailure(message string) {
	if !s.halt() {
		return
	}

	if message == "" {
		message = s.config.FailureMessage
	}
	if message == "" {
		message = "Failed"
	}

	if s.config.Disabled {
		fmt.Fprintf(s.config.Writer, "✗ %s\n", message)
		return
	}

	s.clearLine()
	fmt.Fprintf(s.config.Writer, "\r✗ %s\n", message)

	if s.config.HideCursor {
		fmt.Fprint(s.config.Writer, "\033[?25h")
	}
}

// SetMessage updates the displayed message. Safe to call while the
// spinner is running.
func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	s.config.Message = message
	s.mu.Unlock()
}

// IsRunning returns whether the spinner is active.
func (s *Spinner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// spin is the main animation loop.
func (s *Spinner) spin() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.render()
		case <-s.stopCh:
			return
		}
	}
}

// render draws the current frame.
func (s *Spinner) render() {
	s.mu.Lock()
	frame := s.config.Frames[s.frame%len(s.config.Frames)]
	message := s.config.Message
	s.frame++
	s.mu.Unlock()

	fmt.Fprintf(s.config.Writer, "\r%s %s", frame, message)
}

// clearLine clears the current line.
func (s *Spinner) clearLine() {
	fmt.Fprint(s.config.Writer, "\r\033[K")
}

// SpinWhile runs a function with a spinner showing progress. Shows
// success or failure based on the function's return value.
//
// # Example
//
//	err := SpinWhile("Creating schema...", func() error {
//	    return setup.CreateSchema(ctx)
//	})
func SpinWhile(message string, fn func() error) error {
	spinner := NewSpinner(SpinnerConfig{Message: message})
	spinner.Start()

	err := fn()

	if err != nil {
		spinner.StopFailure(err.Error())
	} else {
		spinner.StopSuccess("")
	}

	return err
}

// SpinWhileContext runs a function with a spinner, stopping it if the
// context is cancelled first.
//
// # Example
//
//	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
//	defer cancel()
//
//	err := SpinWhileContext(ctx, "Waiting for Neo4j to accept connections...", func() error {
//	    return setup.WaitForBolt(ctx)
//	})
func SpinWhileContext(ctx context.Context, message string, fn func() error) error {
	spinner := NewSpinner(SpinnerConfig{Message: message})
	spinner.Start()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			spinner.StopFailure(err.Error())
		} else {
			spinner.StopSuccess("")
		}
		return err

	case <-ctx.Done():
		spinner.StopFailure("Cancelled")
		return ctx.Err()
	}
}

// Compile-time interface check
var _ ProgressIndicator = (*Spinner)(nil)
