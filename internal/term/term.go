// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package term runs the agent command under a pseudo-terminal and injects
// broker-delivered input into it.
package term

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Runner owns the agent process and its PTY.
type Runner struct {
	file *os.File
	cmd  *exec.Cmd
	log  zerolog.Logger

	keyDelay time.Duration

	mu     sync.Mutex
	closed bool

	restore func()
}

// Start launches the command under a PTY sized to the current terminal and
// puts stdin into raw mode so the agent's own UI works unmodified.
func Start(args []string, keyDelay time.Duration, log zerolog.Logger) (*Runner, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no command given")
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = os.Environ()

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	r := &Runner{
		file:     ptmx,
		cmd:      cmd,
		log:      log.With().Str("component", "term").Logger(),
		keyDelay: keyDelay,
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		pty.InheritSize(os.Stdin, ptmx)
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			ptmx.Close()
			cmd.Process.Kill()
			return nil, fmt.Errorf("raw mode: %w", err)
		}
		r.restore = func() { term.Restore(int(os.Stdin.Fd()), oldState) }
	}

	return r, nil
}

// Mirror copies the user's stdin into the PTY and the PTY's output to
// stdout. Returns when the agent process exits.
func (r *Runner) Mirror() {
	go func() {
		io.Copy(r.file, os.Stdin)
	}()
	io.Copy(os.Stdout, r.file)
}

// WatchResize propagates terminal size changes to the PTY until stop closes.
func (r *Runner) WatchResize(stop <-chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	defer signal.Stop(ch)
	for {
		select {
		case <-ch:
			if err := pty.InheritSize(os.Stdin, r.file); err != nil {
				r.log.Debug().Err(err).Msg("resize failed")
			}
		case <-stop:
			return
		}
	}
}

// InjectMessage types literal text into the agent's input box and submits
// it with a carriage return.
func (r *Runner) InjectMessage(text string) error {
	if err := r.write([]byte(text)); err != nil {
		return err
	}
	time.Sleep(r.keyDelay)
	return r.write([]byte("\r"))
}

// InjectKeys sends named keys in order, pausing between them so the agent's
// UI can repaint between steps.
func (r *Runner) InjectKeys(keys []string) error {
	for i, key := range keys {
		if i > 0 {
			time.Sleep(r.keyDelay)
		}
		if err := r.write(KeyBytes(key)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) write(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return os.ErrClosed
	}
	if _, err := r.file.Write(data); err != nil {
		return fmt.Errorf("write pty: %w", err)
	}
	return nil
}

// Wait blocks until the agent process exits and returns its exit code.
func (r *Runner) Wait() int {
	err := r.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

// Close restores the terminal and tears the PTY down.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	if r.restore != nil {
		r.restore()
	}
	r.file.Close()
	if r.cmd.Process != nil {
		r.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// KeyBytes maps a named key to the bytes the terminal expects. Unknown
// names are sent as literal text.
func KeyBytes(name string) []byte {
	switch name {
	case "Enter":
		return []byte("\r")
	case "Tab":
		return []byte("\t")
	case "Escape":
		return []byte("\x1b")
	case "Space":
		return []byte(" ")
	case "Backspace":
		return []byte("\x7f")
	case "Up":
		return []byte("\x1b[A")
	case "Down":
		return []byte("\x1b[B")
	case "Right":
		return []byte("\x1b[C")
	case "Left":
		return []byte("\x1b[D")
	}
	return []byte(name)
}
