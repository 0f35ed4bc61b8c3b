// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package commandtest provides a scriptable Runner for tests.
package commandtest

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Call records one Runner invocation.
type Call struct {
	Name         string
	Args         []string
	AllowedCodes []int
}

// ExitError mimics a tool exiting with a non-zero code.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// FakeRunner replays scripted tool output.
type FakeRunner struct {
	// Handler produces output for an invocation.
	Handler func(name string, args ...string) (string, error)
	// MissingTools names tools LookPath reports as not installed.
	MissingTools map[string]bool

	// Calls records every invocation in order.
	Calls []Call
}

// Run implements command.Runner.
func (f *FakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.Calls = append(f.Calls, Call{Name: name, Args: args})

	if f.Handler == nil {
		return "", nil
	}

	out, err := f.Handler(name, args...)
	if err != nil {
		return "", fmt.Errorf("failed to run %q: %w", name, err)
	}

	return out, nil
}

// RunTolerant implements command.Runner.
func (f *FakeRunner) RunTolerant(_ context.Context, allowedCodes []int, name string, args ...string) (string, error) {
	f.Calls = append(f.Calls, Call{Name: name, Args: args, AllowedCodes: allowedCodes})

	if f.Handler == nil {
		return "", nil
	}

	out, err := f.Handler(name, args...)
	if err != nil {
		var exitError *ExitError

		if errors.As(err, &exitError) && slices.Contains(allowedCodes, exitError.Code) {
			return exitError.Output, nil
		}

		return "", fmt.Errorf("failed to run %q: %w", name, err)
	}

	return out, nil
}

// LookPath implements command.Runner.
func (f *FakeRunner) LookPath(name string) string {
	if f.MissingTools[name] {
		return ""
	}

	return name
}
