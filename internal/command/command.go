// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package command runs external tools and captures their output.
package command

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"

	"github.com/siderolabs/go-cmd/pkg/cmd"
)

// Runner executes an external tool and returns its standard output.
type Runner interface {
	// Run executes name with args, failing on any non-zero exit.
	Run(ctx context.Context, name string, args ...string) (string, error)

	// RunTolerant executes name with args, treating the listed exit codes
	// as success and returning whatever output was produced.
	RunTolerant(ctx context.Context, allowedCodes []int, name string, args ...string) (string, error)

	// LookPath reports the resolved path of an executable, or "" when the
	// tool is not installed.
	LookPath(name string) string
}

type runner struct{}

// New returns a Runner backed by process execution.
func New() Runner {
	return runner{}
}

func (runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	stdout, err := cmd.RunContext(ctx, name, args...)
	if err != nil {
		return "", fmt.Errorf("failed to run %q: %w", name, err)
	}

	return stdout, nil
}

func (runner) RunTolerant(ctx context.Context, allowedCodes []int, name string, args ...string) (string, error) {
	stdout, err := cmd.RunContext(ctx, name, args...)
	if err != nil {
		var exitError *cmd.ExitError

		if errors.As(err, &exitError) && slices.Contains(allowedCodes, exitError.ExitCode) {
			return string(exitError.Output), nil
		}

		return "", fmt.Errorf("failed to run %q: %w", name, err)
	}

	return stdout, nil
}

func (runner) LookPath(name string) string {
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}

	return path
}
