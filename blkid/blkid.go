// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package blkid queries filesystem metadata through the blkid tool.
package blkid

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/ostoolkit/go-blockutil/internal/command"
)

// defaultCachePaths lists the cache files known to be consulted by blkid
// across tool versions; older releases read the undocumented /dev/.blkid.tab.
var defaultCachePaths = []string{
	"/run/blkid/blkid.tab",
	"/dev/.blkid.tab",
	"/etc/blkid.tab",
}

// Prober queries filesystem metadata (UUID, TYPE, LABEL, ...) for block
// devices.
type Prober struct {
	// CachePaths are the blkid cache files removed on uncached probes.
	CachePaths []string

	runner command.Runner
	logger *zap.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Prober) {
		p.logger = logger
	}
}

// WithRunner overrides the process runner.
func WithRunner(runner command.Runner) Option {
	return func(p *Prober) {
		p.runner = runner
	}
}

// WithCachePaths overrides the cache file locations.
func WithCachePaths(paths ...string) Option {
	return func(p *Prober) {
		p.CachePaths = paths
	}
}

// NewProber returns a Prober invoking the live blkid tool.
func NewProber(opts ...Option) *Prober {
	p := &Prober{
		CachePaths: defaultCachePaths,
		runner:     command.New(),
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// ProbeOptions control a bulk probe.
type ProbeOptions struct {
	// BypassCache deletes the known blkid cache files before probing, so
	// the result cannot report stale associations after a rescan.
	BypassCache bool
}

// ProbeAll returns metadata for every device blkid knows about, keyed by
// device path.
func (p *Prober) ProbeAll(ctx context.Context, opts ProbeOptions) (map[string]map[string]string, error) {
	if opts.BypassCache {
		p.clearCache()
	}

	out, err := p.runner.Run(ctx, "blkid", "-o", "full")
	if err != nil {
		return nil, err
	}

	data := map[string]map[string]string{}

	// each line is '<device_path>: KEY="VALUE" KEY="VALUE" ...'
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		device, rest, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed blkid output line %q", line)
		}

		toks, err := shlex.Split(rest)
		if err != nil {
			return nil, fmt.Errorf("failed to tokenize blkid output line %q: %w", line, err)
		}

		attrs := map[string]string{}

		for _, tok := range toks {
			key, value, ok := strings.Cut(tok, "=")
			if !ok {
				return nil, fmt.Errorf("malformed blkid pair %q in line %q", tok, line)
			}

			attrs[key] = value
		}

		data[device] = attrs
	}

	return data, nil
}

// VolumeUUID returns the filesystem UUID of the device at path, or "" when
// the device carries none.
func (p *Prober) VolumeUUID(ctx context.Context, path string) (string, error) {
	out, err := p.runner.Run(ctx, "blkid", "-o", "export", path)
	if err != nil {
		return "", err
	}

	// export output is 'KEY=VALUE' per line
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "UUID") {
			return line[strings.LastIndex(line, "=")+1:], nil
		}
	}

	return "", nil
}

func (p *Prober) clearCache() {
	for _, path := range p.CachePaths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("failed to remove blkid cache file",
				zap.String("path", path), zap.Error(err))
		}
	}
}
