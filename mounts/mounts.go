// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mounts reads the live mount table and cross-references it with the
// block device inventory.
package mounts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ostoolkit/go-blockutil/lsblk"
)

// Entry is one line of the mount table.
type Entry struct {
	Device     string
	Mountpoint string
	FSType     string
	Options    string
	DumpFreq   string
	PassNo     string
}

// Reader reads /proc/mounts and combines it with lsblk data.
type Reader struct {
	// ProcPath is the mount table location, normally /proc/mounts.
	ProcPath string

	table  *lsblk.Table
	logger *zap.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// WithProcPath overrides the mount table location.
func WithProcPath(path string) Option {
	return func(r *Reader) {
		r.ProcPath = path
	}
}

// NewReader returns a Reader over the live mount table.
func NewReader(table *lsblk.Table, opts ...Option) *Reader {
	r := &Reader{
		ProcPath: "/proc/mounts",
		table:    table,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ProcMounts parses the mount table into entries.
//
// Each line carries exactly six whitespace-delimited fields; the last field
// absorbs any remainder. Malformed lines are skipped silently.
func (r *Reader) ProcMounts() ([]Entry, error) {
	contents, err := os.ReadFile(r.ProcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table %q: %w", r.ProcPath, err)
	}

	var entries []Entry

	for _, line := range strings.Split(string(contents), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}

		entries = append(entries, Entry{
			Device:     fields[0],
			Mountpoint: fields[1],
			FSType:     fields[2],
			Options:    fields[3],
			DumpFreq:   fields[4],
			PassNo:     strings.Join(fields[5:], " "),
		})
	}

	return entries, nil
}

// InUse returns the set of mountpoints currently in use, merging lsblk
// mountpoint data with the mount table.
func (r *Reader) InUse(ctx context.Context) (map[string]struct{}, error) {
	inUse := map[string]struct{}{}

	info, err := r.table.Query(ctx)
	if err != nil {
		return nil, err
	}

	for _, record := range info {
		if mp := record.Mountpoint(); mp != "" {
			inUse[mp] = struct{}{}
		}
	}

	entries, err := r.ProcMounts()
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		inUse[entry.Mountpoint] = struct{}{}
	}

	return inUse, nil
}

// DevicesFor returns the device paths backing a mountpoint.
//
// The block inventory is consulted first; some lsblk versions omit the
// mountpoint for certain virtio devices, so the mount table serves as a
// fallback with device paths resolved to their real nodes.
func (r *Reader) DevicesFor(ctx context.Context, mountpoint string) ([]string, error) {
	info, err := r.table.Query(ctx)
	if err != nil {
		return nil, err
	}

	found := map[string]struct{}{}

	for _, record := range info {
		if record.Mountpoint() == mountpoint {
			found[record.DevicePath] = struct{}{}
		}
	}

	if len(found) > 0 {
		devices := make([]string, 0, len(found))

		for device := range found {
			devices = append(devices, device)
		}

		return devices, nil
	}

	r.logger.Debug("block inventory reported no devices for mountpoint, falling back to mount table",
		zap.String("mountpoint", mountpoint))

	entries, err := r.ProcMounts()
	if err != nil {
		return nil, err
	}

	var devices []string

	for _, entry := range entries {
		if entry.Mountpoint != mountpoint {
			continue
		}

		device := entry.Device

		if resolved, err := filepath.EvalSymlinks(device); err == nil {
			device = resolved
		}

		devices = append(devices, device)
	}

	return devices, nil
}
