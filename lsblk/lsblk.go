// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package lsblk builds a structured block device inventory from the system
// block-listing tool.
package lsblk

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"

	"github.com/ostoolkit/go-blockutil/devname"
	"github.com/ostoolkit/go-blockutil/internal/command"
)

// columns is the versioned set of output columns requested from lsblk.
//
// SCHED is dropped: requesting it together with the full column set breaks
// the invocation on some lsblk versions.
var columns = []string{
	"ALIGNMENT", "DISC-ALN", "DISC-GRAN", "DISC-MAX", "DISC-ZERO",
	"FSTYPE", "GROUP", "KNAME", "LABEL", "LOG-SEC", "MAJ:MIN",
	"MIN-IO", "MODE", "MODEL", "MOUNTPOINT", "NAME", "OPT-IO", "OWNER",
	"PHY-SEC", "RM", "RO", "ROTA", "RQ-SIZE", "SIZE", "STATE",
	"TYPE", "UUID",
}

// Record is one row of the device inventory.
//
// Attr values are tool-reported strings; not every key is present on every
// row. Records are built fresh on every query and never mutated.
type Record struct {
	// KName is the short kernel device name, unique within one query.
	KName string
	// DevicePath is the canonical /dev path derived from KName.
	DevicePath string
	// Attr maps column names to raw values.
	Attr map[string]string
}

// Get returns the raw value of a column, or "" when absent.
func (r Record) Get(key string) string {
	return r.Attr[key]
}

// Size returns the device size in bytes, or 0 when unreported.
func (r Record) Size() int64 {
	size, err := strconv.ParseInt(r.Attr["SIZE"], 10, 64)
	if err != nil {
		return 0
	}

	return size
}

// Removable reports whether the device is flagged removable.
func (r Record) Removable() bool {
	return r.Attr["RM"] == "1"
}

// ReadWrite reports whether the device is flagged read-write.
func (r Record) ReadWrite() bool {
	return r.Attr["RO"] == "0"
}

// DeviceType returns the reported device type (disk, part, loop, ...).
func (r Record) DeviceType() string {
	return r.Attr["TYPE"]
}

// Mountpoint returns the reported mountpoint, or "".
func (r Record) Mountpoint() string {
	return r.Attr["MOUNTPOINT"]
}

// FSUUID returns the reported filesystem UUID, or "".
func (r Record) FSUUID() string {
	return r.Attr["UUID"]
}

// LogicalSectorSize returns the logical sector size in bytes.
func (r Record) LogicalSectorSize() (int, error) {
	return strconv.Atoi(r.Attr["LOG-SEC"])
}

// PhysicalSectorSize returns the physical sector size in bytes.
func (r Record) PhysicalSectorSize() (int, error) {
	return strconv.Atoi(r.Attr["PHY-SEC"])
}

// Table queries the block-listing tool.
type Table struct {
	runner command.Runner
	logger *zap.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Table) {
		t.logger = logger
	}
}

// WithRunner overrides the process runner.
func WithRunner(runner command.Runner) Option {
	return func(t *Table) {
		t.runner = runner
	}
}

// NewTable returns a Table invoking the live lsblk tool.
func NewTable(opts ...Option) *Table {
	t := &Table{
		runner: command.New(),
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// query invokes lsblk with extra args and parses its pairs output.
//
// Sysfs spells embedded slashes in device names (device-mapper, cciss) as
// '!'; translate them to '/' both in arguments and in output.
func (t *Table) query(ctx context.Context, args ...string) (map[string]Record, error) {
	baseArgs := []string{
		"--noheadings", "--bytes", "--pairs",
		"--output=" + strings.Join(columns, ","),
	}

	args = xslices.Map(args, func(arg string) string {
		return strings.ReplaceAll(arg, "!", "/")
	})

	t.logger.Debug("invoking lsblk", zap.Strings("args", args))

	out, err := t.runner.Run(ctx, "lsblk", append(baseArgs, args...)...)
	if err != nil {
		return nil, err
	}

	return parsePairs(strings.ReplaceAll(out, "!", "/"))
}

// parsePairs parses lsblk --pairs output into Records keyed by kernel name.
func parsePairs(out string) (map[string]Record, error) {
	records := map[string]Record{}

	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		toks, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("failed to tokenize lsblk output line %q: %w", line, err)
		}

		attr := map[string]string{}

		for _, tok := range toks {
			key, value, ok := strings.Cut(tok, "=")
			if !ok {
				return nil, fmt.Errorf("malformed lsblk pair %q in line %q", tok, line)
			}

			attr[key] = value
		}

		// key by KNAME: NAME may carry composite values for virtual
		// devices (e.g. lvm shows 'dm0 lvm1')
		kname, ok := attr["KNAME"]
		if !ok {
			return nil, fmt.Errorf("lsblk output line without KNAME: %q", line)
		}

		_, path := devname.Split(kname)

		records[kname] = Record{
			KName:      kname,
			DevicePath: path,
			Attr:       attr,
		}
	}

	return records, nil
}

// Query returns the inventory restricted to the given device paths, or the
// full inventory when none are given.
func (t *Table) Query(ctx context.Context, devices ...string) (map[string]Record, error) {
	return t.query(ctx, devices...)
}

// UnusedDevices returns top-level devices with nothing mounted on them or on
// any of their partitions.
func (t *Table) UnusedDevices(ctx context.Context) (map[string]Record, error) {
	top, err := t.query(ctx, "--nodeps")
	if err != nil {
		return nil, err
	}

	unused := map[string]Record{}

	for kname, record := range top {
		tree, err := t.query(ctx, record.DevicePath)
		if err != nil {
			return nil, err
		}

		mounted := false

		for _, row := range tree {
			if row.Mountpoint() != "" {
				mounted = true

				break
			}
		}

		if !mounted {
			unused[kname] = record
		}
	}

	return unused, nil
}

// DefaultMinCandidateSize is the default size floor for install candidates.
const DefaultMinCandidateSize = 1 << 30

// CandidateOptions filter InstallCandidates results.
type CandidateOptions struct {
	// IncludeRemovable admits removable devices.
	IncludeRemovable bool
	// MinSize is the size floor in bytes; nil disables the size check.
	MinSize *int64
}

// CandidateOption configures CandidateOptions.
type CandidateOption func(*CandidateOptions)

// WithIncludeRemovable admits removable devices.
func WithIncludeRemovable() CandidateOption {
	return func(o *CandidateOptions) {
		o.IncludeRemovable = true
	}
}

// WithMinSize overrides the size floor.
func WithMinSize(size int64) CandidateOption {
	return func(o *CandidateOptions) {
		o.MinSize = &size
	}
}

// WithNoMinSize disables the size check entirely.
func WithNoMinSize() CandidateOption {
	return func(o *CandidateOptions) {
		o.MinSize = nil
	}
}

// InstallCandidates returns kernel names of unused, read-write disks suitable
// as installation targets.
func (t *Table) InstallCandidates(ctx context.Context, opts ...CandidateOption) ([]string, error) {
	minSize := int64(DefaultMinCandidateSize)

	options := CandidateOptions{
		MinSize: &minSize,
	}

	for _, opt := range opts {
		opt(&options)
	}

	unused, err := t.UnusedDevices(ctx)
	if err != nil {
		return nil, err
	}

	var good []string

	for kname, record := range unused {
		if !options.IncludeRemovable && record.Removable() {
			continue
		}

		if !record.ReadWrite() || record.DeviceType() != "disk" {
			continue
		}

		if options.MinSize != nil && record.Size() < *options.MinSize {
			continue
		}

		good = append(good, kname)
	}

	return good, nil
}

// PartitionsOn returns the child rows of the given devices, excluding the
// devices themselves.
func (t *Table) PartitionsOn(ctx context.Context, devices []string) (map[string]Record, error) {
	paths := xslices.Map(devices, devname.Path)

	found, err := t.query(ctx, paths...)
	if err != nil {
		return nil, err
	}

	parents := xslices.ToSet(paths)
	children := map[string]Record{}

	for kname, record := range found {
		if _, isParent := parents[record.DevicePath]; !isParent {
			children[kname] = record
		}
	}

	return children, nil
}

// SectorSizes returns the logical and physical sector size of the device.
func (t *Table) SectorSizes(ctx context.Context, devpath string) (logical, physical int, err error) {
	info, err := t.query(ctx, devpath)
	if err != nil {
		return 0, 0, err
	}

	if len(info) != 1 {
		return 0, 0, fmt.Errorf("expected exactly one row for %q, got %d", devpath, len(info))
	}

	for _, record := range info {
		logical, err = record.LogicalSectorSize()
		if err != nil {
			return 0, 0, fmt.Errorf("failed to parse logical sector size for %q: %w", devpath, err)
		}

		physical, err = record.PhysicalSectorSize()
		if err != nil {
			return 0, 0, fmt.Errorf("failed to parse physical sector size for %q: %w", devpath, err)
		}
	}

	return logical, physical, nil
}
