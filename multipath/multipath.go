// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package multipath detects redundant paths to the same physical disk.
//
// Hardware identifiers (WWN/serial) are unreliable across virtualized and
// cheap hardware: duplicate or absent WWNs cause false positives that can
// prevent the installed system from booting. Detection here instead looks
// for the same filesystem UUID visible on distinct device paths, which holds
// whenever the target already carries a filesystem, and the installer always
// creates one before this check runs.
package multipath

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ostoolkit/go-blockutil/blkid"
	"github.com/ostoolkit/go-blockutil/internal/command"
	"github.com/ostoolkit/go-blockutil/lsblk"
	"github.com/ostoolkit/go-blockutil/mounts"
	"github.com/ostoolkit/go-blockutil/sysfs"
)

// DefaultScsiIDPath is where udev installs the scsi_id helper.
const DefaultScsiIDPath = "/lib/udev/scsi_id"

// Detector decides whether device paths reach the same disk over redundant
// paths.
type Detector struct {
	// ScsiIDPath is the location of the scsi_id helper.
	ScsiIDPath string

	runner command.Runner
	table  *lsblk.Table
	mounts *mounts.Reader
	sysfs  *sysfs.Reader
	prober *blkid.Prober
	logger *zap.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// WithRunner overrides the process runner.
func WithRunner(runner command.Runner) Option {
	return func(d *Detector) {
		d.runner = runner
	}
}

// WithScsiIDPath overrides the scsi_id helper location.
func WithScsiIDPath(path string) Option {
	return func(d *Detector) {
		d.ScsiIDPath = path
	}
}

// NewDetector returns a Detector over the given collaborators.
func NewDetector(table *lsblk.Table, mountReader *mounts.Reader, sysfsReader *sysfs.Reader, prober *blkid.Prober, opts ...Option) *Detector {
	d := &Detector{
		ScsiIDPath: DefaultScsiIDPath,
		runner:     command.New(),
		table:      table,
		mounts:     mountReader,
		sysfs:      sysfsReader,
		prober:     prober,
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// RescanBlockDevices asks the kernel to re-read partition tables of all
// unused, non-removable, read-write disks, then settles pending device
// events so newly surfaced nodes are visible.
//
// Rescan failures are logged and swallowed: a device that cannot be
// rescanned must not abort the installation.
func (d *Detector) RescanBlockDevices(ctx context.Context) error {
	unused, err := d.table.UnusedDevices(ctx)
	if err != nil {
		return err
	}

	var devices []string

	for _, record := range unused {
		if record.Removable() || !record.ReadWrite() || record.DeviceType() != "disk" {
			continue
		}

		devices = append(devices, record.DevicePath)
	}

	if len(devices) == 0 {
		d.logger.Debug("no devices found to rescan")

		return nil
	}

	if _, err := d.runner.Run(ctx, "blockdev", append([]string{"--rereadpt"}, devices...)...); err != nil {
		d.logger.Warn("rescanning devices failed", zap.Error(err))
	}

	d.settle(ctx)

	return nil
}

// settle blocks until outstanding device-manager events are processed;
// best-effort.
func (d *Detector) settle(ctx context.Context) {
	if _, err := d.runner.Run(ctx, "udevadm", "settle"); err != nil {
		d.logger.Warn("udevadm settle failed", zap.Error(err))
	}
}

// DetectToMountpoint reports whether the device(s) backing the target
// mountpoint are reachable via more than one path.
//
// A target without a filesystem UUID cannot be checked; it is logged and
// skipped, not treated as an error.
func (d *Detector) DetectToMountpoint(ctx context.Context, targetMountpoint string) (bool, error) {
	if err := d.RescanBlockDevices(ctx); err != nil {
		return false, err
	}

	// a cached blkid read can report stale associations after a rescan
	binfo, err := d.prober.ProbeAll(ctx, blkid.ProbeOptions{BypassCache: true})
	if err != nil {
		return false, err
	}

	targetDevices, err := d.mounts.DevicesFor(ctx, targetMountpoint)
	if err != nil {
		return false, err
	}

	d.logger.Debug("detecting multipath",
		zap.String("mountpoint", targetMountpoint),
		zap.Strings("target_devices", targetDevices))

	targets := map[string]struct{}{}

	for _, device := range targetDevices {
		targets[device] = struct{}{}
	}

	for devpath, data := range binfo {
		if _, isTarget := targets[devpath]; !isTarget {
			continue
		}

		targetUUID := data["UUID"]
		if targetUUID == "" {
			d.logger.Warn("target partition has no UUID assigned", zap.String("device", devpath))

			continue
		}

		for otherPath, otherData := range binfo {
			if otherPath != devpath && otherData["UUID"] == targetUUID {
				return true, nil
			}
		}
	}

	return false, nil
}

// WWIDs returns the WWIDs of all multipath disks in the system.
//
// Disks are identified by finding filesystem UUIDs shared between distinct
// device paths and resolving each colliding path to its parent disk. WWID
// lookups that fail or come back empty are dropped so a blank identifier
// never reaches the multipath bindings downstream.
func (d *Detector) WWIDs(ctx context.Context) (map[string]struct{}, error) {
	binfo, err := d.prober.ProbeAll(ctx, blkid.ProbeOptions{})
	if err != nil {
		return nil, err
	}

	type devUUID struct {
		device string
		uuid   string
	}

	var devUUIDs []devUUID

	for device, data := range binfo {
		if uuid := data["UUID"]; uuid != "" {
			devUUIDs = append(devUUIDs, devUUID{device: device, uuid: uuid})
		}
	}

	disks := map[string]struct{}{}

	for i := range devUUIDs {
		for j := i + 1; j < len(devUUIDs); j++ {
			if devUUIDs[i].uuid != devUUIDs[j].uuid {
				continue
			}

			parent, _, err := d.sysfs.ResolveParent(devUUIDs[i].device)
			if err != nil {
				return nil, err
			}

			disks[parent] = struct{}{}
		}
	}

	wwids := map[string]struct{}{}

	for device := range disks {
		wwid := d.SCSIWWID(ctx, device, false)
		if wwid == "" {
			continue
		}

		wwids[wwid] = struct{}{}
	}

	return wwids, nil
}

// SCSIWWID looks up the WWID of a single device via the scsi_id helper.
//
// Failures are logged and reported as an empty WWID.
func (d *Detector) SCSIWWID(ctx context.Context, device string, replaceWhitespace bool) string {
	args := []string{"--whitelisted", "--device=" + device}

	if replaceWhitespace {
		args = append(args, "--replace-whitespace")
	}

	out, err := d.runner.Run(ctx, d.ScsiIDPath, args...)
	if err != nil {
		d.logger.Warn("failed to get WWID", zap.String("device", device), zap.Error(err))

		return ""
	}

	return strings.TrimRight(out, "\n")
}

// Flush stops all unused multipath device maps.
//
// A missing multipath binary means the multipath-tools package is not
// installed; the system then has no multipath maps to stop and this is a
// no-op. multipath -F exits 1 unless it flushed everything, so 1 is
// tolerated.
func (d *Detector) Flush(ctx context.Context) {
	path := d.runner.LookPath("multipath")
	if path == "" {
		return
	}

	if _, err := d.runner.RunTolerant(ctx, []int{0, 1}, path, "-F"); err != nil {
		d.logger.Warn("failed to stop multipath devices", zap.Error(err))
	}
}
