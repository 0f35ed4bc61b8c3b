// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sysfs resolves block device topology from the kernel's
// /sys/class/block hierarchy.
package sysfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ostoolkit/go-blockutil/devname"
)

// Common errors.
var (
	// ErrNotFound indicates that an expected sysfs node does not exist.
	ErrNotFound = errors.New("sysfs path not found")

	// ErrNoReference indicates that neither a device path nor a sysfs path
	// was supplied where one is required.
	ErrNoReference = errors.New("either device path or sysfs path is required")
)

// nodeTemplates is the ordered list of sysfs node name candidates tried for a
// device. Legacy cciss controllers register nodes as "cciss!<name>".
var nodeTemplates = []string{"%s", "cciss!%s"}

// PartitionGeometry describes one partition found under a disk node.
//
// Start and size are converted to bytes at read time using the logical
// sector size of the parent disk.
type PartitionGeometry struct {
	KernelName string
	Number     int
	StartBytes int64
	SizeBytes  int64
}

// Reader resolves device topology against a sysfs tree.
//
// The zero value is not usable; call NewReader.
type Reader struct {
	// Root is the class-block directory, normally /sys/class/block.
	Root string
	// DevBlockRoot holds the <major>:<minor> device symlinks, normally /dev/block.
	DevBlockRoot string

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

// WithRoot overrides the class-block directory.
func WithRoot(root string) Option {
	return func(r *Reader) {
		r.Root = root
	}
}

// WithDevBlockRoot overrides the major:minor symlink directory.
func WithDevBlockRoot(root string) Option {
	return func(r *Reader) {
		r.DevBlockRoot = root
	}
}

// NewReader returns a Reader against the live sysfs tree.
func NewReader(opts ...Option) *Reader {
	r := &Reader{
		Root:         "/sys/class/block",
		DevBlockRoot: "/dev/block",
		logger:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// realpath resolves symlinks in path, falling back to the cleaned path when
// resolution fails (matching realpath(3) semantics for missing files).
func realpath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	return filepath.Clean(path)
}

// nodePath locates the sysfs node for a short device name, trying each
// candidate template in order.
func (r *Reader) nodePath(name string) (string, error) {
	for _, tmpl := range nodeTemplates {
		path := filepath.Join(r.Root, fmt.Sprintf(tmpl, name))

		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: no sysfs node for %q under %q", ErrNotFound, name, r.Root)
}

// readInt reads a sysfs attribute file holding a single decimal value.
func readInt(path string) (int64, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	value, err := strconv.ParseInt(strings.TrimSpace(string(contents)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %q: %w", path, err)
	}

	return value, nil
}

// ResolveParent maps a device path to its parent disk path and partition
// number.
//
// For a whole disk the device's own resolved path is returned with a nil
// partition number. For a partition the parent is found by resolving the
// sysfs node, stepping one directory up, reading the parent's major:minor
// identifier and resolving it through the /dev/block symlinks: sysfs exposes
// no direct parent device node attribute.
func (r *Reader) ResolveParent(devpath string) (string, *int, error) {
	rpath := realpath(devpath)
	bname := filepath.Base(rpath)

	syspath, err := r.nodePath(bname)
	if err != nil {
		return "", nil, err
	}

	partAttr := filepath.Join(syspath, "partition")

	if _, err = os.Stat(partAttr); err != nil {
		return rpath, nil, nil
	}

	partNum64, err := readInt(partAttr)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read partition number for %q: %w", devpath, err)
	}

	partNum := int(partNum64)

	// for a partition, the resolved syspath is like
	// /sys/devices/pci0000:00/.../block/vda/vda1, so the parent disk
	// owns the directory one level up
	diskSysPath := filepath.Dir(realpath(syspath))

	majMin, err := os.ReadFile(filepath.Join(diskSysPath, "dev"))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read parent dev identifier for %q: %w", devpath, err)
	}

	parent := realpath(filepath.Join(r.DevBlockRoot, strings.TrimSpace(string(majMin))))

	return parent, &partNum, nil
}

// BlockPath builds the sysfs path for a device name, inserting the parent
// node segment when the name refers to a partition. An optional extra
// component is appended. With strict set, a missing result is an error.
func (r *Reader) BlockPath(name, extra string, strict bool) (string, error) {
	toks := []string{r.Root}

	parent, partNum, err := r.ResolveParent(devname.Path(name))
	if err != nil {
		return "", err
	}

	if partNum != nil {
		toks = append(toks, devname.Short(parent))
	}

	toks = append(toks, devname.Short(name))

	if extra != "" {
		toks = append(toks, extra)
	}

	path := filepath.Join(toks...)

	if strict {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: device %q has no syspath %q", ErrNotFound, name, path)
		}
	}

	return path, nil
}

// PartitionGeometries enumerates the partitions under a device's sysfs node.
//
// Exactly one of devpath and sysfsPath must be non-empty. Start and size are
// reported by sysfs in sectors; the conversion to bytes uses the logical
// sector size of the parent disk, since the queue attributes exist only on
// the top-level disk node. Result order follows directory enumeration order
// and is not sorted.
func (r *Reader) PartitionGeometries(devpath, sysfsPath string) ([]PartitionGeometry, error) {
	if devpath == "" && sysfsPath == "" {
		return nil, ErrNoReference
	}

	if devpath != "" {
		var err error

		sysfsPath, err = r.BlockPath(devpath, "", true)
		if err != nil {
			return nil, err
		}
	}

	sectorSize, err := r.parentSectorSize(devpath, sysfsPath)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %q: %w", sysfsPath, err)
	}

	var geometries []PartitionGeometry

	for _, entry := range entries {
		partDir := filepath.Join(sysfsPath, entry.Name())

		number, err := readInt(filepath.Join(partDir, "partition"))
		if err != nil {
			// not a partition directory
			continue
		}

		start, err := readInt(filepath.Join(partDir, "start"))
		if err != nil {
			return nil, fmt.Errorf("failed to read partition start for %q: %w", partDir, err)
		}

		size, err := readInt(filepath.Join(partDir, "size"))
		if err != nil {
			return nil, fmt.Errorf("failed to read partition size for %q: %w", partDir, err)
		}

		geometries = append(geometries, PartitionGeometry{
			KernelName: entry.Name(),
			Number:     int(number),
			StartBytes: start * sectorSize,
			SizeBytes:  size * sectorSize,
		})
	}

	return geometries, nil
}

// parentSectorSize reads queue/logical_block_size from the parent disk node
// of the referenced device.
func (r *Reader) parentSectorSize(devpath, sysfsPath string) (int64, error) {
	prefix := sysfsPath

	if devpath != "" {
		parent, partNum, err := r.ResolveParent(devname.Path(devpath))
		if err != nil {
			return 0, err
		}

		if partNum != nil {
			prefix, err = r.BlockPath(parent, "", true)
			if err != nil {
				return 0, err
			}
		}
	}

	sectorSize, err := readInt(filepath.Join(prefix, "queue", "logical_block_size"))
	if err != nil {
		return 0, fmt.Errorf("failed to read logical block size: %w", err)
	}

	return sectorSize, nil
}
