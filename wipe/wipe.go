// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package wipe destructively overwrites byte ranges of files and block
// devices.
//
// No durability guarantee is made: a crash mid-wipe may leave it partially
// applied, and callers needing one must flush explicitly.
package wipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/ostoolkit/go-blockutil/devname"
	"github.com/ostoolkit/go-blockutil/internal/command"
	"github.com/ostoolkit/go-blockutil/sysfs"
)

// Common errors.
var (
	// ErrInvalidOffset indicates an offset resolving outside the device
	// bounds under strict mode.
	ErrInvalidOffset = errors.New("invalid wipe offset")

	// ErrShortWindow indicates a wipe window running past end-of-device
	// under strict mode.
	ErrShortWindow = errors.New("wipe window extends past end of device")

	// ErrShortSource indicates a data source that produced fewer bytes
	// than its block contract requires.
	ErrShortSource = errors.New("short read from wipe source")

	// ErrUnsupportedMode indicates an unknown wipe mode.
	ErrUnsupportedMode = errors.New("unsupported wipe mode")

	// ErrNotWipeable indicates a path that is neither a regular file nor
	// a block device.
	ErrNotWipeable = errors.New("not an existing file or block device")
)

// Mode selects a volume wipe strategy.
type Mode string

// Supported wipe modes.
const (
	// ModeZero overwrites the entire volume with zeros.
	ModeZero Mode = "zero"
	// ModeRandom overwrites the entire volume with random data.
	ModeRandom Mode = "random"
	// ModeSuperblock zeroes the beginning and end of the volume.
	ModeSuperblock Mode = "superblock"
	// ModeSuperblockRecursive additionally zeroes the beginning and end
	// of every partition on the volume.
	ModeSuperblockRecursive Mode = "superblock-recursive"
	// ModePVRemove removes an LVM physical volume label.
	ModePVRemove Mode = "pvremove"
)

const (
	// DefaultBlockLen is the default whole-file wipe block size.
	DefaultBlockLen = 4 * 1024 * 1024

	// quickZeroBlockLen and quickZeroCount give the 1 MiB quick-zero window.
	quickZeroBlockLen = 1024
	quickZeroCount    = 1024
)

// Wiper performs destructive overwrites.
type Wiper struct {
	// UrandomPath is the randomness source for ModeRandom.
	UrandomPath string

	runner command.Runner
	sysfs  *sysfs.Reader
	logger *zap.Logger
}

// Option configures a Wiper.
type Option func(*Wiper)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Wiper) {
		w.logger = logger
	}
}

// WithRunner overrides the process runner.
func WithRunner(runner command.Runner) Option {
	return func(w *Wiper) {
		w.runner = runner
	}
}

// WithUrandomPath overrides the randomness source.
func WithUrandomPath(path string) Option {
	return func(w *Wiper) {
		w.UrandomPath = path
	}
}

// New returns a Wiper using the given sysfs reader for partition geometry.
func New(sysfsReader *sysfs.Reader, opts ...Option) *Wiper {
	w := &Wiper{
		UrandomPath: "/dev/urandom",
		runner:      command.New(),
		sysfs:       sysfsReader,
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// OffsetOptions control OverwriteAtOffsets.
type OffsetOptions struct {
	// BlockLen is the write block size in bytes.
	BlockLen int64
	// Count is the number of blocks written per offset.
	Count int64
	// Strict turns invalid offsets and truncated windows into failures
	// instead of logged skips.
	Strict bool
	// Source supplies the data written; nil writes zeros.
	Source io.Reader
}

// OffsetOption configures OffsetOptions.
type OffsetOption func(*OffsetOptions)

// WithBlockLen sets the write block size.
func WithBlockLen(blockLen int64) OffsetOption {
	return func(o *OffsetOptions) {
		o.BlockLen = blockLen
	}
}

// WithCount sets the per-offset block count.
func WithCount(count int64) OffsetOption {
	return func(o *OffsetOptions) {
		o.Count = count
	}
}

// WithStrict turns boundary conditions into failures.
func WithStrict() OffsetOption {
	return func(o *OffsetOptions) {
		o.Strict = true
	}
}

// WithSource supplies the data written instead of zeros.
func WithSource(source io.Reader) OffsetOption {
	return func(o *OffsetOptions) {
		o.Source = source
	}
}

// OverwriteAtOffsets writes Count blocks of BlockLen bytes from the source
// (zeros by default) at each requested offset of the file or device at path.
//
// A negative offset is measured from the end. An offset resolving outside
// [0, size] fails under strict mode and is otherwise logged and skipped. A
// window running past end-of-device fails under strict mode before any of
// its bytes are written, and is otherwise shortened to fit. All writes for
// one offset complete before the next offset is visited.
func (w *Wiper) OverwriteAtOffsets(path string, offsets []int64, opts ...OffsetOption) error {
	options := OffsetOptions{
		BlockLen: quickZeroBlockLen,
		Count:    quickZeroCount,
	}

	for _, opt := range opts {
		opt(&options)
	}

	buf := make([]byte, options.BlockLen)
	tot := options.BlockLen * options.Count

	fp, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %q for wiping: %w", path, err)
	}

	defer fp.Close() //nolint:errcheck

	size, err := fp.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to size %q: %w", path, err)
	}

	for _, offset := range offsets {
		pos := offset
		if offset < 0 {
			pos = size + offset
		}

		if pos > size || pos < 0 {
			if options.Strict {
				return fmt.Errorf("%w: %q (size=%d): offset %d", ErrInvalidOffset, path, size, offset)
			}

			w.logger.Debug("skipping invalid wipe offset",
				zap.String("path", path), zap.Int64("size", size), zap.Int64("offset", offset))

			continue
		}

		if pos+tot > size {
			if options.Strict {
				return fmt.Errorf("%w: %q (size=%d): %d bytes from offset %d", ErrShortWindow, path, size, tot, offset)
			}

			w.logger.Debug("shortening wipe window to end of device",
				zap.String("path", path), zap.Int64("size", size),
				zap.Int64("offset", offset), zap.Int64("shortened_to", size-pos))
		}

		if _, err = fp.Seek(pos, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek %q to %d: %w", path, pos, err)
		}

		for i := int64(0); i < options.Count; i++ {
			cur := pos + i*options.BlockLen

			chunk := buf
			if cur+options.BlockLen > size {
				chunk = buf[:size-cur]
			}

			if options.Source != nil && len(chunk) > 0 {
				n, err := io.ReadFull(options.Source, chunk)
				if n < len(chunk) {
					return fmt.Errorf("%w: got %d, expected %d at %d: %v", ErrShortSource, n, len(chunk), cur, err)
				}
			}

			if _, err = fp.Write(chunk); err != nil {
				return fmt.Errorf("failed to write to %q at %d: %w", path, cur, err)
			}

			if int64(len(chunk)) < options.BlockLen {
				break
			}
		}
	}

	return nil
}

// WipeFile streams source through the whole of path, block by block, from
// offset 0 to end-of-file.
//
// A nil source writes zeros. The source must produce full blocks until the
// final one: a read short of the block length whose bytes still fall short
// of end-of-file violates the source contract and is fatal.
func (w *Wiper) WipeFile(path string, source io.Reader, blockLen int64) error {
	if blockLen <= 0 {
		blockLen = DefaultBlockLen
	}

	buf := make([]byte, blockLen)

	fp, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %q for wiping: %w", path, err)
	}

	defer fp.Close() //nolint:errcheck

	size, err := fp.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to size %q: %w", path, err)
	}

	w.logger.Debug("wiping file",
		zap.String("path", path), zap.Int64("size", size), zap.Int64("block_len", blockLen))

	if _, err = fp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind %q: %w", path, err)
	}

	for pos := int64(0); ; {
		n := int(blockLen)

		if source != nil {
			n, err = io.ReadFull(source, buf)
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("failed to read wipe source: %w", err)
			}
		}

		// a short block is only acceptable when it still reaches
		// end-of-file
		if int64(n) != blockLen && int64(n)+pos < size {
			return fmt.Errorf("%w: got %d, expected %d after %d", ErrShortSource, n, blockLen, pos)
		}

		if pos+blockLen >= size {
			_, err = fp.Write(buf[:size-pos])
			if err != nil {
				return fmt.Errorf("failed to write to %q at %d: %w", path, pos, err)
			}

			return nil
		}

		if _, err = fp.Write(buf[:n]); err != nil {
			return fmt.Errorf("failed to write to %q at %d: %w", path, pos, err)
		}

		pos += int64(n)
	}
}

// QuickZero zeroes a 1 MiB window at the start and at the end of path.
//
// For a block device with withPartitions set, the window is additionally
// applied at the start and end of every partition. Best-effort: a partition
// too small for the window is shortened, never aborts the whole operation.
func (w *Wiper) QuickZero(path string, withPartitions bool) error {
	const zeroSize = quickZeroBlockLen * quickZeroCount

	offsets := []int64{0, -zeroSize}

	isBlock, err := devname.IsBlockDevice(path)
	if err != nil {
		return err
	}

	if !isBlock {
		st, err := os.Stat(path)
		if err != nil || !st.Mode().IsRegular() {
			return fmt.Errorf("%w: %q", ErrNotWipeable, path)
		}
	}

	if withPartitions && isBlock {
		geometries, err := w.sysfs.PartitionGeometries(path, "")
		if err != nil {
			return err
		}

		for _, geometry := range geometries {
			offsets = append(offsets, geometry.StartBytes, geometry.StartBytes+geometry.SizeBytes-zeroSize)
		}
	}

	w.logger.Debug("quick-zeroing device",
		zap.String("path", path), zap.Int64s("offsets", offsets))

	return w.OverwriteAtOffsets(path, offsets,
		WithBlockLen(quickZeroBlockLen), WithCount(quickZeroCount))
}

// Volume wipes the volume or block device at path according to mode.
func (w *Wiper) Volume(ctx context.Context, path string, mode Mode) error {
	switch mode {
	case ModePVRemove:
		return w.pvRemove(ctx, path)
	case ModeZero:
		return w.WipeFile(path, nil, DefaultBlockLen)
	case ModeRandom:
		reader, err := os.Open(w.UrandomPath)
		if err != nil {
			return fmt.Errorf("failed to open randomness source: %w", err)
		}

		defer reader.Close() //nolint:errcheck

		return w.WipeFile(path, reader, DefaultBlockLen)
	case ModeSuperblock:
		return w.QuickZero(path, false)
	case ModeSuperblockRecursive:
		return w.QuickZero(path, true)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
}

// pvRemove force-removes an LVM physical volume label and refreshes the lvm
// scan caches.
//
// pvremove exits 5 when the device carries no label; wiping something
// already blank is fine, so 5 is tolerated. The double --force covers
// volumes still assigned to a volume group.
func (w *Wiper) pvRemove(ctx context.Context, path string) error {
	cmds := [][]string{
		{"pvremove", "--force", "--force", "--yes", path},
		{"pvscan", "--cache"},
		{"vgscan", "--mknodes", "--cache"},
	}

	for _, argv := range cmds {
		if _, err := w.runner.RunTolerant(ctx, []int{0, 5}, argv[0], argv[1:]...); err != nil {
			return err
		}
	}

	return nil
}
