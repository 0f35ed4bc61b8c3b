// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wipe_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ostoolkit/go-blockutil/internal/command/commandtest"
	"github.com/ostoolkit/go-blockutil/sysfs"
	"github.com/ostoolkit/go-blockutil/wipe"
)

const MiB = 1024 * 1024

func newWiper(t *testing.T, opts ...wipe.Option) *wipe.Wiper {
	t.Helper()

	opts = append([]wipe.Option{wipe.WithLogger(zaptest.NewLogger(t))}, opts...)

	return wipe.New(sysfs.NewReader(sysfs.WithRoot(t.TempDir())), opts...)
}

// patternFile creates a file of size bytes filled with pattern.
func patternFile(t *testing.T, size int, pattern byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{pattern}, size), 0o644))

	return path
}

func assertRange(t *testing.T, contents []byte, from, to int, want byte) {
	t.Helper()

	for i := from; i < to; i++ {
		if contents[i] != want {
			t.Fatalf("byte %d is %#x, expected %#x", i, contents[i], want)

			return
		}
	}
}

func TestOverwriteAtOffsetsRoundTrip(t *testing.T) {
	const (
		size   = 64 * 1024
		window = 4 * 1024
	)

	path := patternFile(t, size, 0xa5)

	err := newWiper(t).OverwriteAtOffsets(path, []int64{0, -window},
		wipe.WithBlockLen(1024), wipe.WithCount(4))
	require.NoError(t, err)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, contents, size)

	assertRange(t, contents, 0, window, 0)
	assertRange(t, contents, window, size-window, 0xa5)
	assertRange(t, contents, size-window, size, 0)
}

func TestOverwriteAtOffsetsSourceRoundTrip(t *testing.T) {
	const (
		size   = 16 * 1024
		window = 2 * 1024
	)

	path := patternFile(t, size, 0x00)

	err := newWiper(t).OverwriteAtOffsets(path, []int64{0, -window},
		wipe.WithBlockLen(1024), wipe.WithCount(2), wipe.WithSource(constReader(0x5a)))
	require.NoError(t, err)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	// reading back both windows recovers exactly the written pattern
	assertRange(t, contents, 0, window, 0x5a)
	assertRange(t, contents, window, size-window, 0x00)
	assertRange(t, contents, size-window, size, 0x5a)
}

func TestOverwriteAtOffsetsShortWindow(t *testing.T) {
	const window = 4 * 1024

	// the second window overruns end-of-file by one byte
	size := 2*window - 1
	offsets := []int64{0, window}

	path := patternFile(t, size, 0xa5)

	err := newWiper(t).OverwriteAtOffsets(path, offsets,
		wipe.WithBlockLen(1024), wipe.WithCount(4))
	require.NoError(t, err)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	// shortened, not aborted: everything up to end-of-file is zeroed
	assertRange(t, contents, 0, size, 0)

	// strict mode fails instead
	path = patternFile(t, size, 0xa5)

	err = newWiper(t).OverwriteAtOffsets(path, offsets,
		wipe.WithBlockLen(1024), wipe.WithCount(4), wipe.WithStrict())
	assert.ErrorIs(t, err, wipe.ErrShortWindow)
}

func TestOverwriteAtOffsetsInvalidOffset(t *testing.T) {
	const size = 8 * 1024

	path := patternFile(t, size, 0xa5)

	// both offsets resolve outside [0, size]: logged and skipped
	err := newWiper(t).OverwriteAtOffsets(path, []int64{size + 1, -(size + 1)},
		wipe.WithBlockLen(1024), wipe.WithCount(1))
	require.NoError(t, err)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assertRange(t, contents, 0, size, 0xa5)

	err = newWiper(t).OverwriteAtOffsets(path, []int64{size + 1},
		wipe.WithBlockLen(1024), wipe.WithCount(1), wipe.WithStrict())
	assert.ErrorIs(t, err, wipe.ErrInvalidOffset)
}

func TestWipeFileZero(t *testing.T) {
	// size deliberately not a multiple of the block length
	const size = 3*1024 + 77

	path := patternFile(t, size, 0xa5)

	require.NoError(t, newWiper(t).WipeFile(path, nil, 1024))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, contents, size)
	assertRange(t, contents, 0, size, 0)
}

// constReader produces an endless stream of one byte value.
type constReader byte

func (r constReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(r)
	}

	return len(p), nil
}

func TestWipeFileSource(t *testing.T) {
	const size = 4 * 1024

	path := patternFile(t, size, 0x00)

	require.NoError(t, newWiper(t).WipeFile(path, constReader(0x5a), 1024))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assertRange(t, contents, 0, size, 0x5a)
}

func TestWipeFileShortSource(t *testing.T) {
	// 1500 source bytes against a 4096-byte file: the second read comes
	// up short while end-of-file is still out of reach
	path := patternFile(t, 4096, 0xa5)

	err := newWiper(t).WipeFile(path, bytes.NewReader(bytes.Repeat([]byte{0x5a}, 1500)), 1024)
	assert.ErrorIs(t, err, wipe.ErrShortSource)
}

func TestWipeFileShortFinalRead(t *testing.T) {
	// the same short read is the valid final block when it reaches
	// end-of-file exactly
	const size = 1500

	path := patternFile(t, size, 0xa5)

	err := newWiper(t).WipeFile(path, bytes.NewReader(bytes.Repeat([]byte{0x5a}, size)), 1024)
	require.NoError(t, err)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assertRange(t, contents, 0, size, 0x5a)
}

func TestQuickZero(t *testing.T) {
	const size = 10 * MiB

	path := patternFile(t, size, 0xa5)

	require.NoError(t, newWiper(t).QuickZero(path, false))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	assertRange(t, contents, 0, MiB, 0)
	assertRange(t, contents, MiB, 9*MiB, 0xa5)
	assertRange(t, contents, 9*MiB, size, 0)
}

func TestQuickZeroSmallFile(t *testing.T) {
	// the end-relative window resolves below zero and is skipped
	const size = MiB / 2

	path := patternFile(t, size, 0xa5)

	require.NoError(t, newWiper(t).QuickZero(path, false))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assertRange(t, contents, 0, size, 0)
}

func TestQuickZeroNotWipeable(t *testing.T) {
	err := newWiper(t).QuickZero(filepath.Join(t.TempDir(), "missing"), false)
	assert.ErrorIs(t, err, wipe.ErrNotWipeable)
}

func TestVolumeZero(t *testing.T) {
	const size = 2 * MiB

	path := patternFile(t, size, 0xa5)

	require.NoError(t, newWiper(t).Volume(context.Background(), path, wipe.ModeZero))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assertRange(t, contents, 0, size, 0)
}

func TestVolumeRandom(t *testing.T) {
	const size = 8 * 1024

	path := patternFile(t, size, 0x00)

	// deterministic randomness stand-in, at least as large as the target
	urandom := patternFile(t, 2*size, 0x5a)

	wiper := newWiper(t, wipe.WithUrandomPath(urandom))

	require.NoError(t, wiper.Volume(context.Background(), path, wipe.ModeRandom))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assertRange(t, contents, 0, size, 0x5a)
}

func TestVolumeSuperblock(t *testing.T) {
	const size = 4 * MiB

	path := patternFile(t, size, 0xa5)

	require.NoError(t, newWiper(t).Volume(context.Background(), path, wipe.ModeSuperblock))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	assertRange(t, contents, 0, MiB, 0)
	assertRange(t, contents, MiB, 3*MiB, 0xa5)
	assertRange(t, contents, 3*MiB, size, 0)
}

func TestVolumePVRemove(t *testing.T) {
	runner := &commandtest.FakeRunner{
		Handler: func(name string, _ ...string) (string, error) {
			if name == "pvremove" {
				// no label on the device: already blank, tolerated
				return "", &commandtest.ExitError{Code: 5}
			}

			return "", nil
		},
	}

	wiper := newWiper(t, wipe.WithRunner(runner))

	require.NoError(t, wiper.Volume(context.Background(), "/dev/sdz", wipe.ModePVRemove))

	require.Len(t, runner.Calls, 3)

	assert.Equal(t, "pvremove", runner.Calls[0].Name)
	assert.Equal(t, []string{"--force", "--force", "--yes", "/dev/sdz"}, runner.Calls[0].Args)
	assert.Equal(t, []int{0, 5}, runner.Calls[0].AllowedCodes)

	assert.Equal(t, "pvscan", runner.Calls[1].Name)
	assert.Equal(t, []string{"--cache"}, runner.Calls[1].Args)

	assert.Equal(t, "vgscan", runner.Calls[2].Name)
	assert.Equal(t, []string{"--mknodes", "--cache"}, runner.Calls[2].Args)
}

func TestVolumeUnsupportedMode(t *testing.T) {
	err := newWiper(t).Volume(context.Background(), "/dev/sdz", wipe.Mode("shred"))
	assert.ErrorIs(t, err, wipe.ErrUnsupportedMode)
}

var _ io.Reader = constReader(0)
