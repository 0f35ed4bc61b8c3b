// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package wipe_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	randv2 "math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/freddierice/go-losetup/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/ostoolkit/go-blockutil/sysfs"
	"github.com/ostoolkit/go-blockutil/wipe"
)

func TestVolumeSuperblockOnLoopDevice(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("test requires root privileges")
	}

	if hostname, _ := os.Hostname(); hostname == "buildkitsandbox" {
		t.Skip("test not supported under buildkit")
	}

	tmpDir := t.TempDir()

	rawImage := filepath.Join(tmpDir, "image.raw")

	f, err := os.Create(rawImage)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(10*MiB))

	_, err = f.WriteAt(bytes.Repeat([]byte{0xa5}, 10*MiB), 0)
	require.NoError(t, err)

	require.NoError(t, f.Close())

	loDev := losetupAttachHelper(t, rawImage)

	t.Cleanup(func() {
		assert.NoError(t, loDev.Detach())
	})

	wiper := wipe.New(sysfs.NewReader(), wipe.WithLogger(zaptest.NewLogger(t)))

	require.NoError(t, wiper.Volume(context.Background(), loDev.Path(), wipe.ModeSuperblock))

	contents, err := os.ReadFile(rawImage)
	require.NoError(t, err)

	for i := 0; i < MiB; i++ {
		require.Zero(t, contents[i], "byte %d not wiped", i)
	}

	for i := 9 * MiB; i < 10*MiB; i++ {
		require.Zero(t, contents[i], "byte %d not wiped", i)
	}

	require.Equal(t, byte(0xa5), contents[5*MiB])
}

func TestOverwriteAtOffsetsSeekConsistency(t *testing.T) {
	// writing through a reopened descriptor must observe the same size
	// the wipe computed via seek-to-end
	path := filepath.Join(t.TempDir(), "image.raw")

	f, err := os.Create(path)
	require.NoError(t, err)

	_, err = io.Copy(f, io.LimitReader(constReader(0xa5), 2*MiB))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	wiper := wipe.New(sysfs.NewReader(), wipe.WithLogger(zaptest.NewLogger(t)))

	require.NoError(t, wiper.QuickZero(path, false))

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 2*MiB, st.Size())
}

func losetupAttachHelper(t *testing.T, rawImage string) losetup.Device {
	t.Helper()

	for i := 0; i < 10; i++ {
		loDev, err := losetup.Attach(rawImage, 0, false)
		if err != nil && errors.Is(err, unix.EBUSY) {
			spraySleep := max(randv2.ExpFloat64(), 2.0)

			t.Logf("retrying after %v seconds", spraySleep)

			time.Sleep(time.Duration(spraySleep * float64(time.Second)))

			continue
		}

		require.NoError(t, err)

		return loDev
	}

	t.Fatal("failed to attach loop device") //nolint:revive

	panic("unreachable")
}
