// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package disk_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ostoolkit/go-blockutil/disk"
)

func buildByID(t *testing.T) (*disk.Lookup, string) {
	t.Helper()

	root := t.TempDir()
	byID := filepath.Join(root, "by-id")
	devDir := filepath.Join(root, "dev")

	require.NoError(t, os.MkdirAll(byID, 0o755))
	require.NoError(t, os.MkdirAll(devDir, 0o755))

	sda := filepath.Join(devDir, "sda")
	sda1 := filepath.Join(devDir, "sda1")

	require.NoError(t, os.WriteFile(sda, nil, 0o644))
	require.NoError(t, os.WriteFile(sda1, nil, 0o644))

	require.NoError(t, os.Symlink(sda, filepath.Join(byID, "ata-SAMSUNG_SSD_870_S5Y1NX0R")))
	require.NoError(t, os.Symlink(sda1, filepath.Join(byID, "ata-SAMSUNG_SSD_870_S5Y1NX0R-part1")))
	require.NoError(t, os.Symlink(sda, filepath.Join(byID, "wwn-0x5002538f31234567")))

	resolved, err := filepath.EvalSymlinks(sda)
	require.NoError(t, err)

	return &disk.Lookup{ByIDRoot: byID}, resolved
}

func TestBySerial(t *testing.T) {
	lookup, sda := buildByID(t)

	// the shortest matching name wins: the whole-disk symlink, not the
	// partition symlink
	path, err := lookup.BySerial("S5Y1NX0R")
	require.NoError(t, err)
	assert.Equal(t, sda, path)
}

func TestBySerialGlob(t *testing.T) {
	lookup, sda := buildByID(t)

	path, err := lookup.BySerial("ata-*S5Y1NX0R")
	require.NoError(t, err)
	assert.Equal(t, sda, path)
}

func TestBySerialNoMatch(t *testing.T) {
	lookup, _ := buildByID(t)

	_, err := lookup.BySerial("DOESNOTEXIST")
	assert.ErrorIs(t, err, disk.ErrNoMatchingSerial)
}
