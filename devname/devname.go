// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package devname maps between short kernel device names and canonical
// device node paths.
package devname

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Prefix is the canonical device node prefix.
const Prefix = "/dev/"

// Split strips any device node prefix from devname and returns the short
// kernel name together with the canonical "/dev/<name>" path.
func Split(devname string) (short, path string) {
	if idx := strings.LastIndex(devname, Prefix); idx != -1 {
		devname = devname[idx+len(Prefix):]
	}

	return devname, Prefix + devname
}

// Short returns the short kernel name for devname.
func Short(devname string) string {
	if strings.ContainsRune(devname, os.PathSeparator) {
		return filepath.Base(devname)
	}

	return devname
}

// Path returns the canonical device node path for devname.
//
// A name already carrying the prefix is returned unchanged.
func Path(devname string) string {
	if strings.HasPrefix(devname, Prefix) {
		return devname
	}

	return Prefix + devname
}

// IsBlockDevice reports whether path refers to a block device node.
//
// A missing path is not a block device; any other stat failure propagates.
func IsBlockDevice(path string) (bool, error) {
	var st unix.Stat_t

	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}

		return false, err
	}

	return st.Mode&unix.S_IFMT == unix.S_IFBLK, nil
}

// IsValidDevice reports whether devname resolves to an existing block device
// node under the canonical prefix.
func IsValidDevice(devname string) (bool, error) {
	_, path := Split(devname)

	return IsBlockDevice(path)
}
