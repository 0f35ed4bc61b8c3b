// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package disk locates disks through the persistent /dev/disk symlink
// naming.
package disk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	glob "github.com/ryanuber/go-glob"
)

// ErrNoMatchingSerial indicates that no by-id entry matched the serial.
var ErrNoMatchingSerial = errors.New("no disk with matching serial found")

// DefaultByIDRoot is the persistent by-id symlink directory.
const DefaultByIDRoot = "/dev/disk/by-id"

// Lookup searches for disks via persistent symlink names.
type Lookup struct {
	// ByIDRoot is the by-id symlink directory.
	ByIDRoot string
}

// NewLookup returns a Lookup over the live by-id directory.
func NewLookup() *Lookup {
	return &Lookup{ByIDRoot: DefaultByIDRoot}
}

// BySerial resolves a disk device path from its serial number.
//
// Entries whose name contains the serial match; a serial carrying glob
// metacharacters is matched as a pattern instead. The shortest matching name
// wins, preferring the whole-disk symlink over its partition symlinks.
func (l *Lookup) BySerial(serial string) (string, error) {
	entries, err := os.ReadDir(l.ByIDRoot)
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", l.ByIDRoot, err)
	}

	var matches []string

	for _, entry := range entries {
		name := entry.Name()

		if strings.ContainsRune(serial, '*') {
			if glob.Glob(serial, name) {
				matches = append(matches, name)
			}
		} else if strings.Contains(name, serial) {
			matches = append(matches, name)
		}
	}

	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %q", ErrNoMatchingSerial, serial)
	}

	sort.Slice(matches, func(i, j int) bool {
		return len(matches[i]) < len(matches[j])
	})

	path, err := filepath.EvalSymlinks(filepath.Join(l.ByIDRoot, matches[0]))
	if err != nil {
		return "", fmt.Errorf("failed to resolve block device for serial %q: %w", serial, err)
	}

	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("block device %q for serial %q does not exist: %w", path, serial, err)
	}

	return path, nil
}
