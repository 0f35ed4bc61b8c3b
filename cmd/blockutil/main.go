// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command blockutil inspects block devices and wipes volumes.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ostoolkit/go-blockutil/blkid"
	"github.com/ostoolkit/go-blockutil/disk"
	"github.com/ostoolkit/go-blockutil/lsblk"
	"github.com/ostoolkit/go-blockutil/mounts"
	"github.com/ostoolkit/go-blockutil/multipath"
	"github.com/ostoolkit/go-blockutil/sysfs"
	"github.com/ostoolkit/go-blockutil/wipe"
)

var verbose bool

func buildLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}

	return logger
}

var rootCmd = &cobra.Command{
	Use:           "blockutil",
	Short:         "Block device inspection and secure erase for installer tooling",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var listCmd = &cobra.Command{
	Use:   "list [device...]",
	Short: "List the block device inventory",
	RunE: func(cmd *cobra.Command, args []string) error {
		table := lsblk.NewTable(lsblk.WithLogger(buildLogger()))

		records, err := table.Query(cmd.Context(), args...)
		if err != nil {
			return err
		}

		printRecords(records)

		return nil
	},
}

var unusedCmd = &cobra.Command{
	Use:   "unused",
	Short: "List block devices with nothing mounted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		table := lsblk.NewTable(lsblk.WithLogger(buildLogger()))

		records, err := table.UnusedDevices(cmd.Context())
		if err != nil {
			return err
		}

		printRecords(records)

		return nil
	},
}

var (
	includeRemovable bool
	minSize          int64
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "List disks suitable as installation targets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		table := lsblk.NewTable(lsblk.WithLogger(buildLogger()))

		opts := []lsblk.CandidateOption{lsblk.WithMinSize(minSize)}

		if includeRemovable {
			opts = append(opts, lsblk.WithIncludeRemovable())
		}

		names, err := table.InstallCandidates(cmd.Context(), opts...)
		if err != nil {
			return err
		}

		sort.Strings(names)

		for _, name := range names {
			fmt.Println(name)
		}

		return nil
	},
}

var partitionsCmd = &cobra.Command{
	Use:   "partitions <device>...",
	Short: "List the partitions on the given devices",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table := lsblk.NewTable(lsblk.WithLogger(buildLogger()))

		records, err := table.PartitionsOn(cmd.Context(), args)
		if err != nil {
			return err
		}

		printRecords(records)

		return nil
	},
}

var wipeMode string

var wipeCmd = &cobra.Command{
	Use:   "wipe <device>...",
	Short: "Destructively wipe volumes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := buildLogger()
		wiper := wipe.New(sysfs.NewReader(sysfs.WithLogger(logger)), wipe.WithLogger(logger))

		for _, device := range args {
			if err := wiper.Volume(cmd.Context(), device, wipe.Mode(wipeMode)); err != nil {
				return fmt.Errorf("failed to wipe %q: %w", device, err)
			}

			fmt.Printf("wiped %s (%s)\n", device, wipeMode)
		}

		return nil
	},
}

func newDetector(logger *zap.Logger) *multipath.Detector {
	table := lsblk.NewTable(lsblk.WithLogger(logger))

	return multipath.NewDetector(
		table,
		mounts.NewReader(table, mounts.WithLogger(logger)),
		sysfs.NewReader(sysfs.WithLogger(logger)),
		blkid.NewProber(blkid.WithLogger(logger)),
		multipath.WithLogger(logger),
	)
}

var detectMultipathCmd = &cobra.Command{
	Use:   "detect-multipath <mountpoint>",
	Short: "Detect whether a mountpoint is backed by a multipath disk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detected, err := newDetector(buildLogger()).DetectToMountpoint(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Println(detected)

		return nil
	},
}

var multipathWWIDsCmd = &cobra.Command{
	Use:   "multipath-wwids",
	Short: "List WWIDs of multipath disks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		wwids, err := newDetector(buildLogger()).WWIDs(cmd.Context())
		if err != nil {
			return err
		}

		sorted := make([]string, 0, len(wwids))

		for wwid := range wwids {
			sorted = append(sorted, wwid)
		}

		sort.Strings(sorted)

		for _, wwid := range sorted {
			fmt.Println(wwid)
		}

		return nil
	},
}

var lookupDiskCmd = &cobra.Command{
	Use:   "lookup-disk <serial>",
	Short: "Resolve a disk device path from its serial number",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		path, err := disk.NewLookup().BySerial(args[0])
		if err != nil {
			return err
		}

		fmt.Println(path)

		return nil
	},
}

func printRecords(records map[string]lsblk.Record) {
	knames := make([]string, 0, len(records))

	for kname := range records {
		knames = append(knames, kname)
	}

	sort.Strings(knames)

	for _, kname := range knames {
		record := records[kname]

		fmt.Printf("%s\t%s\ttype=%s size=%d mountpoint=%q\n",
			record.KName, record.DevicePath, record.DeviceType(), record.Size(), record.Mountpoint())
	}
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	candidatesCmd.Flags().BoolVar(&includeRemovable, "include-removable", false, "admit removable devices")
	candidatesCmd.Flags().Int64Var(&minSize, "min-size", lsblk.DefaultMinCandidateSize, "minimum candidate size in bytes")

	wipeCmd.Flags().StringVar(&wipeMode, "mode", string(wipe.ModeSuperblock),
		"wipe mode: zero, random, superblock, superblock-recursive, pvremove")

	rootCmd.AddCommand(listCmd, unusedCmd, candidatesCmd, partitionsCmd,
		wipeCmd, detectMultipathCmd, multipathWWIDsCmd, lookupDiskCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
