// Package partition computes and writes the GPT layout of the target disk.
package partition

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode"

	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

const (
	MiB = 1 << 20
	GiB = 1 << 30

	// MinDiskBytes is the smallest disk an install is planned on.
	MinDiskBytes = 20 * GiB

	alignMiB    = 1
	espEndMiB   = 513
	biosBootEnd = 3
	// the backup GPT lives in the last MiB
	tailMiB = 1
)

var (
	ErrInsufficientSpace   = errors.New("disk is smaller than the minimum install size")
	ErrUnsupportedFirmware = errors.New("unsupported firmware mode")
)

type Disk struct {
	Path      string
	SizeBytes uint64
}

// Plan returns the partition layout for disk. It does not touch the device.
func Plan(d Disk, fw plan.FirmwareMode) (plan.Layout, error) {
	if d.SizeBytes < MinDiskBytes {
		return nil, fmt.Errorf("%w: %s has %d MiB, need %d MiB", ErrInsufficientSpace, d.Path, d.SizeBytes/MiB, MinDiskBytes/MiB)
	}
	totalMiB := d.SizeBytes / MiB
	var boot plan.Partition
	switch fw {
	case plan.FirmwareUEFI:
		boot = plan.Partition{Role: plan.RoleBoot, Name: "ESP", StartMiB: alignMiB, SizeMiB: espEndMiB - alignMiB, FSType: "fat32", Flags: []string{"esp"}}
	case plan.FirmwareBIOS:
		boot = plan.Partition{Role: plan.RoleBoot, Name: "BIOSBOOT", StartMiB: alignMiB, SizeMiB: biosBootEnd - alignMiB, Flags: []string{"bios_grub"}}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFirmware, fw)
	}
	rootStart := boot.EndMiB()
	root := plan.Partition{
		Role:     plan.RoleRoot,
		Name:     "root",
		StartMiB: rootStart,
		SizeMiB:  totalMiB - tailMiB - rootStart,
		FSType:   "btrfs",
	}
	return plan.Layout{boot, root}, nil
}

// DevicePath returns the node of partition n on disk. Disks whose name ends
// in a digit (nvme0n1, mmcblk0, loop0) use a "p" separator.
func DevicePath(disk string, n int) string {
	if disk != "" && unicode.IsDigit(rune(disk[len(disk)-1])) {
		return disk + "p" + strconv.Itoa(n)
	}
	return disk + strconv.Itoa(n)
}

// Apply wipes disk and writes layout. It returns the layout with device
// paths filled in. This destroys all data on disk.
func Apply(ctx context.Context, r shell.Runner, disk string, layout plan.Layout) (plan.Layout, error) {
	cmds := []shell.Cmd{
		shell.Command("wipefs", "-af", disk),
		shell.Command("parted", "-s", disk, "mklabel", "gpt"),
	}
	for i, p := range layout {
		args := []string{"-s", "-a", "optimal", disk, "mkpart", p.Name}
		if p.FSType != "" {
			args = append(args, p.FSType)
		}
		args = append(args, fmt.Sprintf("%dMiB", p.StartMiB), fmt.Sprintf("%dMiB", p.EndMiB()))
		cmds = append(cmds, shell.Command("parted", args...))
		for _, f := range p.Flags {
			cmds = append(cmds, shell.Command("parted", "-s", disk, "set", strconv.Itoa(i+1), f, "on"))
		}
	}
	cmds = append(cmds,
		shell.Command("partprobe", disk),
		shell.Command("udevadm", "settle", "--timeout=10").WithTimeout(15*time.Second),
	)
	if err := shell.RunAll(ctx, r, cmds...); err != nil {
		return nil, fmt.Errorf("write partition table on %s: %w", disk, err)
	}
	out := layout.Clone()
	for i := range out {
		out[i].Device = DevicePath(disk, i+1)
	}
	return out, nil
}
