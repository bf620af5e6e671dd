// Package btrfs creates the root filesystem, its subvolumes and the mounted
// target hierarchy.
package btrfs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

var (
	ErrNoRootSubvolume       = errors.New("subvolume layout has no root (/) subvolume")
	ErrMkfsFailed            = errors.New("mkfs failed")
	ErrSubvolumeCreateFailed = errors.New("subvolume create failed")
	ErrMountFailed           = errors.New("mount failed")
)

const mkfsTimeout = 5 * time.Minute

// BootMount is the boot partition mounted under the target root.
type BootMount struct {
	Device     string
	Mountpoint string
}

type Request struct {
	Device     string
	Label      string
	Subvolumes []plan.Subvolume
	Root       string
	SSD        bool
	// Boot is formatted FAT32 and mounted after the subvolumes. nil skips it.
	Boot *BootMount
}

// MountHandle lists the active mounts in the order they were made.
type MountHandle struct {
	Root   string
	Mounts []string
}

type Provisioner struct {
	Runner shell.Runner
	Log    zerolog.Logger
}

func New(r shell.Runner, log zerolog.Logger) *Provisioner {
	return &Provisioner{Runner: r, Log: log}
}

// MountOptions returns the mount option string for subvolume name.
func MountOptions(name string, ssd bool) string {
	opts := "subvol=" + name + ",compress=zstd,noatime"
	if ssd {
		opts += ",ssd,discard=async"
	}
	return opts
}

// MountOrder returns subvolumes ordered so that every mountpoint comes after
// the mountpoints it is nested in. Ties keep their layout order.
func MountOrder(subs []plan.Subvolume) []plan.Subvolume {
	out := append([]plan.Subvolume(nil), subs...)
	sort.SliceStable(out, func(i, j int) bool {
		return depth(out[i].Mountpoint) < depth(out[j].Mountpoint)
	})
	return out
}

func depth(mp string) int {
	mp = path.Clean("/" + mp)
	if mp == "/" {
		return 0
	}
	return strings.Count(mp, "/")
}

func hasRoot(subs []plan.Subvolume) bool {
	for _, s := range subs {
		if path.Clean("/"+s.Mountpoint) == "/" {
			return true
		}
	}
	return false
}

// Provision formats dev, creates the subvolumes and mounts them under Root.
// On failure anything it mounted is unmounted again.
func (p *Provisioner) Provision(ctx context.Context, req Request) (MountHandle, error) {
	if !hasRoot(req.Subvolumes) {
		return MountHandle{}, ErrNoRootSubvolume
	}
	if req.Label == "" {
		req.Label = "nebula"
	}
	r := p.Runner

	p.Log.Info().Str("device", req.Device).Msg("creating btrfs filesystem")
	if _, err := r.Run(ctx, shell.Command("mkfs.btrfs", "-f", "-L", req.Label, req.Device).WithTimeout(mkfsTimeout)); err != nil {
		return MountHandle{}, fmt.Errorf("%w: %w", ErrMkfsFailed, err)
	}

	if _, err := r.Run(ctx, shell.Command("mount", req.Device, req.Root)); err != nil {
		return MountHandle{}, fmt.Errorf("%w: %s: %w", ErrMountFailed, req.Root, err)
	}
	for _, s := range req.Subvolumes {
		if _, err := r.Run(ctx, shell.Command("btrfs", "subvolume", "create", filepath.Join(req.Root, s.Name))); err != nil {
			_, _ = r.Run(ctx, shell.Command("umount", req.Root))
			return MountHandle{}, fmt.Errorf("%w: %s: %w", ErrSubvolumeCreateFailed, s.Name, err)
		}
	}
	if _, err := r.Run(ctx, shell.Command("umount", req.Root)); err != nil {
		return MountHandle{}, fmt.Errorf("%w: unmount %s: %w", ErrMountFailed, req.Root, err)
	}

	h := MountHandle{Root: req.Root}
	fail := func(err error) (MountHandle, error) {
		if uerr := p.Unmount(ctx, h); uerr != nil {
			p.Log.Warn().Err(uerr).Msg("cleanup after failed mount")
		}
		return MountHandle{}, err
	}
	for _, s := range MountOrder(req.Subvolumes) {
		target := filepath.Join(req.Root, s.Mountpoint)
		if target != filepath.Clean(req.Root) {
			// the parent is mounted by now so the directory lands inside it
			if _, err := r.Run(ctx, shell.Command("mkdir", "-p", target)); err != nil {
				return fail(fmt.Errorf("%w: mkdir %s: %w", ErrMountFailed, target, err))
			}
		}
		if _, err := r.Run(ctx, shell.Command("mount", "-o", MountOptions(s.Name, req.SSD), req.Device, target)); err != nil {
			return fail(fmt.Errorf("%w: %s on %s: %w", ErrMountFailed, s.Name, target, err))
		}
		h.Mounts = append(h.Mounts, target)
		p.Log.Debug().Str("subvol", s.Name).Str("target", target).Msg("mounted")
	}

	if req.Boot != nil {
		mp := req.Boot.Mountpoint
		if mp == "" {
			mp = "/boot"
		}
		target := filepath.Join(req.Root, mp)
		if _, err := r.Run(ctx, shell.Command("mkfs.fat", "-F32", "-n", "EFI", req.Boot.Device)); err != nil {
			return fail(fmt.Errorf("%w: %s: %w", ErrMkfsFailed, req.Boot.Device, err))
		}
		if _, err := r.Run(ctx, shell.Command("mkdir", "-p", target)); err != nil {
			return fail(fmt.Errorf("%w: mkdir %s: %w", ErrMountFailed, target, err))
		}
		if _, err := r.Run(ctx, shell.Command("mount", req.Boot.Device, target)); err != nil {
			return fail(fmt.Errorf("%w: %s on %s: %w", ErrMountFailed, req.Boot.Device, target, err))
		}
		h.Mounts = append(h.Mounts, target)
	}
	return h, nil
}

// Unmount releases the mounts of h newest first. Every mount is attempted;
// failures are collected.
func (p *Provisioner) Unmount(ctx context.Context, h MountHandle) error {
	var merr *multierror.Error
	for i := len(h.Mounts) - 1; i >= 0; i-- {
		if _, err := p.Runner.Run(ctx, shell.Command("umount", h.Mounts[i])); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("umount %s: %w", h.Mounts[i], err))
		}
	}
	return merr.ErrorOrNil()
}
