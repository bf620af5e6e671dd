package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nebulalinux/nebula-installer/internal/fsatomic"
	"github.com/nebulalinux/nebula-installer/internal/hw"
	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/internal/sources"
	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

// BasePackages lists what pacstrap installs for p.
func BasePackages(p *plan.Plan) []string {
	pkgs := []string{"base", p.Kernel, "linux-firmware", "btrfs-progs", "grub"}
	if p.Firmware == plan.FirmwareUEFI {
		pkgs = append(pkgs, "efibootmgr")
	}
	pkgs = append(pkgs, "networkmanager", "plymouth", "sudo", "vim", "zram-generator")
	if p.Encrypt {
		pkgs = append(pkgs, "cryptsetup")
	}
	pkgs = append(pkgs, p.DriverPackages...)
	if hw.NeedsHeaders(p.DriverPackages) {
		pkgs = append(pkgs, p.KernelHeaders)
	}
	if p.Microcode != "" {
		pkgs = append(pkgs, p.Microcode)
	}
	return plan.Dedup(pkgs)
}

// MissingOffline returns the packages without a <name>-*.pkg.tar.zst archive
// in repo. The base group is checked against the database instead.
func MissingOffline(repo string, pkgs []string) ([]string, error) {
	entries, err := os.ReadDir(repo)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, pkg := range pkgs {
		if pkg == "base" {
			continue
		}
		found := false
		for _, e := range entries {
			n := e.Name()
			if strings.HasPrefix(n, pkg+"-") && strings.HasSuffix(n, ".pkg.tar.zst") {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, pkg)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// InstallBase bootstraps the target with pacstrap.
func (c *Configurator) InstallBase(ctx context.Context, p *plan.Plan) error {
	root := p.MountRoot
	pkgs := BasePackages(p)

	if err := shell.RunAll(ctx, c.Runner,
		shell.Command("pacman-key", "--init"),
		shell.Command("pacman-key", "--populate", "archlinux"),
	); err != nil {
		return fmt.Errorf("%w: keyring: %w", ErrBaseInstall, err)
	}

	args := []string{}
	off, offline := p.OfflineSource()
	online, hasOnline := sources.FirstOnline(p.Sources)
	switch {
	case offline:
		conf := c.host(OfflineConfPath)
		if err := fsatomic.WriteFile(conf, []byte(sources.OfflineConf(off)), 0o644); err != nil {
			return fmt.Errorf("%w: %v", ErrBaseInstall, err)
		}
		if err := c.checkOffline(ctx, conf, off.Path, pkgs); err != nil {
			return err
		}
		args = append(args, "-C", conf)
		c.Log.Info().Str("repo", off.Path).Msg("installing base system from offline repository")
	case hasOnline:
		if err := fsatomic.WriteFile(c.host(MirrorlistPath), []byte(sources.Mirrorlist(online)), 0o644); err != nil {
			return fmt.Errorf("%w: %v", ErrBaseInstall, err)
		}
		c.Log.Info().Str("origin", string(online.Origin)).Msg("installing base system from mirrors")
	}
	args = append(args, root)
	args = append(args, pkgs...)

	cmd := shell.Command("pacstrap", args...).
		WithEnv("SYSTEMD_OFFLINE=1", "PACMAN_COLOR=never").
		WithTimeout(pacstrapTimeout)
	if _, err := c.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrBaseInstall, err)
	}
	p.Packages = append(p.Packages[:0:0], pkgs...)

	if hasOnline {
		if err := writeTarget(root, MirrorlistPath, sources.Mirrorlist(online), 0o644); err != nil {
			return fmt.Errorf("%w: mirrorlist: %v", ErrBaseInstall, err)
		}
	}
	return nil
}

func (c *Configurator) checkOffline(ctx context.Context, conf, repo string, pkgs []string) error {
	missing, err := MissingOffline(repo, pkgs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMissingPackages, err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingPackages, strings.Join(missing, ", "))
	}
	if _, err := c.Runner.Run(ctx, shell.Command("pacman", "--config", conf, "-Sy", "--noconfirm")); err != nil {
		return fmt.Errorf("%w: offline database sync: %w", ErrBaseInstall, err)
	}
	out, err := shell.Output(ctx, c.Runner, shell.Command("pacman", "--config", conf, "-Si", "base"))
	if err != nil || out == "" {
		return fmt.Errorf("%w: base", ErrMissingPackages)
	}
	return nil
}

// GenerateFstab appends genfstab output to the target's fstab.
func (c *Configurator) GenerateFstab(ctx context.Context, p *plan.Plan) error {
	out, err := shell.Output(ctx, c.Runner, shell.Command("genfstab", "-U", p.MountRoot))
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) == "" {
		return fmt.Errorf("genfstab produced no entries for %s", p.MountRoot)
	}
	path := target(p.MountRoot, "/etc/fstab")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(out + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
