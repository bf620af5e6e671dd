package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/internal/sources"
	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

type PackageOptions struct {
	OfflineOnly bool
	// NeedsVendorRepo adds the vendor repository to the hybrid config.
	NeedsVendorRepo bool
}

// AddVendorRepo inserts the vendor repository ahead of [core] unless the
// config already has one.
func AddVendorRepo(conf string) string {
	for _, l := range strings.Split(conf, "\n") {
		if strings.TrimSpace(l) == "[nebula]" {
			return conf
		}
	}
	block := fmt.Sprintf("[nebula]\nSigLevel = Required DatabaseOptional\nServer = %s\n\n", sources.VendorRepoServer)
	if i := strings.Index(conf, "[core]"); i >= 0 {
		return conf[:i] + block + conf[i:]
	}
	if conf != "" && !strings.HasSuffix(conf, "\n") {
		conf += "\n"
	}
	return conf + "\n" + strings.TrimRight(block, "\n") + "\n"
}

// FailedLog renders the failed optional package report.
func FailedLog(pkgs []string) string {
	var b strings.Builder
	b.WriteString("Failed optional packages:\n")
	for _, p := range pkgs {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return b.String()
}

// pacman runs inside the target. conf is an in-target path; empty uses the
// target's own pacman.conf.
func pacman(root, conf string, op []string, targets ...string) shell.Cmd {
	args := append([]string{}, op...)
	if conf != "" {
		args = append(args, "--config", conf)
	}
	args = append(args, targets...)
	return shell.Chroot(root, "pacman", args...).WithEnv("PACMAN_COLOR=never").WithTimeout(pacmanTimeout)
}

func (c *Configurator) sync(ctx context.Context, root, conf string) error {
	_, err := c.Runner.Run(ctx, pacman(root, conf, []string{"-Sy", "--noconfirm"}))
	return err
}

func (c *Configurator) install(ctx context.Context, root, conf string, pkgs []string) error {
	if len(pkgs) == 0 {
		return nil
	}
	_, err := c.Runner.Run(ctx, pacman(root, conf, []string{"-S", "--noconfirm", "--needed"}, pkgs...))
	return err
}

// InstallPackages installs the required packages strictly and the optional
// ones best effort. Failed optional packages are recorded in the plan and in
// the target's log.
func (c *Configurator) InstallPackages(ctx context.Context, p *plan.Plan, opts PackageOptions) error {
	root := p.MountRoot
	off, offline := p.OfflineSource()

	if offline {
		if err := c.bindRepo(ctx, p, off); err != nil {
			return err
		}
		if err := writeTarget(root, OfflineConfPath, sources.OfflineConf(off), 0o644); err != nil {
			return err
		}
		if !opts.OfflineOnly {
			if err := writeTarget(root, HybridConfPath, sources.HybridConf(off, opts.NeedsVendorRepo), 0o644); err != nil {
				return err
			}
		}
		if off.KeyPath != "" {
			if err := c.importKey(ctx, root, off.KeyPath); err != nil {
				return err
			}
		}
	}
	if !opts.OfflineOnly {
		if err := c.configureVendorRepo(ctx, root); err != nil {
			if opts.NeedsVendorRepo {
				return err
			}
			c.Log.Warn().Err(err).Msg("vendor repository not configured")
		}
	}

	systemSynced := false
	required := plan.Dedup(p.Packages)
	if len(required) > 0 {
		conf := ""
		if offline || opts.OfflineOnly {
			conf = OfflineConfPath
		}
		if err := c.sync(ctx, root, conf); err != nil {
			return fmt.Errorf("%w: sync: %w", ErrRequiredPackages, err)
		}
		systemSynced = conf == ""
		if err := c.install(ctx, root, conf, required); err != nil {
			return fmt.Errorf("%w: %w", ErrRequiredPackages, err)
		}
	}

	optional := plan.Dedup(p.OptionalPackages)
	if len(optional) > 0 {
		conf := ""
		switch {
		case opts.OfflineOnly:
			conf = OfflineConfPath
		case offline:
			conf = HybridConfPath
		}
		if conf != OfflineConfPath {
			if err := c.sync(ctx, root, conf); err != nil {
				c.Log.Warn().Err(err).Msg("package database sync failed")
			}
			systemSynced = systemSynced || conf == ""
		}
		p.FailedPackages = c.installBestEffort(ctx, root, conf, optional)
		if len(p.FailedPackages) > 0 {
			c.Log.Warn().Strs("packages", p.FailedPackages).Msg("optional packages failed, see " + FailedPackagesLog)
			if err := writeTarget(root, FailedPackagesLog, FailedLog(p.FailedPackages), 0o644); err != nil {
				return err
			}
		}
	}

	if !opts.OfflineOnly && !systemSynced {
		if err := c.sync(ctx, root, ""); err != nil {
			c.Log.Warn().Err(err).Msg("first boot database sync failed")
		}
	}
	return nil
}

func (c *Configurator) installBestEffort(ctx context.Context, root, conf string, pkgs []string) []string {
	if err := c.install(ctx, root, conf, pkgs); err == nil {
		return nil
	}
	c.Log.Warn().Msg("optional batch install failed, retrying one by one")
	var failed []string
	for _, pkg := range pkgs {
		if err := c.install(ctx, root, conf, []string{pkg}); err != nil {
			c.Log.Warn().Err(err).Str("package", pkg).Msg("optional package failed")
			failed = append(failed, pkg)
		}
	}
	return failed
}

// bindRepo makes the offline repository visible inside the target at the
// same path.
func (c *Configurator) bindRepo(ctx context.Context, p *plan.Plan, off plan.Source) error {
	dst := target(p.MountRoot, off.Path)
	for _, m := range p.Mounts {
		if m == dst {
			return nil
		}
	}
	if err := shell.RunAll(ctx, c.Runner,
		shell.Command("mkdir", "-p", dst),
		shell.Command("mount", "--bind", off.Path, dst),
	); err != nil {
		return fmt.Errorf("bind offline repository: %w", err)
	}
	p.Mounts = append(p.Mounts, dst)
	return nil
}

func (c *Configurator) importKey(ctx context.Context, root, key string) error {
	dst := target(root, RepoKeyPath)
	return shell.RunAll(ctx, c.Runner,
		shell.Command("mkdir", "-p", target(root, "/usr/share/nebula")),
		shell.Command("cp", key, dst),
		shell.Chroot(root, "pacman-key", "--add", RepoKeyPath),
		shell.Chroot(root, "pacman-key", "--lsign-key", RepoKeyID),
	)
}

// configureVendorRepo trusts the vendor key and lists the repository in the
// target's pacman.conf.
func (c *Configurator) configureVendorRepo(ctx context.Context, root string) error {
	add := shell.Chroot(root, "bash", "-c", "curl -fsSL "+RepoKeyURL+" | pacman-key --add -")
	if exists(target(root, RepoKeyPath)) {
		add = shell.Chroot(root, "pacman-key", "--add", RepoKeyPath)
	}
	if err := shell.RunAll(ctx, c.Runner, add, shell.Chroot(root, "pacman-key", "--lsign-key", RepoKeyID)); err != nil {
		return fmt.Errorf("vendor repository key: %w", err)
	}
	return c.editTarget(root, "/etc/pacman.conf", AddVendorRepo)
}
