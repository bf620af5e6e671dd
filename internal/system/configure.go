package system

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/internal/storage/blk"
	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

const (
	DefaultLocale = "en_US.UTF-8"
	DefaultKeymap = "us"

	// DefaultVersion is reported in os-release when no build version is set.
	DefaultVersion = "rolling"

	zramConf    = "[zram0]\nzram-size = ram\n"
	wheelPolicy = "%wheel ALL=(ALL:ALL) ALL\n"
)

// Hooks returns the mkinitcpio HOOKS array. encrypt must sit between block
// and filesystems.
func Hooks(encrypt bool) string {
	hooks := []string{"base", "udev", "autodetect", "modconf", "block", "keyboard", "keymap", "plymouth"}
	if encrypt {
		hooks = append(hooks, "encrypt")
	}
	hooks = append(hooks, "filesystems")
	return "HOOKS=(" + strings.Join(hooks, " ") + ")"
}

// SetHooks replaces the active HOOKS line of mkinitcpio.conf.
func SetHooks(content string, encrypt bool) string {
	return replaceLine(content, "HOOKS=", Hooks(encrypt))
}

// EnableLocale uncomments the locale.gen entry for locale, adding it when the
// file has none.
func EnableLocale(content, locale string) string {
	entry := locale + " " + charset(locale)
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	found := false
	for i, l := range lines {
		t := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "#"))
		if t == entry {
			lines[i] = entry
			found = true
		}
	}
	if !found {
		lines = append(lines, entry)
	}
	return strings.TrimLeft(strings.Join(lines, "\n"), "\n") + "\n"
}

func charset(locale string) string {
	if _, cs, ok := strings.Cut(locale, "."); ok && cs != "" {
		return cs
	}
	return "ISO-8859-1"
}

func replaceLine(content, prefix, line string) string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	found := false
	for i, l := range lines {
		if strings.HasPrefix(l, prefix) {
			lines[i] = line
			found = true
		}
	}
	if !found {
		lines = append(lines, line)
	}
	return strings.TrimLeft(strings.Join(lines, "\n"), "\n") + "\n"
}

func Hosts(hostname string) string {
	return fmt.Sprintf("127.0.0.1\tlocalhost\n::1\tlocalhost\n127.0.1.1\t%s.localdomain\t%s\n", hostname, hostname)
}

// OSRelease renders /etc/os-release for the installed system.
func OSRelease(version string) string {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	if v == "" {
		v = DefaultVersion
	}
	return fmt.Sprintf("NAME=Nebula\nPRETTY_NAME=\"Nebula %s\"\nID=nebula\nID_LIKE=arch\nVERSION_ID=%s\nVERSION=\"%s\"\n", v, v, v)
}

// Configure writes identity, locale, accounts, swap and initramfs settings.
func (c *Configurator) Configure(ctx context.Context, p *plan.Plan) error {
	root := p.MountRoot
	keymap := p.Keymap
	if keymap == "" {
		keymap = DefaultKeymap
	}
	locale := p.Locale
	if locale == "" {
		locale = DefaultLocale
	}

	if p.Timezone != "" && !exists(target(root, "/usr/share/zoneinfo/"+p.Timezone)) {
		return fmt.Errorf("%w: %s", ErrTimezoneNotFound, p.Timezone)
	}

	for _, f := range []struct{ path, content string }{
		{"/etc/hostname", p.Hostname + "\n"},
		{"/etc/hosts", Hosts(p.Hostname)},
		{"/etc/vconsole.conf", "KEYMAP=" + keymap + "\n"},
		{"/etc/locale.conf", "LANG=" + locale + "\n"},
		// replaces the symlink to /usr/lib/os-release pacstrap leaves behind
		{"/etc/os-release", OSRelease(c.Version)},
	} {
		if err := writeTarget(root, f.path, f.content, 0o644); err != nil {
			return err
		}
	}
	if err := c.editTarget(root, "/etc/locale.gen", func(s string) string { return EnableLocale(s, locale) }); err != nil {
		return err
	}

	var cmds []shell.Cmd
	if p.Timezone != "" {
		cmds = append(cmds,
			shell.Chroot(root, "ln", "-sf", "/usr/share/zoneinfo/"+p.Timezone, "/etc/localtime"),
			shell.Chroot(root, "hwclock", "--systohc"),
		)
	}
	cmds = append(cmds, shell.Chroot(root, "locale-gen"))
	if err := shell.RunAll(ctx, c.Runner, cmds...); err != nil {
		return err
	}

	if err := c.createUser(ctx, p); err != nil {
		return err
	}
	if err := writeTarget(root, "/etc/sudoers.d/10-wheel", wheelPolicy, 0o440); err != nil {
		return err
	}

	if p.Swap {
		if err := writeTarget(root, "/etc/systemd/zram-generator.conf", zramConf, 0o644); err != nil {
			return err
		}
	}

	if p.Encrypt {
		if err := c.writeCrypttab(ctx, p); err != nil {
			return err
		}
	}
	if err := c.editTarget(root, "/etc/mkinitcpio.conf", func(s string) string { return SetHooks(s, p.Encrypt) }); err != nil {
		return err
	}
	if _, err := c.Runner.Run(ctx, shell.Chroot(root, "mkinitcpio", "-P").WithTimeout(pacmanTimeout)); err != nil {
		return err
	}
	c.Log.Info().Str("hostname", p.Hostname).Str("user", p.Username).Bool("encrypt", p.Encrypt).Msg("system configured")
	return nil
}

func (c *Configurator) createUser(ctx context.Context, p *plan.Plan) error {
	root := p.MountRoot
	if err := shell.RunAll(ctx, c.Runner,
		shell.Chroot(root, "useradd", "-m", "-G", "wheel", "-s", "/bin/bash", p.Username),
		shell.Chroot(root, "chpasswd", "-e").WithStdin(p.Username+":"+p.PasswordHash+"\n"),
		shell.Chroot(root, "passwd", "-l", "root"),
	); err != nil {
		return fmt.Errorf("create user %s: %w", p.Username, err)
	}
	return nil
}

// writeCrypttab records the LUKS container so the initramfs can unlock it.
func (c *Configurator) writeCrypttab(ctx context.Context, p *plan.Plan) error {
	if p.Crypt == nil {
		return errors.New("encrypted install without an open container")
	}
	uuid, err := blk.UUID(ctx, c.Runner, p.Crypt.Backing)
	if err != nil {
		return fmt.Errorf("luks uuid: %w", err)
	}
	return writeTarget(p.MountRoot, "/etc/crypttab", fmt.Sprintf("%s UUID=%s none luks\n", p.Crypt.Name, uuid), 0o600)
}

func (c *Configurator) editTarget(root, path string, edit func(string) string) error {
	data, err := os.ReadFile(target(root, path))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return writeTarget(root, path, edit(string(data)), 0o644)
}
