package system

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/pkg/shell/shelltest"
)

func newConfigurator(t *testing.T, f *shelltest.Fake) *Configurator {
	t.Helper()
	c := New(f, zerolog.Nop())
	c.HostRoot = t.TempDir()
	c.HostLog = ""
	return c
}

func newPlan(t *testing.T) *plan.Plan {
	t.Helper()
	p := plan.New("test")
	p.MountRoot = t.TempDir()
	p.Firmware = plan.FirmwareUEFI
	p.Hostname = "nebula"
	p.Username = "ada"
	p.PasswordHash = "$2a$10$abcdefghijklmnopqrstuv"
	return p
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, n)), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
}

func TestBasePackages(t *testing.T) {
	p := plan.New("x")
	p.Firmware = plan.FirmwareBIOS
	p.Encrypt = true
	p.DriverPackages = []string{"dkms", "nvidia-dkms"}
	p.Microcode = "intel-ucode"
	pkgs := BasePackages(p)
	assert.Equal(t, []string{
		"base", "linux", "linux-firmware", "btrfs-progs", "grub",
		"networkmanager", "plymouth", "sudo", "vim", "zram-generator", "cryptsetup",
		"dkms", "nvidia-dkms", "linux-headers", "intel-ucode",
	}, pkgs)

	p.Firmware = plan.FirmwareUEFI
	p.Encrypt = false
	p.DriverPackages = nil
	p.Microcode = ""
	pkgs = BasePackages(p)
	assert.Contains(t, pkgs, "efibootmgr")
	assert.NotContains(t, pkgs, "cryptsetup")
	assert.NotContains(t, pkgs, "linux-headers")
}

func TestMissingOffline(t *testing.T) {
	repo := t.TempDir()
	touch(t, repo, "linux-6.9.1-1-x86_64.pkg.tar.zst", "vim-9.1-1-x86_64.pkg.tar.zst", "nebula-offline.db")
	missing, err := MissingOffline(repo, []string{"base", "linux", "vim", "sudo", "grub"})
	require.NoError(t, err)
	assert.Equal(t, []string{"grub", "sudo"}, missing)
}

func TestInstallBaseOnline(t *testing.T) {
	f := shelltest.New()
	c := newConfigurator(t, f)
	p := newPlan(t)
	p.Sources = []plan.Source{plan.OnlineMirror("https://mirror.example")}

	require.NoError(t, c.InstallBase(context.Background(), p))
	lines := f.Lines()
	assert.Equal(t, "pacman-key --init", lines[0])
	assert.Equal(t, "pacman-key --populate archlinux", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "pacstrap "+p.MountRoot+" base linux "), lines[2])

	cmd, ok := f.Find("pacstrap")
	require.True(t, ok)
	assert.Contains(t, cmd.Env, "PACMAN_COLOR=never")

	want := "Server = https://mirror.example/$repo/os/$arch\n"
	assert.Equal(t, want, read(t, filepath.Join(c.HostRoot, MirrorlistPath)))
	assert.Equal(t, want, read(t, filepath.Join(p.MountRoot, MirrorlistPath)))
	assert.Equal(t, BasePackages(p), p.Packages)
}

func TestInstallBaseOfflineValidates(t *testing.T) {
	repo := t.TempDir()
	touch(t, repo, "nebula-offline.db", "linux-6.9-1-x86_64.pkg.tar.zst")
	f := shelltest.New()
	c := newConfigurator(t, f)
	p := newPlan(t)
	p.Sources = []plan.Source{plan.Offline(repo, "")}

	err := c.InstallBase(context.Background(), p)
	assert.ErrorIs(t, err, ErrMissingPackages)
	assert.Contains(t, err.Error(), "btrfs-progs")
	assert.Equal(t, -1, f.Index("pacstrap"))
}

func TestInstallBaseOfflineUsesOfflineConf(t *testing.T) {
	repo := t.TempDir()
	p := newPlan(t)
	for _, pkg := range BasePackages(p) {
		touch(t, repo, pkg+"-1.0-1-x86_64.pkg.tar.zst")
	}
	f := shelltest.New().On("pacman --config", "Repository : nebula-offline\nName : base", nil)
	c := newConfigurator(t, f)
	p.Sources = []plan.Source{plan.Offline(repo, ""), plan.OnlineMirror("https://m")}

	require.NoError(t, c.InstallBase(context.Background(), p))
	conf := filepath.Join(c.HostRoot, OfflineConfPath)
	assert.Contains(t, read(t, conf), "Server = file://"+repo)
	assert.GreaterOrEqual(t, f.Index("pacstrap -C "+conf+" "+p.MountRoot+" base"), 0)
	assert.Less(t, f.Index("pacman --config "+conf+" -Si base"), f.Index("pacstrap"))
	assert.FileExists(t, filepath.Join(p.MountRoot, MirrorlistPath))
}

func TestInstallBaseOfflineMissingBaseGroup(t *testing.T) {
	repo := t.TempDir()
	p := newPlan(t)
	for _, pkg := range BasePackages(p) {
		touch(t, repo, pkg+"-1.0-1-x86_64.pkg.tar.zst")
	}
	f := shelltest.New()
	c := newConfigurator(t, f)
	f.On("pacman --config "+filepath.Join(c.HostRoot, OfflineConfPath)+" -Si base", "", errors.New("target not found: base"))
	p.Sources = []plan.Source{plan.Offline(repo, "")}
	assert.ErrorIs(t, c.InstallBase(context.Background(), p), ErrMissingPackages)
	assert.Equal(t, -1, f.Index("pacstrap"))
}

func TestGenerateFstab(t *testing.T) {
	f := shelltest.New().On("genfstab -U", "UUID=abc / btrfs rw,subvol=/@ 0 0\n", nil)
	c := newConfigurator(t, f)
	p := newPlan(t)
	touch(t, p.MountRoot, "etc/fstab")
	require.NoError(t, c.GenerateFstab(context.Background(), p))
	assert.Equal(t, "xUUID=abc / btrfs rw,subvol=/@ 0 0\n", read(t, filepath.Join(p.MountRoot, "etc/fstab")))

	empty := shelltest.New()
	assert.Error(t, newConfigurator(t, empty).GenerateFstab(context.Background(), p))
}
