package system

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/pkg/shell/shelltest"
)

func TestAddVendorRepo(t *testing.T) {
	conf := "[options]\nHoldPkg = pacman\n\n[core]\nInclude = /etc/pacman.d/mirrorlist\n"
	out := AddVendorRepo(conf)
	assert.Less(t, strings.Index(out, "[nebula]"), strings.Index(out, "[core]"))
	assert.Equal(t, out, AddVendorRepo(out))
	assert.Contains(t, AddVendorRepo("[options]"), "\n[nebula]\n")
}

func TestFailedLog(t *testing.T) {
	assert.Equal(t, "Failed optional packages:\nzed\ncursor-bin\n", FailedLog([]string{"zed", "cursor-bin"}))
}

func TestInstallPackagesOnline(t *testing.T) {
	f := shelltest.New()
	c := newConfigurator(t, f)
	p := newPlan(t)
	p.Sources = []plan.Source{plan.OnlineMirror("https://m")}
	p.Packages = []string{"hyprland", "sddm"}
	p.OptionalPackages = []string{"firefox"}

	require.NoError(t, c.InstallPackages(context.Background(), p, PackageOptions{}))
	root := p.MountRoot
	lines := f.Lines()
	assert.Contains(t, lines, "arch-chroot "+root+" bash -c curl -fsSL "+RepoKeyURL+" | pacman-key --add -")
	assert.Contains(t, lines, "arch-chroot "+root+" pacman -S --noconfirm --needed hyprland sddm")
	assert.Contains(t, lines, "arch-chroot "+root+" pacman -S --noconfirm --needed firefox")
	assert.Contains(t, read(t, filepath.Join(root, "etc/pacman.conf")), "[nebula]")
	assert.Equal(t, -1, f.Index("mount --bind"))
	assert.Empty(t, p.FailedPackages)
}

func TestInstallPackagesOfflineOnly(t *testing.T) {
	repo := t.TempDir()
	f := shelltest.New()
	c := newConfigurator(t, f)
	p := newPlan(t)
	p.Sources = []plan.Source{plan.Offline(repo, filepath.Join(repo, "nebula-repo.gpg"))}
	p.Packages = []string{"vim"}
	p.OptionalPackages = []string{"kitty"}

	require.NoError(t, c.InstallPackages(context.Background(), p, PackageOptions{OfflineOnly: true}))
	root := p.MountRoot
	dst := filepath.Join(root, repo)
	lines := f.Lines()
	assert.Contains(t, lines, "mount --bind "+repo+" "+dst)
	assert.Equal(t, []string{dst}, p.Mounts)
	assert.Contains(t, lines, "arch-chroot "+root+" pacman-key --lsign-key "+RepoKeyID)
	assert.Contains(t, lines, "arch-chroot "+root+" pacman -S --noconfirm --needed --config "+OfflineConfPath+" vim")
	assert.Contains(t, lines, "arch-chroot "+root+" pacman -S --noconfirm --needed --config "+OfflineConfPath+" kitty")
	assert.FileExists(t, filepath.Join(root, OfflineConfPath))
	assert.NoFileExists(t, filepath.Join(root, HybridConfPath))
	assert.Equal(t, -1, f.Index("arch-chroot "+root+" bash -c curl"))
	for _, l := range lines {
		assert.NotEqual(t, "arch-chroot "+root+" pacman -Sy --noconfirm", l, "offline-only never syncs the online databases")
	}
}

func TestInstallPackagesHybridBestEffort(t *testing.T) {
	repo := t.TempDir()
	f := shelltest.New()
	c := newConfigurator(t, f)
	p := newPlan(t)
	root := p.MountRoot
	p.Sources = []plan.Source{plan.Offline(repo, ""), plan.OnlineMirror("https://m")}
	p.Packages = []string{"vim"}
	p.OptionalPackages = []string{"firefox", "cursor-bin", "kitty"}

	opt := "arch-chroot " + root + " pacman -S --noconfirm --needed --config " + HybridConfPath
	f.On(opt+" firefox cursor-bin kitty", "", errors.New("target not found: cursor-bin"))
	f.On(opt+" cursor-bin", "", errors.New("target not found: cursor-bin"))

	require.NoError(t, c.InstallPackages(context.Background(), p, PackageOptions{NeedsVendorRepo: true}))
	assert.Equal(t, []string{"cursor-bin"}, p.FailedPackages)
	assert.Equal(t, "Failed optional packages:\ncursor-bin\n", read(t, filepath.Join(root, FailedPackagesLog)))
	assert.Contains(t, read(t, filepath.Join(root, HybridConfPath)), "[nebula]\n")
	assert.GreaterOrEqual(t, f.Index(opt+" kitty"), 0)
	assert.GreaterOrEqual(t, f.Index("arch-chroot "+root+" pacman -Sy --noconfirm --config "+HybridConfPath), 0)
	assert.GreaterOrEqual(t, f.Index("arch-chroot "+root+" pacman -Sy --noconfirm"), 0)
}

func TestInstallPackagesRequiredFailureIsFatal(t *testing.T) {
	f := shelltest.New()
	c := newConfigurator(t, f)
	p := newPlan(t)
	p.Sources = []plan.Source{plan.OnlineMirror("https://m")}
	p.Packages = []string{"hyprland"}
	f.On("arch-chroot "+p.MountRoot+" pacman -S ", "", errors.New("conflict"))

	err := c.InstallPackages(context.Background(), p, PackageOptions{})
	assert.ErrorIs(t, err, ErrRequiredPackages)
}
