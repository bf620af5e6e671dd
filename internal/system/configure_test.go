package system

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/pkg/shell/shelltest"
)

func TestHooks(t *testing.T) {
	assert.Equal(t, "HOOKS=(base udev autodetect modconf block keyboard keymap plymouth encrypt filesystems)", Hooks(true))
	out := SetHooks("MODULES=()\nHOOKS=(base udev filesystems fsck)\n#HOOKS=(old)\n", false)
	assert.Equal(t, "MODULES=()\nHOOKS=(base udev autodetect modconf block keyboard keymap plymouth filesystems)\n#HOOKS=(old)\n", out)
}

func TestEnableLocale(t *testing.T) {
	gen := "# comment\n#en_GB.UTF-8 UTF-8\n#en_US.UTF-8 UTF-8\n#en_US ISO-8859-1\n"
	out := EnableLocale(gen, "en_US.UTF-8")
	assert.Equal(t, "# comment\n#en_GB.UTF-8 UTF-8\nen_US.UTF-8 UTF-8\n#en_US ISO-8859-1\n", out)
	assert.Equal(t, "de_DE.UTF-8 UTF-8\n", EnableLocale("", "de_DE.UTF-8"))
}

func configuredPlan(t *testing.T) *plan.Plan {
	p := newPlan(t)
	p.Timezone = "Europe/Berlin"
	p.Keymap = "de"
	touch(t, p.MountRoot, "usr/share/zoneinfo/Europe/Berlin", "etc/locale.gen", "etc/mkinitcpio.conf")
	return p
}

func TestConfigureEncrypted(t *testing.T) {
	f := shelltest.New().On("blkid -s UUID -o value /dev/vda2", "1111-2222\n", nil)
	c := newConfigurator(t, f)
	p := configuredPlan(t)
	p.Encrypt = true
	p.Swap = true
	p.Crypt = &plan.CryptDevice{Name: "cryptroot", Path: "/dev/mapper/cryptroot", Backing: "/dev/vda2"}

	require.NoError(t, c.Configure(context.Background(), p))
	root := p.MountRoot
	assert.Equal(t, "nebula\n", read(t, filepath.Join(root, "etc/hostname")))
	assert.Contains(t, read(t, filepath.Join(root, "etc/hosts")), "127.0.1.1\tnebula.localdomain\tnebula\n")
	assert.Equal(t, "KEYMAP=de\n", read(t, filepath.Join(root, "etc/vconsole.conf")))
	assert.Equal(t, "LANG=en_US.UTF-8\n", read(t, filepath.Join(root, "etc/locale.conf")))
	assert.Contains(t, read(t, filepath.Join(root, "etc/locale.gen")), "en_US.UTF-8 UTF-8\n")
	assert.Equal(t, "cryptroot UUID=1111-2222 none luks\n", read(t, filepath.Join(root, "etc/crypttab")))
	assert.Equal(t, zramConf, read(t, filepath.Join(root, "etc/systemd/zram-generator.conf")))
	assert.Equal(t, wheelPolicy, read(t, filepath.Join(root, "etc/sudoers.d/10-wheel")))
	assert.Contains(t, read(t, filepath.Join(root, "etc/mkinitcpio.conf")), "plymouth encrypt filesystems")

	chpasswd, ok := f.Find("arch-chroot " + root + " chpasswd -e")
	require.True(t, ok)
	assert.Equal(t, "ada:"+p.PasswordHash+"\n", chpasswd.Stdin)
	assert.NotContains(t, chpasswd.String(), p.PasswordHash)

	assert.GreaterOrEqual(t, f.Index("arch-chroot "+root+" ln -sf /usr/share/zoneinfo/Europe/Berlin /etc/localtime"), 0)
	assert.GreaterOrEqual(t, f.Index("arch-chroot "+root+" useradd -m -G wheel -s /bin/bash ada"), 0)
	assert.GreaterOrEqual(t, f.Index("arch-chroot "+root+" passwd -l root"), 0)
	assert.Less(t, f.Index("blkid"), f.Index("arch-chroot "+root+" mkinitcpio -P"))
}

func TestConfigurePlain(t *testing.T) {
	f := shelltest.New()
	c := newConfigurator(t, f)
	p := configuredPlan(t)

	require.NoError(t, c.Configure(context.Background(), p))
	assert.NoFileExists(t, filepath.Join(p.MountRoot, "etc/crypttab"))
	assert.NoFileExists(t, filepath.Join(p.MountRoot, "etc/systemd/zram-generator.conf"))
	assert.NotContains(t, read(t, filepath.Join(p.MountRoot, "etc/mkinitcpio.conf")), "encrypt")
	assert.Equal(t, -1, f.Index("blkid"))
}

func TestConfigureWritesOSRelease(t *testing.T) {
	c := newConfigurator(t, shelltest.New())
	c.Version = "v0.4.1"
	p := configuredPlan(t)
	root := p.MountRoot
	arch := "NAME=\"Arch Linux\"\nID=arch\n"
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr/lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "usr/lib/os-release"), []byte(arch), 0o644))
	require.NoError(t, os.Symlink("../usr/lib/os-release", filepath.Join(root, "etc/os-release")))

	require.NoError(t, c.Configure(context.Background(), p))
	want := "NAME=Nebula\nPRETTY_NAME=\"Nebula 0.4.1\"\nID=nebula\nID_LIKE=arch\nVERSION_ID=0.4.1\nVERSION=\"0.4.1\"\n"
	assert.Equal(t, want, read(t, filepath.Join(root, "etc/os-release")))
	st, err := os.Lstat(filepath.Join(root, "etc/os-release"))
	require.NoError(t, err)
	assert.True(t, st.Mode().IsRegular())
	// the package-owned file is left alone
	assert.Equal(t, arch, read(t, filepath.Join(root, "usr/lib/os-release")))

	assert.Contains(t, OSRelease(""), "VERSION_ID="+DefaultVersion+"\n")
}

func TestConfigureUnknownTimezone(t *testing.T) {
	f := shelltest.New()
	p := newPlan(t)
	p.Timezone = "Mars/Olympus"
	err := newConfigurator(t, f).Configure(context.Background(), p)
	assert.ErrorIs(t, err, ErrTimezoneNotFound)
	assert.Empty(t, f.Calls)
}

func TestConfigureUserFailure(t *testing.T) {
	f := shelltest.New().On("arch-chroot", "", nil)
	c := newConfigurator(t, f)
	p := configuredPlan(t)
	f.On("arch-chroot "+p.MountRoot+" useradd", "", errors.New("useradd: user 'ada' already exists"))
	err := c.Configure(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.Equal(t, -1, f.Index("arch-chroot "+p.MountRoot+" mkinitcpio"))
}
