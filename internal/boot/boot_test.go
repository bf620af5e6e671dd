package boot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/pkg/shell/shelltest"
)

const stockDefaults = `GRUB_DEFAULT=0
GRUB_TIMEOUT=5
GRUB_DISTRIBUTOR="Arch"
GRUB_CMDLINE_LINUX_DEFAULT="loglevel=3 quiet"
GRUB_CMDLINE_LINUX=""
#GRUB_THEME="/path/to/gfxtheme"
`

func TestSetVar(t *testing.T) {
	out := SetVar(stockDefaults, "GRUB_TIMEOUT", "3")
	v, ok := GetVar(out, "GRUB_TIMEOUT")
	require.True(t, ok)
	assert.Equal(t, "3", v)

	out = SetVar(out, "GRUB_THEME", `"/boot/grub/themes/x/theme.txt"`)
	assert.Contains(t, out, "#GRUB_THEME=\"/path/to/gfxtheme\"\n")
	assert.Contains(t, out, "\nGRUB_THEME=\"/boot/grub/themes/x/theme.txt\"\n")

	assert.Equal(t, "A=1\n", SetVar("", "A", "1"))
}

func TestCmdlineParams(t *testing.T) {
	out := EnsureParams(`GRUB_CMDLINE_LINUX="quiet"`, cmdlineKey, "quiet", "splash")
	v, _ := GetVar(out, cmdlineKey)
	assert.Equal(t, "quiet splash", v)

	out = RemoveParams(out, cmdlineKey, "quiet", "splash")
	v, _ = GetVar(out, cmdlineKey)
	assert.Equal(t, "", v)

	out = ReplaceParam(`GRUB_CMDLINE_LINUX="cryptdevice=UUID=old:cryptroot quiet"`, cmdlineKey, "cryptdevice=", "cryptdevice=UUID=new:cryptroot")
	v, _ = GetVar(out, cmdlineKey)
	assert.Equal(t, "quiet cryptdevice=UUID=new:cryptroot", v)
}

func TestDefaultsEncryptedBIOS(t *testing.T) {
	out := Defaults(stockDefaults, Request{Firmware: plan.FirmwareBIOS, Encrypted: true, CryptUUID: "1234"}, "")
	v, _ := GetVar(out, cmdlineKey)
	assert.Equal(t, "cryptdevice=UUID=1234:cryptroot root=/dev/mapper/cryptroot rootflags=subvol=@ quiet splash", v)
	v, _ = GetVar(out, "GRUB_ENABLE_CRYPTODISK")
	assert.Equal(t, "y", v)
	v, _ = GetVar(out, "GRUB_DISTRIBUTOR")
	assert.Equal(t, "Nebula", v)
	_, ok := GetVar(out, "GRUB_THEME")
	assert.False(t, ok)
	_, ok = GetVar(out, "GRUB_GFXMODE")
	assert.False(t, ok)
}

func TestDefaultsPlainUEFI(t *testing.T) {
	out := Defaults(stockDefaults, Request{Firmware: plan.FirmwareUEFI, NoSplash: true}, "/boot/grub/themes/t/theme.txt")
	v, _ := GetVar(out, cmdlineKey)
	assert.Equal(t, "rootflags=subvol=@", v)
	_, ok := GetVar(out, "GRUB_ENABLE_CRYPTODISK")
	assert.False(t, ok)
	v, _ = GetVar(out, "GRUB_THEME")
	assert.Equal(t, "/boot/grub/themes/t/theme.txt", v)
	v, _ = GetVar(out, "GRUB_GFXMODE")
	assert.Equal(t, "auto", v)
	v, _ = GetVar(out, "GRUB_GFXPAYLOAD_LINUX")
	assert.Equal(t, "keep", v)

	out = Defaults(out, Request{Firmware: plan.FirmwareUEFI, GfxMode: "1920x1080,auto"}, "/boot/grub/themes/t/theme.txt")
	v, _ = GetVar(out, "GRUB_GFXMODE")
	assert.Equal(t, "1920x1080,auto", v)
}

func TestInstallUEFIWithTheme(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc/default"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, DefaultsPath), []byte(stockDefaults), 0o644))
	theme := filepath.Join(t.TempDir(), "nebula-vimix-grub")
	require.NoError(t, os.MkdirAll(theme, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(theme, "theme.txt"), []byte("title-text: \"\""), 0o644))

	f := shelltest.New()
	err := New(f, zerolog.Nop()).Install(context.Background(), Request{
		Firmware: plan.FirmwareUEFI, MountRoot: root, Theme: theme, Encrypted: true, CryptUUID: "abcd",
	})
	require.NoError(t, err)

	lines := f.Lines()
	assert.Contains(t, lines, "cp -a "+theme+"/. "+filepath.Join(root, "boot/grub/themes/nebula-vimix-grub")+"/")
	install := f.Index("arch-chroot " + root + " grub-install --target=x86_64-efi --efi-directory=/boot --bootloader-id=GRUB")
	mkconfig := f.Index("arch-chroot " + root + " grub-mkconfig -o /boot/grub/grub.cfg")
	require.True(t, install >= 0 && mkconfig >= 0)
	assert.Less(t, install, mkconfig)

	data, err := os.ReadFile(filepath.Join(root, DefaultsPath))
	require.NoError(t, err)
	v, _ := GetVar(string(data), "GRUB_THEME")
	assert.Equal(t, "/boot/grub/themes/nebula-vimix-grub/theme.txt", v)
	v, _ = GetVar(string(data), cmdlineKey)
	assert.Contains(t, v, "cryptdevice=UUID=abcd:cryptroot")
}

func TestInstallBIOSTargetsDisk(t *testing.T) {
	root := t.TempDir()
	f := shelltest.New()
	err := New(f, zerolog.Nop()).Install(context.Background(), Request{Firmware: plan.FirmwareBIOS, MountRoot: root, Disk: "/dev/sda", Theme: "/nonexistent"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, f.Index("arch-chroot "+root+" grub-install --target=i386-pc /dev/sda"), 0)
	assert.Equal(t, -1, f.Index("cp "))
}

func TestInstallErrors(t *testing.T) {
	f := shelltest.New()
	i := New(f, zerolog.Nop())
	ctx := context.Background()

	assert.ErrorIs(t, i.Install(ctx, Request{MountRoot: t.TempDir()}), ErrUnsupportedFirmware)
	assert.ErrorIs(t, i.Install(ctx, Request{Firmware: plan.FirmwareBIOS, MountRoot: t.TempDir()}), ErrInstallFailed)
	assert.Empty(t, f.Calls)

	f.On("arch-chroot", "", errors.New("efibootmgr failed"))
	assert.ErrorIs(t, i.Install(ctx, Request{Firmware: plan.FirmwareUEFI, MountRoot: t.TempDir()}), ErrInstallFailed)
}

func TestFindTheme(t *testing.T) {
	good := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(good, "theme.txt"), nil, 0o644))
	assert.Equal(t, good, FindTheme(t.TempDir(), good))
	assert.Equal(t, "", FindTheme("", t.TempDir()))
}
