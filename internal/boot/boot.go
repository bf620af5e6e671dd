// Package boot installs GRUB into the target and writes its defaults.
package boot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/nebulalinux/nebula-installer/internal/fsatomic"
	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

const (
	DefaultDistributor = "Nebula"
	DefaultsPath       = "/etc/default/grub"
	ThemesDir          = "/boot/grub/themes"
	cmdlineKey         = "GRUB_CMDLINE_LINUX"

	installTimeout = 5 * time.Minute
)

var (
	ErrUnsupportedFirmware = errors.New("unsupported firmware mode")
	ErrInstallFailed       = errors.New("bootloader install failed")
)

// DefaultThemeSources are searched in order when no theme is given.
var DefaultThemeSources = []string{
	"/usr/share/grub/themes/nebula-vimix-grub",
	"/boot/grub/themes/nebula-vimix-grub",
	"/run/archiso/bootmnt/boot/grub/themes/nebula-vimix-grub",
}

type Request struct {
	Firmware  plan.FirmwareMode
	MountRoot string
	// Disk receives the BIOS core image.
	Disk string
	// Theme is a directory holding theme.txt. Empty or missing disables theming.
	Theme       string
	CryptUUID   string
	Encrypted   bool
	Distributor string
	// NoSplash keeps kernel messages visible, e.g. when no graphical
	// passphrase prompt is installed.
	NoSplash bool
	// GfxMode is the GRUB resolution used with a theme. Empty means "auto".
	GfxMode string
}

type Installer struct {
	Runner shell.Runner
	Log    zerolog.Logger
}

func New(r shell.Runner, log zerolog.Logger) *Installer {
	return &Installer{Runner: r, Log: log}
}

func (i *Installer) Install(ctx context.Context, req Request) error {
	var target []string
	switch req.Firmware {
	case plan.FirmwareUEFI:
		target = []string{"--target=x86_64-efi", "--efi-directory=/boot", "--bootloader-id=GRUB"}
	case plan.FirmwareBIOS:
		if req.Disk == "" {
			return fmt.Errorf("%w: bios install needs a disk", ErrInstallFailed)
		}
		target = []string{"--target=i386-pc", req.Disk}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFirmware, req.Firmware)
	}
	if req.Encrypted && req.CryptUUID == "" {
		return fmt.Errorf("%w: encrypted root without a partition uuid", ErrInstallFailed)
	}
	root := req.MountRoot
	if root == "" {
		root = "/mnt"
	}

	theme, err := i.installTheme(ctx, root, req.Theme)
	if err != nil {
		i.Log.Warn().Err(err).Str("theme", req.Theme).Msg("grub theme not installed")
		theme = ""
	}
	if err := i.writeDefaults(root, req, theme); err != nil {
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	args := append(target, "--recheck")
	if _, err := i.Runner.Run(ctx, shell.Chroot(root, "grub-install", args...).WithTimeout(installTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	if _, err := i.Runner.Run(ctx, shell.Chroot(root, "grub-mkconfig", "-o", "/boot/grub/grub.cfg").WithTimeout(installTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	i.Log.Info().Str("firmware", string(req.Firmware)).Bool("themed", theme != "").Msg("bootloader installed")
	return nil
}

func (i *Installer) writeDefaults(root string, req Request, theme string) error {
	path := filepath.Join(root, DefaultsPath)
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return fsatomic.WriteFile(path, []byte(Defaults(string(data), req, theme)), 0o644)
}

// Defaults applies the installer's settings to an /etc/default/grub document.
// theme is the in-target path of theme.txt, or empty.
func Defaults(content string, req Request, theme string) string {
	dist := req.Distributor
	if dist == "" {
		dist = DefaultDistributor
	}
	content = SetVar(content, "GRUB_DISTRIBUTOR", quote(dist))
	if req.Encrypted {
		content = ReplaceParam(content, cmdlineKey, "cryptdevice=", fmt.Sprintf("cryptdevice=UUID=%s:cryptroot", req.CryptUUID))
		content = ReplaceParam(content, cmdlineKey, "root=", "root=/dev/mapper/cryptroot")
	}
	content = ReplaceParam(content, cmdlineKey, "rootflags=", "rootflags=subvol=@")
	if req.NoSplash {
		content = RemoveParams(content, cmdlineKey, "quiet", "splash")
	} else {
		content = EnsureParams(content, cmdlineKey, "quiet", "splash")
	}
	if req.Encrypted && req.Firmware == plan.FirmwareBIOS {
		content = SetVar(content, "GRUB_ENABLE_CRYPTODISK", "y")
	}
	if theme != "" {
		mode := req.GfxMode
		if mode == "" {
			mode = "auto"
		}
		content = SetVar(content, "GRUB_THEME", quote(theme))
		content = SetVar(content, "GRUB_GFXMODE", mode)
		content = SetVar(content, "GRUB_GFXPAYLOAD_LINUX", "keep")
	}
	return content
}

// FindTheme returns the first candidate directory holding theme.txt.
func FindTheme(candidates ...string) string {
	for _, dir := range candidates {
		if hasThemeFile(dir) {
			return dir
		}
	}
	return ""
}

func hasThemeFile(dir string) bool {
	if dir == "" {
		return false
	}
	st, err := os.Stat(filepath.Join(dir, "theme.txt"))
	return err == nil && st.Mode().IsRegular()
}

// installTheme copies src into the target and returns the in-target path of
// its theme.txt. An empty src means no theme.
func (i *Installer) installTheme(ctx context.Context, root, src string) (string, error) {
	if src == "" {
		return "", nil
	}
	if !hasThemeFile(src) {
		return "", fmt.Errorf("no theme.txt in %s", src)
	}
	name := filepath.Base(filepath.Clean(src))
	inTarget := filepath.Join(ThemesDir, name)
	dst := filepath.Join(root, inTarget)
	if err := shell.RunAll(ctx, i.Runner,
		shell.Command("mkdir", "-p", dst),
		shell.Command("cp", "-a", src+"/.", dst+"/"),
	); err != nil {
		return "", err
	}
	return filepath.Join(inTarget, "theme.txt"), nil
}
