package installer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sys/unix"

	"github.com/nebulalinux/nebula-installer/internal/catalog"
	"github.com/nebulalinux/nebula-installer/internal/hw"
	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/internal/sources"
	"github.com/nebulalinux/nebula-installer/internal/storage/luks"
	"github.com/nebulalinux/nebula-installer/internal/system"
)

var (
	ErrInvalidOptions = errors.New("invalid install options")
	ErrNotRoot        = errors.New("installer must be run as root")
)

var (
	usernameRe = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
	hostnameRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)
)

// Options is everything the operator decided before the run starts.
type Options struct {
	Disk string

	Encrypt    bool
	Passphrase string

	Hostname string
	Username string
	Password string
	Timezone string
	Locale   string
	Keymap   string

	Swap   bool
	Nvidia plan.NvidiaVariant
	Apps   catalog.Selection
	// Theme is a GRUB theme directory. Empty searches the default locations.
	Theme string

	Overrides hw.Overrides
	Sources   sources.Request
}

func (o *Options) setDefaults() {
	o.Disk = strings.TrimSpace(o.Disk)
	o.Hostname = strings.TrimSpace(o.Hostname)
	o.Username = strings.TrimSpace(o.Username)
	if o.Timezone == "" {
		o.Timezone = "UTC"
	}
	if o.Locale == "" {
		o.Locale = system.DefaultLocale
	}
	if o.Keymap == "" {
		o.Keymap = system.DefaultKeymap
	}
	if o.Sources.OfflineOnly {
		o.Sources.Policy = plan.NetworkSkip
	}
}

func ValidUsername(s string) error {
	if s == "root" {
		return fmt.Errorf("%w: username root is reserved", ErrInvalidOptions)
	}
	if !usernameRe.MatchString(s) {
		return fmt.Errorf("%w: username %q must start with a lower case letter and use only a-z, 0-9, _ and -", ErrInvalidOptions, s)
	}
	return nil
}

func ValidHostname(s string) error {
	if !hostnameRe.MatchString(s) {
		return fmt.Errorf("%w: hostname %q must be 1-63 letters, digits or '-'", ErrInvalidOptions, s)
	}
	return nil
}

// Validate fills in defaults and checks every field that can be checked
// before touching the machine.
func (o *Options) Validate() error {
	o.setDefaults()
	if o.Disk == "" {
		return fmt.Errorf("%w: no target disk", ErrInvalidOptions)
	}
	if err := ValidHostname(o.Hostname); err != nil {
		return err
	}
	if err := ValidUsername(o.Username); err != nil {
		return err
	}
	if o.Password == "" {
		return fmt.Errorf("%w: empty user password", ErrInvalidOptions)
	}
	if o.Encrypt {
		if err := luks.CheckPassphrase(o.Passphrase); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
	}
	switch o.Nvidia {
	case plan.NvidiaNone, plan.NvidiaOpen, plan.NvidiaProprietary, plan.NvidiaNouveau:
	default:
		return fmt.Errorf("%w: unknown nvidia driver %q", ErrInvalidOptions, o.Nvidia)
	}
	if strings.Contains(o.Timezone, "..") {
		return fmt.Errorf("%w: timezone %q", ErrInvalidOptions, o.Timezone)
	}
	return nil
}

// HashPassword returns the crypt(3) compatible bcrypt hash handed to chpasswd.
func HashPassword(pw string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// CheckPrivileges must pass before Run is called.
func CheckPrivileges(allowNonRoot bool) error {
	if unix.Geteuid() == 0 || allowNonRoot {
		return nil
	}
	return ErrNotRoot
}
