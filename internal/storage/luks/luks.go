// Package luks formats and opens the LUKS2 container that holds the root
// filesystem.
package luks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/nebulalinux/nebula-installer/internal/storage/blk"
	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

const (
	DefaultName      = "cryptroot"
	DefaultMapperDir = "/dev/mapper"

	MinPassphraseLen = 8

	closeAttempts = 5
	closeDelay    = 250 * time.Millisecond
	formatTimeout = 5 * time.Minute
)

var (
	ErrWeakPassphrase = errors.New("passphrase too weak")
	ErrDeviceBusy     = errors.New("device busy")
	ErrFormatFailed   = errors.New("luks format failed")
	ErrOpenFailed     = errors.New("luks open failed")
	ErrCloseFailed    = errors.New("luks close failed")
)

type Options struct {
	// Name of the mapping under /dev/mapper.
	Name string
	// PBKDF overrides the key derivation function; GRUB can only unlock
	// pbkdf2 keyslots.
	PBKDF string
	Label string
}

type Handle struct {
	Name    string
	Path    string
	Backing string
}

type Encryptor struct {
	Runner    shell.Runner
	Log       zerolog.Logger
	MapperDir string
	// CloseDelay is the pause between close attempts.
	CloseDelay time.Duration
}

func New(r shell.Runner, log zerolog.Logger) *Encryptor {
	return &Encryptor{Runner: r, Log: log, MapperDir: DefaultMapperDir, CloseDelay: closeDelay}
}

// CheckPassphrase requires MinPassphraseLen characters drawn from at least two
// of lower case, upper case, digits and symbols.
func CheckPassphrase(p string) error {
	if len([]rune(p)) < MinPassphraseLen {
		return fmt.Errorf("%w: at least %d characters required", ErrWeakPassphrase, MinPassphraseLen)
	}
	var lower, upper, digit, other bool
	for _, r := range p {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, ok := range []bool{lower, upper, digit, other} {
		if ok {
			classes++
		}
	}
	if classes < 2 {
		return fmt.Errorf("%w: mix at least two of letters, digits and symbols", ErrWeakPassphrase)
	}
	return nil
}

// Open formats partition as LUKS2 and opens it. The passphrase only ever
// reaches cryptsetup through stdin.
func (e *Encryptor) Open(ctx context.Context, partition, passphrase string, opts Options) (Handle, error) {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if err := CheckPassphrase(passphrase); err != nil {
		return Handle{}, err
	}
	if err := e.checkFree(ctx, partition, opts.Name); err != nil {
		return Handle{}, err
	}

	args := []string{"luksFormat", "--type", "luks2", "--batch-mode", "--key-file=-"}
	if opts.PBKDF != "" {
		args = append(args, "--pbkdf", opts.PBKDF)
	}
	if opts.Label != "" {
		args = append(args, "--label", opts.Label)
	}
	args = append(args, partition)
	e.Log.Info().Str("partition", partition).Str("pbkdf", opts.PBKDF).Msg("formatting luks container")
	format := shell.Command("cryptsetup", args...).WithStdin(passphrase).WithTimeout(formatTimeout)
	if _, err := e.Runner.Run(ctx, format); err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrFormatFailed, err)
	}

	open := shell.Command("cryptsetup", "open", "--key-file=-", partition, opts.Name).WithStdin(passphrase).WithTimeout(formatTimeout)
	if _, err := e.Runner.Run(ctx, open); err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	h := Handle{Name: opts.Name, Path: filepath.Join(e.mapperDir(), opts.Name), Backing: partition}
	e.Log.Info().Str("mapper", h.Path).Msg("luks container opened")
	return h, nil
}

func (e *Encryptor) checkFree(ctx context.Context, partition, name string) error {
	if _, err := os.Stat(filepath.Join(e.mapperDir(), name)); err == nil {
		return fmt.Errorf("%w: mapping %s already exists", ErrDeviceBusy, name)
	}
	d, err := blk.Inspect(ctx, e.Runner, partition)
	if err != nil {
		return err
	}
	if d.Busy() {
		return fmt.Errorf("%w: %s is mounted or held by another device", ErrDeviceBusy, partition)
	}
	return nil
}

// Close removes the mapping, retrying while udev or a lazy unmount still
// holds it. A mapping that does not exist is not an error.
func (e *Encryptor) Close(ctx context.Context, name string) error {
	if name == "" {
		name = DefaultName
	}
	var last error
	for attempt := 1; attempt <= closeAttempts; attempt++ {
		if _, err := os.Stat(filepath.Join(e.mapperDir(), name)); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		_, err := e.Runner.Run(ctx, shell.Command("cryptsetup", "close", name))
		if err == nil {
			return nil
		}
		last = err
		e.Log.Warn().Err(err).Int("attempt", attempt).Str("mapper", name).Msg("cryptsetup close failed")
		if attempt < closeAttempts {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrCloseFailed, ctx.Err())
			case <-time.After(e.CloseDelay):
			}
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrCloseFailed, name, closeAttempts, last)
}

func (e *Encryptor) mapperDir() string {
	if e.MapperDir == "" {
		return DefaultMapperDir
	}
	return e.MapperDir
}
