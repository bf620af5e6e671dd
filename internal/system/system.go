// Package system installs and configures the operating system inside the
// mounted target.
package system

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/nebulalinux/nebula-installer/internal/fsatomic"
	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

const (
	DefaultHostLog    = "/tmp/nebula-installer.log"
	TargetLog         = "/var/log/nebula-installer.log"
	FailedPackagesLog = "/var/log/nebula-failed-packages.txt"

	OfflineConfPath = "/etc/pacman.offline.conf"
	HybridConfPath  = "/etc/pacman.hybrid.conf"
	MirrorlistPath  = "/etc/pacman.d/mirrorlist"
	RepoKeyPath     = "/usr/share/nebula/nebula-repo.gpg"
	RepoKeyID       = "7CB33A71D4C4C529149862B799EC53F7C03BE297"
	RepoKeyURL      = "https://pkgs.nebulalinux.com/nebula-repo.gpg"

	pacstrapTimeout = time.Hour
	pacmanTimeout   = 45 * time.Minute
)

var (
	ErrMissingPackages  = errors.New("offline repository is missing packages")
	ErrBaseInstall      = errors.New("base system install failed")
	ErrTimezoneNotFound = errors.New("timezone not found in target")
	ErrRequiredPackages = errors.New("required package install failed")
)

type Configurator struct {
	Runner shell.Runner
	Log    zerolog.Logger
	// HostRoot prefixes host-side files the installer writes or reads
	// (pacman.conf copies, the installer log). Empty means "/".
	HostRoot string
	HostLog  string
	// Version is the release written to the target's os-release.
	Version string
}

func New(r shell.Runner, log zerolog.Logger) *Configurator {
	return &Configurator{Runner: r, Log: log, HostLog: DefaultHostLog}
}

func (c *Configurator) host(p string) string {
	if c.HostRoot == "" {
		return p
	}
	return filepath.Join(c.HostRoot, p)
}

func target(root, p string) string { return filepath.Join(root, p) }

func writeTarget(root, p, content string, perm fs.FileMode) error {
	return fsatomic.WriteFile(target(root, p), []byte(content), perm)
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
