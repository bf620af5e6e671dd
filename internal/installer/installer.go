// Package installer builds the install plan and the ordered step list from
// validated options and runs them through the orchestrator.
package installer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nebulalinux/nebula-installer/internal/boot"
	"github.com/nebulalinux/nebula-installer/internal/catalog"
	"github.com/nebulalinux/nebula-installer/internal/fsatomic"
	"github.com/nebulalinux/nebula-installer/internal/hw"
	"github.com/nebulalinux/nebula-installer/internal/network"
	"github.com/nebulalinux/nebula-installer/internal/orchestrator"
	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/internal/sources"
	"github.com/nebulalinux/nebula-installer/internal/storage/btrfs"
	"github.com/nebulalinux/nebula-installer/internal/storage/luks"
	"github.com/nebulalinux/nebula-installer/internal/system"
	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

const (
	DefaultMountRoot = "/mnt"
	DefaultDumpDir   = "/tmp"
	DefaultLockDir   = "/run/nebula-installer"
)

type Installer struct {
	Runner    shell.Runner
	Log       zerolog.Logger
	Notifier  orchestrator.Notifier
	Confirmer orchestrator.Confirmer
	// Destroy is asked before the partition table is written. nil allows it.
	Destroy func(disk string) bool

	Catalog  *catalog.Catalog
	Resolver *sources.Resolver
	Prober   *hw.Prober
	Network  *network.Configurator
	Crypt    *luks.Encryptor
	FS       *btrfs.Provisioner
	Boot     *boot.Installer
	System   *system.Configurator

	MountRoot string
	DumpDir   string
	// LockDir holds the per-disk lock files. The device node itself is never
	// flock'ed so udev keeps processing events for it.
	LockDir      string
	ThemeSources []string

	mu   sync.Mutex
	orch *orchestrator.Orchestrator
}

func New(r shell.Runner, log zerolog.Logger, cat *catalog.Catalog) *Installer {
	net := network.New(r, log.With().Str("component", "network").Logger())
	return &Installer{
		Runner:       r,
		Log:          log,
		Catalog:      cat,
		Resolver:     sources.NewResolver(log.With().Str("component", "sources").Logger()),
		Prober:       hw.NewProber(r, log.With().Str("component", "hw").Logger(), net),
		Network:      net,
		Crypt:        luks.New(r, log.With().Str("component", "luks").Logger()),
		FS:           btrfs.New(r, log.With().Str("component", "btrfs").Logger()),
		Boot:         boot.New(r, log.With().Str("component", "boot").Logger()),
		System:       system.New(r, log.With().Str("component", "system").Logger()),
		MountRoot:    DefaultMountRoot,
		DumpDir:      DefaultDumpDir,
		LockDir:      DefaultLockDir,
		ThemeSources: boot.DefaultThemeSources,
	}
}

// run carries what steps share beyond the plan: resources that must be
// released and the resolved application selection.
type run struct {
	opts Options
	apps catalog.Resolved
	lock *fsatomic.Lock
}

// Prepare validates opts and returns the fresh plan and the step list.
func (i *Installer) Prepare(opts Options) (*plan.Plan, []orchestrator.Step, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	r := &run{opts: opts}
	if i.Catalog != nil {
		apps, err := i.Catalog.Resolve(opts.Apps)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
		r.apps = apps
	}
	hash, err := HashPassword(opts.Password)
	if err != nil {
		return nil, nil, err
	}

	p := plan.New(uuid.NewString())
	p.Disk = opts.Disk
	if i.MountRoot != "" {
		p.MountRoot = i.MountRoot
	}
	p.Encrypt = opts.Encrypt
	if opts.Encrypt {
		p.SetPassphrase(opts.Passphrase)
	}
	p.Hostname = opts.Hostname
	p.Username = opts.Username
	p.PasswordHash = hash
	p.Timezone = opts.Timezone
	p.Locale = opts.Locale
	p.Keymap = opts.Keymap
	p.Swap = opts.Swap
	p.Network = opts.Sources.Policy
	return p, i.steps(r), nil
}

// Run executes a complete installation. It never returns an error; failures
// are reported in the Outcome.
func (i *Installer) Run(ctx context.Context, opts Options) orchestrator.Outcome {
	p, steps, err := i.Prepare(opts)
	if err != nil {
		i.Log.Error().Err(err).Msg("install not started")
		return orchestrator.Outcome{State: orchestrator.Aborted, Reason: err.Error()}
	}
	o := orchestrator.New(i.Log, i.Notifier, i.Confirmer)
	i.mu.Lock()
	i.orch = o
	i.mu.Unlock()

	out := o.Run(ctx, steps, p)
	if out.State == orchestrator.Aborted {
		i.dump(out)
	}
	return out
}

// RequestAbort stops a running install at the next step boundary.
func (i *Installer) RequestAbort() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.orch != nil {
		i.orch.RequestAbort()
	}
}

// DumpPath is where the diagnostic snapshot of an aborted run is written.
func (i *Installer) DumpPath(runID string) string {
	dir := i.DumpDir
	if dir == "" {
		dir = DefaultDumpDir
	}
	return filepath.Join(dir, "nebula-install-"+runID+".yaml")
}

// LockPath is the lock file guarding disk against a second installer.
func (i *Installer) LockPath(disk string) string {
	dir := i.LockDir
	if dir == "" {
		dir = DefaultLockDir
	}
	return filepath.Join(dir, filepath.Base(disk)+".lock")
}

func (i *Installer) dump(out orchestrator.Outcome) {
	path := i.DumpPath(out.Snapshot.RunID)
	if err := fsatomic.SaveYAML(path, out, 0o600); err != nil {
		i.Log.Warn().Err(err).Str("path", path).Msg("write diagnostic snapshot")
		return
	}
	i.Log.Info().Str("path", path).Msg("diagnostic snapshot written")
}
