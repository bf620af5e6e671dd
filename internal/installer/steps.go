package installer

import (
	"context"
	"errors"
	"fmt"

	"github.com/nebulalinux/nebula-installer/internal/boot"
	"github.com/nebulalinux/nebula-installer/internal/fsatomic"
	"github.com/nebulalinux/nebula-installer/internal/network"
	"github.com/nebulalinux/nebula-installer/internal/orchestrator"
	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/internal/storage/blk"
	"github.com/nebulalinux/nebula-installer/internal/storage/btrfs"
	"github.com/nebulalinux/nebula-installer/internal/storage/luks"
	"github.com/nebulalinux/nebula-installer/internal/storage/partition"
	"github.com/nebulalinux/nebula-installer/internal/system"
)

const (
	StepProbe      = "probe hardware"
	StepSources    = "resolve package sources"
	StepPlan       = "plan partitions"
	StepPartition  = "write partition table"
	StepEncrypt    = "encrypt root partition"
	StepFilesystem = "create filesystem"
	StepNetwork    = "configure network"
	StepBase       = "install base system"
	StepFstab      = "generate fstab"
	StepConfigure  = "configure system"
	StepPackages   = "install packages"
	StepBootloader = "install bootloader"
	StepFinalize   = "finalize"

	filesystemLabel = "nebula"
)

var (
	ErrDiskBusy     = errors.New("target disk is in use")
	ErrNotConfirmed = errors.New("destructive action not confirmed")
)

// permanentIf marks err permanent when it matches one of the validation or
// policy errors listed.
func permanentIf(err error, targets ...error) error {
	for _, t := range targets {
		if errors.Is(err, t) {
			return orchestrator.Permanent(err)
		}
	}
	return err
}

func result(err error) orchestrator.Result {
	if err != nil {
		return orchestrator.Failed(err)
	}
	return orchestrator.Succeeded()
}

func (i *Installer) steps(r *run) []orchestrator.Step {
	return []orchestrator.Step{
		{Name: StepProbe, Fatal: true, Execute: i.probe(r)},
		{Name: StepSources, Fatal: true, Execute: i.resolveSources(r)},
		{Name: StepPlan, Fatal: true, Retryable: true, Execute: i.planPartitions(r), Rollback: i.releaseLock(r)},
		{Name: StepPartition, Fatal: true, Execute: i.writePartitions},
		{
			Name: StepEncrypt, Fatal: true, Retryable: true,
			Precondition: func(p *plan.Plan) bool { return p.Encrypt },
			Execute:      i.encrypt,
			Rollback:     i.closeCrypt,
		},
		{Name: StepFilesystem, Fatal: true, Retryable: true, Execute: i.filesystem, Rollback: i.unmount},
		{
			Name: StepNetwork, Retryable: true,
			FatalIf: func(p *plan.Plan) bool { return p.HasOnlineSource() },
			Execute: i.network,
		},
		{Name: StepBase, Fatal: true, Retryable: true, Execute: i.base},
		{Name: StepFstab, Fatal: true, Execute: func(ctx context.Context, p *plan.Plan) orchestrator.Result {
			return result(i.System.GenerateFstab(ctx, p))
		}},
		{Name: StepConfigure, Fatal: true, Execute: i.configure},
		{Name: StepPackages, Fatal: true, Retryable: true, Execute: i.packages(r)},
		{Name: StepBootloader, Fatal: true, Retryable: true, Execute: i.bootloader(r)},
		{Name: StepFinalize, Fatal: true, Execute: i.finalize(r)},
	}
}

func (i *Installer) probe(r *run) func(context.Context, *plan.Plan) orchestrator.Result {
	return func(ctx context.Context, p *plan.Plan) orchestrator.Result {
		rep, err := i.Prober.Probe(ctx, r.opts.Overrides)
		if err != nil {
			return orchestrator.Failed(err)
		}
		rep.Apply(p, r.opts.Nvidia)
		if p.Firmware == plan.FirmwareUnknown {
			return orchestrator.Failed(orchestrator.Permanent(partition.ErrUnsupportedFirmware))
		}
		if p.GPUProbeFailed {
			i.Log.Warn().Msg("gpu detection failed, no graphics drivers selected")
		}
		return orchestrator.Succeeded()
	}
}

func (i *Installer) resolveSources(r *run) func(context.Context, *plan.Plan) orchestrator.Result {
	return func(_ context.Context, p *plan.Plan) orchestrator.Result {
		req := r.opts.Sources
		req.Policy = p.Network
		srcs, err := i.Resolver.Resolve(req)
		if err != nil {
			return orchestrator.Failed(orchestrator.Permanent(err))
		}
		p.Sources = srcs
		return orchestrator.Succeeded()
	}
}

// planPartitions locks the disk and records the layout. The lock is held until
// finalize or rollback.
func (i *Installer) planPartitions(r *run) func(context.Context, *plan.Plan) orchestrator.Result {
	return func(ctx context.Context, p *plan.Plan) orchestrator.Result {
		lock, err := fsatomic.LockExclusive(i.LockPath(p.Disk))
		if err != nil {
			if errors.Is(err, fsatomic.ErrLocked) {
				return orchestrator.Failed(fmt.Errorf("%w: %w", ErrDiskBusy, err))
			}
			return orchestrator.Failed(err)
		}
		fail := func(err error) orchestrator.Result {
			_ = lock.Release()
			return orchestrator.Failed(err)
		}
		dev, err := blk.Inspect(ctx, i.Runner, p.Disk)
		if err != nil {
			return fail(permanentIf(err, blk.ErrNotFound))
		}
		if dev.Busy() {
			return fail(fmt.Errorf("%w: %s is mounted or held open", ErrDiskBusy, p.Disk))
		}
		layout, err := partition.Plan(partition.Disk{Path: p.Disk, SizeBytes: dev.SizeBytes}, p.Firmware)
		if err != nil {
			return fail(orchestrator.Permanent(err))
		}
		if err := p.FinalizeLayout(layout); err != nil {
			return fail(orchestrator.Permanent(err))
		}
		p.DiskBytes = dev.SizeBytes
		p.Rotational = dev.Rotational
		r.lock = lock
		i.Log.Info().Str("disk", p.Disk).Uint64("bytes", dev.SizeBytes).Int("partitions", len(layout)).Msg("partition layout planned")
		return orchestrator.Succeeded()
	}
}

func (i *Installer) releaseLock(r *run) func(context.Context, *plan.Plan) error {
	return func(context.Context, *plan.Plan) error {
		err := r.lock.Release()
		r.lock = nil
		return err
	}
}

func (i *Installer) writePartitions(ctx context.Context, p *plan.Plan) orchestrator.Result {
	if i.Destroy != nil && !i.Destroy(p.Disk) {
		return orchestrator.Failed(orchestrator.Permanent(ErrNotConfirmed))
	}
	written, err := partition.Apply(ctx, i.Runner, p.Disk, p.Layout())
	if err != nil {
		return orchestrator.Failed(err)
	}
	devices := map[plan.PartitionRole]string{}
	for _, part := range written {
		devices[part.Role] = part.Device
	}
	if err := p.AssignDevices(devices); err != nil {
		return orchestrator.Failed(err)
	}
	p.RootDevice = devices[plan.RoleRoot]
	return orchestrator.Succeeded()
}

func (i *Installer) encrypt(ctx context.Context, p *plan.Plan) orchestrator.Result {
	root, ok := p.Layout().Find(plan.RoleRoot)
	if !ok || root.Device == "" {
		return orchestrator.Failed(orchestrator.Permanent(errors.New("root partition not written")))
	}
	opts := luks.Options{Name: luks.DefaultName}
	if p.Firmware == plan.FirmwareBIOS {
		opts.PBKDF = "pbkdf2"
	}
	pass := p.ConsumePassphrase()
	h, err := i.Crypt.Open(ctx, root.Device, pass, opts)
	if err != nil {
		// keep it for a retry
		p.SetPassphrase(pass)
		return orchestrator.Failed(permanentIf(err, luks.ErrWeakPassphrase))
	}
	p.Crypt = &plan.CryptDevice{Name: h.Name, Path: h.Path, Backing: h.Backing}
	p.RootDevice = h.Path
	return orchestrator.Succeeded()
}

func (i *Installer) closeCrypt(ctx context.Context, p *plan.Plan) error {
	if p.Crypt == nil {
		return nil
	}
	if err := i.Crypt.Close(ctx, p.Crypt.Name); err != nil {
		return err
	}
	p.Crypt = nil
	return nil
}

func (i *Installer) filesystem(ctx context.Context, p *plan.Plan) orchestrator.Result {
	req := btrfs.Request{
		Device:     p.RootDevice,
		Label:      filesystemLabel,
		Subvolumes: p.Subvolumes,
		Root:       p.MountRoot,
		SSD:        !p.Rotational,
	}
	if p.Firmware == plan.FirmwareUEFI {
		esp, ok := p.Layout().Find(plan.RoleBoot)
		if !ok || esp.Device == "" {
			return orchestrator.Failed(orchestrator.Permanent(errors.New("efi system partition not written")))
		}
		req.Boot = &btrfs.BootMount{Device: esp.Device, Mountpoint: "/boot"}
	}
	h, err := i.FS.Provision(ctx, req)
	if err != nil {
		return orchestrator.Failed(permanentIf(err, btrfs.ErrNoRootSubvolume))
	}
	p.Mounts = h.Mounts
	return orchestrator.Succeeded()
}

func (i *Installer) unmount(ctx context.Context, p *plan.Plan) error {
	return i.System.UnmountAll(ctx, p)
}

func (i *Installer) network(ctx context.Context, p *plan.Plan) orchestrator.Result {
	err := i.Network.Configure(ctx, p.Network)
	return result(permanentIf(err, network.ErrNoConnectivity))
}

func (i *Installer) base(ctx context.Context, p *plan.Plan) orchestrator.Result {
	return result(permanentIf(i.System.InstallBase(ctx, p), system.ErrMissingPackages))
}

func (i *Installer) configure(ctx context.Context, p *plan.Plan) orchestrator.Result {
	return result(permanentIf(i.System.Configure(ctx, p), system.ErrTimezoneNotFound))
}

func (i *Installer) packages(r *run) func(context.Context, *plan.Plan) orchestrator.Result {
	return func(ctx context.Context, p *plan.Plan) orchestrator.Result {
		p.Packages = append([]string(nil), r.apps.Required...)
		p.OptionalPackages = append([]string(nil), r.apps.Optional...)
		p.DesktopSelected = r.apps.Desktop
		err := i.System.InstallPackages(ctx, p, system.PackageOptions{
			OfflineOnly:     r.opts.Sources.OfflineOnly,
			NeedsVendorRepo: r.apps.NeedsVendorRepo,
		})
		return result(err)
	}
}

func (i *Installer) bootloader(r *run) func(context.Context, *plan.Plan) orchestrator.Result {
	return func(ctx context.Context, p *plan.Plan) orchestrator.Result {
		req := boot.Request{
			Firmware:    p.Firmware,
			MountRoot:   p.MountRoot,
			Disk:        p.Disk,
			Theme:       r.opts.Theme,
			Encrypted:   p.Encrypt,
			Distributor: boot.DefaultDistributor,
		}
		if req.Theme == "" {
			req.Theme = boot.FindTheme(i.ThemeSources...)
		}
		if p.Crypt != nil {
			id, err := blk.UUID(ctx, i.Runner, p.Crypt.Backing)
			if err != nil {
				return orchestrator.Failed(err)
			}
			req.CryptUUID = id
		}
		return result(permanentIf(i.Boot.Install(ctx, req), boot.ErrUnsupportedFirmware))
	}
}

func (i *Installer) finalize(r *run) func(context.Context, *plan.Plan) orchestrator.Result {
	return func(ctx context.Context, p *plan.Plan) orchestrator.Result {
		if err := i.System.Finalize(ctx, p, i.Crypt); err != nil {
			return orchestrator.Failed(err)
		}
		if err := r.lock.Release(); err != nil {
			i.Log.Warn().Err(err).Str("disk", p.Disk).Msg("release disk lock")
		}
		r.lock = nil
		return orchestrator.Succeeded()
	}
}
