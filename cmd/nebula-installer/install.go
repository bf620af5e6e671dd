package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/nebulalinux/nebula-installer/internal/catalog"
	"github.com/nebulalinux/nebula-installer/internal/config"
	"github.com/nebulalinux/nebula-installer/internal/console"
	"github.com/nebulalinux/nebula-installer/internal/hw"
	"github.com/nebulalinux/nebula-installer/internal/installer"
	"github.com/nebulalinux/nebula-installer/internal/metrics"
	"github.com/nebulalinux/nebula-installer/internal/orchestrator"
	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/internal/storage/blk"
	"github.com/nebulalinux/nebula-installer/internal/storage/luks"
	"github.com/nebulalinux/nebula-installer/internal/storage/partition"
	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

var errAborted = errors.New("installation aborted")

func runInstall(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := installer.CheckPrivileges(cfg.AllowNonRoot); err != nil {
		return err
	}
	if !console.Interactive() {
		return console.ErrNotInteractive
	}
	log, closer, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer closer.Close()
	log.Info().Str("commit", commit).Str("network", cfg.Network.String()).Bool("offlineOnly", cfg.OfflineOnly).Msg("installer starting")

	cat, err := catalog.Default()
	if err != nil {
		return err
	}
	con := console.New(log.With().Str("component", "console").Logger())
	con.Banner(version)

	inst := installer.New(shell.NewExec(log.With().Str("component", "shell").Logger()), log, cat)
	if version != "dev" {
		inst.System.Version = version
	}
	opts, err := gather(ctx, con, inst, cat, cfg)
	if err != nil {
		return err
	}

	progress := console.NewProgress(os.Stdout)
	rec := metrics.New(version)
	inst.Notifier = orchestrator.Notifiers{progress, rec}
	inst.Confirmer = con
	inst.Destroy = con.ConfirmDestroy

	ctx, stop := watchInterrupt(ctx, log, inst.RequestAbort)
	defer stop()

	out := inst.Run(ctx, opts)
	rec.Finish(out)
	if cfg.MetricsFile != "" {
		if err := rec.WriteTextfile(cfg.MetricsFile); err != nil {
			log.Warn().Err(err).Str("path", cfg.MetricsFile).Msg("write metrics textfile")
		}
	}
	console.Summary(os.Stdout, out)
	if !out.Succeeded() {
		return fmt.Errorf("%w: %s (log: %s)", errAborted, out.Reason, cfg.LogFile)
	}
	return nil
}

// watchInterrupt turns SIGINT and SIGTERM into an abort at the next step
// boundary. Running commands are never interrupted, so repeated signals only
// repeat the request.
func watchInterrupt(parent context.Context, log zerolog.Logger, abort func()) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-sig:
				log.Warn().Str("signal", s.String()).Msg("abort requested, stopping after the current step")
				abort()
			}
		}
	}()
	return ctx, func() {
		signal.Stop(sig)
		cancel()
	}
}

// gather asks for every install option. Values preset in the config file are
// offered as defaults.
func gather(ctx context.Context, con *console.Console, inst *installer.Installer, cat *catalog.Catalog, cfg config.Config) (installer.Options, error) {
	pre := cfg.Install
	opts := installer.Options{
		Locale:    pre.Locale,
		Keymap:    pre.Keymap,
		Overrides: hw.Overrides{GPUs: cfg.GPUs, Firmware: cfg.Firmware},
		Sources:   cfg.SourceRequest(),
	}

	devs, err := blk.List(ctx, inst.Runner)
	if err != nil {
		return opts, fmt.Errorf("list disks: %w", err)
	}
	disks := blk.Candidates(devs, partition.MinDiskBytes)
	if len(disks) == 0 {
		return opts, errors.New("no disk large enough for an install was found")
	}
	if pre.Disk != "" {
		disks = preferDisk(disks, pre.Disk)
	}
	disk, err := con.SelectDisk(disks)
	if err != nil {
		return opts, err
	}
	opts.Disk = disk.Path

	if opts.Hostname, err = con.Input("Hostname:", orDefault(pre.Hostname, "nebula"), installer.ValidHostname); err != nil {
		return opts, err
	}
	if opts.Username, err = con.Input("Username:", pre.Username, installer.ValidUsername); err != nil {
		return opts, err
	}
	if opts.Password, err = con.Secret("Password for "+opts.Username+":", nonEmpty); err != nil {
		return opts, err
	}
	if opts.Timezone, err = con.Input("Timezone:", orDefault(pre.Timezone, "UTC"), nil); err != nil {
		return opts, err
	}

	if opts.Encrypt, err = con.Confirm("Encrypt the root partition?", boolOr(pre.Encrypt, false)); err != nil {
		return opts, err
	}
	if opts.Encrypt {
		if opts.Passphrase, err = con.Secret("Disk encryption passphrase:", luks.CheckPassphrase); err != nil {
			return opts, err
		}
	}
	if opts.Swap, err = con.Confirm("Create a swap partition?", boolOr(pre.Swap, true)); err != nil {
		return opts, err
	}

	if opts.Nvidia, err = askNvidia(ctx, con, inst, opts.Overrides, pre.Nvidia); err != nil {
		return opts, err
	}
	if opts.Apps, err = askApps(con, cat, pre.Apps); err != nil {
		return opts, err
	}
	return opts, nil
}

// askNvidia only prompts when an NVIDIA GPU is present or configured.
func askNvidia(ctx context.Context, con *console.Console, inst *installer.Installer, ov hw.Overrides, pre plan.NvidiaVariant) (plan.NvidiaVariant, error) {
	rep, err := inst.Prober.Probe(ctx, ov)
	if err != nil {
		return plan.NvidiaNone, nil
	}
	found := false
	for _, g := range rep.GPUs {
		if g == plan.GPUNvidia {
			found = true
		}
	}
	if !found {
		return plan.NvidiaNone, nil
	}
	def := string(plan.NvidiaOpen)
	if pre != plan.NvidiaNone {
		def = string(pre)
	}
	v, err := con.Choose("NVIDIA GPU detected. Driver:", []string{
		string(plan.NvidiaOpen), string(plan.NvidiaProprietary), string(plan.NvidiaNouveau),
	}, def)
	return plan.NvidiaVariant(v), err
}

func askApps(con *console.Console, cat *catalog.Catalog, pre catalog.Selection) (catalog.Selection, error) {
	if len(pre.Compositors)+len(pre.Browsers)+len(pre.Editors)+len(pre.Terminals) > 0 {
		ok, err := con.Confirm("Use the application selection from the config file?", true)
		if err != nil || ok {
			return pre, err
		}
	}
	var (
		sel catalog.Selection
		err error
	)
	if len(cat.Selections.Compositors) > 1 {
		if sel.Compositors, err = con.ChooseMany("Compositors:", cat.Selections.Compositors); err != nil {
			return sel, err
		}
	}
	if sel.Browsers, err = con.ChooseMany("Browsers:", catalog.Labels(cat.Selections.Browsers)); err != nil {
		return sel, err
	}
	if sel.Editors, err = con.ChooseMany("Editors:", catalog.Labels(cat.Selections.Editors)); err != nil {
		return sel, err
	}
	if sel.Terminals, err = con.ChooseMany("Terminals:", catalog.Labels(cat.Selections.Terminals)); err != nil {
		return sel, err
	}
	return sel, nil
}

// preferDisk moves the configured disk to the front so it is the default.
func preferDisk(disks []blk.Device, path string) []blk.Device {
	out := make([]blk.Device, 0, len(disks))
	for _, d := range disks {
		if d.Path == path {
			out = append([]blk.Device{d}, out...)
			continue
		}
		out = append(out, d)
	}
	return out
}

func nonEmpty(s string) error {
	if s == "" {
		return errors.New("must not be empty")
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
