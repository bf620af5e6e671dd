package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nebulalinux/nebula-installer/internal/catalog"
	"github.com/nebulalinux/nebula-installer/internal/fsatomic"
	"github.com/nebulalinux/nebula-installer/internal/hw"
	"github.com/nebulalinux/nebula-installer/internal/installer"
	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/internal/storage/blk"
	"github.com/nebulalinux/nebula-installer/internal/storage/partition"
	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nebula-installer %s (%s)\n", version, commit)
		},
	}
}

// dryRun is what `plan` prints. Nothing on disk is changed to produce it.
type dryRun struct {
	Firmware       plan.FirmwareMode  `json:"firmware" yaml:"firmware"`
	GPUs           []plan.GPUVendor   `json:"gpus" yaml:"gpus"`
	DriverPackages []string           `json:"driverPackages,omitempty" yaml:"driverPackages,omitempty"`
	Microcode      string             `json:"microcode,omitempty" yaml:"microcode,omitempty"`
	Network        hw.Reachability    `json:"network" yaml:"network"`
	Disk           blk.Device         `json:"disk" yaml:"disk"`
	Layout         plan.Layout        `json:"layout" yaml:"layout"`
	Sources        []plan.Source      `json:"sources" yaml:"sources"`
	Packages       []string           `json:"packages" yaml:"packages"`
	Optional       []string           `json:"optionalPackages,omitempty" yaml:"optionalPackages,omitempty"`
	Selection      catalog.Selection  `json:"selection" yaml:"selection"`
	NetworkPolicy  plan.NetworkPolicy `json:"networkPolicy" yaml:"networkPolicy"`
}

func newPlanCmd() *cobra.Command {
	var disk, output string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Probe the machine and print the install plan without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if disk == "" {
				disk = cfg.Install.Disk
			}
			if disk == "" {
				return fmt.Errorf("%w: --disk is required", installer.ErrInvalidOptions)
			}
			cat, err := catalog.Default()
			if err != nil {
				return err
			}
			log := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(cfg.LogLevel).With().Timestamp().Logger()
			inst := installer.New(shell.NewExec(log), log, cat)
			dr, err := planDryRun(cmd.Context(), inst, disk, installer.Options{
				Nvidia:    cfg.Install.Nvidia,
				Apps:      cfg.Install.Apps,
				Overrides: hw.Overrides{GPUs: cfg.GPUs, Firmware: cfg.Firmware},
				Sources:   cfg.SourceRequest(),
			})
			if err != nil {
				return err
			}
			if output != "" {
				return savePlan(output, dr)
			}
			return writeYAML(cmd.OutOrStdout(), dr)
		},
	}
	cmd.Flags().StringVar(&disk, "disk", "", "target disk, e.g. /dev/nvme0n1")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the plan to a file instead of stdout (.json for JSON, YAML otherwise)")
	return cmd
}

func planDryRun(ctx context.Context, inst *installer.Installer, disk string, opts installer.Options) (dryRun, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rep, err := inst.Prober.Probe(ctx, opts.Overrides)
	if err != nil {
		return dryRun{}, err
	}
	p := plan.New("dry-run")
	rep.Apply(p, opts.Nvidia)

	dev, err := blk.Inspect(ctx, inst.Runner, disk)
	if err != nil {
		return dryRun{}, err
	}
	layout, err := partition.Plan(partition.Disk{Path: disk, SizeBytes: dev.SizeBytes}, rep.Firmware)
	if err != nil {
		return dryRun{}, err
	}

	req := opts.Sources
	if req.OfflineOnly {
		req.Policy = plan.NetworkSkip
	}
	srcs, err := inst.Resolver.Resolve(req)
	if err != nil {
		return dryRun{}, err
	}
	apps, err := inst.Catalog.Resolve(opts.Apps)
	if err != nil {
		return dryRun{}, err
	}
	return dryRun{
		Firmware:       rep.Firmware,
		GPUs:           rep.GPUs,
		DriverPackages: p.DriverPackages,
		Microcode:      rep.Microcode,
		Network:        rep.Network,
		Disk:           dev,
		Layout:         layout,
		Sources:        srcs,
		Packages:       apps.Required,
		Optional:       apps.Optional,
		Selection:      opts.Apps,
		NetworkPolicy:  req.Policy,
	}, nil
}

// savePlan writes the dry run atomically. The format follows the extension.
func savePlan(path string, dr dryRun) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return fsatomic.SaveJSON(path, dr, 0o644)
	}
	return fsatomic.SaveYAML(path, dr, 0o644)
}

func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the selectable applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Default()
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), map[string][]string{
				"compositors": cat.Selections.Compositors,
				"browsers":    catalog.Labels(cat.Selections.Browsers),
				"editors":     catalog.Labels(cat.Selections.Editors),
				"terminals":   catalog.Labels(cat.Selections.Terminals),
			})
		},
	}
}

func writeYAML(w io.Writer, v any) error {
	if w == nil {
		w = os.Stdout
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
