// Package hw probes the machine the installer runs on.
package hw

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/errgroup"

	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

const DefaultTimeout = 3 * time.Second

var ErrProbeTimeout = errors.New("probe timed out")

type Reachability string

const (
	Reachable   Reachability = "reachable"
	Unreachable Reachability = "unreachable"
	Unknown     Reachability = "unknown"
)

// Connectivity is satisfied by network.Configurator.
type Connectivity interface {
	Ready(ctx context.Context) bool
}

type Overrides struct {
	// GPUs replaces the probed vendor set when non-empty.
	GPUs     []plan.GPUVendor
	Firmware plan.FirmwareMode
}

type Report struct {
	Firmware plan.FirmwareMode
	GPUs     []plan.GPUVendor
	// GPUOverridden is set when the vendor set came from configuration.
	GPUOverridden  bool
	GPUProbeFailed bool
	CPUVendor      string
	Microcode      string
	Network        Reachability
}

type Prober struct {
	Runner  shell.Runner
	Log     zerolog.Logger
	Net     Connectivity
	SysRoot string
	Timeout time.Duration
	CPUInfo func(ctx context.Context) ([]cpu.InfoStat, error)
}

func NewProber(r shell.Runner, log zerolog.Logger, net Connectivity) *Prober {
	return &Prober{Runner: r, Log: log, Net: net, SysRoot: "/", Timeout: DefaultTimeout, CPUInfo: cpu.InfoWithContext}
}

type outcome[T any] struct {
	v   T
	err error
}

// bounded runs fn with a deadline. Work that ignores its context is
// abandoned once the deadline passes.
func bounded[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	ch := make(chan outcome[T], 1)
	go func() {
		v, err := fn(cctx)
		ch <- outcome[T]{v, err}
	}()
	select {
	case o := <-ch:
		return o.v, o.err
	case <-cctx.Done():
		var zero T
		return zero, ErrProbeTimeout
	}
}

// Probe runs the firmware, GPU, CPU and network probes concurrently. A probe
// that fails or times out leaves its field at the unknown value.
func (p *Prober) Probe(ctx context.Context, ov Overrides) (Report, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var r Report
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if ov.Firmware != plan.FirmwareUnknown {
			r.Firmware = ov.Firmware
			return nil
		}
		fw, err := bounded(gctx, timeout, func(context.Context) (plan.FirmwareMode, error) {
			return p.firmware(), nil
		})
		if err != nil {
			p.Log.Warn().Err(err).Msg("firmware probe")
		}
		r.Firmware = fw
		return nil
	})

	g.Go(func() error {
		if len(ov.GPUs) > 0 {
			r.GPUs = append([]plan.GPUVendor(nil), ov.GPUs...)
			r.GPUOverridden = true
			return nil
		}
		gpus, err := bounded(gctx, timeout, p.gpus)
		if err != nil {
			p.Log.Warn().Err(err).Msg("gpu probe")
			r.GPUProbeFailed = true
		}
		r.GPUs = gpus
		return nil
	})

	g.Go(func() error {
		vendor, err := bounded(gctx, timeout, p.cpuVendor)
		if err != nil {
			p.Log.Warn().Err(err).Msg("cpu probe")
			return nil
		}
		r.CPUVendor = vendor
		r.Microcode = MicrocodeFor(vendor)
		return nil
	})

	g.Go(func() error {
		r.Network = Unknown
		if p.Net == nil {
			return nil
		}
		ok, err := bounded(gctx, timeout, func(ctx context.Context) (bool, error) { return p.Net.Ready(ctx), nil })
		switch {
		case err != nil:
			p.Log.Warn().Err(err).Msg("network probe")
		case ok:
			r.Network = Reachable
		default:
			r.Network = Unreachable
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return r, err
	}
	p.Log.Info().
		Str("firmware", string(r.Firmware)).
		Interface("gpus", r.GPUs).
		Bool("gpu_override", r.GPUOverridden).
		Str("microcode", r.Microcode).
		Str("network", string(r.Network)).
		Msg("hardware probed")
	return r, ctx.Err()
}

func (p *Prober) path(rel string) string { return filepath.Join(p.SysRoot, rel) }

func (p *Prober) firmware() plan.FirmwareMode {
	if st, err := os.Stat(p.path("sys/firmware/efi")); err == nil && st.IsDir() {
		return plan.FirmwareUEFI
	}
	return plan.FirmwareBIOS
}

func (p *Prober) gpus(ctx context.Context) ([]plan.GPUVendor, error) {
	seen := map[plan.GPUVendor]bool{}
	cards, _ := filepath.Glob(p.path("sys/class/drm/card*/device/vendor"))
	for _, f := range cards {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		if v, ok := VendorFromID(string(data)); ok {
			seen[v] = true
		}
	}
	if len(seen) > 0 {
		return plan.SortedGPUs(seen), nil
	}
	out, err := shell.Output(ctx, p.Runner, shell.Command("lspci", "-nn"))
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if !isGPULine(line) {
			continue
		}
		if v, ok := VendorFromID(lspciVendor(line)); ok {
			seen[v] = true
		}
	}
	return plan.SortedGPUs(seen), nil
}

func (p *Prober) cpuVendor(ctx context.Context) (string, error) {
	infos, err := p.CPUInfo(ctx)
	if err != nil {
		return "", err
	}
	for _, i := range infos {
		if i.VendorID != "" {
			return i.VendorID, nil
		}
	}
	return "", nil
}

// VendorFromID maps a PCI vendor id such as "0x10de" to a GPU vendor.
func VendorFromID(id string) (plan.GPUVendor, bool) {
	id = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(id), "0x"))
	switch id {
	case "1002":
		return plan.GPUAMD, true
	case "8086":
		return plan.GPUIntel, true
	case "10de":
		return plan.GPUNvidia, true
	}
	return "", false
}

func isGPULine(line string) bool {
	return strings.Contains(line, "VGA compatible controller") ||
		strings.Contains(line, "3D controller") ||
		strings.Contains(line, "Display controller")
}

// lspciVendor extracts the vendor half of the first [vvvv:dddd] pair.
func lspciVendor(line string) string {
	parts := strings.Split(line, "[")
	for _, part := range parts[1:] {
		cand, _, _ := strings.Cut(part, ":")
		if len(cand) == 4 && isHex(cand) {
			return strings.ToLower(cand)
		}
	}
	return ""
}

func isHex(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func MicrocodeFor(vendorID string) string {
	switch vendorID {
	case "GenuineIntel":
		return "intel-ucode"
	case "AuthenticAMD":
		return "amd-ucode"
	}
	return ""
}
