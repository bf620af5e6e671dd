package hw

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/pkg/shell/shelltest"
)

type staticNet bool

func (s staticNet) Ready(context.Context) bool { return bool(s) }

type slowNet struct{}

func (slowNet) Ready(context.Context) bool {
	time.Sleep(time.Second)
	return true
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newProber(t *testing.T, f *shelltest.Fake, net Connectivity, vendor string) *Prober {
	p := NewProber(f, zerolog.Nop(), net)
	p.SysRoot = t.TempDir()
	p.Timeout = 200 * time.Millisecond
	p.CPUInfo = func(context.Context) ([]cpu.InfoStat, error) {
		return []cpu.InfoStat{{VendorID: vendor}}, nil
	}
	return p
}

func TestProbeSysfs(t *testing.T) {
	f := shelltest.New()
	p := newProber(t, f, staticNet(true), "AuthenticAMD")
	require.NoError(t, os.MkdirAll(filepath.Join(p.SysRoot, "sys/firmware/efi"), 0o755))
	writeFile(t, filepath.Join(p.SysRoot, "sys/class/drm/card0/device/vendor"), "0x10de\n")
	writeFile(t, filepath.Join(p.SysRoot, "sys/class/drm/card1/device/vendor"), "0x8086\n")

	r, err := p.Probe(context.Background(), Overrides{})
	require.NoError(t, err)
	assert.Equal(t, plan.FirmwareUEFI, r.Firmware)
	assert.Equal(t, []plan.GPUVendor{plan.GPUIntel, plan.GPUNvidia}, r.GPUs)
	assert.False(t, r.GPUProbeFailed)
	assert.Equal(t, "amd-ucode", r.Microcode)
	assert.Equal(t, Reachable, r.Network)
	assert.Equal(t, -1, f.Index("lspci"))
}

func TestProbeLspciFallback(t *testing.T) {
	f := shelltest.New().On("lspci -nn", "00:02.0 VGA compatible controller [0300]: Intel Corporation UHD [8086:9bc4]\n"+
		"01:00.0 3D controller [0302]: NVIDIA Corporation TU117M [10de:1f9d] (rev a1)\n"+
		"00:1f.3 Audio device [0403]: Intel Corporation [8086:02c8]\n", nil)
	p := newProber(t, f, staticNet(false), "GenuineIntel")

	r, err := p.Probe(context.Background(), Overrides{})
	require.NoError(t, err)
	assert.Equal(t, plan.FirmwareBIOS, r.Firmware)
	assert.Equal(t, []plan.GPUVendor{plan.GPUIntel, plan.GPUNvidia}, r.GPUs)
	assert.Equal(t, "intel-ucode", r.Microcode)
	assert.Equal(t, Unreachable, r.Network)
}

func TestOverridesWin(t *testing.T) {
	f := shelltest.New().On("lspci", "", errors.New("no lspci"))
	p := newProber(t, f, nil, "")
	r, err := p.Probe(context.Background(), Overrides{GPUs: []plan.GPUVendor{plan.GPUAMD}, Firmware: plan.FirmwareBIOS})
	require.NoError(t, err)
	assert.Equal(t, []plan.GPUVendor{plan.GPUAMD}, r.GPUs)
	assert.True(t, r.GPUOverridden)
	assert.False(t, r.GPUProbeFailed)
	assert.Equal(t, plan.FirmwareBIOS, r.Firmware)
	assert.Equal(t, Unknown, r.Network)
	assert.Empty(t, f.Calls)
}

func TestFailedAndSlowProbesAreUnknown(t *testing.T) {
	f := shelltest.New().On("lspci", "", errors.New("no lspci"))
	p := newProber(t, f, slowNet{}, "")
	p.CPUInfo = func(context.Context) ([]cpu.InfoStat, error) { return nil, errors.New("no cpuinfo") }

	r, err := p.Probe(context.Background(), Overrides{})
	require.NoError(t, err)
	assert.True(t, r.GPUProbeFailed)
	assert.Empty(t, r.GPUs)
	assert.Empty(t, r.Microcode)
	assert.Equal(t, Unknown, r.Network)
}

func TestDriverPackages(t *testing.T) {
	all := []plan.GPUVendor{plan.GPUAMD, plan.GPUIntel, plan.GPUNvidia}
	pkgs := DriverPackages(all, plan.NvidiaOpen)
	assert.Equal(t, []string{
		"mesa", "vulkan-radeon", "xf86-video-amdgpu", "xf86-video-ati",
		"intel-media-driver", "libva-intel-driver", "vulkan-intel",
		"dkms", "libva-nvidia-driver", "nvidia-open-dkms",
	}, pkgs)
	assert.True(t, NeedsHeaders(pkgs))

	assert.Empty(t, DriverPackages([]plan.GPUVendor{plan.GPUNvidia}, plan.NvidiaNone))
	assert.False(t, NeedsHeaders(DriverPackages([]plan.GPUVendor{plan.GPUNvidia}, plan.NvidiaNouveau)))
}

func TestReportApply(t *testing.T) {
	p := plan.New("run")
	Report{Firmware: plan.FirmwareUEFI, GPUs: []plan.GPUVendor{plan.GPUIntel}, Microcode: "intel-ucode"}.Apply(p, plan.NvidiaProprietary)
	assert.Equal(t, plan.NvidiaNone, p.Nvidia)
	assert.Equal(t, []string{"intel-media-driver", "libva-intel-driver", "mesa", "vulkan-intel"}, p.DriverPackages)
	assert.Equal(t, "intel-ucode", p.Microcode)
}

func TestVendorFromID(t *testing.T) {
	v, ok := VendorFromID("0x1002\n")
	assert.True(t, ok)
	assert.Equal(t, plan.GPUAMD, v)
	_, ok = VendorFromID("0x1af4")
	assert.False(t, ok)
	assert.Equal(t, "10de", lspciVendor("01:00.0 3D controller [0302]: NVIDIA [10DE:1f9d]"))
}
