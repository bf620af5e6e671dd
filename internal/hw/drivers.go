package hw

import (
	"github.com/nebulalinux/nebula-installer/internal/plan"
)

var driverSets = map[plan.GPUVendor][]string{
	plan.GPUAMD:   {"mesa", "vulkan-radeon", "xf86-video-amdgpu", "xf86-video-ati"},
	plan.GPUIntel: {"intel-media-driver", "libva-intel-driver", "mesa", "vulkan-intel"},
}

var nvidiaSets = map[plan.NvidiaVariant][]string{
	plan.NvidiaOpen:        {"dkms", "libva-nvidia-driver", "nvidia-open-dkms"},
	plan.NvidiaProprietary: {"dkms", "libva-nvidia-driver", "nvidia-dkms"},
	plan.NvidiaNouveau:     {"mesa", "vulkan-nouveau", "xf86-video-nouveau"},
}

// DriverPackages returns the graphics packages for the vendor set. NVIDIA
// hardware without a chosen variant gets no driver.
func DriverPackages(gpus []plan.GPUVendor, variant plan.NvidiaVariant) []string {
	var pkgs []string
	for _, v := range []plan.GPUVendor{plan.GPUAMD, plan.GPUIntel} {
		if has(gpus, v) {
			pkgs = append(pkgs, driverSets[v]...)
		}
	}
	if has(gpus, plan.GPUNvidia) {
		pkgs = append(pkgs, nvidiaSets[variant]...)
	}
	return plan.Dedup(pkgs)
}

// NeedsHeaders reports whether an out-of-tree kernel module is built.
func NeedsHeaders(pkgs []string) bool {
	for _, p := range pkgs {
		if p == "nvidia-dkms" || p == "nvidia-open-dkms" {
			return true
		}
	}
	return false
}

// Apply records the probe results and the derived driver packages.
func (r Report) Apply(p *plan.Plan, variant plan.NvidiaVariant) {
	p.Firmware = r.Firmware
	p.GPUs = append([]plan.GPUVendor(nil), r.GPUs...)
	p.GPUProbeFailed = r.GPUProbeFailed
	p.Nvidia = plan.NvidiaNone
	if has(r.GPUs, plan.GPUNvidia) {
		p.Nvidia = variant
	}
	p.DriverPackages = DriverPackages(r.GPUs, p.Nvidia)
	p.Microcode = r.Microcode
}

func has(gpus []plan.GPUVendor, v plan.GPUVendor) bool {
	for _, g := range gpus {
		if g == v {
			return true
		}
	}
	return false
}
