// Package plan holds the Install Plan: the single record of decisions threaded
// through every installation step.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type FirmwareMode string

const (
	FirmwareUnknown FirmwareMode = ""
	FirmwareUEFI    FirmwareMode = "uefi"
	FirmwareBIOS    FirmwareMode = "bios"
)

func ParseFirmware(s string) (FirmwareMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uefi", "efi":
		return FirmwareUEFI, nil
	case "bios", "legacy":
		return FirmwareBIOS, nil
	case "":
		return FirmwareUnknown, nil
	}
	return FirmwareUnknown, fmt.Errorf("unknown firmware mode %q", s)
}

type NetworkPolicy int

const (
	NetworkAttempt NetworkPolicy = iota
	NetworkSkip
	NetworkRequired
)

func (p NetworkPolicy) String() string {
	switch p {
	case NetworkSkip:
		return "skip"
	case NetworkRequired:
		return "required"
	default:
		return "attempt"
	}
}

func (p NetworkPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func ParseNetworkPolicy(s string) (NetworkPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "attempt":
		return NetworkAttempt, nil
	case "skip":
		return NetworkSkip, nil
	case "required":
		return NetworkRequired, nil
	}
	return NetworkAttempt, fmt.Errorf("unknown network policy %q", s)
}

type GPUVendor string

const (
	GPUAMD    GPUVendor = "amd"
	GPUIntel  GPUVendor = "intel"
	GPUNvidia GPUVendor = "nvidia"
)

// ParseGPUList parses a comma separated vendor list. Unknown tags are dropped.
func ParseGPUList(s string) []GPUVendor {
	seen := map[GPUVendor]bool{}
	for _, part := range strings.Split(s, ",") {
		v := GPUVendor(strings.ToLower(strings.TrimSpace(part)))
		switch v {
		case GPUAMD, GPUIntel, GPUNvidia:
			seen[v] = true
		}
	}
	return SortedGPUs(seen)
}

func SortedGPUs(set map[GPUVendor]bool) []GPUVendor {
	out := make([]GPUVendor, 0, len(set))
	for v, ok := range set {
		if ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type NvidiaVariant string

const (
	NvidiaNone        NvidiaVariant = ""
	NvidiaOpen        NvidiaVariant = "open"
	NvidiaProprietary NvidiaVariant = "proprietary"
	NvidiaNouveau     NvidiaVariant = "nouveau"
)

type PartitionRole string

const (
	RoleBoot PartitionRole = "boot"
	RoleRoot PartitionRole = "root"
)

type Partition struct {
	Role     PartitionRole `json:"role" yaml:"role"`
	Name     string        `json:"name" yaml:"name"`
	StartMiB uint64        `json:"startMiB" yaml:"startMiB"`
	SizeMiB  uint64        `json:"sizeMiB" yaml:"sizeMiB"`
	FSType   string        `json:"fsType" yaml:"fsType"`
	Flags    []string      `json:"flags,omitempty" yaml:"flags,omitempty"`
	Device   string        `json:"device,omitempty" yaml:"device,omitempty"`
}

func (p Partition) EndMiB() uint64 { return p.StartMiB + p.SizeMiB }

type Layout []Partition

func (l Layout) Clone() Layout {
	if l == nil {
		return nil
	}
	out := make(Layout, len(l))
	for i, p := range l {
		p.Flags = append([]string(nil), p.Flags...)
		out[i] = p
	}
	return out
}

func (l Layout) Find(role PartitionRole) (Partition, bool) {
	for _, p := range l {
		if p.Role == role {
			return p, true
		}
	}
	return Partition{}, false
}

type Subvolume struct {
	Name       string `json:"name" yaml:"name"`
	Mountpoint string `json:"mountpoint" yaml:"mountpoint"`
}

// DefaultSubvolumes is the layout created on every install.
func DefaultSubvolumes() []Subvolume {
	return []Subvolume{
		{Name: "@", Mountpoint: "/"},
		{Name: "@home", Mountpoint: "/home"},
		{Name: "@log", Mountpoint: "/var/log"},
		{Name: "@pkg", Mountpoint: "/var/cache/pacman/pkg"},
		{Name: "@snapshots", Mountpoint: "/.snapshots"},
	}
}

type SourceKind string

const (
	SourceOffline SourceKind = "offline"
	SourceOnline  SourceKind = "online"
)

type MirrorOrigin string

const (
	OriginMirrorlist MirrorOrigin = "mirrorlist-override"
	OriginMirrorURL  MirrorOrigin = "mirror-url"
	OriginDefault    MirrorOrigin = "default"
)

// Source is a package source. Offline sources use Path and KeyPath; Online
// sources carry either a mirror base URL or full mirrorlist content.
type Source struct {
	Kind       SourceKind   `json:"kind" yaml:"kind"`
	Path       string       `json:"path,omitempty" yaml:"path,omitempty"`
	KeyPath    string       `json:"keyPath,omitempty" yaml:"keyPath,omitempty"`
	Verified   bool         `json:"verified,omitempty" yaml:"verified,omitempty"`
	MirrorURL  string       `json:"mirrorUrl,omitempty" yaml:"mirrorUrl,omitempty"`
	Mirrorlist string       `json:"mirrorlist,omitempty" yaml:"mirrorlist,omitempty"`
	Origin     MirrorOrigin `json:"origin,omitempty" yaml:"origin,omitempty"`
}

func Offline(path, keyPath string) Source {
	return Source{Kind: SourceOffline, Path: path, KeyPath: keyPath, Verified: keyPath != ""}
}

func OnlineMirrorlist(content string, origin MirrorOrigin) Source {
	return Source{Kind: SourceOnline, Mirrorlist: content, Origin: origin}
}

func OnlineMirror(url string) Source {
	return Source{Kind: SourceOnline, MirrorURL: url, Origin: OriginMirrorURL}
}

// CryptDevice is the handle recorded after the encrypted container is opened.
type CryptDevice struct {
	Name    string `json:"name" yaml:"name"`
	Path    string `json:"path" yaml:"path"`
	Backing string `json:"backing" yaml:"backing"`
}

var (
	ErrLayoutFinalized = errors.New("partition layout already finalized")
	ErrEmptyLayout     = errors.New("partition layout is empty")
)

// Plan is owned by the orchestrator and handed to steps by pointer. It is
// never accessed concurrently.
type Plan struct {
	RunID string

	Disk       string
	DiskBytes  uint64
	Rotational bool
	Firmware   FirmwareMode

	layout      Layout
	layoutFinal bool

	Encrypt    bool
	passphrase []byte
	Crypt      *CryptDevice
	RootDevice string

	Subvolumes []Subvolume
	MountRoot  string
	Mounts     []string

	Keymap       string
	Locale       string
	Timezone     string
	Hostname     string
	Username     string
	PasswordHash string

	GPUs           []GPUVendor
	GPUProbeFailed bool
	Nvidia         NvidiaVariant
	DriverPackages []string
	Microcode      string
	Kernel         string
	KernelHeaders  string

	Swap    bool
	Network NetworkPolicy
	Sources []Source

	Packages         []string
	OptionalPackages []string
	FailedPackages   []string
	DesktopSelected  bool
}

func New(runID string) *Plan {
	return &Plan{RunID: runID, Subvolumes: DefaultSubvolumes(), MountRoot: "/mnt", Kernel: "linux", KernelHeaders: "linux-headers"}
}

// Layout returns a copy of the partition layout.
func (p *Plan) Layout() Layout { return p.layout.Clone() }

func (p *Plan) LayoutFinal() bool { return p.layoutFinal }

// FinalizeLayout records the planned layout. It may be called once.
func (p *Plan) FinalizeLayout(l Layout) error {
	if p.layoutFinal {
		return ErrLayoutFinalized
	}
	if len(l) == 0 {
		return ErrEmptyLayout
	}
	p.layout = l.Clone()
	p.layoutFinal = true
	return nil
}

// AssignDevices fills in partition device paths after the table is written.
// Geometry is left untouched.
func (p *Plan) AssignDevices(devices map[PartitionRole]string) error {
	if !p.layoutFinal {
		return errors.New("partition layout not finalized")
	}
	for i := range p.layout {
		if d, ok := devices[p.layout[i].Role]; ok {
			p.layout[i].Device = d
		}
	}
	return nil
}

func (p *Plan) SetPassphrase(s string) {
	p.passphrase = []byte(s)
}

func (p *Plan) HasPassphrase() bool { return len(p.passphrase) > 0 }

// ConsumePassphrase returns the passphrase and wipes it from the plan.
func (p *Plan) ConsumePassphrase() string {
	s := string(p.passphrase)
	for i := range p.passphrase {
		p.passphrase[i] = 0
	}
	p.passphrase = nil
	return s
}

func (p *Plan) HasGPU(v GPUVendor) bool {
	for _, g := range p.GPUs {
		if g == v {
			return true
		}
	}
	return false
}

func (p *Plan) HasOnlineSource() bool {
	for _, s := range p.Sources {
		if s.Kind == SourceOnline {
			return true
		}
	}
	return false
}

func (p *Plan) OfflineSource() (Source, bool) {
	for _, s := range p.Sources {
		if s.Kind == SourceOffline {
			return s, true
		}
	}
	return Source{}, false
}

// Snapshot is the serialisable, secret-free view of a plan used for
// diagnostics.
type Snapshot struct {
	RunID            string        `json:"runId" yaml:"runId"`
	Disk             string        `json:"disk,omitempty" yaml:"disk,omitempty"`
	DiskBytes        uint64        `json:"diskBytes,omitempty" yaml:"diskBytes,omitempty"`
	Firmware         FirmwareMode  `json:"firmware,omitempty" yaml:"firmware,omitempty"`
	Layout           Layout        `json:"layout,omitempty" yaml:"layout,omitempty"`
	LayoutFinal      bool          `json:"layoutFinal" yaml:"layoutFinal"`
	Encrypt          bool          `json:"encrypt" yaml:"encrypt"`
	Crypt            *CryptDevice  `json:"crypt,omitempty" yaml:"crypt,omitempty"`
	RootDevice       string        `json:"rootDevice,omitempty" yaml:"rootDevice,omitempty"`
	Subvolumes       []Subvolume   `json:"subvolumes,omitempty" yaml:"subvolumes,omitempty"`
	MountRoot        string        `json:"mountRoot,omitempty" yaml:"mountRoot,omitempty"`
	Mounts           []string      `json:"mounts,omitempty" yaml:"mounts,omitempty"`
	Keymap           string        `json:"keymap,omitempty" yaml:"keymap,omitempty"`
	Locale           string        `json:"locale,omitempty" yaml:"locale,omitempty"`
	Timezone         string        `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Hostname         string        `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Username         string        `json:"username,omitempty" yaml:"username,omitempty"`
	GPUs             []GPUVendor   `json:"gpus,omitempty" yaml:"gpus,omitempty"`
	Nvidia           NvidiaVariant `json:"nvidia,omitempty" yaml:"nvidia,omitempty"`
	Network          string        `json:"network" yaml:"network"`
	Sources          []Source      `json:"sources,omitempty" yaml:"sources,omitempty"`
	Packages         []string      `json:"packages,omitempty" yaml:"packages,omitempty"`
	OptionalPackages []string      `json:"optionalPackages,omitempty" yaml:"optionalPackages,omitempty"`
	FailedPackages   []string      `json:"failedPackages,omitempty" yaml:"failedPackages,omitempty"`
}

// Snapshot copies the plan without the passphrase or password hash.
func (p *Plan) Snapshot() Snapshot {
	s := Snapshot{
		RunID:            p.RunID,
		Disk:             p.Disk,
		DiskBytes:        p.DiskBytes,
		Firmware:         p.Firmware,
		Layout:           p.layout.Clone(),
		LayoutFinal:      p.layoutFinal,
		Encrypt:          p.Encrypt,
		RootDevice:       p.RootDevice,
		Subvolumes:       append([]Subvolume(nil), p.Subvolumes...),
		MountRoot:        p.MountRoot,
		Mounts:           append([]string(nil), p.Mounts...),
		Keymap:           p.Keymap,
		Locale:           p.Locale,
		Timezone:         p.Timezone,
		Hostname:         p.Hostname,
		Username:         p.Username,
		GPUs:             append([]GPUVendor(nil), p.GPUs...),
		Nvidia:           p.Nvidia,
		Network:          p.Network.String(),
		Sources:          append([]Source(nil), p.Sources...),
		Packages:         append([]string(nil), p.Packages...),
		OptionalPackages: append([]string(nil), p.OptionalPackages...),
		FailedPackages:   append([]string(nil), p.FailedPackages...),
	}
	if p.Crypt != nil {
		c := *p.Crypt
		s.Crypt = &c
	}
	return s
}

// Dedup removes duplicates keeping first occurrence order.
func Dedup(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
