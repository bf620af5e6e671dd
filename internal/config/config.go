package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nebulalinux/nebula-installer/internal/catalog"
	"github.com/nebulalinux/nebula-installer/internal/fsatomic"
	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/internal/sources"
)

const (
	DefaultLogFile = "/tmp/nebula-installer.log"
	DefaultPath    = "/etc/nebula/installer.yaml"
)

// Install holds answers that can be preseeded instead of prompted.
type Install struct {
	Disk     string             `yaml:"disk"`
	Hostname string             `yaml:"hostname"`
	Username string             `yaml:"username"`
	Timezone string             `yaml:"timezone"`
	Locale   string             `yaml:"locale"`
	Keymap   string             `yaml:"keymap"`
	Encrypt  *bool              `yaml:"encrypt"`
	Swap     *bool              `yaml:"swap"`
	Nvidia   plan.NvidiaVariant `yaml:"nvidia"`
	Apps     catalog.Selection  `yaml:"apps"`
}

type Config struct {
	LogLevel zerolog.Level
	LogFile  string

	Network         plan.NetworkPolicy
	OfflineOnly     bool
	SkipOfflineRepo bool
	OfflineRepo     string
	Mirror          string
	Mirrorlist      string

	GPUs         []plan.GPUVendor
	Firmware     plan.FirmwareMode
	AllowNonRoot bool

	// MetricsFile is a node_exporter textfile written when the run ends.
	MetricsFile string

	Install Install
}

type fileConfig struct {
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Network struct {
		Policy string `yaml:"policy"`
	} `yaml:"network"`
	Sources struct {
		OfflineOnly bool   `yaml:"offlineOnly"`
		SkipOffline bool   `yaml:"skipOffline"`
		OfflineRepo string `yaml:"offlineRepo"`
		Mirror      string `yaml:"mirror"`
		Mirrorlist  string `yaml:"mirrorlist"`
	} `yaml:"sources"`
	Hardware struct {
		GPU      string `yaml:"gpu"`
		Firmware string `yaml:"firmware"`
	} `yaml:"hardware"`
	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
	Install Install `yaml:"install"`
}

func defaults() Config {
	return Config{
		LogLevel:    zerolog.InfoLevel,
		LogFile:     DefaultLogFile,
		Network:     plan.NetworkAttempt,
		OfflineRepo: sources.DefaultOfflineRepo,
	}
}

// FromEnv loads NEBULA_CONFIG (or the default path when present) and applies
// environment overrides.
func FromEnv() (Config, error) {
	path := os.Getenv("NEBULA_CONFIG")
	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	return Load(path)
}

// Load reads the YAML file at path, if any, then applies NEBULA_* environment
// overrides. Environment values win over the file.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	var fc fileConfig
	found, err := fsatomic.LoadYAML(path, &fc)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if !found {
		if path == DefaultPath {
			return nil
		}
		return fmt.Errorf("%w: %s", os.ErrNotExist, path)
	}
	if fc.Logging.Level != "" {
		if l, err := zerolog.ParseLevel(fc.Logging.Level); err == nil {
			c.LogLevel = l
		}
	}
	if fc.Logging.File != "" {
		c.LogFile = fc.Logging.File
	}
	if fc.Network.Policy != "" {
		p, err := plan.ParseNetworkPolicy(fc.Network.Policy)
		if err != nil {
			return err
		}
		c.Network = p
	}
	c.OfflineOnly = fc.Sources.OfflineOnly
	c.SkipOfflineRepo = fc.Sources.SkipOffline
	if fc.Sources.OfflineRepo != "" {
		c.OfflineRepo = fc.Sources.OfflineRepo
	}
	c.Mirror = fc.Sources.Mirror
	c.Mirrorlist = fc.Sources.Mirrorlist
	if fc.Hardware.GPU != "" {
		c.GPUs = plan.ParseGPUList(fc.Hardware.GPU)
	}
	if fc.Hardware.Firmware != "" {
		fw, err := plan.ParseFirmware(fc.Hardware.Firmware)
		if err != nil {
			return err
		}
		c.Firmware = fw
	}
	c.MetricsFile = fc.Metrics.Textfile
	c.Install = fc.Install
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("NEBULA_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			c.LogLevel = l
		}
	}
	if v := os.Getenv("NEBULA_LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if flag("NEBULA_SKIP_NETWORK") {
		c.Network = plan.NetworkSkip
	}
	if b, ok := boolEnv("NEBULA_OFFLINE_ONLY"); ok {
		c.OfflineOnly = b
	}
	if b, ok := boolEnv("NEBULA_SKIP_OFFLINE_REPO"); ok {
		c.SkipOfflineRepo = b
	}
	if b, ok := boolEnv("NEBULA_DEV_ALLOW_NONROOT"); ok {
		c.AllowNonRoot = b
	}
	if v := os.Getenv("NEBULA_OFFLINE_REPO"); v != "" {
		c.OfflineRepo = v
	}
	if v, ok := os.LookupEnv("NEBULA_PACMAN_MIRROR"); ok {
		c.Mirror = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("NEBULA_PACMAN_MIRRORLIST"); ok {
		c.Mirrorlist = v
	}
	// an override with no known vendor leaves detection in charge
	if v := os.Getenv("NEBULA_DEV_GPU"); strings.TrimSpace(v) != "" {
		if gpus := plan.ParseGPUList(v); len(gpus) > 0 {
			c.GPUs = gpus
		}
	}
	if v := os.Getenv("NEBULA_FIRMWARE"); v != "" {
		fw, err := plan.ParseFirmware(v)
		if err != nil {
			return err
		}
		c.Firmware = fw
	}
	if c.OfflineOnly {
		c.Network = plan.NetworkSkip
	}
	return nil
}

func flag(key string) bool {
	b, _ := boolEnv(key)
	return b
}

func boolEnv(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// SourceRequest builds the package source request for the resolver.
func (c Config) SourceRequest() sources.Request {
	return sources.Request{
		Policy:      c.Network,
		OfflineOnly: c.OfflineOnly,
		SkipOffline: c.SkipOfflineRepo,
		OfflineRepo: c.OfflineRepo,
		FallbackKey: sources.DefaultFallbackKey,
		MirrorURL:   c.Mirror,
		Mirrorlist:  c.Mirrorlist,
	}
}
