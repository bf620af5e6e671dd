package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nebulalinux/nebula-installer/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nebula-installer",
		Short: "Nebula Linux guided installer",
		Long: `nebula-installer erases the selected disk and installs Nebula Linux on it:
GPT partitions, optional LUKS2 encryption, btrfs subvolumes, GRUB and the
selected desktop packages from an offline repository or the network.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().String("config", "", "installer YAML config (env NEBULA_CONFIG)")
	rootCmd.PersistentFlags().String("log", "", "log level (env NEBULA_LOG)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "also log to stderr")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log", rootCmd.PersistentFlags().Lookup("log"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.SetEnvPrefix("NEBULA")
	_ = viper.BindEnv("config")
	_ = viper.BindEnv("log")

	rootCmd.AddCommand(newVersionCmd(), newPlanCmd(), newCatalogCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config or NEBULA_CONFIG. The
// --log flag wins over both file and environment.
func loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return cfg, err
	}
	if lvl := viper.GetString("log"); lvl != "" {
		if l, perr := zerolog.ParseLevel(lvl); perr == nil {
			cfg.LogLevel = l
		}
	}
	return cfg, nil
}

// newLogger logs to cfg.LogFile, which is later copied into the target.
func newLogger(cfg config.Config) (zerolog.Logger, io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	var w io.Writer = f
	if viper.GetBool("verbose") {
		w = zerolog.MultiLevelWriter(f, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	log := zerolog.New(w).Level(cfg.LogLevel).With().Timestamp().Str("version", version).Logger()
	return log, f, nil
}
