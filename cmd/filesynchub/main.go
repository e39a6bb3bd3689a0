package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/filesynchub/filesynchub/internal/backend"
	"github.com/filesynchub/filesynchub/internal/config"
	"github.com/filesynchub/filesynchub/internal/fsutil"
	"github.com/filesynchub/filesynchub/internal/logging"
	"github.com/filesynchub/filesynchub/internal/sync"
	"github.com/filesynchub/filesynchub/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	defaultDataDir = filepath.Join(home, ".filesynchub")
	configFileName = "config"
)

var rootCmd = &cobra.Command{
	Use:     "filesynchub",
	Short:   "Bidirectional file synchronization daemon",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg config.Config
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("config unmarshal '%s': %w", viper.ConfigFileUsed(), err)
		}
		cfg.ApplyDefaults()
		if err := resolvePaths(&cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true

		closer, err := logging.Setup(logLevel(cmd), filepath.Join(cfg.DataDir, "logs", "filesynchub.log"))
		if err != nil {
			return err
		}
		defer closer.Close()

		slog.Info(version.ShortWithApp(), "config", viper.ConfigFileUsed())

		var backends []backend.RemoteBackend
		for _, bcfg := range cfg.Backends {
			if !bcfg.Enabled {
				slog.Info("backend disabled", "name", bcfg.Name)
				continue
			}
			b, err := backend.FromConfig(bcfg, cfg.PollInterval)
			if err != nil {
				return fmt.Errorf("backend %s: %w", bcfg.Name, err)
			}
			backends = append(backends, b)
		}
		if len(backends) == 0 {
			return fmt.Errorf("no enabled backends in config")
		}

		svc, err := sync.NewService(&cfg, backends...)
		if err != nil {
			if errors.Is(err, sync.ErrAlreadyRunning) {
				return fmt.Errorf("%w (data dir %s)", err, cfg.DataDir)
			}
			return err
		}

		defer slog.Info("Bye!")
		return svc.Run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("datadir", "d", defaultDataDir, "State directory (cache, backups, logs, lock)")
	rootCmd.Flags().StringP("verbosity", "v", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file path")
}

func main() {
	// minimal terminal-only logging until the config names the log file
	if _, err := logging.Setup(slog.LevelInfo, ""); err != nil {
		fmt.Fprintf(os.Stderr, "logging setup: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".filesynchub"))
		viper.AddConfigPath(filepath.Join(home, ".config/filesynchub"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))

	viper.SetEnvPrefix("FILESYNCHUB")
	viper.AutomaticEnv()

	return nil
}

// resolvePaths expands `~` and relative segments in configured paths so
// validation and the mapping roots work on canonical absolute paths.
func resolvePaths(cfg *config.Config) error {
	dataDir, err := fsutil.ResolvePath(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("data_dir: %w", err)
	}
	cfg.DataDir = dataDir

	for i := range cfg.Backends {
		for j, m := range cfg.Backends[i].Mappings {
			localPath, err := fsutil.ResolvePath(m.LocalPath)
			if err != nil {
				return fmt.Errorf("backend %s local_path: %w", cfg.Backends[i].Name, err)
			}
			cfg.Backends[i].Mappings[j].LocalPath = localPath
		}
	}
	return nil
}

func logLevel(cmd *cobra.Command) slog.Level {
	verbosity, _ := cmd.Flags().GetString("verbosity")
	var level slog.Level
	if err := level.UnmarshalText([]byte(verbosity)); err != nil {
		return slog.LevelInfo
	}
	return level
}
