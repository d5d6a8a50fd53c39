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

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/syncbox/syncbox/internal/utils"
	"github.com/syncbox/syncbox/internal/version"
)

var (
	home, _          = os.UserHomeDir()
	defaultDataDir   = filepath.Join(home, "SyncBox")
	defaultServerURL = "wss://sync.syncbox.dev"
	defaultConfig    = filepath.Join(home, ".syncbox", "config.json")
	defaultLogFile   = filepath.Join(home, ".syncbox", "logs", "syncbox.log")
	configFileName   = "config"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:     "syncbox",
	Short:   "SyncBox keeps a local directory in sync with a remote server",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &runConfig{
			DataDir:   viper.GetString("data_dir"),
			ServerURL: viper.GetString("server_url"),
			Token:     viper.GetString("token"),
			Manual:    viper.GetBool("manual"),
			Interval:  viper.GetDuration("interval"),
			Binary:    viper.GetBool("binary"),
		}
		if err := cfg.validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		showHeader()

		defer slog.Info("Bye!")
		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("datadir", "d", defaultDataDir, "Synchronized data directory")
	rootCmd.Flags().StringP("server", "s", defaultServerURL, "Sync server URL")
	rootCmd.Flags().StringP("token", "t", "", "Session token (fetched from the server when empty)")
	rootCmd.Flags().BoolP("manual", "m", false, "Disable auto-sync; sync only on demand")
	rootCmd.Flags().Duration("interval", 0, "Auto-sync interval (default 60s)")
	rootCmd.Flags().Bool("binary", false, "Use the binary wire encoding")
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfig, "Config file")
}

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	rotator := &lumberjack.Logger{
		Filename:   defaultLogFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	fileHandler := slog.NewTextHandler(rotator, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	logger := slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler))
	slog.SetDefault(logger)
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".syncbox"))
		viper.AddConfigPath(filepath.Join(home, ".config/syncbox"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("server_url", cmd.Flags().Lookup("server"))
	viper.BindPFlag("token", cmd.Flags().Lookup("token"))
	viper.BindPFlag("manual", cmd.Flags().Lookup("manual"))
	viper.BindPFlag("interval", cmd.Flags().Lookup("interval"))
	viper.BindPFlag("binary", cmd.Flags().Lookup("binary"))

	viper.SetEnvPrefix("SYNCBOX")
	viper.AutomaticEnv()

	return nil
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).Printf("SyncBox %s\n", version.Short())
}
