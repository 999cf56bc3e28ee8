package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/deskflow/deskhost/internal/log"
	"github.com/deskflow/deskhost/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	userConfigPath string // /default/config/path/deskhost on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "deskhost")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is deskhost.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	rootCmd.PersistentFlags().Int("bridge-port", 0, "preferred bridge port, overrides the config file")
	rootCmd.PersistentFlags().String("data-dir", "", "data folder, overrides the config file")

	// DESKHOST_VERBOSE, DESKHOST_BRIDGE_PORT and DESKHOST_DATA_DIR work too
	viper.SetEnvPrefix("DESKHOST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"verbose", "bridge-port", "data-dir"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initDeskhost

	executeCmd.Flags().StringArray("input", nil, "text input as nodeId=value, repeatable")
	executeCmd.Flags().StringArray("file", nil, "file input as nodeId=path, repeatable")
	executeCmd.Flags().Duration("timeout", 0, "poll timeout, defaults to the configured one")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("deskhost failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "deskhost",
	Short:        "Desktop host running a local workflow engine and its helper services",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the bridge and all configured services until interrupted",
	RunE:  doRun,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <workflowId>",
	Short: "analyze lists desktop input and output nodes of a workflow on a running engine",
	Args:  cobra.ExactArgs(1),
	RunE:  doAnalyze,
}

var executeCmd = &cobra.Command{
	Use:   "execute <workflowId>",
	Short: "execute starts the host, runs a workflow with given inputs and prints its result",
	Args:  cobra.ExactArgs(1),
	RunE:  doExecute,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a deskhost",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("deskhost: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("deskhost: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initDeskhost(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("DESKHOSTCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "deskhost.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, "deskhost.yaml")
		if err := writeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, issue := range model.ConfigIssues(err) {
				slog.Error("invalid configuration", "issue", issue)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// flags and environment have a precedence over config file
	applyOverrides(viper.GetViper(), &config)

	slog.SetDefault(log.New(config.Verbose))

	slog.Debug("deskhost run", "configPath", configPath)
	slog.Debug("deskhost run", "config", config)
	return nil
}

func applyOverrides(v *viper.Viper, cfg *model.Config) {
	if v.GetBool("verbose") {
		cfg.Verbose = true
	}
	if port := v.GetInt("bridge-port"); port > 0 {
		cfg.Bridge.Port = port
	}
	if dir := v.GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
}

func writeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
