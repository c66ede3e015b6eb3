package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Radar/internal/log"
	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/radar on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	// scan command flags
	flagPorts       string
	flagTimeout     time.Duration
	flagConcurrency int
	flagRetries     int
	flagFormat      string
	flagCommit      bool
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "radar")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is radar.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	scanCmd.Flags().StringVar(&flagPorts, "ports", "", `port list of port scanners, like "22,80,8000-8100"`)
	scanCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "per target timeout")
	scanCmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "maximum of targets scanned at once")
	scanCmd.Flags().IntVar(&flagRetries, "retries", -1, "retries of a failed target")
	scanCmd.Flags().StringVar(&flagFormat, "format", "", "output format: json or table")
	scanCmd.Flags().BoolVar(&flagCommit, "commit", false, "persist discovered resources")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initRadar
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(scannersCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("radar failed", "err", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "radar",
	Short:        "Network scanner discovering hosts and open ports",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command reads the configuration and executes configured scans",
	RunE:  doRun,
}

var scanCmd = &cobra.Command{
	Use:   "scan <scanner> <targets...>",
	Short: "scan runs a single scanner against targets",
	Args:  cobra.MinimumNArgs(2),
	RunE:  doScan,
}

var scannersCmd = &cobra.Command{
	Use:   "scanners",
	Short: "scanners lists registered scanners",
	RunE:  doScanners,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a radar",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("radar: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("radar:  %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("radar",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))
	return execute(ctx, config)
}

func doScan(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("radar",
		slog.String("cmd", "scan"),
		slog.Int("pid", os.Getpid()),
	))

	cfg := config
	sc := model.ScanConfig{
		Scanner: args[0],
		Targets: args[1:],
		Ports:   flagPorts,
	}
	exec := cfg.Executor
	if flagTimeout > 0 {
		exec.PerTargetTimeout = flagTimeout
	}
	if flagConcurrency > 0 {
		exec.MaxConcurrency = flagConcurrency
	}
	if flagRetries >= 0 {
		exec.RetryCount = flagRetries
	}
	sc.Executor = &exec
	cfg.Scans = []model.ScanConfig{sc}
	if flagFormat != "" {
		cfg.Service.Format = flagFormat
	}
	if cmd.Flags().Changed("commit") {
		cfg.Pipeline.Commit = flagCommit
	}
	return execute(ctx, cfg)
}

func doScanners(cmd *cobra.Command, _ []string) error {
	svc, err := service.New(cmd.Context(), config)
	if err != nil {
		return err
	}
	defer func() {
		_ = svc.Close(context.WithoutCancel(cmd.Context()))
	}()

	data := pterm.TableData{{"Name", "Kind", "Description"}}
	for _, def := range svc.Registry().List() {
		data = append(data, []string{def.Name, string(def.Kind), def.Description})
	}
	return pterm.DefaultTable.
		WithHasHeader(true).
		WithBoxed(false).
		WithData(data).
		Render()
}

func execute(ctx context.Context, cfg model.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if addr := cfg.Service.MetricsAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening for metrics on %s: %w", addr, err)
		}
		go func() {
			if err := service.ServeMetrics(ctx, ln); err != nil {
				slog.ErrorContext(ctx, "metrics server failed", "error", err)
			}
		}()
	}

	svc, err := service.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := svc.Close(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "closing service has failed", "error", err)
		}
	}()

	out, closeOut, err := service.Output(cfg.Service.Output)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeOut(); err != nil {
			slog.ErrorContext(ctx, "closing report has failed", "error", err)
		}
	}()

	return svc.Do(ctx, out)
}

func initRadar(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("RADARCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "radar.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "radar.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
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
			for _, line := range strings.Split(err.Error(), "\n") {
				slog.Error(line)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	w, closeFn, err := log.Output(config.Service.Log)
	if err != nil {
		return err
	}
	closeLog = closeFn
	slog.SetDefault(log.NewWriter(w, config.Service.Verbose))

	slog.Debug("radar run", "configPath", configPath)
	slog.Debug("radar run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
