package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mountebank-testing/mbengine/internal/config"
	"github.com/mountebank-testing/mbengine/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("MB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := newRootCommand(v)
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "start")
	}
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mb",
		Short:         "mountebank - over the wire test doubles",
		Long:          `mountebank is a service virtualization tool that provides test doubles over the wire.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	bind := func(cmd *cobra.Command) {
		cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return config.ApplyRCFile(v, v.GetString("rcfile"))
		}
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the mountebank server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd.Context(), v)
		},
	}
	addServerFlags(startCmd.Flags())
	bind(startCmd)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the mountebank server",
		RunE: func(*cobra.Command, []string) error {
			return runStop(v)
		},
	}
	stopCmd.Flags().String("pidfile", "mb.pid", "PID file location")
	bind(stopCmd)

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the mountebank server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := runStop(v); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			return runStart(cmd.Context(), v)
		},
	}
	addServerFlags(restartCmd.Flags())
	bind(restartCmd)

	saveCmd := &cobra.Command{
		Use:   "save",
		Short: "Save current imposters to a file",
		RunE: func(*cobra.Command, []string) error {
			return runSave(newAPIClient(v), v.GetString("savefile"), v.GetBool("removeProxies"))
		},
	}
	addClientFlags(saveCmd.Flags())
	saveCmd.Flags().String("savefile", "mb.json", "File to save to (.json, .yaml or .yml)")
	saveCmd.Flags().Bool("removeProxies", false, "Drop proxy responses from the saved imposters")
	bind(saveCmd)

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Switch running imposters from recording to replaying",
		RunE: func(*cobra.Command, []string) error {
			return runReplay(newAPIClient(v))
		},
	}
	addClientFlags(replayCmd.Flags())
	bind(replayCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List running imposters",
		RunE: func(*cobra.Command, []string) error {
			return runList(newAPIClient(v), os.Stdout)
		},
	}
	addClientFlags(listCmd.Flags())
	bind(listCmd)

	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, saveCmd, replayCmd, listCmd)
	return rootCmd
}

func addServerFlags(flags *pflag.FlagSet) {
	flags.Int("port", 2525, "Port to run the server on")
	flags.String("host", "", "Host to bind to")
	flags.String("loglevel", "info", "Log level (debug, info, warn, error)")
	flags.String("logformat", "text", "Log format (text or json)")
	flags.String("logfile", "mb.log", "Log file location")
	flags.Bool("nologfile", false, "Prevent logging to the filesystem")
	flags.Bool("allowInjection", false, "Allow JavaScript injection")
	flags.Bool("localOnly", false, "Only allow connections from localhost")
	flags.String("ipWhitelist", "*", "Pipe-delimited list of allowed remote addresses")
	flags.StringSlice("origin", nil, "Allowed CORS origins for the API")
	flags.String("apikey", "", "Require this value in the x-api-key header")
	flags.Bool("debug", false, "Record stub matches")
	flags.Bool("mock", false, "Record requests on every imposter")
	flags.String("pidfile", "mb.pid", "PID file location")
	flags.String("configfile", "", "Imposters file to load at startup (.json, .yaml or .yml)")
	flags.String("rcfile", "", "File of CLI options keyed by flag name")
}

func addClientFlags(flags *pflag.FlagSet) {
	flags.Int("port", 2525, "Mountebank server port")
	flags.String("host", "localhost", "Mountebank server host")
	flags.String("apikey", "", "API key for the mountebank server")
	flags.String("rcfile", "", "File of CLI options keyed by flag name")
}

func serverConfig(v *viper.Viper) *server.Config {
	logFile := v.GetString("logfile")
	if v.GetBool("nologfile") {
		logFile = ""
	}
	var allowlist []string
	if list := v.GetString("ipWhitelist"); list != "" && list != "*" {
		allowlist = config.SplitList(list)
	}

	return &server.Config{
		Port:           v.GetInt("port"),
		Host:           v.GetString("host"),
		LogLevel:       v.GetString("loglevel"),
		LogFormat:      v.GetString("logformat"),
		LogFile:        logFile,
		AllowInjection: v.GetBool("allowInjection"),
		LocalOnly:      v.GetBool("localOnly"),
		IPWhitelist:    allowlist,
		Origin:         v.GetStringSlice("origin"),
		APIKey:         v.GetString("apikey"),
		Debug:          v.GetBool("debug"),
		Mock:           v.GetBool("mock"),
	}
}

func runStart(ctx context.Context, v *viper.Viper) error {
	srv, err := server.New(serverConfig(v))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if path := v.GetString("configfile"); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := srv.LoadImposters(ctx, cfg.Imposters); err != nil {
			return fmt.Errorf("loading imposters from %s: %w", path, err)
		}
		fmt.Printf("Loaded %d imposters from %s\n", len(cfg.Imposters), path)
	}

	pidFile := v.GetString("pidfile")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing PID file: %v\n", err)
	}
	defer os.Remove(pidFile)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Start()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return srv.Stop()
	}
}

func runStop(v *viper.Viper) error {
	pidFile := v.GetString("pidfile")
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("reading PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("invalid PID file %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("stopping process: %w", err)
	}
	fmt.Println("Server stopped")
	return nil
}
