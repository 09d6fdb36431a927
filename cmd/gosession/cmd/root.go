package cmd

import (
	"fmt"
	"os"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"

	goSession "github.com/MrEthical07/goSession"
)

var (
	configPath string
	localRedis bool
)

var rootCmd = &cobra.Command{
	Use:   "gosession",
	Short: "gosession runs and inspects lock-coordinated shared sessions",
	Long: `Tools around the goSession manager: a demo HTTP server, a multi-node
load test and a snapshot inspector. Configuration is read from --config and
GOSESSION_* environment variables.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML/TOML/JSON config file")
	rootCmd.PersistentFlags().BoolVar(&localRedis, "local-redis", false, "Serve the redis backend from an in-process miniredis")
}

// loadConfig reads the configuration and prints its lint warnings to stderr.
func loadConfig(cmd *cobra.Command) (goSession.Config, error) {
	cfg, warnings, err := goSession.LoadConfig(configPath)
	for _, w := range warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "config warning [%s]: %s\n", w.Code, w.Message)
	}
	return cfg, err
}

// withLocalRedis points the redis backend at an in-process miniredis when
// --local-redis is set. The returned stop function is a no-op otherwise.
func withLocalRedis(cmd *cobra.Command, cfg *goSession.Config) (func(), error) {
	if !localRedis || cfg.Repository.Backend != goSession.BackendRedis {
		return func() {}, nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("start miniredis: %w", err)
	}
	cfg.Repository.Addrs = []string{mr.Addr()}
	fmt.Fprintf(cmd.OutOrStdout(), "using miniredis at %s\n", mr.Addr())
	return mr.Close, nil
}
