package main

import (
	"os"

	"github.com/Zereker/framesock"
	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	addr       string
	logLevel   string
	maxPayload uint32
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "framesock",
	Short: "Length-prefixed message framing over TCP",
	Long: `framesock sends and receives length-prefixed messages over TCP.

Every message travels as a 4-byte big-endian length followed by the payload,
so the receiver can rebuild messages however TCP splits or merges them.

	framesock serve --addr 127.0.0.1:5000 --echo
	framesock send --numbers 100000
	framesock send --type BIG_BLOCK --fill A --size 2000 --split 10,50 --delay 200ms`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", "", "address to listen on or connect to (default 127.0.0.1:5000)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error, off")
	rootCmd.PersistentFlags().Uint32Var(&maxPayload, "max-payload", 0, "largest accepted payload in bytes (default 64MiB)")
}

// resolveConfig loads the config file, if any, and applies flag overrides.
func resolveConfig(cmd *cobra.Command) (framesock.Config, error) {
	cfg := framesock.DefaultConfig()
	if cfgFile != "" {
		loaded, err := framesock.LoadConfig(cfgFile)
		if err != nil {
			return framesock.Config{}, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = addr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("max-payload") {
		cfg.MaxPayload = maxPayload
	}

	if err := cfg.Validate(); err != nil {
		return framesock.Config{}, err
	}
	return cfg, nil
}
