package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"greeter/internal/config"
	"greeter/internal/logging"
)

var (
	cfg    *config.AppConfig
	logger *zap.Logger

	verbose      bool
	rpcURL       string
	contractAddr string
)

var rootCmd = &cobra.Command{
	Use:   "greeter",
	Short: "Front-end and command line tool for the GreetingContract",
	Long: `greeter talks to a GreetingContract deployed on a local development node.

Run "greeter serve" for the browser front-end, or use the subcommands to read
the greeting, update it and browse its history from the terminal.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(flagOverrides)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}

		level := loaded.Log.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, loaded.Log.Dev)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func flagOverrides(c *config.AppConfig) {
	if rpcURL != "" {
		c.Chain.RPCURL = rpcURL
	}
	if contractAddr != "" {
		c.Chain.ContractAddress = contractAddr
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&rpcURL, "rpc-url", "", "Node JSON-RPC endpoint (overrides CHAIN_RPC_URL)")
	rootCmd.PersistentFlags().StringVar(&contractAddr, "contract", "", "Contract address (overrides CONTRACT_ADDRESS)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(greetingCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(lookupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}
