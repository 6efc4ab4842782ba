package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"greeter/internal/chain"
	"greeter/internal/config"
	"greeter/internal/contracts"
	"greeter/internal/greeter"
	"greeter/internal/session"
)

const rule = "================================================================================"

var greetingCmd = &cobra.Command{
	Use:   "greeting",
	Short: "Print the current greeting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		ctx, cancel := readContext(cmd.Context())
		defer cancel()
		greeting, err := svc.Greeting(ctx)
		if err != nil {
			return fmt.Errorf("error getting greeting: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "💬 Current Greeting: '%s'\n", greeting)
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the contract summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		ctx, cancel := readContext(cmd.Context())
		defer cancel()
		info, err := svc.Summary(ctx)
		if err != nil {
			return fmt.Errorf("error getting contract info: %w", err)
		}
		printSummary(cmd.OutOrStdout(), info)
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set <greeting>",
	Short: "Set a new greeting and wait for the transaction",
	Example: `  greeter set "Hello from Go"
  greeter set Hello from Go`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		greeting, err := greeter.ValidateGreeting(strings.Join(args, " "))
		if err != nil {
			return err
		}
		svc, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "📝 Setting new greeting: '%s'\n", greeting)
		fmt.Fprintln(out, "⏳ Waiting for transaction confirmation...")

		outcome, err := svc.SetGreeting(cmd.Context(), greeting)
		if err != nil {
			return fmt.Errorf("error setting greeting: %w", err)
		}
		printOutcome(out, outcome)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the greeting history, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		ctx, cancel := readContext(cmd.Context())
		defer cancel()
		entries, err := svc.ListHistory(ctx)
		if err != nil {
			return fmt.Errorf("error getting history: %w", err)
		}
		printHistory(cmd.OutOrStdout(), entries)
		return nil
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <index>",
	Short: "Print one history entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		ctx, cancel := readContext(cmd.Context())
		defer cancel()
		entry, err := svc.Lookup(ctx, args[0])
		if err != nil {
			return err
		}
		printEntry(cmd.OutOrStdout(), entry)
		return nil
	},
}

// newConnector builds the node connector from configuration.
func newConnector(cfg *config.AppConfig, logger *zap.Logger) (*session.EthConnector, error) {
	parsed, err := contracts.ParseGreetingABI(cfg.Chain.ABIPath)
	if err != nil {
		return nil, err
	}

	var key *ecdsa.PrivateKey
	if cfg.Chain.PrivateKey != "" {
		key, err = chain.ParsePrivateKey(cfg.Chain.PrivateKey)
		if err != nil {
			return nil, err
		}
	}

	return &session.EthConnector{
		RPCURL:          cfg.Chain.RPCURL,
		ContractAddress: cfg.Chain.Address(),
		ABI:             parsed,
		PrivateKey:      key,
		ChainID:         big.NewInt(cfg.Chain.ChainID),
		GasLimit:        cfg.Chain.GasLimit,
		PollInterval:    cfg.Chain.ReceiptPollInterval,
		Logger:          logger.Named("session"),
	}, nil
}

func connect(ctx context.Context) (*greeter.Service, error) {
	connector, err := newConnector(cfg, logger)
	if err != nil {
		return nil, err
	}
	sess, err := connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	logger.Debug("connected",
		zap.String("account", sess.Account.Hex()),
		zap.String("contract", cfg.Chain.ContractAddress))
	return greeter.NewService(sess.Contract, logger.Named("greeter")), nil
}

func readContext(parent context.Context) (context.Context, context.CancelFunc) {
	if cfg.Chain.RPCTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, cfg.Chain.RPCTimeout)
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func printSummary(w io.Writer, info chain.Summary) {
	fmt.Fprintln(w, "📊 Contract Information:")
	fmt.Fprintf(w, "   Current Greeting: '%s'\n", info.CurrentGreeting)
	fmt.Fprintf(w, "   Owner: %s\n", info.Owner.Hex())
	fmt.Fprintf(w, "   Total Greetings: %d\n", info.TotalGreetings)
	fmt.Fprintf(w, "   History Length: %d\n", info.HistoryLength)
}

func printOutcome(w io.Writer, out greeter.SetOutcome) {
	fmt.Fprintln(w, "✅ Greeting updated successfully!")
	fmt.Fprintf(w, "📝 Transaction Hash: %s\n", out.Receipt.TxHash.Hex())
	fmt.Fprintf(w, "📦 Block: %d\n", out.Receipt.BlockNumber)
	fmt.Fprintf(w, "⛽ Gas Used: %d\n", out.Receipt.GasUsed)
	if ev := out.Receipt.Event; ev != nil {
		fmt.Fprintln(w, "📢 Event Emitted:")
		fmt.Fprintf(w, "   Old Greeting: '%s'\n", ev.OldGreeting)
		fmt.Fprintf(w, "   New Greeting: '%s'\n", ev.NewGreeting)
		fmt.Fprintf(w, "   Updated By: %s\n", ev.UpdatedBy.Hex())
		fmt.Fprintf(w, "   Timestamp: %s\n", formatTime(ev.Timestamp))
	}
	if err := out.RefreshErr(); err != nil {
		fmt.Fprintf(w, "⚠️  Could not refresh contract state: %v\n", err)
		return
	}
	fmt.Fprintf(w, "💬 Current Greeting: '%s'\n", out.Current)
}

func printHistory(w io.Writer, entries []chain.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No history available")
		return
	}
	fmt.Fprintf(w, "📜 Greeting History (%d entries):\n", len(entries))
	fmt.Fprintln(w, rule)
	for _, e := range entries {
		fmt.Fprintf(w, "#%d: '%s'\n", e.Index, e.Message)
		fmt.Fprintf(w, "   Updated By: %s\n", e.UpdatedBy.Hex())
		fmt.Fprintf(w, "   Timestamp: %s\n", formatTime(e.Timestamp))
	}
	fmt.Fprintln(w, rule)
}

func printEntry(w io.Writer, e chain.HistoryEntry) {
	fmt.Fprintf(w, "History Entry #%d\n", e.Index)
	fmt.Fprintf(w, "   Message: '%s'\n", e.Message)
	fmt.Fprintf(w, "   Updated By: %s\n", e.UpdatedBy.Hex())
	fmt.Fprintf(w, "   Timestamp: %s\n", formatTime(e.Timestamp))
}
