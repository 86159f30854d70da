// Command marketctl is a terminal client for the token marketplace: it
// connects a local development wallet, shows the catalog and balance, and
// buys or lists products.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/olehkaliuzhnyi/marketplace-client/internal/config"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/ledger"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/market"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/network"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/orchestrator"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/storage"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/tx"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/units"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/wallet"
	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

type flags struct {
	rpcURL      string
	token       string
	marketplace string
	contracts   string
	account     int
	json        bool
	verbose     bool
}

type app struct {
	cfg   config.Config
	flags flags
	out   io.Writer

	ec       *ethclient.Client
	provider *wallet.LocalProvider
	client   *market.Client
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: config.FromEnv(), out: os.Stdout}
	err := a.execute(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// execute runs the command line and releases the session and RPC client
// whether or not the command succeeded.
func (a *app) execute(ctx context.Context, args []string) error {
	defer a.close()
	root := a.rootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "marketctl",
		Short:         "Browse, buy and list products on the token marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if a.flags.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			if a.flags.rpcURL != "" {
				a.cfg.RPCURL = a.flags.rpcURL
			}
			if a.flags.token != "" {
				a.cfg.TokenAddress = a.flags.token
			}
			if a.flags.marketplace != "" {
				a.cfg.MarketplaceAddress = a.flags.marketplace
			}
			if a.flags.contracts != "" {
				a.cfg.ContractsFile = a.flags.contracts
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.rpcURL, "rpc", "", "JSON-RPC endpoint (MARKET_RPC_URL)")
	pf.StringVar(&a.flags.token, "token", "", "payment token address (MARKET_TOKEN_ADDRESS)")
	pf.StringVar(&a.flags.marketplace, "marketplace", "", "marketplace address (MARKET_MARKETPLACE_ADDRESS)")
	pf.StringVar(&a.flags.contracts, "contracts", "", "contracts JSON written by the deploy script (MARKET_CONTRACTS_FILE)")
	pf.IntVarP(&a.flags.account, "account", "a", 0, "wallet account index")
	pf.BoolVar(&a.flags.json, "json", false, "print JSON")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		a.accountsCommand(),
		a.statusCommand(),
		a.watchCommand(),
		a.buyCommand(),
		a.listCommand(),
	)
	return root
}

func (a *app) accountsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List the wallet's accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := wallet.NewLocalProvider(a.cfg.Mnemonic, a.cfg.AccountCount, "")
			if err != nil {
				return err
			}
			if a.flags.json {
				return a.printJSON(p.Addresses())
			}
			for i, addr := range p.Addresses() {
				fmt.Fprintf(a.out, "%d\t%s\n", i, addr)
			}
			return nil
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show network, balance and catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.ContextTimeout)
			defer cancel()
			if err := a.open(ctx); err != nil {
				return err
			}
			if err := a.client.Refresh(ctx); err != nil {
				slog.Warn("refresh incomplete", "error", err)
			}
			return a.printSnapshot()
		},
	}
}

func (a *app) watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow balance and catalog until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}
			go func() {
				if err := a.client.Run(ctx); err != nil && ctx.Err() == nil {
					slog.Error("event loop stopped", "error", err)
				}
			}()

			ticker := time.NewTicker(a.cfg.PollInterval)
			defer ticker.Stop()
			for {
				if err := a.printSnapshot(); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
}

func (a *app) buyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "buy <product-id>",
		Short: "Buy a product, approving the marketplace first if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid product id %q", args[0])
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.ContextTimeout)
			defer cancel()
			if err := a.open(ctx); err != nil {
				return err
			}
			if err := a.client.Refresh(ctx); err != nil {
				slog.Warn("refresh incomplete", "error", err)
			}
			a.client.OnOperation(a.printTransition)

			op, err := a.client.Buy(ctx, id)
			if err != nil {
				return describeFailure(err, a.client.Decimals())
			}
			if a.flags.json {
				return a.printJSON(op)
			}
			fmt.Fprintf(a.out, "Purchased product %d. New balance: %s\n", id, units.Format(op.NewBalance, a.client.Decimals()))
			return nil
		},
	}
}

func (a *app) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <name> <price>",
		Short: "List a product for sale at price, in tokens",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.ContextTimeout)
			defer cancel()
			if _, _, err := orchestrator.ParseListing(args[0], args[1], a.cfg.TokenDecimals); err != nil {
				return err
			}
			if err := a.open(ctx); err != nil {
				return err
			}
			a.client.OnOperation(a.printTransition)

			op, err := a.client.List(ctx, args[0], args[1])
			if err != nil {
				return describeFailure(err, a.client.Decimals())
			}
			if a.flags.json {
				return a.printJSON(op)
			}
			fmt.Fprintf(a.out, "Listed %q as product %d.\n", op.Name, op.ProductID)
			return nil
		},
	}
}

// open dials the ledger, builds the wallet and client, and connects.
func (a *app) open(ctx context.Context) error {
	if err := a.cfg.LoadContracts(); err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	ec, err := ethclient.DialContext(ctx, a.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	a.ec = ec
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}

	provider, err := wallet.NewLocalProvider(a.cfg.Mnemonic, a.cfg.AccountCount, chainID.String())
	if err != nil {
		return err
	}
	a.provider = provider
	if a.flags.account > 0 {
		if err := provider.SelectAccount(a.flags.account); err != nil {
			return err
		}
	}

	builder := tx.NewBuilder(
		tx.BuilderConfig{ChainID: chainID, ReceiptPollInterval: a.cfg.ReceiptPollInterval},
		ec, provider, storage.NewMemoryNonceStore(), storage.NewMemoryTxStore(),
	)
	l := ledger.NewEthLedger(ec, builder, a.cfg.TokenAddress, a.cfg.MarketplaceAddress)

	mc, err := market.ConfigFrom(a.cfg)
	if err != nil {
		return err
	}
	a.client = market.NewClient(mc, provider, l, network.NewResolver())
	if err := a.client.Start(ctx); err != nil {
		return err
	}
	if _, err := a.client.Connect(ctx); err != nil {
		return err
	}
	return nil
}

func (a *app) close() {
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	if a.provider != nil {
		a.provider.Close()
		a.provider = nil
	}
	if a.ec != nil {
		a.ec.Close()
		a.ec = nil
	}
}

func (a *app) printSnapshot() error {
	snap := a.client.Snapshot()
	if a.flags.json {
		return a.printJSON(snap)
	}
	dec := a.client.Decimals()

	fmt.Fprintf(a.out, "Network:  %s (%s, %s)\n", snap.Network.DisplayName, snap.Network.ID, snap.Network.Mode)
	fmt.Fprintf(a.out, "Account:  %s\n", snap.Account)
	fmt.Fprintf(a.out, "Balance:  %s\n", units.Format(snap.Balance, dec))
	if c := snap.Condition; c != nil {
		fmt.Fprintf(a.out, "Warning:  %s\n", c.Message)
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPRICE\tSELLER\tSTATUS")
	for _, p := range snap.Products {
		status := "available"
		if p.Sold {
			status = "sold"
		}
		if p.Synthetic {
			status += " (demo)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", p.ID, p.Name, units.Format(p.Price, dec), p.Seller, status)
	}
	return w.Flush()
}

func (a *app) printTransition(op orchestrator.Operation) {
	if a.flags.json || op.State == orchestrator.StateIdle {
		return
	}
	fmt.Fprintf(a.out, "  %s\n", op.State)
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describeFailure turns a run failure into the message shown to the user.
func describeFailure(err error, decimals int32) error {
	var fe *orchestrator.FailureError
	if !errors.As(err, &fe) {
		return err
	}
	switch fe.Reason {
	case models.ReasonInsufficientFunds:
		return fmt.Errorf("insufficient token balance: you have %s but need %s",
			units.Format(fe.Balance, decimals), units.Format(fe.Price, decimals))
	case models.ReasonApprovalRejected:
		return fmt.Errorf("token approval was rejected: %w", err)
	case models.ReasonProductUnavailable:
		return fmt.Errorf("product is no longer available")
	case models.ReasonPaymentFailed:
		return fmt.Errorf("payment failed: make sure you have enough tokens and have approved the marketplace")
	case models.ReasonNoDeployment:
		return fmt.Errorf("contracts are not deployed on this network: %w", err)
	}
	return err
}
