package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldproof/internal/app"
	"fieldproof/internal/engine"
)

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Worker profiles and stake quotes"}
	w.AddCommand(workerSetCmd())
	w.AddCommand(workerQuoteCmd())
	strikes := &cobra.Command{Use: "strikes", Short: "Manage strike counters"}
	strikes.AddCommand(&cobra.Command{
		Use:   "reset <worker-id>",
		Short: "Reset a worker's strikes to zero",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ResetStrikes(ctx, args[0], actor()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "strikes reset for %s\n", args[0])
				return nil
			})
		},
	})
	w.AddCommand(strikes)
	return w
}

func workerSetCmd() *cobra.Command {
	var p engine.WorkerProfile
	cmd := &cobra.Command{
		Use:   "set <worker-id>",
		Short: "Record reputation and payout wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.ID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.UpsertWorker(ctx, p, actor())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), w)
			})
		},
	}
	cmd.Flags().Int64Var(&p.ReputationBps, "reputation-bps", 0, "reputation in basis points")
	cmd.Flags().StringVar(&p.WalletAddress, "wallet", "", "payout address for chain settlement")
	return cmd
}

func workerQuoteCmd() *cobra.Command {
	var bounty int64
	cmd := &cobra.Command{
		Use:   "quote <worker-id>",
		Short: "Show the stake a worker would lock for a bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.StakeQuote(ctx, bounty, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), q)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stake %d (%d bps, strikes %d, reputation %d bps)\n", q.Amount, q.StakeBps, q.Strikes, q.ReputationBps)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&bounty, "bounty", 0, "bounty in minor units")
	_ = cmd.MarkFlagRequired("bounty")
	return cmd
}

func indexerCmd() *cobra.Command {
	ix := &cobra.Command{
		Use:   "indexer",
		Short: "Reconcile settlement contract events",
		Long:  "Only available when escrow.provider is chain. The indexer scans contract logs from its cursor and applies them to escrows idempotently.",
	}
	ix.AddCommand(&cobra.Command{
		Use:   "poll",
		Short: "Run one indexer pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIndexer(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Indexer.PollOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	})
	ix.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Poll until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIndexer(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Log.WithField("interval", a.Config.Chain.PollInterval).Info("indexer running")
				a.Indexer.Start(ctx)
				<-ctx.Done()
				return nil
			})
		},
	})
	return ix
}

func withIndexer(ctx context.Context, fn func(context.Context, *app.App) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		if a.Indexer == nil {
			return fmt.Errorf("indexer requires escrow.provider chain, got %s", a.Escrow.Name())
		}
		return fn(ctx, a)
	})
}
