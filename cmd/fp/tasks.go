package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
	"fieldproof/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "A task is created as a draft, funded into escrow by publish, and then claimed by one worker at a time.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskPublishCmd())
	task.AddCommand(taskCancelCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var start, end string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RequesterID = actor()
			now := time.Now().UTC()
			opts.TimeStart, opts.TimeEnd = now, now.Add(24*time.Hour)
			var err error
			if start != "" {
				if opts.TimeStart, err = parseTime(start); err != nil {
					return err
				}
			}
			if end != "" {
				if opts.TimeEnd, err = parseTime(end); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.Bounty.Currency == "" {
					opts.Bounty.Currency = e.Config.Platform.Currency
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.ID, "id", "", "task id (generated if omitted)")
	f.StringVar(&opts.Title, "title", "", "title")
	f.Float64Var(&opts.Location.Lat, "lat", 0, "site latitude")
	f.Float64Var(&opts.Location.Lon, "lon", 0, "site longitude")
	f.Float64Var(&opts.RadiusM, "radius", 100, "accepted distance from the site in metres")
	f.StringVar(&start, "start", "", "window start, RFC3339 (default now)")
	f.StringVar(&end, "end", "", "window end, RFC3339 (default now + 24h)")
	f.Int64Var(&opts.Bounty.Amount, "bounty", 0, "bounty in minor units")
	f.StringVar(&opts.Bounty.Currency, "currency", "", "bounty currency (default platform.currency)")
	f.IntVar(&opts.Requirements.Photos.Count, "photos", 1, "photos required")
	f.IntVar(&opts.Requirements.MinWidthPx, "min-width", 0, "minimum photo width in px")
	f.IntVar(&opts.Requirements.MinHeightPx, "min-height", 0, "minimum photo height in px")
	f.BoolVar(&opts.Requirements.Bearing.Required, "bearing", false, "require a compass bearing")
	f.Float64Var(&opts.Requirements.Bearing.Target, "bearing-target", 0, "target bearing in degrees")
	f.Float64Var(&opts.Requirements.Bearing.Tolerance, "bearing-tolerance", 0, "bearing tolerance in degrees")
	f.IntVar(&opts.Requirements.FreshnessMinutes, "freshness", 0, "maximum photo age at finalise in minutes")
	f.StringVar(&opts.AssuranceMode, "assurance", domain.AssuranceSingle, "assurance mode (single|quorum)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("bounty")
	return cmd
}

func taskPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <task-id>",
		Short: "Fund the escrow and post the task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.PublishTask(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), o)
			})
		},
	}
}

func taskCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task and refund its escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CancelTask(ctx, args[0], actor(), reason)
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), o)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), tasks)
				}
				tw := newTable(cmd.OutOrStdout(), table.Row{"ID", "Title", "Status", "Bounty", "Requester", "Ends"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{
						t.ID, t.Title, t.Status,
						fmt.Sprintf("%d %s", t.Bounty.Amount, t.Bounty.Currency),
						t.RequesterID, t.TimeEnd.Format(time.RFC3339),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.RequesterID, "requester-id", "", "requester filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its escrow, claims and stakes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				out := struct {
					Task   domain.Task          `json:"task"`
					Escrow *domain.EscrowStatus `json:"escrow,omitempty"`
					Claims []domain.Claim       `json:"claims"`
					Stakes []domain.Stake       `json:"stakes"`
				}{Task: t}
				if out.Escrow, err = e.Escrow.GetStatus(ctx, t.ID); err != nil && !errors.Is(err, domain.ErrEscrowNotFound) {
					return err
				}
				if out.Claims, err = e.Repo.ListClaims(ctx, t.ID); err != nil {
					return err
				}
				if out.Stakes, err = e.Repo.ListStakes(ctx, repo.StakeFilters{TaskID: t.ID}); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func claimCmd() *cobra.Command {
	c := &cobra.Command{Use: "claim", Short: "Claim tasks as a worker"}
	c.AddCommand(&cobra.Command{
		Use:   "create <task-id>",
		Short: "Claim a posted task and lock the stake",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ClaimTask(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "release <claim-id>",
		Short: "Give up a claim before submitting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.ReleaseClaim(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), o)
			})
		},
	})
	return c
}

func settleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle <task-id>",
		Short: "Retry the escrow movement a finished task is owed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Settle(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), o)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue claims and tasks and close stale rejections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired claims: %d\nexpired tasks: %d\nclosed rejections: %d\nerrors: %d\n",
					res.ExpiredClaims, res.ExpiredTasks, res.ClosedRejected, res.Errors)
				return nil
			})
		},
	}
}
