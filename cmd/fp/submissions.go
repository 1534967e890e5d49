package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
)

func submissionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "submission",
		Short: "Build, finalise and review submissions",
		Long:  "A worker converts a claim into a submission, attaches artefacts and finalises it, which seals the proof bundle and runs verification. The requester then accepts or rejects.",
	}
	s.AddCommand(submissionStartCmd())
	s.AddCommand(submissionArtefactCmd())
	s.AddCommand(submissionFinaliseCmd())
	s.AddCommand(submissionShowCmd())
	s.AddCommand(submissionAcceptCmd())
	s.AddCommand(submissionRejectCmd())
	s.AddCommand(submissionCloseCmd())
	return s
}

func submissionStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <claim-id>",
		Short: "Open a submission for an active claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.StartSubmission(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
}

func submissionArtefactCmd() *cobra.Command {
	var in engine.ArtefactInput
	var lat, lon, bearing float64
	var capturedAt string
	cmd := &cobra.Command{
		Use:   "artefact <submission-id>",
		Short: "Attach an uploaded artefact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			if f.Changed("lat") && f.Changed("lon") {
				in.Location = &domain.GeoPoint{Lat: lat, Lon: lon}
			}
			if f.Changed("bearing") {
				in.Bearing = &bearing
			}
			if capturedAt != "" {
				t, err := parseTime(capturedAt)
				if err != nil {
					return err
				}
				in.CapturedAt = &t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddArtefact(ctx, args[0], actor(), in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Kind, "kind", domain.ArtefactPhoto, "artefact kind")
	f.StringVar(&in.StorageKey, "key", "", "object storage key")
	f.StringVar(&in.ContentHash, "hash", "", "sha256 of the content, hex")
	f.IntVar(&in.DeclaredWidth, "width", 0, "declared width in px")
	f.IntVar(&in.DeclaredHeight, "height", 0, "declared height in px")
	f.Float64Var(&lat, "lat", 0, "capture latitude")
	f.Float64Var(&lon, "lon", 0, "capture longitude")
	f.Float64Var(&bearing, "bearing", 0, "compass bearing in degrees")
	f.StringVar(&capturedAt, "captured-at", "", "capture time, RFC3339")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("hash")
	return cmd
}

func submissionFinaliseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalise <submission-id>",
		Short: "Seal the proof bundle and run verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.FinaliseSubmission(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
}

func submissionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <submission-id>",
		Short: "Show a submission with artefacts and decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSubmission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
}

func submissionAcceptCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "accept <submission-id>",
		Short: "Accept a finalised submission and release the bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.AcceptSubmission(ctx, args[0], actor(), comment)
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), o)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	return cmd
}

func submissionRejectCmd() *cobra.Command {
	var reason, comment string
	cmd := &cobra.Command{
		Use:   "reject <submission-id>",
		Short: "Reject a finalised submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RejectSubmission(ctx, args[0], actor(), strings.TrimSpace(reason), comment)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason code")
	cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func submissionCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <submission-id>",
		Short: "Close an undisputed rejection once the dispute window has passed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CloseRejected(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), o)
			})
		},
	}
}

func disputeCmd() *cobra.Command {
	d := &cobra.Command{Use: "dispute", Short: "Open and resolve disputes"}
	d.AddCommand(disputeOpenCmd())
	d.AddCommand(disputeAdvanceCmd())
	d.AddCommand(disputeResolveCmd())
	return d
}

func disputeOpenCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "open <submission-id>",
		Short: "Dispute a rejection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.OpenDispute(ctx, args[0], actor(), reason)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the rejection is wrong")
	return cmd
}

func disputeAdvanceCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "advance <dispute-id>",
		Short: "Move a dispute to evidence_pending or under_review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.AdvanceDispute(ctx, args[0], to, actor())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), d)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", domain.DisputeUnderReview, "target status")
	return cmd
}

func disputeResolveCmd() *cobra.Command {
	var opts engine.ResolveOptions
	var share int64
	cmd := &cobra.Command{
		Use:   "resolve <dispute-id>",
		Short: "Rule on a dispute and settle the task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actor()
			if cmd.Flags().Changed("requester-share-bps") {
				opts.RequesterShareBps = &share
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.ResolveDispute(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), o)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Outcome, "outcome", "", "worker, requester or split")
	f.Int64Var(&opts.WorkerReturnBps, "worker-return-bps", 0, "share of the stake returned on a split")
	f.Int64Var(&share, "requester-share-bps", 0, "requester share of the forfeited stake (default staking.default_requester_share_bps)")
	f.StringVar(&opts.Comment, "comment", "", "ruling comment")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}
