// Package cli implements packetctl, the operator command line for the
// packet-service.
//
// Command structure:
//
//	packetctl
//	├── reconcile list [--limit N] [--all] [-o json|yaml]
//	├── reconcile resolve <id> --note "..."
//	├── packet show <packet_id> [-o json|yaml]
//	└── refunds sweep [--limit N] [-o json|yaml]
//
// Commands run against the same store and broker the service uses, loaded
// from the service environment.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/transfa/packet-service/internal/app"
	"github.com/transfa/packet-service/internal/domain"
	"gopkg.in/yaml.v3"
)

const commandTimeout = 2 * time.Minute

// Operator is the part of the packet service packetctl drives.
type Operator interface {
	ListReconciliations(ctx context.Context, includeResolved bool, limit int) ([]domain.Reconciliation, error)
	ResolveReconciliation(ctx context.Context, id uuid.UUID, note string) error
	GetStatus(ctx context.Context, packetID string) (*domain.Packet, error)
	SweepRefunds(ctx context.Context, limit int) (*app.RefundSweepResult, error)
}

// OperatorFactory opens an Operator. The returned close func releases its
// connections.
type OperatorFactory func(ctx context.Context) (Operator, func(), error)

type session struct {
	open   OperatorFactory
	output string
}

// BuildCLI returns the packetctl root command.
func BuildCLI(open OperatorFactory) *cobra.Command {
	s := &session{open: open}

	rootCmd := &cobra.Command{
		Use:           "packetctl",
		Short:         "Operate the packet-service",
		Long:          "packetctl inspects packets, resolves claim reconciliations and triggers refund sweeps.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&s.output, "output", "o", "json", "output format: json or yaml")

	rootCmd.AddCommand(s.buildReconcileCommand())
	rootCmd.AddCommand(s.buildPacketCommand())
	rootCmd.AddCommand(s.buildRefundsCommand())

	return rootCmd
}

func (s *session) run(cmd *cobra.Command, fn func(ctx context.Context, op Operator) (interface{}, error)) error {
	format := strings.ToLower(strings.TrimSpace(s.output))
	if format != "json" && format != "yaml" {
		return fmt.Errorf("unsupported output format %q", s.output)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	op, closeFn, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open packet service: %w", err)
	}
	defer closeFn()

	result, err := fn(ctx, op)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return render(cmd.OutOrStdout(), format, result)
}

func (s *session) buildReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Inspect and resolve claim reconciliation records",
	}

	var limit int
	var all bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List reconciliation records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.run(cmd, func(ctx context.Context, op Operator) (interface{}, error) {
				return op.ListReconciliations(ctx, all, limit)
			})
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 100, "maximum records to list")
	listCmd.Flags().BoolVar(&all, "all", false, "include resolved records")

	var note string
	resolveCmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a reconciliation record as handled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid reconciliation id %q: %w", args[0], err)
			}
			return s.run(cmd, func(ctx context.Context, op Operator) (interface{}, error) {
				if err := op.ResolveReconciliation(ctx, id, note); err != nil {
					return nil, err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reconciliation %s resolved\n", id)
				return nil, nil
			})
		},
	}
	resolveCmd.Flags().StringVar(&note, "note", "", "resolution note (required)")
	_ = resolveCmd.MarkFlagRequired("note")

	cmd.AddCommand(listCmd, resolveCmd)
	return cmd
}

func (s *session) buildPacketCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packet",
		Short: "Inspect packets",
	}

	showCmd := &cobra.Command{
		Use:   "show <packet_id>",
		Short: "Show a packet with its derived status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.run(cmd, func(ctx context.Context, op Operator) (interface{}, error) {
				return op.GetStatus(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(showCmd)
	return cmd
}

func (s *session) buildRefundsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refunds",
		Short: "Refund signalling for expired packets",
	}

	var limit int
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one refund sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.run(cmd, func(ctx context.Context, op Operator) (interface{}, error) {
				return op.SweepRefunds(ctx, limit)
			})
		},
	}
	sweepCmd.Flags().IntVar(&limit, "limit", 0, "maximum packets to examine (0 uses the service default)")

	cmd.AddCommand(sweepCmd)
	return cmd
}

func render(w io.Writer, format string, v interface{}) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode json: %w", err)
	}
	return nil
}
