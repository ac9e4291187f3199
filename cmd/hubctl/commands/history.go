package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hubctl/pkg/diagnostics"
	"github.com/openfroyo/hubctl/pkg/engine"
	"github.com/openfroyo/hubctl/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		id     string
		state  string
		since  time.Duration
		events bool
		prune  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded operations",
		Long: `Show operations recorded in the history database.

Without --id, lists the most recent operations. With --id, shows the
attempts of one operation and its diagnostic report.`,
		Example: `  hubctl history --limit 10
  hubctl history --state exhausted --since 24h
  hubctl history --id 6f0c... --events
  hubctl history --prune 2160h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(cmd, true)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(ctx); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			if rt.store == nil {
				return fmt.Errorf("history is disabled: store.path is empty")
			}

			if prune > 0 {
				n, err := rt.store.DeleteOperationsBefore(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(rt.out, "Pruned %d operation(s) older than %s\n", n, prune)
				return nil
			}

			if id != "" {
				return showOperation(cmd, rt, id, events)
			}

			filter := stores.OperationFilter{Limit: limit}
			if state != "" {
				s := engine.State(state)
				filter.State = &s
			}
			if since > 0 {
				t := time.Now().Add(-since)
				filter.Since = &t
			}

			ops, err := rt.store.ListOperations(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(rt.out, ops)
			}
			return printOperations(rt.out, ops)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max operations to list")
	cmd.Flags().StringVar(&id, "id", "", "show one operation")
	cmd.Flags().StringVar(&state, "state", "", "filter by state (succeeded, exhausted, cancelled, retrying)")
	cmd.Flags().DurationVar(&since, "since", 0, "only operations started within this duration")
	cmd.Flags().BoolVar(&events, "events", false, "include events with --id")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete operations started longer ago than this")

	return cmd
}

func printOperations(w io.Writer, ops []*stores.Operation) error {
	if len(ops) == 0 {
		_, err := fmt.Fprintln(w, "No operations recorded.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tStarted\tState\tAttempts\tWaited\tLast failure\n")
	fmt.Fprintf(tw, "--\t-------\t-----\t--------\t------\t------------\n")
	for _, op := range ops {
		last := "-"
		if op.LastClass != nil {
			last = string(*op.LastClass)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			op.ID, op.StartedAt.Local().Format(time.DateTime), op.State, op.Attempts, op.Waited, last)
	}
	return tw.Flush()
}

func showOperation(cmd *cobra.Command, rt *runtime, id string, withEvents bool) error {
	ctx := cmd.Context()

	op, err := rt.store.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	attempts, err := rt.store.ListAttempts(ctx, id)
	if err != nil {
		return err
	}
	report, err := op.DiagnosticReport()
	if err != nil {
		return err
	}

	var evts []*stores.Event
	if withEvents {
		evts, err = rt.store.GetEvents(ctx, &id, nil, 0, 0)
		if err != nil {
			return err
		}
	}

	if jsonOutput {
		return writeJSON(rt.out, struct {
			Operation *stores.Operation        `json:"operation"`
			Attempts  []*stores.Attempt        `json:"attempts"`
			Report    *engine.DiagnosticReport `json:"report,omitempty"`
			Events    []*stores.Event          `json:"events,omitempty"`
		}{op, attempts, report, evts})
	}

	w := rt.out
	fmt.Fprintf(w, "Operation: %s\n", op.ID)
	fmt.Fprintf(w, "Target:    %s\n", op.TargetID)
	fmt.Fprintf(w, "Principal: %s (%s)\n", op.PrincipalID, op.PrincipalKind)
	fmt.Fprintf(w, "State:     %s after %d attempt(s), waited %s\n", op.State, op.Attempts, op.Waited)

	fmt.Fprintln(w, "\nAttempts:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, a := range attempts {
		class, msg := "", ""
		if a.Class != nil {
			class = string(*a.Class)
		}
		if a.Message != nil {
			msg = *a.Message
		}
		fmt.Fprintf(tw, "  #%d\t%s\t%s\t%s\t%s\n", a.Attempt, a.At.Local().Format(time.TimeOnly), a.Kind, class, msg)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(evts) > 0 {
		fmt.Fprintln(w, "\nEvents:")
		for _, e := range evts {
			fmt.Fprintf(w, "  %s [%s] %s: %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.Message)
		}
	}

	if report != nil {
		fmt.Fprintln(w)
		return diagnostics.Render(w, report)
	}
	return nil
}
