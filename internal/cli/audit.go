package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/fleetgate/internal/timeline"
)

func newAuditCmd() *cobra.Command {
	var (
		f     timeline.OperationFilter
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recorded session operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := timeline.ParseOutcome(f.Outcome)
			if err != nil {
				return err
			}
			f.Outcome = outcome
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			tl, err := openTimeline(cmd)
			if err != nil {
				return err
			}
			defer tl.Close()
			ops, err := tl.Operations(cmd.Context(), f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ops) == 0 {
				writeLine(out, "No operations recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tOP\tINSTANCE\tSESSION\tOUTCOME\tDURATION\tERROR")
			for _, op := range ops {
				errText := "-"
				if op.Error != "" {
					errText = fmt.Sprintf("[%s] %s", op.ErrorClass, op.Error)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					op.Timestamp.Local().Format("01-02 15:04:05"), op.Op, dash(op.InstanceID), dash(op.SessionID),
					op.Outcome, op.Duration.Round(time.Millisecond), errText)
			}
			return tw.Flush()
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.InstanceID, "instance", "", "filter by instance id")
	fl.StringVar(&f.SessionID, "session", "", "filter by session id")
	fl.StringVar(&f.TraceID, "trace", "", "filter by trace id")
	fl.StringVar(&f.Op, "op", "", "filter by operation (create_session, send_message, ...)")
	fl.StringVar(&f.Outcome, "outcome", "", "filter by outcome (ok, error, partial)")
	fl.DurationVar(&since, "since", 0, "only operations newer than this")
	fl.IntVar(&f.Limit, "limit", 50, "maximum rows")

	cmd.AddCommand(newAuditEventsCmd())
	return cmd
}

func newAuditEventsCmd() *cobra.Command {
	var f timeline.EventFilter
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show instance lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			tl, err := openTimeline(cmd)
			if err != nil {
				return err
			}
			defer tl.Close()
			evs, err := tl.Events(cmd.Context(), f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(evs) == 0 {
				writeLine(out, "No events recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tINSTANCE\tDETAIL")
			for _, ev := range evs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.Timestamp.Local().Format("01-02 15:04:05"), ev.Type, ev.InstanceID, formatDetail(ev.Detail))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&f.InstanceID, "instance", "", "filter by instance id")
	cmd.Flags().StringVar(&f.Type, "type", "", "filter by event type")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func openTimeline(cmd *cobra.Command) (*timeline.TimelineService, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, err := os.Stat(cfg.AuditDBPath()); err != nil {
		return nil, fmt.Errorf("no audit database at %s", cfg.AuditDBPath())
	}
	return timeline.NewTimelineService(cfg.AuditDBPath())
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatDetail(d map[string]string) string {
	if len(d) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+d[k])
	}
	return strings.Join(parts, " ")
}
