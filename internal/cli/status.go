package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/fleetgate/internal/config"
	"github.com/KafClaw/fleetgate/internal/instance"
	"github.com/KafClaw/fleetgate/internal/session"
	"github.com/KafClaw/fleetgate/internal/timeline"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			writeLine(cmd.OutOrStdout(), "fleetgate %s", version)
		},
	}
}

func newStatusCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local gateway state",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			printHeader(out, "📊 fleetgate status")
			writeLine(out, "Version:   %s", version)

			path, _ := config.ConfigPath()
			_, statErr := os.Stat(path)
			writeLine(out, "Config:    %s %s", check(statErr == nil), path)

			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			writeLine(out, "Listen:    %s", cfg.Addr())

			if _, err := os.Stat(cfg.StorePath()); err != nil {
				writeLine(out, "Store:     %s %s (not created yet)", check(false), cfg.StorePath())
			} else if store, err := instance.OpenSQLite(cfg.Store.Driver, cfg.StorePath()); err != nil {
				writeLine(out, "Store:     %s %v", check(false), err)
			} else {
				insts, err := store.List(cmd.Context())
				store.Close()
				if err != nil {
					writeLine(out, "Store:     %s %v", check(false), err)
				} else {
					counts := map[instance.Status]int{}
					for _, inst := range insts {
						counts[inst.Status]++
					}
					writeLine(out, "Instances: %d (%s %d, %s %d, %s %d)", len(insts),
						colorStatus(instance.StatusOnline), counts[instance.StatusOnline],
						colorStatus(instance.StatusOffline), counts[instance.StatusOffline],
						colorStatus(instance.StatusUnknown), counts[instance.StatusUnknown])
				}
			}

			if mgr, err := session.NewManager(cfg.SessionsDir()); err == nil {
				if infos, err := mgr.List(""); err == nil {
					writeLine(out, "Sessions:  %d", len(infos))
				}
			}

			if !cfg.Audit.Enabled {
				writeLine(out, "Audit:     disabled")
				return nil
			}
			if _, err := os.Stat(cfg.AuditDBPath()); err != nil {
				writeLine(out, "Audit:     no records yet")
				return nil
			}
			tl, err := timeline.NewTimelineService(cfg.AuditDBPath())
			if err != nil {
				writeLine(out, "Audit:     %s %v", check(false), err)
				return nil
			}
			defer tl.Close()
			sums, err := tl.Summaries(cmd.Context(), time.Now().Add(-window))
			if err != nil {
				return err
			}
			writeLine(out, "\nOperations in the last %s:", window)
			if len(sums) == 0 {
				writeLine(out, "  none")
			} else {
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "  INSTANCE\tTOTAL\tERRORS\tPARTIAL\tLAST")
				for _, s := range sums {
					fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\t%s\n", s.InstanceID, s.Total, s.Errors, s.Partial, s.LastAt.Local().Format("2006-01-02 15:04"))
				}
				tw.Flush()
			}
			if jobs, err := tl.ListScheduledJobs(); err == nil && len(jobs) > 0 {
				writeLine(out, "\nScheduled jobs:")
				for _, j := range jobs {
					writeLine(out, "  %-14s %-20s runs=%d last=%s", j.JobName, j.LastStatus, j.RunCount, j.LastRunAt.Local().Format("2006-01-02 15:04"))
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "audit summary window")
	return cmd
}
