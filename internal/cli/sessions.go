package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/KafClaw/fleetgate/internal/session"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect local chat session records",
	}

	var userID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openSessions(cmd)
			if err != nil {
				return err
			}
			infos, err := mgr.List(userID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				writeLine(out, "No sessions.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSER\tINSTANCE\tREMOTE\tMESSAGES\tUPDATED")
			for _, s := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", s.ID, s.UserID, s.InstanceID, s.RemoteID, s.Messages, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&userID, "user", "", "only sessions of this user")

	var last int
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openSessions(cmd)
			if err != nil {
				return err
			}
			s, err := mgr.Get(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			info := s.Info()
			writeLine(out, "Session:  %s", info.ID)
			writeLine(out, "User:     %s", info.UserID)
			writeLine(out, "Instance: %s (remote %s)", info.InstanceID, info.RemoteID)
			for _, m := range s.GetHistory(last) {
				writeLine(out, "\n[%s] %s\n%s", m.Timestamp.Local().Format("15:04:05"), m.Role, m.Content)
			}
			return nil
		},
	}
	show.Flags().IntVar(&last, "last", 0, "only the last N messages (0 = all)")

	cmd.AddCommand(list, show)
	return cmd
}

func openSessions(cmd *cobra.Command) (*session.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return session.NewManager(cfg.SessionsDir())
}
