package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/KafClaw/fleetgate/internal/adapter"
	"github.com/KafClaw/fleetgate/internal/config"
	"github.com/KafClaw/fleetgate/internal/instance"
	"github.com/KafClaw/fleetgate/internal/secrets"
)

const reloadHint = "A running gateway picks this up on POST /api/v1/registry/reload or restart."

func newInstancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"instance", "inst"},
		Short:   "Manage registered instances in the local store",
	}
	cmd.AddCommand(
		newInstancesListCmd(),
		newInstancesAddCmd(),
		newInstancesRemoveCmd(),
		newInstancesImportCmd(),
	)
	return cmd
}

// withStore loads config and opens the instance store for one command.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, store *instance.SQLiteStore) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return err
	}
	store, err := instance.OpenSQLite(cfg.Store.Driver, cfg.StorePath())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cmd.Context(), cfg, store)
}

// supported rejects runtimes no built-in adapter serves.
func supported(inst instance.Instance) error {
	_, err := adapter.DefaultTable(adapter.Options{}).Lookup(inst.Runtime)
	return err
}

func newInstancesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, cfg *config.Config, store *instance.SQLiteStore) error {
				insts, err := store.List(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(insts) == 0 {
					writeLine(out, "No instances registered.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tRUNTIME\tENDPOINT\tSTATUS\tCREDENTIAL")
				for _, inst := range insts {
					cred := "-"
					if inst.Credential != "" {
						cred = inst.Credential
						if !secrets.IsReference(cred) {
							cred = secrets.Mask(cred)
						}
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", inst.ID, inst.Runtime, inst.Endpoint, colorStatus(inst.Status), cred)
				}
				return tw.Flush()
			})
		},
	}
}

func newInstancesAddCmd() *cobra.Command {
	var inst instance.Instance
	var runtime string
	var seal bool
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or replace an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst.ID = args[0]
			inst.Runtime = instance.Runtime(runtime)
			if err := inst.Validate(); err != nil {
				return err
			}
			if err := supported(inst); err != nil {
				return err
			}
			if seal && inst.Credential != "" && !secrets.IsReference(inst.Credential) {
				ref, err := secrets.Seal(inst.Credential)
				if err != nil {
					return fmt.Errorf("seal credential: %w", err)
				}
				inst.Credential = ref
			}
			return withStore(cmd, func(ctx context.Context, cfg *config.Config, store *instance.SQLiteStore) error {
				if err := store.Put(ctx, inst); err != nil {
					return err
				}
				writeLine(cmd.OutOrStdout(), "%s Instance %s (%s) saved.", check(true), inst.ID, inst.Runtime)
				writeLine(cmd.OutOrStdout(), reloadHint)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&inst.Name, "name", "", "display name (defaults to the id)")
	f.StringVar(&runtime, "runtime", "", "runtime family: http, ws or kafka")
	f.StringVar(&inst.Endpoint, "endpoint", "", "base URL, websocket URL or Kafka broker list")
	f.StringVar(&inst.Credential, "credential", "", "token or reference (env:NAME, file:/path, keyring:service/user)")
	f.StringToStringVar(&inst.Options, "option", nil, "runtime option key=value (repeatable)")
	f.BoolVar(&seal, "seal", false, "encrypt a literal credential with the master key before storing it")
	return cmd
}

func newInstancesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove an instance",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, cfg *config.Config, store *instance.SQLiteStore) error {
				if err := store.Delete(ctx, args[0]); err != nil {
					return err
				}
				writeLine(cmd.OutOrStdout(), "%s Instance %s removed.", check(true), args[0])
				writeLine(cmd.OutOrStdout(), reloadHint)
				return nil
			})
		},
	}
}

func newInstancesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <manifest.yaml|manifest.json>",
		Short: "Import instances from a manifest file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := instance.LoadManifest(args[0])
			if err != nil {
				return err
			}
			for _, inst := range m.Instances {
				if err := supported(inst); err != nil {
					return fmt.Errorf("instance %s: %w", inst.ID, err)
				}
			}
			return withStore(cmd, func(ctx context.Context, cfg *config.Config, store *instance.SQLiteStore) error {
				n, err := instance.Seed(ctx, store, m.Instances)
				if err != nil {
					return err
				}
				writeLine(cmd.OutOrStdout(), "%s Imported %d instance(s).", check(true), n)
				writeLine(cmd.OutOrStdout(), reloadHint)
				return nil
			})
		},
	}
}
