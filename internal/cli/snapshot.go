package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/services/snapshot"
)

const redacted = "<redacted>"

func newSnapshotCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect the enforcement configuration snapshot",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current configuration with the password hash redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := snapshot.NewFileStore(cfg.Enforcement.SnapshotPath, opts.logger).Load()
			if err != nil {
				return err
			}
			return printSnapshot(cmd, opts.outputFormat, snap)
		},
	}

	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check that a configuration file parses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			snap, err := snapshot.Decode(data)
			if err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "ok: %d devices, %d groups, %d time exceptions\n",
				len(snap.Devices), len(snap.Groups), len(snap.TimeExceptions))
			return nil
		},
	}

	cmd.AddCommand(show, validate)
	return cmd
}

func printSnapshot(cmd *cobra.Command, format string, snap *models.Snapshot) error {
	view := snap.Clone()
	if view.EmergencyOverride.HasPassword() {
		hidden := redacted
		view.EmergencyOverride.PasswordHash = &hidden
	}

	if format == "yaml" {
		data, err := snapshot.Encode(view)
		if err != nil {
			return err
		}
		_, err = out(cmd).Write(data)
		return err
	}

	return render(out(cmd), format, view, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "MODE\t%s\n", view.EffectiveMode())
		policies := make([]string, 0, len(view.PolicyActions))
		for name := range view.PolicyActions {
			policies = append(policies, name)
		}
		sort.Strings(policies)
		for _, name := range policies {
			fmt.Fprintf(w, "POLICY\t%s=%s\n", name, view.PolicyActions[name])
		}
		o := view.EmergencyOverride
		fmt.Fprintf(w, "OVERRIDE\tenabled=%t require_password=%t has_password=%t\n", o.Enabled, o.RequirePassword, o.HasPassword())
		fmt.Fprintln(w, "\nDEVICE\tIP\tMAC\tENABLED\tPERMANENT\tEXPIRES")
		for _, d := range view.Devices {
			expires := "-"
			if d.ExpiresAt != nil {
				expires = d.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n", d.Name, d.IP, deref(d.MAC), d.Enabled, d.Permanent, expires)
		}
		fmt.Fprintln(w, "\nEXCEPTION\tDAYS\tWINDOW\tDEVICES\tENABLED")
		for _, e := range view.TimeExceptions {
			fmt.Fprintf(w, "%s\t%v\t%s-%s\t%v\t%t\n", e.Name, e.Days, e.StartTime, e.EndTime, e.DeviceIPs, e.Enabled)
		}
	})
}
