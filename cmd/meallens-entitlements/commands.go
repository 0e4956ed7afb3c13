package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/meallensai/entitlements/internal/remote"
	"github.com/meallensai/entitlements/internal/resolver"
	"github.com/meallensai/entitlements/pkg/entitlements"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, commandTimeout)
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatRemaining(n int) string {
	if n == entitlements.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}

func featureArg(args []string) (string, error) {
	feature := strings.TrimSpace(args[0])
	if _, ok := entitlements.LookupFeature(feature); !ok {
		return "", fmt.Errorf("unknown feature %q (known: %s)", feature, strings.Join(entitlements.FeatureNames(), ", "))
	}
	return feature, nil
}

func newCheckCmd(opts *globalOptions) *cobra.Command {
	var withRemote, asJSON bool

	cmd := &cobra.Command{
		Use:   "check <feature>",
		Short: "Decide whether the identity may use a feature",
		Long:  `Prints the access decision for a feature and exits non-zero when the feature is locked. With --remote the subscription is refreshed first and the backend's own usage report is shown.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feature, err := featureArg(args)
			if err != nil {
				return err
			}
			a, err := newApp(opts, withRemote)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireIdentity(); err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			a.refresh(ctx)

			decision := a.svc.Decide(feature)

			var report *remote.UsageReport
			if withRemote {
				r, err := a.client.CheckUsage(ctx, *a.svc.Identity(), feature)
				if err != nil {
					log.Warn().Err(err).Str("feature", feature).Msg("Backend usage check failed")
				} else {
					report = &r
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, map[string]interface{}{
					"decision": decision,
					"backend":  report,
				}); err != nil {
					return err
				}
			} else {
				state := "allowed"
				if decision.Locked() {
					state = "locked"
				}
				fmt.Fprintf(out, "%s: %s (%s)\n", feature, state, decision.Reason)
				fmt.Fprintf(out, "  %s\n", decision.Reason.Message())
				fmt.Fprintf(out, "  remaining: %s\n", formatRemaining(decision.Remaining))
				if report != nil {
					fmt.Fprintf(out, "  backend: %d/%s used", report.CurrentUsage, formatRemaining(report.Limit))
					if report.Message != "" {
						fmt.Fprintf(out, " (%s)", report.Message)
					}
					fmt.Fprintln(out)
				}
			}

			if decision.Locked() {
				return errFeatureLocked
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withRemote, "remote", false, "refresh from the backend and include its usage report")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newRecordCmd(opts *globalOptions) *cobra.Command {
	var withRemote, asJSON bool

	cmd := &cobra.Command{
		Use:   "record <feature>",
		Short: "Record one use of a feature",
		Long:  `Records a feature use against the local trial and free usage state. With --remote the use is also mirrored to the backend before the command exits.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feature, err := featureArg(args)
			if err != nil {
				return err
			}
			a, err := newApp(opts, withRemote)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireIdentity(); err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			a.refresh(ctx)

			decision := a.svc.RecordFeatureUsage(ctx, feature)
			if err := a.svc.WaitForMirrors(ctx); err != nil {
				log.Warn().Err(err).Msg("Usage mirror did not finish")
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, a.svc.Status())
			}
			usage := a.svc.Usage()
			fmt.Fprintf(out, "Recorded %s for %s\n", feature, a.svc.Identity().ID)
			fmt.Fprintf(out, "  next decision: %s (%s)\n", decisionWord(decision), decision.Reason)
			if a.svc.IsInTrial() {
				fmt.Fprintf(out, "  trial days left: %d\n", a.svc.TrialDaysLeft())
			}
			fmt.Fprintf(out, "  free uses: %d/%d\n", usage.FreeUsageCount, a.svc.Policy().MaxFreeUsage)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withRemote, "remote", false, "refresh from and mirror usage to the backend")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the resulting status as JSON")
	return cmd
}

func decisionWord(d entitlements.AccessDecision) string {
	if d.Allowed {
		return "allowed"
	}
	return "locked"
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var withRemote, asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show trial, free usage, subscription and per-feature decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, withRemote)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()
			a.refresh(ctx)

			var backendUsage map[string]int
			if withRemote && a.svc.Identity() != nil {
				if backendUsage, err = a.client.UsageSummary(ctx, *a.svc.Identity()); err != nil {
					log.Warn().Err(err).Msg("Backend usage summary unavailable")
				}
			}

			status := a.svc.Status()
			out := cmd.OutOrStdout()
			if asJSON {
				if backendUsage == nil {
					return writeJSON(out, status)
				}
				return writeJSON(out, map[string]interface{}{
					"status":        status,
					"backend_usage": backendUsage,
				})
			}
			return printStatus(out, status, backendUsage)
		},
	}
	cmd.Flags().BoolVar(&withRemote, "remote", false, "refresh from the backend first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printStatus(out io.Writer, status resolver.Status, backendUsage map[string]int) error {
	if status.Identity == nil {
		fmt.Fprintln(out, "Identity: none (all features locked)")
	} else {
		fmt.Fprintf(out, "Identity: %s", status.Identity.ID)
		if status.Identity.Role != "" {
			fmt.Fprintf(out, " (%s)", status.Identity.Role)
		}
		fmt.Fprintln(out)
	}
	if status.Privileged {
		fmt.Fprintln(out, "Access: privileged")
	}

	switch {
	case !status.Trial.Started:
		fmt.Fprintln(out, "Trial: not started")
	case status.Trial.Active:
		fmt.Fprintf(out, "Trial: active, %d days left\n", status.Trial.DaysLeft)
	default:
		fmt.Fprintln(out, "Trial: expired")
	}
	fmt.Fprintf(out, "Free uses: %d/%d (%d remaining)\n", status.FreeUsage.Count, status.FreeUsage.Max, status.FreeUsage.Remaining)

	if sub := status.Subscription; sub != nil {
		plan := sub.Plan.DisplayName
		if plan == "" {
			plan = sub.Plan.Name
		}
		fmt.Fprintf(out, "Subscription: %s, plan %s", sub.Status, plan)
		if status.Dates.End != nil {
			fmt.Fprintf(out, ", ends %s (%d days)", status.Dates.End.Format("2006-01-02"), status.Dates.DaysUntilExpiry)
		}
		fmt.Fprintln(out)
	} else {
		fmt.Fprintln(out, "Subscription: none")
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FEATURE\tACCESS\tREASON\tREMAINING")
	for _, f := range status.Features {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Name, decisionWord(f.Decision), f.Decision.Reason, formatRemaining(f.Decision.Remaining))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(backendUsage) > 0 {
		keys := make([]string, 0, len(backendUsage))
		for k := range backendUsage {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Backend usage:")
		for _, k := range keys {
			fmt.Fprintf(out, "  %s: %d\n", k, backendUsage[k])
		}
	}
	return nil
}

func newResetCmd(opts *globalOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the free usage counter (and with --all the trial)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireIdentity(); err != nil {
				return err
			}

			if all {
				if err := a.svc.ResetAll(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset trial and free usage for %s\n", a.svc.Identity().ID)
				return nil
			}
			if err := a.svc.ResetFreeUsage(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset free usage for %s\n", a.svc.Identity().ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also clear the trial start")
	return cmd
}

func newFeaturesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "features",
		Short: "List the gated feature catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			features := entitlements.Features()
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, features)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTITLE\tTRIAL LIMIT")
			for _, f := range features {
				fmt.Fprintf(w, "%s\t%s\t%d\n", f.Name, f.Title, f.TrialLimit)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newPlansCmd(opts *globalOptions) *cobra.Command {
	var withRemote, asJSON bool

	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List subscription plans",
		Long:  `Lists the compiled-in plan catalog, or with --remote the backend's plans (falling back to the compiled-in catalog when the backend is unavailable).`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plans := entitlements.DefaultPlans()
			if withRemote {
				a, err := newApp(opts, true)
				if err != nil {
					return err
				}
				defer a.Close()
				ctx, cancel := commandContext(cmd)
				defer cancel()
				plans = a.client.PlansOrFallback(ctx)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, plans)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDAYS\tLIMITS")
			for _, p := range plans {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.ID, p.DisplayName, p.DurationDays, formatLimits(p.Limits))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&withRemote, "remote", false, "fetch plans from the backend")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func formatLimits(limits map[string]int) string {
	if len(limits) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(limits))
	for k := range limits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatRemaining(limits[k]))
	}
	return strings.Join(parts, " ")
}
