package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/rcourtman/shopcalc/internal/featuregate"
	"github.com/rcourtman/shopcalc/internal/licensestate"
	"github.com/rcourtman/shopcalc/pkg/licensing"
)

func newDeviceIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device-id",
		Short: "Print this device's id for license requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(a *app) error {
				fmt.Fprintln(cmd.OutOrStdout(), a.controller.DeviceID(cmd.Context()))
				return nil
			})
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the license status without changing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(a *app) error {
				snap, err := a.controller.Load(cmd.Context())
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), snap, opts.json)
			})
		},
	}
}

func newTrialCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trial",
		Short: "Start the free trial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(a *app) error {
				decision, err := a.controller.GrantTrial(cmd.Context())
				if err != nil {
					return err
				}
				if !decision.Granted {
					return fmt.Errorf("trial not started: %s", licensing.TrialMessage(decision.Reason))
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "Free trial started.")
				return printStatus(cmd.OutOrStdout(), a.controller.Snapshot(), opts.json)
			})
		},
	}
}

func newActivateCmd(opts *rootOptions) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "activate [CODE|-]",
		Short: "Activate a license with an activation code",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readArgOrStdin(cmd, args, code)
			if err != nil {
				return err
			}
			return withApp(cmd, false, func(a *app) error {
				snap, err := a.controller.AcceptCredential(cmd.Context(), token)
				if err != nil {
					var rejected *licensestate.RejectionError
					if errors.As(err, &rejected) {
						return errors.New(rejected.Message())
					}
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "License activated.")
				return printStatus(cmd.OutOrStdout(), snap, opts.json)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "activation code, or - to read it from stdin")
	return cmd
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored license from this device",
		Long:  `Removes the stored license. A trial already used on this device stays used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(a *app) error {
				snap, err := a.controller.Clear(cmd.Context())
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), snap, opts.json)
			})
		},
	}
}

func newFeaturesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "List premium features and whether they are unlocked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(a *app) error {
				if _, err := a.controller.Load(cmd.Context()); err != nil {
					return err
				}
				features := a.gate.Features()
				if opts.json {
					return printJSON(cmd.OutOrStdout(), features)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, name := range licensing.BaselineFeatures {
					state := "locked"
					if features[name] {
						state = "unlocked"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", name, licensing.GetFeatureDisplayName(name), state)
				}
				return tw.Flush()
			})
		},
	}
}

func newAdminOverrideCmd(opts *rootOptions) *cobra.Command {
	var idToken string
	cmd := &cobra.Command{
		Use:   "admin-override",
		Short: "Unlock this device for an allow-listed administrator",
		Long: `Signs in through the configured OIDC provider and grants this device a
lifetime license when the account is allow-listed. Pass --id-token to use a
token obtained elsewhere; otherwise a device login is started.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(a *app) error {
				ctx := cmd.Context()
				raw := strings.TrimSpace(idToken)
				if raw == "" {
					token, err := a.admin.DeviceLogin(ctx, devicePrompt(cmd.ErrOrStderr()))
					if err != nil {
						return err
					}
					raw = token
				}
				snap, err := a.controller.ApplyAdminOverride(ctx, raw)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Admin override applied for %s.\n", snap.AdminSubject)
				return printStatus(cmd.OutOrStdout(), snap, opts.json)
			})
		},
	}
	cmd.Flags().StringVar(&idToken, "id-token", "", "OIDC ID token of the administrator")
	return cmd
}

func devicePrompt(w io.Writer) func(*oauth2.DeviceAuthResponse) {
	return func(auth *oauth2.DeviceAuthResponse) {
		uri := auth.VerificationURIComplete
		if uri == "" {
			uri = auth.VerificationURI
		}
		fmt.Fprintf(w, "Open %s and enter code %s to sign in.\n", uri, auth.UserCode)
	}
}

func newVoiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voice",
		Short: "Start a voice assistant session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(a *app) error {
				if _, err := a.controller.Load(cmd.Context()); err != nil {
					return err
				}
				err := a.voice.StartSession(cmd.Context(), func(ctx context.Context) error {
					fmt.Fprintln(cmd.OutOrStdout(), "Voice session started.")
					return nil
				})
				if errors.Is(err, featuregate.ErrFeatureLocked) {
					return fmt.Errorf("%s requires an active license or trial", licensing.GetFeatureDisplayName(licensing.FeatureVoice))
				}
				return err
			})
		},
	}
}

func printStatus(w io.Writer, snap licensestate.Snapshot, asJSON bool) error {
	if asJSON {
		return printJSON(w, snap)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Device:\t%s\n", snap.DeviceID)
	fmt.Fprintf(tw, "Status:\t%s\n", snap.Status)
	fmt.Fprintf(tw, "Tier:\t%s\n", licensing.GetTierDisplayName(snap.Tier))
	if snap.Source != licensestate.SourceNone {
		fmt.Fprintf(tw, "Source:\t%s\n", snap.Source)
	}
	if snap.Plan != "" {
		fmt.Fprintf(tw, "Plan:\t%s\n", snap.Plan)
	}
	if snap.ExpiresAt != nil {
		fmt.Fprintf(tw, "Expires:\t%s\n", formatExpiry(*snap.ExpiresAt, snap.EvaluatedAt))
	}
	if snap.AdminSubject != "" {
		fmt.Fprintf(tw, "Admin:\t%s\n", snap.AdminSubject)
	}
	if snap.Active() && len(snap.Features) > 0 {
		fmt.Fprintf(tw, "Features:\t%s\n", strings.Join(snap.Features, ", "))
	}
	return tw.Flush()
}

func formatExpiry(expiresAt, now time.Time) string {
	if licensing.IsPerpetual(expiresAt, now) {
		return "never"
	}
	return expiresAt.Local().Format(time.RFC1123)
}
