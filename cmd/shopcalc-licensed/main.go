package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rcourtman/shopcalc/internal/api"
	"github.com/rcourtman/shopcalc/internal/config"
	"github.com/rcourtman/shopcalc/internal/license"
	"github.com/rcourtman/shopcalc/internal/licensestate"
	"github.com/rcourtman/shopcalc/pkg/licensing"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
	runServer    = api.Run
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shopcalc-licensed",
		Short:         "shopcalc license server",
		Long:          `Issues and verifies device-bound shopcalc activation codes and keeps the trial ledger.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), Version)
		},
	}
	root.AddCommand(
		newServeCmd(),
		newKeygenCmd(),
		newIssueCmd(),
		newVerifyCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the license HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), Version)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "shopcalc-licensed %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

// keygenOutput is printed by keygen. The seed is the signing key.
type keygenOutput struct {
	SigningKey  string `json:"signingKey"`
	PublicKey   string `json:"publicKey"`
	KeyID       string `json:"keyId"`
	Fingerprint string `json:"fingerprint"`
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key",
		Long: `Generates a new signing key. Put signingKey in SHOPCALC_SIGNING_KEYS on the
server and ship publicKey with the app (SHOPCALC_LICENSE_PUBLIC_KEY or the
embedded build key).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), keygenOutput{
				SigningKey:  licensing.EncodeKey(priv.Seed()),
				PublicKey:   licensing.EncodeKey(pub),
				KeyID:       licensing.KeyID(pub),
				Fingerprint: licensing.PublicKeyFingerprint(pub),
			})
		},
	}
}

type issueOptions struct {
	deviceID   string
	plan       string
	months     int
	features   []string
	signingKey string
	remote     string
	secret     string
	timeout    time.Duration
}

func newIssueCmd() *cobra.Command {
	opts := &issueOptions{}
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an activation code for a device",
		Long: `Signs an activation code locally with --key (or SHOPCALC_SIGNING_KEYS), or asks
a running license server with --remote.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var months *int
			if cmd.Flags().Changed("months") {
				months = &opts.months
			}
			resp, err := runIssue(cmd.Context(), cmd, opts, months)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&opts.deviceID, "device", "", "device id the code is bound to")
	cmd.Flags().StringVar(&opts.plan, "plan", string(licensing.DefaultPlan), "plan: monthly or lifetime")
	cmd.Flags().IntVar(&opts.months, "months", licensing.DefaultMonths, "monthly term length")
	cmd.Flags().StringSliceVar(&opts.features, "feature", nil, "feature to grant (repeatable); default grants the baseline set")
	cmd.Flags().StringVar(&opts.signingKey, "key", "", "base64 signing key for offline issuance")
	cmd.Flags().StringVar(&opts.remote, "remote", "", "license server base URL")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "operator secret for --remote (default $SHOPCALC_OPERATOR_SECRET, else prompt)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", config.DefaultVerifyTimeout, "request timeout for --remote")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func runIssue(ctx context.Context, cmd *cobra.Command, opts *issueOptions, months *int) (licensing.IssueResponse, error) {
	if opts.remote != "" {
		client, err := licensestate.NewRemoteClient(opts.remote, opts.timeout, nil)
		if err != nil {
			return licensing.IssueResponse{}, err
		}
		secret, err := operatorSecret(cmd, opts.secret)
		if err != nil {
			return licensing.IssueResponse{}, err
		}
		return client.Issue(ctx, licensing.IssueRequest{
			DeviceID: opts.deviceID,
			Plan:     opts.plan,
			Months:   months,
			Features: opts.features,
		}, secret)
	}

	encoded := []string{opts.signingKey}
	if strings.TrimSpace(opts.signingKey) == "" {
		encoded = splitKeys(os.Getenv("SHOPCALC_SIGNING_KEYS"))
	}
	keys, err := license.ParseSigningKeys(encoded)
	if err != nil {
		return licensing.IssueResponse{}, err
	}
	if len(keys) == 0 {
		return licensing.IssueResponse{}, licensing.NewError(licensing.CodeConfiguration, "no signing key: pass --key or set SHOPCALC_SIGNING_KEYS", nil)
	}
	pool, err := license.NewRotatingKeyPool(keys, 0, nil)
	if err != nil {
		return licensing.IssueResponse{}, err
	}
	issuer, err := license.NewIssuer(license.IssuerConfig{Pool: pool})
	if err != nil {
		return licensing.IssueResponse{}, err
	}
	issued, err := issuer.Issue(ctx, license.IssueParams{
		DeviceID: opts.deviceID,
		Plan:     opts.plan,
		Months:   months,
		Features: opts.features,
	}, "")
	if err != nil {
		return licensing.IssueResponse{}, err
	}
	return licensing.IssueResponse{
		Token:     issued.Token,
		DeviceID:  issued.DeviceID,
		Plan:      string(issued.Plan),
		IssuedAt:  issued.IssuedAt.UTC().Format(time.RFC3339),
		ExpiresAt: licensing.FormatExpiry(issued.Plan, issued.ExpiresAt, issued.IssuedAt),
		Features:  issued.Features,
		LicenseID: issued.LicenseID,
	}, nil
}

func operatorSecret(cmd *cobra.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if secret := strings.TrimSpace(os.Getenv("SHOPCALC_OPERATOR_SECRET")); secret != "" {
		return secret, nil
	}
	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Operator secret: ")
	raw, err := readPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read operator secret: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

type verifyOptions struct {
	token     string
	deviceID  string
	publicKey string
	remote    string
	timeout   time.Duration
}

var errRejected = errors.New("credential rejected")

func newVerifyCmd() *cobra.Command {
	opts := &verifyOptions{}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify an activation code against a device id",
		RunE: func(cmd *cobra.Command, args []string) error {
			verifier, err := buildVerifier(opts)
			if err != nil {
				return err
			}
			token := strings.TrimSpace(opts.token)
			if token == "-" {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 16<<10))
				if err != nil {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimSpace(string(data))
			}
			result, err := verifier.Verify(cmd.Context(), token, opts.deviceID)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), licensing.NewVerifyResponse(result, time.Now())); err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("%w: %s", errRejected, result.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.token, "token", "", "activation code, or - to read it from stdin")
	cmd.Flags().StringVar(&opts.deviceID, "device", "", "device id to check the code against")
	cmd.Flags().StringVar(&opts.publicKey, "public-key", "", "base64 public key (default $SHOPCALC_VERIFY_KEYS or the embedded key)")
	cmd.Flags().StringVar(&opts.remote, "remote", "", "verify against a license server instead")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", config.DefaultVerifyTimeout, "request timeout for --remote")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func buildVerifier(opts *verifyOptions) (licensing.CredentialVerifier, error) {
	if opts.remote != "" {
		client, err := licensestate.NewRemoteClient(opts.remote, opts.timeout, nil)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	configured := []string{opts.publicKey}
	if strings.TrimSpace(opts.publicKey) == "" {
		configured = splitKeys(os.Getenv("SHOPCALC_VERIFY_KEYS"))
	}
	verifier, err := license.NewVerifier(license.VerifierConfig{
		PublicKeys: license.ResolvePublicKeys(configured),
	})
	if err != nil {
		return nil, err
	}
	return verifier, nil
}

func splitKeys(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
