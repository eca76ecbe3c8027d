package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/tachyonhq/tachyon/internal/cli"
	"github.com/tachyonhq/tachyon/pkg/manifest"
	"github.com/tachyonhq/tachyon/pkg/promotion"
)

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Manage release manifests and promotions",
}

// create

var (
	releaseServices    []string
	releaseDescription string
)

var releaseCreateCmd = &cobra.Command{
	Use:   "create <version>",
	Short: "Create a release manifest",
	Long: `Create a release manifest pinning a commit SHA (and optionally an image)
for each service. Versions are semantic versions; an existing version cannot
be recreated.`,
	Example: `  tachyon release create 1.4.0 \
    --service api=9f2c1e7 \
    --service worker=41ab0d3@registry.example.com/worker:1.4.0 \
    --description "billing rewrite"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := parseServiceFlags(releaseServices)
		if err != nil {
			return cli.ConfigError("invalid --service", err)
		}

		registry, closeRegistry, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry()

		m, err := registry.Create(cmd.Context(), args[0], releaseDescription, services)
		if err != nil {
			return cli.GeneralError("creating release", err)
		}

		if !quiet {
			fmt.Printf("Created release %s with %d service(s).\n", m.Version, len(m.Services))
		}
		return nil
	},
}

// show / list / latest

var releaseOutput string

var releaseShowCmd = &cobra.Command{
	Use:   "show <version>",
	Short: "Show a release manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, closeRegistry, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry()

		m, err := registry.Read(cmd.Context(), args[0])
		if err != nil {
			return cli.GeneralError("reading release", err)
		}
		return printManifest(m)
	},
}

var releaseLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the release with the highest version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, closeRegistry, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry()

		m, err := registry.Latest(cmd.Context())
		if err != nil {
			return cli.GeneralError("reading latest release", err)
		}
		return printManifest(m)
	},
}

var releaseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List release versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		registry, closeRegistry, err := openRegistry(ctx)
		if err != nil {
			return err
		}
		defer closeRegistry()

		versions, err := registry.Versions(ctx)
		if err != nil {
			return cli.GeneralError("listing releases", err)
		}
		for _, v := range versions {
			m, err := registry.Read(ctx, v)
			if err != nil {
				return cli.GeneralError("reading release", err)
			}
			fmt.Printf("%-12s %-22s %s\n", m.Version, rolloutState(m), m.Description)
		}
		return nil
	},
}

// promote

var (
	promoteSet            []string
	promoteDryRun         bool
	promoteConfirmVersion string
	promoteApprovedBy     string
)

var releasePromoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote a release to staging or production",
}

var promoteStagingCmd = &cobra.Command{
	Use:   "staging <version>",
	Short: "Deploy a release to staging",
	Long: `Deploy the services of a release to staging, wait for their health checks
and record the staging deployment on the manifest.

Each service is deployed at its pinned SHA unless overridden with --set.
Configured services the manifest does not pin are deployed as "latest".`,
	Example: `  tachyon release promote staging 1.4.0
  tachyon release promote staging 1.4.0 --set api=0c1d2e3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		overrides, err := parseSetFlags(promoteSet)
		if err != nil {
			return cli.ConfigError("invalid --set", err)
		}

		ctx := cmd.Context()
		registry, closeRegistry, err := openRegistry(ctx)
		if err != nil {
			return err
		}
		defer closeRegistry()

		emitter, closeEmitter, err := newAuditEmitter()
		if err != nil {
			return err
		}
		defer closeEmitter()

		gate, err := newPromotionGate(registry, emitter, promotion.Staging, promoteDryRun)
		if err != nil {
			return err
		}
		result, err := gate.PromoteToStaging(ctx, args[0], overrides, actor())
		if err != nil {
			return cli.Classify(err)
		}
		printPromotion(result)
		return nil
	},
}

var promoteProductionCmd = &cobra.Command{
	Use:   "production",
	Short: "Deploy the current release to production",
	Long: `Deploy the current (highest) release to production.

--confirm-version must name the current release exactly and the release must
already be recorded in staging. Production always receives the SHAs pinned in
the manifest.`,
	Example: `  tachyon release promote production --confirm-version 1.4.0 --approved-by alice`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		registry, closeRegistry, err := openRegistry(ctx)
		if err != nil {
			return err
		}
		defer closeRegistry()

		emitter, closeEmitter, err := newAuditEmitter()
		if err != nil {
			return err
		}
		defer closeEmitter()

		gate, err := newPromotionGate(registry, emitter, promotion.Production, promoteDryRun)
		if err != nil {
			return err
		}
		result, err := gate.PromoteToProduction(ctx, promoteConfirmVersion, actor(), promoteApprovedBy)
		if err != nil {
			return cli.Classify(err)
		}
		printPromotion(result)
		return nil
	},
}

func init() {
	releaseCreateCmd.Flags().StringArrayVar(&releaseServices, "service", nil, "service pin as name=sha[@image[:tag]] (repeatable)")
	releaseCreateCmd.Flags().StringVar(&releaseDescription, "description", "", "release description")
	_ = releaseCreateCmd.MarkFlagRequired("service")

	for _, c := range []*cobra.Command{releaseShowCmd, releaseLatestCmd} {
		c.Flags().StringVarP(&releaseOutput, "output", "o", "yaml", "output format: yaml or json")
	}

	promoteStagingCmd.Flags().StringArrayVar(&promoteSet, "set", nil, "override a service SHA as name=sha (repeatable)")
	releasePromoteCmd.PersistentFlags().BoolVar(&promoteDryRun, "dry-run", false, "resolve and check the promotion without deploying or recording it")

	promoteProductionCmd.Flags().StringVar(&promoteConfirmVersion, "confirm-version", "", "version of the current release (required)")
	promoteProductionCmd.Flags().StringVar(&promoteApprovedBy, "approved-by", "", "name of the approver (required)")
	_ = promoteProductionCmd.MarkFlagRequired("confirm-version")
	_ = promoteProductionCmd.MarkFlagRequired("approved-by")

	releasePromoteCmd.AddCommand(promoteStagingCmd, promoteProductionCmd)
	releaseCmd.AddCommand(releaseCreateCmd, releaseShowCmd, releaseListCmd, releaseLatestCmd, releasePromoteCmd)
}

// parseServiceFlags parses name=sha[@image[:tag]] pins. A colon before the
// last slash belongs to a registry host and port.
func parseServiceFlags(values []string) (map[string]manifest.Service, error) {
	services := make(map[string]manifest.Service, len(values))
	for _, v := range values {
		name, rest, ok := strings.Cut(v, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || rest == "" {
			return nil, fmt.Errorf("%q: want name=sha[@image[:tag]]", v)
		}
		if _, dup := services[name]; dup {
			return nil, fmt.Errorf("service %q given twice", name)
		}

		sha, ref, _ := strings.Cut(rest, "@")
		svc := manifest.Service{SHA: strings.TrimSpace(sha)}
		if svc.SHA == "" {
			return nil, fmt.Errorf("%q: sha is empty", v)
		}
		if ref != "" {
			svc.Image = ref
			if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
				svc.Image, svc.Tag = ref[:i], ref[i+1:]
			}
		}
		services[name] = svc
	}
	return services, nil
}

// parseSetFlags parses name=sha overrides.
func parseSetFlags(values []string) (map[string]string, error) {
	overrides := make(map[string]string, len(values))
	for _, v := range values {
		name, sha, ok := strings.Cut(v, "=")
		name, sha = strings.TrimSpace(name), strings.TrimSpace(sha)
		if !ok || name == "" || sha == "" {
			return nil, fmt.Errorf("%q: want name=sha", v)
		}
		overrides[name] = sha
	}
	return overrides, nil
}

func printManifest(m *manifest.Manifest) error {
	switch releaseOutput {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	case "yaml", "":
		out, err := yaml.Marshal(m)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	default:
		return cli.ConfigError(fmt.Sprintf("unknown output format %q", releaseOutput), nil)
	}
}

func rolloutState(m *manifest.Manifest) string {
	switch {
	case m.ProductionDeployed():
		return "production"
	case m.StagingDeployed():
		return "staging"
	default:
		return "created"
	}
}

func printPromotion(r *promotion.Result) {
	if quiet {
		return
	}
	if r.DryRun {
		fmt.Printf("Would promote %s to %s (dry run, nothing deployed or recorded).\n", r.Version, r.Environment)
	} else {
		fmt.Printf("Promoted %s to %s.\n", r.Version, r.Environment)
	}
	for _, a := range r.Artifacts {
		line := fmt.Sprintf("  %s @ %s", a.Service, a.SHA)
		if a.Image != "" {
			line += " (" + a.Image + ")"
		}
		fmt.Println(line)
	}
	for _, h := range r.Health {
		fmt.Printf("  healthy: %s in %s after %d attempt(s)\n", h.URL, h.Latency.Round(time.Millisecond), h.Attempts)
	}
}
