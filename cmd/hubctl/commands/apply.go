package commands

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hubctl/pkg/config"
	"github.com/openfroyo/hubctl/pkg/diagnostics"
	"github.com/openfroyo/hubctl/pkg/engine"
	"github.com/openfroyo/hubctl/pkg/policy"
	"github.com/openfroyo/hubctl/pkg/settings"
)

// applyOptions are the apply flags that override the configuration.
type applyOptions struct {
	subscription   string
	resourceGroup  string
	storageAccount string
	scopes         []string
	settingsFile   string
	initialWait    time.Duration
	maxAttempts    int
	grace          time.Duration
	fanOut         bool
	workers        int
}

func newApplyCommand() *cobra.Command {
	var opts applyOptions

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Merge export scopes into the hub settings",
		Long: `Merge export scopes, version and retention into the hub settings.

This command:
  - Checks the scopes against the scope policies
  - Writes config/settings.json as one idempotent merge per request
  - Retries while role assignments propagate (60s, then 30s doubling)
  - Runs a read-only diagnostic sweep when retries are exhausted
  - Records every attempt in the history database

Exit status is 0 when every request succeeded, 2 when a request was
exhausted (the diagnostic report is printed) and 3 when a policy blocked
the change.`,
		Example: `  # Add a subscription scope
  hubctl apply --resource-group finops --scope /subscriptions/<id>

  # Several scopes, one request each, written concurrently
  hubctl apply --scope /subscriptions/<a> --scope /subscriptions/<b> --fan-out --workers 2

  # Tighter schedule against a local file; the hub subscription, resource
  # group and storage account are still required as the target that
  # diagnostics inspect
  hubctl apply --settings-file settings.json --scope /subscriptions/<id> --initial-wait 10s --max-attempts 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.subscription, "subscription", "", "hub subscription ID")
	cmd.Flags().StringVarP(&opts.resourceGroup, "resource-group", "g", "", "hub resource group")
	cmd.Flags().StringVar(&opts.storageAccount, "storage-account", "", "hub storage account")
	cmd.Flags().StringArrayVarP(&opts.scopes, "scope", "s", nil, "export scope to add (repeatable)")
	cmd.Flags().StringVar(&opts.settingsFile, "settings-file", "", "local settings.json instead of the hub blob (the hub is still the diagnosed target)")
	cmd.Flags().DurationVar(&opts.initialWait, "initial-wait", 0, "delay after the first failed attempt")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", 0, "total attempts per request")
	cmd.Flags().DurationVar(&opts.grace, "grace", 0, "wait before the first attempt")
	cmd.Flags().BoolVar(&opts.fanOut, "fan-out", false, "one request per scope, run concurrently")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "max concurrent requests with --fan-out")

	return cmd
}

// overrideConfig applies the flags that were set on the command line.
func (o applyOptions) overrideConfig(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("subscription") {
		cfg.Azure.SubscriptionID = o.subscription
	}
	if flags.Changed("resource-group") {
		cfg.Azure.ResourceGroup = o.resourceGroup
	}
	if flags.Changed("storage-account") {
		cfg.Azure.StorageAccount = o.storageAccount
	}
	if flags.Changed("settings-file") {
		cfg.Settings.File = o.settingsFile
	}
	if flags.Changed("initial-wait") {
		cfg.Retry.InitialWait = o.initialWait
	}
	if flags.Changed("max-attempts") {
		cfg.Retry.MaxAttempts = o.maxAttempts
	}
	if flags.Changed("grace") {
		cfg.Retry.Grace = o.grace
	}
	if flags.Changed("workers") {
		cfg.Workers = o.workers
	}
}

func runApply(cmd *cobra.Command, opts applyOptions) (err error) {
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

	span := rt.start(ctx, "apply")
	defer func() { span.End(err) }()
	ctx = span.Ctx

	cfg := rt.cfg
	opts.overrideConfig(cmd, cfg)
	if err := config.NewLoader().Validate(cfg); err != nil {
		return err
	}
	if err := cfg.Azure.Validate(); err != nil {
		if cfg.Settings.File != "" {
			return fmt.Errorf("%w: the hub identifies the target even with a settings file", err)
		}
		return err
	}

	target := cfg.Azure.Target()
	principal, err := rt.principal(ctx)
	if err != nil {
		return err
	}

	patch := cfg.Settings.Patch(opts.scopes...)
	if err := config.NewSchemaRegistry().ValidateAgainstSchema(config.SchemaPatch, patch); err != nil {
		return err
	}
	if _, err := rt.checkPolicy(ctx, policy.InputForPatch("apply", target, principal, patch)); err != nil {
		return err
	}

	reqs, err := buildRequests(target, principal, cfg.RequiredRoles, patch, opts.fanOut)
	if err != nil {
		return err
	}

	store, err := rt.settingsStore(ctx)
	if err != nil {
		return err
	}
	probe, err := rt.probe(ctx)
	if err != nil {
		return err
	}
	classifier, _, err := rt.classifier()
	if err != nil {
		return err
	}

	orch := rt.orchestrator(
		settings.NewMutator(store, rt.tel.Logger.NewComponentLogger("settings").Zerolog()),
		classifier,
		rt.reporter(probe),
	)

	workers := 1
	if opts.fanOut {
		workers = cfg.Workers
	}

	log.Info().
		Str("target", target.ID).
		Str("location", store.Location()).
		Int("requests", len(reqs)).
		Int("workers", workers).
		Msg("Applying settings")

	results, runErr := engine.NewPool(orch, workers, rt.logger()).RunAll(ctx, reqs)

	if err := printApply(rt.out, results, jsonOutput); err != nil {
		return err
	}
	return runErr
}

// buildRequests returns one request for the whole patch, or with fanOut one
// request per scope. Version and retention travel with the first request.
func buildRequests(target engine.ResourceRef, principal engine.Principal, roles []string, patch settings.Patch, fanOut bool) ([]engine.OperationRequest, error) {
	if !fanOut || len(patch.Scopes) < 2 {
		req, err := settings.NewRequest(target, principal, roles, patch)
		if err != nil {
			return nil, err
		}
		return []engine.OperationRequest{req}, nil
	}

	reqs := make([]engine.OperationRequest, 0, len(patch.Scopes))
	for i, scope := range patch.Scopes {
		p := settings.Patch{Scopes: []string{scope}}
		if i == 0 {
			p.Version = patch.Version
			p.Retention = patch.Retention
		}
		req, err := settings.NewRequest(target, principal, roles, p)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// applyOutput is the printed form of one result.
type applyOutput struct {
	OperationID    string                   `json:"operation_id"`
	State          engine.State             `json:"state"`
	Attempts       int                      `json:"attempts"`
	Waited         string                   `json:"waited"`
	LastClass      engine.FailureClass      `json:"last_class,omitempty"`
	LastError      string                   `json:"last_error,omitempty"`
	Location       string                   `json:"location,omitempty"`
	Changed        bool                     `json:"changed"`
	Added          []string                 `json:"added,omitempty"`
	Report         *engine.DiagnosticReport `json:"report,omitempty"`
	Recommendation string                   `json:"recommendation,omitempty"`
}

func toApplyOutput(r *engine.Result) applyOutput {
	out := applyOutput{
		OperationID: r.Request.ID,
		State:       r.State,
		Attempts:    r.Attempts,
		Waited:      r.Waited.String(),
		Report:      r.Report,
	}
	if r.Report != nil {
		out.Recommendation = r.Report.Recommendation
	}
	if last, ok := r.LastOutcome(); ok {
		if last.Succeeded() {
			if res, err := settings.DecodeResult(last); err == nil {
				out.Location = res.Location
				out.Changed = res.Changed
				out.Added = res.Added
			}
		} else {
			out.LastClass = last.Class
			out.LastError = last.Message
		}
	}
	return out
}

func printApply(w io.Writer, results []*engine.Result, asJSON bool) error {
	outputs := make([]applyOutput, 0, len(results))
	for _, r := range results {
		if r != nil {
			outputs = append(outputs, toApplyOutput(r))
		}
	}

	if asJSON {
		return writeJSON(w, struct {
			Summary    engine.Summary `json:"summary"`
			Operations []applyOutput  `json:"operations"`
		}{engine.Summarize(results), outputs})
	}

	var errs []error
	for _, o := range outputs {
		switch o.State {
		case engine.StateSucceeded:
			fmt.Fprintf(w, "Operation %s: succeeded after %d attempt(s), waited %s\n", o.OperationID, o.Attempts, o.Waited)
			fmt.Fprintf(w, "  Location: %s\n", o.Location)
			if len(o.Added) > 0 {
				for _, s := range o.Added {
					fmt.Fprintf(w, "  + %s\n", s)
				}
			} else if !o.Changed {
				fmt.Fprintln(w, "  No change: settings already up to date")
			}
		case engine.StateExhausted:
			fmt.Fprintf(w, "Operation %s: exhausted after %d attempt(s), last failure %s: %s\n\n",
				o.OperationID, o.Attempts, o.LastClass, o.LastError)
			errs = append(errs, diagnostics.Render(w, o.Report))
		default:
			fmt.Fprintf(w, "Operation %s: %s after %d attempt(s)\n", o.OperationID, o.State, o.Attempts)
		}
	}

	s := engine.Summarize(results)
	if s.Total > 1 {
		fmt.Fprintf(w, "\n%d operation(s): %d succeeded, %d exhausted, %d cancelled, %d rejected\n",
			s.Total, s.Succeeded, s.Exhausted, s.Cancelled, s.Rejected)
	}
	return errors.Join(errs...)
}
