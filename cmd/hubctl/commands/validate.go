package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hubctl/pkg/config"
	"github.com/openfroyo/hubctl/pkg/engine"
	"github.com/openfroyo/hubctl/pkg/policy"
	"github.com/openfroyo/hubctl/pkg/settings"
)

// validationStep is one line of the validate report.
type validationStep struct {
	Name    string   `json:"name"`
	OK      bool     `json:"ok"`
	Skipped bool     `json:"skipped,omitempty"`
	Detail  string   `json:"detail,omitempty"`
	Issues  []string `json:"issues,omitempty"`
}

// validateOptions are the validate flags.
type validateOptions struct {
	settingsFile string
	scopes       []string
	remote       bool
	watch        bool
}

func newValidateCommand() *cobra.Command {
	var opts validateOptions

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, settings and policies",
		Long: `Validate without writing anything.

This command checks:
  - The configuration file against the built-in schema
  - The classification rules script and its examples
  - The settings document against the settings schema
  - The configured and given scopes against the scope policies

With --watch it validates again whenever the configuration, settings file,
rules script or policy files change.`,
		Example: `  hubctl validate --config hubctl.yaml
  hubctl validate --settings-file settings.json --scope /subscriptions/<id>
  hubctl validate --remote
  hubctl validate --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.watch {
				return runValidate(cmd, opts)
			}

			if err := runValidate(cmd, opts); err != nil {
				log.Warn().Err(err).Msg("Validation failed")
			}
			return config.Watch(cmd.Context(), log.Logger, watchPaths(opts), config.DefaultWatchDebounce, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "\n--- %s\n", time.Now().Format(time.TimeOnly))
				if err := runValidate(cmd, opts); err != nil {
					log.Warn().Err(err).Msg("Validation failed")
				}
			})
		},
	}

	cmd.Flags().StringVar(&opts.settingsFile, "settings-file", "", "local settings.json to validate")
	cmd.Flags().StringArrayVarP(&opts.scopes, "scope", "s", nil, "scope to check against the policies (repeatable)")
	cmd.Flags().BoolVar(&opts.remote, "remote", false, "validate the settings blob in the hub storage account")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "validate again when watched files change")

	return cmd
}

// watchPaths lists the local files validation depends on.
func watchPaths(opts validateOptions) []string {
	paths := []string{configPath}
	cfg, err := config.Load(configPath)
	if err != nil {
		return paths
	}
	if opts.settingsFile != "" {
		cfg.Settings.File = opts.settingsFile
	}
	paths = append(paths, cfg.Settings.File, cfg.Rules.Script)
	return append(paths, cfg.Policy.Paths...)
}

func runValidate(cmd *cobra.Command, opts validateOptions) error {
	ctx := cmd.Context()

	rt, err := newRuntime(cmd, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()

	cfg := rt.cfg
	if cmd.Flags().Changed("settings-file") {
		cfg.Settings.File = opts.settingsFile
	}

	source := cfg.Source
	if source == "" {
		source = "defaults"
	}
	steps := []validationStep{{Name: "config", OK: true, Detail: source}}

	steps = append(steps, rt.validateRules())

	if cfg.Settings.File != "" || opts.remote {
		steps = append(steps, rt.validateSettings(cmd))
	} else {
		steps = append(steps, validationStep{Name: "settings", OK: true, Skipped: true, Detail: "no --settings-file or --remote"})
	}

	steps = append(steps, rt.validatePolicy(cmd, cfg.Settings.Patch(opts.scopes...)))

	if err := printValidation(rt, steps); err != nil {
		return err
	}
	for _, s := range steps {
		if !s.OK {
			return fmt.Errorf("validation failed: %s", s.Name)
		}
	}
	return nil
}

func (rt *runtime) validateRules() validationStep {
	step := validationStep{Name: "rules", OK: true}
	if rt.cfg.Rules.Script == "" {
		step.Skipped = true
		step.Detail = "no rules script"
		return step
	}

	_, rc, err := rt.classifier()
	if err != nil {
		step.OK = false
		step.Issues = []string{err.Error()}
		return step
	}

	step.Detail = rc.Name()
	for _, m := range rc.SelfTest() {
		step.OK = false
		step.Issues = append(step.Issues, fmt.Sprintf("%q: want %s, got %s", m.Message, m.Want, m.Got))
	}
	return step
}

func (rt *runtime) validateSettings(cmd *cobra.Command) validationStep {
	ctx := cmd.Context()
	step := validationStep{Name: "settings", OK: true}

	store, err := rt.settingsStore(ctx)
	if err != nil {
		step.OK = false
		step.Issues = []string{err.Error()}
		return step
	}
	step.Detail = store.Location()

	doc, err := store.Load(ctx)
	switch {
	case errors.Is(err, settings.ErrNotFound):
		step.Detail += " (not created yet)"
		return step
	case err != nil:
		step.OK = false
		step.Issues = []string{err.Error()}
		return step
	}

	if err := config.NewSchemaRegistry().ValidateAgainstSchema(config.SchemaSettings, doc.Settings); err != nil {
		step.OK = false
		var cerr *config.Error
		if errors.As(err, &cerr) {
			for _, ve := range cerr.Errors {
				step.Issues = append(step.Issues, ve.String())
			}
		} else {
			step.Issues = append(step.Issues, err.Error())
		}
	}
	if err := doc.Settings.Validate(); err != nil {
		step.OK = false
		step.Issues = append(step.Issues, err.Error())
	}
	return step
}

func (rt *runtime) validatePolicy(cmd *cobra.Command, patch settings.Patch) validationStep {
	step := validationStep{Name: "policy", OK: true}

	var target engine.ResourceRef
	if rt.cfg.Azure.Validate() == nil {
		target = rt.cfg.Azure.Target()
	}
	principal, _ := rt.cfg.Principal.Principal()

	res, err := rt.checkPolicy(cmd.Context(), policy.InputForPatch("validate", target, principal, patch))
	if res == nil {
		step.OK = false
		step.Issues = []string{err.Error()}
		return step
	}

	step.Detail = fmt.Sprintf("%d scope(s), %d policies", len(patch.Scopes), len(res.EvaluatedPolicies))
	step.OK = res.Allowed
	for _, v := range res.Violations {
		step.Issues = append(step.Issues, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	for _, v := range res.Warnings {
		step.Issues = append(step.Issues, fmt.Sprintf("%s (%s): %s", v.Policy, v.Severity, v.Message))
	}
	return step
}

func printValidation(rt *runtime, steps []validationStep) error {
	if jsonOutput {
		return writeJSON(rt.out, steps)
	}

	w := rt.out
	for _, s := range steps {
		status := "OK"
		switch {
		case s.Skipped:
			status = "SKIP"
		case !s.OK:
			status = "FAIL"
		}
		fmt.Fprintf(w, "[%-4s] %-8s %s\n", status, s.Name, s.Detail)
		for _, issue := range s.Issues {
			fmt.Fprintf(w, "         - %s\n", issue)
		}
	}
	return nil
}
