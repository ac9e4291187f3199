package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hubctl/pkg/azure"
	"github.com/openfroyo/hubctl/pkg/config"
	"github.com/openfroyo/hubctl/pkg/diagnostics"
	"github.com/openfroyo/hubctl/pkg/engine"
	"github.com/openfroyo/hubctl/pkg/policy"
	"github.com/openfroyo/hubctl/pkg/rules"
	"github.com/openfroyo/hubctl/pkg/settings"
	"github.com/openfroyo/hubctl/pkg/stores"
	"github.com/openfroyo/hubctl/pkg/telemetry"
)

// cloud creates the Azure-backed collaborators of a command.
type cloud interface {
	Probe(ctx context.Context) (engine.Probe, error)
	SettingsStore(ctx context.Context) (settings.Store, error)
	CurrentPrincipal(ctx context.Context) (engine.Principal, error)
	ResolvePrincipal(ctx context.Context, identityID string) (engine.Principal, error)
}

// newCloud is replaced in tests.
var newCloud = func(cfg *config.Config, logger zerolog.Logger) cloud {
	return &azureCloud{cfg: cfg, logger: logger}
}

// azureCloud builds collaborators over one lazily created credential.
type azureCloud struct {
	cfg    *config.Config
	logger zerolog.Logger

	once sync.Once
	cred azcore.TokenCredential
	err  error
}

func (c *azureCloud) credential() (azcore.TokenCredential, error) {
	c.once.Do(func() {
		c.cred, c.err = azure.NewCredential(c.cfg.Azure.TenantID)
	})
	return c.cred, c.err
}

func (c *azureCloud) Probe(ctx context.Context) (engine.Probe, error) {
	cred, err := c.credential()
	if err != nil {
		return nil, err
	}
	return azure.NewProbe(c.cfg.Azure.SubscriptionID, cred, nil, c.logger)
}

func (c *azureCloud) SettingsStore(ctx context.Context) (settings.Store, error) {
	cred, err := c.credential()
	if err != nil {
		return nil, err
	}
	return azure.NewBlobStore(azure.ServiceURL(c.cfg.Azure.StorageAccount), c.cfg.Azure.Container, c.cfg.Azure.Blob, cred, nil)
}

func (c *azureCloud) CurrentPrincipal(ctx context.Context) (engine.Principal, error) {
	cred, err := c.credential()
	if err != nil {
		return engine.Principal{}, err
	}
	return azure.CurrentPrincipal(ctx, cred)
}

func (c *azureCloud) ResolvePrincipal(ctx context.Context, identityID string) (engine.Principal, error) {
	cred, err := c.credential()
	if err != nil {
		return engine.Principal{}, err
	}
	return azure.ResolvePrincipal(ctx, identityID, cred, nil)
}

// runtime holds the collaborators shared by one command invocation.
type runtime struct {
	cfg   *config.Config
	tel   *telemetry.Telemetry
	store *stores.SQLiteStore
	cloud cloud
	out   io.Writer
}

// newRuntime loads the configuration and starts telemetry. withStore opens
// the history database when one is configured.
func newRuntime(cmd *cobra.Command, withStore bool) (*runtime, error) {
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Telemetry.Logging.Level = logLevel
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	rt := &runtime{
		cfg:   cfg,
		tel:   tel,
		cloud: newCloud(cfg, tel.Logger.NewComponentLogger("azure").Zerolog()),
		out:   cmd.OutOrStdout(),
	}

	if withStore && cfg.Store.Path != "" {
		store, err := stores.Open(ctx, stores.Config{Path: cfg.Store.Path})
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, err
		}
		rt.store = store
		tel.Events.Subscribe(telemetry.PersistTo(store, rt.logger()), nil)
	}

	if err := tel.StartMetricsServer(); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	log.Debug().
		Str("config", cfg.Source).
		Str("store", cfg.Store.Path).
		Msg("Runtime initialized")

	return rt, nil
}

func (rt *runtime) logger() zerolog.Logger {
	return rt.tel.Logger.Zerolog()
}

// Close flushes telemetry before the store it may persist events to.
func (rt *runtime) Close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if err := rt.tel.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// start opens the root span of a command.
func (rt *runtime) start(ctx context.Context, name string) *telemetry.Command {
	return telemetry.StartCommand(rt.tel.WithContext(ctx), name,
		telemetry.AttrTargetID.String(rt.cfg.Azure.ResourceGroupID()),
	)
}

// probe returns the instrumented Azure probe.
func (rt *runtime) probe(ctx context.Context) (engine.Probe, error) {
	p, err := rt.cloud.Probe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe: %w", err)
	}
	return telemetry.InstrumentProbe(p, rt.tel), nil
}

// settingsStore returns the local file when configured, the hub blob
// otherwise.
func (rt *runtime) settingsStore(ctx context.Context) (settings.Store, error) {
	if rt.cfg.Settings.File != "" {
		return settings.NewFileStore(rt.cfg.Settings.File), nil
	}
	if err := rt.cfg.Azure.Validate(); err != nil {
		return nil, err
	}
	store, err := rt.cloud.SettingsStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings blob: %w", err)
	}
	return store, nil
}

// principal returns the configured identity, resolving a user-assigned
// identity or falling back to the signed-in one.
func (rt *runtime) principal(ctx context.Context) (engine.Principal, error) {
	if p, ok := rt.cfg.Principal.Principal(); ok {
		return p, nil
	}

	var (
		p   engine.Principal
		err error
	)
	if id := rt.cfg.Principal.IdentityID; id != "" {
		p, err = rt.cloud.ResolvePrincipal(ctx, id)
	} else {
		p, err = rt.cloud.CurrentPrincipal(ctx)
	}
	if err != nil {
		return engine.Principal{}, fmt.Errorf("failed to resolve principal: %w", err)
	}

	log.Debug().
		Str("principal_id", p.ID).
		Str("kind", string(p.Kind)).
		Msg("Resolved principal")
	return p, nil
}

// classifier chains the optional rules script in front of the structured
// Azure classifier, which falls back to text matching.
func (rt *runtime) classifier() (engine.Classifier, *rules.Classifier, error) {
	var c engine.Classifier = azure.Classifier{}
	if rt.cfg.Rules.Script == "" {
		return c, nil, nil
	}

	rc, err := rules.Load(rt.cfg.Rules.Script, c,
		rules.WithTimeout(rt.cfg.Rules.Timeout),
		rules.WithLogger(rt.tel.Logger.NewComponentLogger("rules").Zerolog()),
	)
	if err != nil {
		return nil, nil, err
	}
	return rc, rc, nil
}

// checkPolicy evaluates the scope policies. Every violation is counted and
// published; blocking ones fail the command.
func (rt *runtime) checkPolicy(ctx context.Context, input *policy.Input) (*policy.Result, error) {
	eng, err := policy.NewEngine(rt.tel.Logger.NewComponentLogger("policy").Zerolog())
	if err != nil {
		return nil, err
	}
	for _, name := range rt.cfg.Policy.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	if len(rt.cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, rt.cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}

	res, err := eng.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}

	var resourceID string
	if input.Target != nil {
		resourceID = input.Target.ID
	}
	for _, v := range append(append([]policy.Violation(nil), res.Violations...), res.Warnings...) {
		rt.tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		if err := rt.tel.Events.PublishPolicyViolation(resourceID, v.Policy, string(v.Severity), v.Message); err != nil {
			log.Debug().Err(err).Msg("Policy event not published")
		}
		if !v.Severity.Blocking() {
			log.Warn().Str("policy", v.Policy).Msg(v.Message)
		}
	}

	return res, res.Err()
}

// reporter builds the diagnostic reporter over probe.
func (rt *runtime) reporter(probe engine.Probe) *diagnostics.Reporter {
	d := rt.cfg.Diagnostics
	return diagnostics.NewReporter(probe, rt.tel.Logger.NewComponentLogger("diagnostics").Zerolog(),
		diagnostics.WithDeploymentLimit(d.DeploymentLimit),
		diagnostics.WithQuotaWarnRatio(d.QuotaWarnRatio),
		diagnostics.WithParallelism(d.Parallelism),
	)
}

// orchestrator wires the orchestrator with history, telemetry and the
// configured schedule.
func (rt *runtime) orchestrator(m engine.Mutator, c engine.Classifier, d engine.Diagnoser) *engine.Orchestrator {
	schedule := rt.cfg.Retry.Schedule()
	opts := []engine.Option{
		engine.WithSchedule(schedule),
		engine.WithObserver(telemetry.NewObserver(rt.tel)),
		engine.WithLogger(rt.logger()),
		engine.WithAttemptTimeout(rt.cfg.Retry.AttemptTimeout),
	}
	if rt.store != nil {
		opts = append(opts, engine.WithRecorder(rt.store))
	}
	return engine.NewOrchestrator(m, c, engine.NewSchedulePolicy(schedule), d, opts...)
}
