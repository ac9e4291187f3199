package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hubctl/pkg/diagnostics"
	"github.com/openfroyo/hubctl/pkg/engine"
)

func newDiagnoseCommand() *cobra.Command {
	var (
		resourceGroup string
		subscription  string
	)

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Run the read-only diagnostic sweep",
		Long: `Run the diagnostic sweep without writing anything.

The sweep checks that the identity exists, holds one of the required roles
on the hub resource group, that the storage account firewall admits the
caller, quota headroom, recent failed deployments and the provisioning
state of the hub storage account.`,
		Example: `  hubctl diagnose --resource-group finops
  hubctl diagnose --json`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
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

			span := rt.start(ctx, "diagnose")
			defer func() { span.End(err) }()
			ctx = span.Ctx

			cfg := rt.cfg
			if cmd.Flags().Changed("resource-group") {
				cfg.Azure.ResourceGroup = resourceGroup
			}
			if cmd.Flags().Changed("subscription") {
				cfg.Azure.SubscriptionID = subscription
			}
			if err := cfg.Azure.Validate(); err != nil {
				return err
			}

			principal, err := rt.principal(ctx)
			if err != nil {
				return err
			}
			req, err := engine.NewOperationRequest(cfg.Azure.Target(), principal, cfg.RequiredRoles, []byte(`{}`))
			if err != nil {
				return err
			}

			probe, err := rt.probe(ctx)
			if err != nil {
				return err
			}

			log.Info().Str("target", req.Target.ID).Msg("Running diagnostic sweep")
			report := rt.reporter(probe).Diagnose(ctx, req, nil)
			for _, check := range report.Checks {
				rt.tel.Metrics.RecordDiagnosticCheck(check.Name, string(check.Verdict))
			}

			if jsonOutput {
				return diagnostics.RenderJSON(rt.out, report)
			}
			return diagnostics.Render(rt.out, report)
		},
	}

	cmd.Flags().StringVarP(&resourceGroup, "resource-group", "g", "", "hub resource group")
	cmd.Flags().StringVar(&subscription, "subscription", "", "hub subscription ID")

	return cmd
}
