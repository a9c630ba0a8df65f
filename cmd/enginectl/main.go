// Command enginectl is the operator CLI for the DAG Engine: submit a run,
// inspect its state, resume a paused run, and verify a sealed artifact
// bundle's content hash.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/artifact"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/budget"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/config"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/dagengine"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/runstate"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/tenancy"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "enginectl",
		Short: "Operate the DAG Engine: submit, inspect, resume, and verify runs.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/engine.toml", "path to engine.toml")

	root.AddCommand(
		newSubmitCmd(&configPath),
		newStatusCmd(&configPath),
		newResumeCmd(&configPath),
		newVerifyCmd(&configPath),
	)
	return root
}

func newSubmitCmd(configPath *string) *cobra.Command {
	var tenantID string
	var specPath string
	var fixedPath string
	var estimatedCost float64

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Admit a run against the Budget Controller and start its DAG Engine workflow.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			specData, err := os.ReadFile(specPath)
			if err != nil {
				return fmt.Errorf("enginectl: read spec: %w", err)
			}

			tenants, err := tenancy.Open(cfg.Tenancy.StateDB)
			if err != nil {
				return fmt.Errorf("enginectl: open tenancy registry: %w", err)
			}
			defer tenants.Close()
			tenant, err := tenants.Get(tenantID)
			if err != nil {
				return fmt.Errorf("enginectl: resolve tenant %s: %w", tenantID, err)
			}

			budgetCtl, err := budget.New(cfg.Budget.LedgerDB, tenants, cfg.Budget, discardLogger())
			if err != nil {
				return fmt.Errorf("enginectl: open budget controller: %w", err)
			}
			defer budgetCtl.Close()

			runs, err := runstate.Open(cfg.Tenancy.RunStateDB)
			if err != nil {
				return fmt.Errorf("enginectl: open runstate manager: %w", err)
			}
			defer runs.Close()

			run, err := runs.Create(tenant.ID, json.RawMessage(specData))
			if err != nil {
				return fmt.Errorf("enginectl: create run: %w", err)
			}
			if _, err := runs.Transition(cmd.Context(), run.ID, runstate.StateSpecReady, "spec submitted", "enginectl"); err != nil {
				return fmt.Errorf("enginectl: mark spec ready: %w", err)
			}

			token, err := budgetCtl.Admit(tenant.ID, run.ID, estimatedCost)
			if err != nil {
				return fmt.Errorf("enginectl: admit run: %w", err)
			}

			c, err := client.Dial(client.Options{HostPort: cfg.Temporal.HostPort})
			if err != nil {
				return fmt.Errorf("enginectl: connect to temporal: %w", err)
			}
			defer c.Close()

			wfRun, err := dagengine.SubmitRun(cmd.Context(), c, dagengine.RunWorkflowInput{
				RunID: run.ID, TenantID: tenant.ID, EstimatedCost: estimatedCost,
				FixedPath: fixedPath, InitialBudget: estimatedCost, Admission: token,
			})
			if err != nil {
				return fmt.Errorf("enginectl: start workflow: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s workflow_id=%s run_id_temporal=%s\n", run.ID, wfRun.GetID(), wfRun.GetRunID())
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&specPath, "spec", "", "path to the run's spec JSON file")
	cmd.Flags().StringVar(&fixedPath, "path", "", "pin the run to NORMAL/DEGRADED/MINIMAL, skipping the selector")
	cmd.Flags().Float64Var(&estimatedCost, "estimated-cost", 0, "estimated USD cost to admit against the tenant's budget")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("spec")
	return cmd
}

func newStatusCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Print a run's current lifecycle state, mode, and cumulative cost.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			runs, err := runstate.Open(cfg.Tenancy.RunStateDB)
			if err != nil {
				return fmt.Errorf("enginectl: open runstate manager: %w", err)
			}
			defer runs.Close()

			run, err := runs.Read(args[0])
			if err != nil {
				return fmt.Errorf("enginectl: read run: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state=%s mode=%s plan_id=%s cumulative_cost=%.2f artifact_path=%s\n",
				run.State, run.Mode, run.PlanID, run.CumulativeCost, run.ArtifactPath)
			return nil
		},
	}
	return cmd
}

func newResumeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Signal a PAUSED run's workflow to proceed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			c, err := client.Dial(client.Options{HostPort: cfg.Temporal.HostPort})
			if err != nil {
				return fmt.Errorf("enginectl: connect to temporal: %w", err)
			}
			defer c.Close()

			if err := dagengine.ResumeRun(cmd.Context(), c, args[0]); err != nil {
				return fmt.Errorf("enginectl: resume run: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resumed %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func newVerifyCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <run-id>",
		Short: "Recompute a sealed artifact bundle's file hashes and compare them to its manifest.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ok, err := artifact.VerifySealed(cfg.Artifacts.RootDir, args[0])
			if err != nil {
				return fmt.Errorf("enginectl: verify: %w", err)
			}
			if !ok {
				return fmt.Errorf("enginectl: bundle for %s failed verification", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: verified\n", args[0])
			return nil
		},
	}
	return cmd
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
