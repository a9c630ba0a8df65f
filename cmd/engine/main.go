// Command engine hosts the DAG Engine: a Temporal worker running
// dagengine.RunWorkflow plus its Activities, and the Prometheus /metrics
// listener. It is the process a deployment runs one-or-more of behind a
// single Temporal task queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/budget"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/config"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/dagengine"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/plan"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/roles"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/runstate"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/tenancy"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "cmd/engine")

	configPath := "config/engine.toml"
	if v := os.Getenv("ENGINE_CONFIG"); v != "" {
		configPath = v
	}

	if err := run(configPath, logger); err != nil {
		logger.Error("engine exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("cmd/engine: load config: %w", err)
	}

	tenants, err := tenancy.Open(cfg.Tenancy.StateDB)
	if err != nil {
		return fmt.Errorf("cmd/engine: open tenancy registry: %w", err)
	}
	defer tenants.Close()

	budgetCtl, err := budget.New(cfg.Budget.LedgerDB, tenants, cfg.Budget, logger)
	if err != nil {
		return fmt.Errorf("cmd/engine: open budget controller: %w", err)
	}
	defer budgetCtl.Close()

	runs, err := runstate.Open(cfg.Tenancy.RunStateDB)
	if err != nil {
		return fmt.Errorf("cmd/engine: open runstate manager: %w", err)
	}
	defer runs.Close()

	plans, err := plan.LoadRegistry(cfg.Plans.RegistryPath)
	if err != nil {
		return fmt.Errorf("cmd/engine: load plan registry: %w", err)
	}

	rolesReg, err := buildRoleRegistry(cfg.Roles)
	if err != nil {
		return fmt.Errorf("cmd/engine: build role registry: %w", err)
	}

	tracerProvider := dagengine.NewTracerProvider(cfg.Telemetry.ServiceName)
	otel.SetTracerProvider(tracerProvider)
	metrics := dagengine.NewMetrics(tracerProvider)

	activities := dagengine.NewActivities(runs, plans, rolesReg, budgetCtl, tenants,
		cfg.Artifacts.RootDir, cfg.Pool, metrics, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("serving metrics", "bind", cfg.Telemetry.MetricsBind)
		errCh <- dagengine.ServeMetrics(ctx, cfg.Telemetry.MetricsBind, metrics)
	}()
	go func() {
		logger.Info("starting temporal worker", "host_port", cfg.Temporal.HostPort, "task_queue", dagengine.TaskQueueName)
		errCh <- dagengine.StartWorker(cfg.Temporal.HostPort, activities)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// buildRoleRegistry constructs a SandboxAdapter per configured role image,
// per spec.md §4.6's role-step isolation requirement.
func buildRoleRegistry(cfg config.Roles) (*roles.Registry, error) {
	reg := roles.NewRegistry()
	for _, role := range []string{roles.RoleProduct, roles.RoleData, roles.RoleExecution, roles.RoleEvaluation, roles.RoleCost} {
		image, ok := cfg.Images[role]
		if !ok || image == "" {
			continue
		}
		adapter, err := roles.NewSandboxAdapter(role, image)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", role, err)
		}
		reg.Register(role, adapter)
	}
	return reg, nil
}
