// Command exampleservice is a minimal demonstration of wiring the
// messaging substrate into a service: load config, build a Runtime,
// register a handler, start a Stream Worker, and shut down gracefully on
// SIGINT/SIGTERM. It is not itself part of the substrate; the substrate is
// a library (see pkg/runtime).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devmesh/actioncore/pkg/envelope"
	"github.com/devmesh/actioncore/pkg/observability"
	"github.com/devmesh/actioncore/pkg/runtime"
	"github.com/devmesh/actioncore/pkg/streamworker"
	"github.com/devmesh/actioncore/pkg/tier"
)

var configFile = flag.String("config", "", "Path to configuration file (overrides ACTIONCORE_CONFIG_FILE)")

func main() {
	flag.Parse()

	cfg, err := runtime.Load(*configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := observability.NewStandardLogger(cfg.ServiceName)
	metrics := observability.NewPrometheusMetricsClient("actioncore", cfg.ServiceName, nil)

	rt, err := runtime.New(cfg, logger, metrics)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("error closing runtime", map[string]interface{}{"error": err.Error()})
		}
	}()

	tierEngine := rt.NewTierEngine(exampleTierTable(), func(ctx context.Context, tenantID string) (string, error) {
		// A real service resolves this from its tenant directory. Every
		// tenant is "free" here for demonstration.
		return "free", nil
	})

	worker, err := rt.NewWorker(streamworker.Config{}, handle(rt, tierEngine))
	if err != nil {
		log.Fatalf("build worker: %v", err)
	}
	if err := worker.Start(); err != nil {
		log.Fatalf("start worker: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", map[string]interface{}{"signal": sig.String()})

	worker.Stop()
	logger.Info("worker stopped", nil)
}

// handle is the service's single routing table entry point, keyed on
// action_type: the core has no notion of action types, only the service
// does.
func handle(rt *runtime.Runtime, tiers *tier.Engine) streamworker.Handler {
	return func(ctx context.Context, a *envelope.DomainAction) (json.RawMessage, error) {
		if err := tiers.Validate(ctx, a.TenantID, "example.requests", 1); err != nil {
			return nil, err
		}
		defer func() {
			_ = tiers.Record(ctx, a.TenantID, "example.requests", 1)
		}()

		switch a.ActionType {
		case "example.echo":
			return a.Data, nil
		default:
			return nil, fmt.Errorf("exampleservice: unknown action_type %q", a.ActionType)
		}
	}
}

func exampleTierTable() tier.Table {
	return tier.Table{
		"free": {
			"example.requests": tier.LimitSpec{Kind: tier.KindQuota, Limit: 1000, Window: 24 * time.Hour},
		},
		"pro": {
			"example.requests": tier.LimitSpec{Kind: tier.KindQuota, Limit: 100000, Window: 24 * time.Hour},
		},
	}
}
