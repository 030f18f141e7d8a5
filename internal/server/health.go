package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/vanshika/paybridge/backend/internal/graph"
)

// HealthService defines behaviour for readiness probes.
type HealthService interface {
	Probe(ctx context.Context) error
}

// GraphHealthService verifies graph connectivity as part of health checks.
type GraphHealthService struct {
	Client graph.Client
}

// Probe implements the HealthService interface.
func (s GraphHealthService) Probe(ctx context.Context) error {
	if s.Client == nil {
		return nil
	}
	return s.Client.VerifyConnectivity(ctx)
}

// Pinger is satisfied by *pgxpool.Pool and the Postgres store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingHealthService probes anything with a Ping method.
type PingHealthService struct {
	Target Pinger
}

func (s PingHealthService) Probe(ctx context.Context) error {
	if s.Target == nil {
		return nil
	}
	return s.Target.Ping(ctx)
}

// RedisHealthService probes a Redis client.
type RedisHealthService struct {
	Client *redis.Client
}

func (s RedisHealthService) Probe(ctx context.Context) error {
	if s.Client == nil {
		return nil
	}
	return s.Client.Ping(ctx).Err()
}

// HealthChecks runs every named probe and joins the failures.
type HealthChecks map[string]HealthService

func (c HealthChecks) Probe(ctx context.Context) error {
	var errs []error
	for name, check := range c {
		if check == nil {
			continue
		}
		if err := check.Probe(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
