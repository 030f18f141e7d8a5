package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.HTTP.Port != defaultPort || cfg.HTTP.IdempotencyTTL != 24*time.Hour {
		t.Fatalf("unexpected HTTP defaults %+v", cfg.HTTP)
	}
	if cfg.Store.Backend != StoreMemory || cfg.MobileMoney.Mode != ModeSandbox || cfg.Chain.Mode != ModeSandbox {
		t.Fatalf("expected sandbox defaults, got store=%s mm=%s chain=%s", cfg.Store.Backend, cfg.MobileMoney.Mode, cfg.Chain.Mode)
	}
	if cfg.Rates.TTL != 300*time.Second || !cfg.Rates.StaticRate.IsZero() {
		t.Fatalf("unexpected rate defaults %+v", cfg.Rates)
	}
	if cfg.Locks.TTL <= cfg.Chain.CallTimeout+cfg.Payments.PersistTimeout {
		t.Fatalf("default lease %s must outlive chain call %s plus persist %s", cfg.Locks.TTL, cfg.Chain.CallTimeout, cfg.Payments.PersistTimeout)
	}
	if cfg.HTTP.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("unexpected read header timeout %s", cfg.HTTP.ReadHeaderTimeout)
	}
	if cfg.Sweeper.Interval != 30*time.Second || cfg.Sweeper.Workers != 4 {
		t.Fatalf("unexpected sweeper defaults %+v", cfg.Sweeper)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/paybridge")
	t.Setenv("RATE_STATIC", "0.0075")
	t.Setenv("CHAIN_TIMEOUT", "45s")
	t.Setenv("LOCKS_BACKEND", "redis")
	t.Setenv("SERVER_IDEMPOTENCY_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.HTTP.Port != 9090 || cfg.Store.Backend != StorePostgres {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Rates.StaticRate.String() != "0.0075" || cfg.Chain.CallTimeout != 45*time.Second {
		t.Fatalf("unexpected overrides rate=%s chain=%s", cfg.Rates.StaticRate, cfg.Chain.CallTimeout)
	}
	if !cfg.NeedsRedis() {
		t.Fatalf("redis locks should require redis")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"port", map[string]string{"SERVER_PORT": "70000"}, "out of range"},
		{"duration", map[string]string{"RATE_TTL": "soon"}, "RATE_TTL"},
		{"rate", map[string]string{"RATE_FALLBACK": "-1"}, "RATE_FALLBACK"},
		{"graph without uri", map[string]string{"STORE_BACKEND": "graph"}, "GRAPH_URI"},
		{"unknown store", map[string]string{"STORE_BACKEND": "sqlite"}, "STORE_BACKEND"},
		{"daraja without credentials", map[string]string{"MOBILE_MONEY_MODE": "daraja"}, "DARAJA_CONSUMER_KEY"},
		{"relay without url", map[string]string{"CHAIN_MODE": "relay"}, "CHAIN_RELAY_URL"},
		{"locks", map[string]string{"LOCKS_BACKEND": "etcd"}, "LOCKS_BACKEND"},
		{"lease shorter than chain call", map[string]string{"LOCKS_BACKEND": "redis", "LOCKS_TTL": "30s"}, "LOCKS_TTL"},
		{"lease equal to critical section", map[string]string{"LOCKS_BACKEND": "redis", "LOCKS_TTL": "20s", "CHAIN_TIMEOUT": "15s", "PAYMENTS_PERSIST_TIMEOUT": "5s"}, "must exceed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
