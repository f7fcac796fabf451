package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Trading.SimulationMode {
		t.Fatal("simulation mode must default on")
	}
	if cfg.Trading.TickInterval != 10*time.Second {
		t.Fatalf("tick interval = %v", cfg.Trading.TickInterval)
	}
	if cfg.Broker.BreakerWindow != 10 || cfg.Broker.BreakerThreshold != 0.5 {
		t.Fatalf("breaker defaults = %d/%f", cfg.Broker.BreakerWindow, cfg.Broker.BreakerThreshold)
	}
	if cfg.Risk.MaxPositions != 5 || cfg.Risk.ReservePct != 0.25 {
		t.Fatalf("risk defaults = %+v", cfg.Risk)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick interval", func(c *Config) { c.Trading.TickInterval = 0 }},
		{"risk per trade over one", func(c *Config) { c.Risk.RiskPerTrade = 1.5 }},
		{"negative reserve", func(c *Config) { c.Risk.ReservePct = -0.1 }},
		{"bad lock time", func(c *Config) { c.Exits.EODLockTime = "25:99" }},
		{"no venues", func(c *Config) { c.Trading.Venues = nil }},
		{"zero rate limit", func(c *Config) { c.Broker.RateLimitPerMinute = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}
