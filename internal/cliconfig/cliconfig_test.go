package cliconfig

import (
	"testing"

	"github.com/runzero/sentryflow/internal/dispatch"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.BindAddr != DefaultBindAddr || cfg.Port != DefaultPort {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Strategy != dispatch.StrategyDirect {
		t.Fatalf("expected default strategy direct, got %v", cfg.Strategy)
	}
	if cfg.BindAddress() != "0.0.0.0:9000" {
		t.Fatalf("unexpected bind address %q", cfg.BindAddress())
	}
}

func TestParseFullSurface(t *testing.T) {
	cfg, err := Parse([]string{
		"--self-test",
		"--bind", "127.0.0.1",
		"--port", "9100",
		"--strategy", "hop",
		"--route", "10.0.0.0", "8", "10.0.0.1", "10",
		"--route", "10.1.0.0", "16", "10.1.0.1", "5",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.SelfTest {
		t.Fatal("expected SelfTest=true")
	}
	if cfg.BindAddr != "127.0.0.1" || cfg.Port != 9100 {
		t.Fatalf("unexpected bind: %+v", cfg)
	}
	if cfg.Strategy != dispatch.StrategyHop {
		t.Fatalf("expected strategy hop, got %v", cfg.Strategy)
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(cfg.Routes))
	}
	if cfg.Routes[0].MaskBits != 8 || cfg.Routes[1].MaskBits != 16 {
		t.Fatalf("unexpected routes: %+v", cfg.Routes)
	}
}

func TestParsePortOutOfRange(t *testing.T) {
	if _, err := Parse([]string{"--port", "70000"}); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestParseUnknownStrategy(t *testing.T) {
	if _, err := Parse([]string{"--strategy", "bogus"}); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestParseMissingRouteFields(t *testing.T) {
	if _, err := Parse([]string{"--route", "10.0.0.0", "8"}); err == nil {
		t.Fatal("expected error for incomplete --route")
	}
}

func TestParseUnrecognizedOption(t *testing.T) {
	if _, err := Parse([]string{"--bogus"}); err == nil {
		t.Fatal("expected error for unrecognized option")
	}
}
