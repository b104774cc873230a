package config

import (
	"testing"
	"time"
)

type testConfig struct {
	Addr     string        `envconfig:"ADDR" default:":9090"`
	Token    string        `envconfig:"TOKEN" required:"true"`
	Interval time.Duration `envconfig:"INTERVAL" default:"30s"`
}

func TestNewAppliesDefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("CFGTEST_TOKEN", "secret")

	cfg, err := New[testConfig]("CFGTEST")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.Interval != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Token != "secret" {
		t.Fatalf("token = %q", cfg.Token)
	}

	t.Setenv("CFGTEST_ADDR", ":7000")
	cfg, err = New[testConfig]("CFGTEST")
	if err != nil {
		t.Fatalf("New with override: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("env override not applied: %q", cfg.Addr)
	}
}

func TestNewIsolatesPrefixes(t *testing.T) {
	t.Setenv("CFGA_TOKEN", "a-token")
	t.Setenv("CFGB_TOKEN", "b-token")

	a, err := New[testConfig]("CFGA")
	if err != nil {
		t.Fatalf("New(CFGA): %v", err)
	}
	b, err := New[testConfig]("CFGB")
	if err != nil {
		t.Fatalf("New(CFGB): %v", err)
	}
	if a.Token != "a-token" || b.Token != "b-token" {
		t.Fatalf("prefix leak: a=%q b=%q", a.Token, b.Token)
	}
}

func TestNewRejectsMissingRequiredField(t *testing.T) {
	if _, err := New[testConfig]("CFGMISSING"); err == nil {
		t.Fatal("expected an error for the missing required token")
	}
}

func TestMustNewPanicsOnMissingRequiredField(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("MustNew did not panic on a missing required field")
		}
	}()
	MustNew[testConfig]("CFGMISSING")
}
