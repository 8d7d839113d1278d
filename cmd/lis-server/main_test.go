package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/lis/internal/config"
	"github.com/ehr/lis/internal/domain/validation"
	"github.com/ehr/lis/internal/platform/auth"
	"github.com/ehr/lis/internal/platform/db"
)

const potassiumRules = `[
	{"id":"6f1c1a8e-0d1b-4d47-9a43-1f6f0f4c2a11","test_code":"K","rule_type":"critical","priority":1,
	 "conditions":{"critical_low":2.5,"critical_high":6.5}},
	{"id":"0b9e7a40-5b7e-4c8e-9a52-5d3b8f1e2c22","test_code":"K","rule_type":"range","priority":2,
	 "conditions":{"min_value":3.5,"max_value":5.1}}
]`

func TestRunEvaluate_Critical(t *testing.T) {
	out, err := runEvaluate(strings.NewReader(potassiumRules), "7.0", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var o validation.Outcome
	if err := json.Unmarshal(out, &o); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if o.Status != validation.StatusRequiresReview || o.Flag != validation.FlagCriticalHigh || !o.IsCritical {
		t.Errorf("unexpected outcome %+v", o)
	}
}

func TestRunEvaluate_DeltaUsesPrevious(t *testing.T) {
	rules := `[{"test_code":"CREA","rule_type":"delta","conditions":{"delta_threshold":50,"delta_type":"percentage"}}]`
	prev := 1.2
	out, err := runEvaluate(strings.NewReader(rules), "3.5", validation.ResultNumeric, &prev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), "191.7%") {
		t.Errorf("expected delta message in output: %s", out)
	}
}

func TestRunEvaluate_Deterministic(t *testing.T) {
	a, err := runEvaluate(strings.NewReader(potassiumRules), "2.1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := runEvaluate(strings.NewReader(potassiumRules), "2.1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("outputs differ:\n%s\n%s", a, b)
	}
}

func TestRunEvaluate_Errors(t *testing.T) {
	if _, err := runEvaluate(strings.NewReader(potassiumRules), "1", "blob", nil); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := runEvaluate(strings.NewReader(`{"not":"an array"}`), "1", "", nil); err == nil {
		t.Error("expected error for malformed rules file")
	}
	if _, err := runEvaluate(strings.NewReader(`[{"rule_type":"magic"}]`), "1", "", nil); err == nil {
		t.Error("expected error for unknown rule type")
	}
}

func TestRunEvaluate_NonFiniteIsText(t *testing.T) {
	rules := `[{"test_code":"GLU","rule_type":"pattern","conditions":{"pattern":"^[0-9.]+$"}}]`
	for _, raw := range []string{"NaN", "Inf", "-Inf"} {
		out, err := runEvaluate(strings.NewReader(rules), raw, "", nil)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", raw, err)
		}
		var o validation.Outcome
		if err := json.Unmarshal(out, &o); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(o.Verdict.Warnings) != 1 || !strings.Contains(o.Verdict.Warnings[0], raw) {
			t.Errorf("%s: expected the pattern rule to see the value, got %+v", raw, o.Verdict)
		}
	}
}

func TestEvaluateCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	if err := os.WriteFile(path, []byte(potassiumRules), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := evaluateCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--rules", path, "--value", "4.2"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), `"status": "validated"`) {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestTokenCmd(t *testing.T) {
	key := strings.Repeat("k", 32)
	t.Setenv("AUTH_SIGNING_KEY", key)
	t.Setenv("AUTH_ISSUER", "lis")

	cmd := tokenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--subject", "analyzer-7", "--tenant", "acme", "--roles", "lab_tech", "--ttl", "1h"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	claims, err := auth.ParseToken(auth.JWTConfig{Issuer: "lis", SigningKey: []byte(key)}, strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if claims.Subject != "analyzer-7" || claims.TenantID != "acme" {
		t.Errorf("unexpected claims %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != auth.RoleLabTech {
		t.Errorf("unexpected roles %v", claims.Roles)
	}
}

func TestMigrateFlagsDefaults(t *testing.T) {
	cmd := migrateCmd().Commands()[0]
	cfg := &config.Config{DefaultTenant: "default", MigrationsDir: "./migrations"}

	tenant, dir := migrateFlags(cmd, cfg)
	if tenant != "default" || dir != "./migrations" {
		t.Errorf("got %s %s", tenant, dir)
	}

	_ = cmd.Flags().Set("tenant", "acme")
	_ = cmd.Flags().Set("dir", "/srv/migrations")
	tenant, dir = migrateFlags(cmd, cfg)
	if tenant != "acme" || dir != "/srv/migrations" {
		t.Errorf("got %s %s", tenant, dir)
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, "lab_acme", []db.MigrationStatus{
		{Version: 1, Name: "001_validation.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_qc.sql", Applied: true, Modified: true, AppliedAt: &at},
		{Version: 3, Name: "003_next.sql"},
	})
	out := buf.String()
	for _, want := range []string{"lab_acme", "applied", "modified", "pending", "2026-03-01 08:00:00"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestNewLogger_Level(t *testing.T) {
	l := newLogger(&config.Config{Env: "production", LogLevel: "warn"})
	if l.GetLevel() != zerolog.WarnLevel {
		t.Errorf("expected warn, got %s", l.GetLevel())
	}
	l = newLogger(&config.Config{Env: "production", LogLevel: "nonsense"})
	if l.GetLevel() != zerolog.InfoLevel {
		t.Errorf("expected info fallback, got %s", l.GetLevel())
	}
}
