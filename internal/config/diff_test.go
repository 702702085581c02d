package config

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSummarizeConfigChangeSections(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{}
	newCfg := &Config{
		Quota:   QuotaConfig{Window: "60s"},
		Limiter: LimiterConfig{MaxConcurrent: 10},
	}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"limiter", "quota"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
}

func TestSummarizeConfigChangeNoChange(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Quota:   QuotaConfig{Window: "30s", ReadLimit: 80},
		Trigger: &TriggerConfig{Enabled: true, Schedule: "0 3 * * *"},
	}
	other := *cfg
	trig := *cfg.Trigger
	other.Trigger = &trig

	changed, attrs := SummarizeConfigChange(cfg, &other)
	if len(changed) != 0 || len(attrs) != 0 {
		t.Fatalf("changed = %v, attrs = %d, want none", changed, len(attrs))
	}
}

func TestSummarizeConfigChangeNilSections(t *testing.T) {
	t.Parallel()

	// Adding a previously omitted section counts as a change even when its
	// zero-value fields match the deref'd default.
	changed, _ := SummarizeConfigChange(&Config{}, &Config{Trigger: &TriggerConfig{}})
	if want := []string{"trigger"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}

	changed, _ = SummarizeConfigChange(nil, nil)
	if len(changed) != 0 {
		t.Fatalf("nil/nil changed = %v", changed)
	}
}

func TestSummarizeConfigChangeNeverLogsToken(t *testing.T) {
	t.Parallel()

	const secret = "super-secret-token"
	oldCfg := &Config{}
	newCfg := &Config{Ops: &OpsConfig{Enabled: true, Addr: "0.0.0.0:7070", Token: secret}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"ops"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Msg("config changed")
	if strings.Contains(buf.String(), secret) {
		t.Fatal("token value leaked into log attrs")
	}
	if !strings.Contains(buf.String(), "ops.token_set") {
		t.Fatal("token presence flag missing from log attrs")
	}
}

func TestSummarizeConfigChangeStorage(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Storage: &StorageConfig{Driver: "file", Path: "./a"}}
	newCfg := &Config{Storage: &StorageConfig{Driver: "sqlite", Path: "./a"}}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"storage"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}

	// Same driver, path swapped between two non-empty values: path values are
	// intentionally not compared (only set/unset), so no change reported.
	oldCfg = &Config{Storage: &StorageConfig{Driver: "file", Path: "./a"}}
	newCfg = &Config{Storage: &StorageConfig{Driver: "file", Path: "./b"}}
	changed, _ = SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
}
