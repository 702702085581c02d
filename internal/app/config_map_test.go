package app

import (
	"strings"
	"testing"
	"time"

	"pacer/internal/config"
)

func TestMapQuotaConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Quota: config.QuotaConfig{
		Window:          "45s",
		ReadLimit:       100,
		WriteLimit:      40,
		BatchLimit:      25,
		MaxMultiplier:   4,
		FailureWaitBase: "10s",
		MaxFailureWait:  "3m",
	}}
	q, err := mapQuotaConfig(cfg)
	if err != nil {
		t.Fatalf("mapQuotaConfig: %v", err)
	}
	if q.Window != 45*time.Second || q.ReadLimit != 100 || q.MaxMultiplier != 4 {
		t.Fatalf("quota = %+v", q)
	}
	if q.FailureWaitBase != 10*time.Second || q.MaxFailureWait != 3*time.Minute {
		t.Fatalf("quota waits = %+v", q)
	}

	if _, err := mapQuotaConfig(&config.Config{Quota: config.QuotaConfig{Window: "bogus"}}); err == nil {
		t.Fatal("bad window must be rejected")
	}
	if _, err := mapQuotaConfig(&config.Config{Quota: config.QuotaConfig{ReadLimit: -1}}); err == nil {
		t.Fatal("negative limit must be rejected")
	}
}

func TestMapJobsConfigStagger(t *testing.T) {
	t.Parallel()

	_, stagger, err := mapJobsConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapJobsConfig: %v", err)
	}
	if stagger != 30*time.Second {
		t.Fatalf("default stagger = %v, want 30s", stagger)
	}

	jc, stagger, err := mapJobsConfig(&config.Config{Jobs: config.JobsConfig{
		MaxAttempts: 5,
		RetryBase:   "2m",
		Stagger:     "10s",
	}})
	if err != nil {
		t.Fatalf("mapJobsConfig: %v", err)
	}
	if jc.MaxAttempts != 5 || jc.RetryBase != 2*time.Minute || stagger != 10*time.Second {
		t.Fatalf("jobs = %+v, stagger = %v", jc, stagger)
	}
}

func TestMapTriggerConfig(t *testing.T) {
	t.Parallel()

	tc, err := mapTriggerConfig(&config.Config{})
	if err != nil {
		t.Fatalf("nil trigger section: %v", err)
	}
	if tc.Enabled {
		t.Fatal("omitted trigger section must map to disabled")
	}

	tc, err = mapTriggerConfig(&config.Config{
		Jobs: config.JobsConfig{Stagger: "15s"},
		Trigger: &config.TriggerConfig{
			Enabled:  true,
			Schedule: "0 3 * * *",
			Timezone: "UTC",
			Spread:   "1h",
		},
	})
	if err != nil {
		t.Fatalf("mapTriggerConfig: %v", err)
	}
	if !tc.Enabled || tc.Spread != time.Hour || tc.Stagger != 15*time.Second {
		t.Fatalf("trigger = %+v", tc)
	}

	_, err = mapTriggerConfig(&config.Config{Trigger: &config.TriggerConfig{Timezone: "Not/AZone"}})
	if err == nil || !strings.Contains(err.Error(), "timezone") {
		t.Fatalf("err = %v, want timezone rejection", err)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	if _, enabled, err := mapStorageConfig(&config.Config{}); err != nil || enabled {
		t.Fatalf("nil section: enabled=%v err=%v", enabled, err)
	}
	if _, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "none"}}); err != nil || enabled {
		t.Fatalf("driver none: enabled=%v err=%v", enabled, err)
	}

	sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "file", Path: "./journal"}})
	if err != nil || !enabled || sc.Driver != "file" {
		t.Fatalf("file: %+v enabled=%v err=%v", sc, enabled, err)
	}

	if _, _, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "file"}}); err == nil {
		t.Fatal("file driver without path must be rejected")
	}

	sc, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "./db"}})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if sc.BusyTimeout != time.Second {
		t.Fatalf("sqlite busy timeout = %v, want default 1s", sc.BusyTimeout)
	}

	if _, _, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis", Path: "x"}}); err == nil {
		t.Fatal("unknown driver must be rejected")
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	good := &config.Config{
		Quota:    config.QuotaConfig{Window: "30s"},
		Dispatch: config.DispatchConfig{Enabled: true, Tick: "1s"},
		Trigger:  &config.TriggerConfig{Enabled: true, Schedule: "0 3 * * *"},
	}
	if err := validateConfig(good); err != nil {
		t.Fatalf("validateConfig: %v", err)
	}

	bad := &config.Config{Dispatch: config.DispatchConfig{Tick: "fast"}}
	if err := validateConfig(bad); err == nil {
		t.Fatal("bad dispatch tick must fail validation")
	}
	bad = &config.Config{Ops: &config.OpsConfig{ReadTimeout: "-1s"}}
	if err := validateConfig(bad); err == nil {
		t.Fatal("negative ops timeout must fail validation")
	}
}
