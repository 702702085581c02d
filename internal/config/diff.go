package config

import (
	logx "pacer/pkg/logx"
	"reflect"
	"sort"
	"strings"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	// Quota
	if !reflect.DeepEqual(oldCfg.Quota, newCfg.Quota) {
		changed = append(changed, "quota")
		attrs = append(attrs,
			logx.String("quota.window", strings.TrimSpace(newCfg.Quota.Window)),
			logx.Int("quota.read_limit", newCfg.Quota.ReadLimit),
			logx.Int("quota.write_limit", newCfg.Quota.WriteLimit),
			logx.Int("quota.batch_limit", newCfg.Quota.BatchLimit),
			logx.Float64("quota.max_multiplier", newCfg.Quota.MaxMultiplier),
		)
	}

	// Limiter
	if !reflect.DeepEqual(oldCfg.Limiter, newCfg.Limiter) {
		changed = append(changed, "limiter")
		attrs = append(attrs,
			logx.Int("limiter.max_concurrent", newCfg.Limiter.MaxConcurrent),
			logx.String("limiter.min_start_interval", strings.TrimSpace(newCfg.Limiter.MinStartInterval)),
		)
	}

	// Jobs
	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.max_attempts", newCfg.Jobs.MaxAttempts),
			logx.String("jobs.retry_base", strings.TrimSpace(newCfg.Jobs.RetryBase)),
			logx.String("jobs.retry_max_delay", strings.TrimSpace(newCfg.Jobs.RetryMaxDelay)),
			logx.String("jobs.stagger", strings.TrimSpace(newCfg.Jobs.Stagger)),
			logx.Int("jobs.max_history", newCfg.Jobs.MaxHistory),
		)
	}

	// Dispatch
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", newCfg.Dispatch.Enabled),
			logx.String("dispatch.tick", strings.TrimSpace(newCfg.Dispatch.Tick)),
			logx.String("dispatch.job_timeout", strings.TrimSpace(newCfg.Dispatch.JobTimeout)),
		)
	}

	// Trigger. Section may be nil (omitted); nil means disabled.
	oT := derefTrigger(oldCfg.Trigger)
	nT := derefTrigger(newCfg.Trigger)
	if (oldCfg.Trigger != nil) != (newCfg.Trigger != nil) || !reflect.DeepEqual(oT, nT) {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.Bool("trigger.enabled", nT.Enabled),
			logx.String("trigger.schedule", strings.TrimSpace(nT.Schedule)),
			logx.String("trigger.timezone", strings.TrimSpace(nT.Timezone)),
			logx.String("trigger.spread", strings.TrimSpace(nT.Spread)),
			logx.Int("trigger.owner_count", len(nT.Owners)),
		)
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Ops (never log token)
	oO := derefOps(oldCfg.Ops)
	nO := derefOps(newCfg.Ops)
	if oO.Enabled != nO.Enabled ||
		strings.TrimSpace(oO.Addr) != strings.TrimSpace(nO.Addr) ||
		oO.AllowInsecure != nO.AllowInsecure ||
		strings.TrimSpace(oO.ReadTimeout) != strings.TrimSpace(nO.ReadTimeout) ||
		strings.TrimSpace(oO.WriteTimeout) != strings.TrimSpace(nO.WriteTimeout) ||
		strings.TrimSpace(oO.IdleTimeout) != strings.TrimSpace(nO.IdleTimeout) ||
		(strings.TrimSpace(oO.Token) != "") != (strings.TrimSpace(nO.Token) != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nO.Enabled),
			logx.String("ops.addr", strings.TrimSpace(nO.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(nO.Token) != ""),
			logx.Bool("ops.allow_insecure", nO.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTrigger(t *TriggerConfig) TriggerConfig {
	if t == nil {
		return TriggerConfig{}
	}
	return *t
}

func derefOps(o *OpsConfig) OpsConfig {
	if o == nil {
		return OpsConfig{}
	}
	return *o
}
