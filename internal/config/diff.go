package config

import (
	"reflect"
	"sort"
	"strings"

	logx "coachnotify/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the tenant ids whose settings changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) ||
		(strings.TrimSpace(oldCfg.Storage.Path) != "") != (strings.TrimSpace(newCfg.Storage.Path) != "") {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	// Policy
	if !reflect.DeepEqual(oldCfg.Policy, newCfg.Policy) {
		changed = append(changed, "policy")
		attrs = append(attrs,
			logx.Int("policy.circuit_threshold", newCfg.Policy.CircuitThreshold),
			logx.Int("policy.max_retries", newCfg.Policy.MaxRetries),
			logx.String("policy.backoff_base", strings.TrimSpace(newCfg.Policy.BackoffBase)),
			logx.String("policy.dedup_window", strings.TrimSpace(newCfg.Policy.DedupWindow)),
		)
	}

	// Worker
	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Bool("worker.enabled", newCfg.Worker.Enabled),
			logx.String("worker.tick", strings.TrimSpace(newCfg.Worker.Tick)),
			logx.Int("worker.batch", newCfg.Worker.Batch),
			logx.Int("worker.global_rate_max", newCfg.Worker.GlobalRateMax),
		)
	}

	// Gateway
	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.String("gateway.default_provider", strings.TrimSpace(newCfg.Gateway.DefaultProvider)),
			logx.Int("gateway.user_rate_max", newCfg.Gateway.UserRateMax),
		)
	}

	// Ingest (never log the URL, it may carry credentials)
	oI, nI := derefIngest(oldCfg.Ingest), derefIngest(newCfg.Ingest)
	if (oldCfg.Ingest != nil) != (newCfg.Ingest != nil) || !reflect.DeepEqual(oI, nI) {
		changed = append(changed, "ingest")
		attrs = append(attrs,
			logx.Bool("ingest.present", newCfg.Ingest != nil),
			logx.Bool("ingest.enabled", nI.Enabled),
			logx.String("ingest.queue", strings.TrimSpace(nI.Queue)),
			logx.Bool("ingest.url_set", strings.TrimSpace(nI.URL) != ""),
		)
	}

	// Tenants (summarize only; never log tokens)
	tenantChanged := diffTenants(oldCfg.Tenants, newCfg.Tenants)
	if len(tenantChanged) > 0 {
		changed = append(changed, "tenants")
		attrs = append(attrs,
			logx.Int("tenants.changed_count", len(tenantChanged)),
			logx.Int("tenants.total", len(newCfg.Tenants)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, tenantChanged
}

func derefIngest(i *IngestConfig) IngestConfig {
	if i == nil {
		return IngestConfig{}
	}
	return *i
}

func diffTenants(oldM, newM map[string]TenantConfig) []string {
	if oldM == nil {
		oldM = map[string]TenantConfig{}
	}
	if newM == nil {
		newM = map[string]TenantConfig{}
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
