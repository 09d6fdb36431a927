package goSession

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. GOSESSION_SESSION_LOCK_TTL.
const EnvPrefix = "GOSESSION"

type configKey struct {
	name string
	def  any
	kind string // duration, int, bool, string, strings
}

func configKeys(d Config) []configKey {
	return []configKey{
		{"repository.backend", d.Repository.Backend, "string"},
		{"repository.addrs", d.Repository.Addrs, "strings"},
		{"repository.username", d.Repository.Username, "string"},
		{"repository.password", d.Repository.Password, "string"},
		{"repository.db", d.Repository.DB, "int"},
		{"repository.prefix", d.Repository.Prefix, "string"},
		{"repository.bolt_path", d.Repository.BoltPath, "string"},

		{"session.sticky", d.Session.Sticky, "bool"},
		{"session.lock_ttl", d.Session.LockTTL, "duration"},
		{"session.max_access_time_not_saving", d.Session.MaxAccessTimeNotSaving, "duration"},
		{"session.operation_timeout", d.Session.OperationTimeout, "duration"},
		{"session.max_inactive_interval", d.Session.MaxInactiveInterval, "duration"},
		{"session.wait_timeout", d.Session.WaitTimeout, "duration"},
		{"session.sweep_interval", d.Session.SweepInterval, "duration"},

		{"dispatch.workers", d.Dispatch.Workers, "int"},
		{"dispatch.queue_size", d.Dispatch.QueueSize, "int"},

		{"audit.enabled", d.Audit.Enabled, "bool"},
		{"audit.buffer_size", d.Audit.BufferSize, "int"},
		{"audit.drop_if_full", d.Audit.DropIfFull, "bool"},

		{"metrics.enabled", d.Metrics.Enabled, "bool"},
		{"metrics.enable_latency_histograms", d.Metrics.EnableLatencyHistograms, "bool"},

		{"logging.level", d.Logging.Level, "string"},
		{"logging.format", d.Logging.Format, "string"},
	}
}

// LoadConfig reads a configuration file (any format viper understands; empty path
// skips the file) and applies GOSESSION_* environment overrides on top of the
// defaults. Values that cannot be parsed fall back to their default and are reported
// as "invalid_value" warnings. The result is validated.
func LoadConfig(path string) (Config, LintWarnings, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	keys := configKeys(defaultConfig())
	for _, k := range keys {
		v.SetDefault(k.name, k.def)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var warnings LintWarnings
	for _, k := range keys {
		if err := checkValue(v.Get(k.name), k.kind); err != nil {
			warnings = append(warnings, LintWarning{
				Code:    "invalid_value",
				Message: fmt.Sprintf("%s: %v; using default %v", k.name, err, k.def),
			})
			v.Set(k.name, k.def)
		}
	}

	cfg := Config{
		Repository: RepositoryConfig{
			Backend:  v.GetString("repository.backend"),
			Addrs:    v.GetStringSlice("repository.addrs"),
			Username: v.GetString("repository.username"),
			Password: v.GetString("repository.password"),
			DB:       v.GetInt("repository.db"),
			Prefix:   v.GetString("repository.prefix"),
			BoltPath: v.GetString("repository.bolt_path"),
		},
		Session: SessionConfig{
			Sticky:                 v.GetBool("session.sticky"),
			LockTTL:                v.GetDuration("session.lock_ttl"),
			MaxAccessTimeNotSaving: v.GetDuration("session.max_access_time_not_saving"),
			OperationTimeout:       v.GetDuration("session.operation_timeout"),
			MaxInactiveInterval:    v.GetDuration("session.max_inactive_interval"),
			WaitTimeout:            v.GetDuration("session.wait_timeout"),
			SweepInterval:          v.GetDuration("session.sweep_interval"),
		},
		Dispatch: DispatchConfig{
			Workers:   v.GetInt("dispatch.workers"),
			QueueSize: v.GetInt("dispatch.queue_size"),
		},
		Audit: AuditConfig{
			Enabled:    v.GetBool("audit.enabled"),
			BufferSize: v.GetInt("audit.buffer_size"),
			DropIfFull: v.GetBool("audit.drop_if_full"),
		},
		Metrics: MetricsConfig{
			Enabled:                 v.GetBool("metrics.enabled"),
			EnableLatencyHistograms: v.GetBool("metrics.enable_latency_histograms"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, warnings, err
	}
	return cfg, append(warnings, cfg.Lint()...), nil
}

// checkValue rejects strings that would silently decode to zero.
func checkValue(raw any, kind string) error {
	s, ok := raw.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	switch kind {
	case "duration":
		_, err := time.ParseDuration(s)
		return err
	case "int":
		_, err := strconv.Atoi(s)
		return err
	case "bool":
		_, err := strconv.ParseBool(s)
		return err
	}
	return nil
}
