package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath string
	CLIDSN     string
	CLIDriver  string
	CLIMetrics string
}

// ResolvedConfig is the loaded settings file plus the connection values
// whose origin matters for diagnostics.
type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DSN         ResolvedValue `json:"dsn"`
	Driver      ResolvedValue `json:"driver"`
	MetricsFile ResolvedValue `json:"metrics_file"`

	Settings Settings `json:"settings"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".topicmap", "config.yaml")
}

// ResolveConfig layers built-in defaults, the settings file, environment
// and CLI flags, in that order.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("TOPICMAP_CONFIG"))
	}
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath: path,
		DSN:        ResolvedValue{Value: DefaultDSN, Source: SourceDefault, From: "built-in default"},
		Driver:     ResolvedValue{Value: DefaultDriver, Source: SourceDefault, From: "built-in default"},
	}

	settings, found, err := LoadSettings(path)
	if err != nil {
		return out, err
	}
	out.Settings = settings

	if found {
		if settings.Database.DSN != DefaultDSN {
			apply(&out.DSN, settings.Database.DSN, SourceConfig, path)
		}
		if settings.Database.Driver != DefaultDriver {
			apply(&out.Driver, settings.Database.Driver, SourceConfig, path)
		}
		apply(&out.MetricsFile, settings.Metrics.Textfile, SourceConfig, path)
	}

	applyEnv(&out.DSN, "DATABASE_URL")
	applyEnv(&out.DSN, "TOPICMAP_DSN")
	applyEnv(&out.Driver, "TOPICMAP_DRIVER")
	applyEnv(&out.MetricsFile, "TOPICMAP_METRICS_FILE")

	apply(&out.DSN, opts.CLIDSN, SourceCLI, "--dsn")
	apply(&out.Driver, opts.CLIDriver, SourceCLI, "--driver")
	apply(&out.MetricsFile, opts.CLIMetrics, SourceCLI, "--metrics-file")

	// A postgres URL without an explicit driver selects the postgres driver.
	if out.Driver.Source == SourceDefault && looksLikePostgres(out.DSN.Value) {
		out.Driver = ResolvedValue{Value: "postgres", Source: out.DSN.Source, From: out.DSN.From}
	}
	if out.Driver.Value == "sqlite" && out.DSN.Value != "" {
		out.DSN.Value = expandUserPath(out.DSN.Value)
	}

	out.Settings.Database.DSN = out.DSN.Value
	out.Settings.Database.Driver = out.Driver.Value
	out.Settings.Metrics.Textfile = out.MetricsFile.Value

	if err := out.Settings.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

func looksLikePostgres(dsn string) bool {
	d := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://")
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Describe renders the resolved connection values with their origin.
func (r ResolvedConfig) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "config:  %s\n", r.ConfigPath)
	fmt.Fprintf(&b, "driver:  %s (%s %s)\n", r.Driver.Value, r.Driver.Source, r.Driver.From)
	fmt.Fprintf(&b, "dsn:     %s (%s %s)\n", redactDSN(r.DSN.Value), r.DSN.Source, r.DSN.From)
	if r.MetricsFile.Value != "" {
		fmt.Fprintf(&b, "metrics: %s (%s %s)\n", r.MetricsFile.Value, r.MetricsFile.Source, r.MetricsFile.From)
	}
	return b.String()
}

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		creds = creds[:colon] + ":***"
	}
	return dsn[:scheme+3] + creds + dsn[at:]
}
