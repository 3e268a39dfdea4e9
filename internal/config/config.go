// Package config loads process configuration from environment variables,
// following automation-service/internal/config's flat-struct,
// getenv-with-fallback pattern (teacher), extended with the mini-grammar
// *_CONFIG variables and LOCATION from spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Domain          string
	ControllerID    string
	ControllerName  string
	Port            string
	LogLevel        string
	LogToFile       string
	LogSourceFiles  bool
	EnvColorLog     bool

	MQTTHost     string
	MQTTPort     string
	MQTTUsername string
	MQTTPassword string
	MQTTClientID string

	RulesSource      SourceSpec
	VDevSource       SourceSpec
	ValueStoreSource SourceSpec

	Location Location
}

// Location is the LOCATION=lat,lon,elev triple used by the Solar
// Scheduler (§4.C). Ok is false when LOCATION was not set.
type Location struct {
	Lat, Lon, Elevation float64
	Ok                  bool
}

// SourceSpec is a parsed mini-grammar value for one of the *_CONFIG env
// vars: file:/path | mqtt:topic | kubernetes:name[,ns] | inmemory |
// sqlite:/path | postgres:dsn (the last only meaningful for
// VALUESTORE_CONFIG).
type SourceSpec struct {
	Kind string // file | mqtt | kubernetes | inmemory | sqlite | postgres
	Arg  string // path, topic, "name[,ns]", or a postgres DSN
}

func Load() (Config, error) {
	cfg := Config{
		Domain:         getenv("DOMAIN", "homie"),
		ControllerID:   getenv("CONTROLLER_ID", "automation"),
		ControllerName: getenv("CONTROLLER_NAME", "Automation Controller"),
		Port:           getenv("PORT", "8099"),
		LogLevel:       getenv("LOGLEVEL", "info"),
		LogToFile:      getenv("LOG_TO_FILE", ""),
		LogSourceFiles: getenvBool("LOG_SOURCE_FILES", false),
		EnvColorLog:    getenvBool("ENV_COLOR_LOG", true),

		MQTTHost:     getenv("MQTT_HOST", "localhost"),
		MQTTPort:     getenv("MQTT_PORT", "1883"),
		MQTTUsername: getenv("MQTT_USERNAME", ""),
		MQTTPassword: getenv("MQTT_PASSWORD", ""),
		MQTTClientID: getenv("MQTT_CLIENT_ID", "hc-homie5-automation"),
	}

	var err error
	if cfg.RulesSource, err = parseSourceSpec(getenv("RULES_CONFIG", "inmemory")); err != nil {
		return cfg, fmt.Errorf("RULES_CONFIG: %w", err)
	}
	if cfg.VDevSource, err = parseSourceSpec(getenv("VDEV_CONFIG", "inmemory")); err != nil {
		return cfg, fmt.Errorf("VDEV_CONFIG: %w", err)
	}
	if cfg.ValueStoreSource, err = parseSourceSpec(getenv("VALUESTORE_CONFIG", "inmemory")); err != nil {
		return cfg, fmt.Errorf("VALUESTORE_CONFIG: %w", err)
	}

	if raw := strings.TrimSpace(os.Getenv("LOCATION")); raw != "" {
		loc, err := parseLocation(raw)
		if err != nil {
			return cfg, fmt.Errorf("LOCATION: %w", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

func parseSourceSpec(raw string) (SourceSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "inmemory" {
		return SourceSpec{Kind: "inmemory"}, nil
	}
	kind, arg, ok := strings.Cut(raw, ":")
	if !ok {
		return SourceSpec{}, fmt.Errorf("expected kind:arg or inmemory, got %q", raw)
	}
	switch kind {
	case "file", "mqtt", "kubernetes", "sqlite", "postgres":
		return SourceSpec{Kind: kind, Arg: arg}, nil
	default:
		return SourceSpec{}, fmt.Errorf("unsupported source kind %q", kind)
	}
}

func parseLocation(raw string) (Location, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return Location{}, fmt.Errorf("expected lat,lon,elev, got %q", raw)
	}
	vals := make([]float64, 3)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Location{}, fmt.Errorf("invalid number %q: %w", p, err)
		}
		vals[i] = f
	}
	return Location{Lat: vals[0], Lon: vals[1], Elevation: vals[2], Ok: true}, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
