package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Geocode  GeocodeConfig  `yaml:"geocode" mapstructure:"geocode"`
	Route    RouteConfig    `yaml:"route" mapstructure:"route"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Audit    AuditConfig    `yaml:"audit" mapstructure:"audit"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run-history database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// IngestConfig locates the dataset registry file.
type IngestConfig struct {
	Registry string `yaml:"registry" mapstructure:"registry"`
}

// GeocodeConfig configures the geocoding clients. Empty base URLs use each
// provider's public endpoint. Delays are hard courtesy floors published by
// the services; lower them only against self-hosted instances.
type GeocodeConfig struct {
	ArcGISBaseURL    string `yaml:"arcgis_base_url" mapstructure:"arcgis_base_url"`
	NominatimBaseURL string `yaml:"nominatim_base_url" mapstructure:"nominatim_base_url"`
	UserAgent        string `yaml:"user_agent" mapstructure:"user_agent"`
	ArcGISDelayMs    int    `yaml:"arcgis_delay_ms" mapstructure:"arcgis_delay_ms"`
	NominatimDelayMs int    `yaml:"nominatim_delay_ms" mapstructure:"nominatim_delay_ms"`
	MaxLocations     int    `yaml:"max_locations" mapstructure:"max_locations"`
}

// RouteConfig configures the routing clients.
type RouteConfig struct {
	Engine          string `yaml:"engine" mapstructure:"engine"`
	ValhallaBaseURL string `yaml:"valhalla_base_url" mapstructure:"valhalla_base_url"`
	OSRMBaseURL     string `yaml:"osrm_base_url" mapstructure:"osrm_base_url"`
	DelayMs         int    `yaml:"delay_ms" mapstructure:"delay_ms"`
}

// PipelineConfig configures segment repair behavior.
type PipelineConfig struct {
	// Workers bounds concurrent segment processing. The shared service
	// limiters still serialize outbound requests.
	Workers int `yaml:"workers" mapstructure:"workers"`

	// MinRepairScore is the minimum geocoder confidence accepted when a
	// repair stage replaces an endpoint.
	MinRepairScore float64 `yaml:"min_repair_score" mapstructure:"min_repair_score"`

	// OOBCandidates caps how many candidates the out-of-boundary repair
	// walks looking for an in-boundary match.
	OOBCandidates int `yaml:"oob_candidates" mapstructure:"oob_candidates"`
}

// AuditConfig configures cross-validation sampling.
type AuditConfig struct {
	Seed          int64 `yaml:"seed" mapstructure:"seed"`
	SampleState   int   `yaml:"sample_state" mapstructure:"sample_state"`
	SampleFederal int   `yaml:"sample_federal" mapstructure:"sample_federal"`
	SampleCounty  int   `yaml:"sample_county" mapstructure:"sample_county"`
	SampleLocal   int   `yaml:"sample_local" mapstructure:"sample_local"`
}

// RetryConfig configures retry/backoff for external service calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// ServerConfig configures the artifact server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ROADWORKS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "roadworks.db")
	v.SetDefault("ingest.registry", "datasets.yaml")
	v.SetDefault("geocode.user_agent", "roadworks-cli/1.0")
	v.SetDefault("geocode.arcgis_delay_ms", 120)
	v.SetDefault("geocode.nominatim_delay_ms", 1100)
	v.SetDefault("geocode.max_locations", 5)
	v.SetDefault("route.engine", "valhalla")
	v.SetDefault("route.delay_ms", 550)
	v.SetDefault("pipeline.workers", 1)
	v.SetDefault("pipeline.min_repair_score", 80)
	v.SetDefault("pipeline.oob_candidates", 10)
	v.SetDefault("audit.seed", 42)
	v.SetDefault("audit.sample_state", 15)
	v.SetDefault("audit.sample_federal", 15)
	v.SetDefault("audit.sample_county", 20)
	v.SetDefault("audit.sample_local", 10)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 20000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that configuration required for the given mode is present
// and in range. Mode is the command family: "run", "audit", or "serve".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required for postgres")
	}

	switch mode {
	case "run":
		switch c.Route.Engine {
		case "valhalla", "osrm":
		default:
			problems = append(problems, "route.engine must be valhalla or osrm")
		}
		if c.Pipeline.Workers < 1 || c.Pipeline.Workers > 32 {
			problems = append(problems, "pipeline.workers must be between 1 and 32")
		}
		if c.Pipeline.MinRepairScore < 0 || c.Pipeline.MinRepairScore > 100 {
			problems = append(problems, "pipeline.min_repair_score must be between 0 and 100")
		}
		if c.Pipeline.OOBCandidates < 1 {
			problems = append(problems, "pipeline.oob_candidates must be >= 1")
		}
	case "audit":
		if c.Geocode.UserAgent == "" {
			problems = append(problems, "geocode.user_agent is required for Nominatim")
		}
		total := c.Audit.SampleState + c.Audit.SampleFederal + c.Audit.SampleCounty + c.Audit.SampleLocal
		if total < 1 {
			problems = append(problems, "audit sample quotas must sum to >= 1")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
