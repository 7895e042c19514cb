package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/polcohq/polco/pkg/retry"
	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDataDir is where per-store warehouse exports land.
	DefaultDataDir = "./data"

	// DefaultReportsDir is where extracted Markdown reports land.
	DefaultReportsDir = "./reports"

	// DefaultPDFDir is where rendered PDF reports land.
	DefaultPDFDir = "./pdfs"

	// DefaultMapsDir is where rendered map artifacts land.
	DefaultMapsDir = "./maps"

	// DefaultConcurrency bounds in-flight task units within a stage.
	DefaultConcurrency = 5

	// DefaultTaskTimeout bounds a single task unit attempt.
	DefaultTaskTimeout = 2 * time.Minute

	// DefaultPollInterval is the warehouse query status poll interval.
	DefaultPollInterval = 10 * time.Second

	// DefaultOracleRPM is the oracle request budget per minute.
	DefaultOracleRPM = 30

	// DefaultConverterCommand is the headless browser used for PDF
	// conversion.
	DefaultConverterCommand = "chromium"

	// envPrefix is the environment variable prefix for overrides.
	envPrefix = "POLCO"
)

// Config is the root configuration for polco.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Roster    RosterConfig    `yaml:"roster" mapstructure:"roster"`
	Warehouse WarehouseConfig `yaml:"warehouse" mapstructure:"warehouse"`
	Docstore  DocstoreConfig  `yaml:"docstore" mapstructure:"docstore"`
	Oracle    OracleConfig    `yaml:"oracle" mapstructure:"oracle"`
	Prompts   PromptsConfig   `yaml:"prompts" mapstructure:"prompts"`
	Renderer  RendererConfig  `yaml:"renderer" mapstructure:"renderer"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Publish   *PublishConfig  `yaml:"publish,omitempty" mapstructure:"publish"`
	API       *APIConfig      `yaml:"api,omitempty" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel   string `yaml:"log_level" mapstructure:"log_level"`
	DataDir    string `yaml:"data_dir" mapstructure:"data_dir"`
	ReportsDir string `yaml:"reports_dir" mapstructure:"reports_dir"`
	PDFDir     string `yaml:"pdf_dir" mapstructure:"pdf_dir"`
	MapsDir    string `yaml:"maps_dir" mapstructure:"maps_dir"`
}

// RosterConfig locates the store roster and locale fallback behavior.
type RosterConfig struct {
	Path string `yaml:"path" mapstructure:"path"`

	// DefaultLanguage is used when a store's locale cannot be detected.
	// When empty, an unknown locale is a permanent failure for
	// language-dependent stages.
	DefaultLanguage string `yaml:"default_language,omitempty" mapstructure:"default_language"`
}

// WarehouseConfig contains the SQL warehouse connection and query settings.
type WarehouseConfig struct {
	Region          string        `yaml:"region" mapstructure:"region"`
	Database        string        `yaml:"database" mapstructure:"database"`
	Workgroup       string        `yaml:"workgroup" mapstructure:"workgroup"`
	OutputLocation  string        `yaml:"output_location" mapstructure:"output_location"`
	AccessKeyID     string        `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	QueriesFile     string        `yaml:"queries_file" mapstructure:"queries_file"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// DocstoreConfig contains the document database settings.
type DocstoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	SQLite      SQLiteConfig      `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres    PostgresConfig    `yaml:"postgres,omitempty" mapstructure:"postgres"`
	Collections CollectionsConfig `yaml:"collections,omitempty" mapstructure:"collections"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// CollectionsConfig names the document collections per stage output.
type CollectionsConfig struct {
	Data      string `yaml:"data" mapstructure:"data"`
	Captation string `yaml:"captation" mapstructure:"captation"`
	Analysis  string `yaml:"analysis" mapstructure:"analysis"`
	Runs      string `yaml:"runs" mapstructure:"runs"`
}

// OracleConfig contains the narrative/search oracle settings.
type OracleConfig struct {
	Endpoint          string  `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey            string  `yaml:"api_key" mapstructure:"api_key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	CaptationModel    string  `yaml:"captation_model,omitempty" mapstructure:"captation_model"`
	Temperature       float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens         int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerMinute int     `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// PromptsConfig locates the prompt material on disk.
type PromptsConfig struct {
	CaptationFile string `yaml:"captation_file" mapstructure:"captation_file"`
	SectionsDir   string `yaml:"sections_dir" mapstructure:"sections_dir"`
}

// RendererConfig contains map rendering and PDF conversion settings.
type RendererConfig struct {
	GeocoderEndpoint string   `yaml:"geocoder_endpoint" mapstructure:"geocoder_endpoint"`
	StaticMapURL     string   `yaml:"static_map_url" mapstructure:"static_map_url"`
	ConverterCommand string   `yaml:"converter_command" mapstructure:"converter_command"`
	ConverterArgs    []string `yaml:"converter_args,omitempty" mapstructure:"converter_args"`
}

// PipelineConfig contains the orchestration settings shared by all stages.
type PipelineConfig struct {
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency"`
	TaskTimeout time.Duration `yaml:"task_timeout" mapstructure:"task_timeout"`
	Retry       retry.Config  `yaml:"retry" mapstructure:"retry"`
}

// PublishConfig contains artifact publication settings.
type PublishConfig struct {
	S3 *S3PublishConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3PublishConfig contains S3 settings for publishing report artifacts.
type S3PublishConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// APIConfig contains the report API server settings.
type APIConfig struct {
	Listen      string   `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
}

// DefaultConverterArgs are the arguments passed to the converter command.
// The {input} and {output} placeholders are substituted per conversion.
func DefaultConverterArgs() []string {
	return []string{
		"--headless",
		"--disable-gpu",
		"--no-sandbox",
		"--print-to-pdf={output}",
		"{input}",
	}
}

// Load reads the configuration file at path, applies environment overrides
// (POLCO_ prefix, dots replaced by underscores) and defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Re-bind every key found in the file so AutomaticEnv overrides apply
	// during Unmarshal.
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.DataDir == "" {
		c.Global.DataDir = DefaultDataDir
	}

	if c.Global.ReportsDir == "" {
		c.Global.ReportsDir = DefaultReportsDir
	}

	if c.Global.PDFDir == "" {
		c.Global.PDFDir = DefaultPDFDir
	}

	if c.Global.MapsDir == "" {
		c.Global.MapsDir = DefaultMapsDir
	}

	if c.Warehouse.PollInterval == 0 {
		c.Warehouse.PollInterval = DefaultPollInterval
	}

	if c.Docstore.Driver == "" {
		c.Docstore.Driver = "sqlite"
	}

	if c.Docstore.Driver == "sqlite" && c.Docstore.SQLite.Path == "" {
		c.Docstore.SQLite.Path = "./polco.db"
	}

	if c.Docstore.Collections.Data == "" {
		c.Docstore.Collections.Data = "polco_magasins_data"
	}

	if c.Docstore.Collections.Captation == "" {
		c.Docstore.Collections.Captation = "polco_magasins_captation"
	}

	if c.Docstore.Collections.Analysis == "" {
		c.Docstore.Collections.Analysis = "polco_analyzer"
	}

	if c.Docstore.Collections.Runs == "" {
		c.Docstore.Collections.Runs = "polco_runs"
	}

	if c.Oracle.RequestsPerMinute == 0 {
		c.Oracle.RequestsPerMinute = DefaultOracleRPM
	}

	if c.Oracle.MaxTokens == 0 {
		c.Oracle.MaxTokens = 8192
	}

	if c.Oracle.CaptationModel == "" {
		c.Oracle.CaptationModel = c.Oracle.Model
	}

	if c.Pipeline.Concurrency == 0 {
		c.Pipeline.Concurrency = DefaultConcurrency
	}

	if c.Pipeline.TaskTimeout == 0 {
		c.Pipeline.TaskTimeout = DefaultTaskTimeout
	}

	if c.Pipeline.Retry.MaxAttempts == 0 {
		c.Pipeline.Retry = retry.DefaultConfig()
	}

	if c.API != nil && c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Roster.Path == "" {
		return fmt.Errorf("roster.path is required")
	}

	if c.Warehouse.Database == "" {
		return fmt.Errorf("warehouse.database is required")
	}

	if c.Warehouse.OutputLocation == "" {
		return fmt.Errorf("warehouse.output_location is required")
	}

	if c.Warehouse.QueriesFile == "" {
		return fmt.Errorf("warehouse.queries_file is required")
	}

	if c.Oracle.Endpoint == "" {
		return fmt.Errorf("oracle.endpoint is required")
	}

	if c.Oracle.Model == "" {
		return fmt.Errorf("oracle.model is required")
	}

	switch c.Docstore.Driver {
	case "sqlite":
		if c.Docstore.SQLite.Path == "" {
			return fmt.Errorf("docstore.sqlite.path is required")
		}
	case "postgres":
		if c.Docstore.Postgres.Host == "" || c.Docstore.Postgres.Database == "" {
			return fmt.Errorf("docstore.postgres host and database are required")
		}
	default:
		return fmt.Errorf("unsupported docstore driver %q", c.Docstore.Driver)
	}

	if c.Publish != nil && c.Publish.S3 != nil && c.Publish.S3.Enabled {
		if c.Publish.S3.Bucket == "" {
			return fmt.Errorf("publish.s3.bucket is required when publish is enabled")
		}
	}

	return nil
}

// PublishEnabled reports whether S3 publication is configured and enabled.
func (c *Config) PublishEnabled() bool {
	return c.Publish != nil && c.Publish.S3 != nil && c.Publish.S3.Enabled
}
