package model

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	FormatJSON  = "json"
	FormatTable = "table"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	DefaultMaxConcurrency   = 16
	DefaultPerTargetTimeout = 30 * time.Second
	DefaultRetryBackoff     = 500 * time.Millisecond

	DefaultPipelineWorkers = 4
	DefaultPipelineBuffer  = 64
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report yaml names, so errors point to the config file keys
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type Config struct {
	Version  int            `yaml:"version" validate:"eq=0"`
	Service  Service        `yaml:"service"`
	Executor ExecutorConfig `yaml:"executor"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Store    StoreConfig    `yaml:"store"`
	Scans    []ScanConfig   `yaml:"scans,omitempty" validate:"dive"`
}

type Service struct {
	Verbose     bool   `yaml:"verbose"`
	Log         string `yaml:"log,omitempty"`    // "stderr"|"stdout"|"discard"|path
	Format      string `yaml:"format,omitempty" validate:"omitempty,oneof=json table"`
	Output      string `yaml:"output,omitempty"` // empty means stdout
	MetricsAddr string `yaml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
}

// ExecutorConfig controls how a job is dispatched. Zero values are replaced
// by defaults in WithDefaults.
type ExecutorConfig struct {
	MaxConcurrency   int           `yaml:"max_concurrency" validate:"gte=1,lte=4096"`
	PerTargetTimeout time.Duration `yaml:"per_target_timeout" validate:"gt=0"`
	RetryCount       int           `yaml:"retry_count" validate:"gte=0,lte=32"`
	RetryBackoff     time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	// RateLimit caps probe attempts per second for a job, 0 is unlimited.
	RateLimit float64 `yaml:"rate_limit,omitempty" validate:"gte=0"`
}

func (c ExecutorConfig) WithDefaults() ExecutorConfig {
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.PerTargetTimeout == 0 {
		c.PerTargetTimeout = DefaultPerTargetTimeout
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

func (c ExecutorConfig) Validate() error {
	return validateStruct(c)
}

type PipelineConfig struct {
	Workers int  `yaml:"workers,omitempty" validate:"gte=0,lte=1024"`
	Buffer  int  `yaml:"buffer,omitempty" validate:"gte=0"`
	Commit  bool `yaml:"commit"`
}

// StoreConfig selects the resource store. DSN is a postgres connection
// string or a sqlite database path.
type StoreConfig struct {
	Type  string       `yaml:"type" validate:"oneof=memory postgres sqlite"`
	DSN   string       `yaml:"dsn,omitempty" validate:"required_unless=Type memory"`
	Cache *CacheConfig `yaml:"cache,omitempty"`
}

// CacheConfig configures the redis read-through cache in front of the store.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr" validate:"required_if=Enabled true"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty" validate:"gte=0"`
	Prefix   string        `yaml:"prefix,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty" validate:"gte=0"`
}

type ScanConfig struct {
	Scanner string   `yaml:"scanner" validate:"required"`
	Targets []string `yaml:"targets" validate:"min=1,dive,required"`
	// Ports overrides the port list of port scanners: "22,80,8000-8100".
	Ports string `yaml:"ports,omitempty"`
	// Executor overrides the global executor settings for this scan.
	Executor *ExecutorConfig `yaml:"executor,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Version: 0,
		Service: Service{
			Log:    LogStderr,
			Format: FormatJSON,
		},
		Executor: ExecutorConfig{}.WithDefaults(),
		Pipeline: PipelineConfig{
			Workers: DefaultPipelineWorkers,
			Buffer:  DefaultPipelineBuffer,
		},
		Store: StoreConfig{
			Type: StoreMemory,
		},
	}
}

// LoadConfig decodes YAML from r on top of DefaultConfig and validates it.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, NewConfigurationError("", "parse yaml: %v", err)
	}
	cfg.Executor = cfg.Executor.WithDefaults()
	for i, s := range cfg.Scans {
		if s.Executor != nil {
			e := s.Executor.WithDefaults()
			cfg.Scans[i].Executor = &e
		}
	}
	if err := validateStruct(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ScanExecutor returns the effective executor settings of scan s.
func (c Config) ScanExecutor(s ScanConfig) ExecutorConfig {
	if s.Executor != nil {
		return *s.Executor
	}
	return c.Executor
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewConfigurationError("", "%v", err)
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, &ConfigurationError{
			Field:   trimNamespace(fe.Namespace()),
			Message: describe(fe),
		})
	}
	return errors.Join(errs...)
}

// trimNamespace drops the root struct name: Config.executor.max_concurrency
func trimNamespace(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of (%s), got %v", strings.ReplaceAll(fe.Param(), " ", ","), fe.Value())
	case "gte", "gt", "lte", "min", "eq":
		return fmt.Sprintf("must be %s %s, got %v", fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed on %s validation, got %v", fe.Tag(), fe.Value())
	}
}
