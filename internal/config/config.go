package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/goccy/go-yaml"
	"github.com/inoxlang/tjit/internal/deopt"
	"github.com/inoxlang/tjit/internal/target"
	"github.com/inoxlang/tjit/internal/template"
	"github.com/inoxlang/tjit/internal/translator"
	"github.com/inoxlang/tjit/internal/utils"
	"github.com/rs/zerolog"
	"gopkg.in/cenkalti/backoff.v1"
)

const (
	APP_NAME = "tjit"

	CONFIG_FILE_NAME    = "config.yaml"
	CONFIG_FILE_RELPATH = APP_NAME + "/" + CONFIG_FILE_NAME
	CONFIG_FILE_PERM    = 0o600

	CODE_STORE_FILE_NAME    = "code.db"
	CODE_STORE_FILE_RELPATH = APP_NAME + "/" + CODE_STORE_FILE_NAME

	DEFAULT_PLATFORM             = "amd64"
	DEFAULT_TEMPLATE_SLOTS       = translator.DEFAULT_TEMPLATE_SLOTS
	DEFAULT_LOG_LEVEL            = "info"
	DEFAULT_RETRY_BACKOFF        = deopt.RETRY_BACKOFF_NONE
	DEFAULT_REGISTRY_CACHE_SIZE  = 64
	DEFAULT_VERIFY_REFMAP_INPUTS = true
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")

	FORCE_COLOR           bool
	TRUECOLOR_COLORTERM   bool
	TERM_256COLOR_CAPABLE bool
	NO_COLOR              bool
	SHOULD_COLORIZE       bool
)

func init() {
	targetSpecificInit()
}

type Config struct {
	Platform         string `yaml:"platform"`
	TemplateSlots    int    `yaml:"template-slots"`
	RegisterMapWidth int    `yaml:"register-map-width,omitempty"` //0: number of callee-saved registers

	TraceTranslation bool   `yaml:"trace-translation"`
	TraceDeopt       bool   `yaml:"trace-deopt"`
	LogLevel         string `yaml:"log-level"`

	VerifyRefMapInputs bool `yaml:"verify-refmap-inputs"`
	InstrumentCalls    bool `yaml:"instrument-calls"`

	Deopt DeoptSettings `yaml:"deopt"`

	// path of a template catalog file, its templates take precedence over the synthetic templates.
	CatalogFile string `yaml:"catalog,omitempty"`

	// path of the code store, it defaults to a file in the XDG data directory.
	CodeStoreFile string `yaml:"code-store,omitempty"`
}

type DeoptSettings struct {
	RetryBackOff  string `yaml:"retry-backoff"`
	RetryInterval string `yaml:"retry-interval"` //Go duration
}

func Default() Config {
	return Config{
		Platform:           DEFAULT_PLATFORM,
		TemplateSlots:      DEFAULT_TEMPLATE_SLOTS,
		LogLevel:           DEFAULT_LOG_LEVEL,
		VerifyRefMapInputs: DEFAULT_VERIFY_REFMAP_INPUTS,
		Deopt: DeoptSettings{
			RetryBackOff:  DEFAULT_RETRY_BACKOFF,
			RetryInterval: deopt.DEFAULT_RETRY_INTERVAL.String(),
		},
	}
}

// Load reads the configuration file at path. If path is empty the file is searched in the XDG config
// directories, the defaults are returned if there is no such file. The path of the file read is returned
// with the configuration.
func Load(path string) (Config, string, error) {
	if path == "" {
		found, err := xdg.SearchConfigFile(CONFIG_FILE_RELPATH)
		if err != nil {
			return Default(), "", nil
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, "", err
	}

	config, err := Parse(data)
	if err != nil {
		return Config{}, "", fmt.Errorf("%s: %w", path, err)
	}
	return config, path, nil
}

// Parse parses a YAML configuration, the missing keys keep their default value.
func Parse(data []byte) (Config, error) {
	config := Default()
	if err := yaml.UnmarshalWithOptions(data, &config, yaml.DisallowUnknownField()); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) Validate() error {
	var errs []error

	if _, err := target.PlatformByName(c.Platform); err != nil {
		errs = append(errs, err)
	}
	if c.TemplateSlots < 0 {
		errs = append(errs, errors.New("template-slots should not be negative"))
	}
	if c.RegisterMapWidth < 0 || c.RegisterMapWidth > 32 {
		errs = append(errs, errors.New("register-map-width should be in [0, 32]"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log-level: %w", err))
	}
	if _, err := c.NewBackOff(); err != nil {
		errs = append(errs, fmt.Errorf("deopt: %w", err))
	}

	return utils.CombineErrorsWithPrefixMessage(ErrInvalidConfig.Error(), errs...)
}

func (c Config) PlatformValue() target.Platform {
	return utils.Must(target.PlatformByName(c.Platform))
}

func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func (c Config) TranslatorOptions(logger zerolog.Logger) translator.Options {
	return translator.Options{
		Logger:             logger,
		Platform:           c.PlatformValue(),
		TemplateSlots:      c.TemplateSlots,
		RegisterMapWidth:   c.RegisterMapWidth,
		InstrumentCalls:    c.InstrumentCalls,
		VerifyRefMapInputs: c.VerifyRefMapInputs,
		Trace:              c.TraceTranslation,
	}
}

// Templates returns the synthetic templates of the platform, preceded by the templates of the catalog
// file if there is one.
func (c Config) Templates() (template.Catalog, error) {
	synthetic := template.NewSyntheticLibrary(c.PlatformValue().TemplateShape())
	if c.CatalogFile == "" {
		return synthetic, nil
	}

	lib, err := template.ReadCatalogFile(c.CatalogFile)
	if err != nil {
		return nil, err
	}
	return template.Chain(lib, synthetic), nil
}

func (c Config) NewBackOff() (func() backoff.BackOff, error) {
	var interval time.Duration
	if s := strings.TrimSpace(c.Deopt.RetryInterval); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("retry-interval: %w", err)
		}
		interval = d
	}
	return deopt.NewRetryBackOff(c.Deopt.RetryBackOff, interval)
}

func (c Config) DeoptConfig(logger zerolog.Logger, registry *target.Registry) (deopt.Config, error) {
	newBackOff, err := c.NewBackOff()
	if err != nil {
		return deopt.Config{}, err
	}
	return deopt.Config{
		Logger:     logger,
		Trace:      c.TraceDeopt,
		Registry:   registry,
		NewBackOff: newBackOff,
	}, nil
}

// CodeStorePath returns the path of the code store, the parent directories of the default path are created.
func (c Config) CodeStorePath() (string, error) {
	if c.CodeStoreFile != "" {
		return c.CodeStoreFile, nil
	}
	return xdg.DataFile(CODE_STORE_FILE_RELPATH)
}

func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// CreateDefaultConfigFile writes the default configuration in the XDG config directory if there is no
// configuration file yet, it returns the path of the file.
func CreateDefaultConfigFile() (string, error) {
	path, err := xdg.SearchConfigFile(CONFIG_FILE_RELPATH)
	if err == nil {
		return path, nil
	}

	path, err = xdg.ConfigFile(CONFIG_FILE_RELPATH)
	if err != nil {
		return "", err
	}

	data, err := Default().Marshal()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, CONFIG_FILE_PERM); err != nil {
		return "", err
	}
	return path, nil
}
