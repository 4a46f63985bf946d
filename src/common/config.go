package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"gopkg.in/yaml.v3"
)

// AppConfig is resolved in this order: defaults, config file (YAML or HCL),
// POETRY_* environment variables, command line flags.
type AppConfig struct {
	ModelPath     string `yaml:"model_path" hcl:"model_path,optional"`
	DatasetPath   string `yaml:"dataset_path" hcl:"dataset_path,optional"`
	DatasetColumn string `yaml:"dataset_column" hcl:"dataset_column,optional"`
	TokenizerPath string `yaml:"tokenizer_path" hcl:"tokenizer_path,optional"` // optional tokenizer JSON export

	Log        *LogConfig        `yaml:"log" hcl:"log,block"`
	Server     *ServerConfig     `yaml:"server" hcl:"server,block"`
	Generation *GenerationConfig `yaml:"generation" hcl:"generation,block"`
}

type LogConfig struct {
	Level  string `yaml:"level" hcl:"level,optional"`
	Format string `yaml:"format" hcl:"format,optional"`
}

type ServerConfig struct {
	ListenAddr               string `yaml:"listen_addr" hcl:"listen_addr,optional"`
	RequestTimeout           string `yaml:"request_timeout" hcl:"request_timeout,optional"`
	ShutdownTimeout          string `yaml:"shutdown_timeout" hcl:"shutdown_timeout,optional"`
	MaxConcurrentGenerations int    `yaml:"max_concurrent_generations" hcl:"max_concurrent_generations,optional"`
	MaxRequestBytes          int64  `yaml:"max_request_bytes" hcl:"max_request_bytes,optional"`
}

// GenerationConfig holds the bounds of the form sliders.
type GenerationConfig struct {
	MinWords     int `yaml:"min_words" hcl:"min_words,optional"`
	MaxWords     int `yaml:"max_words" hcl:"max_words,optional"`
	WordsStep    int `yaml:"words_step" hcl:"words_step,optional"`
	DefaultWords int `yaml:"default_words" hcl:"default_words,optional"`

	MinTemperature     float64 `yaml:"min_temperature" hcl:"min_temperature,optional"`
	MaxTemperature     float64 `yaml:"max_temperature" hcl:"max_temperature,optional"`
	TemperatureStep    float64 `yaml:"temperature_step" hcl:"temperature_step,optional"`
	DefaultTemperature float64 `yaml:"default_temperature" hcl:"default_temperature,optional"`
}

func NewAppConfig() *AppConfig {
	return &AppConfig{
		ModelPath:     "roman_urdu_poetry_model.keras",
		DatasetPath:   "dataset.csv",
		DatasetColumn: "Poetry",
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: &ServerConfig{
			ListenAddr:               ":7860",
			RequestTimeout:           "2m",
			ShutdownTimeout:          "15s",
			MaxConcurrentGenerations: runtime.NumCPU(),
			MaxRequestBytes:          64 * 1024,
		},
		Generation: &GenerationConfig{
			MinWords:     10,
			MaxWords:     200,
			WordsStep:    10,
			DefaultWords: DefaultNumGenerate,

			MinTemperature:     0.1,
			MaxTemperature:     2.0,
			TemperatureStep:    0.1,
			DefaultTemperature: DefaultTemperature,
		},
	}
}

func LoadAppConfig(configFilePath string) (*AppConfig, error) {
	result := NewAppConfig()
	if configFilePath != "" {
		if err := result.loadFile(configFilePath); err != nil {
			return nil, err
		}
	}
	result.applyEnv()
	return result, nil
}

func (c *AppConfig) loadFile(configFilePath string) error {
	var fileConfig AppConfig
	switch strings.ToLower(filepath.Ext(configFilePath)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(configFilePath)
		if err != nil {
			return fmt.Errorf("error reading config file \"%s\": %w", configFilePath, err)
		}
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return fmt.Errorf("error parsing YAML config file \"%s\": %w", configFilePath, err)
		}
	case ".hcl":
		if err := hclsimple.DecodeFile(configFilePath, nil, &fileConfig); err != nil {
			return fmt.Errorf("error parsing HCL config file \"%s\": %w", configFilePath, err)
		}
	default:
		return fmt.Errorf("unsupported config file extension \"%s\", expected .yaml, .yml or .hcl", filepath.Ext(configFilePath))
	}
	c.merge(&fileConfig)
	return nil
}

// merge copies the non-zero values of other over c.
func (c *AppConfig) merge(other *AppConfig) {
	setString(&c.ModelPath, other.ModelPath)
	setString(&c.DatasetPath, other.DatasetPath)
	setString(&c.DatasetColumn, other.DatasetColumn)
	setString(&c.TokenizerPath, other.TokenizerPath)
	if other.Log != nil {
		setString(&c.Log.Level, other.Log.Level)
		setString(&c.Log.Format, other.Log.Format)
	}
	if other.Server != nil {
		setString(&c.Server.ListenAddr, other.Server.ListenAddr)
		setString(&c.Server.RequestTimeout, other.Server.RequestTimeout)
		setString(&c.Server.ShutdownTimeout, other.Server.ShutdownTimeout)
		setNumber(&c.Server.MaxConcurrentGenerations, other.Server.MaxConcurrentGenerations)
		setNumber(&c.Server.MaxRequestBytes, other.Server.MaxRequestBytes)
	}
	if g := other.Generation; g != nil {
		setNumber(&c.Generation.MinWords, g.MinWords)
		setNumber(&c.Generation.MaxWords, g.MaxWords)
		setNumber(&c.Generation.WordsStep, g.WordsStep)
		setNumber(&c.Generation.DefaultWords, g.DefaultWords)
		setNumber(&c.Generation.MinTemperature, g.MinTemperature)
		setNumber(&c.Generation.MaxTemperature, g.MaxTemperature)
		setNumber(&c.Generation.TemperatureStep, g.TemperatureStep)
		setNumber(&c.Generation.DefaultTemperature, g.DefaultTemperature)
	}
}

func (c *AppConfig) applyEnv() {
	setString(&c.ModelPath, os.Getenv("POETRY_MODEL"))
	setString(&c.DatasetPath, os.Getenv("POETRY_DATASET"))
	setString(&c.DatasetColumn, os.Getenv("POETRY_DATASET_COLUMN"))
	setString(&c.TokenizerPath, os.Getenv("POETRY_TOKENIZER"))
	setString(&c.Log.Level, os.Getenv("POETRY_LOG_LEVEL"))
	setString(&c.Log.Format, os.Getenv("POETRY_LOG_FORMAT"))
	setString(&c.Server.ListenAddr, os.Getenv("POETRY_LISTEN_ADDR"))
	setString(&c.Server.RequestTimeout, os.Getenv("POETRY_REQUEST_TIMEOUT"))
	if value := os.Getenv("POETRY_MAX_CONCURRENT"); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			c.Server.MaxConcurrentGenerations = parsed
		}
	}
}

func (c *AppConfig) Validate() error {
	errList := make([]string, 0)
	if c.ModelPath == "" {
		errList = append(errList, "model_path is required")
	}
	if c.DatasetPath == "" && c.TokenizerPath == "" {
		errList = append(errList, "dataset_path or tokenizer_path is required")
	}
	if c.DatasetPath != "" && c.DatasetColumn == "" {
		errList = append(errList, "dataset_column must not be empty")
	}
	if _, err := parseLogLevel(c.Log.Level); err != nil {
		errList = append(errList, err.Error())
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errList = append(errList, fmt.Sprintf("invalid log format: %s", c.Log.Format))
	}
	if _, err := c.Server.RequestTimeoutDuration(); err != nil {
		errList = append(errList, fmt.Sprintf("invalid request_timeout: %v", err))
	}
	if _, err := c.Server.ShutdownTimeoutDuration(); err != nil {
		errList = append(errList, fmt.Sprintf("invalid shutdown_timeout: %v", err))
	}
	if c.Server.MaxConcurrentGenerations < 1 {
		errList = append(errList, "max_concurrent_generations must be at least 1")
	}
	if c.Server.MaxRequestBytes < 1 {
		errList = append(errList, "max_request_bytes must be at least 1")
	}
	g := c.Generation
	if g.MinWords < 0 || g.MinWords > g.MaxWords {
		errList = append(errList, fmt.Sprintf("invalid word range [%d, %d]", g.MinWords, g.MaxWords))
	} else if g.DefaultWords < g.MinWords || g.DefaultWords > g.MaxWords {
		errList = append(errList, fmt.Sprintf("default_words %d is out of range [%d, %d]", g.DefaultWords, g.MinWords, g.MaxWords))
	}
	if !(g.MinTemperature > 0) || g.MinTemperature > g.MaxTemperature {
		errList = append(errList, fmt.Sprintf("invalid temperature range [%g, %g]", g.MinTemperature, g.MaxTemperature))
	} else if g.DefaultTemperature < g.MinTemperature || g.DefaultTemperature > g.MaxTemperature {
		errList = append(errList, fmt.Sprintf("default_temperature %g is out of range [%g, %g]", g.DefaultTemperature, g.MinTemperature, g.MaxTemperature))
	}

	if len(errList) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(errList, "; "))
}

func (sc *ServerConfig) RequestTimeoutDuration() (time.Duration, error) {
	return time.ParseDuration(sc.RequestTimeout)
}

func (sc *ServerConfig) ShutdownTimeoutDuration() (time.Duration, error) {
	return time.ParseDuration(sc.ShutdownTimeout)
}

func setString(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

func setNumber[T int | int64 | float64](dst *T, val T) {
	if val != 0 {
		*dst = val
	}
}
