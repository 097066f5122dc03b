package conf

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

const (
	// EnvPrefix is prepended to every environment override, AED_MODEL_THREADS etc.
	EnvPrefix = "AED"

	appDirName     = "kunpeng-aed"
	configFileName = "config.yaml"
)

// QueueSettings configures the capture -> processing hand-off.
type QueueSettings struct {
	Capacity   int    `yaml:"capacity"`
	DropPolicy string `yaml:"droppolicy"` // oldest|newest
}

// AudioSettings describes where samples come from and how they are windowed.
type AudioSettings struct {
	SampleRate     int           `yaml:"samplerate"`
	WindowDuration float64       `yaml:"windowduration"` // seconds
	HopDuration    float64       `yaml:"hopduration"`    // seconds
	Device         int           `yaml:"device"`         // capture device index, -1 = default
	SourceFile     string        `yaml:"sourcefile"`     // replay a WAV/FLAC file instead of a device
	Realtime       bool          `yaml:"realtime"`       // pace file replay at wall clock
	Queue          QueueSettings `yaml:"queue"`
}

// WindowSamples is round(window_duration * sample_rate).
func (a *AudioSettings) WindowSamples() int {
	return int(a.WindowDuration*float64(a.SampleRate) + 0.5)
}

// HopSamples is round(hop_duration * sample_rate).
func (a *AudioSettings) HopSamples() int {
	return int(a.HopDuration*float64(a.SampleRate) + 0.5)
}

// FeatureSettings mirrors features.Config plus the initial normalization.
type FeatureSettings struct {
	NFFT      int     `yaml:"nfft"`
	HopLength int     `yaml:"hoplength"`
	NMels     int     `yaml:"nmels"`
	FMin      float64 `yaml:"fmin"`
	FMax      float64 `yaml:"fmax"`
	Mean      float64 `yaml:"mean"`
	Std       float64 `yaml:"std"`
	Workers   int     `yaml:"workers"`
}

// ModelSettings locates the classifier.
type ModelSettings struct {
	Path       string        `yaml:"path"`
	Labels     string        `yaml:"labels"`
	Threads    int           `yaml:"threads"` // 0 = derive from CPU topology
	UseXNNPACK bool          `yaml:"usexnnpack"`
	Timeout    time.Duration `yaml:"timeout"`
}

// InferenceSettings controls result ranking.
type InferenceSettings struct {
	TopK int `yaml:"topk"`
}

// PipelineSettings tunes the processing loop.
type PipelineSettings struct {
	GetTimeout      time.Duration `yaml:"gettimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdowntimeout"`
	LogInterval     int           `yaml:"loginterval"`
}

// PublisherSettings tunes subscriber fan-out.
type PublisherSettings struct {
	BufferSize    int `yaml:"buffersize"`
	ReorderWindow int `yaml:"reorderwindow"`
}

// WebServerSettings configures the HTTP transport.
type WebServerSettings struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Address returns host:port.
func (w *WebServerSettings) Address() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// MQTTSettings configures the optional MQTT result sink.
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"clientid"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SQLiteSettings configures the SQLite history store.
type SQLiteSettings struct {
	Path string `yaml:"path"`
}

// MySQLSettings configures the MySQL history store.
type MySQLSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DatastoreSettings configures detection history persistence.
type DatastoreSettings struct {
	Enabled   bool           `yaml:"enabled"`
	Type      string         `yaml:"type"` // sqlite|mysql
	Threshold float64        `yaml:"threshold"`
	SQLite    SQLiteSettings `yaml:"sqlite"`
	MySQL     MySQLSettings  `yaml:"mysql"`
}

// BenchmarkSettings configures the benchmark command.
type BenchmarkSettings struct {
	Threads    []int  `yaml:"threads"`
	Iterations int    `yaml:"iterations"`
	Warmup     int    `yaml:"warmup"`
	Output     string `yaml:"output"`
}

// SentrySettings enables error telemetry when DSN is set.
type SentrySettings struct {
	DSN string `yaml:"dsn"`
}

// TelemetrySettings groups optional telemetry backends.
type TelemetrySettings struct {
	Sentry SentrySettings `yaml:"sentry"`
}

// MainSettings holds process identity.
type MainSettings struct {
	Name string `yaml:"name"`
}

// Settings is the full configuration tree.
type Settings struct {
	Debug     bool                 `yaml:"debug"`
	Main      MainSettings         `yaml:"main"`
	Audio     AudioSettings        `yaml:"audio"`
	Features  FeatureSettings      `yaml:"features"`
	Model     ModelSettings        `yaml:"model"`
	Inference InferenceSettings    `yaml:"inference"`
	Pipeline  PipelineSettings     `yaml:"pipeline"`
	Publisher PublisherSettings    `yaml:"publisher"`
	WebServer WebServerSettings    `yaml:"webserver"`
	MQTT      MQTTSettings         `yaml:"mqtt"`
	Datastore DatastoreSettings    `yaml:"datastore"`
	Benchmark BenchmarkSettings    `yaml:"benchmark"`
	Logging   logger.LoggingConfig `yaml:"logging"`
	Telemetry TelemetrySettings    `yaml:"telemetry"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads configFile (or the first config.yaml on the search path), layers
// AED_* environment variables and bound flags on top, validates the result and
// stores it as the current settings. A missing config file is not an error;
// the embedded defaults apply.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(configFile); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	settingsInstance = settings
	return settings, nil
}

func initViper(configFile string) error {
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaultConfig()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		for _, path := range GetDefaultConfigPaths() {
			viper.AddConfigPath(path)
		}
	}

	err := viper.ReadInConfig()
	if err == nil {
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if configFile == "" && errors.As(err, &notFound) {
		GetLogger().Debug("no config file found, using embedded defaults")
		return viper.MergeConfig(bytes.NewReader(getDefaultConfig()))
	}
	return errors.New(err).
		Component("conf").
		Category(errors.CategoryConfiguration).
		Context("operation", "read-config").
		FileContext(configFile).
		Build()
}

// GetDefaultConfigPaths lists the directories searched for config.yaml, in
// priority order.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", appDirName))
	}
	return append(paths, filepath.Join("/etc", appDirName))
}

// FindConfigFile returns the first existing config.yaml on the search path.
func FindConfigFile() (string, error) {
	if used := viper.ConfigFileUsed(); used != "" {
		return used, nil
	}
	for _, path := range GetDefaultConfigPaths() {
		candidate := filepath.Join(path, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errors.Newf("config file not found").
		Component("conf").
		Category(errors.CategoryNotFound).
		Context("operation", "find-config-file").
		Build()
}

func getDefaultConfig() []byte {
	data, err := fs.ReadFile(configFiles, configFileName)
	if err != nil {
		// embedded at build time
		panic(fmt.Sprintf("embedded config missing: %v", err))
	}
	return data
}

// DefaultConfigYAML returns the annotated default configuration.
func DefaultConfigYAML() []byte {
	return getDefaultConfig()
}

// WriteDefaultConfig writes the annotated default config to path, refusing
// to overwrite an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("config file %s already exists", path).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("operation", "create-config-dir").
			Build()
	}
	if err := os.WriteFile(path, getDefaultConfig(), 0o600); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("operation", "write-default-config").
			Build()
	}
	return nil
}

// GetSettings returns the settings stored by the last successful Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// MarshalYAML renders settings as YAML.
func MarshalYAML(settings *Settings) ([]byte, error) {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return data, nil
}

// SaveYAMLConfig writes settings to configPath atomically: a temp file in the
// same directory is renamed over the target. Comments are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := MarshalYAML(settings)
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}
	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}
