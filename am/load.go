package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/sluice/errors"
)

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
	usedFiles     []string
	explicitFile  string

	// ConfigSources records which file each key was last set from during
	// the most recent Load. Keys absent from the map come from defaults.
	ConfigSources = map[string]SourceInfo{}
)

// Load reads the sluice configuration using Viper.
//
// Precedence (lowest to highest): built-in defaults, /etc/sluice/sluice.toml,
// ~/.sluice/sluice.toml, the nearest sluice.toml found walking up from the
// working directory, SLUICE_* environment variables.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if globalConfig != nil {
		return globalConfig, nil
	}

	v, err := initViper()
	if err != nil {
		viperInstance = nil
		return nil, err
	}
	config, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}
	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	v, _ := initViper()
	return v
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to unmarshal config"), errors.ErrConfiguration)
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path, on top of
// the defaults. Environment variables are not consulted.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to read config file %s", configPath), errors.ErrConfiguration)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.WithDetail(err, "Config file: "+configPath)
	}
	return config, nil
}

// UseFile makes Load read only the given file (plus defaults and
// environment). Used by the --config flag.
func UseFile(configPath string) error {
	if _, err := os.Stat(configPath); err != nil {
		return errors.Mark(errors.Wrapf(err, "config file %s", configPath), errors.ErrConfiguration)
	}
	mu.Lock()
	defer mu.Unlock()
	explicitFile = configPath
	globalConfig = nil
	viperInstance = nil
	return nil
}

// Reload drops the cached configuration and reads every source again,
// keeping a file chosen with UseFile.
func Reload() (*Config, error) {
	mu.Lock()
	globalConfig = nil
	viperInstance = nil
	mu.Unlock()
	return Load()
}

// ConfigFilesUsed returns the files merged by the last Load, lowest
// precedence first.
func ConfigFilesUsed() []string {
	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), usedFiles...)
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
	usedFiles = nil
	explicitFile = ""
	ConfigSources = map[string]SourceInfo{}
}

func newEnvViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
	SetDefaults(v)
	return v
}

// initViper initializes Viper with configuration sources and defaults.
// Only a file chosen with UseFile is allowed to fail the load; discovered
// files that cannot be read are skipped. Callers hold mu.
func initViper() (*viper.Viper, error) {
	if viperInstance != nil {
		return viperInstance, nil
	}
	v := newEnvViper()
	var err error
	if explicitFile != "" {
		ConfigSources = map[string]SourceInfo{}
		usedFiles = nil
		err = mergeFile(v, explicitFile, SourceUser)
	} else {
		mergeConfigFiles(v)
	}
	viperInstance = v
	return v, err
}

// CandidatePaths lists the files Load considers, lowest precedence first,
// with the source each one counts as.
func CandidatePaths() []SourceInfo {
	paths := []SourceInfo{{Source: SourceSystem, Path: SystemConfig}}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, SourceInfo{Source: SourceUser, Path: filepath.Join(home, UserConfigDir, ConfigFileName)})
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, SourceInfo{Source: SourceProject, Path: project})
	}
	return paths
}

// findProjectConfig searches for sluice.toml by walking up the directory
// tree. Returns the first one found, or empty string.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges every existing candidate file in precedence
// order. Unreadable files are skipped; MergeConfigMap keeps environment
// variables above file values.
func mergeConfigFiles(v *viper.Viper) {
	ConfigSources = map[string]SourceInfo{}
	usedFiles = nil
	for _, candidate := range CandidatePaths() {
		if _, err := os.Stat(candidate.Path); err != nil {
			continue
		}
		_ = mergeFile(v, candidate.Path, candidate.Source)
	}
}

func mergeFile(v *viper.Viper, path string, source ConfigSource) error {
	tmp := viper.New()
	tmp.SetConfigFile(path)
	tmp.SetConfigType("toml")
	if err := tmp.ReadInConfig(); err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to read config file %s", path), errors.ErrConfiguration)
	}
	settings := tmp.AllSettings()
	if err := v.MergeConfigMap(settings); err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to merge config file %s", path), errors.ErrConfiguration)
	}
	for _, key := range tmp.AllKeys() {
		ConfigSources[key] = SourceInfo{Source: source, Path: path}
	}
	usedFiles = append(usedFiles, path)
	return nil
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return GetViper().Get(key)
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	return GetViper().GetString(key)
}
