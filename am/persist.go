package am

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	gotoml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/teranos/sluice/errors"
	"github.com/teranos/sluice/logger"
)

// DefaultSettings returns the built-in defaults as a nested map, the shape
// a config file has.
func DefaultSettings() map[string]interface{} {
	v := viper.New()
	SetDefaults(v)
	return v.AllSettings()
}

// WriteDefault writes a config file holding every default. An existing file
// is only replaced when force is set, after it has been backed up.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil {
		if !force {
			return errors.NewConflictError("config file %s already exists", path)
		}
		if err := createBackup(path); err != nil {
			return errors.Wrap(err, "failed to create backup")
		}
	}

	var buf bytes.Buffer
	buf.WriteString("# sluice configuration\n# Generated by `sluice am init`. Environment variables SLUICE_<SECTION>_<KEY> override these.\n\n")
	if err := toml.NewEncoder(&buf).Encode(DefaultSettings()); err != nil {
		return errors.Wrap(err, "failed to encode defaults")
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}
	markOwnWrite()
	if err := os.WriteFile(path, buf.Bytes(), DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// SetValue sets one dotted key (e.g. "scheduler.tick") in the config file
// at path, creating the file if needed. The value is converted to the type
// of the key's default and the result must still validate.
func SetValue(path, key, raw string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	defaults := viper.New()
	SetDefaults(defaults)
	if !defaults.IsSet(key) {
		return errors.NewConfigurationError(key, "unknown setting")
	}
	value, err := coerce(defaults.Get(key), raw)
	if err != nil {
		return errors.NewConfigurationError(key, "%v", err)
	}

	settings := map[string]interface{}{}
	if data, err := os.ReadFile(path); err == nil {
		if err := gotoml.Unmarshal(data, &settings); err != nil {
			return errors.Mark(errors.Wrapf(err, "failed to parse %s", path), errors.ErrConfiguration)
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to read %s", path)
	}
	if err := setNested(settings, strings.Split(key, "."), value); err != nil {
		return errors.NewConfigurationError(key, "%v", err)
	}

	data, err := gotoml.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	check := viper.New()
	check.SetConfigType("toml")
	SetDefaults(check)
	if err := check.ReadConfig(bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "failed to re-read config")
	}
	cfg, err := LoadWithViper(check)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}
	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}
	markOwnWrite()
	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

func coerce(def interface{}, raw string) (interface{}, error) {
	switch def.(type) {
	case bool:
		return strconv.ParseBool(raw)
	case int:
		return strconv.ParseInt(raw, 10, 64)
	case float64:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func setNested(m map[string]interface{}, path []string, value interface{}) error {
	for _, part := range path[:len(path)-1] {
		next, ok := m[part]
		if !ok {
			child := map[string]interface{}{}
			m[part] = child
			m = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return errors.Newf("%s is not a table", part)
		}
		m = child
	}
	m[path[len(path)-1]] = value
	return nil
}

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	// .back3 is dropped, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		logger.Logger.Warnw("Failed to delete old config backup", "path", back3, "error", err)
	}
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

func markOwnWrite() {
	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}
}
