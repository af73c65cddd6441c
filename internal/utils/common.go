package utils

import (
	"errors"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ConfigOptions holds configuration loading options
type ConfigOptions struct {
	ConfigPath  string
	ConfigName  string
	ConfigType  string
	EnvPrefix   string
	DefaultsMap map[string]interface{}
	// Optional accepts a missing config file and runs on defaults and
	// environment variables only.
	Optional bool
	// ConfigFile, when set, is read directly instead of searching paths.
	ConfigFile string
}

// NewViperConfigWithOptions creates a Viper configuration with custom options
func NewViperConfigWithOptions(opts ConfigOptions) (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigType(opts.ConfigType)

	configPaths := []string{opts.ConfigPath}
	if opts.ConfigPath != "./config" {
		configPaths = append(configPaths, "./config")
	}
	configPaths = append(configPaths, "/etc/pollenisator", "$HOME/.pollenisator")

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		for _, path := range configPaths {
			v.AddConfigPath(path)
		}
		v.SetConfigName(opts.ConfigName)
	}

	if opts.EnvPrefix != "" {
		v.SetEnvPrefix(opts.EnvPrefix)
		v.AutomaticEnv()
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	}

	for key, value := range opts.DefaultsMap {
		v.SetDefault(key, value)
	}

	if opts.ConfigFile != "" {
		log.Debugf("Reading config file: %s", opts.ConfigFile)
	} else {
		log.Debugf("Searching for config file: %s in paths: %v", opts.ConfigName, configPaths)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || (opts.ConfigFile != "" && errors.Is(err, os.ErrNotExist)) {
			if opts.Optional {
				log.Debugf("No config file found, using defaults and environment")
				return v, nil
			}
			return nil, fmt.Errorf("config file '%s' not found in paths: %v", opts.ConfigName, configPaths)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	log.Infof("Loaded config file: %s", v.ConfigFileUsed())
	return v, nil
}

// SanitizeForFilesystem removes or replaces characters that are invalid in filenames
func SanitizeForFilesystem(input string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
	)

	sanitized := replacer.Replace(input)

	sanitized = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, sanitized)

	// ".." would escape the parent directory once joined
	if sanitized == "" || strings.Trim(sanitized, ".") == "" {
		sanitized = "unknown"
	}

	if len(sanitized) > 100 {
		sanitized = sanitized[:100]
	}

	return sanitized
}

// EnsureDirectoryExists creates a directory if it doesn't exist
func EnsureDirectoryExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0755)
	}
	return nil
}
