// Package config loads the process-wide yaml configuration. Values start
// from defaults, are overlaid by the config file when present, and are
// validated before the server starts.
package config

import (
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/jbesclapez/trackerspotter/internal/logs"
)

// Config is the full process configuration. Socket parameters only; the
// protocol behavior itself is not configurable.
type Config struct {
	// Host is the address both the TCP (HTTP tracker + dashboard) and UDP
	// sockets bind to. Localhost by default: this is a local monitor.
	Host string `yaml:"host" validate:"required"`
	// Port is shared by the HTTP and UDP listeners.
	Port       int  `yaml:"port" validate:"required,gt=0,lte=65535"`
	EnableIPv6 bool `yaml:"enableIPv6"`

	// AnnounceInterval is the re-announce interval handed to clients, in
	// seconds.
	AnnounceInterval int `yaml:"announceInterval" validate:"gt=0"`

	DatabasePath string `yaml:"databasePath" validate:"required"`

	// EventBuffer sizes each subscriber's channel; when a subscriber lags
	// this far behind, its oldest events are dropped.
	EventBuffer int `yaml:"eventBuffer" validate:"gt=0"`

	// EnableUPnP maps the tracker port on the local router so clients
	// outside the LAN can reach the monitor.
	EnableUPnP bool `yaml:"enableUPnP"`

	Log *logs.LogConfig `yaml:"log"`
}

func Default() *Config {
	return &Config{
		Host:             "127.0.0.1",
		Port:             6969,
		EnableIPv6:       false,
		AnnounceInterval: 1800,
		DatabasePath:     "trackerspotter.db",
		EventBuffer:      256,
		Log:              logs.LogConfig{}.Default(),
	}
}

// Load returns the defaults overlaid with the yaml file at path. A missing
// file is not an error; an unparsable or invalid one is.
func Load(path string) (*Config, error) {
	conf := Default()

	if path != "" {
		if err := parseIntoDefault(path, conf); err != nil {
			return nil, err
		}
	}

	if err := validate(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func parseIntoDefault(configFilePath string, defaultValue interface{}) error {
	f, err := os.Open(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to open config file '%s'", configFilePath)
	}
	defer func() { _ = f.Close() }()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	err = decoder.Decode(defaultValue)
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "failed to parse config file '%s'", configFilePath)
	}
	return nil
}

func validate(conf *Config) error {
	err := validator.New().Struct(conf)
	if err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}
