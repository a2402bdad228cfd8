package main

import (
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/seedline/seedline/tracker"
	"github.com/seedline/seedline/tracker/api"
)

// storageConfig holds the name of the chosen storage driver and its opaque
// configuration block, decoded by the driver itself.
type storageConfig struct {
	Name   string      `yaml:"name"`
	Config interface{} `yaml:"config"`
}

// ConfigFile represents a YAML configuration file that namespaces all
// tracker configuration under the "seedline" namespace.
type ConfigFile struct {
	Seedline struct {
		Tracker tracker.Config `yaml:"tracker"`
		API     api.Config     `yaml:"api"`
		Storage storageConfig  `yaml:"storage"`
	} `yaml:"seedline"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contents, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	err = yaml.Unmarshal(contents, &cfgFile)
	if err != nil {
		return nil, err
	}

	return &cfgFile, nil
}
