package main

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/seedline/seedline/chat"
	"github.com/seedline/seedline/rooms"
	"github.com/seedline/seedline/swarm"
)

// PeerConfig is the configuration of one peer process.
type PeerConfig struct {
	TrackerAddr string `yaml:"tracker_addr"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`

	// AdvertiseIP is the address other peers use to reach this one.
	AdvertiseIP string `yaml:"advertise_ip"`

	SharedDir         string        `yaml:"shared_dir"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ScoreDivider controls how fast score converts into download
	// workers.
	ScoreDivider float64 `yaml:"score_divider"`

	Data  swarm.ServerConfig  `yaml:"data"`
	Chat  chat.ListenerConfig `yaml:"chat"`
	Rooms rooms.Config        `yaml:"rooms"`
}

// ConfigFile represents a YAML configuration file that namespaces all peer
// configuration under the "seedline_peer" namespace.
type ConfigFile struct {
	SeedlinePeer PeerConfig `yaml:"seedline_peer"`
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

	cfg := &cfgFile.SeedlinePeer
	if cfg.TrackerAddr == "" {
		return nil, errors.New("no tracker address configured")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("no credentials configured")
	}
	if cfg.AdvertiseIP == "" {
		cfg.AdvertiseIP = "127.0.0.1"
	}
	if cfg.SharedDir == "" {
		cfg.SharedDir = "shared"
	}
	if cfg.ScoreDivider <= 0 {
		cfg.ScoreDivider = 100
	}
	if cfg.Rooms.Dir == "" {
		cfg.Rooms.Dir = "seedline_data"
	}

	return &cfgFile, nil
}
