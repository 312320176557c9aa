package config

import (
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"os"
)

type Config struct {
	API struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
	} `yaml:"api"`
	Backend struct {
		Type      string `yaml:"type"` // agent | cloudrun | static
		AgentURL  string `yaml:"agentURL,omitempty"`
		ProjectID string `yaml:"projectID,omitempty"`
		Location  string `yaml:"location,omitempty"`
		Service   string `yaml:"service,omitempty"`
	} `yaml:"backend"`
	Prometheus struct {
		Address    string `yaml:"address"`
		MinSamples int    `yaml:"minSamples"`
	} `yaml:"prometheus"`
	Store struct {
		Type  string `yaml:"type"` // memory | redis | postgres
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password,omitempty"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
		Postgres struct {
			URL string `yaml:"url"`
		} `yaml:"postgres"`
	} `yaml:"store"`
	FlagsPath string `yaml:"flagsPath,omitempty"`
	LogLevel  string `yaml:"logLevel"`
}

func LoadConfig(path string) (*Config, error) {
	log.Infof("Loading config from %s", path)
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Set logger's level (from config) and format
func InitLogger(logLevel string) {
	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		ll = log.InfoLevel
	}
	log.SetLevel(ll)
	log.SetFormatter(&log.TextFormatter{TimestampFormat: "15:04:05.000", FullTimestamp: true})
}
