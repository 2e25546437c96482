package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const Name = "avens"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host          string
		HttpPort      int    `yaml:"httpPort"`
		Domain        string `yaml:"domain"`
		Federation    bool   `yaml:"federation"`
		AllowDislikes bool   `yaml:"allowDislikes"`
		SiteName      string `yaml:"siteName"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("AVENS_HOST")
	envHttpPort := os.Getenv("AVENS_HTTPPORT")
	envDomain := os.Getenv("AVENS_DOMAIN")
	envFederation := os.Getenv("AVENS_FEDERATION")
	envAllowDislikes := os.Getenv("AVENS_ALLOW_DISLIKES")
	envSiteName := os.Getenv("AVENS_SITENAME")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envDomain != "" {
		c.Conf.Domain = envDomain
	}

	if envFederation == "true" {
		c.Conf.Federation = true
	}
	if envFederation == "false" {
		c.Conf.Federation = false
	}

	if envAllowDislikes == "true" {
		c.Conf.AllowDislikes = true
	}
	if envAllowDislikes == "false" {
		c.Conf.AllowDislikes = false
	}

	if envSiteName != "" {
		c.Conf.SiteName = envSiteName
	}

	return c, nil
}
