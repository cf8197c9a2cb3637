// Package config loads named host profiles from a YAML document,
// generalizing the teacher's indentation-based `goshell.conf` parser
// (load_config.go) into a schema gopkg.in/yaml.v3 decodes directly.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HostConfig is one named connection profile.
type HostConfig struct {
	Hostname               string `yaml:"hostname"`
	Port                   int    `yaml:"port"`
	User                   string `yaml:"user"`
	KeybasedAuthentication bool   `yaml:"keybased_authentication"`
	IdentityFile           string `yaml:"identity_file"`
}

// document is the top-level shape of a goshell config file:
//
//	hosts:
//	  prod-web:
//	    hostname: web.example.com
//	    port: 22
//	    user: deploy
//	    keybased_authentication: true
//	    identity_file: ~/.ssh/id_rsa
type document struct {
	Hosts map[string]HostConfig `yaml:"hosts"`
}

// Load reads and parses path into a map of host name to HostConfig. A
// missing file returns an empty map, matching the teacher's
// tolerate-missing-config behavior.
func Load(path string) (map[string]HostConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]HostConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if doc.Hosts == nil {
		doc.Hosts = map[string]HostConfig{}
	}
	for name, host := range doc.Hosts {
		if host.Port == 0 {
			host.Port = 22
			doc.Hosts[name] = host
		}
	}
	return doc.Hosts, nil
}

// Sample returns the document the CLI writes for --generate-config,
// mirroring the teacher's generateSampleConfig but in YAML.
func Sample() []byte {
	doc := document{Hosts: map[string]HostConfig{
		"example": {
			Hostname:               "example.com",
			Port:                   22,
			User:                   "root",
			KeybasedAuthentication: false,
			IdentityFile:           "",
		},
	}}
	out, _ := yaml.Marshal(doc)
	return out
}

// Save writes cfgs back to path as YAML.
func Save(path string, cfgs map[string]HostConfig) error {
	out, err := yaml.Marshal(document{Hosts: cfgs})
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0644)
}
