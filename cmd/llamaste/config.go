package main

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type config struct {
	Port       string `yaml:"port"`
	BackendURL string `yaml:"backendURL"`

	// RenewalSkew is how long before expiry the proactive token renewal runs.
	RenewalSkew time.Duration
	// LogoutGrace is the delay between a denied chat request and the forced sign-out.
	LogoutGrace time.Duration
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port        string `yaml:"port"`
		BackendURL  string `yaml:"backendURL"`
		RenewalSkew string `yaml:"renewalSkew"`
		LogoutGrace string `yaml:"logoutGrace"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.BackendURL == "" {
		return fmt.Errorf("backendURL is required")
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = "8700"
	}
	c.BackendURL = rawConfig.BackendURL

	var err error
	if c.RenewalSkew, err = parseOptionalDuration(rawConfig.RenewalSkew); err != nil {
		return fmt.Errorf("invalid renewalSkew: %w", err)
	}
	if c.LogoutGrace, err = parseOptionalDuration(rawConfig.LogoutGrace); err != nil {
		return fmt.Errorf("invalid logoutGrace: %w", err)
	}

	return nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
