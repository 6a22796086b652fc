// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package redfish

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BMCConfig maps node names to BMCs. Credentials live in their own file so
// the main agent config can be world-readable while this one is not.
type BMCConfig struct {
	// Nodes maps a node name to a BMC ID.
	Nodes map[string]string `yaml:"nodes"`
	// BMCs maps a BMC ID to its connection details.
	BMCs map[string]BMCDetail `yaml:"bmcs"`
}

// BMCDetail is one BMC's connection settings.
type BMCDetail struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Insecure skips TLS verification; BMCs commonly ship self-signed
	// certificates.
	Insecure bool `yaml:"insecure"`
}

// LoadBMCConfig reads and validates the BMC credentials file.
func LoadBMCConfig(path string) (*BMCConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading BMC config %s: %w", path, err)
	}

	var cfg BMCConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing BMC config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid BMC config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *BMCConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("no nodes configured")
	}
	if len(c.BMCs) == 0 {
		return fmt.Errorf("no BMCs configured")
	}
	for node, bmcID := range c.Nodes {
		if _, ok := c.BMCs[bmcID]; !ok {
			return fmt.Errorf("node %s references unknown BMC %s", node, bmcID)
		}
	}
	for bmcID, bmc := range c.BMCs {
		if err := bmc.Validate(); err != nil {
			return fmt.Errorf("BMC %s: %w", bmcID, err)
		}
	}
	return nil
}

func (b *BMCDetail) Validate() error {
	if strings.TrimSpace(b.Endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}

	// Credentials come in pairs.
	hasUsername := strings.TrimSpace(b.Username) != ""
	hasPassword := strings.TrimSpace(b.Password) != ""
	if hasUsername && !hasPassword {
		return fmt.Errorf("password is required when username is provided")
	}
	if !hasUsername && hasPassword {
		return fmt.Errorf("username is required when password is provided")
	}
	return nil
}

// BMCForNode resolves the node's BMC details and ID.
func (c *BMCConfig) BMCForNode(nodeName string) (*BMCDetail, string, error) {
	bmcID, ok := c.Nodes[nodeName]
	if !ok {
		return nil, "", fmt.Errorf("node %s not found in BMC configuration", nodeName)
	}
	bmc, ok := c.BMCs[bmcID]
	if !ok {
		return nil, "", fmt.Errorf("BMC %s not found in BMC configuration", bmcID)
	}
	return &bmc, bmcID, nil
}
