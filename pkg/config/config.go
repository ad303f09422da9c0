// Package config loads the daemon configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config selects and parameterizes one volume backend.
type Config struct {
	// Backend names the driver: "lvmiscsi", "zfssa",
	// "hitachi-horcm" or "hitachi-snm2".
	Backend string `yaml:"backend"`

	// NodeID identifies this host in the CSI topology.
	NodeID string `yaml:"node_id"`

	LVM     LVMConfig     `yaml:"lvm"`
	ZFSSA   ZFSSAConfig   `yaml:"zfssa"`
	Hitachi HitachiConfig `yaml:"hitachi"`
}

// LVMConfig parameterizes the lvmiscsi backend.
type LVMConfig struct {
	VolumeGroup  string `yaml:"volume_group"`
	TargetHelper string `yaml:"target_helper"` // tgtadm, ietadm or lioadm
	PortalIP     string `yaml:"portal_ip"`
	PortalPort   int    `yaml:"portal_port"`
	CHAPUsername string `yaml:"chap_username"`
	CHAPPassword string `yaml:"chap_password"`
	LockFile     string `yaml:"lock_file"`
}

// ZFSSAConfig parameterizes the zfssa backend.
type ZFSSAConfig struct {
	URL            string `yaml:"url"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Insecure       bool   `yaml:"insecure"`
	Pool           string `yaml:"pool"`
	Project        string `yaml:"project"`
	TargetAlias    string `yaml:"target_alias"`
	TargetGroup    string `yaml:"target_group"`
	InitiatorGroup string `yaml:"initiator_group"`
	PortalIP       string `yaml:"portal_ip"`
	PortalPort     int    `yaml:"portal_port"`
}

// HitachiConfig parameterizes the hitachi backends.
type HitachiConfig struct {
	// horcm
	Instance    int      `yaml:"instance"`
	PoolID      int      `yaml:"pool_id"`
	TargetPorts []string `yaml:"target_ports"`
	HostGroups  []string `yaml:"host_groups"`

	// snm2
	Unit       string `yaml:"unit"`
	PortalIP   string `yaml:"portal_ip"`
	PortalPort int    `yaml:"portal_port"`
	TargetIQN  string `yaml:"target_iqn"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}
	if cfg.Backend == "" {
		return nil, fmt.Errorf("config: %s names no backend", filename)
	}
	return &cfg, nil
}
