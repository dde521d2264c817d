// Package config loads a node's TOML configuration, grounded on the
// teacher's pkg/server/config.go Config/DefaultConfig shape, generalized
// from flag-driven defaults to a file loaded with
// github.com/pelletier/go-toml/v2.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Node is one node's full configuration: its own address, the fixed
// coordinator address, and the fixed replica set (spec §2's "small,
// fixed set of replica nodes"). ThisIP and Port mirror spec §6's
// documented config keys exactly, rather than a single combined address
// field.
type Node struct {
	ThisIP         string        `toml:"this_ip"`
	Port           int           `toml:"port"`
	Coordinator    string        `toml:"coordinator"`
	Replicas       []string      `toml:"replicas"`
	DataDir        string        `toml:"data_dir"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	PrepareTimeout time.Duration `toml:"prepare_timeout"`
}

// Default returns a Node with the teacher's DefaultConfig-style
// sensible timeouts; callers overlay a TOML file on top.
func Default() Node {
	return Node{
		ThisIP:         "localhost",
		Port:           8080,
		DataDir:        "./data",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		PrepareTimeout: 5 * time.Second,
	}
}

// Load reads and parses a TOML file at path into a Node, starting from
// Default() so an omitted field keeps its default value.
func Load(path string) (Node, error) {
	n := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Node{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &n); err != nil {
		return Node{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := n.validate(); err != nil {
		return Node{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return n, nil
}

func (n Node) validate() error {
	if n.ThisIP == "" {
		return fmt.Errorf("this_ip is required")
	}
	if n.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if n.Coordinator == "" {
		return fmt.Errorf("coordinator is required")
	}
	if len(n.Replicas) == 0 {
		return fmt.Errorf("replicas must list at least one address")
	}
	if n.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}

// ListenAddr is this node's dialable address, derived from ThisIP and
// Port, in the host:port form every entry in Replicas is expected to
// use.
func (n Node) ListenAddr() string {
	return fmt.Sprintf("%s:%d", n.ThisIP, n.Port)
}

// IsCoordinator reports whether this node is configured as the
// coordinator for its replica set, per spec §6: "a node assumes the
// coordinator role iff this_ip == coordinator."
func (n Node) IsCoordinator() bool {
	return n.ThisIP == n.Coordinator
}
