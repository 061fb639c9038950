// Package config loads the YAML configuration of a node.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/tasks"
)

// Config is one node's configuration.
type Config struct {
	NodeID        string            `yaml:"node_id"`
	KeyFile       string            `yaml:"key_file"`
	Database      string            `yaml:"database"`
	ListenAddr    string            `yaml:"listen_addr"`
	HTTPAddr      string            `yaml:"http_addr"`
	CommunityFile string            `yaml:"community_file"`
	Peers         map[string]string `yaml:"peers"`
	Shards        int               `yaml:"shards"`
	Retry         Retry             `yaml:"retry"`
	LogLevel      string            `yaml:"log_level"`
}

// Retry is the missing-record retry policy.
type Retry struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Budget  int           `yaml:"budget"`
}

// Backoff converts r to the task manager's policy.
func (r Retry) Backoff() tasks.Backoff {
	return tasks.Backoff{Initial: r.Initial, Max: r.Max, Budget: r.Budget}
}

// Default returns the configuration used for fields a file leaves out.
func Default() Config {
	return Config{
		NodeID:     "node",
		KeyFile:    "node.key",
		Database:   "retract.db",
		ListenAddr: "127.0.0.1:7400",
		HTTPAddr:   "127.0.0.1:7480",
		Shards:     64,
		Retry: Retry{
			Initial: tasks.DefaultBackoff.Initial,
			Max:     tasks.DefaultBackoff.Max,
			Budget:  tasks.DefaultBackoff.Budget,
		},
		LogLevel: "info",
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration can start a node.
func (c Config) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.Shards <= 0 {
		errs = append(errs, fmt.Errorf("shards must be positive, got %d", c.Shards))
	}
	if c.Retry.Initial < 0 || c.Retry.Max < 0 || c.Retry.Budget < 0 {
		errs = append(errs, errors.New("retry values must not be negative"))
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	for id, addr := range c.Peers {
		if id == c.NodeID {
			errs = append(errs, fmt.Errorf("peer %q is this node", id))
		}
		if addr == "" {
			errs = append(errs, fmt.Errorf("peer %q has no address", id))
		}
	}
	return errors.Join(errs...)
}

// PeerAddrs returns the peer table keyed by peer id.
func (c Config) PeerAddrs() map[ir.PeerID]string {
	out := make(map[ir.PeerID]string, len(c.Peers))
	for id, addr := range c.Peers {
		out[ir.PeerID(id)] = addr
	}
	return out
}

// PeerIDs returns the configured peers in sorted order.
func (c Config) PeerIDs() []ir.PeerID {
	out := make([]ir.PeerID, 0, len(c.Peers))
	for id := range c.Peers {
		out = append(out, ir.PeerID(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParsePeers parses "id=addr" pairs as given on the command line.
func ParsePeers(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		id, addr, ok := strings.Cut(p, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("peer %q: want id=addr", p)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("peer %q listed twice", id)
		}
		out[id] = addr
	}
	return out, nil
}
