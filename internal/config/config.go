// Package config holds the settings of one order replica: who it is, who its
// peers are, where its log lives and which consensus policies it runs.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/senutpal/tradequorum/internal/paxos"
	"github.com/senutpal/tradequorum/internal/transport"
)

// Numbering selects how a replica picks transaction numbers.
type Numbering int

const (
	// NumberingConsensus runs one Paxos instance per transaction number, so
	// two replicas never log different trades under the same number.
	NumberingConsensus Numbering = iota
	// NumberingLocal takes the number from the local counter and runs every
	// round in the single global instance.
	NumberingLocal
)

func (n Numbering) String() string {
	switch n {
	case NumberingConsensus:
		return "consensus"
	case NumberingLocal:
		return "local"
	}
	return fmt.Sprintf("Numbering(%d)", int(n))
}

// Set implements flag.Value.
func (n *Numbering) Set(s string) error {
	switch s {
	case "consensus":
		*n = NumberingConsensus
	case "local":
		*n = NumberingLocal
	default:
		return fmt.Errorf("unknown numbering %q (want consensus or local)", s)
	}
	return nil
}

const (
	DefaultBasePort    = 7777
	DefaultReplicas    = 3
	DefaultCatalogHost = "localhost"
	DefaultCatalogPort = 6666
)

type Config struct {
	ID           int
	ReplicasFile string
	Replicas     []transport.Peer
	DataDir      string
	Catalog      string

	Quorum     paxos.QuorumPolicy
	Numbering  Numbering
	Compensate bool

	RPCTimeout   time.Duration
	SyncInterval time.Duration
	MaxConns     int64
	MaxRounds    int

	LogLevel string
}

// Default returns the configuration of replica 0 in a three replica
// localhost cluster.
func Default() Config {
	return Config{
		Replicas:     DefaultPeers(DefaultReplicas),
		DataDir:      "data",
		Catalog:      catalogFromEnv(),
		Quorum:       paxos.QuorumFixed,
		Numbering:    NumberingConsensus,
		Compensate:   true,
		RPCTimeout:   transport.DefaultTimeout,
		SyncInterval: 30 * time.Second,
		MaxConns:     64,
		MaxRounds:    3,
		LogLevel:     "info",
	}
}

// DefaultPeers lists n replicas on localhost starting at DefaultBasePort.
func DefaultPeers(n int) []transport.Peer {
	peers := make([]transport.Peer, n)
	for i := range peers {
		peers[i] = transport.Peer{ID: i, Host: "localhost", Port: DefaultBasePort + i}
	}
	return peers
}

// catalogFromEnv reads CATALOG_HOST and CATALOG_PORT.
func catalogFromEnv() string {
	host := os.Getenv("CATALOG_HOST")
	if host == "" {
		host = DefaultCatalogHost
	}
	port := os.Getenv("CATALOG_PORT")
	if port == "" {
		port = strconv.Itoa(DefaultCatalogPort)
	}
	return net.JoinHostPort(host, port)
}

// RegisterFlags binds c to fs. Values already in c become the defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.ID, "id", c.ID, "replica id")
	fs.StringVar(&c.ReplicasFile, "replicas", c.ReplicasFile, "JSON file listing the replicas (default: 3 on localhost)")
	fs.StringVar(&c.DataDir, "data", c.DataDir, "directory for the transaction log")
	fs.StringVar(&c.Catalog, "catalog", c.Catalog, "catalog service address")
	fs.Var(&c.Quorum, "quorum", "majority rule: fixed or reachable")
	fs.Var(&c.Numbering, "numbering", "transaction numbering: consensus or local")
	fs.BoolVar(&c.Compensate, "compensate", c.Compensate, "undo the inventory update when consensus fails")
	fs.DurationVar(&c.RPCTimeout, "rpc-timeout", c.RPCTimeout, "timeout for each peer call")
	fs.DurationVar(&c.SyncInterval, "sync-interval", c.SyncInterval, "how often to catch up with peers (0 disables)")
	fs.Int64Var(&c.MaxConns, "max-conns", c.MaxConns, "concurrent connections served before replying busy")
	fs.IntVar(&c.MaxRounds, "max-rounds", c.MaxRounds, "consensus rounds per trade")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
}

// Load reads the replicas file, if one is set.
func (c *Config) Load() error {
	if c.ReplicasFile == "" {
		return nil
	}
	peers, err := LoadReplicas(c.ReplicasFile)
	if err != nil {
		return err
	}
	c.Replicas = peers
	return nil
}

// LoadReplicas parses a JSON array of {id, host, port}.
func LoadReplicas(path string) ([]transport.Peer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replicas: %w", err)
	}
	var peers []transport.Peer
	if err := json.Unmarshal(raw, &peers); err != nil {
		return nil, fmt.Errorf("parse replicas %s: %w", path, err)
	}
	return peers, nil
}

func (c *Config) Validate() error {
	if len(c.Replicas) == 0 {
		return errors.New("no replicas configured")
	}
	seen := make(map[int]bool, len(c.Replicas))
	for _, p := range c.Replicas {
		if p.ID < 0 || p.ID >= len(c.Replicas) {
			return fmt.Errorf("replica id %d out of range [0, %d)", p.ID, len(c.Replicas))
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate replica id %d", p.ID)
		}
		seen[p.ID] = true
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("%v: bad port", p)
		}
	}
	if !seen[c.ID] {
		return fmt.Errorf("replica id %d is not in the membership", c.ID)
	}
	if c.RPCTimeout <= 0 {
		return errors.New("rpc-timeout must be positive")
	}
	if c.SyncInterval < 0 {
		return errors.New("sync-interval must not be negative")
	}
	if c.MaxConns < 1 {
		return errors.New("max-conns must be at least 1")
	}
	if c.MaxRounds < 1 {
		return errors.New("max-rounds must be at least 1")
	}
	return nil
}

// Self returns this replica's entry in the membership.
func (c *Config) Self() transport.Peer {
	for _, p := range c.Replicas {
		if p.ID == c.ID {
			return p
		}
	}
	return transport.Peer{ID: c.ID}
}

// LogPath is where this replica keeps its transaction log.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, fmt.Sprintf("orders%d.csv", c.ID))
}
