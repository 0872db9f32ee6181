// Package config loads a node's emberchat.toml: key paths, carrier
// framing parameters, sync byte budget, and storage layout, in the same
// single-decoded-struct-tree spirit as the teacher's own generated
// mailproxy.toml ([Proxy], [Logging] sections decoded by BurntSushi/toml).
package config

import (
	"errors"

	"github.com/BurntSushi/toml"
)

// Defaults match spec.md §7's compile-time constants.
const (
	DefaultMTU             = 250
	DefaultHelloDurationMS = 5000
	DefaultRepairCount     = 3
	DefaultBytesBudget     = 4096
	DefaultSlabSize        = 1024
)

// Node carries this node's identity key paths.
type Node struct {
	PrivateKeyPath string
	PublicKeyPath  string
}

// Carrier configures C7's packet framing and hello cadence.
type Carrier struct {
	MTU             int
	HelloDurationMS int
	RepairCount     int
}

// Sync configures C6's responder byte budget.
type Sync struct {
	BytesBudget uint32
}

// Storage configures C4's backing slab device.
type Storage struct {
	SlabPath string
	SlabSize int
}

// Config is the full decoded emberchat.toml tree.
type Config struct {
	Node    Node
	Carrier Carrier
	Sync    Sync
	Storage Storage
}

// ErrMissingSlabPath is returned by Validate when [Storage].SlabPath is
// empty; every other field has a workable zero-value default.
var ErrMissingSlabPath = errors.New("config: [Storage].SlabPath is required")

// Default returns a Config populated with spec.md §7's constants, for
// callers that want a complete tree before overlaying a TOML file.
func Default() Config {
	return Config{
		Carrier: Carrier{
			MTU:             DefaultMTU,
			HelloDurationMS: DefaultHelloDurationMS,
			RepairCount:     DefaultRepairCount,
		},
		Sync: Sync{BytesBudget: DefaultBytesBudget},
		Storage: Storage{SlabSize: DefaultSlabSize},
	}
}

// Decode parses TOML text into a Config seeded with Default's values, so
// a file only needs to override what it wants to change.
func Decode(data []byte) (Config, error) {
	cfg := Default()
	_, err := toml.Decode(string(data), &cfg)
	return cfg, err
}

// DecodeFile reads and parses path the same way Decode does.
func DecodeFile(path string) (Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}

// Validate reports the one field this module cannot default sensibly.
func (c Config) Validate() error {
	if c.Storage.SlabPath == "" {
		return ErrMissingSlabPath
	}
	return nil
}
