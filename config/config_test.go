package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emberradio/emberchat/config"
)

func TestDecodeOverridesDefaults(t *testing.T) {
	r := require.New(t)

	data := []byte(`
[Node]
PrivateKeyPath = "/etc/emberchat/node.key"
PublicKeyPath = "/etc/emberchat/node.pub"

[Carrier]
MTU = 250
HelloDurationMS = 5000
RepairCount = 4

[Sync]
BytesBudget = 8192

[Storage]
SlabPath = "/var/lib/emberchat/general.slab"
SlabSize = 2048
`)

	cfg, err := config.Decode(data)
	r.NoError(err)
	r.Equal("/etc/emberchat/node.key", cfg.Node.PrivateKeyPath)
	r.Equal(4, cfg.Carrier.RepairCount)
	r.Equal(uint32(8192), cfg.Sync.BytesBudget)
	r.Equal(2048, cfg.Storage.SlabSize)
	r.NoError(cfg.Validate())
}

func TestDefaultFillsCarrierConstants(t *testing.T) {
	r := require.New(t)
	cfg := config.Default()
	r.Equal(config.DefaultMTU, cfg.Carrier.MTU)
	r.Equal(config.DefaultHelloDurationMS, cfg.Carrier.HelloDurationMS)
	r.ErrorIs(cfg.Validate(), config.ErrMissingSlabPath)
}
