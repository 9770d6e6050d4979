package config

import (
	"encoding/json"

	"github.com/lattice-network/lattice/errors"
)

// ConsensusType selects the block-sealing algorithm of a chain. None marks a
// shard slot that carries no chain.
type ConsensusType int

const (
	ConsensusNone ConsensusType = iota
	ConsensusEthash
	ConsensusDoubleSha256
	ConsensusSimulate
	ConsensusQkcHash
)

var consensusTypeNames = map[ConsensusType]string{
	ConsensusNone:         "NONE",
	ConsensusEthash:       "POW_ETHASH",
	ConsensusDoubleSha256: "POW_DOUBLESHA256",
	ConsensusSimulate:     "POW_SIMULATE",
	ConsensusQkcHash:      "POW_QKCHASH",
}

var consensusTypeValues = map[string]ConsensusType{
	"NONE":             ConsensusNone,
	"POW_ETHASH":       ConsensusEthash,
	"POW_DOUBLESHA256": ConsensusDoubleSha256,
	"POW_SIMULATE":     ConsensusSimulate,
	"POW_QKCHASH":      ConsensusQkcHash,
}

func (c ConsensusType) String() string {
	if name, ok := consensusTypeNames[c]; ok {
		return name
	}
	return "NONE"
}

// IsPow reports whether the variant carries a PowConfig.
func (c ConsensusType) IsPow() bool {
	return c != ConsensusNone
}

func (c ConsensusType) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ConsensusType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, ok := consensusTypeValues[s]
	if !ok {
		return errors.NewConfigurationError("unknown consensus type %q", s)
	}
	*c = v
	return nil
}

// PowConfig is carried only by PoW consensus variants.
type PowConfig struct {
	TargetBlockTime uint32 `json:"TARGET_BLOCK_TIME"`
	RemoteMine      bool   `json:"REMOTE_MINE"`
}

func NewPowConfig(targetBlockTime uint32) *PowConfig {
	return &PowConfig{TargetBlockTime: targetBlockTime}
}
