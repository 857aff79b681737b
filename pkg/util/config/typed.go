package config

import (
	"fmt"

	validator "gopkg.in/go-playground/validator.v9"
)

// OSDConfig is the typed, validated view of the tunables an OSD process
// reads out of its raw Config at startup. Fields mirror the constants
// named throughout spec §2-§7.
type OSDConfig struct {
	OSDNum               uint64 `validate:"required"`
	DataDevice           string `validate:"required"`
	JournalDevice        string `validate:"required"`
	MetaDevice           string `validate:"required"`
	BlockSize            uint32 `validate:"required"`
	JournalSizeBytes     uint64 `validate:"required"`
	MetaAreaSizeBytes    uint64 `validate:"required"`
	ImmediateCommit      string `validate:"omitempty,oneof=none small all"`
	DisableJournalFsync  bool
	RecoveryQueueDepth   int `validate:"gt=0"`
	RecoverySyncBatch    int `validate:"gt=0"`
	FlushBatch           int `validate:"gt=0"`
	JournalStabilizeResv uint64 `validate:"gt=0"`
	BindAddress          string `validate:"required"`
}

// ClusterConfig is the typed view of the cluster-store connection the
// cluster state client (§4.8) needs.
type ClusterConfig struct {
	Endpoints  []string `validate:"required,min=1"`
	KeyPrefix  string   `validate:"required"`
	DialTimeMs int64    `validate:"gt=0"`
}

var validate = validator.New()

func (c *Config) OSDConfig() (*OSDConfig, error) {
	oc := &OSDConfig{
		OSDNum:               uint64(c.GetInt64("osd_num")),
		DataDevice:           c.GetString("data_device"),
		JournalDevice:        c.GetString("journal_device"),
		MetaDevice:           c.GetString("meta_device"),
		BlockSize:            uint32(c.GetInt64WithDefault("block_size", 4096)),
		JournalSizeBytes:     uint64(c.GetInt64("journal_size")),
		MetaAreaSizeBytes:    uint64(c.GetInt64("meta_area_size")),
		ImmediateCommit:      orDefault(c.GetString("immediate_commit"), "none"),
		DisableJournalFsync:  c.GetBool("disable_journal_fsync"),
		RecoveryQueueDepth:   int(c.GetInt64WithDefault("recovery_queue_depth", 4)),
		RecoverySyncBatch:    int(c.GetInt64WithDefault("recovery_sync_batch", 16)),
		FlushBatch:           int(c.GetInt64WithDefault("flush_batch", 128)),
		JournalStabilizeResv: uint64(c.GetInt64WithDefault("journal_stabilize_reservation", 1<<20)),
		BindAddress:          c.GetString("bind_address"),
	}
	if oc.BlockSize == 0 || oc.BlockSize&(oc.BlockSize-1) != 0 {
		return nil, fmt.Errorf("config: block_size %d is not a power of two", oc.BlockSize)
	}
	if err := validate.Struct(oc); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return oc, nil
}

func (c *Config) ClusterConfig() (*ClusterConfig, error) {
	raw := c.GetString("cluster_endpoints")
	cc := &ClusterConfig{
		Endpoints:  splitNonEmpty(raw),
		KeyPrefix:  orDefault(c.GetString("cluster_key_prefix"), "/vitastor"),
		DialTimeMs: c.GetInt64WithDefault("cluster_dial_timeout_ms", 5000),
	}
	if err := validate.Struct(cc); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cc, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
