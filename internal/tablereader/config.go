package tablereader

import "time"

// Config holds the static, per-backfill configuration of a Worker. Field
// names and defaults follow the enumerated configuration options of the
// table reader specification.
type Config struct {
	// BackfillID identifies the per-backfill worker instance. Required.
	BackfillID string
	// TableOID identifies the source table. Required.
	TableOID string

	// MaxPendingMessages is the SMS backpressure cap.
	MaxPendingMessages int
	// InitialPageSize seeds the page-size optimizer.
	InitialPageSize int
	// MaxTimeoutMs bounds each Stage-1/Stage-2 query.
	MaxTimeoutMs int
	// MaxPageSize caps the optimizer's recommendation.
	MaxPageSize int
	// CheckStateTimeoutMs is the check_state timer period.
	CheckStateTimeoutMs int
	// CheckSMSTimeoutMs is the check_sms timer period.
	CheckSMSTimeoutMs int
	// MaxBatchesInMemory bounds |unflushed| + |flushed|.
	MaxBatchesInMemory int
	// MaxBackoffMs caps SMS push retry backoff.
	MaxBackoffMs int
	// MaxBackoffTimeMs bounds total SMS push retry elapsed time.
	MaxBackoffTimeMs int
}

// SetDefaults fills in unset optional fields with the specification's
// defaults. BackfillID and TableOID are required and left untouched.
func (c *Config) SetDefaults() {
	if c.MaxPendingMessages == 0 {
		c.MaxPendingMessages = 1_000_000
	}
	if c.InitialPageSize == 0 {
		c.InitialPageSize = 1_000
	}
	if c.MaxTimeoutMs == 0 {
		c.MaxTimeoutMs = 5_000
	}
	if c.MaxPageSize == 0 {
		c.MaxPageSize = 40_000
	}
	if c.CheckStateTimeoutMs == 0 {
		c.CheckStateTimeoutMs = 30_000
	}
	if c.CheckSMSTimeoutMs == 0 {
		c.CheckSMSTimeoutMs = 5_000
	}
	if c.MaxBatchesInMemory == 0 {
		c.MaxBatchesInMemory = 3
	}
	if c.MaxBackoffMs == 0 {
		c.MaxBackoffMs = 1_000
	}
	if c.MaxBackoffTimeMs == 0 {
		c.MaxBackoffTimeMs = 60_000
	}
}

// Validate checks that the required fields are present.
func (c *Config) Validate() error {
	if c.BackfillID == "" {
		return errRequired("backfill_id")
	}
	if c.TableOID == "" {
		return errRequired("table_oid")
	}
	return nil
}

func (c *Config) checkStateTimeout() time.Duration {
	return time.Duration(c.CheckStateTimeoutMs) * time.Millisecond
}

func (c *Config) checkSMSTimeout() time.Duration {
	return time.Duration(c.CheckSMSTimeoutMs) * time.Millisecond
}

func (c *Config) maxQueryTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutMs) * time.Millisecond
}

func (c *Config) maxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

func (c *Config) maxBackoffTime() time.Duration {
	return time.Duration(c.MaxBackoffTimeMs) * time.Millisecond
}
