package polystore

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; wrap slow ones in hooks/async.
type Hooks interface {
	// An entry was removed to make room or because it expired.
	// reason ∈ {"capacity", "expired"}
	Evicted(backend, key, reason string)

	// A session or record expired and was swept.
	Expired(backend, key string)

	// A replicated write failed on one target. The primary write succeeded.
	ReplicationFailed(target, key string, err error)

	// A read failed on primary and was retried on fallback.
	FallbackRead(primary, fallback, key string, err error)

	// A syncing backend recorded a conflict for key.
	ConflictDetected(key string, local, remote any)

	// A background sweep skipped one entry.
	SweepError(backend, key string, err error)

	// A migration step ran successfully.
	MigrationApplied(name string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) Evicted(string, string, string)             {}
func (NopHooks) Expired(string, string)                     {}
func (NopHooks) ReplicationFailed(string, string, error)    {}
func (NopHooks) FallbackRead(string, string, string, error) {}
func (NopHooks) ConflictDetected(string, any, any)          {}
func (NopHooks) SweepError(string, string, error)           {}
func (NopHooks) MigrationApplied(string)                    {}
