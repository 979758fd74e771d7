package polystore

import (
	"fmt"
	"sort"
	"strings"
)

// ReplicationError collects per-target failures of one replicated write.
// It is logged and handed to Hooks; the write itself still succeeds.
type ReplicationError struct {
	Op     string
	Key    string // empty for multi-key writes
	Failed map[string]error
}

func (e *ReplicationError) targets() []string {
	names := make([]string, 0, len(e.Failed))
	for n := range e.Failed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (e *ReplicationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "replicate %s %q: %d target(s) failed", e.Op, e.Key, len(e.Failed))
	for _, n := range e.targets() {
		fmt.Fprintf(&b, "; %s: %v", n, e.Failed[n])
	}
	return b.String()
}

func (e *ReplicationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, n := range e.targets() {
		errs = append(errs, e.Failed[n])
	}
	return errs
}
