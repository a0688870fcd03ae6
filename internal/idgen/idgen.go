// Package idgen generates globally sortable lexicographic identifiers.
//
// Receipt, task, and lease identities all need the "sorts the same as it was
// created" property the ledger's stored_at-ordered queries rely on; a plain
// UUIDv4 does not have it. ULIDs do, and are what the original Python system
// generated via ulid.new() for the same three identity kinds.
package idgen

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// entropy is shared across calls; ulid.Monotonic wraps crypto/rand with a
// monotonically increasing sequence so two IDs minted within the same
// millisecond still sort in call order. The entropy source itself is not
// safe for concurrent use, so access is serialized with mu.
var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a bare ULID string, used for receipt_id.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// NewTaskID returns a "T-"-prefixed ULID, matching generate_task_id in the
// original source.
func NewTaskID() string {
	return fmt.Sprintf("T-%s", New())
}

// NewLeaseID returns an "L-"-prefixed ULID, matching generate_lease_id in
// the original source.
func NewLeaseID() string {
	return fmt.Sprintf("L-%s", New())
}
