// Package idgen generates the opaque, lexicographically sortable ids
// TaskHub uses for runs, workers, artifacts and cron entries.
package idgen

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

func newULID() ulid.ULID {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// RunID returns a fresh run id, e.g. "r-01HZY...".
func RunID() string { return fmt.Sprintf("r-%s", newULID()) }

// WorkerID returns a fresh worker id, e.g. "w-host-pid-01HZY...".
func WorkerID(hostname string, pid int) string {
	return fmt.Sprintf("w-%s-%d-%s", hostname, pid, newULID())
}

// ArtifactID returns a fresh artifact id, e.g. "a-01HZY...".
func ArtifactID() string { return fmt.Sprintf("a-%s", newULID()) }

// CronID returns a fresh cron entry id, e.g. "c-01HZY...".
func CronID() string { return fmt.Sprintf("c-%s", newULID()) }
