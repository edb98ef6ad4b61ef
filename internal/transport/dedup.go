package transport

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// dedupWindow remembers recently seen inbound packet identifiers for the
// current session. Identifiers are reused by the broker once acknowledged,
// so only redeliveries (DUP set) of a seen identifier count as duplicates.
type dedupWindow struct {
	mu      sync.Mutex
	session string
	seen    *expirable.LRU[uint16, struct{}]
}

func newDedupWindow(size int, ttl time.Duration) *dedupWindow {
	return &dedupWindow{seen: expirable.NewLRU[uint16, struct{}](size, nil, ttl)}
}

// observe records id and reports whether the message is a duplicate.
// A new session identity clears the window first.
func (d *dedupWindow) observe(session string, id uint16, dup bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if session != d.session {
		d.seen.Purge()
		d.session = session
	}
	if dup && d.seen.Contains(id) {
		return true
	}
	d.seen.Add(id, struct{}{})
	return false
}

func (d *dedupWindow) len() int {
	return d.seen.Len()
}
