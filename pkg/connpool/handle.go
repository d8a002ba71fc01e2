package connpool

import (
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// Handle is a connection exclusively owned by one executor call until it is
// released or discarded. It implements task.Connection.
type Handle struct {
	pool       *Pool
	host       *hostPool
	entry      *entry
	acquiredAt time.Time
	done       atomic.Bool
}

// Target returns the downstream the connection points at
func (h *Handle) Target() string {
	return h.host.target
}

// HTTP returns the keep-alive client, nil for database connections
func (h *Handle) HTTP() *fasthttp.HostClient {
	return h.entry.res.HTTP
}

// DB returns the database handle, nil for HTTP connections
func (h *Handle) DB() *sql.DB {
	return h.entry.res.DB
}

// AcquiredAt returns when the handle was lent out
func (h *Handle) AcquiredAt() time.Time {
	return h.acquiredAt
}

// markDone returns true for the first caller only
func (h *Handle) markDone() bool {
	return h.done.CompareAndSwap(false, true)
}
