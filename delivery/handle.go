package delivery

import (
	"sync"

	"github.com/google/uuid"

	"gps-uplink/pool"
	"gps-uplink/transport"
)

// handle is the single owner of a connection for the duration of one attempt.
// Every path that obtains a socket ends with finish, which runs exactly once:
// pooled sockets are released on success and evicted otherwise, direct
// sockets are always closed.
type handle struct {
	id     string
	socket *transport.Socket
	reused bool

	pool   *pool.Pool
	record *pool.Record // Nil for a direct connection

	once sync.Once
}

func pooled(p *pool.Pool, r *pool.Record, reused bool) *handle {
	return &handle{id: r.ID(), socket: r.Socket(), reused: reused, pool: p, record: r}
}

func unpooled(s *transport.Socket) *handle {
	return &handle{id: "direct-" + uuid.NewString(), socket: s}
}

func (h *handle) direct() bool { return h.record == nil }

func (h *handle) finish(ok bool) {
	h.once.Do(func() {
		switch {
		case h.record == nil:
			_ = h.socket.Close()
		case ok:
			h.pool.Release(h.record)
		default:
			h.pool.Evict(h.record)
		}
	})
}
