package tunnel

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	smerr "sshmux/internal/errors"
	"sshmux/util"
)

// maxTagAttempts bounds the collision retries when drawing a session id.
// Ids are uniform over 2^32-1 values, so with n streams open a single
// draw collides with probability n/2^32. Even at 65536 open streams
// 32 consecutive collisions happen with probability 2^-512.
const maxTagAttempts = 32

var errIDSpace = smerr.New("no free session id")

// registry maps session ids to the streams currently open on a Manager.
type registry struct {
	mu      sync.RWMutex
	streams map[uint32]*Stream
	newID   func() uint32
}

func newRegistry() *registry {
	return &registry{streams: make(map[uint32]*Stream), newID: rand.Uint32}
}

// tag assigns s a random non-zero id unused by any open stream.
func (r *registry) tag(s *Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < maxTagAttempts; i++ {
		id := r.newID()
		if id == 0 {
			continue
		}
		if _, taken := r.streams[id]; taken {
			continue
		}
		s.id = id
		r.streams[id] = s
		return nil
	}
	return errIDSpace
}

func (r *registry) remove(s *Stream) {
	r.mu.Lock()
	if cur, ok := r.streams[s.id]; ok && cur == s {
		delete(r.streams, s.id)
	}
	r.mu.Unlock()
}

func (r *registry) find(id uint32) *Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[id]
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// selectAll returns the open streams matching sel; a nil sel matches
// every tunnel stream.
func (r *registry) selectAll(sel Selector) []*Stream {
	if sel == nil {
		sel = AllTunnels()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Stream
	for _, s := range r.streams {
		if sel(s) {
			out = append(out, s)
		}
	}
	return out
}

// drain empties the registry and returns what was in it.
func (r *registry) drain() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Stream, 0, len(r.streams))
	for id, s := range r.streams {
		out = append(out, s)
		delete(r.streams, id)
	}
	return out
}

// ── Selectors ────────────────────────────────────────────────────────

// Selector picks streams for Broadcast.
type Selector func(*Stream) bool

// ByID selects the stream with the given session id.
func ByID(id uint32) Selector {
	return func(s *Stream) bool { return s.id == id }
}

// ByRemote selects tunnel streams whose remote endpoint is host:port.
func ByRemote(host string, port int) Selector {
	return func(s *Stream) bool {
		return s.kind.IsTunnel() && s.remoteHost == host && s.remotePort == port
	}
}

// ByListener selects inbound streams accepted on the listening
// registration host:port.
func ByListener(host string, port int) Selector {
	key := listenerKey(host, port)
	return func(s *Stream) bool {
		return s.kind == KindTunnelIn && s.listenKey == key
	}
}

// AllTunnels selects every forwarded stream in either direction.
func AllTunnels() Selector {
	return func(s *Stream) bool { return s.kind.IsTunnel() }
}

// ParseStreamKey parses a lookup key: either a decimal session id or
// "host@port" naming a remote endpoint.
func ParseStreamKey(key string) (id uint32, host string, port int, err error) {
	if i := strings.LastIndexByte(key, '@'); i >= 0 {
		port, err = strconv.Atoi(key[i+1:])
		if err != nil || port < 0 || port > 65535 {
			return 0, "", 0, smerr.New("invalid port in stream key " + strconv.Quote(key))
		}
		return 0, key[:i], port, nil
	}
	n, err := strconv.ParseUint(key, 10, 32)
	if err != nil || n == 0 {
		return 0, "", 0, smerr.New("invalid stream id " + strconv.Quote(key))
	}
	return uint32(n), "", 0, nil
}

func listenerKey(host string, port int) string {
	return util.FormatAddr(host, port)
}
