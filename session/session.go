// Package session holds per-connection coordinator state: the device-list
// throttle and the fingerprint of the last surfaced device set.
package session

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"scanbridge/devices"
)

// DefaultThrottle is the minimum spacing between honored device-list requests.
const DefaultThrottle = 2 * time.Second

// Session is owned by a single connection goroutine and is not safe for
// concurrent use.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	throttle                time.Duration
	now                     func() time.Time
	lastDeviceListRequestAt time.Time
	deviceListFingerprint   uint64
	hasFingerprint          bool
}

// New creates a session. A non-positive throttle uses DefaultThrottle.
func New(id, remoteAddr string, throttle time.Duration) *Session {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	s := &Session{ID: id, RemoteAddr: remoteAddr, throttle: throttle, now: time.Now}
	s.ConnectedAt = s.now()
	return s
}

// AllowDeviceList reports whether a device-list request may be served now and,
// if so, records it as honored. Dropped requests do not move the window.
func (s *Session) AllowDeviceList() bool {
	now := s.now()
	if !s.lastDeviceListRequestAt.IsZero() && now.Sub(s.lastDeviceListRequestAt) < s.throttle {
		return false
	}
	s.lastDeviceListRequestAt = now
	return true
}

// LastDeviceListRequestAt is the time of the last honored request.
func (s *Session) LastDeviceListRequestAt() time.Time { return s.lastDeviceListRequestAt }

// ObserveDeviceList stores the fingerprint of list and reports whether it
// differs from the previous one. The first observation always counts as a
// change.
func (s *Session) ObserveDeviceList(list []devices.ScannerDevice) bool {
	fp := Fingerprint(list)
	changed := !s.hasFingerprint || fp != s.deviceListFingerprint
	s.deviceListFingerprint = fp
	s.hasFingerprint = true
	return changed
}

// Fingerprint digests the ids and origins of list, independent of order.
func Fingerprint(list []devices.ScannerDevice) uint64 {
	entries := make([]string, 0, len(list))
	for _, d := range list {
		entries = append(entries, d.Origin()+":"+d.ID)
	}
	sort.Strings(entries)

	h := xxhash.New()
	h.WriteString(strconv.Itoa(len(entries)))
	for _, e := range entries {
		h.WriteString("\n")
		h.WriteString(e)
	}
	return h.Sum64()
}

// Registry maps connection ids to their sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Active reports whether id is still connected.
func (r *Registry) Active(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
