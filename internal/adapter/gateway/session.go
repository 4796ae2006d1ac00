package gateway

import (
	"sort"
	"time"

	"nightly-connect/internal/domain"
)

// session is the relay-side state of one app/clients conversation. All
// fields are guarded by Server.mu.
type session struct {
	id         string
	persistent bool
	metadata   domain.AppMetadata
	network    string
	version    string
	createdAt  time.Time

	app       *peer // nil while the app is away
	appLeftAt time.Time
	clients   map[uint64]*peer

	// Sign requests not yet answered, in arrival order.
	pending      []*domain.NewPayloadEvent
	pendingIndex map[string]*domain.NewPayloadEvent

	// Frames for the app queued while it is away.
	outbox []queuedFrame
}

type queuedFrame struct {
	kind  domain.MessageType
	frame []byte
}

// takeOutbox empties the outbox. Presence events are dropped: the resume
// reply already carries the clients joined now.
func (s *session) takeOutbox() [][]byte {
	frames := make([][]byte, 0, len(s.outbox))
	for _, q := range s.outbox {
		if q.kind == domain.TypeUserConnectedEvent || q.kind == domain.TypeUserDisconnectedEvent {
			continue
		}
		frames = append(frames, q.frame)
	}
	s.outbox = nil
	return frames
}

func newSession(id string, req *domain.InitializeRequest, app *peer, now time.Time) *session {
	return &session{
		id:           id,
		persistent:   req.Persistent,
		metadata:     req.AppMetadata,
		network:      req.Network,
		version:      req.Version,
		createdAt:    now,
		app:          app,
		clients:      make(map[uint64]*peer),
		pendingIndex: make(map[string]*domain.NewPayloadEvent),
	}
}

// publicKeys flattens the keys of every connected client in join order.
// Never nil.
func (s *session) publicKeys() []string {
	ids := make([]uint64, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	keys := []string{}
	for _, id := range ids {
		keys = append(keys, s.clients[id].publicKeys...)
	}
	return keys
}

func (s *session) addPending(ev *domain.NewPayloadEvent) {
	s.pending = append(s.pending, ev)
	s.pendingIndex[ev.RequestID] = ev
}

func (s *session) takePending(requestID string) bool {
	if _, ok := s.pendingIndex[requestID]; !ok {
		return false
	}
	delete(s.pendingIndex, requestID)
	for i, ev := range s.pending {
		if ev.RequestID == requestID {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			break
		}
	}
	return true
}

func (s *session) pendingSnapshot() []domain.NewPayloadEvent {
	out := make([]domain.NewPayloadEvent, len(s.pending))
	for i, ev := range s.pending {
		out[i] = *ev
	}
	return out
}

// expired reports whether a persistent session without its app has outlived ttl.
func (s *session) expired(now time.Time, ttl time.Duration) bool {
	return s.app == nil && !s.appLeftAt.IsZero() && now.Sub(s.appLeftAt) > ttl
}
