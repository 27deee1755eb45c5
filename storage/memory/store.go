package memory

import (
	"errors"
	"sync"
	"time"

	"github.com/twvoice/backend/model"
)

const (
	DefaultPresenceTTL     = 10 * time.Second
	DefaultChatHistorySize = 50
)

var ErrRoomNotFound = errors.New("room is not found")

// participantState is the store-private view of one room member.
// The mailbox and last-seen time are never handed out in snapshots.
type participantState struct {
	status   model.Status
	lastSeen time.Time
	mailbox  []model.SignalEnvelope
}

// room carries its own lock so sync traffic in different rooms never contends.
type room struct {
	mx           sync.Mutex
	participants map[string]*participantState
	messages     []model.ChatMessage
}

// Store keeps every room for the lifetime of the process. Rooms are
// created on demand and never removed; an empty room is just a map entry.
type Store struct {
	mx    sync.Mutex
	rooms map[string]*room

	presenceTTL time.Duration
	chatSize    int
}

type Config struct {
	PresenceTTL     time.Duration
	ChatHistorySize int
}

func NewStore(cfg Config) *Store {
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = DefaultPresenceTTL
	}
	if cfg.ChatHistorySize <= 0 {
		cfg.ChatHistorySize = DefaultChatHistorySize
	}
	return &Store{
		rooms:       make(map[string]*room),
		presenceTTL: cfg.PresenceTTL,
		chatSize:    cfg.ChatHistorySize,
	}
}

// EnsureRoom registers the room if it is not known yet. Idempotent.
func (s *Store) EnsureRoom(code string) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if _, ok := s.rooms[code]; !ok {
		s.rooms[code] = &room{participants: make(map[string]*participantState)}
	}
}

func (s *Store) RoomExists(code string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	_, ok := s.rooms[code]
	return ok
}

// room resolves the room pointer. The registry lock is held only for the
// lookup, never across per-room work.
func (s *Store) room(code string) (*room, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	r, ok := s.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

// AppendMessage adds a chat message to the room's log, evicting the
// oldest entries beyond the history cap.
func (s *Store) AppendMessage(code string, msg model.ChatMessage) error {
	r, err := s.room(code)
	if err != nil {
		return err
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	r.appendMessage(msg, s.chatSize)
	return nil
}

func (r *room) appendMessage(msg model.ChatMessage, size int) {
	r.messages = append(r.messages, msg)
	if len(r.messages) > size {
		r.messages = r.messages[len(r.messages)-size:]
	}
}

// Sync runs one full synchronization step for the caller under the room
// lock: presence upsert, expiry sweep, outgoing envelope posting, mailbox
// drain and snapshot. Holding the lock for the whole step is what makes
// the drain exactly-once and keeps the sweep consistent.
func (s *Store) Sync(
	code string,
	callerID string,
	status model.Status,
	outgoing []model.SignalEnvelope,
	now time.Time,
) (model.SyncResult, error) {
	r, err := s.room(code)
	if err != nil {
		return model.SyncResult{}, err
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	var res model.SyncResult

	caller, ok := r.participants[callerID]
	if !ok {
		caller = &participantState{}
		r.participants[callerID] = caller
		res.CallerJoined = true
	}
	caller.status = status
	caller.lastSeen = now

	// Lazy sweep: absence from the set is the only "left" signal.
	for id, p := range r.participants {
		if now.Sub(p.lastSeen) >= s.presenceTTL {
			res.Expired = append(res.Expired, model.Participant{ID: id, Status: p.status})
			delete(r.participants, id)
		}
	}

	// Post outgoing envelopes. Unknown destinations are dropped silently:
	// the target may have expired a moment ago and the sender cannot act
	// on an error anyway.
	for _, env := range outgoing {
		dst, ok := r.participants[env.To]
		if !ok {
			continue
		}
		env.From = callerID
		dst.mailbox = append(dst.mailbox, env)
	}

	res.Signals = caller.mailbox
	caller.mailbox = nil

	res.Participants = make([]model.Participant, 0, len(r.participants))
	for id, p := range r.participants {
		res.Participants = append(res.Participants, model.Participant{ID: id, Status: p.status})
	}
	res.Messages = append([]model.ChatMessage(nil), r.messages...)

	return res, nil
}
