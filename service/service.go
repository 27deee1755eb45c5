package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/twvoice/backend/model"
)

var (
	ErrSync = errors.New("unable to sync room")
	ErrPost = errors.New("unable to post message")
)

// SystemSenderID marks chat messages generated by the server itself.
const SystemSenderID = "system"

type (
	RoomStore interface {
		EnsureRoom(code string)
		RoomExists(code string) bool
		AppendMessage(code string, msg model.ChatMessage) error
		Sync(code string, callerID string, status model.Status,
			outgoing []model.SignalEnvelope, now time.Time) (model.SyncResult, error)
	}

	Service struct {
		store  RoomStore
		now    func() time.Time
		logger zerolog.Logger
	}

	Config struct {
		RoomStore RoomStore
		Clock     func() time.Time
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:  cfg.RoomStore,
		now:    now,
		logger: cfg.Logger.With().Str("component", "relay").Logger(),
	}
}

// NormalizeCode canonicalizes a room code. Codes are case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// EnsureRoom registers the room and returns the canonical code.
func (svc *Service) EnsureRoom(code string) string {
	code = NormalizeCode(code)
	svc.store.EnsureRoom(code)
	svc.logger.Debug().Str("roomCode", code).Msg("room ensured")
	return code
}

func (svc *Service) RoomExists(code string) bool {
	return svc.store.RoomExists(NormalizeCode(code))
}

func (svc *Service) PostMessage(code string, msg model.ChatMessage) error {
	code = NormalizeCode(code)
	if err := svc.store.AppendMessage(code, msg); err != nil {
		return errors.Join(ErrPost, err)
	}
	svc.logger.Trace().
		Str("roomCode", code).
		Str("senderID", msg.SenderID).
		Msg("chat message posted")
	return nil
}

// Sync runs one synchronization step for the caller and emits system chat
// lines for presence transitions the step uncovered. The system lines land
// after the step's own snapshot, so callers see them on their next poll.
func (svc *Service) Sync(
	code string,
	callerID string,
	status model.Status,
	outgoing []model.SignalEnvelope,
) (model.SyncResult, error) {
	code = NormalizeCode(code)
	now := svc.now()

	res, err := svc.store.Sync(code, callerID, status, outgoing, now)
	if err != nil {
		return model.SyncResult{}, errors.Join(ErrSync, err)
	}

	if res.CallerJoined {
		svc.systemMessage(code, now, fmt.Sprintf("%s joined", displayName(status.Nickname, callerID)))
	}
	for _, p := range res.Expired {
		svc.systemMessage(code, now, fmt.Sprintf("%s left", displayName(p.Nickname, p.ID)))
	}

	svc.logger.Trace().
		Str("roomCode", code).
		Str("userID", callerID).
		Int("participants", len(res.Participants)).
		Int("signals", len(res.Signals)).
		Msg("sync served")
	return res, nil
}

func (svc *Service) systemMessage(code string, now time.Time, text string) {
	msg := model.ChatMessage{
		ID:        uuid.NewString(),
		SenderID:  SystemSenderID,
		Text:      text,
		Timestamp: now.UnixMilli(),
		IsSystem:  true,
	}
	if err := svc.store.AppendMessage(code, msg); err != nil {
		svc.logger.Error().Err(err).Str("roomCode", code).Msg("failed to append system message")
	}
}

func displayName(nickname, id string) string {
	if nickname != "" {
		return nickname
	}
	return id
}
