package model

import "encoding/json"

// Signal envelope types. The relay routes these between participants
// without looking inside the payload.
const (
	SignalTypeOffer     = "offer"
	SignalTypeAnswer    = "answer"
	SignalTypeCandidate = "candidate"
)

// Status is the set of flags a client declares about itself on every sync.
// The stored copy is overwritten wholesale; the server does not verify any of it.
type Status struct {
	Nickname        string `json:"nickname"`
	IsAdmin         bool   `json:"isAdmin"`
	IsOnline        bool   `json:"isOnline"`
	IsMicOn         bool   `json:"isMicOn"`
	IsCamOn         bool   `json:"isCamOn"`
	IsDeafened      bool   `json:"isDeafened"`
	IsSharingScreen bool   `json:"isSharingScreen"`
}

// Participant is the public snapshot entry visible to every room member.
// Last-seen time and the mailbox never leave the store.
type Participant struct {
	ID string `json:"id"`
	Status
}

type SignalEnvelope struct {
	From string          `json:"from"` // server re-assigns this based on the calling session
	To   string          `json:"to"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ChatMessage struct {
	ID             string `json:"id"`
	SenderID       string `json:"senderId"`
	SenderNickname string `json:"senderNickname"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp"` // unix millis
	IsSystem       bool   `json:"isSystem,omitempty"`
	SoundURL       string `json:"soundUrl,omitempty"`
}

// SyncSubmission is the wire form of one sync request, shared by the
// HTTP polling and websocket transports.
type SyncSubmission struct {
	User          Participant      `json:"user"`
	SignalsToSend []SignalEnvelope `json:"signalsToSend"`
}

// SyncSnapshot is the wire form of one sync response.
type SyncSnapshot struct {
	Participants []Participant    `json:"participants"`
	SignalsForMe []SignalEnvelope `json:"signalsForMe"`
	Messages     []ChatMessage    `json:"messages"`
}

// SyncResult is what the store hands back from one sync step.
// CallerJoined and Expired describe presence transitions observed during
// the step and stay server-side.
type SyncResult struct {
	Participants []Participant
	Signals      []SignalEnvelope
	Messages     []ChatMessage
	CallerJoined bool
	Expired      []Participant
}

// Snapshot converts a sync result into its wire form. Nil slices become
// empty ones so clients always iterate over arrays.
func (r SyncResult) Snapshot() SyncSnapshot {
	snap := SyncSnapshot{
		Participants: r.Participants,
		SignalsForMe: r.Signals,
		Messages:     r.Messages,
	}
	if snap.Participants == nil {
		snap.Participants = []Participant{}
	}
	if snap.SignalsForMe == nil {
		snap.SignalsForMe = []SignalEnvelope{}
	}
	if snap.Messages == nil {
		snap.Messages = []ChatMessage{}
	}
	return snap
}
