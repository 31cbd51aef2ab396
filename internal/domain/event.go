package domain

import "time"

// EventType — тип события из потока Session Handle.
type EventType string

const (
	EventStateChange      EventType = "state-change"
	EventInboundMessage   EventType = "inbound-message"
	EventMembershipChange EventType = "membership-change"
	EventCredentialUpdate EventType = "credential-update"
)

// Phase — фаза соединения в событии state-change.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClose      Phase = "close"
)

// ReasonLoggedOut — терминальная причина закрытия: сессия отозвана, переподключение бессмысленно.
const ReasonLoggedOut = "logged-out"

// StateChange — смена фазы соединения.
type StateChange struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

// Terminal сообщает, что закрытие невосстановимо.
func (s StateChange) Terminal() bool {
	return s.Phase == PhaseClose && s.Reason == ReasonLoggedOut
}

// InboundMessage — входящее текстовое сообщение.
type InboundMessage struct {
	Sender Identity  `json:"sender"`
	Group  *Identity `json:"group,omitempty"` // nil для личных сообщений
	Text   string    `json:"text"`
	Raw    []byte    `json:"raw,omitempty"`
	At     time.Time `json:"at"`
}

// Chat возвращает идентификатор чата, куда следует отвечать.
func (m InboundMessage) Chat() Identity {
	if m.Group != nil {
		return *m.Group
	}
	return m.Sender
}

// MembershipAction — действие над участниками группы.
type MembershipAction string

const (
	ActionAdd     MembershipAction = "add"
	ActionRemove  MembershipAction = "remove"
	ActionPromote MembershipAction = "promote"
	ActionDemote  MembershipAction = "demote"
)

// MembershipChange — изменение состава или прав участников группы.
type MembershipChange struct {
	GroupID    Identity         `json:"group_id"`
	Identities []Identity       `json:"identities"`
	Action     MembershipAction `json:"action"`
}

// CredentialUpdate — новый блоб учетных данных, который нужно сохранить.
type CredentialUpdate struct {
	Blob []byte `json:"blob"`
}

// Event — элемент потока событий Session Handle. Заполнено ровно одно поле по Type.
type Event struct {
	Type        EventType
	State       *StateChange
	Message     *InboundMessage
	Membership  *MembershipChange
	Credentials *CredentialUpdate
}
