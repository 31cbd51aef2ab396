package domain

import "time"

// GroupSnapshot — неизменяемый снимок метаданных группы.
// После создания поля не меняются: обновление кэша создает новый снимок и подменяет указатель.
type GroupSnapshot struct {
	GroupID      Identity
	Subject      string
	OwnerID      Identity
	participants map[Identity]struct{}
	admins       map[Identity]struct{}
	FetchedAt    time.Time
}

// GroupInfo — "сырые" метаданные, которые отдает Session Handle.
type GroupInfo struct {
	ID           Identity   `json:"id"`
	Subject      string     `json:"subject"`
	Owner        Identity   `json:"owner"`
	Participants []Identity `json:"participants"`
	Admins       []Identity `json:"admins"`
}

// NewGroupSnapshot копирует входные данные, чтобы вызывающий не мог изменить снимок.
func NewGroupSnapshot(info GroupInfo, fetchedAt time.Time) *GroupSnapshot {
	s := &GroupSnapshot{
		GroupID:      info.ID,
		Subject:      info.Subject,
		OwnerID:      info.Owner,
		participants: make(map[Identity]struct{}, len(info.Participants)),
		admins:       make(map[Identity]struct{}, len(info.Admins)),
		FetchedAt:    fetchedAt,
	}
	for _, p := range info.Participants {
		s.participants[p] = struct{}{}
	}
	for _, a := range info.Admins {
		s.admins[a] = struct{}{}
		// админ всегда участник
		s.participants[a] = struct{}{}
	}
	return s
}

func (s *GroupSnapshot) IsParticipant(id Identity) bool {
	_, ok := s.participants[id]
	return ok
}

func (s *GroupSnapshot) IsAdmin(id Identity) bool {
	_, ok := s.admins[id]
	return ok
}

func (s *GroupSnapshot) IsOwner(id Identity) bool {
	return s.OwnerID != "" && s.OwnerID == id
}

// Participants возвращает копию множества участников.
func (s *GroupSnapshot) Participants() []Identity {
	return setToSlice(s.participants)
}

// Admins возвращает копию множества администраторов.
func (s *GroupSnapshot) Admins() []Identity {
	return setToSlice(s.admins)
}

// Age — возраст снимка относительно now.
func (s *GroupSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

func setToSlice(set map[Identity]struct{}) []Identity {
	out := make([]Identity, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
