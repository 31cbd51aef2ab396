package domain

import "strings"

// Identity — стабильный идентификатор удаленной стороны (пользователь или группа).
type Identity string

const (
	groupSuffix = "@g.us"
	userSuffix  = "@s.whatsapp.net"
)

// IsGroup сообщает, адресует ли идентификатор группу.
func (id Identity) IsGroup() bool {
	return strings.HasSuffix(string(id), groupSuffix)
}

// User возвращает "номерную" часть идентификатора без домена и device-суффикса.
// "79990001122:12@s.whatsapp.net" -> "79990001122"
func (id Identity) User() string {
	s := string(id)
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}

// NormalizeIdentity превращает "голый" номер из конфига в полный идентификатор пользователя.
func NormalizeIdentity(raw string) Identity {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "@") {
		return Identity(raw)
	}
	return Identity(raw + userSuffix)
}
