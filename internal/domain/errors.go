package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning      = errors.New("supervisor: already running")
	ErrTerminalLogout      = errors.New("session: logged out, re-authorization required")
	ErrRestartStormAbort   = errors.New("supervisor: restart budget exhausted")
	ErrMetadataUnavailable = errors.New("groupcache: metadata unavailable")
	ErrUnknownHandlerKind  = errors.New("plugins: unknown handler kind")
	ErrDuplicateCommand    = errors.New("plugins: duplicate command name or alias")
	ErrInvalidConfig       = errors.New("config: invalid configuration")
	ErrNotConnected        = errors.New("session: not connected")
)

// ConnectError — ошибка построения соединения (транспорт, рукопожатие).
// Восстановимая: супервизор повторит попытку через фиксированную задержку.
type ConnectError struct {
	Cause error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failed: %v", e.Cause)
}

func (e *ConnectError) Unwrap() error {
	return e.Cause
}
