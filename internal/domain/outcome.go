package domain

import "time"

// Outcome — результат маршрутизации одного входящего сообщения.
type Outcome string

const (
	OutcomeIgnored       Outcome = "IGNORED"
	OutcomeUnknown       Outcome = "UNKNOWN"
	OutcomeForbidden     Outcome = "FORBIDDEN"
	OutcomeRateLimited   Outcome = "RATE_LIMITED"
	OutcomeSuccess       Outcome = "SUCCESS"
	OutcomeHandlerFailed Outcome = "HANDLER_FAILED"
)

// FailureReason уточняет OutcomeHandlerFailed.
type FailureReason string

const (
	FailureNone    FailureReason = ""
	FailureError   FailureReason = "error"
	FailureTimeout FailureReason = "timeout"
	FailurePanic   FailureReason = "panic"
)

// DispatchRecord — запись журнала об одном обработанном сообщении (кроме Ignored).
type DispatchRecord struct {
	ID       string        `json:"id"`
	Sender   Identity      `json:"sender"`
	Group    Identity      `json:"group,omitempty"`
	Command  string        `json:"command,omitempty"`
	Outcome  Outcome       `json:"outcome"`
	Reason   FailureReason `json:"reason,omitempty"`
	Elevated bool          `json:"elevated"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// DispatchStats — сводка журнала за окно (для админского API).
type DispatchStats struct {
	Window      time.Duration `json:"window"`
	Total       int64         `json:"total"`
	Success     int64         `json:"success"`
	Failed      int64         `json:"failed"`
	Forbidden   int64         `json:"forbidden"`
	RateLimited int64         `json:"rate_limited"`
	Unknown     int64         `json:"unknown"`
	P95Ms       float64       `json:"p95_ms"`
}
