package supervisor

import "time"

// RestartBudget — скользящее окно перезапусков с потолком.
// Окно начинается с первого перезапуска и сбрасывается, когда очередной перезапуск
// приходит позже WindowStart+Window.
type RestartBudget struct {
	Count       int
	WindowStart time.Time
	Ceiling     int
	Window      time.Duration
}

func NewRestartBudget(ceiling int, window time.Duration) RestartBudget {
	return RestartBudget{Ceiling: ceiling, Window: window}
}

// Record учитывает перезапуск в момент now и сообщает, превышен ли потолок.
func (b *RestartBudget) Record(now time.Time) bool {
	if now.Sub(b.WindowStart) > b.Window {
		b.Count = 0
		b.WindowStart = now
	}
	b.Count++
	return b.Count > b.Ceiling
}

// Reset обнуляет счетчик (например, при повторном Start).
func (b *RestartBudget) Reset() {
	b.Count = 0
	b.WindowStart = time.Time{}
}
