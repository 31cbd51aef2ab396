package journal

/*
Файл journal.go — журнал диспетчеризации команд.

- Record не блокирует маршрутизатор: запись уходит в буферизованный канал,
  при переполнении отбрасывается с ошибкой в лог (load shedding).
- Воркер копит пачку и пишет ее в хранилище по таймеру или по достижении batchSize.
- Stop закрывает вход и ждет, пока воркер вычитает остаток и сделает финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/metrics"
)

const batchSize = 100

// Storage — куда физически пишутся записи (Postgres или SQLite).
type Storage interface {
	WriteBatch(ctx context.Context, records []domain.DispatchRecord) error
}

type Journal struct {
	ch            chan domain.DispatchRecord
	repo          Storage
	flushInterval time.Duration
	metrics       *metrics.Metrics
	logger        *zap.Logger
	wg            sync.WaitGroup

	// closeMu: Record держит RLock на время отправки, Stop берет Lock перед close(ch)
	closeMu sync.RWMutex
	closed  bool
}

func New(repo Storage, bufferSize int, flushInterval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Journal {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Journal{
		ch:            make(chan domain.DispatchRecord, bufferSize),
		repo:          repo,
		flushInterval: flushInterval,
		metrics:       m,
		logger:        logger.With(zap.String("mod", "journal")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход и ждет финального flush (или отмены ctx).
func (j *Journal) Stop(ctx context.Context) error {
	j.closeMu.Lock()
	if j.closed {
		j.closeMu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ch)
	j.closeMu.Unlock()

	j.logger.Info("stopping journal: flushing buffer...")
	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		j.logger.Info("journal stopped gracefully")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) Record(rec domain.DispatchRecord) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	j.closeMu.RLock()
	defer j.closeMu.RUnlock()

	if j.closed {
		j.logger.Warn("dispatch record dropped: journal is stopping", zap.String("id", rec.ID))
		return
	}

	select {
	case j.ch <- rec:
		j.metrics.JournalBufferFill.Set(float64(len(j.ch)))
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("sender", string(rec.Sender)),
			zap.String("command", rec.Command),
			zap.String("outcome", string(rec.Outcome)))
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]domain.DispatchRecord, 0, batchSize)
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст сервиса при остановке уже отменен
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := j.repo.WriteBatch(ctx, batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		j.metrics.JournalBufferFill.Set(float64(len(j.ch)))
	}

	for {
		select {
		case rec, ok := <-j.ch:
			if !ok {
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
