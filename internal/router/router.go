// Package router разбирает входящие сообщения в команды и исполняет их:
// адресация, разрешение алиасов, авторизация, cooldown, таймаут обработчика.
package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/metrics"
	"github.com/xela07ax/chatgate/internal/plugins"
	"github.com/xela07ax/chatgate/internal/session"
)

const (
	forbiddenReply = "_This command is only for the bot owners._"
	failureReply   = "_Error executing command. Contact the owner._"
)

type Config struct {
	Prefix         string
	Cooldown       time.Duration
	HandlerTimeout time.Duration
	SendTimeout    time.Duration
}

// Elevation отвечает, является ли отправитель привилегированным.
type Elevation interface {
	IsElevated(id domain.Identity) bool
}

// Recorder принимает записи журнала. Не должен блокировать диспетчеризацию.
type Recorder interface {
	Record(rec domain.DispatchRecord)
}

// Result — исход диспетчеризации.
type Result struct {
	Outcome  domain.Outcome
	Reason   domain.FailureReason
	Command  string
	Args     []string
	Err      error // подробности для лога, наружу не уходят
	Duration time.Duration
}

type Option func(*Router)

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithSelf задает источник собственной идентичности бота (для адресации упоминанием).
func WithSelf(self func() domain.Identity) Option {
	return func(r *Router) { r.self = self }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Router) { r.recorder = rec }
}

type Router struct {
	cfg      Config
	prefix   *regexp.Regexp
	registry *plugins.Registry
	elevated Elevation
	sender   session.Sender
	recorder Recorder
	self     func() domain.Identity
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// Единственное изменяемое общее состояние кроме указателя на поколение
	cooldownMu sync.Mutex
	cooldowns  map[domain.Identity]time.Time
}

func New(cfg Config, registry *plugins.Registry, elevated Elevation, sender session.Sender, m *metrics.Metrics, logger *zap.Logger, opts ...Option) (*Router, error) {
	prefix, err := regexp.Compile("(?i)" + cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: router prefix: %v", domain.ErrInvalidConfig, err)
	}
	if cfg.HandlerTimeout <= 0 {
		return nil, fmt.Errorf("%w: handler timeout must be positive", domain.ErrInvalidConfig)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	r := &Router{
		cfg:       cfg,
		prefix:    prefix,
		registry:  registry,
		elevated:  elevated,
		sender:    sender,
		self:      func() domain.Identity { return "" },
		now:       time.Now,
		metrics:   m,
		logger:    logger.With(zap.String("mod", "router")),
		cooldowns: make(map[domain.Identity]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Dispatch обрабатывает одно входящее сообщение. Безопасен для конкурентного вызова.
func (r *Router) Dispatch(ctx context.Context, sender domain.Identity, group *domain.Identity, text string) Result {
	start := r.now()
	res := r.dispatch(ctx, sender, group, text)
	res.Duration = r.now().Sub(start)

	r.metrics.DispatchTotal.WithLabelValues(string(res.Outcome), res.Command).Inc()
	if res.Outcome != domain.OutcomeIgnored && r.recorder != nil {
		rec := domain.DispatchRecord{
			ID:       uuid.New().String(),
			Sender:   sender,
			Command:  res.Command,
			Outcome:  res.Outcome,
			Reason:   res.Reason,
			Elevated: r.elevated.IsElevated(sender),
			Duration: res.Duration,
			At:       start,
		}
		if group != nil {
			rec.Group = *group
		}
		r.recorder.Record(rec)
	}
	return res
}

func (r *Router) dispatch(ctx context.Context, sender domain.Identity, group *domain.Identity, text string) Result {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Outcome: domain.OutcomeIgnored}
	}

	word, args, ok := r.parse(text)
	if !ok {
		return Result{Outcome: domain.OutcomeIgnored}
	}
	log := r.logger.With(zap.String("sender", string(sender)), zap.String("word", word))

	// Поколение фиксируется здесь: перезагрузка не затронет этот вызов
	spec, found := r.registry.Current().Lookup(word)
	if !found {
		log.Debug("unknown command")
		return Result{Outcome: domain.OutcomeUnknown, Args: args}
	}
	res := Result{Command: spec.Name, Args: args}
	chat := chatOf(sender, group)

	// Авторизация до cooldown: гонка за cooldown не может обойти Forbidden
	elevated := r.elevated.IsElevated(sender)
	if spec.RequiresElevated && !elevated {
		log.Debug("forbidden command", zap.String("command", spec.Name))
		r.reply(ctx, chat, forbiddenReply)
		res.Outcome = domain.OutcomeForbidden
		return res
	}

	if !elevated && !r.allow(sender) {
		log.Debug("rate limited", zap.String("command", spec.Name))
		res.Outcome = domain.OutcomeRateLimited
		return res
	}

	inv := plugins.Invocation{
		Sender:   sender,
		Group:    group,
		Args:     args,
		Command:  spec.Name,
		Elevated: elevated,
		Reply: func(ctx context.Context, text string) error {
			return r.sender.Send(ctx, chat, text)
		},
	}

	started := time.Now()
	reason, err := r.invoke(ctx, spec, inv)
	elapsed := time.Since(started)

	if err == nil {
		r.metrics.HandlerDuration.WithLabelValues(spec.Name, "ok").Observe(elapsed.Seconds())
		log.Info("command executed", zap.String("command", spec.Name), zap.Duration("took", elapsed))
		res.Outcome = domain.OutcomeSuccess
		return res
	}

	r.metrics.HandlerDuration.WithLabelValues(spec.Name, string(reason)).Observe(elapsed.Seconds())
	log.Error("command failed",
		zap.String("command", spec.Name),
		zap.Strings("args", args),
		zap.String("reason", string(reason)),
		zap.Duration("took", elapsed),
		zap.Error(err))
	r.reply(ctx, chat, failureReply)

	res.Outcome = domain.OutcomeHandlerFailed
	res.Reason = reason
	res.Err = err
	return res
}

// parse определяет адресацию (префикс или упоминание бота) и выделяет слово команды и аргументы.
func (r *Router) parse(text string) (string, []string, bool) {
	var rest string
	if loc := r.prefix.FindStringIndex(text); loc != nil && loc[0] == 0 && loc[1] > 0 {
		rest = text[loc[1]:]
	} else if stripped, ok := r.stripMention(text); ok {
		rest = stripped
	} else {
		return "", nil, false
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, false
	}
	args := fields[1:]
	if len(args) == 0 {
		args = []string{}
	}
	return strings.ToLower(fields[0]), args, true
}

// stripMention убирает упоминание бота (@номер), если оно есть в тексте.
func (r *Router) stripMention(text string) (string, bool) {
	user := r.self().User()
	if user == "" {
		return "", false
	}
	mention := "@" + user

	fields := strings.Fields(text)
	kept := make([]string, 0, len(fields))
	found := false
	for _, f := range fields {
		if !found && trimMention(f) == mention {
			found = true
			continue
		}
		kept = append(kept, f)
	}
	if !found {
		return "", false
	}
	return strings.Join(kept, " "), true
}

// trimMention снимает пунктуацию вокруг токена: "@123," и "(@123)" тоже упоминания.
func trimMention(word string) string {
	return strings.TrimFunc(word, func(r rune) bool {
		return r != '@' && (unicode.IsPunct(r) || unicode.IsSymbol(r))
	})
}

// allow — атомарная проверка и отметка cooldown для отправителя.
func (r *Router) allow(sender domain.Identity) bool {
	if r.cfg.Cooldown <= 0 {
		return true
	}
	now := r.now()

	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	if last, ok := r.cooldowns[sender]; ok && now.Sub(last) < r.cfg.Cooldown {
		return false
	}
	r.cooldowns[sender] = now
	return true
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v\n%s", p.value, p.stack)
}

// invoke исполняет обработчик с таймаутом. Обработчик, игнорирующий ctx, не держит
// диспетчер дольше таймаута: его горутина доработает в фоне.
func (r *Router) invoke(ctx context.Context, spec *plugins.CommandSpec, inv plugins.Invocation) (domain.FailureReason, error) {
	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- &panicError{value: p, stack: debug.Stack()}
			}
		}()
		done <- spec.Handler.Handle(hctx, inv)
	}()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		err = hctx.Err()
	}

	var pe *panicError
	switch {
	case err == nil:
		return domain.FailureNone, nil
	case errors.As(err, &pe):
		return domain.FailurePanic, err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.FailureTimeout, fmt.Errorf("handler %q: %w", spec.Name, err)
	default:
		return domain.FailureError, err
	}
}

func (r *Router) reply(ctx context.Context, chat domain.Identity, text string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SendTimeout)
	defer cancel()
	if err := r.sender.Send(sctx, chat, text); err != nil {
		r.logger.Warn("reply failed", zap.String("chat", string(chat)), zap.Error(err))
	}
}

func chatOf(sender domain.Identity, group *domain.Identity) domain.Identity {
	if group != nil {
		return *group
	}
	return sender
}
