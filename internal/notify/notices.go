package notify

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/metrics"
	"github.com/xela07ax/chatgate/internal/session"
)

// NoticeTemplates — тексты уведомлений о членстве. Пустой шаблон отключает уведомление.
// {user} заменяется номером участника, {group} — идентификатором группы.
type NoticeTemplates struct {
	Welcome string
	Goodbye string
	Promote string
	Demote  string
}

func (t NoticeTemplates) Empty() bool {
	return t.Welcome == "" && t.Goodbye == "" && t.Promote == "" && t.Demote == ""
}

func (t NoticeTemplates) forAction(a domain.MembershipAction) string {
	switch a {
	case domain.ActionAdd:
		return t.Welcome
	case domain.ActionRemove:
		return t.Goodbye
	case domain.ActionPromote:
		return t.Promote
	case domain.ActionDemote:
		return t.Demote
	}
	return ""
}

// Notices пишет в группу приветствия, прощания и смену прав участников.
type Notices struct {
	sender    session.Sender
	templates NoticeTemplates
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewNotices(sender session.Sender, templates NoticeTemplates, m *metrics.Metrics, logger *zap.Logger) *Notices {
	return &Notices{
		sender:    sender,
		templates: templates,
		metrics:   m,
		logger:    logger.With(zap.String("mod", "notify")),
	}
}

// Compose возвращает тексты для события; сам бот уведомлений о себе не получает.
func (n *Notices) Compose(ev domain.MembershipChange, self domain.Identity) []string {
	tpl := n.templates.forAction(ev.Action)
	if tpl == "" || !ev.GroupID.IsGroup() {
		return nil
	}
	out := make([]string, 0, len(ev.Identities))
	for _, id := range ev.Identities {
		user := id.User()
		if user == "" || user == self.User() {
			continue
		}
		r := strings.NewReplacer("{user}", user, "{group}", string(ev.GroupID))
		out = append(out, r.Replace(tpl))
	}
	return out
}

// Announce отправляет уведомления события в группу по одному на участника.
func (n *Notices) Announce(ctx context.Context, ev domain.MembershipChange, self domain.Identity) error {
	var errs []error
	for _, text := range n.Compose(ev, self) {
		if err := n.sender.Send(ctx, ev.GroupID, text); err != nil {
			n.metrics.NoticesFailed.Inc()
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		n.logger.Warn("membership notice failed",
			zap.String("group", string(ev.GroupID)), zap.String("action", string(ev.Action)), zap.Error(err))
		return err
	}
	return nil
}
