package moderation

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/metrics"
)

type sent struct {
	to   domain.Identity
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeSender) Send(_ context.Context, to domain.Identity, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{to, text})
	return nil
}

type elevatedSet map[domain.Identity]bool

func (e elevatedSet) IsElevated(id domain.Identity) bool { return e[id] }

func TestSuspicious(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want bool
	}{
		{"hello there", false},
		{"see https://github.com/xela07ax", false},
		{"docs at www.example.com/start", false},
		{"free stuff bit.ly/abc", true},
		{"https://tinyurl.com/x1", true},
		{"go to http://192.168.1.10/login", true},
		{"tiny a.io link", true},
		{"join chat.whatsapp.com/invite", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Suspicious(tt.text, nil), tt.text)
	}
}

func TestSuspiciousRespectsAllowList(t *testing.T) {
	t.Parallel()

	assert.False(t, Suspicious("https://bit.ly/team", []string{"bit.ly"}))
	assert.True(t, Suspicious("https://bit.ly/team", []string{"example.com"}))
}

func TestInterceptOnlyInEnabledGroups(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	m := metrics.NewMetrics(nil)
	watched := domain.Identity("1@g.us")
	other := domain.Identity("2@g.us")
	g := NewLinkGuard(Config{Groups: []string{string(watched)}, Warning: DefaultWarning},
		s, elevatedSet{"9@s.whatsapp.net": true}, m, zap.NewNop())
	ctx := context.Background()

	msg := domain.InboundMessage{Sender: "5@s.whatsapp.net", Group: &watched, Text: "win bit.ly/x"}
	assert.True(t, g.Intercept(ctx, msg))

	msg.Group = &other
	assert.False(t, g.Intercept(ctx, msg))

	msg.Group = nil
	assert.False(t, g.Intercept(ctx, msg), "direct messages are not moderated")

	msg.Group = &watched
	msg.Sender = "9@s.whatsapp.net"
	assert.False(t, g.Intercept(ctx, msg), "elevated senders pass")

	require.Len(t, s.msgs, 1)
	assert.Equal(t, watched, s.msgs[0].to)
	assert.Equal(t, DefaultWarning, s.msgs[0].text)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LinksFlagged))
}

func TestToggleOverridesConfig(t *testing.T) {
	t.Parallel()

	g := NewLinkGuard(Config{Groups: []string{AllGroups}}, &fakeSender{}, nil, metrics.NewMetrics(nil), zap.NewNop())
	gid := domain.Identity("1@g.us")

	assert.True(t, g.Enabled(gid))
	g.Set(gid, false)
	assert.False(t, g.Enabled(gid))
	assert.True(t, g.Enabled("3@g.us"))
}
