package bridge

/*
Файл client.go реализует Session Handle поверх WebSocket-моста к мессенджеру.

Мост берет на себя шифрование, рукопожатие и wire-протокол сети; шлюз обменивается с ним
JSON-кадрами:
- исходящие запросы (hello, send, group-metadata, logout) несут uuid и ждут кадр response с тем же id;
- входящие события (state-change, inbound-message, membership-change, credential-update)
  транслируются в единый канал Events(), который переживает переподключения.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/session"
)

// Варианты сигнатуры браузера. "legacy" — прежний клиент, теперь это только настройка.
var browsers = map[string][]string{
	"primary": {"chatgate", "Chrome", "126.0.0.0"},
	"legacy":  {"chatgate", "Safari", "17.0"},
}

// BrowserFor возвращает сигнатуру для варианта сессии (primary по умолчанию).
func BrowserFor(variant string) []string {
	if b, ok := browsers[variant]; ok {
		return b
	}
	return browsers["primary"]
}

const eventBuffer = 256

type request struct {
	Op          string          `json:"op"`
	ID          string          `json:"id"`
	Session     string          `json:"session,omitempty"`
	Browser     []string        `json:"browser,omitempty"`
	Credentials []byte          `json:"credentials,omitempty"`
	Target      domain.Identity `json:"target,omitempty"`
	Text        string          `json:"text,omitempty"`
	GroupID     domain.Identity `json:"group_id,omitempty"`
}

type frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// response
	Error string            `json:"error,omitempty"`
	Self  domain.Identity   `json:"self,omitempty"`
	Group *domain.GroupInfo `json:"group,omitempty"`

	// события
	Phase      domain.Phase             `json:"phase,omitempty"`
	Reason     string                   `json:"reason,omitempty"`
	Message    *domain.InboundMessage   `json:"message,omitempty"`
	Membership *domain.MembershipChange `json:"membership,omitempty"`
	Blob       []byte                   `json:"blob,omitempty"`
}

// Config — параметры клиента моста.
type Config struct {
	URL       string
	SessionID string
	Variant   string
}

// Client — Session Handle, работающий через WebSocket-мост.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	self    domain.Identity
	pending map[string]chan frame

	writeMu sync.Mutex // gorilla допускает только одного писателя

	events    chan domain.Event
	closed    chan struct{}
	closeOnce sync.Once
}

var _ session.Handle = (*Client)(nil)

func NewClient(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		logger:  logger.With(zap.String("mod", "bridge"), zap.String("session", cfg.SessionID)),
		pending: make(map[string]chan frame),
		events:  make(chan domain.Event, eventBuffer),
		closed:  make(chan struct{}),
	}
}

func (c *Client) Events() <-chan domain.Event { return c.events }

func (c *Client) Self() domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Connect открывает WebSocket, проходит hello и запускает читателя событий.
func (c *Client) Connect(ctx context.Context, credentials []byte) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return &domain.ConnectError{Cause: err}
	}

	hello := request{
		Op:          "hello",
		ID:          uuid.New().String(),
		Session:     c.cfg.SessionID,
		Browser:     BrowserFor(c.cfg.Variant),
		Credentials: credentials,
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return &domain.ConnectError{Cause: fmt.Errorf("hello: %w", err)}
	}

	var ack frame
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return &domain.ConnectError{Cause: fmt.Errorf("hello ack: %w", err)}
	}
	if ack.Type != "response" || ack.ID != hello.ID || ack.Error != "" {
		conn.Close()
		return &domain.ConnectError{Cause: fmt.Errorf("hello rejected: %s", ack.Error)}
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.self = ack.Self
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	go c.readLoop(conn)
	c.logger.Info("bridge connected", zap.String("self", string(ack.Self)))
	return nil
}

// Disconnect закрывает текущее соединение без события close: остановка инициирована нами.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.failPendingLocked()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

// Logout просит мост отозвать сессию и закрывает соединение.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.call(ctx, request{Op: "logout"})
	if dErr := c.Disconnect(ctx); err == nil {
		err = dErr
	}
	return err
}

func (c *Client) Send(ctx context.Context, target domain.Identity, text string) error {
	_, err := c.call(ctx, request{Op: "send", Target: target, Text: text})
	return err
}

func (c *Client) GroupMetadata(ctx context.Context, groupID domain.Identity) (domain.GroupInfo, error) {
	resp, err := c.call(ctx, request{Op: "group-metadata", GroupID: groupID})
	if err != nil {
		return domain.GroupInfo{}, err
	}
	if resp.Group == nil {
		return domain.GroupInfo{}, fmt.Errorf("bridge: empty metadata for %s", groupID)
	}
	return *resp.Group, nil
}

// Close окончательно освобождает клиента; после него события больше не выдаются.
func (c *Client) Close() error {
	err := c.Disconnect(context.Background())
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return err
}

// call отправляет запрос и ждет ответ с тем же id.
func (c *Client) call(ctx context.Context, req request) (frame, error) {
	req.ID = uuid.New().String()
	wait := make(chan frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return frame{}, domain.ErrNotConnected
	}
	c.pending[req.ID] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return frame{}, fmt.Errorf("bridge %s: %w", req.Op, err)
	}

	select {
	case resp, ok := <-wait:
		if !ok {
			return frame{}, domain.ErrNotConnected
		}
		if resp.Error != "" {
			return resp, fmt.Errorf("bridge %s: %s", req.Op, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	// closeSent: мост уже сообщил о закрытии этого соединения
	closeSent := false
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.handleReadError(conn, err, closeSent)
			return
		}

		switch f.Type {
		case "response":
			// Отправка под мьютексом: канал либо получает ответ, либо закрывается failPending, но не оба
			c.mu.Lock()
			if wait, ok := c.pending[f.ID]; ok {
				delete(c.pending, f.ID)
				wait <- f
			}
			c.mu.Unlock()
		case string(domain.EventStateChange):
			if f.Phase == domain.PhaseClose {
				closeSent = true
			}
			c.emit(domain.Event{Type: domain.EventStateChange, State: &domain.StateChange{Phase: f.Phase, Reason: f.Reason}})
		case string(domain.EventInboundMessage):
			if f.Message != nil {
				c.emit(domain.Event{Type: domain.EventInboundMessage, Message: f.Message})
			}
		case string(domain.EventMembershipChange):
			if f.Membership != nil {
				c.emit(domain.Event{Type: domain.EventMembershipChange, Membership: f.Membership})
			}
		case string(domain.EventCredentialUpdate):
			c.emit(domain.Event{Type: domain.EventCredentialUpdate, Credentials: &domain.CredentialUpdate{Blob: f.Blob}})
		default:
			c.logger.Debug("unknown bridge frame", zap.String("type", f.Type))
		}
	}
}

func (c *Client) handleReadError(conn *websocket.Conn, err error, closeSent bool) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.failPendingLocked()
	}
	c.mu.Unlock()
	conn.Close()

	if !current {
		return // Disconnect() или новое соединение — событие close не нужно
	}
	if closeSent {
		c.logger.Debug("bridge socket closed after close frame", zap.Error(err))
		return
	}

	reason := "connection-lost"
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Text != "" {
		reason = closeErr.Text
	}
	c.logger.Warn("bridge connection dropped", zap.String("reason", reason), zap.Error(err))
	c.emit(domain.Event{Type: domain.EventStateChange, State: &domain.StateChange{Phase: domain.PhaseClose, Reason: reason}})
}

// failPendingLocked будит всех ожидающих ответа: по закрытому соединению его уже не будет.
func (c *Client) failPendingLocked() {
	for id, wait := range c.pending {
		close(wait)
		delete(c.pending, id)
	}
}

// emit блокируется, пока потребитель не заберет событие: терять state-change нельзя.
func (c *Client) emit(ev domain.Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}
