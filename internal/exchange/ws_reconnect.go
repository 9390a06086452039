package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"riskengine/pkg/utils"
)

// WSReconnectConfig - параметры переподключения
type WSReconnectConfig struct {
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	MaxRetries     int // 0 - бесконечно
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// DefaultWSReconnectConfig: задержки 2s, 4s, 8s, 16s
func DefaultWSReconnectConfig() WSReconnectConfig {
	return WSReconnectConfig{
		InitialDelay:   2 * time.Second,
		MaxDelay:       16 * time.Second,
		MaxRetries:     10,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		PongTimeout:    10 * time.Second,
	}
}

// WSConnectionState состояние WebSocket соединения
type WSConnectionState int32

const (
	WSStateDisconnected WSConnectionState = iota
	WSStateConnecting
	WSStateConnected
	WSStateReconnecting
	WSStateClosed
)

func (s WSConnectionState) String() string {
	switch s {
	case WSStateDisconnected:
		return "disconnected"
	case WSStateConnecting:
		return "connecting"
	case WSStateConnected:
		return "connected"
	case WSStateReconnecting:
		return "reconnecting"
	case WSStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrManagerClosed - менеджер уже закрыт
var ErrManagerClosed = errors.New("websocket manager is closed")

// WSReconnectManager держит одно WebSocket соединение и восстанавливает
// его с exponential backoff. Подписки хранятся по ключу и повторяются
// после каждого переподключения.
type WSReconnectManager struct {
	name   string
	wsURL  string
	config WSReconnectConfig
	logger *zap.Logger

	conn   *websocket.Conn
	connMu sync.RWMutex
	// gorilla допускает только одного писателя
	writeMu sync.Mutex

	state      int32 // WSConnectionState
	retryCount int32

	closeChan chan struct{}
	closeOnce sync.Once

	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func(error)
	callbackMu   sync.RWMutex

	subscriptions   map[string]interface{}
	subscriptionsMu sync.RWMutex
}

// NewWSReconnectManager создаёт менеджер; соединение открывает Connect
func NewWSReconnectManager(name, wsURL string, config WSReconnectConfig, logger *zap.Logger) *WSReconnectManager {
	return &WSReconnectManager{
		name:          name,
		wsURL:         wsURL,
		config:        config,
		logger:        utils.NopIfNil(logger).With(utils.Component("ws"), utils.Exchange(name)),
		closeChan:     make(chan struct{}),
		subscriptions: make(map[string]interface{}),
	}
}

// SetOnMessage устанавливает обработчик входящих сообщений
func (m *WSReconnectManager) SetOnMessage(handler func([]byte)) {
	m.callbackMu.Lock()
	m.onMessage = handler
	m.callbackMu.Unlock()
}

// SetOnConnect вызывается после каждого (пере)подключения
func (m *WSReconnectManager) SetOnConnect(handler func()) {
	m.callbackMu.Lock()
	m.onConnect = handler
	m.callbackMu.Unlock()
}

// SetOnDisconnect вызывается при разрыве соединения
func (m *WSReconnectManager) SetOnDisconnect(handler func(error)) {
	m.callbackMu.Lock()
	m.onDisconnect = handler
	m.callbackMu.Unlock()
}

// SetSubscription запоминает сообщение подписки под ключом
func (m *WSReconnectManager) SetSubscription(key string, msg interface{}) {
	m.subscriptionsMu.Lock()
	m.subscriptions[key] = msg
	m.subscriptionsMu.Unlock()
}

// RemoveSubscription забывает подписку
func (m *WSReconnectManager) RemoveSubscription(key string) {
	m.subscriptionsMu.Lock()
	delete(m.subscriptions, key)
	m.subscriptionsMu.Unlock()
}

// Subscriptions - ключи сохранённых подписок
func (m *WSReconnectManager) Subscriptions() []string {
	m.subscriptionsMu.RLock()
	defer m.subscriptionsMu.RUnlock()
	keys := make([]string, 0, len(m.subscriptions))
	for k := range m.subscriptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// State возвращает текущее состояние соединения
func (m *WSReconnectManager) State() WSConnectionState {
	return WSConnectionState(atomic.LoadInt32(&m.state))
}

// IsConnected - соединение установлено
func (m *WSReconnectManager) IsConnected() bool {
	return m.State() == WSStateConnected
}

// RetryCount - текущее число попыток переподключения
func (m *WSReconnectManager) RetryCount() int {
	return int(atomic.LoadInt32(&m.retryCount))
}

func (m *WSReconnectManager) closed() bool {
	select {
	case <-m.closeChan:
		return true
	default:
		return false
	}
}

// Connect открывает соединение и запускает чтение и ping
func (m *WSReconnectManager) Connect() error {
	if m.closed() {
		return ErrManagerClosed
	}

	atomic.StoreInt32(&m.state, int32(WSStateConnecting))
	conn, err := m.dial()
	if err != nil {
		atomic.StoreInt32(&m.state, int32(WSStateDisconnected))
		return err
	}
	m.connected(conn)
	return nil
}

// dial подключается и восстанавливает подписки
func (m *WSReconnectManager) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: m.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, m.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.wsURL, err)
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	if err := m.resubscribe(conn); err != nil {
		// подписки восстановятся при следующем переподключении
		m.logger.Warn("resubscribe failed", zap.Error(err))
	}
	return conn, nil
}

func (m *WSReconnectManager) connected(conn *websocket.Conn) {
	atomic.StoreInt32(&m.state, int32(WSStateConnected))
	atomic.StoreInt32(&m.retryCount, 0)

	m.callbackMu.RLock()
	onConnect := m.onConnect
	m.callbackMu.RUnlock()
	if onConnect != nil {
		onConnect()
	}

	go m.readPump(conn)
	go m.pingPump(conn)

	m.logger.Info("websocket connected", zap.String("url", m.wsURL))
}

func (m *WSReconnectManager) resubscribe(conn *websocket.Conn) error {
	m.subscriptionsMu.RLock()
	keys := make([]string, 0, len(m.subscriptions))
	for k := range m.subscriptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	subs := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		subs = append(subs, m.subscriptions[k])
	}
	m.subscriptionsMu.RUnlock()

	for _, sub := range subs {
		if err := m.write(conn, sub); err != nil {
			return err
		}
	}
	if len(subs) > 0 {
		m.logger.Info("resubscribed", zap.Int("channels", len(subs)))
	}
	return nil
}

func (m *WSReconnectManager) write(conn *websocket.Conn, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode ws message: %w", err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.config.PongTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *WSReconnectManager) current() *websocket.Conn {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.conn
}

// readPump читает сообщения, пока соединение живо
func (m *WSReconnectManager) readPump(conn *websocket.Conn) {
	readTimeout := m.config.PingInterval + m.config.PongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if m.current() == conn {
				m.handleDisconnect(err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		m.callbackMu.RLock()
		onMessage := m.onMessage
		m.callbackMu.RUnlock()
		if onMessage != nil {
			onMessage(message)
		}
	}
}

// pingPump шлёт ping; завершается вместе со своим соединением
func (m *WSReconnectManager) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeChan:
			return
		case <-ticker.C:
			if m.current() != conn {
				return
			}
			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.config.PongTimeout))
			m.writeMu.Unlock()
			if err != nil {
				m.logger.Warn("ping failed", zap.Error(err))
				m.handleDisconnect(err)
				return
			}
		}
	}
}

// handleDisconnect закрывает соединение и запускает переподключение.
// Срабатывает один раз на соединение.
func (m *WSReconnectManager) handleDisconnect(err error) {
	if m.closed() {
		return
	}
	if !atomic.CompareAndSwapInt32(&m.state, int32(WSStateConnected), int32(WSStateReconnecting)) {
		return
	}

	m.connMu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.connMu.Unlock()

	m.callbackMu.RLock()
	onDisconnect := m.onDisconnect
	m.callbackMu.RUnlock()
	if onDisconnect != nil {
		onDisconnect(err)
	}

	m.logger.Warn("websocket disconnected", zap.Error(err))
	go m.reconnectLoop()
}

// reconnectLoop переподключается с exponential backoff
func (m *WSReconnectManager) reconnectLoop() {
	delay := m.config.InitialDelay

	for {
		if m.closed() {
			return
		}

		attempt := atomic.AddInt32(&m.retryCount, 1)
		if m.config.MaxRetries > 0 && int(attempt) > m.config.MaxRetries {
			m.logger.Error("max reconnect attempts reached", zap.Int("max_retries", m.config.MaxRetries))
			atomic.StoreInt32(&m.state, int32(WSStateDisconnected))
			return
		}

		m.logger.Info("reconnecting",
			zap.Duration("delay", delay),
			zap.Int32("attempt", attempt),
		)

		timer := time.NewTimer(delay)
		select {
		case <-m.closeChan:
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := m.dial()
		if err != nil {
			m.logger.Warn("reconnect failed", zap.Error(err))
			delay *= 2
			if delay > m.config.MaxDelay {
				delay = m.config.MaxDelay
			}
			continue
		}

		m.connected(conn)
		return
	}
}

// Send отправляет сообщение в текущее соединение
func (m *WSReconnectManager) Send(msg interface{}) error {
	if !m.IsConnected() {
		return fmt.Errorf("%s: not connected (state: %s)", m.name, m.State())
	}
	conn := m.current()
	if conn == nil {
		return fmt.Errorf("%s: no connection", m.name)
	}
	return m.write(conn, msg)
}

// Close закрывает соединение и останавливает переподключение
func (m *WSReconnectManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closeChan)
		atomic.StoreInt32(&m.state, int32(WSStateClosed))

		m.connMu.Lock()
		if m.conn != nil {
			err = m.conn.Close()
			m.conn = nil
		}
		m.connMu.Unlock()
	})
	return err
}
