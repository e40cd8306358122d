package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crossarb/pkg/retry"
	"crossarb/pkg/utils"
)

// WSConfig конфигурация WebSocket соединения площадки
type WSConfig struct {
	Venue   string
	Channel string // ChannelPublic / ChannelPrivate
	URL     string

	// Таймаут подключения и аутентификации
	ConnectTimeout time.Duration
	// Интервал ping (0 = не отправлять)
	PingInterval time.Duration
	// Сколько ждать любого входящего сообщения сверх PingInterval
	ReadTimeout time.Duration
	// Задержки переподключения
	Backoff retry.Config
	// Ping прикладного уровня; nil = управляющий фрейм websocket.PingMessage
	Ping func() (int, []byte)
}

// DefaultWSConfig возвращает конфигурацию по умолчанию
func DefaultWSConfig(venue, channel, url string) WSConfig {
	return WSConfig{
		Venue:          venue,
		Channel:        channel,
		URL:            url,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		ReadTimeout:    10 * time.Second,
		Backoff:        retry.ReconnectConfig(),
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

var errWSClosed = errors.New("websocket closed")

// WSConn - WebSocket соединение с автоматическим переподключением
//
// После разрыва соединение восстанавливается с растущей задержкой,
// затем повторяются аутентификация и все подписки.
// Горутины чтения и ping привязаны к конкретному *websocket.Conn и
// завершаются при его замене. Запись сериализуется writeMu:
// gorilla/websocket допускает только одного писателя.
type WSConn struct {
	cfg WSConfig
	log *utils.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	state   int32 // atomic WSConnectionState
	backoff *retry.Backoff

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	onMessage func([]byte)
	onState   func(ConnectionEvent)
	authFunc  func(*websocket.Conn) error

	subscriptions   []interface{}
	subscriptionsMu sync.RWMutex
}

// NewWSConn создаёт соединение. Обработчики задаются до Connect.
func NewWSConn(cfg WSConfig, logger *utils.Logger) *WSConn {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = utils.L()
	}
	return &WSConn{
		cfg:     cfg,
		log:     logger.WithVenue(cfg.Venue).With(zap.String("channel", cfg.Channel)),
		backoff: retry.NewBackoff(cfg.Backoff),
		closeCh: make(chan struct{}),
	}
}

// SetOnMessage устанавливает обработчик входящих сообщений
func (m *WSConn) SetOnMessage(handler func([]byte)) {
	m.onMessage = handler
}

// SetOnState устанавливает обработчик событий подключения
func (m *WSConn) SetOnState(handler func(ConnectionEvent)) {
	m.onState = handler
}

// SetAuthFunc устанавливает аутентификацию приватного канала.
// Вызывается на каждом новом соединении до подписок.
func (m *WSConn) SetAuthFunc(authFunc func(*websocket.Conn) error) {
	m.authFunc = authFunc
}

// Subscribe отправляет подписку и запоминает её для переподключений
func (m *WSConn) Subscribe(sub interface{}) error {
	m.subscriptionsMu.Lock()
	m.subscriptions = append(m.subscriptions, sub)
	m.subscriptionsMu.Unlock()

	if !m.IsConnected() {
		return nil
	}
	return m.SendJSON(sub)
}

// State возвращает текущее состояние соединения
func (m *WSConn) State() WSConnectionState {
	return WSConnectionState(atomic.LoadInt32(&m.state))
}

// IsConnected проверяет, установлено ли соединение
func (m *WSConn) IsConnected() bool {
	return m.State() == WSStateConnected
}

// Connect устанавливает первое соединение.
// Ошибка первичного подключения возвращается вызывающему, переподключение не запускается.
func (m *WSConn) Connect(ctx context.Context) error {
	if m.isClosed() {
		return errWSClosed
	}

	atomic.StoreInt32(&m.state, int32(WSStateConnecting))

	conn, err := m.dial(ctx)
	if err != nil {
		atomic.StoreInt32(&m.state, int32(WSStateDisconnected))
		m.emit(false, 0, 0, err)
		return err
	}

	m.attach(conn)
	m.emit(true, 0, 0, nil)
	m.log.Info("websocket connected", zap.String("url", m.cfg.URL))
	return nil
}

// dial подключается, аутентифицируется и восстанавливает подписки
func (m *WSConn) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if m.authFunc != nil {
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ConnectTimeout))
		if err := m.authFunc(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	m.subscriptionsMu.RLock()
	subs := make([]interface{}, len(m.subscriptions))
	copy(subs, m.subscriptions)
	m.subscriptionsMu.RUnlock()

	for _, sub := range subs {
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return nil, fmt.Errorf("resubscribe: %w", err)
		}
	}
	if len(subs) > 0 {
		m.log.Debug("subscriptions restored", zap.Int("count", len(subs)))
	}

	return conn, nil
}

// attach делает conn текущим соединением и запускает его горутины
func (m *WSConn) attach(conn *websocket.Conn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	deadline := m.cfg.PingInterval + m.cfg.ReadTimeout
	if m.cfg.PingInterval <= 0 {
		deadline = 0
	}
	if deadline > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	atomic.StoreInt32(&m.state, int32(WSStateConnected))
	m.backoff.Reset()

	done := make(chan struct{})
	m.wg.Add(2)
	go m.readPump(conn, deadline, done)
	go m.pingPump(conn, done)
}

// readPump читает сообщения conn до ошибки
func (m *WSConn) readPump(conn *websocket.Conn, deadline time.Duration, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, err)
			return
		}
		if deadline > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(deadline))
		}
		if m.onMessage != nil {
			m.onMessage(message)
		}
	}
}

// pingPump поддерживает соединение conn живым
func (m *WSConn) pingPump(conn *websocket.Conn, done chan struct{}) {
	defer m.wg.Done()

	if m.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeCh:
			return
		case <-done:
			return
		case <-ticker.C:
			msgType, payload := websocket.PingMessage, []byte(nil)
			if m.cfg.Ping != nil {
				msgType, payload = m.cfg.Ping()
			}
			if err := m.write(conn, msgType, payload); err != nil {
				m.log.Warn("ping failed", zap.Error(err))
				m.handleDisconnect(conn, err)
				return
			}
		}
	}
}

// handleDisconnect обрабатывает разрыв. Устаревшие conn игнорируются.
func (m *WSConn) handleDisconnect(conn *websocket.Conn, err error) {
	m.connMu.Lock()
	if m.conn != conn {
		m.connMu.Unlock()
		return
	}
	m.conn = nil
	m.connMu.Unlock()
	conn.Close()

	if m.isClosed() {
		return
	}

	atomic.StoreInt32(&m.state, int32(WSStateReconnecting))
	m.log.Warn("websocket disconnected", zap.Error(err))
	m.emit(false, 0, 0, err)

	m.wg.Add(1)
	go m.reconnectLoop()
}

// reconnectLoop переподключается до успеха, исчерпания попыток или Close
func (m *WSConn) reconnectLoop() {
	defer m.wg.Done()

	for {
		if m.backoff.Exhausted() {
			m.log.Error("reconnect attempts exhausted", zap.Int("attempts", m.backoff.Attempts()))
			atomic.StoreInt32(&m.state, int32(WSStateDisconnected))
			return
		}

		attempt, delay := m.backoff.Next()
		m.log.Info("reconnecting", zap.Int("attempt", attempt), utils.Dur("delay", delay))
		m.emit(false, attempt, delay, nil)

		select {
		case <-m.closeCh:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-m.closeCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, err := m.dial(ctx)
		cancel()
		if err != nil {
			m.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if m.isClosed() {
			conn.Close()
			return
		}

		m.attach(conn)
		m.emit(true, attempt, 0, nil)
		m.log.Info("websocket reconnected", zap.Int("attempt", attempt))
		return
	}
}

// SendJSON отправляет JSON сообщение в текущее соединение
func (m *WSConn) SendJSON(msg interface{}) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return m.Send(websocket.TextMessage, payload)
}

// Send отправляет сообщение в текущее соединение
func (m *WSConn) Send(msgType int, payload []byte) error {
	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()

	if conn == nil || !m.IsConnected() {
		return fmt.Errorf("not connected (state: %s)", m.State())
	}
	return m.write(conn, msgType, payload)
}

func (m *WSConn) write(conn *websocket.Conn, msgType int, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.ReadTimeout))
	return conn.WriteMessage(msgType, payload)
}

// Close закрывает соединение и останавливает переподключение
func (m *WSConn) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closeCh)
		atomic.StoreInt32(&m.state, int32(WSStateClosed))

		m.connMu.Lock()
		conn := m.conn
		m.conn = nil
		m.connMu.Unlock()

		if conn != nil {
			m.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			m.writeMu.Unlock()
			err = conn.Close()
		}
		m.wg.Wait()
	})
	return err
}

func (m *WSConn) isClosed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *WSConn) emit(connected bool, attempt int, delay time.Duration, err error) {
	if m.onState == nil {
		return
	}
	m.onState(ConnectionEvent{
		Venue:     m.cfg.Venue,
		Channel:   m.cfg.Channel,
		Connected: connected,
		Attempt:   attempt,
		Delay:     delay,
		Err:       err,
		Timestamp: time.Now(),
	})
}
