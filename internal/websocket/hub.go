package websocket

import (
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"crossarb/internal/bot"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const broadcastBufferSize = 1024

// Hub управляет всеми активными WebSocket соединениями
//
// Назначение:
// Центральный менеджер для broadcast сообщений всем подключенным клиентам.
// Оператор видит состояние движка без polling REST API.
//
// Функции:
// - Регистрация и отмена регистрации клиентов
// - Broadcast сообщений всем активным клиентам
// - Отключение медленных клиентов
// - Broadcast никогда не блокирует движок: при переполнении сообщение теряется
//
// Типы сообщений: status, trade, notification, stats (см. messages.go)
//
// Использование:
// 1. Создать hub: hub := NewHub(allowedOrigins)
// 2. Запустить в горутине: go hub.Run()
// 3. Передать движку: bot.Options{Hub: hub}
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	// Broadcast канал для отправки сообщений всем клиентам
	broadcast chan []byte

	register   chan *Client
	unregister chan *Client

	// Mutex для потокобезопасного доступа к clients
	mu sync.RWMutex

	clientCount atomic.Int32
	dropped     atomic.Int64

	origins *OriginChecker
	log     *utils.Logger

	done     chan struct{}
	stopOnce sync.Once
}

var _ bot.WebSocketHub = (*Hub)(nil)

// NewHub создает новый Hub; пустой список origin разрешает все
func NewHub(allowedOrigins ...string) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		origins:    NewOriginChecker(allowedOrigins),
		log:        utils.L().WithComponent("websocket"),
		done:       make(chan struct{}),
	}
}

// Run запускает главный цикл Hub до вызова Stop
//
// Список клиентов копируется под RLock, отправка идёт без блокировки,
// медленные клиенты удаляются под Write Lock.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			n := h.clientCount.Add(1)
			h.log.Debug("client connected", zap.Int32("clients", n))

		case client := <-h.unregister:
			if h.remove(client) {
				h.log.Debug("client disconnected", zap.Int32("clients", h.clientCount.Load()))
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var slow []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}

			for _, client := range slow {
				h.remove(client)
			}
			if len(slow) > 0 {
				h.log.Warn("removed slow clients",
					zap.Int("removed", len(slow)),
					zap.Int32("clients", h.clientCount.Load()))
			}
		}
	}
}

// remove удаляет клиента и закрывает его канал; false если уже удалён
func (h *Hub) remove(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return false
	}
	delete(h.clients, client)
	close(client.send)
	h.clientCount.Add(-1)
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.clientCount.Store(0)
}

// Stop останавливает Run и закрывает все соединения
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast сериализует сообщение и отправляет всем клиентам
func (h *Hub) Broadcast(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}
	h.BroadcastRaw(data)
}

// BroadcastRaw отправляет уже сериализованное сообщение; не блокирует
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
		bot.RecordBufferOverflow("websocket")
	}
}

// BroadcastStatus отправляет состояние движка
func (h *Hub) BroadcastStatus(status *models.EngineStatus) {
	h.Broadcast(NewStatusMessage(status))
}

// BroadcastTrade отправляет закрытую сделку
func (h *Hub) BroadcastTrade(trade *models.PairedTrade) {
	h.Broadcast(NewTradeMessage(trade))
}

// BroadcastNotification отправляет новое уведомление
func (h *Hub) BroadcastNotification(n *models.Notification) {
	h.Broadcast(NewNotificationMessage(n))
}

// BroadcastStats отправляет статистику сессии
func (h *Hub) BroadcastStats(stats *models.Stats) {
	h.Broadcast(NewStatsMessage(stats))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

// DroppedMessages возвращает число сообщений, потерянных при переполнении
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
