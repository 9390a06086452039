package websocket

import (
	"context"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskengine/internal/models"
	"riskengine/internal/risk"
	"riskengine/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const broadcastBufferSize = 256

var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskengine",
		Subsystem: "websocket",
		Name:      "clients",
		Help:      "Number of connected websocket clients",
	})

	droppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "websocket",
		Name:      "dropped_messages_total",
		Help:      "Messages dropped because the hub or a client was too slow",
	}, []string{"reason"})
)

// Hub рассылает события движка всем подключенным клиентам.
//
// Типы сообщений:
// - notification: торговое событие
// - alert: алерт риск-монитора
// - balanceUpdate: баланс биржи
// - riskState: снимок риск-монитора
//
// Broadcast* никогда не блокируют вызывающего: при переполнении
// очереди сообщение отбрасывается, медленный клиент отключается.
//
// Использование:
//
//	hub := NewHub(logger, origins)
//	go hub.Run(ctx)
//	router.HandleFunc("/ws", hub.ServeWS)
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	done     chan struct{}
	stopOnce sync.Once

	origins *OriginChecker
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewHub создаёт hub. Пустой список origins разрешает любой Origin.
func NewHub(logger *zap.Logger, allowedOrigins []string) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		origins:    NewOriginChecker(allowedOrigins),
		logger:     utils.NopIfNil(logger).With(utils.Component("websocket")),
	}
}

// Run - главный цикл hub. Возвращается по отмене ctx или Stop,
// закрывая каналы всех клиентов.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return

		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			connectedClients.Set(float64(total))
			h.logger.Debug("client connected", zap.Int("total", total))

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

// fanOut копирует список клиентов под RLock и пишет без блокировки;
// клиенты с переполненным буфером удаляются.
func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			droppedMessages.WithLabelValues("slow_client").Inc()
			h.logger.Warn("removing slow client")
			h.remove(client)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		connectedClients.Set(float64(total))
		h.logger.Debug("client disconnected", zap.Int("total", total))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	connectedClients.Set(0)
}

// Stop останавливает Run. Повторные вызовы безопасны.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast сериализует сообщение и ставит его в очередь рассылки
func (h *Hub) Broadcast(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("marshal broadcast message", zap.Error(err))
		return
	}
	h.BroadcastRaw(data)
}

// BroadcastRaw ставит уже сериализованные данные в очередь рассылки
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
		droppedMessages.WithLabelValues("hub_full").Inc()
	}
}

func (h *Hub) BroadcastNotification(n *models.Notification) {
	if n == nil {
		return
	}
	h.Broadcast(NewNotificationMessage(n))
}

func (h *Hub) BroadcastAlert(alert models.Alert) {
	h.Broadcast(NewAlertMessage(alert))
}

func (h *Hub) BroadcastBalanceUpdate(exchange string, balance decimal.Decimal) {
	h.Broadcast(NewBalanceUpdateMessage(exchange, balance))
}

func (h *Hub) BroadcastRiskState(state risk.RiskState) {
	h.Broadcast(NewRiskStateMessage(state))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - сколько сообщений отброшено из-за переполненной очереди hub
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
