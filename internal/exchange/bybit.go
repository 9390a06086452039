package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	bybitBaseURL    = "https://api.bybit.com"
	bybitWSSpot     = "wss://stream.bybit.com/v5/public/spot"
	bybitRecvWindow = "5000"
	bybitMaxDepth   = 200
	bybitMaxTrades  = 1000
)

// коды Bybit, при которых запрос имеет смысл повторить
var bybitTransientCodes = map[int]bool{
	10000: true, // server error
	10006: true, // too many visits
	10016: true, // internal service error
	10018: true, // ip rate limit
}

// bybitDuplicateOrderCode - повтор orderLinkId
const bybitDuplicateOrderCode = 110072

// BybitConfig - параметры адаптера Bybit v5
type BybitConfig struct {
	Name      string // идентификатор в движке, по умолчанию "bybit"
	APIKey    string
	APISecret string
	BaseURL   string
	WSURL     string
	Category  string // spot | linear
	WS        WSReconnectConfig
	HTTP      *http.Client
}

// Bybit реализует Exchange и TickerFeed для Bybit v5
type Bybit struct {
	cfg    BybitConfig
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	wsMu      sync.Mutex
	ws        *WSReconnectManager
	handlers  map[string]func(models.Ticker) // wire symbol -> handler
	symbols   map[string]string              // wire symbol -> BASE/QUOTE
	lastTicks map[string]models.Ticker
}

// NewBybit создаёт адаптер. Пустые поля конфигурации заполняются по умолчанию.
func NewBybit(cfg BybitConfig, logger *zap.Logger) *Bybit {
	if cfg.Name == "" {
		cfg.Name = "bybit"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = bybitBaseURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = bybitWSSpot
	}
	if cfg.Category == "" {
		cfg.Category = "spot"
	}
	if cfg.WS.InitialDelay == 0 {
		cfg.WS = DefaultWSReconnectConfig()
	}
	client := cfg.HTTP
	if client == nil {
		client = NewHTTPClient(DefaultHTTPClientConfig())
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Bybit{
		cfg:       cfg,
		client:    client,
		logger:    utils.NopIfNil(logger).With(utils.Component("bybit"), utils.Exchange(cfg.Name)),
		now:       time.Now,
		handlers:  make(map[string]func(models.Ticker)),
		symbols:   make(map[string]string),
		lastTicks: make(map[string]models.Ticker),
	}
}

// Name возвращает идентификатор биржи
func (b *Bybit) Name() string {
	return b.cfg.Name
}

// bybitSymbol: "BTC/USDT" -> "BTCUSDT"
func bybitSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func bybitSide(side models.OrderSide) string {
	if side == models.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

func parseBybitSide(s string) models.OrderSide {
	if strings.EqualFold(s, "Sell") {
		return models.OrderSideSell
	}
	return models.OrderSideBuy
}

// parseDecimal: пустая строка - ноль
func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return d, nil
}

// sign - подпись запроса Bybit v5
func (b *Bybit) sign(timestamp, payload string) string {
	message := timestamp + b.cfg.APIKey + bybitRecvWindow + payload
	h := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

type bybitEnvelope struct {
	RetCode int                 `json:"retCode"`
	RetMsg  string              `json:"retMsg"`
	Result  jsoniter.RawMessage `json:"result"`
}

// doRequest выполняет запрос и возвращает поле result
func (b *Bybit) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) (jsoniter.RawMessage, error) {
	var payload string
	reqURL := b.cfg.BaseURL + endpoint

	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		payload = query.Encode()
		if payload != "" {
			reqURL += "?" + payload
		}
	} else if len(params) > 0 {
		body, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		payload = string(body)
	}

	var body io.Reader
	if method != http.MethodGet {
		body = strings.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(b.now().UnixMilli(), 10)
		req.Header.Set("X-BAPI-API-KEY", b.cfg.APIKey)
		req.Header.Set("X-BAPI-SIGN", b.sign(timestamp, payload))
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &ExchangeError{Exchange: b.Name(), Message: "request failed", Original: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ExchangeError{Exchange: b.Name(), Message: "read response", Original: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(b.Name(), resp.StatusCode, string(raw))
	}

	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", b.Name(), err)
	}
	if env.RetCode != 0 {
		exErr := &ExchangeError{
			Exchange:  b.Name(),
			Code:      strconv.Itoa(env.RetCode),
			Message:   env.RetMsg,
			Temporary: bybitTransientCodes[env.RetCode],
		}
		if env.RetCode == bybitDuplicateOrderCode {
			exErr.Original = ErrDuplicateOrder
		}
		return nil, exErr
	}
	return env.Result, nil
}

// GetTicker получает текущие цены
func (b *Bybit) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	params := map[string]string{
		"category": b.cfg.Category,
		"symbol":   bybitSymbol(symbol),
	}
	result, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []bybitTicker `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	if len(resp.List) == 0 {
		return nil, fmt.Errorf("%s: ticker not found for %s", b.Name(), symbol)
	}

	t, err := resp.List[0].toModel(symbol, b.now())
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type bybitTicker struct {
	Symbol    string `json:"symbol"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
	LastPrice string `json:"lastPrice"`
	Volume24h string `json:"volume24h"`
}

func (t bybitTicker) toModel(symbol string, ts time.Time) (models.Ticker, error) {
	bid, err := parseDecimal("bid1Price", t.Bid1Price)
	if err != nil {
		return models.Ticker{}, err
	}
	ask, err := parseDecimal("ask1Price", t.Ask1Price)
	if err != nil {
		return models.Ticker{}, err
	}
	last, err := parseDecimal("lastPrice", t.LastPrice)
	if err != nil {
		return models.Ticker{}, err
	}
	vol, err := parseDecimal("volume24h", t.Volume24h)
	if err != nil {
		return models.Ticker{}, err
	}
	return models.Ticker{Symbol: symbol, Bid: bid, Ask: ask, Last: last, Volume24h: vol, Timestamp: ts}, nil
}

// GetOrderBook получает стакан; bids по убыванию, asks по возрастанию
func (b *Bybit) GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	if depth <= 0 {
		depth = 25
	}
	if depth > bybitMaxDepth {
		depth = bybitMaxDepth
	}

	params := map[string]string{
		"category": b.cfg.Category,
		"symbol":   bybitSymbol(symbol),
		"limit":    strconv.Itoa(depth),
	}
	result, err := b.doRequest(ctx, http.MethodGet, "/v5/market/orderbook", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
		Ts   int64      `json:"ts"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("decode orderbook: %w", err)
	}

	bids, err := parseLevels(resp.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(resp.Asks)
	if err != nil {
		return nil, err
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	ts := b.now()
	if resp.Ts > 0 {
		ts = utils.FromUnixMillis(resp.Ts)
	}
	return &models.OrderBook{Symbol: symbol, Bids: bids, Asks: asks, Timestamp: ts}, nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("malformed orderbook level %v", lvl)
		}
		price, err := parseDecimal("price", lvl[0])
		if err != nil {
			return nil, err
		}
		amount, err := parseDecimal("size", lvl[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, models.PriceLevel{Price: price, Amount: amount})
	}
	return levels, nil
}

// GetRecentTrades возвращает сделки от старых к новым
func (b *Bybit) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	if limit <= 0 || limit > bybitMaxTrades {
		limit = bybitMaxTrades
	}
	params := map[string]string{
		"category": b.cfg.Category,
		"symbol":   bybitSymbol(symbol),
		"limit":    strconv.Itoa(limit),
	}
	result, err := b.doRequest(ctx, http.MethodGet, "/v5/market/recent-trade", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
			Side  string `json:"side"`
			Time  string `json:"time"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}

	trades := make([]models.Trade, 0, len(resp.List))
	// Bybit отдаёт новые первыми
	for i := len(resp.List) - 1; i >= 0; i-- {
		t := resp.List[i]
		price, err := parseDecimal("price", t.Price)
		if err != nil {
			return nil, err
		}
		size, err := parseDecimal("size", t.Size)
		if err != nil {
			return nil, err
		}
		ms, _ := strconv.ParseInt(t.Time, 10, 64)
		trades = append(trades, models.Trade{
			Symbol:    symbol,
			Price:     price,
			Amount:    size,
			Side:      parseBybitSide(t.Side),
			Timestamp: utils.FromUnixMillis(ms),
		})
	}
	return trades, nil
}

// CreateOrder размещает ордер и подтягивает данные об исполнении
func (b *Bybit) CreateOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	orderType := req.Type
	if orderType == "" {
		orderType = models.OrderTypeMarket
	}

	params := map[string]string{
		"category":  b.cfg.Category,
		"symbol":    bybitSymbol(req.Symbol),
		"side":      bybitSide(req.Side),
		"orderType": "Market",
		"qty":       req.Amount.String(),
	}
	if orderType == models.OrderTypeLimit {
		params["orderType"] = "Limit"
		params["price"] = req.Price.String()
		params["timeInForce"] = "GTC"
	} else {
		params["timeInForce"] = "IOC"
	}
	if req.ClientID != "" {
		params["orderLinkId"] = req.ClientID
	}

	result, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}

	order := &models.Order{
		ID:        resp.OrderID,
		Exchange:  b.Name(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      orderType,
		Amount:    req.Amount,
		Status:    models.OrderStatusNew,
		CreatedAt: b.now(),
	}

	if err := b.fillExecution(ctx, order); err != nil {
		// ордер уже на бирже: не теряем его из-за ошибки запроса статуса
		b.logger.Warn("order status unavailable",
			utils.OrderID(order.ID), utils.Symbol(req.Symbol), zap.Error(err))
	}
	return order, nil
}

// fillExecution дополняет ордер данными исполнения из /v5/order/realtime
func (b *Bybit) fillExecution(ctx context.Context, order *models.Order) error {
	params := map[string]string{
		"category": b.cfg.Category,
		"symbol":   bybitSymbol(order.Symbol),
		"orderId":  order.ID,
	}
	result, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", params, true)
	if err != nil {
		return err
	}

	var resp struct {
		List []struct {
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			CumExecFee  string `json:"cumExecFee"`
			OrderStatus string `json:"orderStatus"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("decode order status: %w", err)
	}
	if len(resp.List) == 0 {
		return fmt.Errorf("order %s not found", order.ID)
	}

	o := resp.List[0]
	if order.Filled, err = parseDecimal("cumExecQty", o.CumExecQty); err != nil {
		return err
	}
	if order.AvgPrice, err = parseDecimal("avgPrice", o.AvgPrice); err != nil {
		return err
	}
	if order.Fee, err = parseDecimal("cumExecFee", o.CumExecFee); err != nil {
		return err
	}
	order.Status = bybitOrderStatus(o.OrderStatus)
	return nil
}

func bybitOrderStatus(s string) string {
	switch s {
	case "Filled":
		return models.OrderStatusFilled
	case "PartiallyFilled", "PartiallyFilledCanceled":
		return models.OrderStatusPartial
	case "Cancelled", "Deactivated":
		return models.OrderStatusCancelled
	case "Rejected":
		return models.OrderStatusRejected
	default:
		return models.OrderStatusNew
	}
}

// CancelOrder отменяет ордер
func (b *Bybit) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{
		"category": b.cfg.Category,
		"symbol":   bybitSymbol(symbol),
		"orderId":  orderID,
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel", params, true)
	return err
}

// GetBalance возвращает баланс монеты единого аккаунта
func (b *Bybit) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	if currency == "" {
		currency = DefaultCurrency
	}
	currency = strings.ToUpper(currency)

	params := map[string]string{
		"accountType": "UNIFIED",
		"coin":        currency,
	}
	result, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, true)
	if err != nil {
		return decimal.Zero, err
	}

	var resp struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("decode balance: %w", err)
	}

	for _, acc := range resp.List {
		for _, c := range acc.Coin {
			if strings.EqualFold(c.Coin, currency) {
				return parseDecimal("walletBalance", c.WalletBalance)
			}
		}
	}
	return decimal.Zero, nil
}

// ============================================================
// Поток тикеров
// ============================================================

// SubscribeTicker подписывает обработчик на тикеры символа
func (b *Bybit) SubscribeTicker(symbol string, handler func(models.Ticker)) error {
	wire := bybitSymbol(symbol)

	b.wsMu.Lock()
	defer b.wsMu.Unlock()

	b.handlers[wire] = handler
	b.symbols[wire] = symbol

	if b.ws == nil {
		b.ws = NewWSReconnectManager(b.Name(), b.cfg.WSURL, b.cfg.WS, b.logger)
		b.ws.SetOnMessage(b.handlePublicMessage)
		b.ws.SetSubscription(wire, bybitTopicMsg("subscribe", wire))
		// Connect сам отправит сохранённые подписки
		if err := b.ws.Connect(); err != nil {
			b.ws = nil
			delete(b.handlers, wire)
			delete(b.symbols, wire)
			return fmt.Errorf("connect ticker stream: %w", err)
		}
		return nil
	}

	msg := bybitTopicMsg("subscribe", wire)
	b.ws.SetSubscription(wire, msg)
	if b.ws.IsConnected() {
		return b.ws.Send(msg)
	}
	return nil
}

// Unsubscribe отписывает символ
func (b *Bybit) Unsubscribe(symbol string) error {
	wire := bybitSymbol(symbol)

	b.wsMu.Lock()
	defer b.wsMu.Unlock()

	delete(b.handlers, wire)
	delete(b.symbols, wire)
	delete(b.lastTicks, wire)
	if b.ws == nil {
		return nil
	}
	b.ws.RemoveSubscription(wire)
	if b.ws.IsConnected() {
		return b.ws.Send(bybitTopicMsg("unsubscribe", wire))
	}
	return nil
}

func bybitTopicMsg(op, wire string) map[string]interface{} {
	return map[string]interface{}{
		"op":   op,
		"args": []string{"tickers." + wire},
	}
}

// handlePublicMessage разбирает snapshot/delta тикера. Delta содержит
// только изменившиеся поля и накладывается на последний снимок.
func (b *Bybit) handlePublicMessage(message []byte) {
	var msg struct {
		Topic string      `json:"topic"`
		Ts    int64       `json:"ts"`
		Data  bybitTicker `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		b.logger.Debug("skip ws message", zap.Error(err))
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") {
		return
	}
	wire := strings.TrimPrefix(msg.Topic, "tickers.")

	b.wsMu.Lock()
	handler, ok := b.handlers[wire]
	symbol := b.symbols[wire]
	if !ok || handler == nil {
		b.wsMu.Unlock()
		return
	}

	ts := b.now()
	if msg.Ts > 0 {
		ts = utils.FromUnixMillis(msg.Ts)
	}
	update, err := msg.Data.toModel(symbol, ts)
	if err != nil {
		b.wsMu.Unlock()
		b.logger.Warn("malformed ticker", utils.Symbol(symbol), zap.Error(err))
		return
	}

	tick := b.lastTicks[wire]
	tick.Symbol = symbol
	tick.Timestamp = ts
	if msg.Data.Bid1Price != "" {
		tick.Bid = update.Bid
	}
	if msg.Data.Ask1Price != "" {
		tick.Ask = update.Ask
	}
	if msg.Data.LastPrice != "" {
		tick.Last = update.Last
	}
	if msg.Data.Volume24h != "" {
		tick.Volume24h = update.Volume24h
	}
	b.lastTicks[wire] = tick
	b.wsMu.Unlock()

	handler(tick)
}

// Close закрывает поток и простаивающие HTTP соединения
func (b *Bybit) Close() error {
	b.wsMu.Lock()
	ws := b.ws
	b.ws = nil
	b.wsMu.Unlock()

	closeIdle(b.client)
	if ws != nil {
		return ws.Close()
	}
	return nil
}
