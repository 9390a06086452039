package websocket

import (
	"time"

	"github.com/shopspring/decimal"

	"riskengine/internal/models"
	"riskengine/internal/risk"
)

// MessageType - тип сообщения в потоке /ws
type MessageType string

const (
	MessageTypeNotification  MessageType = "notification"
	MessageTypeAlert         MessageType = "alert"
	MessageTypeBalanceUpdate MessageType = "balanceUpdate"
	MessageTypeRiskState     MessageType = "riskState"
)

// BaseMessage - общие поля всех сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"` // unix ms
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().UnixMilli()}
}

// NotificationMessage - торговое событие (OPEN, CLOSE, SL, ERROR ...)
type NotificationMessage struct {
	BaseMessage
	Data *models.Notification `json:"data"`
}

// AlertMessage - новый алерт риск-монитора
type AlertMessage struct {
	BaseMessage
	Data models.Alert `json:"data"`
}

// BalanceUpdateMessage - баланс в котируемой валюте на одной бирже
type BalanceUpdateMessage struct {
	BaseMessage
	Exchange string          `json:"exchange"`
	Balance  decimal.Decimal `json:"balance"`
}

// RiskStateMessage - снимок состояния риск-монитора
type RiskStateMessage struct {
	BaseMessage
	Data risk.RiskState `json:"data"`
}

func NewNotificationMessage(n *models.Notification) *NotificationMessage {
	return &NotificationMessage{BaseMessage: newBase(MessageTypeNotification), Data: n}
}

func NewAlertMessage(a models.Alert) *AlertMessage {
	return &AlertMessage{BaseMessage: newBase(MessageTypeAlert), Data: a}
}

func NewBalanceUpdateMessage(exchange string, balance decimal.Decimal) *BalanceUpdateMessage {
	return &BalanceUpdateMessage{
		BaseMessage: newBase(MessageTypeBalanceUpdate),
		Exchange:    exchange,
		Balance:     balance,
	}
}

func NewRiskStateMessage(state risk.RiskState) *RiskStateMessage {
	return &RiskStateMessage{BaseMessage: newBase(MessageTypeRiskState), Data: state}
}
