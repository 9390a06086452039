package exchange

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SupportedExchanges - типы бирж, для которых есть адаптер
var SupportedExchanges = []string{
	"bybit",
}

// Options - параметры создания адаптера
type Options struct {
	Kind      string // тип адаптера, см. SupportedExchanges
	Name      string // идентификатор в движке, по умолчанию Kind
	APIKey    string
	APISecret string
	BaseURL   string
	WSURL     string
	Category  string
}

// New создаёт адаптер биржи по типу. Неизвестный тип - ErrUnsupported.
func New(opts Options, logger *zap.Logger) (Exchange, error) {
	kind := strings.ToLower(strings.TrimSpace(opts.Kind))
	name := opts.Name
	if name == "" {
		name = kind
	}

	switch kind {
	case "bybit":
		return NewBybit(BybitConfig{
			Name:      name,
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
			WSURL:     opts.WSURL,
			Category:  opts.Category,
		}, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, opts.Kind)
	}
}

// IsSupported проверяет, есть ли адаптер для типа биржи
func IsSupported(kind string) bool {
	kind = strings.ToLower(strings.TrimSpace(kind))
	for _, supported := range SupportedExchanges {
		if kind == supported {
			return true
		}
	}
	return false
}
