package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"riskengine/internal/api"
	"riskengine/internal/bot"
	"riskengine/internal/exchange"
	"riskengine/internal/risk"
	"riskengine/pkg/retry"
	"riskengine/pkg/utils"
)

// Config содержит всю конфигурацию движка
type Config struct {
	Server    ServerConfig
	Audit     AuditConfig
	Exchanges []ExchangeConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig

	Strategy  bot.StrategyConfig
	Risk      risk.RiskLimits
	Sizing    risk.SizingConfig
	StopLoss  risk.StopLossConfig
	Liquidity risk.LiquidityConfig
	Engine    EngineConfig

	Logging LoggingConfig
}

// ServerConfig - ops HTTP сервер: health, метрики, снимки состояния, WS
type ServerConfig struct {
	Enabled         bool
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// bcrypt-хэш bearer-токена; пусто - только /health и /metrics
	TokenHash      string
	AllowedOrigins []string // CORS и WebSocket; пусто - любой Origin для WS, dev origins для CORS
}

// AuditConfig - журнал в PostgreSQL
type AuditConfig struct {
	Enabled      bool
	Driver       string
	Host         string
	Port         int
	Name         string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	Timeout      time.Duration
}

// ExchangeConfig - подключение к одной бирже
type ExchangeConfig struct {
	Name      string // идентификатор в движке
	Kind      string // тип адаптера, см. exchange.SupportedExchanges
	APIKey    string
	APISecret string
	BaseURL   string
	WSURL     string
	Category  string

	// 0 - значения из RateLimitConfig
	CallsPerSecond int
	Burst          int
}

// RateLimitConfig - ограничение частоты вызовов по умолчанию
type RateLimitConfig struct {
	CallsPerSecond int
	Burst          int
}

// RetryConfig - таймауты, повторы и circuit breaker вызовов биржи
type RetryConfig struct {
	CallTimeout      time.Duration
	MaxAttempts      int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// EngineConfig - фоновые задачи движка
type EngineConfig struct {
	QuoteCurrency      string
	BalanceInterval    time.Duration
	ResetCheckInterval time.Duration
	StopQueueSize      int
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string
	Format      string
	Output      string
	Development bool
}

// Default возвращает конфигурацию по умолчанию: одна биржа Bybit,
// треугольник BTC/ETH/USDT, ops сервер на :8080, журнал выключен
func Default() *Config {
	def := bot.DefaultEngineConfig()
	strategy := def.Strategy
	strategy.Pairs = []string{"BTC/USDT", "ETH/USDT", "ETH/BTC"}

	return &Config{
		Server: ServerConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Audit: AuditConfig{
			Driver:       "postgres",
			Host:         "localhost",
			Port:         5432,
			Name:         "riskengine",
			User:         "riskengine",
			SSLMode:      "disable",
			MaxOpenConns: 5,
			Timeout:      def.AuditTimeout,
		},
		Exchanges: []ExchangeConfig{{Name: "bybit", Kind: "bybit"}},
		RateLimit: RateLimitConfig{CallsPerSecond: 10, Burst: 10},
		Retry: RetryConfig{
			CallTimeout:      5 * time.Second,
			MaxAttempts:      4,
			InitialDelay:     100 * time.Millisecond,
			MaxDelay:         800 * time.Millisecond,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Strategy:  strategy,
		Risk:      def.Risk,
		Sizing:    def.Sizing,
		StopLoss:  def.StopLoss,
		Liquidity: def.Liquidity,
		Engine: EngineConfig{
			QuoteCurrency:      def.QuoteCurrency,
			BalanceInterval:    def.BalanceInterval,
			ResetCheckInterval: def.ResetCheckInterval,
			StopQueueSize:      def.StopQueueSize,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load загружает конфигурацию из переменных окружения поверх Default.
// Некорректное значение переменной заменяется значением по умолчанию.
func Load() (*Config, error) {
	cfg := Default()

	cfg.Server = ServerConfig{
		Enabled:         getEnvAsBool("SERVER_ENABLED", cfg.Server.Enabled),
		Host:            getEnv("SERVER_HOST", cfg.Server.Host),
		Port:            getEnvAsInt("SERVER_PORT", cfg.Server.Port),
		ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout),
		WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout),
		TokenHash:       getEnv("OPS_TOKEN_HASH", ""),
		AllowedOrigins:  getEnvAsList("WS_ALLOWED_ORIGINS", nil),
	}

	cfg.Audit = AuditConfig{
		Enabled:      getEnvAsBool("AUDIT_ENABLED", cfg.Audit.Enabled),
		Driver:       getEnv("DB_DRIVER", cfg.Audit.Driver),
		Host:         getEnv("DB_HOST", cfg.Audit.Host),
		Port:         getEnvAsInt("DB_PORT", cfg.Audit.Port),
		Name:         getEnv("DB_NAME", cfg.Audit.Name),
		User:         getEnv("DB_USER", cfg.Audit.User),
		Password:     getEnv("DB_PASSWORD", ""),
		SSLMode:      getEnv("DB_SSL_MODE", cfg.Audit.SSLMode),
		MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", cfg.Audit.MaxOpenConns),
		Timeout:      getEnvAsDuration("AUDIT_TIMEOUT", cfg.Audit.Timeout),
	}

	cfg.RateLimit = RateLimitConfig{
		CallsPerSecond: getEnvAsInt("RATE_LIMIT_CALLS_PER_SECOND", cfg.RateLimit.CallsPerSecond),
		Burst:          getEnvAsInt("RATE_LIMIT_BURST", cfg.RateLimit.Burst),
	}
	cfg.Retry = RetryConfig{
		CallTimeout:      getEnvAsDuration("CALL_TIMEOUT", cfg.Retry.CallTimeout),
		MaxAttempts:      getEnvAsInt("MAX_RETRIES", cfg.Retry.MaxAttempts),
		InitialDelay:     getEnvAsDuration("RETRY_BACKOFF", cfg.Retry.InitialDelay),
		MaxDelay:         getEnvAsDuration("RETRY_MAX_BACKOFF", cfg.Retry.MaxDelay),
		BreakerThreshold: getEnvAsInt("BREAKER_THRESHOLD", cfg.Retry.BreakerThreshold),
		BreakerCooldown:  getEnvAsDuration("BREAKER_COOLDOWN", cfg.Retry.BreakerCooldown),
	}

	if list := getEnvAsList("EXCHANGES", nil); len(list) > 0 {
		cfg.Exchanges = cfg.Exchanges[:0]
		for _, entry := range list {
			cfg.Exchanges = append(cfg.Exchanges, loadExchange(entry))
		}
	} else {
		for i := range cfg.Exchanges {
			cfg.Exchanges[i] = loadExchange(cfg.Exchanges[i].Name + ":" + cfg.Exchanges[i].Kind)
		}
	}

	s := &cfg.Strategy
	s.Exchanges = getEnvAsList("STRATEGY_EXCHANGES", nil)
	s.Pairs = getEnvAsList("PAIRS", s.Pairs)
	s.MinProfitThreshold = getEnvAsDecimal("MIN_PROFIT_THRESHOLD", s.MinProfitThreshold)
	s.MaxPositionSize = getEnvAsDecimal("MAX_POSITION_SIZE", s.MaxPositionSize)
	s.RiskPerTrade = getEnvAsDecimal("RISK_PER_TRADE", s.RiskPerTrade)
	s.MaxSlippage = getEnvAsDecimal("MAX_SLIPPAGE", s.MaxSlippage)
	s.ExecutionTimeout = getEnvAsDuration("EXECUTION_TIMEOUT", s.ExecutionTimeout)
	s.CycleInterval = getEnvAsDuration("CYCLE_INTERVAL", s.CycleInterval)
	s.OrderBookDepth = getEnvAsInt("ORDERBOOK_DEPTH", s.OrderBookDepth)
	s.TradeHistory = getEnvAsInt("TRADE_HISTORY", s.TradeHistory)
	s.ZScoreThreshold = getEnvAsDecimal("ZSCORE_THRESHOLD", s.ZScoreThreshold)
	s.LiquidityMultiplier = getEnvAsDecimal("LIQUIDITY_MULTIPLIER", s.LiquidityMultiplier)
	s.LiquidityLevels = getEnvAsInt("LIQUIDITY_LEVELS", s.LiquidityLevels)
	s.MaxCacheEntries = getEnvAsInt("MAX_CACHE_ENTRIES", s.MaxCacheEntries)
	s.SizingMethod = risk.SizingMethod(getEnv("SIZING_METHOD", string(s.SizingMethod)))
	s.StopMethod = risk.StopMethod(getEnv("STOP_METHOD", string(s.StopMethod)))
	s.TrailingStopPct = getEnvAsDecimal("TRAILING_STOP_PCT", s.TrailingStopPct)

	r := &cfg.Risk
	r.MaxDrawdown = getEnvAsDecimal("MAX_DRAWDOWN", r.MaxDrawdown)
	r.MaxDailyLoss = getEnvAsDecimal("MAX_DAILY_LOSS", r.MaxDailyLoss)
	r.MaxPositionSize = getEnvAsDecimal("MAX_POSITION_PCT", r.MaxPositionSize)
	r.MaxLeverage = getEnvAsDecimal("MAX_LEVERAGE", r.MaxLeverage)
	r.MaxConcentration = getEnvAsDecimal("MAX_CONCENTRATION", r.MaxConcentration)
	r.WarningThreshold = getEnvAsDecimal("ALERT_WARNING_THRESHOLD", r.WarningThreshold)
	r.CriticalThreshold = getEnvAsDecimal("ALERT_CRITICAL_THRESHOLD", r.CriticalThreshold)
	r.ResetInterval = getEnvAsDuration("RISK_RESET_INTERVAL", r.ResetInterval)
	r.HistorySize = getEnvAsInt("ALERT_HISTORY_SIZE", r.HistorySize)

	z := &cfg.Sizing
	z.MaxPositionSizePct = getEnvAsDecimal("SIZING_MAX_POSITION_PCT", z.MaxPositionSizePct)
	z.RiskPerTrade = getEnvAsDecimal("SIZING_RISK_PER_TRADE", z.RiskPerTrade)
	z.MaxPositions = getEnvAsInt("SIZING_MAX_POSITIONS", z.MaxPositions)
	z.CorrelationThreshold = getEnvAsDecimal("CORRELATION_THRESHOLD", z.CorrelationThreshold)
	z.CorrelationPenalty = getEnvAsDecimal("CORRELATION_PENALTY", z.CorrelationPenalty)

	st := &cfg.StopLoss
	st.DefaultPct = getEnvAsDecimal("STOP_LOSS_PCT", st.DefaultPct)
	st.TrailingPct = getEnvAsDecimal("STOP_TRAILING_PCT", st.TrailingPct)
	st.ATRMultiplier = getEnvAsDecimal("ATR_MULTIPLIER", st.ATRMultiplier)
	st.BreakEvenTrigger = getEnvAsDecimal("BREAK_EVEN_TRIGGER", st.BreakEvenTrigger)

	l := &cfg.Liquidity
	l.MinLiquidityRatio = getEnvAsDecimal("LIQUIDITY_MIN_RATIO", l.MinLiquidityRatio)
	l.MaxSlippage = getEnvAsDecimal("LIQUIDITY_MAX_SPREAD", l.MaxSlippage)
	l.MaxVolumeRatio = getEnvAsDecimal("LIQUIDITY_MAX_VOLUME_RATIO", l.MaxVolumeRatio)
	l.VolumeWindowHours = getEnvAsInt("LIQUIDITY_VOLUME_WINDOW_HOURS", l.VolumeWindowHours)
	l.LiquidityThreshold = getEnvAsDecimal("LIQUIDITY_THRESHOLD", l.LiquidityThreshold)

	cfg.Engine = EngineConfig{
		QuoteCurrency:      strings.ToUpper(getEnv("QUOTE_CURRENCY", cfg.Engine.QuoteCurrency)),
		BalanceInterval:    getEnvAsDuration("BALANCE_UPDATE_FREQ", cfg.Engine.BalanceInterval),
		ResetCheckInterval: getEnvAsDuration("RESET_CHECK_INTERVAL", cfg.Engine.ResetCheckInterval),
		StopQueueSize:      getEnvAsInt("STOP_QUEUE_SIZE", cfg.Engine.StopQueueSize),
	}

	cfg.Logging = LoggingConfig{
		Level:       getEnv("LOG_LEVEL", cfg.Logging.Level),
		Format:      getEnv("LOG_FORMAT", cfg.Logging.Format),
		Output:      getEnv("LOG_OUTPUT", ""),
		Development: getEnvAsBool("LOG_DEVELOPMENT", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadExchange разбирает "name" или "name:kind" и читает параметры
// биржи из переменных с префиксом NAME_
func loadExchange(entry string) ExchangeConfig {
	name, kind, found := strings.Cut(strings.TrimSpace(entry), ":")
	if !found || kind == "" {
		kind = name
	}
	prefix := envPrefix(name)

	return ExchangeConfig{
		Name:           name,
		Kind:           strings.ToLower(kind),
		APIKey:         getEnv(prefix+"API_KEY", ""),
		APISecret:      getEnv(prefix+"API_SECRET", ""),
		BaseURL:        getEnv(prefix+"BASE_URL", ""),
		WSURL:          getEnv(prefix+"WS_URL", ""),
		Category:       getEnv(prefix+"CATEGORY", ""),
		CallsPerSecond: getEnvAsInt(prefix+"CALLS_PER_SECOND", 0),
		Burst:          getEnvAsInt(prefix+"BURST", 0),
	}
}

func envPrefix(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name)) + "_"
}

// Validate проверяет конфигурацию целиком
func (c *Config) Validate() error {
	if err := c.validateSecurity(); err != nil {
		return err
	}
	if err := c.validateExchanges(); err != nil {
		return err
	}
	return c.validateRanges()
}

// validateSecurity проверяет параметры доступа
func (c *Config) validateSecurity() error {
	if c.Server.TokenHash != "" && !strings.HasPrefix(c.Server.TokenHash, "$2") {
		return fmt.Errorf("OPS_TOKEN_HASH must be a bcrypt hash")
	}
	if c.Audit.Enabled && c.Audit.Password == "" && c.Audit.SSLMode == "disable" {
		return fmt.Errorf("DB_PASSWORD is required when audit is enabled without SSL")
	}
	return nil
}

// validateExchanges проверяет список бирж и его согласованность со стратегией
func (c *Config) validateExchanges() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange must be configured")
	}

	names := make(map[string]bool, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchange name must not be empty")
		}
		if names[ex.Name] {
			return fmt.Errorf("exchange %q configured twice", ex.Name)
		}
		names[ex.Name] = true

		if !exchange.IsSupported(ex.Kind) {
			return fmt.Errorf("exchange %q: unsupported kind %q", ex.Name, ex.Kind)
		}
		if (ex.APIKey == "") != (ex.APISecret == "") {
			return fmt.Errorf("exchange %q: API key and secret must be set together", ex.Name)
		}
		if ex.CallsPerSecond < 0 || ex.Burst < 0 {
			return fmt.Errorf("exchange %q: rate limit cannot be negative", ex.Name)
		}
	}

	for _, name := range c.Strategy.Exchanges {
		if !names[name] {
			return fmt.Errorf("STRATEGY_EXCHANGES: exchange %q is not configured", name)
		}
	}
	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Audit.Enabled && (c.Audit.Port < 1 || c.Audit.Port > 65535) {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Audit.Port)
	}

	if c.RateLimit.CallsPerSecond <= 0 {
		return fmt.Errorf("RATE_LIMIT_CALLS_PER_SECOND must be positive, got %d", c.RateLimit.CallsPerSecond)
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("MAX_RETRIES must be between 1 and 10, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.CallTimeout <= 0 {
		return fmt.Errorf("CALL_TIMEOUT must be positive, got %v", c.Retry.CallTimeout)
	}

	s := c.Strategy
	if len(s.Pairs) == 0 {
		return fmt.Errorf("PAIRS must list at least one pair")
	}
	if s.MinProfitThreshold.IsNegative() {
		return fmt.Errorf("MIN_PROFIT_THRESHOLD cannot be negative, got %s", s.MinProfitThreshold)
	}
	if !s.MaxPositionSize.IsPositive() {
		return fmt.Errorf("MAX_POSITION_SIZE must be positive, got %s", s.MaxPositionSize)
	}
	if err := fraction("RISK_PER_TRADE", s.RiskPerTrade); err != nil {
		return err
	}
	if s.MaxSlippage.IsNegative() {
		return fmt.Errorf("MAX_SLIPPAGE cannot be negative, got %s", s.MaxSlippage)
	}
	if s.ExecutionTimeout <= 0 {
		return fmt.Errorf("EXECUTION_TIMEOUT must be positive, got %v", s.ExecutionTimeout)
	}
	if !s.ZScoreThreshold.IsPositive() {
		return fmt.Errorf("ZSCORE_THRESHOLD must be positive, got %s", s.ZScoreThreshold)
	}
	switch s.SizingMethod {
	case risk.SizingFixedRisk, risk.SizingKelly, risk.SizingEqualWeight:
	default:
		return fmt.Errorf("SIZING_METHOD %q is not supported", s.SizingMethod)
	}
	switch s.StopMethod {
	case risk.StopFixed, risk.StopATR, risk.StopVolatility:
	default:
		return fmt.Errorf("STOP_METHOD %q is not supported", s.StopMethod)
	}

	r := c.Risk
	for name, v := range map[string]decimal.Decimal{
		"MAX_DRAWDOWN":      r.MaxDrawdown,
		"MAX_DAILY_LOSS":    r.MaxDailyLoss,
		"MAX_POSITION_PCT":  r.MaxPositionSize,
		"MAX_CONCENTRATION": r.MaxConcentration,
	} {
		if err := fraction(name, v); err != nil {
			return err
		}
	}
	if !r.MaxLeverage.IsPositive() {
		return fmt.Errorf("MAX_LEVERAGE must be positive, got %s", r.MaxLeverage)
	}
	if !r.WarningThreshold.IsPositive() || !r.WarningThreshold.LessThan(r.CriticalThreshold) || r.CriticalThreshold.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("alert thresholds must satisfy 0 < warning < critical <= 1, got %s / %s", r.WarningThreshold, r.CriticalThreshold)
	}

	if c.Sizing.MaxPositions < 1 {
		return fmt.Errorf("SIZING_MAX_POSITIONS must be at least 1, got %d", c.Sizing.MaxPositions)
	}
	if err := fraction("SIZING_MAX_POSITION_PCT", c.Sizing.MaxPositionSizePct); err != nil {
		return err
	}
	if err := fraction("STOP_LOSS_PCT", c.StopLoss.DefaultPct); err != nil {
		return err
	}
	if c.Liquidity.VolumeWindowHours < 1 {
		return fmt.Errorf("LIQUIDITY_VOLUME_WINDOW_HOURS must be at least 1, got %d", c.Liquidity.VolumeWindowHours)
	}

	if c.Engine.BalanceInterval <= 0 {
		return fmt.Errorf("BALANCE_UPDATE_FREQ must be positive, got %v", c.Engine.BalanceInterval)
	}
	if c.Engine.StopQueueSize < 1 {
		return fmt.Errorf("STOP_QUEUE_SIZE must be at least 1, got %d", c.Engine.StopQueueSize)
	}
	return nil
}

// fraction: 0 < v < 1
func fraction(name string, v decimal.Decimal) error {
	if !v.IsPositive() || !v.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%s must be in (0, 1), got %s", name, v)
	}
	return nil
}

// ============================================================
// Сборка параметров компонентов
// ============================================================

// EngineConfig собирает параметры движка
func (c *Config) EngineConfig() bot.EngineConfig {
	return bot.EngineConfig{
		Strategy:           c.Strategy,
		Risk:               c.Risk,
		Sizing:             c.Sizing,
		StopLoss:           c.StopLoss,
		Liquidity:          c.Liquidity,
		QuoteCurrency:      c.Engine.QuoteCurrency,
		BalanceInterval:    c.Engine.BalanceInterval,
		ResetCheckInterval: c.Engine.ResetCheckInterval,
		StopQueueSize:      c.Engine.StopQueueSize,
		AuditTimeout:       c.Audit.Timeout,
	}
}

// GuardConfig собирает защиту вызовов биржи
func (c *Config) GuardConfig() exchange.GuardConfig {
	g := exchange.DefaultGuardConfig()
	g.CallTimeout = c.Retry.CallTimeout
	g.Retry = retry.Config{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
	g.BreakerThreshold = c.Retry.BreakerThreshold
	g.BreakerCooldown = c.Retry.BreakerCooldown
	return g
}

// APIConfig - параметры ops HTTP сервера
func (s ServerConfig) APIConfig() api.ServerConfig {
	return api.ServerConfig{
		Host:            s.Host,
		Port:            s.Port,
		ReadTimeout:     s.ReadTimeout,
		WriteTimeout:    s.WriteTimeout,
		ShutdownTimeout: s.ShutdownTimeout,
	}
}

// Options - параметры фабрики адаптера
func (e ExchangeConfig) Options() exchange.Options {
	return exchange.Options{
		Kind:      e.Kind,
		Name:      e.Name,
		APIKey:    e.APIKey,
		APISecret: e.APISecret,
		BaseURL:   e.BaseURL,
		WSURL:     e.WSURL,
		Category:  e.Category,
	}
}

// Limits - частота вызовов биржи с учётом значений по умолчанию
func (e ExchangeConfig) Limits(def RateLimitConfig) (callsPerSecond, burst int) {
	callsPerSecond, burst = def.CallsPerSecond, def.Burst
	if e.CallsPerSecond > 0 {
		callsPerSecond = e.CallsPerSecond
	}
	if e.Burst > 0 {
		burst = e.Burst
	}
	return callsPerSecond, burst
}

// LogConfig - настройки logger'а
func (l LoggingConfig) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:       l.Level,
		Format:      l.Format,
		Output:      l.Output,
		Development: l.Development,
	}
}

// DSN возвращает строку подключения к базе данных
func (d AuditConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d AuditConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := decimal.NewFromString(strings.TrimSpace(valueStr))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList разбирает список через запятую, пустые элементы пропускаются
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
