package config

import (
	"io/ioutil"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/skalibog/bptb/pkg/logger"
	"github.com/skalibog/bptb/pkg/models"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Binance  BinanceConfig  `yaml:"binance"`
	Trading  TradingConfig  `yaml:"trading"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Storage  StorageConfig  `yaml:"storage"`
}

// BinanceConfig содержит настройки подключения к Binance
type BinanceConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// TradingConfig содержит настройки бумажной торговли
type TradingConfig struct {
	Symbols         []string `yaml:"symbols"`
	Interval        string   `yaml:"interval"`
	AccountID       string   `yaml:"account_id"`
	StartingBalance float64  `yaml:"starting_balance"`
	// Доля баланса, расходуемая на покупку по консенсусному решению
	BuyFraction float64 `yaml:"buy_fraction"`
	// Доля позиции, продаваемая по консенсусному решению (1.0 — закрыть целиком)
	SellFraction float64 `yaml:"sell_fraction"`
}

// AnalysisConfig содержит настройки аналитического конвейера
type AnalysisConfig struct {
	MinCandles   int              `yaml:"min_candles"`
	HistoryLimit int              `yaml:"history_limit"`
	Indicators   IndicatorConfig  `yaml:"indicators"`
	Weights      map[string]int   `yaml:"weights"`
	Thresholds   SignalThresholds `yaml:"signal"`

	// Окна и задержки конвейера сигналов
	WindowSeconds           int `yaml:"window_seconds"`
	DedupSeconds            int `yaml:"dedup_seconds"`
	SignalCooldownMinutes   int `yaml:"signal_cooldown_minutes"`
	DecisionCooldownMinutes int `yaml:"decision_cooldown_minutes"`
}

// IndicatorConfig периоды расчета индикаторов
type IndicatorConfig struct {
	RSIPeriod      int     `yaml:"rsi_period"`
	RSIOversold    float64 `yaml:"rsi_oversold"`
	RSIOverbought  float64 `yaml:"rsi_overbought"`
	EMAShortPeriod int     `yaml:"ema_short"`
	EMALongPeriod  int     `yaml:"ema_long"`
	BBPeriod       int     `yaml:"bb_period"`
	BBStdDev       float64 `yaml:"bb_stddev"`
	FibLookback    int     `yaml:"fib_lookback"`
}

// SignalThresholds пороговые значения консенсуса
type SignalThresholds struct {
	Buy  int `yaml:"threshold_buy"`
	Sell int `yaml:"threshold_sell"`
}

// StorageConfig настройки хранения данных
type StorageConfig struct {
	Type         string `yaml:"type"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// Load загружает конфигурацию из файла
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		logger.Fatal("Ошибка чтения файла конфигурации", zap.Error(err))
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		logger.Fatal("Ошибка разбора файла конфигурации", zap.Error(err))
	}

	config.applyDefaults()

	logger.Debug("Загружена конфигурация", zap.String("path", path), zap.Any("config", config))
	logger.Info("Загружена конфигурация", zap.Any("Symbols", config.Trading.Symbols))
	return &config, nil
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults заполняет нулевые поля значениями по умолчанию
func (c *Config) applyDefaults() {
	if c.Trading.Interval == "" {
		c.Trading.Interval = "1m"
	}
	if c.Trading.AccountID == "" {
		c.Trading.AccountID = "default"
	}
	if c.Trading.StartingBalance <= 0 {
		c.Trading.StartingBalance = 10000
	}
	if c.Trading.BuyFraction <= 0 {
		c.Trading.BuyFraction = 0.1
	}
	if c.Trading.SellFraction <= 0 {
		c.Trading.SellFraction = 1.0
	}

	a := &c.Analysis
	if a.MinCandles <= 0 {
		a.MinCandles = 30
	}
	if a.HistoryLimit <= 0 {
		a.HistoryLimit = 200
	}
	if a.WindowSeconds <= 0 {
		a.WindowSeconds = 300
	}
	if a.DedupSeconds <= 0 {
		a.DedupSeconds = 5
	}
	if a.SignalCooldownMinutes <= 0 {
		a.SignalCooldownMinutes = 30
	}
	if a.DecisionCooldownMinutes <= 0 {
		a.DecisionCooldownMinutes = 30
	}
	if a.Thresholds.Buy == 0 {
		a.Thresholds.Buy = 3
	}
	if a.Thresholds.Sell == 0 {
		a.Thresholds.Sell = -3
	}
	if a.Weights == nil {
		a.Weights = map[string]int{}
	}
	for key, w := range defaultWeights {
		if _, ok := a.Weights[key]; !ok {
			a.Weights[key] = w
		}
	}

	i := &a.Indicators
	if i.RSIPeriod <= 0 {
		i.RSIPeriod = 14
	}
	if i.RSIOversold <= 0 {
		i.RSIOversold = 30
	}
	if i.RSIOverbought <= 0 {
		i.RSIOverbought = 70
	}
	if i.EMAShortPeriod <= 0 {
		i.EMAShortPeriod = 9
	}
	if i.EMALongPeriod <= 0 {
		i.EMALongPeriod = 21
	}
	if i.BBPeriod <= 0 {
		i.BBPeriod = 20
	}
	if i.BBStdDev <= 0 {
		i.BBStdDev = 2.0
	}
	if i.FibLookback <= 0 {
		i.FibLookback = 100
	}
}

// Веса по умолчанию для пар (индикатор, действие)
var defaultWeights = map[string]int{
	"RSI_BUY":            2,
	"RSI_SELL":           -2,
	"EMA_CROSSOVER_BUY":  2,
	"EMA_CROSSOVER_SELL": -2,
	"BOLLINGER_BUY":      1,
	"BOLLINGER_SELL":     -1,
	"FIBONACCI_BUY":      1,
	"FIBONACCI_SELL":     -1,
}

// Weight возвращает вес пары (индикатор, действие)
func (a AnalysisConfig) Weight(indicator models.IndicatorType, action models.SignalAction) int {
	key := string(indicator) + "_" + string(action)
	if w, ok := a.Weights[key]; ok {
		return w
	}
	return defaultWeights[key]
}

// Window окно консенсуса
func (a AnalysisConfig) Window() time.Duration {
	return time.Duration(a.WindowSeconds) * time.Second
}

// DedupWindow окно точной дедупликации сигналов
func (a AnalysisConfig) DedupWindow() time.Duration {
	return time.Duration(a.DedupSeconds) * time.Second
}

// SignalCooldown пауза между повторными эмиссиями одинаковых сигналов
func (a AnalysisConfig) SignalCooldown() time.Duration {
	return time.Duration(a.SignalCooldownMinutes) * time.Minute
}

// DecisionCooldown пауза между одинаковыми консенсусными решениями
func (a AnalysisConfig) DecisionCooldown() time.Duration {
	return time.Duration(a.DecisionCooldownMinutes) * time.Minute
}
