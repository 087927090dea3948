package models

import (
	"time"
)

// SignalAction направление сигнала или сделки
type SignalAction string

const (
	ActionBuy  SignalAction = "BUY"
	ActionSell SignalAction = "SELL"
)

// IndicatorType тип индикатора, породившего сигнал
type IndicatorType string

const (
	IndicatorRSI          IndicatorType = "RSI"
	IndicatorEMACrossover IndicatorType = "EMA_CROSSOVER"
	IndicatorBollinger    IndicatorType = "BOLLINGER"
	IndicatorFibonacci    IndicatorType = "FIBONACCI"
	// IndicatorConsensus используется для дедупликации консенсусных решений
	IndicatorConsensus IndicatorType = "CONSENSUS"
)

// MonitorState состояние задачи мониторинга
type MonitorState string

const (
	StateStopped  MonitorState = "STOPPED"
	StateStarting MonitorState = "STARTING"
	StateRunning  MonitorState = "RUNNING"
)

// Candle представляет свечу
type Candle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
	IsClosed  bool
}

// BollingerBands значения полос Боллинджера
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// FibonacciLevels уровни коррекции Фибоначчи,
// рассчитанные от максимума и минимума окна
type FibonacciLevels struct {
	Level0   float64 // 0% — максимум окна
	Level236 float64
	Level382 float64
	Level500 float64
	Level618 float64
	Level786 float64
	Level100 float64 // 100% — минимум окна
}

// IndicatorSnapshot срез значений индикаторов на момент последней свечи
type IndicatorSnapshot struct {
	Symbol    string
	Timestamp time.Time
	RSI       float64
	EMAShort  float64
	EMALong   float64
	Bollinger BollingerBands
	Fibonacci FibonacciLevels
	LastPrice float64
}

// Signal представляет сигнал одного индикатора.
// Неизменяем после создания.
type Signal struct {
	Symbol    string
	Time      time.Time
	Indicator IndicatorType
	Action    SignalAction
	Price     float64
	Value     float64 // значение индикатора, породившее сигнал
	Reason    string
}

// ConsensusDecision агрегированное решение по окну сигналов
type ConsensusDecision struct {
	Symbol   string
	Time     time.Time
	Action   SignalAction
	Strength float64
	Reason   string
	Price    float64
}

// MonitorTask задача мониторинга одной пары (symbol, interval, account)
type MonitorTask struct {
	Symbol    string
	Interval  string
	AccountID string
	Active    bool
	StartTime time.Time
	StopTime  time.Time
}

// AssetPosition позиция по одному символу.
// Инвариант: Quantity > 0, позиция с нулевым количеством удаляется из портфеля.
type AssetPosition struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	CurrentPrice float64 `json:"current_price"`
}

// Portfolio бумажный портфель одного аккаунта
type Portfolio struct {
	AccountID string                    `json:"account_id"`
	Balance   float64                   `json:"balance"`
	Positions map[string]*AssetPosition `json:"positions"`
	Equity    float64                   `json:"equity"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Clone возвращает глубокую копию портфеля
func (p *Portfolio) Clone() *Portfolio {
	cp := &Portfolio{
		AccountID: p.AccountID,
		Balance:   p.Balance,
		Equity:    p.Equity,
		UpdatedAt: p.UpdatedAt,
		Positions: make(map[string]*AssetPosition, len(p.Positions)),
	}
	for sym, pos := range p.Positions {
		posCopy := *pos
		cp.Positions[sym] = &posCopy
	}
	return cp
}

// Transaction запись журнала сделок. Только добавляется, никогда не изменяется.
type Transaction struct {
	ID        string
	AccountID string
	Symbol    string
	Action    SignalAction
	Quantity  float64
	Price     float64
	Value     float64 // знаковое изменение баланса: покупка < 0, продажа > 0
	Signal    string  // источник сделки: CONSENSUS, MANUAL и т.п.
	Timestamp time.Time
}
