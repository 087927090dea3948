package indicator

import (
	"errors"
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/skalibog/bptb/internal/config"
	"github.com/skalibog/bptb/pkg/models"
)

// ErrInsufficientData возвращается, когда свечей меньше жесткого минимума.
// Это не авария, а штатное состояние "нет результата на этом цикле".
var ErrInsufficientData = errors.New("недостаточно данных для расчета индикаторов")

// Engine рассчитывает индикаторы по упорядоченному окну свечей
type Engine struct {
	config config.AnalysisConfig
}

// Result срез индикаторов плюс исторические серии,
// нужные детектору для проверки пересечений
type Result struct {
	Snapshot models.IndicatorSnapshot

	Closes   []float64
	RSI      []float64
	EMAShort []float64
	EMALong  []float64
	SMA      []float64
	BBUpper  []float64
	BBMiddle []float64
	BBLower  []float64
}

// NewEngine создает новый расчетный модуль индикаторов
func NewEngine(cfg config.AnalysisConfig) *Engine {
	return &Engine{
		config: cfg,
	}
}

// Compute рассчитывает индикаторы по окну свечей (от старых к новым).
// При нехватке данных возвращает ErrInsufficientData.
func (e *Engine) Compute(candles []*models.Candle) (*Result, error) {
	if len(candles) < e.config.MinCandles {
		return nil, fmt.Errorf("%w: %d свечей (требуется %d)",
			ErrInsufficientData, len(candles), e.config.MinCandles)
	}

	// Подготавливаем серии для расчета
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	ind := e.config.Indicators
	rsi := talib.Rsi(closes, ind.RSIPeriod)
	emaShort := talib.Ema(closes, ind.EMAShortPeriod)
	emaLong := talib.Ema(closes, ind.EMALongPeriod)
	sma := talib.Sma(closes, ind.BBPeriod)
	upper, middle, lower := talib.BBands(closes, ind.BBPeriod, ind.BBStdDev, ind.BBStdDev, talib.SMA)

	last := candles[len(candles)-1]
	result := &Result{
		Snapshot: models.IndicatorSnapshot{
			Symbol:    last.Symbol,
			Timestamp: last.CloseTime,
			RSI:       lastValue(rsi),
			EMAShort:  lastValue(emaShort),
			EMALong:   lastValue(emaLong),
			Bollinger: models.BollingerBands{
				Upper:  lastValue(upper),
				Middle: lastValue(middle),
				Lower:  lastValue(lower),
			},
			Fibonacci: e.calculateFibonacci(highs, lows),
			LastPrice: last.Close,
		},
		Closes:   closes,
		RSI:      rsi,
		EMAShort: emaShort,
		EMALong:  emaLong,
		SMA:      sma,
		BBUpper:  upper,
		BBMiddle: middle,
		BBLower:  lower,
	}

	return result, nil
}

// calculateFibonacci рассчитывает уровни коррекции Фибоначчи
// от максимума и минимума последних FibLookback свечей.
// В talib такой функции нет, поэтому считаем вручную:
// level_p = high − p·(high−low)
func (e *Engine) calculateFibonacci(highs, lows []float64) models.FibonacciLevels {
	lookback := e.config.Indicators.FibLookback
	start := 0
	if len(highs) > lookback {
		start = len(highs) - lookback
	}

	high := highs[start]
	low := lows[start]
	for i := start + 1; i < len(highs); i++ {
		if highs[i] > high {
			high = highs[i]
		}
		if lows[i] < low {
			low = lows[i]
		}
	}

	diff := high - low
	return models.FibonacciLevels{
		Level0:   high,
		Level236: high - 0.236*diff,
		Level382: high - 0.382*diff,
		Level500: high - 0.500*diff,
		Level618: high - 0.618*diff,
		Level786: high - 0.786*diff,
		Level100: low,
	}
}

// lastValue возвращает последнее значение серии
func lastValue(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}
