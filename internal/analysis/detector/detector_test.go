package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/bptb/internal/analysis/indicator"
	"github.com/skalibog/bptb/internal/config"
	"github.com/skalibog/bptb/pkg/models"
)

func newTestDetector() *Detector {
	return NewDetector(config.Default().Analysis)
}

// neutralResult возвращает срез, на котором ни одно правило не срабатывает
func neutralResult() *indicator.Result {
	return &indicator.Result{
		Snapshot: models.IndicatorSnapshot{
			Symbol: "BTCUSDT",
			RSI:    50,
			Bollinger: models.BollingerBands{
				Upper:  110,
				Middle: 100,
				Lower:  90,
			},
			Fibonacci: models.FibonacciLevels{
				Level618: 50,
				Level382: 150,
			},
			LastPrice: 100,
		},
		Closes: []float64{100, 100},
	}
}

func closedCandle(close float64) *models.Candle {
	return &models.Candle{
		Symbol:    "BTCUSDT",
		Interval:  "1m",
		CloseTime: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Close:     close,
		IsClosed:  true,
	}
}

func TestDetectRSI(t *testing.T) {
	d := newTestDetector()

	// RSI 25: ровно один сигнал на покупку
	res := neutralResult()
	res.Snapshot.RSI = 25
	signals := d.Detect(res, closedCandle(100))
	require.Len(t, signals, 1)
	assert.Equal(t, models.IndicatorRSI, signals[0].Indicator)
	assert.Equal(t, models.ActionBuy, signals[0].Action)
	assert.Equal(t, 25.0, signals[0].Value)

	// RSI 75: ровно один сигнал на продажу
	res = neutralResult()
	res.Snapshot.RSI = 75
	signals = d.Detect(res, closedCandle(100))
	require.Len(t, signals, 1)
	assert.Equal(t, models.IndicatorRSI, signals[0].Indicator)
	assert.Equal(t, models.ActionSell, signals[0].Action)
}

func TestDetectSkipsOpenCandle(t *testing.T) {
	d := newTestDetector()

	res := neutralResult()
	res.Snapshot.RSI = 25
	candle := closedCandle(100)
	candle.IsClosed = false

	assert.Empty(t, d.Detect(res, candle))
}

func TestDetectEMACrossover(t *testing.T) {
	d := newTestDetector()

	// Золотой крест: короткая EMA была ниже, стала выше
	res := neutralResult()
	res.EMAShort = []float64{99, 101}
	res.EMALong = []float64{100, 100}
	signals := d.Detect(res, closedCandle(100))
	require.Len(t, signals, 1)
	assert.Equal(t, models.IndicatorEMACrossover, signals[0].Indicator)
	assert.Equal(t, models.ActionBuy, signals[0].Action)

	// Мертвый крест: симметричное пересечение
	res = neutralResult()
	res.EMAShort = []float64{101, 99}
	res.EMALong = []float64{100, 100}
	signals = d.Detect(res, closedCandle(100))
	require.Len(t, signals, 1)
	assert.Equal(t, models.ActionSell, signals[0].Action)

	// Без пересечения сигнала нет
	res = neutralResult()
	res.EMAShort = []float64{101, 102}
	res.EMALong = []float64{100, 100}
	assert.Empty(t, d.Detect(res, closedCandle(100)))
}

func TestDetectBollinger(t *testing.T) {
	d := newTestDetector()

	// Цена на нижней полосе: покупка
	res := neutralResult()
	res.Closes = []float64{95, 89}
	signals := d.Detect(res, closedCandle(89))
	require.Len(t, signals, 1)
	assert.Equal(t, models.IndicatorBollinger, signals[0].Indicator)
	assert.Equal(t, models.ActionBuy, signals[0].Action)

	// Цена на верхней полосе: продажа
	res = neutralResult()
	res.Closes = []float64{105, 111}
	signals = d.Detect(res, closedCandle(111))
	require.Len(t, signals, 1)
	assert.Equal(t, models.ActionSell, signals[0].Action)
}

func TestDetectFibonacci(t *testing.T) {
	d := newTestDetector()

	// Пробой уровня 61.8% снизу вверх: покупка
	res := neutralResult()
	res.Snapshot.Fibonacci = models.FibonacciLevels{Level618: 100, Level382: 130}
	res.Closes = []float64{95, 100}
	signals := d.Detect(res, closedCandle(100))
	require.Len(t, signals, 1)
	assert.Equal(t, models.IndicatorFibonacci, signals[0].Indicator)
	assert.Equal(t, models.ActionBuy, signals[0].Action)
	assert.Equal(t, 100.0, signals[0].Value)

	// Пробой уровня 38.2% сверху вниз: продажа
	res = neutralResult()
	res.Snapshot.Fibonacci = models.FibonacciLevels{Level618: 50, Level382: 100}
	res.Closes = []float64{105, 100}
	signals = d.Detect(res, closedCandle(100))
	require.Len(t, signals, 1)
	assert.Equal(t, models.ActionSell, signals[0].Action)
}

func TestDetectMultipleRules(t *testing.T) {
	d := newTestDetector()

	// Обвал: RSI в перепроданности и цена под нижней полосой одновременно
	res := neutralResult()
	res.Snapshot.RSI = 20
	res.Closes = []float64{95, 88}
	signals := d.Detect(res, closedCandle(88))
	require.Len(t, signals, 2)

	indicators := map[models.IndicatorType]bool{}
	for _, s := range signals {
		indicators[s.Indicator] = true
		assert.Equal(t, models.ActionBuy, s.Action)
	}
	assert.True(t, indicators[models.IndicatorRSI])
	assert.True(t, indicators[models.IndicatorBollinger])
}
