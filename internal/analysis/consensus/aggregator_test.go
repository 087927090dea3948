package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/bptb/internal/config"
	"github.com/skalibog/bptb/pkg/models"
)

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func sig(offset time.Duration, indicator models.IndicatorType, action models.SignalAction, price float64) *models.Signal {
	return &models.Signal{
		Symbol:    "BTCUSDT",
		Time:      testNow.Add(offset),
		Indicator: indicator,
		Action:    action,
		Price:     price,
	}
}

func newTestAggregator() *Aggregator {
	return NewAggregator(config.Default().Analysis)
}

func TestEvaluateBuyConsensusWithDiversityBonus(t *testing.T) {
	a := newTestAggregator()

	// RSI(+2) + BOLLINGER(+1) + EMA(+2) = 5, три разных индикатора дают бонус +2
	signals := []*models.Signal{
		sig(-3*time.Minute, models.IndicatorRSI, models.ActionBuy, 100),
		sig(-2*time.Minute, models.IndicatorBollinger, models.ActionBuy, 101),
		sig(-1*time.Minute, models.IndicatorEMACrossover, models.ActionBuy, 102),
	}

	decision := a.Evaluate(signals, testNow)
	require.NotNil(t, decision)
	assert.Equal(t, models.ActionBuy, decision.Action)
	assert.GreaterOrEqual(t, decision.Strength, 5.0)
	assert.Contains(t, decision.Reason, "3")
	// Цена берется из самого свежего сигнала
	assert.Equal(t, 102.0, decision.Price)
}

func TestEvaluateBelowThreshold(t *testing.T) {
	a := newTestAggregator()

	// Один BOLLINGER(+1) до порога не дотягивает
	signals := []*models.Signal{
		sig(-time.Minute, models.IndicatorBollinger, models.ActionBuy, 100),
	}
	assert.Nil(t, a.Evaluate(signals, testNow))
}

func TestEvaluateInclusiveThreshold(t *testing.T) {
	a := newTestAggregator()

	// Ровно 3: порог включительный
	signals := []*models.Signal{
		sig(-2*time.Minute, models.IndicatorRSI, models.ActionBuy, 100),
		sig(-1*time.Minute, models.IndicatorBollinger, models.ActionBuy, 100),
	}
	decision := a.Evaluate(signals, testNow)
	require.NotNil(t, decision)
	assert.Equal(t, models.ActionBuy, decision.Action)
}

func TestEvaluateSellConsensus(t *testing.T) {
	a := newTestAggregator()

	signals := []*models.Signal{
		sig(-2*time.Minute, models.IndicatorRSI, models.ActionSell, 100),
		sig(-1*time.Minute, models.IndicatorEMACrossover, models.ActionSell, 99),
	}
	decision := a.Evaluate(signals, testNow)
	require.NotNil(t, decision)
	assert.Equal(t, models.ActionSell, decision.Action)
	// Счет -4 и два индикатора: сила 4 + 1
	assert.Equal(t, 5.0, decision.Strength)
}

func TestEvaluateConflictVeto(t *testing.T) {
	a := newTestAggregator()

	// Две покупки против двух продаж: разногласие, решения нет
	signals := []*models.Signal{
		sig(-4*time.Minute, models.IndicatorRSI, models.ActionBuy, 100),
		sig(-3*time.Minute, models.IndicatorEMACrossover, models.ActionBuy, 100),
		sig(-2*time.Minute, models.IndicatorBollinger, models.ActionSell, 100),
		sig(-1*time.Minute, models.IndicatorFibonacci, models.ActionSell, 100),
	}
	assert.Nil(t, a.Evaluate(signals, testNow))
}

func TestEvaluateSingleOpposingSignalsNotVetoed(t *testing.T) {
	a := newTestAggregator()

	// buyCount=1, sellCount=1: вето требует больше одного сигнала
	// на большей стороне, поэтому работает чистая сумма весов
	signals := []*models.Signal{
		sig(-2*time.Minute, models.IndicatorRSI, models.ActionBuy, 100),
		sig(-1*time.Minute, models.IndicatorRSI, models.ActionSell, 100),
	}
	// Сумма 0: решения нет, но не из-за вето
	assert.Nil(t, a.Evaluate(signals, testNow))

	// Две покупки против одной продажи: ratio 0.5 не превышает порог вето,
	// сумма 2+2−1=3 достигает порога покупки
	signals = []*models.Signal{
		sig(-3*time.Minute, models.IndicatorRSI, models.ActionBuy, 100),
		sig(-2*time.Minute, models.IndicatorEMACrossover, models.ActionBuy, 100),
		sig(-1*time.Minute, models.IndicatorBollinger, models.ActionSell, 100),
	}
	decision := a.Evaluate(signals, testNow)
	require.NotNil(t, decision)
	assert.Equal(t, models.ActionBuy, decision.Action)
}

func TestEvaluateIgnoresSignalsOutsideWindow(t *testing.T) {
	a := newTestAggregator()

	// Сигналы старше окна консенсуса не участвуют в оценке
	signals := []*models.Signal{
		sig(-10*time.Minute, models.IndicatorRSI, models.ActionBuy, 100),
		sig(-8*time.Minute, models.IndicatorEMACrossover, models.ActionBuy, 100),
		sig(-1*time.Minute, models.IndicatorBollinger, models.ActionBuy, 100),
	}
	// В окне остается только BOLLINGER(+1)
	assert.Nil(t, a.Evaluate(signals, testNow))
}
