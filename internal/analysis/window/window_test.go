package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/skalibog/bptb/internal/config"
	"github.com/skalibog/bptb/pkg/models"
)

func signalAt(t time.Time, indicator models.IndicatorType, action models.SignalAction) *models.Signal {
	return &models.Signal{
		Symbol:    "BTCUSDT",
		Time:      t,
		Indicator: indicator,
		Action:    action,
		Price:     100,
	}
}

func TestAddDedup(t *testing.T) {
	w := New(config.Default().Analysis)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	// Два одинаковых сигнала внутри 5 секунд: остается только первый
	assert.True(t, w.Add(signalAt(base, models.IndicatorRSI, models.ActionBuy)))
	assert.False(t, w.Add(signalAt(base.Add(3*time.Second), models.IndicatorRSI, models.ActionBuy)))
	assert.Len(t, w.Snapshot("BTCUSDT", base.Add(3*time.Second)), 1)

	// Спустя окно дедупликации сигнал проходит
	assert.True(t, w.Add(signalAt(base.Add(6*time.Second), models.IndicatorRSI, models.ActionBuy)))

	// Другой индикатор или направление дублем не считается
	assert.True(t, w.Add(signalAt(base.Add(time.Second), models.IndicatorBollinger, models.ActionBuy)))
	assert.True(t, w.Add(signalAt(base.Add(time.Second), models.IndicatorRSI, models.ActionSell)))
}

func TestSnapshotPrunesOldSignals(t *testing.T) {
	w := New(config.Default().Analysis)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	w.Add(signalAt(base, models.IndicatorRSI, models.ActionBuy))
	w.Add(signalAt(base.Add(4*time.Minute), models.IndicatorBollinger, models.ActionBuy))

	// Внутри окна оба сигнала на месте
	assert.Len(t, w.Snapshot("BTCUSDT", base.Add(4*time.Minute)), 2)

	// Через 6 минут от первого сигнала в окне остается только второй
	snap := w.Snapshot("BTCUSDT", base.Add(6*time.Minute))
	assert.Len(t, snap, 1)
	assert.Equal(t, models.IndicatorBollinger, snap[0].Indicator)
}

func TestShouldEmitCooldown(t *testing.T) {
	w := New(config.Default().Analysis)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	first := signalAt(base, models.IndicatorRSI, models.ActionBuy)
	assert.True(t, w.ShouldEmit(first))

	// Повтор внутри получасовой паузы молча поглощается
	repeat := signalAt(base.Add(10*time.Minute), models.IndicatorRSI, models.ActionBuy)
	assert.False(t, w.ShouldEmit(repeat))

	// После паузы эмиссия снова разрешена
	late := signalAt(base.Add(31*time.Minute), models.IndicatorRSI, models.ActionBuy)
	assert.True(t, w.ShouldEmit(late))
}

func TestAllowDecisionCooldown(t *testing.T) {
	w := New(config.Default().Analysis)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	// Первое решение проходит, повтор внутри 30 минут подавляется
	assert.True(t, w.AllowDecision("BTCUSDT", models.ActionBuy, base))
	assert.False(t, w.AllowDecision("BTCUSDT", models.ActionBuy, base.Add(29*time.Minute)))

	// Противоположное направление и другой символ не подавляются
	assert.True(t, w.AllowDecision("BTCUSDT", models.ActionSell, base.Add(time.Minute)))
	assert.True(t, w.AllowDecision("ETHUSDT", models.ActionBuy, base.Add(time.Minute)))

	// После паузы решение разрешено снова
	assert.True(t, w.AllowDecision("BTCUSDT", models.ActionBuy, base.Add(31*time.Minute)))
}
