package detector

import (
	"fmt"

	"github.com/skalibog/bptb/internal/analysis/indicator"
	"github.com/skalibog/bptb/internal/config"
	"github.com/skalibog/bptb/pkg/models"
)

// Detector превращает срез индикаторов в направленные сигналы.
// Правила независимы: одна свеча может породить от 0 до 4 сигналов.
type Detector struct {
	config config.AnalysisConfig
}

// NewDetector создает новый детектор сигналов
func NewDetector(cfg config.AnalysisConfig) *Detector {
	return &Detector{
		config: cfg,
	}
}

// Detect проверяет все правила для закрытой свечи.
// Для незакрытых свечей сигналы не генерируются.
func (d *Detector) Detect(res *indicator.Result, candle *models.Candle) []*models.Signal {
	if res == nil || candle == nil || !candle.IsClosed {
		return nil
	}

	var signals []*models.Signal

	if s := d.detectRSI(res, candle); s != nil {
		signals = append(signals, s)
	}
	if s := d.detectEMACrossover(res, candle); s != nil {
		signals = append(signals, s)
	}
	if s := d.detectBollinger(res, candle); s != nil {
		signals = append(signals, s)
	}
	if s := d.detectFibonacci(res, candle); s != nil {
		signals = append(signals, s)
	}

	return signals
}

// detectRSI проверяет зоны перепроданности и перекупленности
func (d *Detector) detectRSI(res *indicator.Result, candle *models.Candle) *models.Signal {
	rsi := res.Snapshot.RSI
	ind := d.config.Indicators

	if rsi < ind.RSIOversold {
		return d.newSignal(candle, models.IndicatorRSI, models.ActionBuy, rsi,
			fmt.Sprintf("RSI %.1f ниже %.0f: перепроданность", rsi, ind.RSIOversold))
	}
	if rsi > ind.RSIOverbought {
		return d.newSignal(candle, models.IndicatorRSI, models.ActionSell, rsi,
			fmt.Sprintf("RSI %.1f выше %.0f: перекупленность", rsi, ind.RSIOverbought))
	}
	return nil
}

// detectEMACrossover проверяет пересечение короткой и длинной EMA.
// Требуются минимум два последовательных среза.
func (d *Detector) detectEMACrossover(res *indicator.Result, candle *models.Candle) *models.Signal {
	short := res.EMAShort
	long := res.EMALong
	n := len(short)
	if n < 2 || len(long) != n {
		return nil
	}

	prevShort, prevLong := short[n-2], long[n-2]
	currShort, currLong := short[n-1], long[n-1]

	// Начальные точки серий EMA еще не прогреты
	if prevShort == 0 || prevLong == 0 {
		return nil
	}

	// Золотой крест: короткая EMA пересекает длинную снизу вверх
	if prevShort <= prevLong && currShort > currLong {
		return d.newSignal(candle, models.IndicatorEMACrossover, models.ActionBuy, currShort-currLong,
			fmt.Sprintf("золотой крест: EMA%d пересекла EMA%d снизу вверх",
				d.config.Indicators.EMAShortPeriod, d.config.Indicators.EMALongPeriod))
	}
	// Мертвый крест: симметричное пересечение сверху вниз
	if prevShort >= prevLong && currShort < currLong {
		return d.newSignal(candle, models.IndicatorEMACrossover, models.ActionSell, currShort-currLong,
			fmt.Sprintf("мертвый крест: EMA%d пересекла EMA%d сверху вниз",
				d.config.Indicators.EMAShortPeriod, d.config.Indicators.EMALongPeriod))
	}
	return nil
}

// detectBollinger проверяет касание границ полос Боллинджера
func (d *Detector) detectBollinger(res *indicator.Result, candle *models.Candle) *models.Signal {
	bb := res.Snapshot.Bollinger
	if bb.Upper == 0 && bb.Lower == 0 {
		return nil
	}

	if candle.Close <= bb.Lower {
		return d.newSignal(candle, models.IndicatorBollinger, models.ActionBuy, candle.Close-bb.Lower,
			fmt.Sprintf("цена %.2f на нижней полосе Боллинджера %.2f", candle.Close, bb.Lower))
	}
	if candle.Close >= bb.Upper {
		return d.newSignal(candle, models.IndicatorBollinger, models.ActionSell, candle.Close-bb.Upper,
			fmt.Sprintf("цена %.2f на верхней полосе Боллинджера %.2f", candle.Close, bb.Upper))
	}
	return nil
}

// detectFibonacci проверяет пересечение ключевых уровней Фибоначчи:
// покупка при пробое 61.8% вверх, продажа при пробое 38.2% вниз
func (d *Detector) detectFibonacci(res *indicator.Result, candle *models.Candle) *models.Signal {
	n := len(res.Closes)
	if n < 2 {
		return nil
	}
	prevClose := res.Closes[n-2]
	currClose := candle.Close
	fib := res.Snapshot.Fibonacci

	if prevClose < fib.Level618 && fib.Level618 <= currClose {
		return d.newSignal(candle, models.IndicatorFibonacci, models.ActionBuy, fib.Level618,
			fmt.Sprintf("пробой уровня 61.8%% (%.2f) снизу вверх", fib.Level618))
	}
	if prevClose > fib.Level382 && fib.Level382 >= currClose {
		return d.newSignal(candle, models.IndicatorFibonacci, models.ActionSell, fib.Level382,
			fmt.Sprintf("пробой уровня 38.2%% (%.2f) сверху вниз", fib.Level382))
	}
	return nil
}

// newSignal собирает сигнал по текущей свече
func (d *Detector) newSignal(candle *models.Candle, indicator models.IndicatorType, action models.SignalAction, value float64, reason string) *models.Signal {
	return &models.Signal{
		Symbol:    candle.Symbol,
		Time:      candle.CloseTime,
		Indicator: indicator,
		Action:    action,
		Price:     candle.Close,
		Value:     value,
		Reason:    reason,
	}
}
