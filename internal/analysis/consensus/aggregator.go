package consensus

import (
	"fmt"
	"time"

	"github.com/skalibog/bptb/internal/config"
	"github.com/skalibog/bptb/pkg/models"
)

// Aggregator сводит окно сигналов одного символа в консенсусное решение.
// Чистая функция от входа: состояние пауз и окон живет в window.Window.
type Aggregator struct {
	config config.AnalysisConfig
}

// NewAggregator создает новый агрегатор консенсуса
func NewAggregator(cfg config.AnalysisConfig) *Aggregator {
	return &Aggregator{
		config: cfg,
	}
}

// Evaluate оценивает окно сигналов и возвращает решение или nil.
// Порядок проверок: фильтр по окну → вето конфликта → пороги → бонус разнообразия.
func (a *Aggregator) Evaluate(signals []*models.Signal, now time.Time) *models.ConsensusDecision {
	if len(signals) == 0 {
		return nil
	}

	// Фильтруем по окну консенсуса
	cutoff := now.Add(-a.config.Window())
	var windowed []*models.Signal
	for _, s := range signals {
		if s.Time.After(cutoff) {
			windowed = append(windowed, s)
		}
	}
	if len(windowed) == 0 {
		return nil
	}

	// Суммируем веса и считаем сигналы по направлениям
	totalScore := 0
	buyCount, sellCount := 0, 0
	buyIndicators := make(map[models.IndicatorType]bool)
	sellIndicators := make(map[models.IndicatorType]bool)
	var lastSignal *models.Signal

	for _, s := range windowed {
		totalScore += a.config.Weight(s.Indicator, s.Action)
		switch s.Action {
		case models.ActionBuy:
			buyCount++
			buyIndicators[s.Indicator] = true
		case models.ActionSell:
			sellCount++
			sellIndicators[s.Indicator] = true
		}
		if lastSignal == nil || s.Time.After(lastSignal.Time) {
			lastSignal = s
		}
	}

	// Вето конфликта: слишком сильное разногласие сторон.
	// Требует более одного сигнала на большей стороне — одиночные
	// противоположные сигналы вето не вызывают.
	maxSide := buyCount
	minSide := sellCount
	if sellCount > buyCount {
		maxSide, minSide = sellCount, buyCount
	}
	if maxSide > 1 && float64(minSide)/float64(maxSide) > 0.5 {
		return nil
	}

	// Пороги включительные
	var action models.SignalAction
	var indicators map[models.IndicatorType]bool
	switch {
	case totalScore >= a.config.Thresholds.Buy:
		action = models.ActionBuy
		indicators = buyIndicators
	case totalScore <= a.config.Thresholds.Sell:
		action = models.ActionSell
		indicators = sellIndicators
	default:
		return nil
	}

	strength := float64(totalScore)
	if strength < 0 {
		strength = -strength
	}

	reason := fmt.Sprintf("консенсус %s: счет %d", action, totalScore)

	// Бонус разнообразия: несколько независимых индикаторов
	// на выигравшей стороне усиливают решение
	if len(indicators) >= 2 {
		bonus := float64(len(indicators) - 1)
		strength += bonus
		reason += fmt.Sprintf(", подтверждено %d индикаторами (+%.0f)", len(indicators), bonus)
	}

	return &models.ConsensusDecision{
		Symbol:   lastSignal.Symbol,
		Time:     now,
		Action:   action,
		Strength: strength,
		Reason:   reason,
		Price:    lastSignal.Price,
	}
}
