package window

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/bptb/internal/config"
	"github.com/skalibog/bptb/pkg/logger"
	"github.com/skalibog/bptb/pkg/models"
)

// Window хранит скользящее окно сигналов по каждому символу
// и ведет учет времени последних эмиссий для дедупликации.
// Все методы потокобезопасны: задачи мониторинга с разными интервалами
// могут работать с одним символом одновременно.
type Window struct {
	mu     sync.Mutex
	config config.AnalysisConfig

	// Буферы сигналов по символам, обрезаются по окну консенсуса
	signals map[string][]*models.Signal
	// Последний принятый сигнал по ключу (symbol, indicator, action) — точная дедупликация
	lastSeen map[dedupKey]time.Time
	// Последняя эмиссия в выходной поток по тому же ключу
	lastEmit map[dedupKey]time.Time
	// Последнее консенсусное решение по ключу (symbol, action)
	lastDecision map[dedupKey]time.Time
}

type dedupKey struct {
	symbol    string
	indicator models.IndicatorType
	action    models.SignalAction
}

// New создает новое окно сигналов
func New(cfg config.AnalysisConfig) *Window {
	return &Window{
		config:       cfg,
		signals:      make(map[string][]*models.Signal),
		lastSeen:     make(map[dedupKey]time.Time),
		lastEmit:     make(map[dedupKey]time.Time),
		lastDecision: make(map[dedupKey]time.Time),
	}
}

// Add добавляет сигнал в окно. Возвращает false, если сигнал
// с тем же ключом (symbol, indicator, action) уже был принят
// внутри окна точной дедупликации — такой дубль отбрасывается целиком.
func (w *Window) Add(signal *models.Signal) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := dedupKey{signal.Symbol, signal.Indicator, signal.Action}
	if last, ok := w.lastSeen[key]; ok {
		if signal.Time.Sub(last) < w.config.DedupWindow() {
			logger.Debug("Дубль сигнала отброшен",
				zap.String("symbol", signal.Symbol),
				zap.String("indicator", string(signal.Indicator)),
				zap.String("action", string(signal.Action)))
			return false
		}
	}

	w.lastSeen[key] = signal.Time
	w.signals[signal.Symbol] = append(w.signals[signal.Symbol], signal)
	w.pruneLocked(signal.Symbol, signal.Time)
	return true
}

// ShouldEmit решает, выпускать ли сигнал в выходной поток.
// Повторный сигнал внутри паузы эмиссии молча поглощается,
// но остается в окне и продолжает участвовать в консенсусе.
func (w *Window) ShouldEmit(signal *models.Signal) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := dedupKey{signal.Symbol, signal.Indicator, signal.Action}
	if last, ok := w.lastEmit[key]; ok {
		if signal.Time.Sub(last) < w.config.SignalCooldown() {
			return false
		}
	}
	w.lastEmit[key] = signal.Time
	return true
}

// Snapshot возвращает копию окна сигналов символа,
// обрезанную по окну консенсуса относительно now
func (w *Window) Snapshot(symbol string, now time.Time) []*models.Signal {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(symbol, now)
	buf := w.signals[symbol]
	out := make([]*models.Signal, len(buf))
	copy(out, buf)
	return out
}

// AllowDecision проверяет паузу между одинаковыми консенсусными
// решениями по (symbol, action) и фиксирует эмиссию при разрешении
func (w *Window) AllowDecision(symbol string, action models.SignalAction, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := dedupKey{symbol: symbol, indicator: models.IndicatorConsensus, action: action}
	if last, ok := w.lastDecision[key]; ok {
		if now.Sub(last) < w.config.DecisionCooldown() {
			return false
		}
	}
	w.lastDecision[key] = now
	return true
}

// pruneLocked удаляет из буфера символа сигналы старше окна консенсуса.
// Вызывается только под мьютексом.
func (w *Window) pruneLocked(symbol string, now time.Time) {
	buf := w.signals[symbol]
	if len(buf) == 0 {
		return
	}

	cutoff := now.Add(-w.config.Window())
	keep := buf[:0]
	for _, s := range buf {
		if s.Time.After(cutoff) {
			keep = append(keep, s)
		}
	}
	w.signals[symbol] = keep
}
