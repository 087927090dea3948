package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skalibog/bptb/internal/analysis/consensus"
	"github.com/skalibog/bptb/internal/analysis/detector"
	"github.com/skalibog/bptb/internal/analysis/indicator"
	"github.com/skalibog/bptb/internal/analysis/window"
	"github.com/skalibog/bptb/internal/config"
	"github.com/skalibog/bptb/internal/events"
	"github.com/skalibog/bptb/internal/exchange"
	"github.com/skalibog/bptb/internal/portfolio"
	"github.com/skalibog/bptb/internal/storage"
	"github.com/skalibog/bptb/pkg/logger"
	"github.com/skalibog/bptb/pkg/models"
)

var (
	// ErrTaskAlreadyRunning задача мониторинга по этому ключу уже работает
	ErrTaskAlreadyRunning = errors.New("задача мониторинга уже запущена")
	// ErrTaskNotFound задача мониторинга по этому ключу не найдена
	ErrTaskNotFound = errors.New("задача мониторинга не найдена")
)

// Таймаут загрузки истории при старте задачи
const backfillTimeout = 30 * time.Second

// Размер буфера входящих свечей одной задачи
const candleBuffer = 256

// TaskKey идентифицирует задачу мониторинга
type TaskKey struct {
	Symbol    string
	Interval  string
	AccountID string
}

func (k TaskKey) String() string {
	return k.Symbol + "/" + k.Interval + "/" + k.AccountID
}

// TaskStatus снимок состояния одной задачи мониторинга
type TaskStatus struct {
	Key       TaskKey
	State     models.MonitorState
	StartTime time.Time
	LastError string
}

// task одна работающая задача мониторинга со своим окном свечей
type task struct {
	key       TaskKey
	state     models.MonitorState
	startTime time.Time
	lastErr   error

	sub       exchange.Subscription
	candles   chan *models.Candle
	done      chan struct{}
	closeDone sync.Once
	stopped   sync.WaitGroup

	// Скользящее окно свечей от старых к новым, только для горутины задачи
	buffer []*models.Candle
}

// shutdown закрывает канал остановки задачи ровно один раз
func (t *task) shutdown() {
	t.closeDone.Do(func() {
		close(t.done)
	})
}

// Supervisor управляет жизненным циклом задач мониторинга.
// Каждая задача ведет одну пару (символ, интервал) для одного аккаунта:
// загружает историю, слушает поток свечей и гонит закрытые свечи
// через аналитический конвейер до консенсусных решений и сделок.
// Сбой одной задачи не задевает остальные.
type Supervisor struct {
	mu    sync.Mutex
	tasks map[TaskKey]*task

	config     *config.Config
	feed       exchange.Feed
	store      storage.Storage
	ledger     *portfolio.Ledger
	window     *window.Window
	engine     *indicator.Engine
	detector   *detector.Detector
	aggregator *consensus.Aggregator
	bus        *events.Bus
}

// NewSupervisor создает новый супервизор задач мониторинга
func NewSupervisor(cfg *config.Config, feed exchange.Feed, store storage.Storage, ledger *portfolio.Ledger, win *window.Window, bus *events.Bus) *Supervisor {
	return &Supervisor{
		tasks:      make(map[TaskKey]*task),
		config:     cfg,
		feed:       feed,
		store:      store,
		ledger:     ledger,
		window:     win,
		engine:     indicator.NewEngine(cfg.Analysis),
		detector:   detector.NewDetector(cfg.Analysis),
		aggregator: consensus.NewAggregator(cfg.Analysis),
		bus:        bus,
	}
}

// StartMonitor запускает задачу мониторинга: загружает историю,
// прогоняет хвост истории через конвейер и подписывается на поток свечей.
// Ошибка на любом шаге оставляет задачу остановленной.
func (s *Supervisor) StartMonitor(ctx context.Context, symbol, interval, accountID string) error {
	key := TaskKey{Symbol: symbol, Interval: interval, AccountID: accountID}

	s.mu.Lock()
	if existing, ok := s.tasks[key]; ok && existing.state != models.StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskAlreadyRunning, key)
	}
	t := &task{
		key:       key,
		state:     models.StateStarting,
		startTime: time.Now(),
		candles:   make(chan *models.Candle, candleBuffer),
		done:      make(chan struct{}),
	}
	s.tasks[key] = t
	s.mu.Unlock()

	if err := s.startTask(ctx, t); err != nil {
		s.mu.Lock()
		t.state = models.StateStopped
		t.lastErr = err
		s.mu.Unlock()
		s.persistTask(ctx, t, false)
		return err
	}

	// Задачу могли остановить, пока шел запуск: остановка главнее.
	// Подписку, успевшую открыться, закрываем здесь же.
	s.mu.Lock()
	if t.state == models.StateStopped {
		s.mu.Unlock()
		t.shutdown()
		if t.sub != nil {
			t.sub.Unsubscribe()
		}
		t.stopped.Wait()
		s.persistTask(ctx, t, false)
		logger.Info("Запуск задачи отменен остановкой",
			zap.String("task", t.key.String()))
		return nil
	}
	t.state = models.StateRunning
	s.mu.Unlock()
	s.persistTask(ctx, t, true)

	logger.Info("Задача мониторинга запущена",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.String("account", accountID))
	return nil
}

// startTask выполняет загрузку истории и подписку на поток
func (s *Supervisor) startTask(ctx context.Context, t *task) error {
	backfillCtx, cancel := context.WithTimeout(ctx, backfillTimeout)
	defer cancel()

	history, err := s.feed.GetHistorical(backfillCtx, t.key.Symbol, t.key.Interval, s.config.Analysis.HistoryLimit)
	if err != nil {
		return fmt.Errorf("ошибка загрузки истории %s: %w", t.key, err)
	}
	if err := s.store.SaveCandles(ctx, history); err != nil {
		logger.Warn("Не удалось сохранить историю свечей",
			zap.String("task", t.key.String()), zap.Error(err))
	}
	t.buffer = history

	// Остановка во время загрузки истории: дальше не идем,
	// ни прогона хвоста, ни подписки
	select {
	case <-t.done:
		return nil
	default:
	}

	// Хвост истории прогоняем через конвейер: свежезапущенная задача
	// сразу видит сигналы последних свечей, паузы эмиссии гасят повторы
	s.replayBacklog(ctx, t)

	sub, err := s.feed.Subscribe(t.key.Symbol, t.key.Interval, func(candle *models.Candle) {
		select {
		case t.candles <- candle:
		case <-t.done:
		default:
			// Конвейер не успевает, тик теряем
		}
	})
	if err != nil {
		return fmt.Errorf("ошибка подписки на поток %s: %w", t.key, err)
	}
	t.sub = sub

	t.stopped.Add(1)
	go s.runTask(t)
	return nil
}

// replayBacklog прогоняет через конвейер закрытые свечи хвоста истории,
// попадающие в окно консенсуса относительно самой свежей свечи
func (s *Supervisor) replayBacklog(ctx context.Context, t *task) {
	if len(t.buffer) == 0 {
		return
	}
	newest := t.buffer[len(t.buffer)-1].CloseTime
	cutoff := newest.Add(-s.config.Analysis.Window())

	for i, candle := range t.buffer {
		if !candle.IsClosed || !candle.CloseTime.After(cutoff) {
			continue
		}
		s.evaluate(ctx, t, t.buffer[:i+1], candle)
	}
}

// runTask основной цикл задачи: читает свечи из буфера подписки
// и гонит их через конвейер до остановки
func (s *Supervisor) runTask(t *task) {
	defer t.stopped.Done()
	ctx := context.Background()

	for {
		select {
		case <-t.done:
			return
		case candle := <-t.candles:
			s.processCandle(ctx, t, candle)
		}
	}
}

// processCandle обрабатывает одну свечу из потока.
// Незакрытая свеча дает только ценовой тик, закрытая идет в конвейер.
func (s *Supervisor) processCandle(ctx context.Context, t *task, candle *models.Candle) {
	if !candle.IsClosed {
		if s.bus != nil {
			s.bus.PublishPrice(events.PriceTick{
				Symbol: candle.Symbol,
				Price:  candle.Close,
				Time:   candle.CloseTime,
			})
		}
		s.ledger.UpdateMarketPrice(ctx, t.key.AccountID, candle.Symbol, candle.Close)
		return
	}

	t.buffer = appendCandle(t.buffer, candle, s.config.Analysis.HistoryLimit)
	if err := s.store.SaveCandle(ctx, candle); err != nil {
		logger.Warn("Не удалось сохранить свечу",
			zap.String("task", t.key.String()), zap.Error(err))
	}

	s.evaluate(ctx, t, t.buffer, candle)
}

// evaluate прогоняет окно свечей через конвейер:
// индикаторы → сигналы → окно → консенсус → сделка
func (s *Supervisor) evaluate(ctx context.Context, t *task, candles []*models.Candle, candle *models.Candle) {
	res, err := s.engine.Compute(candles)
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientData) {
			logger.Debug("Недостаточно свечей для расчета",
				zap.String("task", t.key.String()),
				zap.Int("candles", len(candles)))
		} else {
			s.recordError(t, err)
			logger.Error("Ошибка расчета индикаторов",
				zap.String("task", t.key.String()), zap.Error(err))
		}
		return
	}

	for _, signal := range s.detector.Detect(res, candle) {
		if !s.window.Add(signal) {
			continue
		}
		if !s.window.ShouldEmit(signal) {
			continue
		}
		if err := s.store.SaveSignal(ctx, signal); err != nil {
			logger.Warn("Не удалось сохранить сигнал",
				zap.String("task", t.key.String()), zap.Error(err))
		}
		if s.bus != nil {
			s.bus.PublishSignal(signal)
		}
		logger.Info("Сигнал",
			zap.String("symbol", signal.Symbol),
			zap.String("indicator", string(signal.Indicator)),
			zap.String("action", string(signal.Action)),
			zap.Float64("price", signal.Price),
			zap.String("reason", signal.Reason))
	}

	snapshot := s.window.Snapshot(candle.Symbol, candle.CloseTime)
	decision := s.aggregator.Evaluate(snapshot, candle.CloseTime)
	if decision == nil {
		return
	}
	if !s.window.AllowDecision(decision.Symbol, decision.Action, candle.CloseTime) {
		logger.Debug("Решение погашено паузой",
			zap.String("symbol", decision.Symbol),
			zap.String("action", string(decision.Action)))
		return
	}

	if err := s.store.SaveDecision(ctx, decision); err != nil {
		logger.Warn("Не удалось сохранить решение",
			zap.String("task", t.key.String()), zap.Error(err))
	}
	if s.bus != nil {
		s.bus.PublishDecision(decision)
	}
	logger.Info("Консенсусное решение",
		zap.String("symbol", decision.Symbol),
		zap.String("action", string(decision.Action)),
		zap.Float64("strength", decision.Strength),
		zap.String("reason", decision.Reason))

	if _, err := s.ledger.ProcessDecision(ctx, decision, t.key.AccountID); err != nil {
		// Отказ сделки штатен: продажа без позиции, нехватка средств
		logger.Warn("Сделка по решению не исполнена",
			zap.String("task", t.key.String()), zap.Error(err))
	}
}

// appendCandle добавляет закрытую свечу в окно, заменяя свечу
// с тем же временем открытия, и обрезает окно до limit
func appendCandle(buffer []*models.Candle, candle *models.Candle, limit int) []*models.Candle {
	for i := len(buffer) - 1; i >= 0; i-- {
		if buffer[i].OpenTime.Equal(candle.OpenTime) {
			buffer[i] = candle
			return buffer
		}
		if buffer[i].OpenTime.Before(candle.OpenTime) {
			break
		}
	}
	buffer = append(buffer, candle)
	if limit > 0 && len(buffer) > limit {
		buffer = buffer[len(buffer)-limit:]
	}
	return buffer
}

// StopMonitor останавливает задачу мониторинга и сохраняет ее
// неактивное состояние в хранилище
func (s *Supervisor) StopMonitor(ctx context.Context, symbol, interval, accountID string) error {
	key := TaskKey{Symbol: symbol, Interval: interval, AccountID: accountID}

	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok || t.state == models.StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, key)
	}
	t.state = models.StateStopped
	s.mu.Unlock()

	s.stopTask(t)
	s.persistTask(ctx, t, false)

	logger.Info("Задача мониторинга остановлена",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.String("account", accountID))
	return nil
}

// stopTask отписывается от потока и дожидается завершения горутины задачи
func (s *Supervisor) stopTask(t *task) {
	if t.sub != nil {
		t.sub.Unsubscribe()
	}
	t.shutdown()
	t.stopped.Wait()
}

// persistTask сохраняет состояние задачи для восстановления после рестарта
func (s *Supervisor) persistTask(ctx context.Context, t *task, active bool) {
	record := &models.MonitorTask{
		Symbol:    t.key.Symbol,
		Interval:  t.key.Interval,
		AccountID: t.key.AccountID,
		Active:    active,
		StartTime: t.startTime,
	}
	if !active {
		record.StopTime = time.Now()
	}
	if err := s.store.SaveMonitorTask(ctx, record); err != nil {
		logger.Warn("Не удалось сохранить состояние задачи",
			zap.String("task", t.key.String()), zap.Error(err))
	}
}

// recordError запоминает последнюю ошибку задачи для отчета о состоянии
func (s *Supervisor) recordError(t *task, err error) {
	s.mu.Lock()
	t.lastErr = err
	s.mu.Unlock()
}

// GetStatus возвращает снимок состояния всех известных задач
func (s *Supervisor) GetStatus() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		status := TaskStatus{
			Key:       t.key,
			State:     t.state,
			StartTime: t.startTime,
		}
		if t.lastErr != nil {
			status.LastError = t.lastErr.Error()
		}
		out = append(out, status)
	}
	return out
}

// GetActiveSymbols возвращает символы работающих задач аккаунта без повторов
func (s *Supervisor) GetActiveSymbols(accountID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, t := range s.tasks {
		if t.state != models.StateRunning || t.key.AccountID != accountID || seen[t.key.Symbol] {
			continue
		}
		seen[t.key.Symbol] = true
		out = append(out, t.key.Symbol)
	}
	return out
}

// ManualTrade исполняет сделку вручную, минуя консенсусный конвейер
func (s *Supervisor) ManualTrade(ctx context.Context, accountID, symbol string, action models.SignalAction, quantity, price float64) (*models.Portfolio, error) {
	return s.ledger.ExecuteTrade(ctx, accountID, symbol, action, quantity, price, portfolio.OriginManual)
}

// Restore перезапускает задачи, активные на момент прошлой остановки.
// Ошибка запуска одной задачи не мешает остальным: такая задача
// остается остановленной с записанной ошибкой.
func (s *Supervisor) Restore(ctx context.Context) error {
	records, err := s.store.GetMonitorTasks(ctx)
	if err != nil {
		return fmt.Errorf("ошибка загрузки задач мониторинга: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, record := range records {
		if !record.Active {
			continue
		}
		record := record
		g.Go(func() error {
			if err := s.StartMonitor(gctx, record.Symbol, record.Interval, record.AccountID); err != nil {
				logger.Error("Не удалось восстановить задачу мониторинга",
					zap.String("symbol", record.Symbol),
					zap.String("interval", record.Interval),
					zap.String("account", record.AccountID),
					zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll останавливает все работающие задачи
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	var running []*task
	for _, t := range s.tasks {
		if t.state != models.StateStopped {
			t.state = models.StateStopped
			running = append(running, t)
		}
	}
	s.mu.Unlock()

	for _, t := range running {
		s.stopTask(t)
		s.persistTask(ctx, t, false)
	}

	if len(running) > 0 {
		logger.Info("Все задачи мониторинга остановлены", zap.Int("count", len(running)))
	}
}
