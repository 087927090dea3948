package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/skalibog/bptb/pkg/models"
)

// MemoryStorage реализует интерфейс Storage в памяти.
// Используется в тестах и как запасной вариант без InfluxDB.
type MemoryStorage struct {
	mu sync.RWMutex

	candles      map[string][]*models.Candle // ключ symbol|interval
	signals      map[string][]*models.Signal
	decisions    map[string][]*models.ConsensusDecision
	transactions map[string][]*models.Transaction
	portfolios   map[string]*models.Portfolio
	tasks        map[string]*models.MonitorTask // ключ symbol|interval|account
}

// NewMemoryStorage создает новое хранилище в памяти
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		candles:      make(map[string][]*models.Candle),
		signals:      make(map[string][]*models.Signal),
		decisions:    make(map[string][]*models.ConsensusDecision),
		transactions: make(map[string][]*models.Transaction),
		portfolios:   make(map[string]*models.Portfolio),
		tasks:        make(map[string]*models.MonitorTask),
	}
}

// Close ничего не освобождает, реализует интерфейс
func (s *MemoryStorage) Close() {}

func candleKey(symbol, interval string) string {
	return symbol + "|" + interval
}

func taskKey(symbol, interval, accountID string) string {
	return symbol + "|" + interval + "|" + accountID
}

// SaveCandle сохраняет свечу. Свеча с уже известным временем открытия
// заменяется на месте — так обновляются незакрытые свечи.
func (s *MemoryStorage) SaveCandle(ctx context.Context, candle *models.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := candleKey(candle.Symbol, candle.Interval)
	buf := s.candles[key]
	for i, c := range buf {
		if c.OpenTime.Equal(candle.OpenTime) {
			buf[i] = candle
			return nil
		}
	}
	s.candles[key] = append(buf, candle)
	return nil
}

// SaveCandles сохраняет множество свечей
func (s *MemoryStorage) SaveCandles(ctx context.Context, candles []*models.Candle) error {
	for _, candle := range candles {
		if err := s.SaveCandle(ctx, candle); err != nil {
			return err
		}
	}
	return nil
}

// GetCandles возвращает последние limit свечей от старых к новым
func (s *MemoryStorage) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.candles[candleKey(symbol, interval)]
	out := make([]*models.Candle, len(buf))
	copy(out, buf)
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// SaveSignal сохраняет сигнал
func (s *MemoryStorage) SaveSignal(ctx context.Context, signal *models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[signal.Symbol] = append(s.signals[signal.Symbol], signal)
	return nil
}

// GetSignalHistory возвращает последние limit сигналов от новых к старым
func (s *MemoryStorage) GetSignalHistory(ctx context.Context, symbol string, limit int) ([]*models.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.signals[symbol]
	out := make([]*models.Signal, 0, len(buf))
	for i := len(buf) - 1; i >= 0; i-- {
		out = append(out, buf[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SaveDecision сохраняет консенсусное решение
func (s *MemoryStorage) SaveDecision(ctx context.Context, decision *models.ConsensusDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[decision.Symbol] = append(s.decisions[decision.Symbol], decision)
	return nil
}

// GetDecisionHistory возвращает последние limit решений от новых к старым
func (s *MemoryStorage) GetDecisionHistory(ctx context.Context, symbol string, limit int) ([]*models.ConsensusDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.decisions[symbol]
	out := make([]*models.ConsensusDecision, 0, len(buf))
	for i := len(buf) - 1; i >= 0; i-- {
		out = append(out, buf[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SaveTransaction добавляет запись в журнал сделок
func (s *MemoryStorage) SaveTransaction(ctx context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[tx.AccountID] = append(s.transactions[tx.AccountID], tx)
	return nil
}

// GetTransactions возвращает журнал сделок от старых к новым
func (s *MemoryStorage) GetTransactions(ctx context.Context, accountID string, limit int) ([]*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.transactions[accountID]
	out := make([]*models.Transaction, len(buf))
	copy(out, buf)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SavePortfolio сохраняет снимок портфеля
func (s *MemoryStorage) SavePortfolio(ctx context.Context, portfolio *models.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portfolios[portfolio.AccountID] = portfolio.Clone()
	return nil
}

// GetPortfolio возвращает копию портфеля или nil, если его нет
func (s *MemoryStorage) GetPortfolio(ctx context.Context, accountID string) (*models.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[accountID]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

// SaveMonitorTask сохраняет состояние задачи мониторинга
func (s *MemoryStorage) SaveMonitorTask(ctx context.Context, task *models.MonitorTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	taskCopy := *task
	s.tasks[taskKey(task.Symbol, task.Interval, task.AccountID)] = &taskCopy
	return nil
}

// GetMonitorTasks возвращает все известные задачи мониторинга
func (s *MemoryStorage) GetMonitorTasks(ctx context.Context) ([]*models.MonitorTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.MonitorTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		taskCopy := *task
		out = append(out, &taskCopy)
	}
	return out, nil
}
