package storage

import (
	"context"

	"github.com/skalibog/bptb/pkg/models"
)

// Storage интерфейс для работы с хранилищем данных.
// Продакшен-реализация — InfluxDB, для тестов — память.
type Storage interface {
	// Методы для свечей
	SaveCandle(ctx context.Context, candle *models.Candle) error
	SaveCandles(ctx context.Context, candles []*models.Candle) error
	// GetCandles возвращает свечи от старых к новым
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error)

	// Методы для сигналов
	SaveSignal(ctx context.Context, signal *models.Signal) error
	GetSignalHistory(ctx context.Context, symbol string, limit int) ([]*models.Signal, error)

	// Методы для консенсусных решений
	SaveDecision(ctx context.Context, decision *models.ConsensusDecision) error
	GetDecisionHistory(ctx context.Context, symbol string, limit int) ([]*models.ConsensusDecision, error)

	// Методы для журнала сделок
	SaveTransaction(ctx context.Context, tx *models.Transaction) error
	// GetTransactions возвращает сделки от старых к новым
	GetTransactions(ctx context.Context, accountID string, limit int) ([]*models.Transaction, error)

	// Методы для портфелей
	SavePortfolio(ctx context.Context, portfolio *models.Portfolio) error
	// GetPortfolio возвращает nil без ошибки, если портфель не сохранялся
	GetPortfolio(ctx context.Context, accountID string) (*models.Portfolio, error)

	// Методы для задач мониторинга
	SaveMonitorTask(ctx context.Context, task *models.MonitorTask) error
	GetMonitorTasks(ctx context.Context) ([]*models.MonitorTask, error)

	Close()
}
