// internal/storage/influxdb.go
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/skalibog/bptb/internal/config"
	"github.com/skalibog/bptb/pkg/models"
)

// InfluxDBStorage реализует интерфейс Storage с использованием InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPI
	org      string
	bucket   string
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(context.Background())
	if err != nil {
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	queryAPI := client.QueryAPI(cfg.Organization)
	writeAPI := client.WriteAPI(cfg.Organization, cfg.Bucket)

	return &InfluxDBStorage{
		client:   client,
		queryAPI: queryAPI,
		writeAPI: writeAPI,
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close закрывает соединение с базой данных
func (s *InfluxDBStorage) Close() {
	s.client.Close()
}

// candlePoint строит точку записи для свечи
func candlePoint(candle *models.Candle) *write.Point {
	return influxdb2.NewPoint(
		"candles",
		map[string]string{
			"symbol":   candle.Symbol,
			"interval": candle.Interval,
		},
		map[string]interface{}{
			"open":      candle.Open,
			"high":      candle.High,
			"low":       candle.Low,
			"close":     candle.Close,
			"volume":    candle.Volume,
			"is_closed": candle.IsClosed,
		},
		candle.OpenTime,
	)
}

// SaveCandle сохраняет свечу в базу данных
func (s *InfluxDBStorage) SaveCandle(ctx context.Context, candle *models.Candle) error {
	s.writeAPI.WritePoint(candlePoint(candle))
	s.writeAPI.Flush()
	return nil
}

// SaveCandles сохраняет множество свечей
func (s *InfluxDBStorage) SaveCandles(ctx context.Context, candles []*models.Candle) error {
	for _, candle := range candles {
		s.writeAPI.WritePoint(candlePoint(candle))
	}
	s.writeAPI.Flush()
	return nil
}

// GetCandles получает исторические свечи от старых к новым
func (s *InfluxDBStorage) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error) {
	// Формируем Flux-запрос: последние limit свечей
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "candles")
			|> filter(fn: (r) => r.symbol == "%s")
			|> filter(fn: (r) => r.interval == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
	`, s.bucket, symbol, interval) + limitClause(limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса свечей: %w", err)
	}

	var candles []*models.Candle
	for result.Next() {
		record := result.Record()

		timestamp := record.Time()
		open, _ := record.ValueByKey("open").(float64)
		high, _ := record.ValueByKey("high").(float64)
		low, _ := record.ValueByKey("low").(float64)
		closePrice, _ := record.ValueByKey("close").(float64)
		volume, _ := record.ValueByKey("volume").(float64)
		isClosed, _ := record.ValueByKey("is_closed").(bool)

		candle := &models.Candle{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  timestamp,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
			CloseTime: timestamp.Add(getIntervalDuration(interval)),
			IsClosed:  isClosed,
		}
		candles = append(candles, candle)
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	// Запрос отдает от новых к старым, разворачиваем для конвейера
	reverseCandles(candles)
	return candles, nil
}

// SaveSignal сохраняет сигнал индикатора
func (s *InfluxDBStorage) SaveSignal(ctx context.Context, signal *models.Signal) error {
	point := influxdb2.NewPoint(
		"signals",
		map[string]string{
			"symbol":    signal.Symbol,
			"indicator": string(signal.Indicator),
			"action":    string(signal.Action),
		},
		map[string]interface{}{
			"price":  signal.Price,
			"value":  signal.Value,
			"reason": signal.Reason,
		},
		signal.Time,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()
	return nil
}

// GetSignalHistory получает историю сигналов
func (s *InfluxDBStorage) GetSignalHistory(ctx context.Context, symbol string, limit int) ([]*models.Signal, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "signals")
			|> filter(fn: (r) => r.symbol == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
	`, s.bucket, symbol) + limitClause(limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса истории сигналов: %w", err)
	}

	var signals []*models.Signal
	for result.Next() {
		record := result.Record()

		indicator, _ := record.ValueByKey("indicator").(string)
		action, _ := record.ValueByKey("action").(string)
		price, _ := record.ValueByKey("price").(float64)
		value, _ := record.ValueByKey("value").(float64)
		reason, _ := record.ValueByKey("reason").(string)

		signal := &models.Signal{
			Symbol:    symbol,
			Time:      record.Time(),
			Indicator: models.IndicatorType(indicator),
			Action:    models.SignalAction(action),
			Price:     price,
			Value:     value,
			Reason:    reason,
		}
		signals = append(signals, signal)
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return signals, nil
}

// SaveDecision сохраняет консенсусное решение
func (s *InfluxDBStorage) SaveDecision(ctx context.Context, decision *models.ConsensusDecision) error {
	point := influxdb2.NewPoint(
		"decisions",
		map[string]string{
			"symbol": decision.Symbol,
			"action": string(decision.Action),
		},
		map[string]interface{}{
			"strength": decision.Strength,
			"reason":   decision.Reason,
			"price":    decision.Price,
		},
		decision.Time,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()
	return nil
}

// GetDecisionHistory получает историю консенсусных решений
func (s *InfluxDBStorage) GetDecisionHistory(ctx context.Context, symbol string, limit int) ([]*models.ConsensusDecision, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "decisions")
			|> filter(fn: (r) => r.symbol == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
	`, s.bucket, symbol) + limitClause(limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса истории решений: %w", err)
	}

	var decisions []*models.ConsensusDecision
	for result.Next() {
		record := result.Record()

		action, _ := record.ValueByKey("action").(string)
		strength, _ := record.ValueByKey("strength").(float64)
		reason, _ := record.ValueByKey("reason").(string)
		price, _ := record.ValueByKey("price").(float64)

		decision := &models.ConsensusDecision{
			Symbol:   symbol,
			Time:     record.Time(),
			Action:   models.SignalAction(action),
			Strength: strength,
			Reason:   reason,
			Price:    price,
		}
		decisions = append(decisions, decision)
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return decisions, nil
}

// SaveTransaction сохраняет запись журнала сделок
func (s *InfluxDBStorage) SaveTransaction(ctx context.Context, tx *models.Transaction) error {
	point := influxdb2.NewPoint(
		"transactions",
		map[string]string{
			"account": tx.AccountID,
			"symbol":  tx.Symbol,
			"action":  string(tx.Action),
		},
		map[string]interface{}{
			"id":       tx.ID,
			"quantity": tx.Quantity,
			"price":    tx.Price,
			"value":    tx.Value,
			"signal":   tx.Signal,
		},
		tx.Timestamp,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()
	return nil
}

// GetTransactions получает журнал сделок аккаунта от старых к новым
func (s *InfluxDBStorage) GetTransactions(ctx context.Context, accountID string, limit int) ([]*models.Transaction, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -90d)
			|> filter(fn: (r) => r._measurement == "transactions")
			|> filter(fn: (r) => r.account == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: false)
	`, s.bucket, accountID) + limitClause(limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса журнала сделок: %w", err)
	}

	var txs []*models.Transaction
	for result.Next() {
		record := result.Record()

		symbol, _ := record.ValueByKey("symbol").(string)
		action, _ := record.ValueByKey("action").(string)
		id, _ := record.ValueByKey("id").(string)
		quantity, _ := record.ValueByKey("quantity").(float64)
		price, _ := record.ValueByKey("price").(float64)
		value, _ := record.ValueByKey("value").(float64)
		signalTag, _ := record.ValueByKey("signal").(string)

		tx := &models.Transaction{
			ID:        id,
			AccountID: accountID,
			Symbol:    symbol,
			Action:    models.SignalAction(action),
			Quantity:  quantity,
			Price:     price,
			Value:     value,
			Signal:    signalTag,
			Timestamp: record.Time(),
		}
		txs = append(txs, tx)
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return txs, nil
}

// SavePortfolio сохраняет снимок портфеля
func (s *InfluxDBStorage) SavePortfolio(ctx context.Context, portfolio *models.Portfolio) error {
	positions, err := json.Marshal(portfolio.Positions)
	if err != nil {
		return fmt.Errorf("ошибка сериализации позиций: %w", err)
	}

	point := influxdb2.NewPoint(
		"portfolios",
		map[string]string{
			"account": portfolio.AccountID,
		},
		map[string]interface{}{
			"balance":   portfolio.Balance,
			"equity":    portfolio.Equity,
			"positions": string(positions),
		},
		portfolio.UpdatedAt,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()
	return nil
}

// GetPortfolio получает последний снимок портфеля аккаунта.
// Если портфель еще не сохранялся, возвращает nil без ошибки.
func (s *InfluxDBStorage) GetPortfolio(ctx context.Context, accountID string) (*models.Portfolio, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -90d)
			|> filter(fn: (r) => r._measurement == "portfolios")
			|> filter(fn: (r) => r.account == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: 1)
	`, s.bucket, accountID)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса портфеля: %w", err)
	}

	if result.Next() {
		record := result.Record()

		balance, _ := record.ValueByKey("balance").(float64)
		equity, _ := record.ValueByKey("equity").(float64)
		positionsStr, _ := record.ValueByKey("positions").(string)

		positions := make(map[string]*models.AssetPosition)
		if positionsStr != "" {
			if err := json.Unmarshal([]byte(positionsStr), &positions); err != nil {
				return nil, fmt.Errorf("ошибка разбора позиций: %w", err)
			}
		}

		return &models.Portfolio{
			AccountID: accountID,
			Balance:   balance,
			Equity:    equity,
			Positions: positions,
			UpdatedAt: record.Time(),
		}, nil
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return nil, nil
}

// SaveMonitorTask сохраняет состояние задачи мониторинга
func (s *InfluxDBStorage) SaveMonitorTask(ctx context.Context, task *models.MonitorTask) error {
	point := influxdb2.NewPoint(
		"monitor_tasks",
		map[string]string{
			"symbol":   task.Symbol,
			"interval": task.Interval,
			"account":  task.AccountID,
		},
		map[string]interface{}{
			"active":     task.Active,
			"start_time": task.StartTime.UnixMilli(),
			"stop_time":  task.StopTime.UnixMilli(),
		},
		time.Now(),
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()
	return nil
}

// GetMonitorTasks получает последнее состояние каждой задачи мониторинга
func (s *InfluxDBStorage) GetMonitorTasks(ctx context.Context) ([]*models.MonitorTask, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -90d)
			|> filter(fn: (r) => r._measurement == "monitor_tasks")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> group(columns: ["symbol", "interval", "account"])
			|> sort(columns: ["_time"], desc: false)
			|> last(column: "_time")
	`, s.bucket)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса задач мониторинга: %w", err)
	}

	var tasks []*models.MonitorTask
	for result.Next() {
		record := result.Record()

		symbol, _ := record.ValueByKey("symbol").(string)
		interval, _ := record.ValueByKey("interval").(string)
		account, _ := record.ValueByKey("account").(string)
		active, _ := record.ValueByKey("active").(bool)
		startMs, _ := record.ValueByKey("start_time").(int64)
		stopMs, _ := record.ValueByKey("stop_time").(int64)

		task := &models.MonitorTask{
			Symbol:    symbol,
			Interval:  interval,
			AccountID: account,
			Active:    active,
			StartTime: time.UnixMilli(startMs),
			StopTime:  time.UnixMilli(stopMs),
		}
		tasks = append(tasks, task)
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return tasks, nil
}

// limitClause возвращает шаг ограничения выборки.
// Нулевой и отрицательный limit означают "без ограничения".
func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf("\t\t\t|> limit(n: %d)\n", limit)
}

// reverseCandles разворачивает срез свечей на месте
func reverseCandles(candles []*models.Candle) {
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
}

// getIntervalDuration конвертирует строковый интервал в duration
func getIntervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "2h":
		return 2 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "6h":
		return 6 * time.Hour
	case "8h":
		return 8 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	case "3d":
		return 72 * time.Hour
	case "1w":
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}
