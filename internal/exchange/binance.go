package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/skalibog/bptb/internal/config"
	"github.com/skalibog/bptb/pkg/logger"
	"github.com/skalibog/bptb/pkg/models"
)

// ErrFeedUnavailable биржа недоступна или вернула пустой ответ
var ErrFeedUnavailable = errors.New("поток данных биржи недоступен")

// CandleHandler обработчик входящих свечей из потока
type CandleHandler func(candle *models.Candle)

// Subscription активная подписка на поток свечей
type Subscription interface {
	// Unsubscribe останавливает поток. Повторные вызовы безопасны.
	Unsubscribe()
}

// Feed источник рыночных данных: история и поток свечей
type Feed interface {
	GetHistorical(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error)
	Subscribe(symbol, interval string, handler CandleHandler) (Subscription, error)
}

// BinanceClient клиент для взаимодействия с Binance
type BinanceClient struct {
	futures *futures.Client
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BinanceConfig) (*BinanceClient, error) {
	// Тестовая сеть включается до создания клиента:
	// флаг управляет адресами REST и websocket сразу
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	futuresClient := futures.NewClient(cfg.APIKey, cfg.APISecret)

	return &BinanceClient{
		futures: futuresClient,
	}, nil
}

// GetHistorical получает исторические свечи от старых к новым
func (c *BinanceClient) GetHistorical(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error) {
	klines, err := c.futures.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка получения свечей %s: %v", ErrFeedUnavailable, symbol, err)
	}

	candles := make([]*models.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := parseKline(symbol, interval, k)
		if err != nil {
			return nil, fmt.Errorf("ошибка разбора свечи %s: %w", symbol, err)
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// parseKline преобразует свечу REST API во внутреннюю модель.
// Биржа отдает цены строками.
func parseKline(symbol, interval string, k *futures.Kline) (*models.Candle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("цена открытия: %w", err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return nil, fmt.Errorf("максимум: %w", err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("минимум: %w", err)
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("цена закрытия: %w", err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("объем: %w", err)
	}

	closeTime := time.UnixMilli(k.CloseTime)
	return &models.Candle{
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  time.UnixMilli(k.OpenTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		CloseTime: closeTime,
		// История содержит только завершенные свечи, кроме последней
		IsClosed: !closeTime.After(time.Now()),
	}, nil
}

// parseWsKline преобразует свечу из websocket-потока во внутреннюю модель
func parseWsKline(k *futures.WsKline) (*models.Candle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("цена открытия: %w", err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return nil, fmt.Errorf("максимум: %w", err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("минимум: %w", err)
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("цена закрытия: %w", err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("объем: %w", err)
	}

	return &models.Candle{
		Symbol:    k.Symbol,
		Interval:  k.Interval,
		OpenTime:  time.UnixMilli(k.StartTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		CloseTime: time.UnixMilli(k.EndTime),
		IsClosed:  k.IsFinal,
	}, nil
}

// wsSubscription подписка на websocket-поток с собственным циклом переподключения
type wsSubscription struct {
	once sync.Once
	stop chan struct{}
}

// Unsubscribe останавливает цикл переподключения и закрывает поток
func (s *wsSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.stop)
	})
}

// Subscribe открывает поток свечей и держит его открытым до Unsubscribe.
// При обрыве соединение восстанавливается с экспоненциальной задержкой.
func (c *BinanceClient) Subscribe(symbol, interval string, handler CandleHandler) (Subscription, error) {
	if symbol == "" || interval == "" {
		return nil, fmt.Errorf("пустой символ или интервал подписки")
	}

	sub := &wsSubscription{stop: make(chan struct{})}
	go c.streamLoop(symbol, interval, handler, sub)
	return sub, nil
}

// streamLoop держит websocket-поток открытым, переподключаясь при обрывах
func (c *BinanceClient) streamLoop(symbol, interval string, handler CandleHandler, sub *wsSubscription) {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-sub.stop:
			return
		default:
		}

		wsHandler := func(event *futures.WsKlineEvent) {
			candle, err := parseWsKline(&event.Kline)
			if err != nil {
				logger.Warn("Не удалось разобрать свечу из потока",
					zap.String("symbol", symbol), zap.Error(err))
				return
			}
			handler(candle)
		}
		errHandler := func(err error) {
			logger.Warn("Ошибка websocket-потока",
				zap.String("symbol", symbol),
				zap.String("interval", interval),
				zap.Error(err))
		}

		doneC, stopC, err := futures.WsKlineServe(symbol, interval, wsHandler, errHandler)
		if err != nil {
			wait := b.Duration()
			logger.Warn("Не удалось открыть websocket-поток, повтор",
				zap.String("symbol", symbol),
				zap.Duration("wait", wait),
				zap.Error(err))
			select {
			case <-sub.stop:
				return
			case <-time.After(wait):
			}
			continue
		}

		logger.Info("Открыт поток свечей",
			zap.String("symbol", symbol),
			zap.String("interval", interval))
		b.Reset()

		select {
		case <-sub.stop:
			close(stopC)
			<-doneC
			return
		case <-doneC:
			// Поток оборвался, идем на переподключение
			wait := b.Duration()
			logger.Warn("Поток свечей закрылся, переподключение",
				zap.String("symbol", symbol),
				zap.Duration("wait", wait))
			select {
			case <-sub.stop:
				return
			case <-time.After(wait):
			}
		}
	}
}
