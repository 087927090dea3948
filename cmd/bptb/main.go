package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/skalibog/bptb/internal/analysis/window"
	"github.com/skalibog/bptb/internal/config"
	"github.com/skalibog/bptb/internal/events"
	"github.com/skalibog/bptb/internal/exchange"
	"github.com/skalibog/bptb/internal/monitor"
	"github.com/skalibog/bptb/internal/portfolio"
	"github.com/skalibog/bptb/internal/storage"
	"github.com/skalibog/bptb/pkg/logger"
)

func main() {
	logger.Init()
	defer logger.GetLogger().Sync()

	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	// Проверяем наличие файла конфигурации
	logger.Info("Проверка наличия файла конфигурации", zap.String("path", *configPath))
	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		logger.Fatal("Файл конфигурации не найден", zap.String("path", *configPath))
	}

	// Загружаем конфигурацию
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Ошибка загрузки конфигурации", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Инициализируем хранилище
	store, err := newStorage(cfg)
	if err != nil {
		logger.Fatal("Ошибка инициализации хранилища", zap.Error(err))
	}
	defer store.Close()

	// Инициализируем клиент биржи
	client, err := exchange.NewBinanceClient(cfg.Binance)
	if err != nil {
		logger.Fatal("Ошибка инициализации клиента биржи", zap.Error(err))
	}

	// Собираем ядро: шина событий, окно сигналов, реестр портфелей
	bus := events.NewBus(0)
	win := window.New(cfg.Analysis)
	ledger := portfolio.NewLedger(cfg.Trading, store, bus)
	supervisor := monitor.NewSupervisor(cfg, client, store, ledger, win, bus)

	// Выводим события ядра в лог
	go drainEvents(ctx, bus)

	// Восстанавливаем задачи прошлого запуска, затем стартуем настроенные
	if err := supervisor.Restore(ctx); err != nil {
		logger.Error("Ошибка восстановления задач мониторинга", zap.Error(err))
	}
	for _, symbol := range cfg.Trading.Symbols {
		err := supervisor.StartMonitor(ctx, symbol, cfg.Trading.Interval, cfg.Trading.AccountID)
		if err != nil {
			logger.Error("Не удалось запустить мониторинг",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}

	// Ждем сигнала завершения
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Завершение работы...")
	cancel()
	supervisor.StopAll(context.Background())
	bus.Close()
}

// newStorage выбирает реализацию хранилища по конфигурации
func newStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Type {
	case "", "influxdb":
		return storage.NewInfluxDBStorage(cfg.Storage)
	case "memory":
		return storage.NewMemoryStorage(), nil
	default:
		logger.Fatal("Неизвестный тип хранилища", zap.String("type", cfg.Storage.Type))
		return nil, nil
	}
}

// drainEvents пишет события ядра в лог до закрытия шины
func drainEvents(ctx context.Context, bus *events.Bus) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-bus.Signals():
			if !ok {
				return
			}
			logger.Info("Событие: сигнал",
				zap.String("symbol", s.Symbol),
				zap.String("indicator", string(s.Indicator)),
				zap.String("action", string(s.Action)),
				zap.Float64("price", s.Price))
		case d, ok := <-bus.Decisions():
			if !ok {
				return
			}
			logger.Info("Событие: решение",
				zap.String("symbol", d.Symbol),
				zap.String("action", string(d.Action)),
				zap.Float64("strength", d.Strength),
				zap.String("reason", d.Reason))
		case p, ok := <-bus.Portfolios():
			if !ok {
				return
			}
			logger.Info("Событие: портфель",
				zap.String("account", p.AccountID),
				zap.Float64("balance", p.Balance),
				zap.Float64("equity", p.Equity),
				zap.Int("positions", len(p.Positions)))
		}
	}
}
