package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/bptb/pkg/logger"
	"github.com/skalibog/bptb/pkg/models"
)

// PriceTick обновление цены по незакрытой свече
type PriceTick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// Bus раздает события ядра внешним потребителям через типизированные
// каналы — по одному на вид события. Публикация не блокирует конвейер:
// при переполненном буфере событие отбрасывается с предупреждением.
type Bus struct {
	mu     sync.Mutex
	closed bool

	signals    chan *models.Signal
	decisions  chan *models.ConsensusDecision
	portfolios chan *models.Portfolio
	prices     chan PriceTick
}

// NewBus создает шину событий с заданным размером буферов
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		signals:    make(chan *models.Signal, buffer),
		decisions:  make(chan *models.ConsensusDecision, buffer),
		portfolios: make(chan *models.Portfolio, buffer),
		prices:     make(chan PriceTick, buffer),
	}
}

// Signals канал сигналов индикаторов
func (b *Bus) Signals() <-chan *models.Signal {
	return b.signals
}

// Decisions канал консенсусных решений
func (b *Bus) Decisions() <-chan *models.ConsensusDecision {
	return b.decisions
}

// Portfolios канал изменений портфелей
func (b *Bus) Portfolios() <-chan *models.Portfolio {
	return b.portfolios
}

// Prices канал ценовых тиков
func (b *Bus) Prices() <-chan PriceTick {
	return b.prices
}

// PublishSignal публикует сигнал индикатора
func (b *Bus) PublishSignal(s *models.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.signals <- s:
	default:
		logger.Warn("Буфер событий переполнен, сигнал отброшен",
			zap.String("symbol", s.Symbol))
	}
}

// PublishDecision публикует консенсусное решение
func (b *Bus) PublishDecision(d *models.ConsensusDecision) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.decisions <- d:
	default:
		logger.Warn("Буфер событий переполнен, решение отброшено",
			zap.String("symbol", d.Symbol))
	}
}

// PublishPortfolio публикует снимок портфеля после изменения
func (b *Bus) PublishPortfolio(p *models.Portfolio) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.portfolios <- p:
	default:
		logger.Warn("Буфер событий переполнен, снимок портфеля отброшен",
			zap.String("account", p.AccountID))
	}
}

// PublishPrice публикует ценовой тик
func (b *Bus) PublishPrice(tick PriceTick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.prices <- tick:
	default:
		// Тики самые частые и наименее ценные, теряем молча
	}
}

// Close закрывает все каналы шины. Публикации после Close игнорируются.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.signals)
	close(b.decisions)
	close(b.portfolios)
	close(b.prices)
}
