package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skalibog/bptb/internal/config"
	"github.com/skalibog/bptb/internal/events"
	"github.com/skalibog/bptb/internal/storage"
	"github.com/skalibog/bptb/pkg/logger"
	"github.com/skalibog/bptb/pkg/models"
)

var (
	// ErrInsufficientFunds покупка превышает доступный баланс
	ErrInsufficientFunds = errors.New("недостаточно средств на балансе")
	// ErrPositionNotFound продажа символа, которого нет в портфеле
	ErrPositionNotFound = errors.New("позиция не найдена")
)

// Происхождение сделок в журнале
const (
	OriginConsensus = "CONSENSUS"
	OriginManual    = "MANUAL"
)

// Ledger ведет бумажные портфели аккаунтов: баланс, позиции
// со средневзвешенной ценой входа и журнал сделок.
// Мутации по одному аккаунту сериализуются его собственным мьютексом.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account

	config  config.TradingConfig
	storage storage.Storage
	bus     *events.Bus
}

// account один портфель с собственным замком одиночного писателя
type account struct {
	mu        sync.Mutex
	portfolio *models.Portfolio
}

// NewLedger создает новый реестр портфелей
func NewLedger(cfg config.TradingConfig, store storage.Storage, bus *events.Bus) *Ledger {
	return &Ledger{
		accounts: make(map[string]*account),
		config:   cfg,
		storage:  store,
		bus:      bus,
	}
}

// GetOrCreate возвращает портфель аккаунта, поднимая его из хранилища
// или создавая с начальным балансом при первом обращении
func (l *Ledger) GetOrCreate(ctx context.Context, accountID string) (*models.Portfolio, error) {
	acc, err := l.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.portfolio.Clone(), nil
}

// getAccount возвращает запись аккаунта, создавая ее при необходимости
func (l *Ledger) getAccount(ctx context.Context, accountID string) (*account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if acc, ok := l.accounts[accountID]; ok {
		return acc, nil
	}

	// Пробуем поднять портфель из хранилища
	saved, err := l.storage.GetPortfolio(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки портфеля %s: %w", accountID, err)
	}
	if saved == nil {
		saved = &models.Portfolio{
			AccountID: accountID,
			Balance:   l.config.StartingBalance,
			Equity:    l.config.StartingBalance,
			Positions: make(map[string]*models.AssetPosition),
			UpdatedAt: time.Now(),
		}
		if err := l.storage.SavePortfolio(ctx, saved); err != nil {
			logger.Warn("Не удалось сохранить новый портфель",
				zap.String("account", accountID), zap.Error(err))
		}
		logger.Info("Создан новый портфель",
			zap.String("account", accountID),
			zap.Float64("balance", saved.Balance))
	}
	if saved.Positions == nil {
		saved.Positions = make(map[string]*models.AssetPosition)
	}

	acc := &account{portfolio: saved}
	l.accounts[accountID] = acc
	return acc, nil
}

// ExecuteTrade применяет сделку к портфелю аккаунта.
// Мутация атомарна: при отказе портфель не меняется вовсе.
func (l *Ledger) ExecuteTrade(ctx context.Context, accountID, symbol string, action models.SignalAction, quantity, price float64, origin string) (*models.Portfolio, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("количество должно быть положительным: %f", quantity)
	}
	if price <= 0 {
		return nil, fmt.Errorf("цена должна быть положительной: %f", price)
	}

	acc, err := l.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	p := acc.portfolio

	switch action {
	case models.ActionBuy:
		cost := quantity * price
		if cost > p.Balance {
			return nil, fmt.Errorf("%w: требуется %.2f, доступно %.2f",
				ErrInsufficientFunds, cost, p.Balance)
		}
		p.Balance -= cost

		if pos, ok := p.Positions[symbol]; ok {
			// Средневзвешенная цена входа по всем покупкам
			total := pos.Quantity + quantity
			pos.AveragePrice = (pos.Quantity*pos.AveragePrice + quantity*price) / total
			pos.Quantity = total
			pos.CurrentPrice = price
		} else {
			p.Positions[symbol] = &models.AssetPosition{
				Symbol:       symbol,
				Quantity:     quantity,
				AveragePrice: price,
				CurrentPrice: price,
			}
		}

	case models.ActionSell:
		pos, ok := p.Positions[symbol]
		if !ok {
			return nil, fmt.Errorf("%w: %s в портфеле %s", ErrPositionNotFound, symbol, accountID)
		}
		// Нельзя продать больше, чем есть
		if quantity > pos.Quantity {
			quantity = pos.Quantity
		}
		p.Balance += quantity * price
		pos.Quantity -= quantity
		pos.CurrentPrice = price
		// Средняя цена входа продажами не меняется
		if pos.Quantity <= 1e-12 {
			delete(p.Positions, symbol)
		}

	default:
		return nil, fmt.Errorf("неизвестное действие: %s", action)
	}

	now := time.Now()
	p.UpdatedAt = now
	recalcEquity(p)

	value := quantity * price
	if action == models.ActionBuy {
		value = -value
	}
	tx := &models.Transaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Symbol:    symbol,
		Action:    action,
		Quantity:  quantity,
		Price:     price,
		Value:     value,
		Signal:    origin,
		Timestamp: now,
	}

	if err := l.storage.SaveTransaction(ctx, tx); err != nil {
		logger.Warn("Не удалось сохранить сделку",
			zap.String("account", accountID), zap.Error(err))
	}
	if err := l.storage.SavePortfolio(ctx, p); err != nil {
		logger.Warn("Не удалось сохранить портфель",
			zap.String("account", accountID), zap.Error(err))
	}

	result := p.Clone()
	if l.bus != nil {
		l.bus.PublishPortfolio(result)
	}

	logger.Info("Сделка исполнена",
		zap.String("account", accountID),
		zap.String("symbol", symbol),
		zap.String("action", string(action)),
		zap.Float64("quantity", quantity),
		zap.Float64("price", price),
		zap.Float64("balance", p.Balance),
		zap.Float64("equity", p.Equity),
		zap.String("origin", origin))

	return result, nil
}

// ProcessDecision рассчитывает объем сделки по консенсусному решению:
// покупка — доля баланса, продажа — доля текущей позиции
func (l *Ledger) ProcessDecision(ctx context.Context, decision *models.ConsensusDecision, accountID string) (*models.Portfolio, error) {
	if decision == nil {
		return nil, fmt.Errorf("пустое решение")
	}
	if decision.Price <= 0 {
		return nil, fmt.Errorf("решение без цены: %s", decision.Symbol)
	}

	current, err := l.GetOrCreate(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var quantity float64
	switch decision.Action {
	case models.ActionBuy:
		quantity = current.Balance * l.config.BuyFraction / decision.Price
		if quantity <= 0 {
			return nil, fmt.Errorf("%w: баланс %.2f", ErrInsufficientFunds, current.Balance)
		}
	case models.ActionSell:
		pos, ok := current.Positions[decision.Symbol]
		if !ok {
			return nil, fmt.Errorf("%w: %s в портфеле %s",
				ErrPositionNotFound, decision.Symbol, accountID)
		}
		quantity = pos.Quantity * l.config.SellFraction
	default:
		return nil, fmt.Errorf("неизвестное действие: %s", decision.Action)
	}

	return l.ExecuteTrade(ctx, accountID, decision.Symbol, decision.Action, quantity, decision.Price, OriginConsensus)
}

// UpdateMarketPrice обновляет текущую цену позиции по тику рынка
// и пересчитывает эквити аккаунта
func (l *Ledger) UpdateMarketPrice(ctx context.Context, accountID, symbol string, price float64) {
	if price <= 0 {
		return
	}

	l.mu.Lock()
	acc, ok := l.accounts[accountID]
	l.mu.Unlock()
	if !ok {
		return
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	pos, ok := acc.portfolio.Positions[symbol]
	if !ok {
		return
	}
	pos.CurrentPrice = price
	recalcEquity(acc.portfolio)
}

// Replay восстанавливает портфель из начального баланса и журнала
// сделок. Используется для сверки с сохраненным снимком.
func (l *Ledger) Replay(ctx context.Context, accountID string) (*models.Portfolio, error) {
	txs, err := l.storage.GetTransactions(ctx, accountID, 0)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки журнала сделок: %w", err)
	}

	p := &models.Portfolio{
		AccountID: accountID,
		Balance:   l.config.StartingBalance,
		Positions: make(map[string]*models.AssetPosition),
	}

	for _, tx := range txs {
		// Value уже хранит знаковое изменение баланса
		p.Balance += tx.Value
		p.UpdatedAt = tx.Timestamp

		switch tx.Action {
		case models.ActionBuy:
			if pos, ok := p.Positions[tx.Symbol]; ok {
				total := pos.Quantity + tx.Quantity
				pos.AveragePrice = (pos.Quantity*pos.AveragePrice + tx.Quantity*tx.Price) / total
				pos.Quantity = total
				pos.CurrentPrice = tx.Price
			} else {
				p.Positions[tx.Symbol] = &models.AssetPosition{
					Symbol:       tx.Symbol,
					Quantity:     tx.Quantity,
					AveragePrice: tx.Price,
					CurrentPrice: tx.Price,
				}
			}
		case models.ActionSell:
			if pos, ok := p.Positions[tx.Symbol]; ok {
				pos.Quantity -= tx.Quantity
				pos.CurrentPrice = tx.Price
				if pos.Quantity <= 1e-12 {
					delete(p.Positions, tx.Symbol)
				}
			}
		}
	}

	recalcEquity(p)
	return p, nil
}

// recalcEquity пересчитывает эквити: баланс плюс рыночная
// стоимость всех позиций
func recalcEquity(p *models.Portfolio) {
	equity := p.Balance
	for _, pos := range p.Positions {
		equity += pos.Quantity * pos.CurrentPrice
	}
	p.Equity = equity
}
