package portfolio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/bptb/internal/config"
	"github.com/skalibog/bptb/internal/storage"
	"github.com/skalibog/bptb/pkg/models"
)

func newTestLedger() (*Ledger, *storage.MemoryStorage) {
	store := storage.NewMemoryStorage()
	cfg := config.TradingConfig{
		StartingBalance: 10000,
		BuyFraction:     0.1,
		SellFraction:    1.0,
	}
	return NewLedger(cfg, store, nil), store
}

func TestGetOrCreateStartingBalance(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	p, err := ledger.GetOrCreate(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, p.Balance)
	assert.Equal(t, 10000.0, p.Equity)
	assert.Empty(t, p.Positions)

	// Повторное обращение возвращает тот же портфель без пересоздания
	p.Balance = 1 // копия, оригинал не трогаем
	again, err := ledger.GetOrCreate(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, again.Balance)
}

func TestExecuteTradeEquityInvariant(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	trades := []struct {
		action   models.SignalAction
		quantity float64
		price    float64
	}{
		{models.ActionBuy, 1.0, 100},
		{models.ActionBuy, 2.0, 110},
		{models.ActionSell, 0.5, 120},
		{models.ActionBuy, 1.0, 90},
		{models.ActionSell, 3.0, 95},
	}

	for _, tr := range trades {
		p, err := ledger.ExecuteTrade(ctx, "acc-1", "BTCUSDT", tr.action, tr.quantity, tr.price, OriginManual)
		require.NoError(t, err)

		// Эквити всегда равно балансу плюс рыночной стоимости позиций
		expected := p.Balance
		for _, pos := range p.Positions {
			expected += pos.Quantity * pos.CurrentPrice
		}
		assert.InDelta(t, expected, p.Equity, 1e-9)
	}
}

func TestExecuteTradeInsufficientFunds(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	before, err := ledger.GetOrCreate(ctx, "acc-1")
	require.NoError(t, err)

	// Покупка на сумму больше баланса отклоняется целиком
	_, err = ledger.ExecuteTrade(ctx, "acc-1", "BTCUSDT", models.ActionBuy, 2.0, 6000, OriginManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Портфель не изменился
	after, err := ledger.GetOrCreate(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, before.Balance, after.Balance)
	assert.Equal(t, before.Equity, after.Equity)
	assert.Empty(t, after.Positions)

	// Журнал сделок пуст
	txs, err := store.GetTransactions(ctx, "acc-1", 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestExecuteTradeSellUnknownPosition(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.ExecuteTrade(ctx, "acc-1", "ETHUSDT", models.ActionSell, 1.0, 100, OriginManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestExecuteTradeSellClampsQuantity(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.ExecuteTrade(ctx, "acc-1", "BTCUSDT", models.ActionBuy, 2.0, 100, OriginManual)
	require.NoError(t, err)

	// Продажа большего количества обрезается до имеющегося
	// и полностью закрывает позицию
	p, err := ledger.ExecuteTrade(ctx, "acc-1", "BTCUSDT", models.ActionSell, 5.0, 110, OriginManual)
	require.NoError(t, err)
	assert.NotContains(t, p.Positions, "BTCUSDT")
	// 10000 − 200 + 2·110
	assert.InDelta(t, 10020.0, p.Balance, 1e-9)
}

func TestExecuteTradeAveragePrice(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	// Две покупки: средняя цена — взвешенная по количеству
	_, err := ledger.ExecuteTrade(ctx, "acc-1", "BTCUSDT", models.ActionBuy, 1.0, 100, OriginManual)
	require.NoError(t, err)
	p, err := ledger.ExecuteTrade(ctx, "acc-1", "BTCUSDT", models.ActionBuy, 3.0, 200, OriginManual)
	require.NoError(t, err)

	pos := p.Positions["BTCUSDT"]
	require.NotNil(t, pos)
	expected := (1.0*100 + 3.0*200) / 4.0
	assert.InDelta(t, expected, pos.AveragePrice, 1e-9)

	// Продажа среднюю цену не меняет
	p, err = ledger.ExecuteTrade(ctx, "acc-1", "BTCUSDT", models.ActionSell, 1.0, 300, OriginManual)
	require.NoError(t, err)
	pos = p.Positions["BTCUSDT"]
	require.NotNil(t, pos)
	assert.InDelta(t, expected, pos.AveragePrice, 1e-9)
	assert.InDelta(t, 3.0, pos.Quantity, 1e-9)
}

func TestProcessDecisionSizing(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	// Покупка расходует долю баланса: 10% от 10000 по цене 100 → 10 единиц
	buy := &models.ConsensusDecision{
		Symbol: "BTCUSDT",
		Action: models.ActionBuy,
		Price:  100,
	}
	p, err := ledger.ProcessDecision(ctx, buy, "acc-1")
	require.NoError(t, err)
	pos := p.Positions["BTCUSDT"]
	require.NotNil(t, pos)
	assert.InDelta(t, 10.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 9000.0, p.Balance, 1e-9)

	// Продажа закрывает всю позицию при sell_fraction = 1.0
	sell := &models.ConsensusDecision{
		Symbol: "BTCUSDT",
		Action: models.ActionSell,
		Price:  110,
	}
	p, err = ledger.ProcessDecision(ctx, sell, "acc-1")
	require.NoError(t, err)
	assert.NotContains(t, p.Positions, "BTCUSDT")
	assert.InDelta(t, 9000.0+10*110, p.Balance, 1e-9)

	// Продажа без позиции отклоняется
	_, err = ledger.ProcessDecision(ctx, sell, "acc-1")
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestUpdateMarketPrice(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.ExecuteTrade(ctx, "acc-1", "BTCUSDT", models.ActionBuy, 2.0, 100, OriginManual)
	require.NoError(t, err)

	ledger.UpdateMarketPrice(ctx, "acc-1", "BTCUSDT", 150)

	p, err := ledger.GetOrCreate(ctx, "acc-1")
	require.NoError(t, err)
	pos := p.Positions["BTCUSDT"]
	require.NotNil(t, pos)
	assert.Equal(t, 150.0, pos.CurrentPrice)
	// 9800 баланса + 2·150 позиции
	assert.InDelta(t, 10100.0, p.Equity, 1e-9)
}

func TestReplayReproducesPortfolio(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.ExecuteTrade(ctx, "acc-1", "BTCUSDT", models.ActionBuy, 1.0, 100, OriginManual)
	require.NoError(t, err)
	_, err = ledger.ExecuteTrade(ctx, "acc-1", "BTCUSDT", models.ActionBuy, 3.0, 200, OriginManual)
	require.NoError(t, err)
	_, err = ledger.ExecuteTrade(ctx, "acc-1", "ETHUSDT", models.ActionBuy, 10.0, 50, OriginConsensus)
	require.NoError(t, err)
	final, err := ledger.ExecuteTrade(ctx, "acc-1", "BTCUSDT", models.ActionSell, 2.0, 250, OriginConsensus)
	require.NoError(t, err)

	// Проигрывание журнала с начального баланса дает тот же результат
	replayed, err := ledger.Replay(ctx, "acc-1")
	require.NoError(t, err)

	assert.InDelta(t, final.Balance, replayed.Balance, 1e-9)
	require.Len(t, replayed.Positions, len(final.Positions))
	for symbol, pos := range final.Positions {
		rpos := replayed.Positions[symbol]
		require.NotNil(t, rpos)
		assert.InDelta(t, pos.Quantity, rpos.Quantity, 1e-9)
		assert.InDelta(t, pos.AveragePrice, rpos.AveragePrice, 1e-9)
	}
}
