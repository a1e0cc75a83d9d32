package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paper-trader-go/internal/config"
	"paper-trader-go/internal/models"
	"paper-trader-go/internal/pricing"
)

// Real executes against the paper trading API: market orders with actual
// fill read-back for stocks, and chain selection, IV validation and
// Kelly-aware sizing for options. Every failure returns an error; the
// Fallback wrapper turns those into simulated fills.
type Real struct {
	client RestClientInterface
	db     *gorm.DB
	cfg    *config.Config
	logger *zap.Logger
}

// NewReal creates the real (paper) broker.
func NewReal(client RestClientInterface, db *gorm.DB, cfg *config.Config, logger *zap.Logger) *Real {
	return &Real{client: client, db: db, cfg: cfg, logger: logger}
}

// Execute routes the trade to the stock or option path.
func (r *Real) Execute(ctx context.Context, rec *models.Recommendation, px pricing.Inputs) (*Result, error) {
	account, err := r.client.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	if account.BuyingPower <= 0 {
		return nil, fmt.Errorf("zero buying power")
	}

	if rec.Instrument.IsOption() {
		return r.executeOption(ctx, rec, px, account)
	}
	return r.executeStock(ctx, rec, px)
}

// executeStock submits a market order with protective bracket legs and reads
// back the actual fill.
func (r *Real) executeStock(ctx context.Context, rec *models.Recommendation, px pricing.Inputs) (*Result, error) {
	side := OrderSideBuy
	if rec.Action == models.ActionSell {
		side = OrderSideSell
	}

	order, err := r.client.SubmitOrder(ctx, OrderRequest{
		Symbol:      rec.Ticker,
		Qty:         strconv.FormatFloat(px.Quantity, 'f', -1, 64),
		Side:        side,
		Type:        OrderTypeMarket,
		TimeInForce: TimeInForceDay,
		ClientID:    uuid.NewString(),
		OrderClass:  "bracket",
		StopLoss:    &OrderStop{StopPrice: strconv.FormatFloat(px.StopLoss, 'f', 2, 64)},
		TakeProfit:  &OrderTarget{LimitPrice: strconv.FormatFloat(px.TakeProfit, 'f', 2, 64)},
	})
	if err != nil {
		return nil, err
	}

	filled, err := r.waitForFill(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	return &Result{
		Mode:          models.ModeRealPaper,
		EntryPrice:    filled.FillPrice(),
		Quantity:      filled.FilledQuantity(),
		Notional:      filled.FillPrice() * filled.FilledQuantity(),
		BrokerOrderID: filled.ID,
		SimPayload: map[string]interface{}{
			"entry_model":   px.EntryModel,
			"modeled_entry": px.EntryPrice,
		},
	}, nil
}

// executeOption selects a contract from the chain, validates IV rank, sizes
// by the more conservative of the tier and Kelly rules, then submits and
// reads back the fill.
func (r *Real) executeOption(ctx context.Context, rec *models.Recommendation, px pricing.Inputs, account *Account) (*Result, error) {
	quote, err := r.client.GetQuote(ctx, rec.Ticker)
	if err != nil {
		return nil, fmt.Errorf("underlying quote failed: %w", err)
	}
	underlying := quote.Mid()
	if underlying <= 0 {
		return nil, fmt.Errorf("no usable underlying price for %s", rec.Ticker)
	}

	chain, err := r.client.GetOptionChain(ctx, rec.Ticker)
	if err != nil {
		return nil, fmt.Errorf("option chain fetch failed: %w", err)
	}

	best, err := SelectContract(chain, rec.Instrument, underlying, rec.Strategy, time.Now(), &r.cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("no qualifying contract: %w", err)
	}
	contract := best.Contract

	ivHistory, err := r.client.GetIVHistory(ctx, rec.Ticker)
	if err != nil {
		// IV history is advisory; treat a fetch failure as insufficient data.
		r.logger.Warn("IV history unavailable, passing IV gate with caveat",
			zap.String("ticker", rec.Ticker), zap.Error(err))
		ivHistory = nil
	}
	ivRank, ok, sufficient := CheckIVRank(contract.IV, ivHistory, &r.cfg.Options)
	if !ok {
		return nil, fmt.Errorf("IV rank %.2f above maximum %.2f", *ivRank, r.cfg.Options.IVRankMax)
	}
	if !sufficient {
		r.logger.Warn("Insufficient IV history, IV rank gate passed with caveat",
			zap.String("ticker", rec.Ticker),
			zap.Int("history", len(ivHistory)),
			zap.Int("required", r.cfg.Options.IVMinHistory))
	}

	premium := contract.Mid()
	if premium <= 0 {
		return nil, fmt.Errorf("contract %s has no usable premium", contract.Symbol)
	}

	tier := r.cfg.Sizing.TierFor(account.Equity)
	stats := r.historicalStats(tier.Name)
	contracts := ContractCount(tier, stats, account.Equity, premium, &r.cfg.Sizing)
	if contracts < 1 {
		return nil, fmt.Errorf("sized to zero contracts for %s", contract.Symbol)
	}

	order, err := r.client.SubmitOrder(ctx, OrderRequest{
		Symbol:      contract.Symbol,
		Qty:         strconv.Itoa(contracts),
		Side:        OrderSideBuy,
		Type:        OrderTypeMarket,
		TimeInForce: TimeInForceDay,
		ClientID:    uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	filled, err := r.waitForFill(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	fillPremium := filled.FillPrice()
	if fillPremium <= 0 {
		fillPremium = premium
	}
	filledContracts := int(filled.FilledQuantity())
	if filledContracts <= 0 {
		filledContracts = contracts
	}

	return &Result{
		Mode:          models.ModeRealPaper,
		EntryPrice:    fillPremium,
		Quantity:      float64(filledContracts),
		Notional:      fillPremium * float64(filledContracts) * 100,
		BrokerOrderID: filled.ID,
		Tier:          tier.Name,
		Option: &OptionFill{
			Symbol:     contract.Symbol,
			Strike:     contract.Strike,
			Expiration: contract.Expiration,
			Contracts:  filledContracts,
			Premium:    fillPremium,
			Delta:      contract.Delta,
			IVRank:     ivRank,
		},
		SimPayload: map[string]interface{}{
			"contract_score": best.Score,
			"tier":           tier.Name,
			"underlying":     underlying,
		},
	}, nil
}

// waitForFill polls the order until it fills or reaches a terminal state.
// The pause after a market-order submission is brief and bounded.
func (r *Real) waitForFill(ctx context.Context, orderID string) (*Order, error) {
	poll := time.Duration(r.cfg.Broker.FillPollSec) * time.Second
	if poll <= 0 {
		poll = time.Second
	}

	const maxPolls = 5
	var last *Order
	for i := 0; i < maxPolls; i++ {
		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		order, err := r.client.GetOrder(ctx, orderID)
		if err != nil {
			r.logger.Warn("Order status poll failed", zap.String("order_id", orderID), zap.Error(err))
			continue
		}
		last = order

		if order.Filled() {
			return order, nil
		}
		if order.Terminal() {
			return nil, fmt.Errorf("order %s terminated with status %s", orderID, order.Status)
		}
	}

	if last != nil && last.FilledQuantity() > 0 {
		// Partially filled but still working: accept what we have, the
		// position manager reconciles the rest from broker events.
		return last, nil
	}
	return nil, fmt.Errorf("order %s not filled after %d polls", orderID, maxPolls)
}

// historicalStats aggregates closed option outcomes for one account tier,
// feeding the Kelly sizing path. Trades made under another tier never inform
// the estimate.
func (r *Real) historicalStats(tier string) TradeStats {
	var rows []models.PositionHistory
	if err := r.db.Where("instrument IN ?", []models.Instrument{models.InstrumentCall, models.InstrumentPut}).
		Where("tier = ?", tier).
		Find(&rows).Error; err != nil || len(rows) == 0 {
		return TradeStats{}
	}

	wins, losses := 0, 0
	winSum, lossSum := 0.0, 0.0
	for _, h := range rows {
		if h.PnlDollars > 0 {
			wins++
			winSum += h.PnlDollars
		} else if h.PnlDollars < 0 {
			losses++
			lossSum += -h.PnlDollars
		}
	}

	stats := TradeStats{Trades: len(rows)}
	if wins+losses > 0 {
		stats.WinRate = float64(wins) / float64(wins+losses)
	}
	if wins > 0 {
		stats.AvgWin = winSum / float64(wins)
	}
	if losses > 0 {
		stats.AvgLoss = lossSum / float64(losses)
	}
	return stats
}
