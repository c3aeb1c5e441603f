package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"tradecore/internal/bus"
	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type managerSuite struct {
	suite.Suite
	ctx     context.Context
	bus     *bus.SyncBus
	rec     *obs.Recorder
	manager *Manager
	ts      int64
}

func TestManager(t *testing.T) {
	suite.Run(t, new(managerSuite))
}

func (s *managerSuite) SetupTest() {
	s.ctx = context.Background()
	s.rec = obs.NewRecorder()
	s.bus = bus.NewSync(bus.Config{Sink: s.rec})
	s.ts = 1_000

	cfg := DefaultConfig()
	cfg.MaxPositionSize = dec("2")
	cfg.BaseOrderSize = dec("1")
	cfg.MaxConcurrentPositions = 2
	cfg.MaxDailyLoss = dec("100")

	m, err := NewManager(cfg, nil, WithSink(s.rec))
	s.Require().NoError(err)
	m.Attach(s.bus)
	s.manager = m
}

func (s *managerSuite) next() int64 {
	s.ts += int64(time.Second)
	return s.ts
}

func (s *managerSuite) signal(symbol string, dir schema.Direction, confidence float64) schema.Event {
	ts := s.next()
	e, err := s.bus.Publish(s.ctx, schema.NewEvent(schema.Signal{
		Symbol:     symbol,
		Direction:  dir,
		Confidence: confidence,
		Source:     "model-a",
		ExpiresAt:  ts + int64(time.Minute),
	}, symbol, ts, 0))
	s.Require().NoError(err)
	return e
}

func (s *managerSuite) lastIntent() (schema.Event, schema.OrderIntent) {
	intents := s.rec.EventsOf(schema.EventOrderIntent)
	s.Require().NotEmpty(intents)
	e := intents[len(intents)-1]
	return e, e.Payload.(schema.OrderIntent)
}

func (s *managerSuite) fill(intent schema.Event, side schema.OrderSide, qty, price string, status schema.OrderStatus) {
	_, err := s.bus.Publish(s.ctx, intent.Derive(schema.Fill{
		IntentID:    intent.ID,
		TradeID:     "t",
		Side:        side,
		Quantity:    dec(qty),
		Price:       dec(price),
		OrderStatus: status,
	}))
	s.Require().NoError(err)
}

func (s *managerSuite) TestApprovesWithinHeadroom() {
	sig := s.signal("BTC", schema.DirectionBuy, 0.9)
	e, intent := s.lastIntent()

	s.Equal(sig.ID, e.CausationID)
	s.Equal(sig.ID, intent.SignalID)
	s.Equal(schema.RiskDecisionApproved, intent.RiskDecision)
	s.Equal(schema.OrderSideBuy, intent.Side)
	s.True(intent.Quantity.Equal(dec("1")))
	s.Equal(PolicyFixed, intent.Policy)
	s.Empty(s.rec.EventsOf(schema.EventReject))
	s.True(s.manager.Exposure("BTC").PendingBuy.Equal(dec("1")))
}

func (s *managerSuite) TestExposureLimitRejects() {
	s.signal("BTC", schema.DirectionBuy, 0.9)
	first, _ := s.lastIntent()
	s.fill(first, schema.OrderSideBuy, "1", "100", schema.OrderStatusFilled)
	s.signal("BTC", schema.DirectionBuy, 0.9)
	second, _ := s.lastIntent()
	s.fill(second, schema.OrderSideBuy, "1", "100", schema.OrderStatusFilled)

	s.True(s.manager.Exposure("BTC").Position.Equal(dec("2")))
	s.True(s.manager.Exposure("BTC").PendingBuy.IsZero())

	s.signal("BTC", schema.DirectionBuy, 0.9)
	e, intent := s.lastIntent()
	s.Equal(schema.RiskDecisionRejected, intent.RiskDecision)
	s.Equal(ReasonExposureLimit, intent.Reason)

	rejects := s.rec.EventsOf(schema.EventReject)
	s.Require().Len(rejects, 1)
	s.Equal(e.ID, rejects[0].CausationID)
	s.Equal(ReasonExposureLimit, rejects[0].Payload.(schema.Reject).Reason)
}

func (s *managerSuite) TestPendingCountsAgainstHeadroom() {
	s.signal("ETH", schema.DirectionBuy, 0.9)
	s.signal("ETH", schema.DirectionBuy, 0.9)
	s.signal("ETH", schema.DirectionBuy, 0.9)
	_, intent := s.lastIntent()
	s.Equal(ReasonExposureLimit, intent.Reason)
}

func TestReducedToHeadroom(t *testing.T) {
	m, err := NewManager(Config{
		MaxPositionSize:        dec("1.5"),
		MaxDailyLoss:           dec("10"),
		MaxConcurrentPositions: 1,
		ConfidenceThreshold:    0.5,
		BaseOrderSize:          dec("1"),
	}, nil)
	require.NoError(t, err)
	sig := schema.Signal{Symbol: "SOL", Direction: schema.DirectionBuy, Confidence: 1, ExpiresAt: 2}

	intent := m.Evaluate(schema.Event{ID: 1, Timestamp: 1, Symbol: "SOL"}, sig)
	assert.Equal(t, schema.RiskDecisionApproved, intent.RiskDecision)

	intent = m.Evaluate(schema.Event{ID: 2, Timestamp: 1, Symbol: "SOL"}, sig)
	assert.Equal(t, schema.RiskDecisionReduced, intent.RiskDecision)
	assert.True(t, intent.Quantity.Equal(dec("0.5")))
	assert.Equal(t, ReasonReduced, intent.Reason)
	assert.True(t, m.Exposure("SOL").PendingBuy.Equal(dec("1.5")))
}

func (s *managerSuite) TestScreeningReasons() {
	s.signal("BTC", schema.DirectionHold, 0.9)
	_, intent := s.lastIntent()
	s.Equal(ReasonHoldSignal, intent.Reason)

	s.signal("BTC", schema.DirectionBuy, 0.1)
	_, intent = s.lastIntent()
	s.Equal(ReasonLowConfidence, intent.Reason)

	ts := s.next()
	_, err := s.bus.Publish(s.ctx, schema.NewEvent(schema.Signal{
		Symbol: "BTC", Direction: schema.DirectionBuy, Confidence: 0.9, Source: "m", ExpiresAt: ts,
	}, "BTC", ts, 0))
	s.Require().NoError(err)
	_, intent = s.lastIntent()
	s.Equal(ReasonSignalExpired, intent.Reason)

	s.Len(s.rec.EventsOf(schema.EventReject), 3)
}

func (s *managerSuite) TestMaxConcurrentPositions() {
	s.signal("BTC", schema.DirectionBuy, 0.9)
	s.signal("ETH", schema.DirectionBuy, 0.9)
	s.signal("SOL", schema.DirectionBuy, 0.9)
	_, intent := s.lastIntent()
	s.Equal(ReasonMaxConcurrent, intent.Reason)

	s.signal("BTC", schema.DirectionBuy, 0.9)
	_, intent = s.lastIntent()
	s.Equal(schema.RiskDecisionApproved, intent.RiskDecision)
}

func (s *managerSuite) TestRejectAndCancelReleasePending() {
	s.signal("BTC", schema.DirectionBuy, 0.9)
	first, _ := s.lastIntent()
	s.signal("BTC", schema.DirectionSell, 0.9)
	second, _ := s.lastIntent()
	s.True(s.manager.Exposure("BTC").PendingSell.Equal(dec("1")))

	_, err := s.bus.Publish(s.ctx, first.Derive(schema.Reject{IntentID: first.ID, Reason: "placement_failed: down"}))
	s.Require().NoError(err)
	_, err = s.bus.Publish(s.ctx, second.Derive(schema.Cancel{IntentID: second.ID, Reason: "user"}))
	s.Require().NoError(err)

	exp := s.manager.Exposure("BTC")
	s.True(exp.PendingBuy.IsZero())
	s.True(exp.PendingSell.IsZero())
}

func (s *managerSuite) TestDailyLossBreakerUntilRollover() {
	s.signal("BTC", schema.DirectionBuy, 0.9)
	intent, _ := s.lastIntent()

	_, err := s.bus.Publish(s.ctx, intent.Derive(schema.PortfolioSnapshot{
		RealizedPnL:   dec("-80"),
		UnrealizedPnL: dec("-15"),
		FeesPaid:      dec("5"),
	}))
	s.Require().NoError(err)
	s.True(s.manager.BreakerTripped())
	s.True(s.manager.DailyLoss().Equal(dec("100")))
	s.Len(s.rec.FaultsOf(obs.FaultRiskBreaker), 1)

	for i := 0; i < 2; i++ {
		s.signal("ETH", schema.DirectionBuy, 0.99)
		_, p := s.lastIntent()
		s.Equal(ReasonDailyLossBreaker, p.Reason)
	}
	rejects := s.rec.EventsOf(schema.EventReject)
	s.Require().Len(rejects, 2)
	s.Equal(ReasonDailyLossBreaker, rejects[1].Payload.(schema.Reject).Reason)

	_, err = s.bus.Publish(s.ctx, schema.NewEvent(schema.DayRollover{TradingDay: "2024-01-02"}, "", s.next(), 0))
	s.Require().NoError(err)
	s.False(s.manager.BreakerTripped())
	s.True(s.manager.DailyLoss().IsZero())

	s.signal("ETH", schema.DirectionBuy, 0.99)
	_, p := s.lastIntent()
	s.Equal(schema.RiskDecisionApproved, p.RiskDecision)
}

func (s *managerSuite) TestExactlyOneIntentPerSignal() {
	var signals []uint64
	for i, dir := range []schema.Direction{schema.DirectionBuy, schema.DirectionSell, schema.DirectionHold, schema.DirectionBuy, schema.DirectionBuy} {
		sym := []string{"BTC", "ETH", "SOL"}[i%3]
		signals = append(signals, s.signal(sym, dir, 0.7).ID)
	}
	counts := map[uint64]int{}
	for _, e := range s.rec.EventsOf(schema.EventOrderIntent) {
		counts[e.Payload.(schema.OrderIntent).SignalID]++
	}
	s.Len(counts, len(signals))
	for _, id := range signals {
		s.Equal(1, counts[id])
	}
}

func TestLimitOrderNeedsReferencePrice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultOrderType = schema.OrderTypeLimit
	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	sig := schema.Signal{Symbol: "BTC", Direction: schema.DirectionBuy, Confidence: 0.9, ExpiresAt: 10}
	intent := m.Evaluate(schema.Event{ID: 1, Timestamp: 1}, sig)
	assert.Equal(t, ReasonNoReferencePrice, intent.Reason)

	sig.ReferencePrice = dec("101.5")
	intent = m.Evaluate(schema.Event{ID: 2, Timestamp: 1}, sig)
	assert.Equal(t, schema.RiskDecisionApproved, intent.RiskDecision)
	assert.True(t, intent.Price.Equal(dec("101.5")))
}

func TestConfidenceScaledPolicyAndProfile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = PolicyConfidenceScaled
	cfg.RiskProfile = ProfileAggressive
	cfg.BaseOrderSize = dec("2")
	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	intent := m.Evaluate(schema.Event{ID: 1, Timestamp: 1}, schema.Signal{Symbol: "BTC", Direction: schema.DirectionSell, Confidence: 0.8, ExpiresAt: 5})
	assert.Equal(t, schema.OrderSideSell, intent.Side)
	assert.True(t, intent.Quantity.Equal(dec("2.4")), intent.Quantity.String())
	assert.Equal(t, PolicyConfidenceScaled, m.Policy())
}

func TestRegistryFrozenAtSessionStart(t *testing.T) {
	reg := DefaultRegistry()
	assert.ErrorIs(t, reg.Register(fixedPolicy{}), exception.ErrPolicyExists)

	_, err := NewManager(DefaultConfig(), reg)
	require.NoError(t, err)
	assert.ErrorIs(t, reg.Register(confidenceScaledPolicy{}), exception.ErrRegistryFrozen)
	assert.Equal(t, []string{PolicyConfidenceScaled, PolicyFixed}, reg.Names())

	cfg := DefaultConfig()
	cfg.Policy = "kelly@v9"
	_, err = NewManager(cfg, DefaultRegistry())
	assert.ErrorIs(t, err, exception.ErrUnknownPolicy)
}

func TestInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositionSize = decimal.Zero
	_, err := NewManager(cfg, nil)
	assert.ErrorIs(t, err, exception.ErrInvalidConfig)
}

func TestProfileText(t *testing.T) {
	var p Profile
	require.NoError(t, p.UnmarshalText([]byte("Conservative")))
	assert.True(t, p.Multiplier().Equal(dec("0.5")))
	assert.Error(t, p.UnmarshalText([]byte("yolo")))
}
