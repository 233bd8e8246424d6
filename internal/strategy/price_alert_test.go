package strategy_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"pool_sync/internal/service"
	"pool_sync/internal/strategy"
)

func TestNewPriceAlert_Direction(t *testing.T) {
	t.Run("UP direction when target > current", func(t *testing.T) {
		alert := strategy.NewPriceAlert(pair, decimal.NewFromInt(3), decimal.NewFromInt(2), false)
		if alert.Direction != strategy.DirectionUp {
			t.Errorf("Expected UP, got %s", alert.Direction)
		}
	})

	t.Run("DOWN direction when target < current", func(t *testing.T) {
		alert := strategy.NewPriceAlert(pair, decimal.NewFromInt(1), decimal.NewFromInt(2), false)
		if alert.Direction != strategy.DirectionDown {
			t.Errorf("Expected DOWN, got %s", alert.Direction)
		}
	})

	t.Run("UP direction when target = current", func(t *testing.T) {
		alert := strategy.NewPriceAlert(pair, decimal.NewFromInt(2), decimal.NewFromInt(2), false)
		if alert.Direction != strategy.DirectionUp {
			t.Errorf("Expected UP for equal prices, got %s", alert.Direction)
		}
	})
}

func TestPriceAlert_CheckCondition(t *testing.T) {
	up := func() *strategy.PriceAlert {
		return strategy.NewPriceAlert(pair, decimal.NewFromInt(50), decimal.NewFromInt(45), false)
	}

	t.Run("UP alert triggers at target", func(t *testing.T) {
		if !up().CheckCondition(decimal.NewFromInt(50)) {
			t.Error("Should trigger at target price")
		}
	})

	t.Run("UP alert does not trigger below target", func(t *testing.T) {
		if up().CheckCondition(decimal.NewFromInt(49)) {
			t.Error("Should not trigger below target price")
		}
	})

	t.Run("DOWN alert triggers at target", func(t *testing.T) {
		alert := strategy.NewPriceAlert(pair, decimal.NewFromInt(40), decimal.NewFromInt(45), false)
		if !alert.CheckCondition(decimal.NewFromInt(40)) {
			t.Error("Should trigger at target price")
		}
	})

	t.Run("Inactive alert does not trigger", func(t *testing.T) {
		alert := up()
		alert.SetActive(false)
		if alert.CheckCondition(decimal.NewFromInt(55)) {
			t.Error("Inactive alert should not trigger")
		}
	})
}

func TestAlertBook(t *testing.T) {
	m := service.NewMarketState(service.PolicyBestEffort)
	entity := v2Pool(1000, 2000, true)
	book := strategy.NewAlertBook(m,
		strategy.AlertTarget{Pool: pair, Target: decimal.NewFromFloat(2.5)},
		strategy.AlertTarget{Pool: pair, Target: decimal.NewFromFloat(1.5), Persistent: true},
	)
	push := func(h uint64) []strategy.Signal {
		return book.OnEntityChanged(strategy.Change{Height: h, Entity: entity})
	}

	// nothing replicated yet
	if sigs := push(1); len(sigs) != 0 {
		t.Fatalf("Expected no signal without price, got %v", sigs)
	}

	setReserves(m, 1000, 2000) // 2.0 arms both alerts
	if sigs := push(2); len(sigs) != 0 {
		t.Fatalf("Expected no signal at 2.0, got %v", sigs)
	}
	if n := len(book.Alerts(pair)); n != 2 {
		t.Fatalf("Expected 2 armed alerts, got %d", n)
	}

	setReserves(m, 1000, 2600) // 2.6 crosses the UP target
	sigs := push(3)
	if len(sigs) != 1 || sigs[0].Type != strategy.SignalAlertTriggered {
		t.Fatalf("Expected one ALERT_TRIGGERED, got %v", sigs)
	}
	if !sigs[0].OldPrice.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("Expected target 2.5 reported, got %s", sigs[0].OldPrice)
	}

	setReserves(m, 1000, 1400) // 1.4 crosses the DOWN target
	if sigs := push(4); len(sigs) != 1 {
		t.Fatalf("Expected DOWN alert, got %v", sigs)
	}
	if sigs := push(5); len(sigs) != 0 {
		t.Errorf("Fired alert must not repeat while still crossed, got %v", sigs)
	}

	setReserves(m, 1000, 2000) // back above: persistent alert re-arms, one-shot stays off
	push(6)
	setReserves(m, 1000, 1000)
	sigs = push(7)
	if len(sigs) != 1 || !sigs[0].OldPrice.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("Expected persistent DOWN alert to fire again, got %v", sigs)
	}
}

func TestReactors(t *testing.T) {
	m := service.NewMarketState(service.PolicyBestEffort)
	setReserves(m, 1000, 3000)
	entity := v2Pool(1000, 2000, true)

	rs := strategy.Reactors{
		strategy.NewReserveWatcher(m, decimal.NewFromFloat(0.01)),
		strategy.NewAlertBook(m, strategy.AlertTarget{Pool: pair, Target: decimal.NewFromInt(3)}),
	}
	sigs := rs.OnEntityChanged(strategy.Change{Height: 1, Entity: entity})
	if len(sigs) != 2 {
		t.Fatalf("Expected price move and alert, got %v", sigs)
	}
	if sigs[0].Type != strategy.SignalPriceUp || sigs[1].Type != strategy.SignalAlertTriggered {
		t.Errorf("Unexpected signal order %s, %s", sigs[0].Type, sigs[1].Type)
	}
}
