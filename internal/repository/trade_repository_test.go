package repository

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"crossarb/internal/models"
)

var tradeRowColumns = []string{"id", "instrument", "direction", "decision_spread", "decision", "state", "outcome", "hedged_quantity", "estimated_pnl", "reason", "created_at", "closed_at"}

var legRowColumns = []string{"id", "trade_id", "kind", "venue", "venue_order_id", "instrument", "side", "role", "size", "price", "state", "fill_quantity", "avg_price", "attempt", "reservation_id", "error_message", "created_at", "submit_time", "closed_at"}

func testTrade(now time.Time) *models.PairedTrade {
	price := 100.5
	primary := &models.ArbitrageOrder{
		ID: "leg-p", TradeID: "t1", Venue: "a", VenueOrderID: "a-1", Instrument: "BTC/USDT",
		Side: models.SideBuy, Role: models.RoleMaker, Size: 1, Price: &price,
		State: models.LegFilled, FillQuantity: 1, AvgPrice: 100.5, CreatedAt: now, SubmitTime: &now, ClosedAt: &now,
	}
	hedge := &models.ArbitrageOrder{
		ID: "leg-h", TradeID: "t1", Venue: "b", VenueOrderID: "b-1", Instrument: "BTC/USDT",
		Side: models.SideSell, Role: models.RoleTaker, Size: 1,
		State: models.LegFilled, FillQuantity: 1, AvgPrice: 101, CreatedAt: now, SubmitTime: &now, ClosedAt: &now,
	}
	return &models.PairedTrade{
		ID:             "t1",
		Instrument:     "BTC/USDT",
		Direction:      models.DirectionLong,
		DecisionSpread: 0.5,
		Decision:       &models.Decision{Direction: models.DirectionLong, Spread: 0.5, Size: 1},
		Primary:        primary,
		Hedge:          hedge,
		HedgeAttempts:  []*models.ArbitrageOrder{hedge},
		State:          models.PairHedgeFilled,
		Outcome:        models.OutcomeFullyHedged,
		HedgedQuantity: 1,
		EstimatedPnl:   0.5,
		CreatedAt:      now,
		ClosedAt:       &now,
	}
}

func TestNewTradeRepository(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewTradeRepository(db)
	if repo == nil {
		t.Fatal("NewTradeRepository returned nil")
	}
	if repo.db != db || repo.legs == nil {
		t.Error("repository not initialized")
	}
}

func TestTradeRepositorySave(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError bool
	}{
		{
			name: "success",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO paired_trades .+ ON CONFLICT \(id\) DO UPDATE`).
					WithArgs("t1", "BTC/USDT", models.DirectionLong, 0.5, sqlmock.AnyArg(), models.PairHedgeFilled,
						models.OutcomeFullyHedged, 1.0, 0.5, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(`INSERT INTO trade_legs`).
					WithArgs("leg-p", "t1", LegKindPrimary, "a", "a-1", "BTC/USDT", models.SideBuy, models.RoleMaker,
						1.0, sqlmock.AnyArg(), models.LegFilled, 1.0, 100.5, 0, "", "",
						sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(`INSERT INTO trade_legs`).
					WithArgs("leg-h", "t1", LegKindHedge, "b", "b-1", "BTC/USDT", models.SideSell, models.RoleTaker,
						1.0, nil, models.LegFilled, 1.0, 101.0, 0, "", "",
						sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			expectError: false,
		},
		{
			name: "trade insert error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO paired_trades`).WillReturnError(errors.New("database error"))
				mock.ExpectRollback()
			},
			expectError: true,
		},
		{
			name: "leg insert error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO paired_trades`).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(`INSERT INTO trade_legs`).WillReturnError(errors.New("database error"))
				mock.ExpectRollback()
			},
			expectError: true,
		},
		{
			name: "begin error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewTradeRepository(db)
			err = repo.Save(testTrade(now))

			if tt.expectError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestTradeRepositoryGetByID(t *testing.T) {
	now := time.Now()
	price := 100.5

	t.Run("success with legs", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("failed to create mock: %v", err)
		}
		defer db.Close()

		mock.ExpectQuery(`SELECT .+ FROM paired_trades WHERE id = \$1`).
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows(tradeRowColumns).
				AddRow("t1", "BTC/USDT", "long", 0.5, []byte(`{"direction":"long","spread":0.5}`), models.PairHedgeFilled,
					models.OutcomeFullyHedged, 0.6, 0.3, "", now, now))
		mock.ExpectQuery(`SELECT .+ FROM trade_legs WHERE trade_id = \$1`).
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows(legRowColumns).
				AddRow("leg-p", "t1", LegKindPrimary, "a", "a-1", "BTC/USDT", "buy", "maker", 1.0, price, models.LegCancelled, 0.6, 100.5, 0, "r1", "", now, now, now).
				AddRow("leg-h0", "t1", LegKindHedge, "b", "b-1", "BTC/USDT", "sell", "taker", 0.6, nil, models.LegRejected, 0.0, 0.0, 0, "r2", "rejected", now, nil, now).
				AddRow("leg-h1", "t1", LegKindHedge, "b", "b-2", "BTC/USDT", "sell", "taker", 0.6, nil, models.LegFilled, 0.6, 101.0, 1, "r2", "", now, now, now))

		repo := NewTradeRepository(db)
		trade, err := repo.GetByID("t1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if trade.Decision == nil || trade.Decision.Spread != 0.5 {
			t.Errorf("decision not decoded: %+v", trade.Decision)
		}
		if trade.Primary == nil || trade.Primary.ID != "leg-p" {
			t.Fatalf("expected primary leg-p, got %+v", trade.Primary)
		}
		if trade.Primary.Price == nil || *trade.Primary.Price != price {
			t.Errorf("expected primary price %v, got %v", price, trade.Primary.Price)
		}
		if len(trade.HedgeAttempts) != 2 {
			t.Fatalf("expected 2 hedge attempts, got %d", len(trade.HedgeAttempts))
		}
		if trade.Hedge.ID != "leg-h1" {
			t.Errorf("expected last attempt as hedge, got %s", trade.Hedge.ID)
		}
		if trade.HedgeAttempts[0].Price != nil || trade.HedgeAttempts[0].SubmitTime != nil {
			t.Error("expected nil price and submit time for rejected market hedge")
		}
		if trade.Unwind != nil {
			t.Error("expected no unwind leg")
		}

		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("failed to create mock: %v", err)
		}
		defer db.Close()

		mock.ExpectQuery(`SELECT .+ FROM paired_trades WHERE id = \$1`).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		repo := NewTradeRepository(db)
		_, err = repo.GetByID("missing")
		if !errors.Is(err, ErrTradeNotFound) {
			t.Errorf("expected ErrTradeNotFound, got %v", err)
		}
	})

	t.Run("corrupted decision", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("failed to create mock: %v", err)
		}
		defer db.Close()

		mock.ExpectQuery(`SELECT .+ FROM paired_trades`).
			WillReturnRows(sqlmock.NewRows(tradeRowColumns).
				AddRow("t1", "BTC/USDT", "long", 0.5, []byte(`{broken`), models.PairAborted,
					models.OutcomeAbortedPreTrade, 0.0, 0.0, "", now, now))

		repo := NewTradeRepository(db)
		if _, err := repo.GetByID("t1"); err == nil {
			t.Error("expected decode error, got nil")
		}
	})
}

func TestTradeRepositoryGetRecent(t *testing.T) {
	now := time.Now()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM paired_trades ORDER BY created_at DESC LIMIT \$1`).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows(tradeRowColumns).
			AddRow("t2", "BTC/USDT", "short", 0.4, nil, models.PairHedgeFailed, models.OutcomeHedgeFailed, 0.0, 0.0, "hedge retries exhausted", now, now).
			AddRow("t1", "BTC/USDT", "long", 0.5, nil, models.PairHedgeFilled, models.OutcomeFullyHedged, 1.0, 0.5, "", now.Add(-time.Minute), now))

	repo := NewTradeRepository(db)
	trades, err := repo.GetRecent(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].ID != "t2" || trades[0].Reason != "hedge retries exhausted" {
		t.Errorf("unexpected first trade: %+v", trades[0])
	}
	if trades[1].Decision != nil {
		t.Error("expected nil decision for NULL column")
	}
}

func TestTradeRepositoryGetByOutcome(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM paired_trades WHERE outcome = \$1`).
		WithArgs(models.OutcomeHedgeFailed, 10).
		WillReturnError(errors.New("database error"))

	repo := NewTradeRepository(db)
	if _, err := repo.GetByOutcome(models.OutcomeHedgeFailed, 10); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestTradeRepositoryGetOpen(t *testing.T) {
	now := time.Now()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM paired_trades WHERE outcome = ''`).
		WillReturnRows(sqlmock.NewRows(tradeRowColumns).
			AddRow("t3", "BTC/USDT", "long", 0.5, nil, models.PairHedgeSubmitted, "", 0.0, 0.0, "", now, nil))

	repo := NewTradeRepository(db)
	trades, err := repo.GetOpen()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 1 || trades[0].ClosedAt != nil || trades[0].IsClosed() {
		t.Errorf("expected one open trade, got %+v", trades)
	}
}

func TestTradeRepositoryCountByOutcome(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT outcome, COUNT\(\*\) FROM paired_trades GROUP BY outcome`).
		WillReturnRows(sqlmock.NewRows([]string{"outcome", "count"}).
			AddRow(models.OutcomeFullyHedged, 7).
			AddRow(models.OutcomeHedgeFailed, 1))

	repo := NewTradeRepository(db)
	counts, err := repo.CountByOutcome()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[models.OutcomeFullyHedged] != 7 || counts[models.OutcomeHedgeFailed] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
	if counts[models.OutcomeUnwound] != 0 {
		t.Error("expected zero for missing outcome")
	}
}

func TestTradeLegsFallsBackToHedge(t *testing.T) {
	trade := testTrade(time.Now())
	trade.HedgeAttempts = nil
	trade.Unwind = &models.ArbitrageOrder{ID: "leg-u"}

	legs := tradeLegs(trade)
	if len(legs) != 3 {
		t.Fatalf("expected 3 legs, got %d", len(legs))
	}
	kinds := []string{LegKindPrimary, LegKindHedge, LegKindUnwind}
	for i, l := range legs {
		if l.Kind != kinds[i] {
			t.Errorf("leg %d: expected kind %s, got %s", i, kinds[i], l.Kind)
		}
	}
}
