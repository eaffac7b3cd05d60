// Package store persists parameter sets, markets, attempts, snapshots, and
// attempt lifecycle records to Postgres. Writes that touch many rows in one
// cycle (attempt creation, pairing, failure, lifecycle tracking) go through a
// single transaction so a crash mid-batch never leaves half the cycle's
// attempts updated and the other half stale.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"pairharness/internal/domain"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS parameter_sets (
	parameter_set_id          SERIAL PRIMARY KEY,
	name                      TEXT NOT NULL,
	s0_points                 INTEGER NOT NULL,
	delta_points              INTEGER NOT NULL,
	pair_cap_points           INTEGER NOT NULL,
	stop_loss_points          INTEGER NOT NULL DEFAULT 0,
	trigger_rule              TEXT NOT NULL,
	reference_price_source    TEXT NOT NULL,
	sampling_mode             TEXT,
	cycle_interval_seconds    DOUBLE PRECISION,
	cycles_per_market         INTEGER,
	feed_gap_threshold_seconds DOUBLE PRECISION,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS markets (
	market_id               TEXT PRIMARY KEY,
	crypto_asset            TEXT NOT NULL,
	condition_id            TEXT NOT NULL,
	yes_token_id            TEXT NOT NULL,
	no_token_id             TEXT NOT NULL,
	start_time              TIMESTAMPTZ NOT NULL,
	settlement_time         TIMESTAMPTZ NOT NULL,
	actual_settlement_time  TIMESTAMPTZ,
	tick_size_points        INTEGER NOT NULL,
	parameter_set_id        INTEGER REFERENCES parameter_sets(parameter_set_id),
	total_attempts          INTEGER NOT NULL DEFAULT 0,
	total_pairs             INTEGER NOT NULL DEFAULT 0,
	total_failed            INTEGER NOT NULL DEFAULT 0,
	settlement_failures     INTEGER NOT NULL DEFAULT 0,
	pair_rate               DOUBLE PRECISION,
	avg_time_to_pair        DOUBLE PRECISION,
	median_time_to_pair     DOUBLE PRECISION,
	max_concurrent_attempts INTEGER NOT NULL DEFAULT 0,
	total_cycles_run        INTEGER NOT NULL DEFAULT 0,
	cycle_interval_seconds  DOUBLE PRECISION,
	time_remaining_at_start DOUBLE PRECISION,
	anomaly_count           INTEGER NOT NULL DEFAULT 0,
	notes                   TEXT
);

CREATE TABLE IF NOT EXISTS attempts (
	attempt_id                     SERIAL PRIMARY KEY,
	market_id                      TEXT NOT NULL REFERENCES markets(market_id),
	parameter_set_id               INTEGER NOT NULL REFERENCES parameter_sets(parameter_set_id),
	cycle_number                   INTEGER NOT NULL,
	t1_timestamp                   TIMESTAMPTZ NOT NULL,
	first_leg_side                 TEXT NOT NULL,
	p1_points                      INTEGER NOT NULL,
	reference_yes_points           INTEGER NOT NULL,
	reference_no_points            INTEGER NOT NULL,
	opposite_side                  TEXT NOT NULL,
	opposite_trigger_points        INTEGER NOT NULL,
	opposite_max_points            INTEGER NOT NULL,
	status                         TEXT NOT NULL DEFAULT 'active',
	t2_timestamp                   TIMESTAMPTZ,
	t2_cycle_number                INTEGER,
	time_to_pair_seconds           DOUBLE PRECISION,
	time_remaining_at_start        DOUBLE PRECISION,
	time_remaining_at_completion   DOUBLE PRECISION,
	actual_opposite_price          INTEGER,
	pair_cost_points               INTEGER,
	pair_profit_points             INTEGER,
	fail_reason                    TEXT,
	had_feed_gap                   BOOLEAN NOT NULL DEFAULT false,
	closest_approach_points        INTEGER,
	closest_approach_timestamp     TIMESTAMPTZ,
	closest_approach_cycle_number  INTEGER,
	max_adverse_excursion_points   INTEGER,
	mae_timestamp                  TIMESTAMPTZ,
	mae_cycle_number               INTEGER,
	time_remaining_bucket          TEXT,
	yes_spread_entry_points        INTEGER,
	no_spread_entry_points         INTEGER,
	yes_spread_exit_points         INTEGER,
	no_spread_exit_points          INTEGER
);

CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id           SERIAL PRIMARY KEY,
	market_id             TEXT NOT NULL REFERENCES markets(market_id),
	cycle_number          INTEGER NOT NULL,
	timestamp             TIMESTAMPTZ NOT NULL,
	yes_bid_points        INTEGER,
	yes_ask_points        INTEGER,
	no_bid_points         INTEGER,
	no_ask_points         INTEGER,
	yes_last_trade_points INTEGER,
	no_last_trade_points  INTEGER,
	time_remaining        DOUBLE PRECISION,
	active_attempts_count INTEGER NOT NULL DEFAULT 0,
	anomaly_flag          BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS attempt_lifecycle (
	lifecycle_id            SERIAL PRIMARY KEY,
	attempt_id              INTEGER NOT NULL REFERENCES attempts(attempt_id),
	cycle_number            INTEGER NOT NULL,
	timestamp               TIMESTAMPTZ NOT NULL,
	opposite_ask_points     INTEGER,
	distance_to_trigger     INTEGER,
	closest_approach_so_far INTEGER
);
`

// Store wraps a Postgres connection pool with the batched write operations
// the monitor layer needs once per cycle.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to Postgres at dsn and verifies connectivity with a ping.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Migrate creates all tables if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	s.logger.Info("schema migrated")
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertParameterSet inserts a parameter set and assigns its database ID
// back onto ps.
func (s *Store) InsertParameterSet(ctx context.Context, ps *domain.ParameterSet, sampling domain.SamplingMode, cycleInterval float64, cyclesPerMarket int, feedGapThreshold float64) error {
	const q = `
		INSERT INTO parameter_sets
			(name, s0_points, delta_points, pair_cap_points, stop_loss_points,
			 trigger_rule, reference_price_source, sampling_mode,
			 cycle_interval_seconds, cycles_per_market, feed_gap_threshold_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING parameter_set_id`
	row := s.db.QueryRowContext(ctx, q,
		ps.Name, ps.S0Points, ps.DeltaPoints, ps.PairCapPoints(), ps.StopLossPoints,
		ps.TriggerRule, ps.ReferencePriceSource, sampling,
		cycleInterval, cyclesPerMarket, feedGapThreshold,
	)
	if err := row.Scan(&ps.ID); err != nil {
		return fmt.Errorf("insert parameter set %q: %w", ps.Name, err)
	}
	s.logger.Info("inserted parameter set", "name", ps.Name, "parameter_set_id", ps.ID)
	return nil
}

// InsertMarket inserts a newly discovered market. A conflict on market_id
// leaves the existing row unchanged, so a restart that rediscovers the same
// slug doesn't fail.
func (s *Store) InsertMarket(ctx context.Context, m domain.Market, parameterSetID int, startTime time.Time, timeRemaining, cycleInterval float64) error {
	const q = `
		INSERT INTO markets
			(market_id, crypto_asset, condition_id, yes_token_id, no_token_id,
			 start_time, settlement_time, tick_size_points, parameter_set_id,
			 time_remaining_at_start, cycle_interval_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (market_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, q,
		m.MarketSlug, m.CryptoAsset, m.ConditionID, m.YesTokenID, m.NoTokenID,
		startTime, m.SettlementTime, m.TickSizePoints, parameterSetID,
		timeRemaining, cycleInterval,
	)
	if err != nil {
		return fmt.Errorf("insert market %s: %w", m.MarketSlug, err)
	}
	return nil
}

// InsertAttemptsBatch inserts one or more newly-opened attempts in a single
// transaction, assigning each attempt's AttemptID from its RETURNING row.
func (s *Store) InsertAttemptsBatch(ctx context.Context, marketID string, attempts []*domain.Attempt) error {
	if len(attempts) == 0 {
		return nil
	}
	const q = `
		INSERT INTO attempts
			(market_id, parameter_set_id, cycle_number, t1_timestamp,
			 first_leg_side, p1_points, reference_yes_points, reference_no_points,
			 opposite_side, opposite_trigger_points, opposite_max_points,
			 status, time_remaining_at_start, time_remaining_bucket,
			 yes_spread_entry_points, no_spread_entry_points)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING attempt_id`
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert attempts batch: %w", err)
	}
	defer tx.Rollback()

	for _, a := range attempts {
		row := tx.QueryRowContext(ctx, q,
			marketID, a.ParameterSetID, a.CycleNumber, a.T1Timestamp,
			a.FirstLegSide, a.P1Points, a.ReferenceYesPoints, a.ReferenceNoPoints,
			a.OppositeSide, a.OppositeTriggerPoints, a.OppositeMaxPoints,
			a.Status, a.TimeRemainingAtStart, a.TimeRemainingBucket,
			a.YesSpreadEntryPoints, a.NoSpreadEntryPoints,
		)
		if err := row.Scan(&a.AttemptID); err != nil {
			return fmt.Errorf("insert attempt (seq %d): %w", a.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert attempts batch: %w", err)
	}
	return nil
}

// UpdateAttemptsPairedBatch writes completion fields for attempts that
// paired successfully, in a single transaction.
func (s *Store) UpdateAttemptsPairedBatch(ctx context.Context, attempts []*domain.Attempt) error {
	const q = `
		UPDATE attempts SET
			status = $1, t2_timestamp = $2, t2_cycle_number = $3,
			time_to_pair_seconds = $4, time_remaining_at_completion = $5,
			actual_opposite_price = $6, pair_cost_points = $7,
			pair_profit_points = $8, had_feed_gap = $9,
			closest_approach_points = $10, closest_approach_timestamp = $11,
			closest_approach_cycle_number = $12, max_adverse_excursion_points = $13,
			mae_timestamp = $14, mae_cycle_number = $15,
			yes_spread_exit_points = $16, no_spread_exit_points = $17
		WHERE attempt_id = $18`
	return s.execBatch(ctx, "update paired attempts", attempts, func(tx *sqlx.Tx, a *domain.Attempt) error {
		_, err := tx.ExecContext(ctx, q,
			a.Status, a.T2Timestamp, a.T2CycleNumber,
			a.TimeToPairSeconds, a.TimeRemainingAtCompletion,
			a.ActualOppositePrice, a.PairCostPoints,
			a.PairProfitPoints, a.HadFeedGap,
			a.ClosestApproachPoints, a.ClosestApproachTimestamp,
			a.ClosestApproachCycleNumber, a.MaxAdverseExcursionPoints,
			a.MAETimestamp, a.MAECycleNumber,
			a.YesSpreadExitPoints, a.NoSpreadExitPoints,
			a.AttemptID,
		)
		return err
	})
}

// UpdateAttemptsFailedBatch writes completion fields for attempts that
// failed at settlement or on shutdown, in a single transaction.
func (s *Store) UpdateAttemptsFailedBatch(ctx context.Context, attempts []*domain.Attempt) error {
	return s.updateTerminalBatch(ctx, "update failed attempts", attempts)
}

// UpdateAttemptsStoppedBatch writes completion fields for attempts closed
// out by the stop-loss sweep. Kept distinct from UpdateAttemptsFailedBatch
// so cycle logs can report stop-loss exits as their own count even though
// both paths touch the same columns.
func (s *Store) UpdateAttemptsStoppedBatch(ctx context.Context, attempts []*domain.Attempt) error {
	return s.updateTerminalBatch(ctx, "update stopped-out attempts", attempts)
}

func (s *Store) updateTerminalBatch(ctx context.Context, label string, attempts []*domain.Attempt) error {
	const q = `
		UPDATE attempts SET
			status = $1, time_remaining_at_completion = $2,
			fail_reason = $3, had_feed_gap = $4,
			closest_approach_points = $5, closest_approach_timestamp = $6,
			closest_approach_cycle_number = $7, max_adverse_excursion_points = $8,
			mae_timestamp = $9, mae_cycle_number = $10,
			pair_profit_points = $11
		WHERE attempt_id = $12`
	return s.execBatch(ctx, label, attempts, func(tx *sqlx.Tx, a *domain.Attempt) error {
		_, err := tx.ExecContext(ctx, q,
			a.Status, a.TimeRemainingAtCompletion,
			a.FailReason, a.HadFeedGap,
			a.ClosestApproachPoints, a.ClosestApproachTimestamp,
			a.ClosestApproachCycleNumber, a.MaxAdverseExcursionPoints,
			a.MAETimestamp, a.MAECycleNumber,
			a.PairProfitPoints,
			a.AttemptID,
		)
		return err
	})
}

func (s *Store) execBatch(ctx context.Context, label string, attempts []*domain.Attempt, fn func(tx *sqlx.Tx, a *domain.Attempt) error) error {
	if len(attempts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", label, err)
	}
	defer tx.Rollback()

	for _, a := range attempts {
		if err := fn(tx, a); err != nil {
			return fmt.Errorf("%s (attempt_id %d): %w", label, a.AttemptID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", label, err)
	}
	return nil
}

// InsertLifecycleBatch batch-inserts lifecycle tracking rows for attempts
// that were already active when a cycle began. A no-op when lifecycle
// tracking is disabled, since the caller never builds any records.
func (s *Store) InsertLifecycleBatch(ctx context.Context, records []domain.LifecycleRecord) error {
	if len(records) == 0 {
		return nil
	}
	const q = `
		INSERT INTO attempt_lifecycle
			(attempt_id, cycle_number, timestamp, opposite_ask_points,
			 distance_to_trigger, closest_approach_so_far)
		VALUES (:attempt_id, :cycle_number, :timestamp, :opposite_ask_points,
			:distance_to_trigger, :closest_approach_so_far)`

	type row struct {
		AttemptID            int        `db:"attempt_id"`
		CycleNumber          int        `db:"cycle_number"`
		Timestamp            time.Time  `db:"timestamp"`
		OppositeAskPoints    *int       `db:"opposite_ask_points"`
		DistanceToTrigger    *int       `db:"distance_to_trigger"`
		ClosestApproachSoFar *int       `db:"closest_approach_so_far"`
	}
	rows := make([]row, len(records))
	for i, r := range records {
		rows[i] = row{
			AttemptID:            r.AttemptID,
			CycleNumber:          r.CycleNumber,
			Timestamp:            r.Timestamp,
			OppositeAskPoints:    r.OppositeAskPoints,
			DistanceToTrigger:    r.DistanceToTrigger,
			ClosestApproachSoFar: r.ClosestApproachSoFar,
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert lifecycle batch: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.NamedExecContext(ctx, q, rows); err != nil {
		return fmt.Errorf("insert lifecycle batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert lifecycle batch: %w", err)
	}
	return nil
}

// InsertSnapshot inserts a single cycle snapshot. Called at most once per
// cycle, so it does not need batching.
func (s *Store) InsertSnapshot(ctx context.Context, marketID string, snap domain.Snapshot) error {
	const q = `
		INSERT INTO snapshots
			(market_id, cycle_number, timestamp, yes_bid_points, yes_ask_points,
			 no_bid_points, no_ask_points, yes_last_trade_points, no_last_trade_points,
			 time_remaining, active_attempts_count, anomaly_flag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.db.ExecContext(ctx, q,
		marketID, snap.CycleNumber, snap.Timestamp, snap.YesBidPoints, snap.YesAskPoints,
		snap.NoBidPoints, snap.NoAskPoints, snap.YesLastTradePoints, snap.NoLastTradePoints,
		snap.TimeRemainingSeconds, snap.ActiveAttemptsCount, snap.AnomalyFlag,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot (cycle %d): %w", snap.CycleNumber, err)
	}
	return nil
}

// UpdateMarketSummary writes final run statistics to a market's row once
// its monitor loop exits.
func (s *Store) UpdateMarketSummary(ctx context.Context, marketID string, summary domain.MarketSummary, pairRate, avgTimeToPair *float64, notes string) error {
	const q = `
		UPDATE markets SET
			total_attempts = $1, total_pairs = $2, total_failed = $3,
			settlement_failures = $4, pair_rate = $5, avg_time_to_pair = $6,
			median_time_to_pair = $7, max_concurrent_attempts = $8,
			total_cycles_run = $9, anomaly_count = $10,
			actual_settlement_time = now(), notes = $11
		WHERE market_id = $12`
	_, err := s.db.ExecContext(ctx, q,
		summary.TotalAttempts, summary.TotalPairs, summary.TotalFailed,
		summary.SettlementFailures, pairRate, avgTimeToPair,
		summary.MedianTimeToPairSeconds, summary.MaxConcurrentAttempts,
		summary.TotalCyclesRun, summary.AnomalyCount, notes,
		marketID,
	)
	if err != nil {
		return fmt.Errorf("update market summary for %s: %w", marketID, err)
	}
	s.logger.Info("market summary written", "market_id", marketID, "total_attempts", summary.TotalAttempts, "total_pairs", summary.TotalPairs)
	return nil
}
