package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hl-delta-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const (
	writeTimeout = 3 * time.Second
	queueSize    = 256
)

// FundingSample is one coin's funding observation from a scan cycle.
type FundingSample struct {
	Time           time.Time
	Symbol         string
	HourlyRate     float64
	AnnualizedRate float64
	SpotPrice      float64
	PerpMarkPrice  float64
}

// PositionSnapshot records the engine's view after a decision cycle.
type PositionSnapshot struct {
	Time            time.Time
	State           string
	Symbol          string
	SpotSize        float64
	PerpSize        float64
	SpotPrice       float64
	PerpPrice       float64
	FundingRate     float64
	EquityUSD       float64
	SpotExposureUSD float64
	PerpExposureUSD float64
	SpotDrift       float64
	PerpDrift       float64
}

// Writer streams analytics rows into TimescaleDB off the engine's hot
// path. Enqueue never blocks; rows are dropped when the queue is full.
type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	positions   chan PositionSnapshot
	funding     chan FundingSample
	started     atomic.Bool
	dropPos     atomic.Uint64
	dropFunding atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		positions: make(chan PositionSnapshot, queueSize),
		funding:   make(chan FundingSample, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueuePosition(snapshot PositionSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.positions <- snapshot:
	default:
		if w.dropPos.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale position queue full")
		}
	}
}

func (w *Writer) EnqueueFunding(sample FundingSample) {
	if w == nil {
		return
	}
	select {
	case w.funding <- sample:
	default:
		if w.dropFunding.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale funding queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.positions:
			w.writePosition(ctx, snap)
		case sample := <-w.funding:
			w.writeFunding(ctx, sample)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		hourly_rate DOUBLE PRECISION NOT NULL,
		annualized_rate DOUBLE PRECISION NOT NULL,
		spot_price DOUBLE PRECISION NOT NULL,
		perp_mark_price DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, symbol)
	)`, w.table("funding_rates"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		state TEXT NOT NULL,
		symbol TEXT NOT NULL,
		spot_size DOUBLE PRECISION NOT NULL,
		perp_size DOUBLE PRECISION NOT NULL,
		spot_price DOUBLE PRECISION NOT NULL,
		perp_price DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		equity_usd DOUBLE PRECISION NOT NULL,
		spot_exposure_usd DOUBLE PRECISION NOT NULL,
		perp_exposure_usd DOUBLE PRECISION NOT NULL,
		spot_drift DOUBLE PRECISION NOT NULL,
		perp_drift DOUBLE PRECISION NOT NULL
	)`, w.table("position_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"funding_rates", "position_snapshots"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writePosition(ctx context.Context, snap PositionSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, state, symbol, spot_size, perp_size, spot_price, perp_price,
		funding_rate, equity_usd, spot_exposure_usd, perp_exposure_usd, spot_drift, perp_drift
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, w.table("position_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time, snap.State, snap.Symbol, snap.SpotSize, snap.PerpSize,
		snap.SpotPrice, snap.PerpPrice, snap.FundingRate, snap.EquityUSD,
		snap.SpotExposureUSD, snap.PerpExposureUSD, snap.SpotDrift, snap.PerpDrift,
	); err != nil && w.log != nil {
		w.log.Warn("timescale position write failed", zap.Error(err))
	}
}

func (w *Writer) writeFunding(ctx context.Context, sample FundingSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, hourly_rate, annualized_rate, spot_price, perp_mark_price
	) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (ts, symbol) DO NOTHING`, w.table("funding_rates"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Time, sample.Symbol, sample.HourlyRate, sample.AnnualizedRate,
		sample.SpotPrice, sample.PerpMarkPrice,
	); err != nil && w.log != nil {
		w.log.Warn("timescale funding write failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
