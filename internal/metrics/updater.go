package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Updater periodically refreshes the database-derived gauges: chain
// backlog, open positions and per-profile equity. Counters are updated
// inline by the packages that own them.
type Updater struct {
	db       *pgxpool.Pool
	interval time.Duration
	stopCh   chan struct{}
}

// NewUpdater creates a metrics updater over a connection pool
func NewUpdater(db *pgxpool.Pool, interval time.Duration) *Updater {
	return &Updater{
		db:       db,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the update loop
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.update(ctx)

	for {
		select {
		case <-ticker.C:
			u.update(ctx)
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Metrics updater context cancelled")
			return
		}
	}
}

// Stop stops the update loop
func (u *Updater) Stop() {
	close(u.stopCh)
}

func (u *Updater) update(ctx context.Context) {
	u.updateChainMetrics(ctx)
	u.updatePositionMetrics(ctx)
	u.updateProfileMetrics(ctx)
	u.updateDatabaseMetrics()
}

// updateChainMetrics tracks the unsealed chain backlog
func (u *Updater) updateChainMetrics(ctx context.Context) {
	var pending int64
	query := `SELECT COUNT(*) FROM decision_chains WHERE sealed_at IS NULL`
	if err := u.db.QueryRow(ctx, query).Scan(&pending); err != nil {
		log.Error().Err(err).Msg("Failed to fetch pending chain count")
		return
	}
	PendingChains.Set(float64(pending))
}

// updatePositionMetrics refreshes the open-position gauges
func (u *Updater) updatePositionMetrics(ctx context.Context) {
	var openCount int64
	query := `SELECT COUNT(*) FROM positions WHERE closed_at IS NULL`
	if err := u.db.QueryRow(ctx, query).Scan(&openCount); err != nil {
		log.Error().Err(err).Msg("Failed to fetch open position count")
		return
	}
	OpenPositions.Set(float64(openCount))

	query = `
		SELECT symbol, SUM(volume * entry_price) AS notional
		FROM positions
		WHERE closed_at IS NULL
		GROUP BY symbol
	`
	rows, err := u.db.Query(ctx, query)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch position notionals")
		return
	}
	defer rows.Close()

	for rows.Next() {
		var symbol string
		var value float64
		if err := rows.Scan(&symbol, &value); err != nil {
			continue
		}
		UpdatePositionValue(symbol, value)
	}
}

// updateProfileMetrics refreshes equity and drawdown per profile
func (u *Updater) updateProfileMetrics(ctx context.Context) {
	query := `SELECT profile_id, equity, peak_equity, trading_enabled FROM profiles`
	rows, err := u.db.Query(ctx, query)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch profiles")
		return
	}
	defer rows.Close()

	active := 0
	for rows.Next() {
		var profileID string
		var equity, peak float64
		var enabled bool
		if err := rows.Scan(&profileID, &equity, &peak, &enabled); err != nil {
			continue
		}
		dd := 0.0
		if peak > 0 && equity < peak {
			dd = (peak - equity) / peak
		}
		UpdateProfile(profileID, equity, dd)
		if enabled {
			active++
		}
	}
	ActiveProfiles.Set(float64(active))
}

// updateDatabaseMetrics refreshes connection pool gauges
func (u *Updater) updateDatabaseMetrics() {
	stat := u.db.Stat()
	UpdateDatabaseConnections(stat.AcquiredConns(), stat.IdleConns())
}
