package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"trdr/internal/performance"
	"trdr/internal/trading"
	"trdr/internal/types"
)

// ErrRunNotFound 表示结果库中没有该 run。
var ErrRunNotFound = errors.New("backtest run not found")

// RunSummary 是 backtest_runs 表中的一行。
type RunSummary struct {
	ID             string              `json:"id"`
	OperationID    string              `json:"operation_id"`
	Strategy       string              `json:"strategy"`
	Symbol         string              `json:"symbol"`
	Timeframe      string              `json:"timeframe"`
	Status         string              `json:"status"`
	InitialCapital float64             `json:"initial_capital"`
	FinalValue     float64             `json:"final_value"`
	TotalTrades    int                 `json:"total_trades"`
	BarsProcessed  int                 `json:"bars_processed"`
	Config         RunConfig           `json:"config"`
	Metrics        performance.Metrics `json:"metrics"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     time.Time           `json:"finished_at"`
}

// ResultStore 管理 backtest_runs/trades/equity 表。
type ResultStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &ResultStore{db: db, path: path}, nil
}

func (s *ResultStore) Path() string { return s.path }

func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id TEXT PRIMARY KEY,
			operation_id TEXT,
			strategy TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			status TEXT NOT NULL,
			initial_capital REAL NOT NULL,
			final_value REAL NOT NULL DEFAULT 0,
			total_return_pct REAL NOT NULL DEFAULT 0,
			max_drawdown_pct REAL NOT NULL DEFAULT 0,
			win_rate REAL NOT NULL DEFAULT 0,
			sharpe REAL NOT NULL DEFAULT 0,
			total_trades INTEGER NOT NULL DEFAULT 0,
			bars_processed INTEGER NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL,
			metrics_json TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			trade_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			entry_time INTEGER NOT NULL,
			exit_price REAL NOT NULL,
			exit_time INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			gross_pnl REAL NOT NULL,
			commission REAL NOT NULL,
			entry_commission REAL NOT NULL,
			slippage REAL NOT NULL,
			net_pnl REAL NOT NULL,
			holding_hours REAL NOT NULL,
			mfe REAL,
			mae REAL,
			exit_reason TEXT,
			meta_json TEXT,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_equity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			price REAL NOT NULL,
			equity REAL NOT NULL,
			drawdown REAL NOT NULL,
			position_status TEXT NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_trades_run ON backtest_trades(run_id, trade_id);`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_equity_run ON backtest_equity(run_id, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveResults 在一个事务内写入 run、成交与权益曲线；同一 run 重复保存会覆盖旧数据。
func (s *ResultStore) SaveResults(ctx context.Context, res *Results) error {
	if res == nil {
		return fmt.Errorf("results 不能为空")
	}
	cfgJSON, err := json.Marshal(res.Config)
	if err != nil {
		return err
	}
	metricsJSON, err := json.Marshal(res.Metrics)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("result store 已关闭")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM backtest_runs WHERE id=?`, res.RunID); err != nil {
		return err
	}
	m := res.Metrics
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO backtest_runs
			(id, operation_id, strategy, symbol, timeframe, status, initial_capital, final_value,
			total_return_pct, max_drawdown_pct, win_rate, sharpe, total_trades, bars_processed,
			config_json, metrics_json, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.OperationID, res.StrategyName, res.Symbol, res.Timeframe, res.Status,
		finite(res.Config.InitialCapital), finite(res.FinalValue()), m.TotalReturnPct, m.MaxDrawdownPct,
		m.WinRate, m.SharpeRatio, len(res.Trades), res.BarsProcessed, string(cfgJSON), string(metricsJSON),
		res.StartedAt.UnixMilli(), nullableTime(res.FinishedAt)); err != nil {
		return err
	}

	tradeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_trades
			(run_id, trade_id, symbol, side, entry_price, entry_time, exit_price, exit_time, quantity,
			gross_pnl, commission, entry_commission, slippage, net_pnl, holding_hours, mfe, mae,
			exit_reason, meta_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer tradeStmt.Close()
	for _, t := range res.Trades {
		var meta any
		if len(t.DecisionMetadata) > 0 {
			raw, err := json.Marshal(jsonSafe(t.DecisionMetadata))
			if err != nil {
				return fmt.Errorf("trade %d metadata: %w", t.TradeID, err)
			}
			meta = string(raw)
		}
		if _, err := tradeStmt.ExecContext(ctx, res.RunID, t.TradeID, t.Symbol, string(t.Side),
			t.EntryPrice, t.EntryTime.UnixMilli(), t.ExitPrice, t.ExitTime.UnixMilli(), t.Quantity,
			finite(t.GrossPnL), finite(t.Commission), finite(t.EntryCommission), finite(t.Slippage),
			finite(t.NetPnL), finite(t.HoldingPeriodHours), finite(t.MFE), finite(t.MAE),
			t.ExitReason, meta); err != nil {
			return err
		}
	}

	equityStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_equity (run_id, ts, price, equity, drawdown, position_status)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer equityStmt.Close()
	for _, p := range res.EquityCurve {
		if _, err := equityStmt.ExecContext(ctx, res.RunID, p.Timestamp.UnixMilli(), finite(p.Price),
			finite(p.PortfolioValue), finite(p.Drawdown), string(p.PositionStatus)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

const runColumns = `id, operation_id, strategy, symbol, timeframe, status, initial_capital, final_value,
	total_trades, bars_processed, config_json, metrics_json, started_at, finished_at`

func (s *ResultStore) GetRun(ctx context.Context, id string) (RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM backtest_runs WHERE id=?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummary{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

// ListRuns 按开始时间倒序返回最近的 run。
func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM backtest_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []RunSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, run)
	}
	return list, rows.Err()
}

// ListTrades 返回 run 的成交记录，按 trade_id 升序。
func (s *ResultStore) ListTrades(ctx context.Context, runID string) ([]trading.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, symbol, side, entry_price, entry_time, exit_price, exit_time, quantity,
		       gross_pnl, commission, entry_commission, slippage, net_pnl, holding_hours, mfe, mae,
		       exit_reason, meta_json
		FROM backtest_trades WHERE run_id=? ORDER BY trade_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []trading.Trade
	for rows.Next() {
		var (
			t                trading.Trade
			side             string
			entryTS, exitTS  int64
			mfe, mae         sql.NullFloat64
			reason, metaJSON sql.NullString
		)
		if err := rows.Scan(&t.TradeID, &t.Symbol, &side, &t.EntryPrice, &entryTS, &t.ExitPrice, &exitTS,
			&t.Quantity, &t.GrossPnL, &t.Commission, &t.EntryCommission, &t.Slippage, &t.NetPnL,
			&t.HoldingPeriodHours, &mfe, &mae, &reason, &metaJSON); err != nil {
			return nil, err
		}
		t.Side = trading.Side(side)
		t.EntryTime = timeFromMillis(entryTS)
		t.ExitTime = timeFromMillis(exitTS)
		t.MFE, t.MAE = mfe.Float64, mae.Float64
		t.ExitReason = reason.String
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &t.DecisionMetadata); err != nil {
				return nil, err
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListEquity 返回 run 的权益曲线。
func (s *ResultStore) ListEquity(ctx context.Context, runID string) ([]performance.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, price, equity, drawdown, position_status
		FROM backtest_equity WHERE run_id=? ORDER BY ts ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []performance.EquityPoint
	for rows.Next() {
		var p performance.EquityPoint
		var ts int64
		var status string
		if err := rows.Scan(&ts, &p.Price, &p.PortfolioValue, &p.Drawdown, &status); err != nil {
			return nil, err
		}
		p.Timestamp = timeFromMillis(ts)
		p.PositionStatus = types.PositionStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunSummary, error) {
	var run RunSummary
	var opID, metricsStr sql.NullString
	var cfgStr string
	var startedAt int64
	var finishedAt sql.NullInt64
	if err := row.Scan(&run.ID, &opID, &run.Strategy, &run.Symbol, &run.Timeframe, &run.Status,
		&run.InitialCapital, &run.FinalValue, &run.TotalTrades, &run.BarsProcessed, &cfgStr,
		&metricsStr, &startedAt, &finishedAt); err != nil {
		return RunSummary{}, err
	}
	run.OperationID = opID.String
	run.StartedAt = timeFromMillis(startedAt)
	if finishedAt.Valid {
		run.FinishedAt = timeFromMillis(finishedAt.Int64)
	}
	if err := json.Unmarshal([]byte(cfgStr), &run.Config); err != nil {
		return RunSummary{}, err
	}
	if metricsStr.Valid && metricsStr.String != "" {
		if err := json.Unmarshal([]byte(metricsStr.String), &run.Metrics); err != nil {
			return RunSummary{}, err
		}
	}
	return run, nil
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
