package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrInvalidCandle 表示写入的 K 线字段不合法（非有限值、high<low 或价格非正）。
var ErrInvalidCandle = errors.New("invalid candle")

const candleSchema = `
CREATE TABLE IF NOT EXISTS candles (
	open_time  INTEGER PRIMARY KEY,
	close_time INTEGER NOT NULL,
	open       REAL NOT NULL,
	high       REAL NOT NULL,
	low        REAL NOT NULL,
	close      REAL NOT NULL,
	volume     REAL NOT NULL,
	trades     INTEGER NOT NULL DEFAULT 0
);`

// Coverage 描述某个 symbol@timeframe 的本地数据覆盖情况。
type Coverage struct {
	Symbol    string
	Timeframe string
	First     time.Time
	Last      time.Time
	Bars      int64
	Missing   int64 // First~Last 之间按周期应有但缺失的根数
	Path      string
}

// Store 以 SQLite 文件保存历史 K 线，路径为 <root>/<SYMBOL>/<timeframe>.db。
type Store struct {
	root string

	mu    sync.Mutex
	conns map[string]*sql.DB
}

var _ Provider = (*Store)(nil)

func NewStore(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("data root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, conns: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for key, db := range s.conns {
		errs = append(errs, db.Close())
		delete(s.conns, key)
	}
	return errors.Join(errs...)
}

// Path 返回 symbol@timeframe 对应的数据库文件路径。
func (s *Store) Path(symbol, timeframe string) string {
	return filepath.Join(s.root, strings.ToUpper(strings.TrimSpace(symbol)), strings.ToLower(strings.TrimSpace(timeframe))+".db")
}

// Exists 判断某个 symbol@timeframe 是否已有数据文件。
func (s *Store) Exists(symbol, timeframe string) bool {
	_, err := os.Stat(s.Path(symbol, timeframe))
	return err == nil
}

func (s *Store) open(symbol, timeframe string) (*sql.DB, Timeframe, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, Timeframe{}, fmt.Errorf("symbol cannot be empty")
	}
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, Timeframe{}, err
	}
	key := symbol + "@" + tf.Key
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.conns[key]; ok {
		return db, tf, nil
	}
	path := s.Path(symbol, tf.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, tf, err
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, tf, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(candleSchema); err != nil {
		_ = db.Close()
		return nil, tf, fmt.Errorf("init %s: %w", key, err)
	}
	s.conns[key] = db
	return db, tf, nil
}

// InsertCandles 批量写入 K 线，open_time 相同则覆盖。任何一根不合法时整批回滚。
func (s *Store) InsertCandles(ctx context.Context, symbol, timeframe string, candles []Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	for i, c := range candles {
		if err := checkCandle(c); err != nil {
			return 0, fmt.Errorf("candle %d (open_time=%d): %w", i, c.OpenTime, err)
		}
	}
	db, _, err := s.open(symbol, timeframe)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (open_time, close_time, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_time) DO UPDATE SET
			close_time = excluded.close_time, open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close, volume = excluded.volume, trades = excluded.trades`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(candles), nil
}

func checkCandle(c Candle) error {
	for _, v := range [...]float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite field", ErrInvalidCandle)
		}
	}
	switch {
	case c.OpenTime <= 0:
		return fmt.Errorf("%w: open_time must be > 0", ErrInvalidCandle)
	case c.CloseTime != 0 && c.CloseTime < c.OpenTime:
		return fmt.Errorf("%w: close_time before open_time", ErrInvalidCandle)
	case c.Low <= 0 || c.Open <= 0 || c.Close <= 0:
		return fmt.Errorf("%w: prices must be > 0", ErrInvalidCandle)
	case c.High < c.Low:
		return fmt.Errorf("%w: high < low", ErrInvalidCandle)
	case c.Volume < 0:
		return fmt.Errorf("%w: negative volume", ErrInvalidCandle)
	}
	return nil
}

// Coverage 统计已存 K 线的首尾时间、根数与缺口。
func (s *Store) Coverage(ctx context.Context, symbol, timeframe string) (Coverage, error) {
	db, tf, err := s.open(symbol, timeframe)
	if err != nil {
		return Coverage{}, err
	}
	var first, last, bars int64
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MIN(open_time), 0), COALESCE(MAX(open_time), 0), COUNT(1) FROM candles`)
	if err := row.Scan(&first, &last, &bars); err != nil {
		return Coverage{}, err
	}
	cov := Coverage{
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Timeframe: tf.Key,
		Bars:      bars,
		Path:      s.Path(symbol, tf.Key),
	}
	if bars == 0 {
		return cov, nil
	}
	cov.First = time.UnixMilli(first).UTC()
	cov.Last = time.UnixMilli(last).UTC()
	cov.Missing = max(0, tf.ExpectedCandles(first, last)-bars)
	return cov, nil
}

// Load 实现 Provider：读取开盘时间落在 [start, end] 的 K 线，零值表示不限。
func (s *Store) Load(ctx context.Context, symbol, timeframe string, start, end time.Time) (Frame, error) {
	if !s.Exists(symbol, timeframe) {
		return Frame{}, fmt.Errorf("%s@%s: %w", strings.ToUpper(symbol), timeframe, ErrNoData)
	}
	db, tf, err := s.open(symbol, timeframe)
	if err != nil {
		return Frame{}, err
	}
	lo, hi := int64(0), int64(math.MaxInt64)
	if !start.IsZero() {
		lo = start.UnixMilli()
	}
	if !end.IsZero() {
		hi = end.UnixMilli()
	}
	if hi < lo {
		return Frame{}, fmt.Errorf("load %s@%s: end %s before start %s", symbol, tf.Key, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	rows, err := db.QueryContext(ctx, `
		SELECT open_time, close_time, open, high, low, close, volume, trades
		FROM candles WHERE open_time BETWEEN ? AND ? ORDER BY open_time`, lo, hi)
	if err != nil {
		return Frame{}, err
	}
	defer rows.Close()
	frame := Frame{Symbol: strings.ToUpper(strings.TrimSpace(symbol)), Timeframe: tf.Key}
	for rows.Next() {
		var c Candle
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Trades); err != nil {
			return Frame{}, err
		}
		frame.Candles = append(frame.Candles, c)
	}
	return frame, rows.Err()
}
