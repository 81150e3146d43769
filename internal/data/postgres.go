package data

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"time"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// BuildConnString 根据配置生成 PostgreSQL 连接串
func BuildConnString(cfg service.DatabaseConfig) string {
	// 密码中可能有特殊字符
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, escapedPassword, cfg.Host, cfg.Port, cfg.Name, sslMode)
}

// Connect 创建连接池并检查连通性
func Connect(ctx context.Context, cfg service.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// TableName K 线表名，例如 BTC-USDT + 1m -> btcusdt_1m_candles
func TableName(asset, interval string) string {
	return fmt.Sprintf("%s_%s_candles", strings.ToLower(strings.ReplaceAll(asset, "-", "")), interval)
}

// PostgresSource 从 <asset>_<base>_candles 表按时间顺序读取 K 线并重采样到订阅周期
type PostgresSource struct {
	pool   *pgxpool.Pool
	base   string
	win    Window
	logger *zap.Logger
}

func NewPostgresSource(pool *pgxpool.Pool, base string, win Window, logger *zap.Logger) *PostgresSource {
	if base == "" {
		base = "1m"
	}
	return &PostgresSource{pool: pool, base: base, win: win, logger: logger}
}

func (s *PostgresSource) query(table string) (string, []any) {
	sql := fmt.Sprintf(
		"SELECT open_time, open_price, high_price, low_price, close_price, volume FROM %s",
		pgx.Identifier{table}.Sanitize())
	var (
		where []string
		args  []any
	)
	if !s.win.Start.IsZero() {
		args = append(args, s.win.Start)
		where = append(where, fmt.Sprintf("open_time >= $%d", len(args)))
	}
	if !s.win.End.IsZero() {
		args = append(args, s.win.End)
		where = append(where, fmt.Sprintf("open_time < $%d", len(args)))
	}
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	return sql + " ORDER BY open_time ASC", args
}

func (s *PostgresSource) Subscribe(ctx context.Context, asset, timeframe string) iter.Seq2[model.MarketEvent, error] {
	return func(yield func(model.MarketEvent, error) bool) {
		table := TableName(asset, s.base)
		sql, args := s.query(table)

		start := time.Now()
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			yield(model.MarketEvent{}, fmt.Errorf("query %s: %w", table, err))
			return
		}
		defer rows.Close()

		s.logger.Info("Streaming candles from database",
			zap.String("table", table), zap.String("timeframe", timeframe), zap.Duration("query_time", time.Since(start)))

		candles := func(yield func(model.MarketEvent, error) bool) {
			for rows.Next() {
				e := model.MarketEvent{Asset: asset, Timeframe: s.base}
				if err := rows.Scan(&e.Time, &e.Open, &e.High, &e.Low, &e.Close, &e.Volume); err != nil {
					yield(model.MarketEvent{}, fmt.Errorf("scan %s: %w", table, err))
					return
				}
				e.Time = e.Time.UTC()
				if !yield(e, nil) {
					return
				}
			}
			if err := rows.Err(); err != nil {
				yield(model.MarketEvent{}, fmt.Errorf("iterate %s: %w", table, err))
			}
		}

		seq, err := Resample(candles, asset, timeframe, s.base)
		if err != nil {
			yield(model.MarketEvent{}, err)
			return
		}
		for e, err := range seq {
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}
