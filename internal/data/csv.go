package data

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
	"go.uber.org/zap"
)

// CSVSource 从目录中的 <ASSET>_<timeframe>.csv 读取 K 线。
// 目标周期文件不存在时读取基础周期文件并重采样。
// 列名支持 open_time/time, open/open_price, high/high_price, low/low_price, close/close_price, volume。
type CSVSource struct {
	Dir  string
	Base string // 基础周期，通常 "1m"
	Win  Window

	logger *zap.Logger
}

func NewCSVSource(dir, base string, win Window, logger *zap.Logger) *CSVSource {
	if base == "" {
		base = "1m"
	}
	return &CSVSource{Dir: dir, Base: base, Win: win, logger: logger}
}

// FileName 数据文件名，例如 BTC-USDT_1h.csv
func FileName(asset, timeframe string) string {
	return fmt.Sprintf("%s_%s.csv", asset, timeframe)
}

func (s *CSVSource) Subscribe(ctx context.Context, asset, timeframe string) iter.Seq2[model.MarketEvent, error] {
	return func(yield func(model.MarketEvent, error) bool) {
		path := filepath.Join(s.Dir, FileName(asset, timeframe))
		fileTF := timeframe
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = filepath.Join(s.Dir, FileName(asset, s.Base))
			fileTF = s.Base
		}
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				err = fmt.Errorf("%s/%s in %s: %w", asset, timeframe, s.Dir, ErrNoData)
			}
			yield(model.MarketEvent{}, err)
			return
		}
		defer f.Close()

		s.logger.Info("Replaying candles from csv",
			zap.String("file", path), zap.String("asset", asset), zap.String("timeframe", timeframe))

		rows := readCandles(ctx, f, asset, fileTF, s.Win)
		seq, err := Resample(rows, asset, timeframe, fileTF)
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

type csvColumns struct {
	time, open, high, low, close, volume int
}

func parseHeader(header []string) (csvColumns, error) {
	cols := csvColumns{-1, -1, -1, -1, -1, -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "open_time", "time", "timestamp":
			cols.time = i
		case "open", "open_price":
			cols.open = i
		case "high", "high_price":
			cols.high = i
		case "low", "low_price":
			cols.low = i
		case "close", "close_price":
			cols.close = i
		case "volume":
			cols.volume = i
		}
	}
	if cols.time < 0 || cols.open < 0 || cols.high < 0 || cols.low < 0 || cols.close < 0 {
		return cols, fmt.Errorf("csv header %v is missing required columns", header)
	}
	return cols, nil
}

// parseTime 支持 RFC3339 和毫秒时间戳
func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if ms, err := service.StringToInt64(v); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04:05-07:00"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time value %q", v)
}

func readCandles(ctx context.Context, r io.Reader, asset, timeframe string, win Window) iter.Seq2[model.MarketEvent, error] {
	return func(yield func(model.MarketEvent, error) bool) {
		reader := csv.NewReader(r)
		reader.ReuseRecord = true

		header, err := reader.Read()
		if err != nil {
			yield(model.MarketEvent{}, fmt.Errorf("read csv header: %w", err))
			return
		}
		cols, err := parseHeader(header)
		if err != nil {
			yield(model.MarketEvent{}, err)
			return
		}

		line := 1
		for {
			if err := ctx.Err(); err != nil {
				yield(model.MarketEvent{}, err)
				return
			}
			rec, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			line++
			if err != nil {
				yield(model.MarketEvent{}, fmt.Errorf("read csv line %d: %w", line, err))
				return
			}

			e, err := parseRecord(rec, cols, asset, timeframe)
			if err != nil {
				yield(model.MarketEvent{}, fmt.Errorf("csv line %d: %w", line, err))
				return
			}
			if !win.End.IsZero() && !e.Time.Before(win.End) {
				return
			}
			if !win.Contains(e.Time) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func parseRecord(rec []string, cols csvColumns, asset, timeframe string) (model.MarketEvent, error) {
	t, err := parseTime(rec[cols.time])
	if err != nil {
		return model.MarketEvent{}, err
	}
	field := func(i int) (float64, error) {
		if i < 0 {
			return 0, nil
		}
		return strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
	}
	e := model.MarketEvent{Asset: asset, Timeframe: timeframe, Time: t}
	if e.Open, err = field(cols.open); err != nil {
		return e, err
	}
	if e.High, err = field(cols.high); err != nil {
		return e, err
	}
	if e.Low, err = field(cols.low); err != nil {
		return e, err
	}
	if e.Close, err = field(cols.close); err != nil {
		return e, err
	}
	if e.Volume, err = field(cols.volume); err != nil {
		return e, err
	}
	return e, nil
}
