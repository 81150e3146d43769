package backtest

import (
	"fmt"

	"github.com/fbcalderaro/cqf-final-project/internal/data"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
)

// ResolvePeriod 把配置中的回测区间 (in_sample / out_of_sample / custom) 转换为数据窗口
func ResolvePeriod(cfg service.BacktestConfig) (data.Window, error) {
	var tr service.TimeRange
	switch cfg.Period {
	case service.PeriodInSample, "":
		tr = cfg.InSample
	case service.PeriodOutOfSample:
		tr = cfg.OutOfSample
	case service.PeriodCustom:
		tr = cfg.Custom
		if tr.Start.IsZero() || tr.End.IsZero() {
			return data.Window{}, fmt.Errorf("custom backtest period needs both start and end")
		}
	default:
		return data.Window{}, fmt.Errorf("unknown backtest period %q", cfg.Period)
	}
	if !tr.Start.IsZero() && !tr.End.IsZero() && !tr.Start.Before(tr.End) {
		return data.Window{}, fmt.Errorf("backtest period %s: start %s is not before end %s",
			cfg.Period, tr.Start.UTC().Format("2006-01-02"), tr.End.UTC().Format("2006-01-02"))
	}
	return data.Window{Start: tr.Start.UTC(), End: tr.End.UTC()}, nil
}
