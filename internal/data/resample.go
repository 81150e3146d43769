package data

import (
	"iter"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
)

// Resample 把基础周期 K 线流聚合成目标周期。timeframe 与 base 相同时原样返回。
func Resample(src iter.Seq2[model.MarketEvent, error], asset, timeframe, base string) (iter.Seq2[model.MarketEvent, error], error) {
	if timeframe == base {
		return src, nil
	}
	agg, err := model.NewKlineAggregator(asset, timeframe, base)
	if err != nil {
		return nil, err
	}
	return func(yield func(model.MarketEvent, error) bool) {
		for candle, err := range src {
			if err != nil {
				yield(model.MarketEvent{}, err)
				return
			}
			for _, bar := range agg.Add(candle) {
				if !yield(bar, nil) {
					return
				}
			}
		}
	}, nil
}
