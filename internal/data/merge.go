package data

import (
	"iter"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
)

type head struct {
	event model.MarketEvent
	next  func() (model.MarketEvent, error, bool)
	stop  func()
}

// before 全局排序: 收盘时间, 开盘时间, 交易对, 周期, 输入流下标。
// 按收盘时间排序，与实时行情中 K 线收盘后才到达的顺序一致。
func before(a model.MarketEvent, ai int, b model.MarketEvent, bi int) bool {
	if ac, bc := a.CloseTime(), b.CloseTime(); !ac.Equal(bc) {
		return ac.Before(bc)
	}
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	if a.Asset != b.Asset {
		return a.Asset < b.Asset
	}
	if a.Timeframe != b.Timeframe {
		return a.Timeframe < b.Timeframe
	}
	return ai < bi
}

// Merge 把多个按时间排序的事件流合并为一个全局时间序列，排序规则完全确定。
// 任一输入流报错时把错误交给下游，该输入流随即被关闭。
func Merge(streams ...iter.Seq2[model.MarketEvent, error]) iter.Seq2[model.MarketEvent, error] {
	return func(yield func(model.MarketEvent, error) bool) {
		heads := make([]*head, len(streams))
		defer func() {
			for _, h := range heads {
				if h != nil {
					h.stop()
				}
			}
		}()

		// advance 取下一条事件，返回 false 表示下游要求停止
		advance := func(i int) bool {
			h := heads[i]
			e, err, ok := h.next()
			if !ok {
				h.stop()
				heads[i] = nil
				return true
			}
			if err != nil {
				h.stop()
				heads[i] = nil
				return yield(model.MarketEvent{}, err)
			}
			h.event = e
			return true
		}

		for i, s := range streams {
			next, stop := iter.Pull2(s)
			heads[i] = &head{next: next, stop: stop}
			if !advance(i) {
				return
			}
		}

		for {
			best := -1
			for i, h := range heads {
				if h == nil {
					continue
				}
				if best < 0 || before(h.event, i, heads[best].event, best) {
					best = i
				}
			}
			if best < 0 {
				return
			}
			if !yield(heads[best].event, nil) {
				return
			}
			if !advance(best) {
				return
			}
		}
	}
}
