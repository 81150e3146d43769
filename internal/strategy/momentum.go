package strategy

import (
	"fmt"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/pkg/ta"
)

// Momentum 均线交叉: 短均线上穿长均线做多，下穿时转空 (不允许做空时即平仓)
type Momentum struct {
	shortWindow int
	longWindow  int
	series      *ta.Series
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) Initialize(params Params) error {
	r := reader{p: params}
	m.shortWindow = r.int("short_window", 20)
	m.longWindow = r.int("long_window", 50)
	if r.err != nil {
		return r.err
	}
	if m.shortWindow < 1 || m.shortWindow >= m.longWindow {
		return fmt.Errorf("short_window (%d) must be >= 1 and smaller than long_window (%d)", m.shortWindow, m.longWindow)
	}
	m.series = ta.NewSeries(m.longWindow + 1)
	return nil
}

func (m *Momentum) OnEvent(e model.MarketEvent) (*model.Signal, error) {
	m.series.Add(e)

	short, ok1 := m.series.SMA(m.shortWindow)
	long, ok2 := m.series.SMA(m.longWindow)
	prevShort, ok3 := m.series.SMAPrev(m.shortWindow)
	prevLong, ok4 := m.series.SMAPrev(m.longWindow)
	if !(ok1 && ok2 && ok3 && ok4) {
		return nil, nil
	}

	switch {
	case short > long && prevShort <= prevLong:
		return signal(model.DirLong, fmt.Sprintf("SMA%d crossed above SMA%d", m.shortWindow, m.longWindow)), nil
	case short < long && prevShort >= prevLong:
		return signal(model.DirShort, fmt.Sprintf("SMA%d crossed below SMA%d", m.shortWindow, m.longWindow)), nil
	}
	return nil, nil
}
