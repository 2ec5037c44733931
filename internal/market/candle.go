package market

import "time"

type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// Valid reports whether the bar is internally consistent: the high covers
// both open and close, the low sits under both, and the range is sane.
func (c Candle) Valid() bool {
	if c.OpenTime <= 0 {
		return false
	}
	if c.High < c.Open || c.High < c.Close {
		return false
	}
	if c.Low > c.Open || c.Low > c.Close {
		return false
	}
	return c.Low <= c.High
}

func (c Candle) OpenedAt() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

type CandleEvent struct {
	Symbol   string
	Interval string
	Candle   Candle
}
