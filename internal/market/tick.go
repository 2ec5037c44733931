package market

type Tick struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	EventTime int64   `json:"event_time"`
}

// Mid returns the bid/ask midpoint, falling back to the last trade when one
// side of the book is missing.
func (t Tick) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}
