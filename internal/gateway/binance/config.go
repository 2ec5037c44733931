package binance

import "time"

type Config struct {
	RESTBaseURL     string
	HTTPTimeout     time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	PongTimeout     time.Duration
	HealthyReset    time.Duration
	BackfillPageCap int
	BackfillPage    int
}

func (c Config) withDefaults() Config {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.HealthyReset <= 0 {
		c.HealthyReset = 2 * time.Minute
	}
	if c.BackfillPageCap <= 0 {
		c.BackfillPageCap = 5
	}
	if c.BackfillPage <= 0 {
		c.BackfillPage = 500
	}
	return c
}
