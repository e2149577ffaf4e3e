package binance

import (
	"fmt"
	"strconv"
)

// Supported kline intervals.
const (
	Interval15m = "15m"
	Interval1h  = "1h"
)

// Bar is one candlestick. Times are in integer milliseconds; identity is
// (symbol, interval, open_time). Open bars (IsClosed=false) only ever feed
// preview computations.
type Bar struct {
	OpenTime  int64   `json:"open_time" msgpack:"t"`
	CloseTime int64   `json:"close_time" msgpack:"T"`
	Open      float64 `json:"open" msgpack:"o"`
	High      float64 `json:"high" msgpack:"h"`
	Low       float64 `json:"low" msgpack:"l"`
	Close     float64 `json:"close" msgpack:"c"`
	Volume    float64 `json:"volume" msgpack:"v"`
	Trades    int     `json:"trades" msgpack:"n"`
	IsClosed  bool    `json:"is_closed" msgpack:"x"`
	Source    string  `json:"source" msgpack:"src"`
}

// FundingRate is the latest funding settlement published by the exchange.
type FundingRate struct {
	Symbol      string
	FundingTime int64
	Rate        float64
}

// parseRestKline converts one element of the REST klines array. The exchange
// returns 12-tuples with numeric strings for prices; only the fields the
// engine consumes are read.
func parseRestKline(raw []any, source string) (Bar, error) {
	if len(raw) < 9 {
		return Bar{}, fmt.Errorf("kline tuple too short: %d fields", len(raw))
	}
	f := func(i int) (float64, error) {
		switch v := raw[i].(type) {
		case string:
			return strconv.ParseFloat(v, 64)
		case float64:
			return v, nil
		default:
			return 0, fmt.Errorf("kline field %d: unexpected type %T", i, raw[i])
		}
	}
	openTime, err := f(0)
	if err != nil {
		return Bar{}, err
	}
	open, err := f(1)
	if err != nil {
		return Bar{}, err
	}
	high, err := f(2)
	if err != nil {
		return Bar{}, err
	}
	low, err := f(3)
	if err != nil {
		return Bar{}, err
	}
	closePx, err := f(4)
	if err != nil {
		return Bar{}, err
	}
	volume, err := f(5)
	if err != nil {
		return Bar{}, err
	}
	closeTime, err := f(6)
	if err != nil {
		return Bar{}, err
	}
	trades, err := f(8)
	if err != nil {
		return Bar{}, err
	}
	return Bar{
		OpenTime:  int64(openTime),
		CloseTime: int64(closeTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    volume,
		Trades:    int(trades),
		IsClosed:  true,
		Source:    source,
	}, nil
}
