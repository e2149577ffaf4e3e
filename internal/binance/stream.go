package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"binance-sim-trader/internal/logging"
)

// BarHandler receives parsed kline frames. OnUpdate fires for every frame;
// OnClose fires additionally when the bar is final. Handlers run on the read
// goroutine, so a given bar's update strictly precedes its close and no two
// closes overlap.
type BarHandler interface {
	OnUpdate(interval string, bar Bar)
	OnClose(interval string, bar Bar)
}

// ReconnectPolicy mirrors the ws_reconnect config block. MaxRetries=0 means
// retry forever.
type ReconnectPolicy struct {
	MaxRetries  int
	BaseDelayMs int
	MaxDelayMs  int
}

// StreamClient maintains the combined kline stream for one symbol over a set
// of intervals.
type StreamClient struct {
	wsBase    string
	symbol    string
	intervals []string
	policy    ReconnectPolicy
	handler   BarHandler
	log       zerolog.Logger
}

// NewStreamClient builds a client; Run must be called to start it.
func NewStreamClient(wsBase, symbol string, intervals []string, policy ReconnectPolicy, handler BarHandler) *StreamClient {
	return &StreamClient{
		wsBase:    wsBase,
		symbol:    symbol,
		intervals: intervals,
		policy:    policy,
		handler:   handler,
		log:       logging.Component("stream"),
	}
}

// URL builds the combined-stream endpoint, e.g.
// wss://fstream.binance.com/stream?streams=btcusdt@kline_15m/btcusdt@kline_1h
func (s *StreamClient) URL() string {
	sym := strings.ToLower(s.symbol)
	parts := make([]string, 0, len(s.intervals))
	for _, iv := range s.intervals {
		parts = append(parts, fmt.Sprintf("%s@kline_%s", sym, iv))
	}
	return fmt.Sprintf("%s/stream?streams=%s", strings.TrimRight(s.wsBase, "/"), strings.Join(parts, "/"))
}

// Run connects and reads until ctx is cancelled. Connection loss triggers a
// reconnect with exponential backoff (base × 2^retries, capped); the
// schedule resets after a healthy session.
func (s *StreamClient) Run(ctx context.Context) error {
	url := s.URL()
	retries := 0
	b := s.newBackoff()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			s.log.Info().Str("url", url).Msg("stream connected")
			retries = 0
			b.Reset()
			err = s.readLoop(ctx, conn)
			_ = conn.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn().Err(err).Msg("stream disconnected")
		} else {
			s.log.Warn().Err(err).Int("retries", retries).Str("url", url).Msg("dial failed")
		}

		retries++
		if s.policy.MaxRetries > 0 && retries > s.policy.MaxRetries {
			return fmt.Errorf("stream reconnect retries exhausted: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
	}
}

func (s *StreamClient) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(s.policy.BaseDelayMs) * time.Millisecond
	b.MaxInterval = time.Duration(s.policy.MaxDelayMs) * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *StreamClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

type klinePayload struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	Trades    int    `json:"n"`
	IsClosed  bool   `json:"x"`
}

type combinedFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string       `json:"e"`
		Kline     klinePayload `json:"k"`
	} `json:"data"`
}

// handleMessage parses one frame and dispatches it. Malformed frames are
// dropped; ingestion continues.
func (s *StreamClient) handleMessage(msg []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		s.log.Debug().Err(err).Msg("dropping unparsable frame")
		return
	}
	if frame.Data.EventType != "kline" {
		return
	}

	bar, err := frame.Data.Kline.toBar()
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping malformed kline frame")
		return
	}

	interval := frame.Data.Kline.Interval
	s.handler.OnUpdate(interval, bar)
	if bar.IsClosed {
		s.handler.OnClose(interval, bar)
	}
}

func (k klinePayload) toBar() (Bar, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return Bar{}, err
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return Bar{}, err
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return Bar{}, err
	}
	closePx, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return Bar{}, err
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return Bar{}, err
	}
	return Bar{
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    volume,
		Trades:    k.Trades,
		IsClosed:  k.IsClosed,
		Source:    "ws",
	}, nil
}
