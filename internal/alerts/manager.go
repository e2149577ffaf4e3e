package alerts

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"binance-sim-trader/config"
	"binance-sim-trader/internal/database"
	"binance-sim-trader/internal/logging"
)

// Manager fans alerts out to the configured channels and records every
// emission attempt, including suppressed ones. Sends run synchronously on
// the caller's goroutine with a short HTTP timeout; a dead channel slows an
// alert down, it never drops trading events.
type Manager struct {
	cfg   config.AlertsConfig
	store *database.Store
	http  *resty.Client
	log   zerolog.Logger

	mu    sync.Mutex
	dedup map[string]int64
}

func NewManager(store *database.Store, cfg config.AlertsConfig) *Manager {
	return &Manager{
		cfg:   cfg,
		store: store,
		http:  resty.New().SetTimeout(10 * time.Second),
		log:   logging.Component("alerts"),
		dedup: make(map[string]int64),
	}
}

// Alert sends one message through every enabled channel. Alerts sharing a
// dedup key are suppressed inside the configured TTL.
func (m *Manager) Alert(level, title, message, dedupKey string) {
	nowMs := time.Now().UnixMilli()

	if dedupKey != "" {
		m.mu.Lock()
		last, seen := m.dedup[dedupKey]
		if seen && nowMs-last < m.cfg.DedupTTLMs {
			m.mu.Unlock()
			return
		}
		m.dedup[dedupKey] = nowMs
		m.mu.Unlock()
	}

	full := message
	if title != "" {
		full = title + ": " + message
	}

	if !m.cfg.Enabled {
		m.record("disabled", level, full, dedupKey, nowMs)
		return
	}

	sent := 0
	if m.cfg.Telegram.Enabled {
		if m.sendTelegram(full) {
			sent++
		}
		m.record("telegram", level, full, dedupKey, nowMs)
	}
	if m.cfg.Bark.Enabled {
		if m.sendBark(title, message) {
			sent++
		}
		m.record("bark", level, full, dedupKey, nowMs)
	}
	if m.cfg.WeCom.Enabled {
		if m.sendWeCom(full) {
			sent++
		}
		m.record("wecom", level, full, dedupKey, nowMs)
	}
	if sent == 0 {
		m.record("none", level, full, dedupKey, nowMs)
	}
}

func (m *Manager) record(channel, level, message, dedupKey string, nowMs int64) {
	err := m.store.InsertAlert(&database.Alert{
		Timestamp: nowMs,
		Channel:   channel,
		Level:     level,
		Message:   message,
		DedupKey:  dedupKey,
	})
	if err != nil {
		m.log.Error().Err(err).Msg("alert record failed")
	}
}

func (m *Manager) sendTelegram(message string) bool {
	token := m.cfg.Telegram.Token
	chatID := m.cfg.Telegram.ChatID
	if token == "" || chatID == "" {
		m.log.Warn().Msg("telegram alerts enabled but token/chat_id missing")
		return false
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", token)
	return m.postJSON(url, map[string]any{"chat_id": chatID, "text": message}, "telegram")
}

func (m *Manager) sendBark(title, message string) bool {
	url := strings.TrimRight(m.cfg.Bark.URL, "/")
	key := m.cfg.Bark.Key
	if url == "" || key == "" {
		m.log.Warn().Msg("bark alerts enabled but url/key missing")
		return false
	}
	return m.postJSON(url+"/"+key, map[string]any{"title": title, "body": message}, "bark")
}

func (m *Manager) sendWeCom(message string) bool {
	webhook := m.cfg.WeCom.Webhook
	if webhook == "" {
		m.log.Warn().Msg("wecom alerts enabled but webhook missing")
		return false
	}
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]any{"content": message},
	}
	return m.postJSON(webhook, payload, "wecom")
}

func (m *Manager) postJSON(url string, payload map[string]any, channel string) bool {
	resp, err := m.http.R().SetBody(payload).Post(url)
	if err != nil {
		m.log.Error().Err(err).Str("channel", channel).Msg("alert send failed")
		return false
	}
	if resp.IsError() {
		m.log.Error().Str("channel", channel).Int("status", resp.StatusCode()).Msg("alert send failed")
		return false
	}
	return true
}
