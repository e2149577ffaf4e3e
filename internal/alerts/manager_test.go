package alerts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-sim-trader/config"
	"binance-sim-trader/internal/database"
)

func openStore(t *testing.T) *database.Store {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func listAlerts(t *testing.T, store *database.Store) []database.Alert {
	t.Helper()
	rows, err := store.ListAlerts(100)
	require.NoError(t, err)
	return rows
}

func TestAlertDisabledStillRecorded(t *testing.T) {
	store := openStore(t)
	m := NewManager(store, config.AlertsConfig{Enabled: false, DedupTTLMs: 300_000})

	m.Alert("INFO", "ENTRY[s1]", "LONG @ 100", "entry_s1")

	rows := listAlerts(t, store)
	require.Len(t, rows, 1)
	assert.Equal(t, "disabled", rows[0].Channel)
	assert.Equal(t, "ENTRY[s1]: LONG @ 100", rows[0].Message)
}

func TestAlertNoChannelsRecordsNone(t *testing.T) {
	store := openStore(t)
	m := NewManager(store, config.AlertsConfig{Enabled: true, DedupTTLMs: 300_000})

	m.Alert("WARN", "STOP[s1]", "@ 99", "")

	rows := listAlerts(t, store)
	require.Len(t, rows, 1)
	assert.Equal(t, "none", rows[0].Channel)
}

func TestAlertDedupSuppressesRepeats(t *testing.T) {
	store := openStore(t)
	m := NewManager(store, config.AlertsConfig{Enabled: false, DedupTTLMs: 300_000})

	m.Alert("INFO", "FUNDING[s1]", "rate=0.0001", "funding_s1_1")
	m.Alert("INFO", "FUNDING[s1]", "rate=0.0001", "funding_s1_1")
	m.Alert("INFO", "FUNDING[s1]", "rate=0.0001", "funding_s1_2")

	rows := listAlerts(t, store)
	assert.Len(t, rows, 2, "same dedup key inside the ttl is dropped")
}

func TestAlertWeComDelivery(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := openStore(t)
	m := NewManager(store, config.AlertsConfig{
		Enabled:    true,
		DedupTTLMs: 300_000,
		WeCom:      config.WeComAlertConfig{Enabled: true, Webhook: srv.URL},
	})

	m.Alert("INFO", "TP1[s1]", "@ 102", "")

	require.NotNil(t, got)
	assert.Equal(t, "text", got["msgtype"])
	text, ok := got["text"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "TP1[s1]: @ 102", text["content"])

	rows := listAlerts(t, store)
	require.Len(t, rows, 1)
	assert.Equal(t, "wecom", rows[0].Channel)
}
