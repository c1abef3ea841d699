package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"energymonitor/internal/entry"
	"energymonitor/internal/ha"
	"energymonitor/internal/monitor"
	"energymonitor/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	mock     *ha.MockClient
	entries  *entry.MemoryStore
	platform *monitor.Platform
	server   *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	mockClient := ha.NewMockClient()
	mockClient.SetState("sensor.fridge_power", "120", nil)
	mockClient.SetState("sensor.kettle_power", "0", nil)
	mockClient.SetState("sensor.grid_power", "500", nil)
	require.NoError(t, mockClient.Connect())

	states := state.NewStore(mockClient, logger)
	require.NoError(t, states.SyncFromHA())

	entries := entry.NewMemoryStore()
	_, err := entries.Add(entry.RoomConfig{
		Room:             "Kitchen",
		EntityType:       entry.EntityTypePower,
		Entities:         []string{"sensor.fridge_power", "sensor.kettle_power"},
		SmartMeterDevice: "sensor.grid_power",
	})
	require.NoError(t, err)

	p := monitor.NewPlatform(entries, states, monitor.Options{}, logger)
	require.NoError(t, p.Start())
	t.Cleanup(func() { p.Stop(context.Background()) })
	p.Flush()

	health := func() (bool, bool) { return mockClient.IsConnected(), states.Synced() }
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics\n"))
	})

	return &testEnv{
		mock:     mockClient,
		entries:  entries,
		platform: p,
		server:   NewServer(p, p.Resolver(), health, metrics, logger, 8081),
	}
}

func (e *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	e.platform.Flush()
	return w
}

func TestHandleRooms(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/rooms", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var rooms []monitor.RoomSnapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, "Kitchen", rooms[0].Room)
	assert.Equal(t, monitor.LifecycleActive, rooms[0].Status)
	require.NotNil(t, rooms[0].Tracked)
	assert.Equal(t, "120", rooms[0].Tracked.State)
	require.NotNil(t, rooms[0].Untracked)
	assert.Equal(t, "380", rooms[0].Untracked.State)

	t.Run("single room", func(t *testing.T) {
		w := env.do(http.MethodGet, "/api/rooms/"+rooms[0].EntryID, nil)
		assert.Equal(t, http.StatusOK, w.Code)

		w = env.do(http.MethodGet, "/api/rooms/missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		w := env.do(http.MethodPatch, "/api/rooms", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestHandleRooms_Create(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/rooms", monitor.RoomInput{
		Room:             "House",
		EntityType:       entry.EntityTypePower,
		IntegrationRooms: []string{"sensor.energy_power_monitor_kitchen_power"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created entry.Entry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.Equal(t, "Power - House", created.Title)
	assert.Equal(t, []string{
		"sensor.energy_power_monitor_kitchen_untracked_power",
		"sensor.fridge_power",
		"sensor.kettle_power",
	}, created.Data.Entities)
	assert.Equal(t, monitor.LifecycleActive, env.platform.Status(created.ID))

	t.Run("invalid input", func(t *testing.T) {
		w := env.do(http.MethodPost, "/api/rooms", monitor.RoomInput{Room: "Attic", EntityType: "voltage"})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		var resp ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "invalid", resp.Errors["base"])
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader("{"))
		w := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleRoom_ReconfigureAndRemove(t *testing.T) {
	env := newTestEnv(t)
	id := env.entries.Entries()[0].ID

	w := env.do(http.MethodPut, "/api/rooms/"+id, monitor.RoomInput{
		Room:     "Pantry",
		Entities: []string{"sensor.fridge_power"},
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	e, ok := env.entries.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Pantry", e.Data.Room)
	assert.Equal(t, entry.DefaultNoneLabel, e.Data.SmartMeterDevice)

	t.Run("read-only store reports unknown", func(t *testing.T) {
		env.entries.SetReadOnly(true)
		defer env.entries.SetReadOnly(false)

		w := env.do(http.MethodPut, "/api/rooms/"+id, monitor.RoomInput{Room: "Scullery"})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		var resp ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "unknown", resp.Errors["base"])
	})

	w = env.do(http.MethodDelete, "/api/rooms/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, env.entries.Entries())

	w = env.do(http.MethodDelete, "/api/rooms/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleIntegrity(t *testing.T) {
	env := newTestEnv(t)
	env.entries.Seed(entry.Entry{
		ID: "house",
		Data: entry.RoomConfig{
			Room:             "House",
			EntityType:       entry.EntityTypePower,
			Entities:         []string{"sensor.energy_power_monitor_attic_power"},
			SmartMeterDevice: entry.DefaultNoneLabel,
		},
	})

	w := env.do(http.MethodGet, "/api/integrity", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Dangling []monitor.Dangling `json:"dangling"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Dangling, 1)
	assert.Equal(t, "sensor.energy_power_monitor_attic_power", resp.Dangling[0].Reference)
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response["status"])

	require.NoError(t, env.mock.Disconnect())
	w = env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleSitemap(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/rooms")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	w = env.do(http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, "# metrics\n", w.Body.String())
}
