package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"energymonitor/internal/entry"
	"energymonitor/internal/monitor"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sensor(kind monitor.Kind, result monitor.Result) monitor.DerivedState {
	return monitor.DerivedState{
		Room:       "Kitchen",
		Kind:       kind,
		EntityType: entry.EntityTypePower,
		Result:     result,
		Attributes: map[string]interface{}{
			monitor.AttrSelectedEntities: []string{"sensor.a_power", "sensor.b_power"},
		},
	}
}

func TestRecorder_Publish(t *testing.T) {
	r := NewRecorder()

	require.NoError(t, r.Publish(sensor(monitor.KindTracked, monitor.Available(14.5))))
	require.NoError(t, r.Publish(sensor(monitor.KindRemainder, monitor.Unavailable)))

	assert.Equal(t, 14.5, testutil.ToFloat64(r.value.WithLabelValues("Kitchen", "tracked", "power")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.available.WithLabelValues("Kitchen", "tracked", "power")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.available.WithLabelValues("Kitchen", "untracked", "power")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.sourceLen.WithLabelValues("Kitchen", "power")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.value))

	t.Run("retract drops the series", func(t *testing.T) {
		require.NoError(t, r.Retract(sensor(monitor.KindTracked, monitor.Available(14.5))))
		require.NoError(t, r.Retract(sensor(monitor.KindRemainder, monitor.Unavailable)))
		assert.Equal(t, 0, testutil.CollectAndCount(r.value))
		assert.Equal(t, 0, testutil.CollectAndCount(r.available))
		assert.Equal(t, 0, testutil.CollectAndCount(r.sourceLen))
	})
}

func TestRecorder_Observer(t *testing.T) {
	r := NewRecorder()

	r.Recomputed("Kitchen", monitor.KindTracked, monitor.TriggerSource)
	r.Recomputed("Kitchen", monitor.KindTracked, monitor.TriggerSource)
	r.Recomputed("Kitchen", monitor.KindRemainder, monitor.TriggerMeter)
	r.Pruned("Kitchen", 2)
	r.Pruned("Kitchen", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.recomputes.WithLabelValues("Kitchen", "tracked", "source")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.recomputes.WithLabelValues("Kitchen", "untracked", "meter")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.pruned.WithLabelValues("Kitchen")))
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Publish(sensor(monitor.KindTracked, monitor.Available(3))))

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `energy_power_monitor_room_value{entity_type="power",kind="tracked",room="Kitchen"} 3`)
	assert.Contains(t, string(body), "go_goroutines")
}
