package monitor

import (
	"context"
	"testing"
	"time"

	"energymonitor/internal/entry"
	"energymonitor/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPlatform_Start(t *testing.T) {
	f := newFixture(t, map[string]string{
		"sensor.a_power":    "10.5",
		"sensor.b_power":    "unavailable",
		"sensor.c_power":    "4.0",
		"sensor.grid_power": "100",
	})
	kitchen := f.add(roomConfig("Kitchen", "sensor.grid_power", "sensor.a_power", "sensor.b_power", "sensor.c_power"))
	office := f.add(roomConfig("Office", "", "sensor.c_power"))

	p, pub, obs := f.platform()

	assert.Equal(t, 14.5, f.value(tracked("Kitchen")).Value)
	assert.Equal(t, 85.5, f.value(untracked("Kitchen")).Value)
	assert.Equal(t, 4.0, f.value(tracked("Office")).Value)
	assert.Equal(t, state.StatusMissing, f.value(untracked("Office")).Status)

	d, ok := pub.last(tracked("Kitchen"))
	require.True(t, ok)
	assert.Equal(t, "14.5", d.State())
	assert.Equal(t, []string{"sensor.a_power", "sensor.b_power", "sensor.c_power"}, d.Attributes[AttrSelectedEntities])
	_, ok = pub.last(untracked("Office"))
	assert.False(t, ok)

	assert.Contains(t, obs.triggers("Kitchen", KindTracked), TriggerSetup)
	assert.Contains(t, obs.triggers("Kitchen", KindRemainder), TriggerSetup)
	assert.Empty(t, obs.triggers("Office", KindRemainder))

	assert.Equal(t, LifecycleActive, p.Status(kitchen.ID))
	assert.Equal(t, LifecycleActive, p.Status(office.ID))
	assert.Equal(t, LifecycleUnconfigured, p.Status("nope"))

	assert.Error(t, p.Start())
}

func TestPlatform_SetupRequiresStart(t *testing.T) {
	f := newFixture(t, nil)
	e := f.add(roomConfig("Kitchen", ""))

	p := NewPlatform(f.entries, f.states, Options{}, f.logger)
	assert.ErrorIs(t, p.SetupEntry(e.ID), ErrNotRunning)
	assert.NoError(t, p.Stop(context.Background()))
}

func TestPlatform_FollowsSourceChanges(t *testing.T) {
	f := newFixture(t, map[string]string{
		"sensor.a_power":    "10",
		"sensor.c_power":    "1",
		"sensor.grid_power": "100",
	})
	kitchen := f.add(roomConfig("Kitchen", "sensor.grid_power", "sensor.a_power"))
	p, _, obs := f.platform()

	f.set("sensor.a_power", "60")
	p.Flush()

	assert.Equal(t, 60.0, f.value(tracked("Kitchen")).Value)
	assert.Equal(t, 40.0, f.value(untracked("Kitchen")).Value)
	assert.Contains(t, obs.triggers("Kitchen", KindTracked), TriggerSource)
	assert.Contains(t, obs.triggers("Kitchen", KindRemainder), TriggerAggregate)

	t.Run("meter unknown makes the remainder unavailable", func(t *testing.T) {
		f.set("sensor.grid_power", "unknown")
		p.Flush()
		assert.Equal(t, state.StatusUnavailable, f.value(untracked("Kitchen")).Status)
		assert.Equal(t, 60.0, f.value(tracked("Kitchen")).Value)
		assert.Contains(t, obs.triggers("Kitchen", KindRemainder), TriggerMeter)
	})

	t.Run("meter back", func(t *testing.T) {
		f.set("sensor.grid_power", "75.5")
		p.Flush()
		assert.Equal(t, 15.5, f.value(untracked("Kitchen")).Value)
	})

	t.Run("added source is followed", func(t *testing.T) {
		require.NoError(t, f.entries.Update(kitchen.ID, roomConfig("Kitchen", "sensor.grid_power", "sensor.a_power", "sensor.c_power")))
		p.Flush()
		assert.Equal(t, 61.0, f.value(tracked("Kitchen")).Value)
		assert.Contains(t, obs.triggers("Kitchen", KindTracked), TriggerConfig)

		f.set("sensor.c_power", "5")
		p.Flush()
		assert.Equal(t, 65.0, f.value(tracked("Kitchen")).Value)
		assert.Equal(t, 10.5, f.value(untracked("Kitchen")).Value)
	})

	t.Run("removed source is no longer followed", func(t *testing.T) {
		require.NoError(t, f.entries.Update(kitchen.ID, roomConfig("Kitchen", "sensor.grid_power", "sensor.a_power")))
		p.Flush()
		assert.Equal(t, 60.0, f.value(tracked("Kitchen")).Value)
		assert.Equal(t, 0, f.states.WatcherCount("sensor.c_power"))
	})
}

func TestPlatform_PrunesMissingSources(t *testing.T) {
	f := newFixture(t, map[string]string{"sensor.a_power": "7"})
	kitchen := f.add(roomConfig("Kitchen", "", "sensor.a_power", "sensor.gone_power"))
	updates := countUpdates(f.entries)

	p, _, obs := f.platform()

	assert.Equal(t, []string{"sensor.a_power"}, f.config(kitchen.ID).Entities)
	assert.Equal(t, 7.0, f.value(tracked("Kitchen")).Value)
	assert.Equal(t, 1, obs.prunedCount("Kitchen"))
	assert.Equal(t, 1, updates(kitchen.ID))

	f.set("sensor.a_power", "8")
	p.Flush()
	assert.Equal(t, 8.0, f.value(tracked("Kitchen")).Value)
	assert.Equal(t, 1, updates(kitchen.ID))
	assert.Equal(t, 1, obs.prunedCount("Kitchen"))
}

func TestPlatform_PruneReadOnly(t *testing.T) {
	f := newFixture(t, map[string]string{"sensor.a_power": "7"})
	kitchen := f.add(roomConfig("Kitchen", "", "sensor.a_power", "sensor.gone_power"))
	f.entries.SetReadOnly(true)

	_, _, obs := f.platform()

	assert.Equal(t, []string{"sensor.a_power", "sensor.gone_power"}, f.config(kitchen.ID).Entities)
	assert.Equal(t, 7.0, f.value(tracked("Kitchen")).Value)
	assert.Equal(t, 0, obs.prunedCount("Kitchen"))
}

func TestPlatform_NoPruneBeforeSync(t *testing.T) {
	f := newFixture(t, map[string]string{"sensor.a_power": "7"})
	f.states = state.NewStore(f.mock, f.logger)
	kitchen := f.add(roomConfig("Kitchen", "", "sensor.a_power"))

	_, _, obs := f.platform()

	assert.Equal(t, []string{"sensor.a_power"}, f.config(kitchen.ID).Entities)
	assert.Equal(t, 0.0, f.value(tracked("Kitchen")).Value)
	assert.Equal(t, 0, obs.prunedCount("Kitchen"))
}

func TestPlatform_CrossRoomReferences(t *testing.T) {
	f := newFixture(t, map[string]string{
		"sensor.a_power":    "5",
		"sensor.grid_power": "20",
	})
	// House is set up before the rooms it references exist
	house := f.add(roomConfig("House", "", tracked("Den"), untracked("Den"), tracked("Attic")))
	f.add(roomConfig("Den", "sensor.grid_power", "sensor.a_power"))

	p, _, obs := f.platform()

	assert.Equal(t, []string{tracked("Den"), untracked("Den")}, f.config(house.ID).Entities)
	assert.Equal(t, 1, obs.prunedCount("House"))
	assert.Equal(t, 20.0, f.value(tracked("House")).Value)

	f.set("sensor.grid_power", "30")
	p.Flush()
	assert.Equal(t, 5.0, f.value(tracked("Den")).Value)
	assert.Equal(t, 25.0, f.value(untracked("Den")).Value)
	assert.Equal(t, 30.0, f.value(tracked("House")).Value)
}

func TestPlatform_Create(t *testing.T) {
	f := newFixture(t, map[string]string{
		"sensor.a_power":    "1",
		"sensor.b_power":    "2",
		"sensor.tv_power":   "3",
		"sensor.grid_power": "10",
	})
	f.add(roomConfig("Kitchen", "sensor.grid_power", "sensor.a_power", "sensor.b_power"))
	p, pub, _ := f.platform()

	e, err := p.Create(RoomInput{
		Room:             " House ",
		EntityType:       entry.EntityTypePower,
		Entities:         []string{"sensor.tv_power"},
		IntegrationRooms: []string{tracked("Kitchen")},
	})
	require.NoError(t, err)
	p.Flush()

	assert.Equal(t, "House", e.Data.Room)
	assert.Equal(t, entry.DefaultNoneLabel, e.Data.SmartMeterDevice)
	assert.Equal(t, []string{
		"sensor.a_power",
		"sensor.b_power",
		untracked("Kitchen"),
		"sensor.tv_power",
	}, f.config(e.ID).Entities)

	assert.Equal(t, LifecycleActive, p.Status(e.ID))
	assert.Equal(t, 3.0, f.value(tracked("Kitchen")).Value)
	assert.Equal(t, 7.0, f.value(untracked("Kitchen")).Value)
	assert.Equal(t, 13.0, f.value(tracked("House")).Value)
	_, ok := pub.last(untracked("House"))
	assert.False(t, ok)

	t.Run("invalid input is rejected", func(t *testing.T) {
		_, err := p.Create(RoomInput{Room: "  ", EntityType: entry.EntityTypePower})
		assert.ErrorIs(t, err, entry.ErrInvalidConfig)
		assert.Len(t, f.entries.Entries(), 2)
	})
}

func TestPlatform_ReconfigureRename(t *testing.T) {
	f := newFixture(t, map[string]string{
		"sensor.a_power":    "10",
		"sensor.grid_power": "100",
	})
	kitchen := f.add(roomConfig("Kitchen", "sensor.grid_power", "sensor.a_power"))
	house := f.add(roomConfig("House", "", tracked("Kitchen"), untracked("Kitchen")))
	p, pub, _ := f.platform()
	assert.Equal(t, 100.0, f.value(tracked("House")).Value)

	err := p.Reconfigure(kitchen.ID, RoomInput{
		Room:             "Pantry",
		EntityType:       entry.EntityTypeEnergy,
		Entities:         []string{"sensor.a_power"},
		SmartMeterDevice: "sensor.grid_power",
	})
	require.NoError(t, err)
	p.Flush()

	cfg := f.config(kitchen.ID)
	assert.Equal(t, "Pantry", cfg.Room)
	assert.Equal(t, entry.EntityTypePower, cfg.EntityType)
	assert.Equal(t, []string{tracked("Pantry"), untracked("Pantry")}, f.config(house.ID).Entities)

	assert.ElementsMatch(t, []string{tracked("Kitchen"), untracked("Kitchen")}, pub.retractedIDs())
	assert.Equal(t, state.StatusMissing, f.value(tracked("Kitchen")).Status)
	assert.Equal(t, state.StatusMissing, f.value(untracked("Kitchen")).Status)

	assert.Equal(t, 10.0, f.value(tracked("Pantry")).Value)
	assert.Equal(t, 90.0, f.value(untracked("Pantry")).Value)
	assert.Equal(t, 100.0, f.value(tracked("House")).Value)
	_, ok := pub.last(tracked("Pantry"))
	assert.True(t, ok)

	assert.Equal(t, LifecycleActive, p.Status(kitchen.ID))
	assert.Equal(t, LifecycleActive, p.Status(house.ID))
}

func TestPlatform_ReconfigureFailureRestores(t *testing.T) {
	f := newFixture(t, map[string]string{
		"sensor.a_power":    "10",
		"sensor.grid_power": "100",
	})
	kitchen := f.add(roomConfig("Kitchen", "sensor.grid_power", "sensor.a_power"))
	p, pub, _ := f.platform()

	f.entries.SetReadOnly(true)
	err := p.Reconfigure(kitchen.ID, RoomInput{
		Room:     "Pantry",
		Entities: []string{"sensor.a_power"},
	})
	assert.ErrorIs(t, err, ErrUnknown)
	p.Flush()

	assert.Equal(t, roomConfig("Kitchen", "sensor.grid_power", "sensor.a_power"), f.config(kitchen.ID))
	assert.Equal(t, LifecycleActive, p.Status(kitchen.ID))
	assert.Empty(t, pub.retractedIDs())
	assert.Equal(t, 10.0, f.value(tracked("Kitchen")).Value)
	assert.Equal(t, 90.0, f.value(untracked("Kitchen")).Value)

	t.Run("unknown entry", func(t *testing.T) {
		assert.ErrorIs(t, p.Reconfigure("nope", RoomInput{Room: "X"}), ErrUnknown)
	})
}

func TestPlatform_Remove(t *testing.T) {
	f := newFixture(t, map[string]string{
		"sensor.a_power":    "10",
		"sensor.grid_power": "100",
	})
	kitchen := f.add(roomConfig("Kitchen", "sensor.grid_power", "sensor.a_power"))
	office := f.add(roomConfig("Office", "", "sensor.a_power"))
	p, pub, _ := f.platform()

	require.NoError(t, p.Remove(kitchen.ID))
	p.Flush()

	_, ok := f.entries.Get(kitchen.ID)
	assert.False(t, ok)
	assert.Equal(t, LifecycleUnconfigured, p.Status(kitchen.ID))
	assert.ElementsMatch(t, []string{tracked("Kitchen"), untracked("Kitchen")}, pub.retractedIDs())
	assert.Equal(t, state.StatusMissing, f.value(tracked("Kitchen")).Status)
	assert.Equal(t, 0, f.states.WatcherCount("sensor.grid_power"))
	assert.Equal(t, 1, f.states.WatcherCount("sensor.a_power"))

	assert.ErrorIs(t, p.Remove(kitchen.ID), entry.ErrNotFound)

	t.Run("deleting the entry directly unloads the room", func(t *testing.T) {
		require.NoError(t, f.entries.Remove(office.ID))
		p.Flush()
		assert.Contains(t, pub.retractedIDs(), tracked("Office"))
		assert.Equal(t, 0, f.states.WatcherCount("sensor.a_power"))
		assert.Empty(t, p.Rooms())
	})
}

func TestPlatform_DiscardsResultsAfterRemoval(t *testing.T) {
	f := newFixture(t, map[string]string{"sensor.a_power": "10"})
	kitchen := f.add(roomConfig("Kitchen", "", "sensor.a_power"))
	p, pub, _ := f.platform()

	p.mu.Lock()
	r := p.rooms[kitchen.ID]
	p.mu.Unlock()
	require.NotNil(t, r)

	require.NoError(t, r.stop(false))
	pub.mu.Lock()
	before := pub.count
	pub.mu.Unlock()

	f.set("sensor.a_power", "99")
	r.recomputeAggregate(TriggerSource)
	r.recomputeRemainder(TriggerMeter)

	pub.mu.Lock()
	assert.Equal(t, before, pub.count)
	pub.mu.Unlock()
	assert.Equal(t, 10.0, f.value(tracked("Kitchen")).Value)
	assert.Equal(t, 0, f.states.WatcherCount("sensor.a_power"))
}

func TestPlatform_MeterChange(t *testing.T) {
	f := newFixture(t, map[string]string{
		"sensor.a_power":    "10",
		"sensor.grid_power": "100",
		"sensor.main_power": "50",
	})
	kitchen := f.add(roomConfig("Kitchen", "sensor.grid_power", "sensor.a_power"))
	p, pub, _ := f.platform()

	require.NoError(t, f.entries.Update(kitchen.ID, roomConfig("Kitchen", "sensor.main_power", "sensor.a_power")))
	p.Flush()
	assert.Equal(t, 40.0, f.value(untracked("Kitchen")).Value)
	assert.Empty(t, pub.retractedIDs())

	d, ok := pub.last(untracked("Kitchen"))
	require.True(t, ok)
	assert.Equal(t, "sensor.main_power", d.Attributes[AttrSmartMeter])

	t.Run("removing the meter retracts the untracked sensor", func(t *testing.T) {
		require.NoError(t, f.entries.Update(kitchen.ID, roomConfig("Kitchen", "", "sensor.a_power")))
		p.Flush()

		assert.Equal(t, []string{untracked("Kitchen")}, pub.retractedIDs())
		assert.Equal(t, state.StatusMissing, f.value(untracked("Kitchen")).Status)
		assert.Equal(t, 10.0, f.value(tracked("Kitchen")).Value)
		assert.Equal(t, 0, f.states.WatcherCount("sensor.main_power"))
	})

	t.Run("adding it back publishes it again", func(t *testing.T) {
		require.NoError(t, f.entries.Update(kitchen.ID, roomConfig("Kitchen", "sensor.grid_power", "sensor.a_power")))
		p.Flush()
		assert.Equal(t, 90.0, f.value(untracked("Kitchen")).Value)
	})
}

func TestPlatform_PeriodicRecompute(t *testing.T) {
	f := newFixture(t, map[string]string{"sensor.a_power": "10"})
	f.add(roomConfig("Kitchen", "", "sensor.a_power"))

	obs := newRecordingObserver()
	p := NewPlatform(f.entries, f.states, Options{
		UpdateInterval: time.Second,
		Observers:      []Observer{obs},
	}, zap.NewNop())
	require.NoError(t, p.Start())
	defer p.Stop(context.Background())

	assert.Eventually(t, func() bool {
		for _, tr := range obs.triggers("Kitchen", KindTracked) {
			if tr == TriggerPeriodic {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPlatform_Rooms(t *testing.T) {
	f := newFixture(t, map[string]string{
		"sensor.a_power":    "10",
		"sensor.grid_power": "100",
	})
	kitchen := f.add(roomConfig("Kitchen", "sensor.grid_power", "sensor.a_power"))
	f.add(roomConfig("Office", "", "sensor.a_power"))
	p, _, _ := f.platform()

	rooms := p.Rooms()
	require.Len(t, rooms, 2)

	k := rooms[0]
	assert.Equal(t, kitchen.ID, k.EntryID)
	assert.Equal(t, entry.Title(kitchen.Data), k.Title)
	assert.Equal(t, LifecycleActive, k.Status)
	assert.Equal(t, "power", k.EntityType)
	require.NotNil(t, k.Tracked)
	assert.Equal(t, tracked("Kitchen"), k.Tracked.EntityID)
	assert.Equal(t, "10", k.Tracked.State)
	assert.Equal(t, "W", k.Tracked.Unit)
	require.NotNil(t, k.Untracked)
	assert.Equal(t, "90", k.Untracked.State)
	require.NotNil(t, k.NextRecompute)
	assert.True(t, k.NextRecompute.After(time.Now().Add(-time.Second)))

	assert.Equal(t, "Office", rooms[1].Room)
	assert.Nil(t, rooms[1].Untracked)
}
