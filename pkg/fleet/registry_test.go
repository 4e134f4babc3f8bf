package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/minewatt/fleet-control/pkg/events"
	"github.com/minewatt/fleet-control/pkg/miner"
	"github.com/minewatt/fleet-control/pkg/sim"
)

func simFleet(n int) []miner.Config {
	configs := make([]miner.Config, 0, n)
	for i := 0; i < n; i++ {
		configs = append(configs, miner.Config{
			ID:          "m" + string(rune('a'+i)),
			Model:       "sim",
			Address:     "10.0.0.1:4028",
			AdapterType: miner.AdapterSim,
		})
	}
	return configs
}

func TestAdapterInstanceStable(t *testing.T) {
	configs := simFleet(2)
	r := NewRegistry(configs, []miner.Factory{sim.Factory{}}, nil)

	first, err := r.Adapter(configs[0])
	if err != nil {
		t.Fatalf("Adapter: %v", err)
	}
	second, err := r.Adapter(configs[0])
	if err != nil {
		t.Fatalf("Adapter: %v", err)
	}
	if first != second {
		t.Error("two resolutions of one id returned distinct adapter instances")
	}

	other, err := r.AdapterByID(configs[1].ID)
	if err != nil {
		t.Fatalf("AdapterByID: %v", err)
	}
	if other == first {
		t.Error("distinct ids share an adapter instance")
	}
}

func TestAdapterStatePersistsAcrossResolutions(t *testing.T) {
	configs := simFleet(1)
	r := NewRegistry(configs, []miner.Factory{sim.Factory{}}, nil)

	a, err := r.AdapterByID(configs[0].ID)
	if err != nil {
		t.Fatalf("AdapterByID: %v", err)
	}
	if err := a.SetPowerLimit(context.Background(), 0.5); err != nil {
		t.Fatalf("SetPowerLimit: %v", err)
	}

	// A second resolution must observe the limit set through the first:
	// same device, same adapter, same state.
	again, err := r.AdapterByID(configs[0].ID)
	if err != nil {
		t.Fatalf("AdapterByID: %v", err)
	}
	full := sim.New(configs[0]).State(context.Background())
	if st := again.State(context.Background()); st.PowerW != full.PowerW*0.5 {
		t.Errorf("power = %v, want %v (half of baseline)", st.PowerW, full.PowerW*0.5)
	}
}

func TestAdapterUnknownTypeAndID(t *testing.T) {
	configs := []miner.Config{{ID: "x", Address: "h:1", AdapterType: "vendor-z"}}
	r := NewRegistry(configs, []miner.Factory{sim.Factory{}}, nil)

	if _, err := r.Adapter(configs[0]); err == nil {
		t.Error("want error for unregistered adapter type")
	}
	if _, err := r.AdapterByID("nope"); err == nil {
		t.Error("want error for unknown miner id")
	}
}

func TestDemoOverrideForcesSimulator(t *testing.T) {
	// Only the simulator factory is registered, so resolution of a
	// cgminer-typed device succeeds only if the override rewrote the type.
	configs := []miner.Config{{ID: "rack1", Address: "192.168.1.10:4028", AdapterType: miner.AdapterCGMiner}}

	eventLog, err := events.New(t.TempDir())
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	defer eventLog.Close()

	start := time.Now().Add(-time.Second)
	r := NewRegistry(configs, []miner.Factory{sim.Factory{}}, eventLog, WithDemoOverride())

	if _, err := r.Adapter(configs[0]); err != nil {
		t.Fatalf("Adapter under demo override: %v", err)
	}

	// The override is an auditable decision.
	evs, err := eventLog.Since(start)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	found := false
	for _, ev := range evs {
		if ev.Type == "fleet.demo_override" {
			found = true
		}
	}
	if !found {
		t.Error("demo override left no audit event")
	}

	// Without the override, the same config must fail to resolve.
	plain := NewRegistry(configs, []miner.Factory{sim.Factory{}}, nil)
	if _, err := plain.Adapter(configs[0]); err == nil {
		t.Error("cgminer device resolved without a cgminer factory")
	}
}

func TestStatesPreservesConfigOrder(t *testing.T) {
	configs := simFleet(5)
	r := NewRegistry(configs, []miner.Factory{sim.Factory{}}, nil)

	states := r.States(context.Background())
	if len(states) != len(configs) {
		t.Fatalf("got %d states, want %d", len(states), len(configs))
	}
	for i, st := range states {
		if st.ID != configs[i].ID {
			t.Errorf("state %d is %q, want %q", i, st.ID, configs[i].ID)
		}
	}
}
