package needy

import (
	"context"
	"math/rand"
	"testing"

	"github.com/oldpatricka/epu/internal/domain"
)

// fakeControl is an in-memory domain.Control for exercising Engine.Decide
// without a provisioner.
type fakeControl struct {
	nextID      int
	instances   map[string]*domain.Instance
	launchCalls []map[string]any
	destroyed   []string
}

func newFakeControl() *fakeControl {
	return &fakeControl{instances: map[string]*domain.Instance{}}
}

func (c *fakeControl) Launch(ctx context.Context, deployableType, site, allocation string, extraVars map[string]any) (string, error) {
	c.nextID++
	id := "i" + itoa(c.nextID)
	c.instances[id] = &domain.Instance{
		InstanceID: id,
		State:      domain.InstanceRequesting,
		ExtraVars:  extraVars,
	}
	c.launchCalls = append(c.launchCalls, extraVars)
	return id, nil
}

func (c *fakeControl) DestroyInstances(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(c.instances, id)
	}
	c.destroyed = append(c.destroyed, ids...)
	return nil
}

func (c *fakeControl) InstanceIDs() []string {
	ids := make([]string, 0, len(c.instances))
	for id := range c.instances {
		ids = append(ids, id)
	}
	return ids
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// fakeState is an in-memory domain.EngineState snapshot.
type fakeState struct {
	instances  []*domain.Instance
	unhealthy  []*domain.Instance
}

func (s *fakeState) Instances() []*domain.Instance { return s.instances }

func (s *fakeState) InstanceByID(id string) (*domain.Instance, bool) {
	for _, i := range s.instances {
		if i.InstanceID == id {
			return i, true
		}
	}
	return nil, false
}

func (s *fakeState) UnhealthyInstances() []*domain.Instance { return s.unhealthy }

func baseConf() domain.Config {
	return domain.Config{
		ConfPreserveN:      2,
		ConfIaaSSite:       "s1",
		ConfIaaSAllocation: "a1",
		ConfDeployableType: "dt1",
	}
}

func TestEngine_StartupLaunchesToPreserveN(t *testing.T) {
	e := New()
	control := newFakeControl()
	ctx := context.Background()

	if err := e.Initialize(ctx, control, &fakeState{}, baseConf()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	if err := e.Decide(ctx, control, &fakeState{}); err != nil {
		t.Fatalf("Decide() error: %v", err)
	}

	if len(control.launchCalls) != 2 {
		t.Fatalf("launch calls = %d, want 2", len(control.launchCalls))
	}
}

func TestEngine_UniqueValuesAssignedInOrder(t *testing.T) {
	e := New()
	control := newFakeControl()
	ctx := context.Background()

	conf := baseConf()
	conf[ConfUniqueKey] = "slot"
	conf[ConfUniqueValues] = "A,B,C"

	if err := e.Initialize(ctx, control, &fakeState{}, conf); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if err := e.Decide(ctx, control, &fakeState{}); err != nil {
		t.Fatalf("Decide() error: %v", err)
	}

	if len(control.launchCalls) != 2 {
		t.Fatalf("launch calls = %d, want 2", len(control.launchCalls))
	}
	if control.launchCalls[0]["slot"] != "A" || control.launchCalls[1]["slot"] != "B" {
		t.Fatalf("unexpected slot assignment: %v", control.launchCalls)
	}

	// Reconfigure preserve_n to 4 with the same instances now present:
	// expect two more launches, "C" then nil (uniques exhausted).
	state := &fakeState{}
	for _, inst := range control.instances {
		state.instances = append(state.instances, inst)
	}
	if err := e.Reconfigure(ctx, control, domain.Config{ConfPreserveN: 4}); err != nil {
		t.Fatalf("Reconfigure() error: %v", err)
	}
	if err := e.Decide(ctx, control, state); err != nil {
		t.Fatalf("Decide() error: %v", err)
	}

	if len(control.launchCalls) != 4 {
		t.Fatalf("launch calls = %d, want 4", len(control.launchCalls))
	}
	if control.launchCalls[2]["slot"] != "C" {
		t.Fatalf("third launch slot = %v, want C", control.launchCalls[2]["slot"])
	}
	if control.launchCalls[3]["slot"] != nil {
		t.Fatalf("fourth launch slot = %v, want nil", control.launchCalls[3]["slot"])
	}
}

func TestEngine_RetirablePreferenceHonored(t *testing.T) {
	e := New()
	e.Rand = rand.New(rand.NewSource(1))
	control := newFakeControl()
	ctx := context.Background()

	conf := baseConf()
	conf[ConfPreserveN] = 2
	conf[ConfRetirableNodes] = []string{"i2"}
	if err := e.Initialize(ctx, control, &fakeState{}, conf); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	state := &fakeState{instances: []*domain.Instance{
		{InstanceID: "i1", State: domain.InstanceRunning},
		{InstanceID: "i2", State: domain.InstanceRunning},
		{InstanceID: "i3", State: domain.InstanceRunning},
	}}

	if err := e.Decide(ctx, control, state); err != nil {
		t.Fatalf("Decide() error: %v", err)
	}

	if len(control.destroyed) != 1 || control.destroyed[0] != "i2" {
		t.Fatalf("destroyed = %v, want [i2]", control.destroyed)
	}
}

func TestEngine_UnhealthyInstancesDestroyedBeforeCounting(t *testing.T) {
	e := New()
	control := newFakeControl()
	ctx := context.Background()

	conf := baseConf()
	conf[ConfPreserveN] = 1
	if err := e.Initialize(ctx, control, &fakeState{}, conf); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	unhealthy := &domain.Instance{InstanceID: "iu", State: domain.InstanceRunning}
	state := &fakeState{
		instances: []*domain.Instance{
			{InstanceID: "ig", State: domain.InstanceRunning},
			unhealthy,
		},
		unhealthy: []*domain.Instance{unhealthy},
	}

	if err := e.Decide(ctx, control, state); err != nil {
		t.Fatalf("Decide() error: %v", err)
	}

	found := false
	for _, id := range control.destroyed {
		if id == "iu" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unhealthy instance iu to be destroyed, destroyed=%v", control.destroyed)
	}
	// valid count after discarding iu is 1 == preserve_n, so no launch.
	if len(control.launchCalls) != 0 {
		t.Fatalf("launch calls = %d, want 0", len(control.launchCalls))
	}
}

func TestEngine_NegativePreserveNIsConfigurationError(t *testing.T) {
	e := New()
	control := newFakeControl()
	ctx := context.Background()

	conf := baseConf()
	conf[ConfPreserveN] = -1

	err := e.Initialize(ctx, control, &fakeState{}, conf)
	if err == nil {
		t.Fatal("expected error for negative preserve_n")
	}
	if kind, ok := domain.ErrorKind(err); !ok || kind != domain.KindConfiguration {
		t.Fatalf("error kind = %v, ok=%v, want Configuration", kind, ok)
	}
}

func TestEngine_ReconfigureRejectsEmptyConf(t *testing.T) {
	e := New()
	control := newFakeControl()
	ctx := context.Background()

	if err := e.Initialize(ctx, control, &fakeState{}, baseConf()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if err := e.Reconfigure(ctx, control, nil); err == nil {
		t.Fatal("expected error reconfiguring with empty conf")
	}
}

func TestEngine_PreserveNZeroDestroysAll(t *testing.T) {
	e := New()
	control := newFakeControl()
	ctx := context.Background()

	conf := baseConf()
	conf[ConfPreserveN] = 0
	if err := e.Initialize(ctx, control, &fakeState{}, conf); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	state := &fakeState{instances: []*domain.Instance{
		{InstanceID: "i1", State: domain.InstanceRunning},
		{InstanceID: "i2", State: domain.InstanceRunning},
	}}

	if err := e.Decide(ctx, control, state); err != nil {
		t.Fatalf("Decide() error: %v", err)
	}
	if len(control.destroyed) != 2 {
		t.Fatalf("destroyed = %d, want 2", len(control.destroyed))
	}
}
