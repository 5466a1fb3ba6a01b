package safety

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/peripheral"
	"github.com/roman-kulish/flight-supervisor/internal/peripheral/fake"
	"github.com/roman-kulish/flight-supervisor/internal/scheduler"
	"github.com/roman-kulish/flight-supervisor/internal/vehicle"
)

func flyingMachine(t *testing.T) *vehicle.Machine {
	t.Helper()

	m := vehicle.NewMachine()
	for _, s := range []vehicle.State{vehicle.ReadyToFly, vehicle.Armed, vehicle.Flying} {
		if _, err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func TestMonitor_ArmSwitchReleaseZeroesBeforeNextMotorTick(t *testing.T) {
	const motorPeriod = 20 * time.Millisecond

	machine := flyingMachine(t)
	receiver := &fake.Receiver{}
	receiver.SetInput(peripheral.StickInput{Arm: true, Throttle: 0.6}, time.Now())

	zeroed := make(chan time.Time, 1)
	actuator := &fake.Actuator{State: machine.Current}
	actuator.OnZero = func() {
		select {
		case zeroed <- time.Now():
		default:
		}
	}

	m := New(machine, actuator, WithReceiver(receiver), WithPollInterval(time.Millisecond))
	handled := make(chan Trigger, 1)
	m.OnTrigger(func(tr Trigger) { handled <- tr })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("starting monitor: %v", err)
	}
	defer m.Stop()

	released := time.Now()
	receiver.SetInput(peripheral.StickInput{Arm: false}, released)

	select {
	case at := <-zeroed:
		if latency := at.Sub(released); latency >= motorPeriod {
			t.Errorf("zero command issued %s after release, expected under one motor period", latency)
		}
	case <-time.After(time.Second):
		t.Fatal("no zero command issued")
	}

	var trig Trigger
	select {
	case trig = <-handled:
	case <-time.After(time.Second):
		t.Fatal("trigger was not handled")
	}

	if s := machine.Current(); s != vehicle.Disarmed {
		t.Errorf("expected %s, got %s", vehicle.Disarmed, s)
	}

	w, _ := actuator.Last()
	if !w.Zero {
		t.Error("expected the last write to be a zero command")
	}

	if trig.Reason != ReasonArmSwitch || trig.State != vehicle.Flying {
		t.Errorf("unexpected trigger: %+v", trig)
	}
}

// stuckActuator blocks every Write until released
type stuckActuator struct {
	fake.Actuator
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStuckActuator() *stuckActuator {
	return &stuckActuator{entered: make(chan struct{}), release: make(chan struct{})}
}

func (a *stuckActuator) Write(cmd peripheral.ActuatorCommand) error {
	a.once.Do(func() { close(a.entered) })
	<-a.release
	return a.Actuator.Write(cmd)
}

func TestMonitor_DisarmDuringBlockedWrite(t *testing.T) {
	machine := flyingMachine(t)
	actuator := newStuckActuator()
	actuator.State = machine.Current

	m := New(machine, actuator)

	written := make(chan error, 1)
	go func() {
		written <- machine.Actuate(func(vehicle.State) error {
			return actuator.Write(peripheral.ActuatorCommand{Motors: [peripheral.NumMotors]float64{0.5, 0.5, 0.5, 0.5}})
		})
	}()
	<-actuator.entered

	disarmed := make(chan struct{})
	go func() {
		defer close(disarmed)
		m.Disarm("operator")
	}()

	select {
	case <-disarmed:
	case <-time.After(200 * time.Millisecond):
		close(actuator.release)
		t.Fatalf("disarm blocked by a write in progress; state=%s", machine.Current())
	}

	if s := machine.Current(); s != vehicle.Disarmed {
		t.Errorf("expected %s while the write is blocked, got %s", vehicle.Disarmed, s)
	}
	if w, ok := actuator.Last(); !ok || !w.Zero {
		t.Errorf("expected a zero command while the write is blocked, got %+v", w)
	}

	// The blocked write lands late and must be overwritten
	close(actuator.release)
	if err := <-written; err != nil {
		t.Fatalf("blocked write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		writes := actuator.Writes()
		if last := writes[len(writes)-1]; last.Zero && !writes[len(writes)-2].Zero {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("output not zeroed after the blocked write finished: %+v", writes)
		}
		time.Sleep(time.Millisecond)
	}

	if err := machine.Actuate(func(vehicle.State) error { return nil }); !errors.Is(err, vehicle.ErrActuationInhibited) {
		t.Errorf("expected actuation to be inhibited, got %v", err)
	}
}

func TestMonitor_TriggersAroundStopAreHandled(t *testing.T) {
	const triggers = 50

	machine := flyingMachine(t)
	m := New(machine, &fake.Actuator{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Trigger(Trigger{Reason: ReasonFault, Detail: "test"})
		}()
	}

	m.Stop()
	wg.Wait()

	if got := m.Triggers(); got != triggers {
		t.Errorf("expected %d handled triggers, got %d", triggers, got)
	}

	// Once stopped, triggers are handled on the calling goroutine
	m.Disarm("after stop")
	if got := m.Triggers(); got != triggers+1 {
		t.Errorf("expected %d handled triggers, got %d", triggers+1, got)
	}
}

func TestMonitor_LinkLoss(t *testing.T) {
	clock := fake.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	machine := flyingMachine(t)

	receiver := &fake.Receiver{}
	receiver.SetInput(peripheral.StickInput{Arm: true}, clock.Now())

	actuator := &fake.Actuator{}
	m := New(machine, actuator, WithReceiver(receiver), WithLinkTimeout(100*time.Millisecond), WithClock(clock.Now))

	// Polled directly to control time precisely
	clock.Advance(100 * time.Millisecond)
	m.poll()
	if machine.Current() != vehicle.Flying {
		t.Fatal("disarmed with a link exactly at the timeout")
	}

	clock.Advance(time.Millisecond)
	m.poll()
	if machine.Current() != vehicle.Disarmed {
		t.Fatalf("expected %s after link timeout, got %s", vehicle.Disarmed, machine.Current())
	}

	trig, _ := m.LastTrigger()
	if trig.Reason != ReasonLinkLost {
		t.Errorf("expected link lost trigger, got %s", trig.Reason)
	}

	// Nothing to do once disarmed
	m.poll()
	if m.Triggers() != 1 {
		t.Errorf("expected a single trigger, got %d", m.Triggers())
	}
}

func TestMonitor_NeverReceivedFrame(t *testing.T) {
	machine := vehicle.NewMachine()
	for _, s := range []vehicle.State{vehicle.ReadyToFly, vehicle.OneDofTestReady} {
		if _, err := machine.Transition(s); err != nil {
			t.Fatal(err)
		}
	}

	receiver := &fake.Receiver{}
	receiver.SetError(peripheral.ErrNoSample)

	m := New(machine, &fake.Actuator{}, WithReceiver(receiver))
	m.poll()

	if machine.Current() != vehicle.Disarmed {
		t.Errorf("expected %s, got %s", vehicle.Disarmed, machine.Current())
	}
}

func TestMonitor_ArmSwitchIgnoredOnTestRig(t *testing.T) {
	machine := vehicle.NewMachine()
	for _, s := range []vehicle.State{vehicle.ReadyToFly, vehicle.OneDofTestReady} {
		if _, err := machine.Transition(s); err != nil {
			t.Fatal(err)
		}
	}

	receiver := &fake.Receiver{}
	receiver.SetInput(peripheral.StickInput{Arm: false}, time.Now())

	m := New(machine, &fake.Actuator{}, WithReceiver(receiver))
	m.poll()

	if machine.Current() != vehicle.OneDofTestReady {
		t.Errorf("expected %s, got %s", vehicle.OneDofTestReady, machine.Current())
	}
}

func TestMonitor_TriggerOutsideActuatingStates(t *testing.T) {
	machine := vehicle.NewMachine()
	if _, err := machine.Transition(vehicle.ReadyToFly); err != nil {
		t.Fatal(err)
	}

	actuator := &fake.Actuator{}
	m := New(machine, actuator)
	m.Disarm("operator request")

	if machine.Current() != vehicle.ReadyToFly {
		t.Errorf("expected state to stay %s, got %s", vehicle.ReadyToFly, machine.Current())
	}
	if w, ok := actuator.Last(); !ok || !w.Zero {
		t.Error("expected a zero command even when not actuating")
	}
}

func TestMonitor_ConcurrentDisarm(t *testing.T) {
	machine := flyingMachine(t)
	actuator := &fake.Actuator{}

	m := New(machine, actuator)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var changes int
	machine.OnTransition(func(vehicle.Change) { changes++ })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			m.Disarm("pilot")
		}
	}()
	for i := 0; i < 5; i++ {
		m.Trigger(Trigger{Reason: ReasonFault, Detail: "test"})
	}
	<-done

	// Stop drains queued triggers
	m.Stop()

	if machine.Current() != vehicle.Disarmed {
		t.Errorf("expected %s, got %s", vehicle.Disarmed, machine.Current())
	}
	if m.Triggers() != 10 {
		t.Errorf("expected 10 handled triggers, got %d", m.Triggers())
	}
	if changes != 1 {
		t.Errorf("expected a single state change, got %d", changes)
	}
}

func TestMonitor_ReportFault(t *testing.T) {
	machine := flyingMachine(t)
	m := New(machine, &fake.Actuator{}, WithFaultThreshold(3))

	fault := func(stage scheduler.Stage, n int) *scheduler.LoopFault {
		return &scheduler.LoopFault{Loop: scheduler.LoopFast, Stage: stage, Consecutive: n, Err: errors.New("compute failed")}
	}

	m.ReportFault(fault(scheduler.StageCompute, 1))
	m.ReportFault(fault(scheduler.StageCompute, 2))
	m.ReportFault(fault(scheduler.StageTelemetry, 10))
	if machine.Current() != vehicle.Flying {
		t.Fatalf("expected to keep flying below the threshold, got %s", machine.Current())
	}

	m.ReportFault(fault(scheduler.StageCompute, 3))
	if machine.Current() != vehicle.Disarmed {
		t.Errorf("expected %s, got %s", vehicle.Disarmed, machine.Current())
	}

	trig, _ := m.LastTrigger()
	if trig.Reason != ReasonFault {
		t.Errorf("expected fault trigger, got %s", trig.Reason)
	}
}

func TestMonitor_OnTrigger(t *testing.T) {
	m := New(flyingMachine(t), &fake.Actuator{})

	var got []Reason
	m.OnTrigger(func(tr Trigger) { got = append(got, tr.Reason) })

	m.Disarm("")
	if len(got) != 1 || got[0] != ReasonOperator {
		t.Errorf("expected one operator trigger, got %v", got)
	}
}

func TestMonitor_StartTwice(t *testing.T) {
	m := New(vehicle.NewMachine(), &fake.Actuator{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if err := m.Start(context.Background()); err == nil {
		t.Error("expected error starting a running monitor")
	}
}
