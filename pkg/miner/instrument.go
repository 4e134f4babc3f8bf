package miner

import (
	"context"
	"fmt"
	"time"

	"github.com/minewatt/fleet-control/pkg/events"
)

// Instrument wraps an adapter so that every method call emits exactly one
// audit event carrying the outcome and latency. Vendor adapters stay pure
// I/O; auditing lives here so it cannot be forgotten per implementation.
func Instrument(a Adapter, log *events.Logger) Adapter {
	return &instrumented{inner: a, log: log}
}

type instrumented struct {
	inner Adapter
	log   *events.Logger
}

func (i *instrumented) Describe() Config { return i.inner.Describe() }

func (i *instrumented) State(ctx context.Context) State {
	start := time.Now()
	st := i.inner.State(ctx)

	status := events.StatusOK
	if !st.Online {
		status = events.StatusError
	}
	i.emit("monitor.getState", "getState", status, "", map[string]any{
		"latency_ms": time.Since(start).Milliseconds(),
		"online":     st.Online,
	})
	return st
}

func (i *instrumented) SetPowerLimit(ctx context.Context, fraction float64) error {
	start := time.Now()
	err := i.inner.SetPowerLimit(ctx, fraction)
	i.command("setPowerLimit", start, err, map[string]any{"fraction": fraction})
	return err
}

func (i *instrumented) Reboot(ctx context.Context) error {
	start := time.Now()
	err := i.inner.Reboot(ctx)
	i.command("reboot", start, err, nil)
	return err
}

func (i *instrumented) command(op string, start time.Time, err error, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["latency_ms"] = time.Since(start).Milliseconds()
	status := events.StatusOK
	if err != nil {
		status = events.StatusError
		details["error"] = err.Error()
	}
	i.emit("monitor.command", op, status, "", details)
}

func (i *instrumented) emit(typ, op, status, actor string, details map[string]any) {
	if i.log == nil {
		return
	}
	cfg := i.inner.Describe()
	_ = i.log.Log(events.Event{
		Type:    typ,
		Source:  string(cfg.AdapterType),
		Key:     fmt.Sprintf("%s:%s", cfg.ID, op),
		Status:  status,
		Actor:   actor,
		Details: details,
	})
}
