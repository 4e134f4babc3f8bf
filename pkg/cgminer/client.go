// Package cgminer implements the miner.Adapter interface for CGMiner-family
// firmware (stock Antminer, Whatsminer and derivatives).
//
// The protocol is a single JSON command object written over a fresh TCP
// connection to the device API port; the response is JSON terminated by
// connection close, with a trailing NUL byte that must be stripped before
// parsing. Devices do not support persistent sessions reliably, so each
// command opens its own connection and relies on a per-command timeout.
package cgminer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/minewatt/fleet-control/pkg/miner"
)

// DefaultTimeout bounds a single device command round-trip.
const DefaultTimeout = 5 * time.Second

// Adapter is the CGMiner protocol implementation of miner.Adapter.
type Adapter struct {
	cfg     miner.Config
	timeout time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the per-command timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(a *Adapter) {
		a.timeout = timeout
	}
}

// New creates an adapter for one CGMiner-family device.
func New(cfg miner.Config, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:     cfg,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Factory builds cgminer adapters for the fleet registry.
type Factory struct {
	Timeout time.Duration
}

// AdapterType implements miner.Factory.
func (f Factory) AdapterType() miner.AdapterType { return miner.AdapterCGMiner }

// NewAdapter implements miner.Factory.
func (f Factory) NewAdapter(cfg miner.Config) miner.Adapter {
	timeout := f.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return New(cfg, WithTimeout(timeout))
}

// Describe implements miner.Adapter.
func (a *Adapter) Describe() miner.Config { return a.cfg }

type apiRequest struct {
	Command   string `json:"command"`
	Parameter string `json:"parameter,omitempty"`
}

type apiStatus struct {
	Status string `json:"STATUS"`
	Msg    string `json:"Msg"`
}

// call performs one command round-trip: dial, write the JSON request, read
// until the device closes the connection, strip the trailing NUL, parse.
func (a *Adapter) call(ctx context.Context, command, parameter string) (map[string]json.RawMessage, error) {
	deadline := time.Now().Add(a.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", a.cfg.Address)
	if err != nil {
		return nil, &DeviceError{MinerID: a.cfg.ID, Op: command, Err: wrapTimeout(err)}
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, &DeviceError{MinerID: a.cfg.ID, Op: command, Err: err}
	}

	payload, err := json.Marshal(apiRequest{Command: command, Parameter: parameter})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, &DeviceError{MinerID: a.cfg.ID, Op: command, Err: wrapTimeout(err)}
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, &DeviceError{MinerID: a.cfg.ID, Op: command, Err: wrapTimeout(err)}
	}
	data = bytes.TrimSuffix(bytes.TrimSpace(data), []byte{0})

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &DeviceError{MinerID: a.cfg.ID, Op: command, Err: fmt.Errorf("parse response: %w", err)}
	}
	return resp, nil
}

// statusErr extracts a firmware-level error status from a response.
func statusErr(command string, resp map[string]json.RawMessage) error {
	raw, ok := resp["STATUS"]
	if !ok {
		return nil
	}
	var statuses []apiStatus
	if err := json.Unmarshal(raw, &statuses); err != nil || len(statuses) == 0 {
		return nil
	}
	if s := statuses[0]; s.Status == "E" || s.Status == "F" {
		return &StatusError{Command: command, Msg: s.Msg}
	}
	return nil
}

func wrapTimeout(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// State implements miner.Adapter. It issues summary and stats concurrently
// and degrades to an offline snapshot on any transport failure.
func (a *Adapter) State(ctx context.Context) miner.State {
	var (
		wg                   sync.WaitGroup
		summary, stats       map[string]json.RawMessage
		summaryErr, statsErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		summary, summaryErr = a.call(ctx, "summary", "")
	}()
	go func() {
		defer wg.Done()
		stats, statsErr = a.call(ctx, "stats", "")
	}()
	wg.Wait()

	if summaryErr != nil || statsErr != nil {
		return miner.Offline(a.cfg)
	}

	st := miner.State{
		ID:         a.cfg.ID,
		Model:      a.cfg.Model,
		Address:    a.cfg.Address,
		Online:     true,
		ObservedAt: time.Now().UTC(),
	}

	if section := firstSection(summary, "SUMMARY"); section != nil {
		// Hashrate is reported in GH/s; convert to TH/s.
		for _, key := range []string{"GHS 5s", "GHS av", "GHS 30m"} {
			if v, ok := numField(section, key); ok && v > 0 {
				st.HashrateTHS = v / 1000
				break
			}
		}
		if v, ok := numField(section, "Power"); ok {
			st.PowerW = v
		}
	}

	if section := firstSection(stats, "STATS"); section != nil {
		applyStats(&st, section)
	}
	return st
}

// applyStats fills temperature, fans and power from a stats section.
func applyStats(st *miner.State, section map[string]any) {
	// Vendors disagree on which temperature field is populated; take the
	// first non-zero one in a fixed preference order.
	for _, key := range []string{"temp2_1", "temp2_2", "temp2_3", "temp1", "temp2", "temp3", "temp_max"} {
		if v, ok := numField(section, key); ok && v > 0 {
			st.TemperatureC = v
			break
		}
	}

	for i := 1; i <= 8 && len(st.FanRPM) < 4; i++ {
		if v, ok := numField(section, "fan"+strconv.Itoa(i)); ok && v > 0 {
			st.FanRPM = append(st.FanRPM, int(v))
		}
	}

	if st.PowerW == 0 {
		for _, key := range []string{"Power", "power", "power_rt"} {
			if v, ok := numField(section, key); ok && v > 0 {
				st.PowerW = v
				break
			}
		}
	}
}

// firstSection returns the first object of a named response array.
func firstSection(resp map[string]json.RawMessage, name string) map[string]any {
	raw, ok := resp[name]
	if !ok {
		return nil
	}
	var sections []map[string]any
	if err := json.Unmarshal(raw, &sections); err != nil || len(sections) == 0 {
		return nil
	}
	return sections[0]
}

// numField reads a numeric field that some firmwares encode as a string.
func numField(section map[string]any, key string) (float64, bool) {
	v, ok := section[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// SetPowerLimit implements miner.Adapter. The fraction is sent as a power
// percentage via ascset; firmware without power-target support answers with
// an error status, which is reported as ErrPowerLimitUnsupported so callers
// can tell "unsupported" from "unreachable".
func (a *Adapter) SetPowerLimit(ctx context.Context, fraction float64) error {
	if fraction < 0 || fraction > 1 {
		return fmt.Errorf("power fraction %v out of range [0,1]", fraction)
	}

	// Full stop and full restore map to pause/resume; intermediate
	// fractions go through the ascset power target.
	command, parameter := "ascset", fmt.Sprintf("0,power-pct,%d", int(math.Round(fraction*100)))
	switch fraction {
	case 0:
		command, parameter = "pause", ""
	case 1:
		command, parameter = "resume", ""
	}

	resp, err := a.call(ctx, command, parameter)
	if err != nil {
		return err
	}
	if serr := statusErr(command, resp); serr != nil {
		return fmt.Errorf("%s: %w: %v", a.cfg.ID, ErrPowerLimitUnsupported, serr)
	}
	return nil
}

// Reboot implements miner.Adapter.
func (a *Adapter) Reboot(ctx context.Context) error {
	resp, err := a.call(ctx, "restart", "")
	if err != nil {
		return err
	}
	if serr := statusErr("restart", resp); serr != nil {
		return &DeviceError{MinerID: a.cfg.ID, Op: "restart", Err: serr}
	}
	return nil
}

var _ miner.Adapter = (*Adapter)(nil)
var _ miner.Factory = Factory{}
