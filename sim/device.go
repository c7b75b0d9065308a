package sim

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benjamonnguyen/leakwatch"
)

// Receive states reported in SystemState.Status.
const (
	StatusUnknown         = "unknown"
	StatusOK              = "OK"
	StatusTimeout         = "timed out"
	StatusInvalidChecksum = "checksum error"
)

const timeReceivedFormat = "02/01/06 15:04:05"

var (
	ErrOutletDisabled = errors.New("Cannot change the state of a disabled outlet relay")
	ErrUnknownOutlet  = errors.New("unknown outlet")
)

// Device is an in-memory leak detector: fault and warning state, power outlet
// relays and the last decoded sensor packet.
type Device struct {
	events *EventLogger

	mu           sync.Mutex
	fault        bool
	warning      bool
	status       string
	good, bad    int
	timeReceived time.Time
	outlets      map[string]*leakwatch.Outlet
	packet       *leakwatch.PacketInfo

	lastFaultTriggers   string
	lastWarningTriggers string
}

func NewDevice(events *EventLogger, outlets ...string) *Device {
	if len(outlets) == 0 {
		outlets = []string{"chiller", "daq"}
	}
	d := &Device{
		events:  events,
		status:  StatusUnknown,
		outlets: make(map[string]*leakwatch.Outlet, len(outlets)),
	}
	for _, name := range outlets {
		d.outlets[name] = &leakwatch.Outlet{Enabled: true}
	}
	events.Info("System starting up")
	return d
}

func (d *Device) State() leakwatch.SystemState {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := leakwatch.SystemState{
		Fault:        d.fault,
		Warning:      d.warning,
		Status:       d.status,
		GoodPackets:  d.good,
		BadPackets:   d.bad,
		TimeReceived: "unknown",
		Outlets:      make(map[string]leakwatch.Outlet, len(d.outlets)),
	}
	if !d.timeReceived.IsZero() {
		s.TimeReceived = d.timeReceived.Format(timeReceivedFormat)
	}
	for name, o := range d.outlets {
		s.Outlets[name] = *o
	}
	if d.packet != nil {
		p := *d.packet
		s.PacketInfo = &p
	}
	return s
}

func (d *Device) Outlet(name string) (leakwatch.Outlet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.outlets[name]
	if !ok {
		return leakwatch.Outlet{}, fmt.Errorf("%w: %s", ErrUnknownOutlet, name)
	}
	return *o, nil
}

// SetOutlet switches an outlet relay. Disabled relays refuse every change.
func (d *Device) SetOutlet(name string, state bool) (leakwatch.Outlet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.outlets[name]
	if !ok {
		return leakwatch.Outlet{}, fmt.Errorf("%w: %s", ErrUnknownOutlet, name)
	}
	if !o.Enabled {
		return *o, ErrOutletDisabled
	}
	if o.State != state {
		o.State = state
		d.events.Info("%s outlet turned %s", outletTitle(name), onOff(state))
	}
	return *o, nil
}

// SetFault asserts or clears the hardware fault. Asserting it switches every
// outlet off and disables it; clearing re-enables the outlets but leaves them off.
func (d *Device) SetFault(fault bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setFault(fault)
}

func (d *Device) setFault(fault bool) {
	if fault == d.fault {
		return
	}
	d.fault = fault
	if fault {
		d.events.Warning("Fault state detected")
	} else {
		d.events.Info("Fault state cleared")
	}
	for _, name := range d.outletNames() {
		o := d.outlets[name]
		if fault && o.State {
			o.State = false
			d.events.Info("%s outlet turned off", outletTitle(name))
		}
		o.Enabled = !fault
	}
}

// Receive records a decoded packet. A packet with a bad checksum only bumps the
// error counter.
func (d *Device) Receive(p leakwatch.PacketInfo, checksumOK bool, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.timeReceived = at
	if !checksumOK {
		d.status = StatusInvalidChecksum
		d.bad++
		d.events.Warning("Received packet with bad checksum")
		return
	}
	if d.status != StatusOK {
		d.events.Info("Packet received OK")
	}
	d.status = StatusOK
	d.good++
	d.packet = &p

	d.setFault(p.Fault)
	d.reportTriggers(p)
	if p.Warning != d.warning {
		d.warning = p.Warning
		if p.Warning {
			d.events.Warning("Warning state detected")
		} else {
			d.events.Info("Warning state cleared")
		}
	}
}

// Timeout marks the link as timed out if nothing arrived within limit.
func (d *Device) Timeout(now time.Time, limit time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timeReceived.IsZero() || now.Sub(d.timeReceived) <= limit {
		return false
	}
	if d.status != StatusTimeout {
		d.events.Warning("Packet receive timed out")
	}
	d.status = StatusTimeout
	return true
}

func (d *Device) reportTriggers(p leakwatch.PacketInfo) {
	faults := triggers(map[string]bool{
		"Leak detected":   p.LeakDetected,
		"Leak continuity": !p.LeakContinuity,
		"Probe 1 temp":    p.ProbeTemp1 > p.ProbeTemp1Threshold,
		"Probe 2 temp":    p.ProbeTemp2 > p.ProbeTemp2Threshold,
	})
	if faults != d.lastFaultTriggers {
		if d.fault && faults != "" {
			d.events.Warning("Fault conditions: %s", faults)
		}
		d.lastFaultTriggers = faults
	}

	warnings := triggers(map[string]bool{
		"Board temp":     p.BoardTemp > p.BoardTempThreshold,
		"Board humidity": p.BoardHumidity > p.BoardHumidityThreshold,
	})
	if warnings != d.lastWarningTriggers {
		if p.Warning && warnings != "" {
			d.events.Warning("Warning conditions: %s", warnings)
		}
		d.lastWarningTriggers = warnings
	}
}

func (d *Device) outletNames() []string {
	names := make([]string, 0, len(d.outlets))
	for name := range d.outlets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func triggers(conds map[string]bool) string {
	var set []string
	for name, on := range conds {
		if on {
			set = append(set, name)
		}
	}
	sort.Strings(set)
	return strings.Join(set, ", ")
}

func outletTitle(name string) string {
	switch name {
	case "daq":
		return "DAQ"
	case "":
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
