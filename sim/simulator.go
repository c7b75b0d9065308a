package sim

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/benjamonnguyen/leakwatch"
)

type SimulatorOptions struct {
	// PacketInterval is how often the frontend board sends a packet, 1s if zero.
	PacketInterval time.Duration
	// ReceiveTimeout marks the link timed out after this long without a packet.
	ReceiveTimeout time.Duration
	// LeakChance is the per-packet probability that a leak starts.
	LeakChance float64
	// LeakPackets is how many packets a leak lasts.
	LeakPackets int
	// BadChecksumChance is the per-packet probability of a corrupt packet.
	BadChecksumChance float64
	// DropChance is the per-packet probability that nothing arrives.
	DropChance float64
	Rand              *rand.Rand
}

// Simulator plays the frontend board: it feeds the Device drifting sensor
// readings with the occasional leak, warning and corrupt packet.
type Simulator struct {
	device *Device
	opts   SimulatorOptions
	rng    *rand.Rand

	leakLeft  int
	boardTemp float64
	humidity  float64
	probe1    float64
	probe2    float64
}

func NewSimulator(device *Device, opts SimulatorOptions) *Simulator {
	if opts.PacketInterval <= 0 {
		opts.PacketInterval = time.Second
	}
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = 5 * time.Second
	}
	if opts.LeakPackets <= 0 {
		opts.LeakPackets = 10
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Simulator{
		device:    device,
		opts:      opts,
		rng:       rng,
		boardTemp: 24,
		humidity:  40,
		probe1:    18,
		probe2:    18,
	}
}

// Run sends packets until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PacketInterval)
	defer ticker.Stop()

	s.Step(time.Now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

// Step generates and delivers one packet.
func (s *Simulator) Step(now time.Time) {
	if s.rng.Float64() < s.opts.DropChance {
		s.device.Timeout(now, s.opts.ReceiveTimeout)
		return
	}
	if s.rng.Float64() < s.opts.BadChecksumChance {
		s.device.Receive(leakwatch.PacketInfo{}, false, now)
		return
	}
	s.device.Receive(s.Next(), true, now)
}

// Next advances the sensor model by one packet.
func (s *Simulator) Next() leakwatch.PacketInfo {
	s.boardTemp = drift(s.rng, s.boardTemp, 0.2, 15, 45)
	s.humidity = drift(s.rng, s.humidity, 0.5, 10, 90)
	s.probe1 = drift(s.rng, s.probe1, 0.1, 5, 40)
	s.probe2 = drift(s.rng, s.probe2, 0.1, 5, 40)

	if s.leakLeft > 0 {
		s.leakLeft--
	} else if s.rng.Float64() < s.opts.LeakChance {
		s.leakLeft = s.opts.LeakPackets
	}

	p := leakwatch.PacketInfo{
		BoardTempThreshold:     37,
		BoardHumidityThreshold: 70,
		ProbeTemp1Threshold:    30,
		ProbeTemp2Threshold:    30,
		BoardTemp:              round2(s.boardTemp),
		BoardHumidity:          round2(s.humidity),
		ProbeTemp1:             round2(s.probe1),
		ProbeTemp2:             round2(s.probe2),
		LeakDetected:           s.leakLeft > 0,
		LeakContinuity:         true,
	}
	p.Warning = p.BoardTemp > p.BoardTempThreshold || p.BoardHumidity > p.BoardHumidityThreshold
	p.Fault = p.LeakDetected || !p.LeakContinuity ||
		p.ProbeTemp1 > p.ProbeTemp1Threshold || p.ProbeTemp2 > p.ProbeTemp2Threshold
	p.SensorStatus = sensorStatus(p)
	return p
}

func sensorStatus(p leakwatch.PacketInfo) int {
	var st int
	for i, bit := range []bool{
		p.BoardTemp > p.BoardTempThreshold,
		p.BoardHumidity > p.BoardHumidityThreshold,
		p.ProbeTemp1 > p.ProbeTemp1Threshold,
		p.ProbeTemp2 > p.ProbeTemp2Threshold,
	} {
		if bit {
			st |= 1 << i
		}
	}
	return st
}

func drift(rng *rand.Rand, v, step, lo, hi float64) float64 {
	v += (rng.Float64()*2 - 1) * step
	return max(lo, min(hi, v))
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
