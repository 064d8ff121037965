// Package cpu implements the per-host CPU delay accountant (§4.8): it
// converts bytes of work a plug-in has caused into simulated nanoseconds of
// CPU delay, and tells the virtual syscall surface when a host is too far
// behind on absorbing that delay to do more I/O this instant.
package cpu

import "github.com/shadow-sim/shadow/internal/shadow/simtime"

// BlockThreshold is the default unabsorbed-delay threshold above which a
// host is considered CPU-blocked (§3).
const BlockThreshold simtime.SimTime = 1_000_000 // 1ms in ns

// Default per-byte cost ratios relative to the AES-byte cost (§4.8):
// general proc-byte cost is 24x an AES byte; read work costs 75% of a
// byte's general load, write work costs 25%.
const (
	procByteMultiplier = 24
	readShare          = 0.75
	writeShare         = 0.25
)

// Accountant is the per-host CPU model described in §3/§4.8.
type Accountant struct {
	nsPerAESByte   float64
	nsPerProcByte  float64
	accumulatedNs  simtime.SimTime
	absorbedNs     simtime.SimTime
	blockThreshold simtime.SimTime
}

// New constructs an Accountant from an AES-byte cost in ns; the cost of a
// byte of "general" work is derived from it via procByteMultiplier. If
// nsPerAESByte is zero, every Add call accumulates no delay and IsBlocked
// always reports false.
func New(nsPerAESByte float64) *Accountant {
	return &Accountant{
		nsPerAESByte:   nsPerAESByte,
		nsPerProcByte:  nsPerAESByte * procByteMultiplier,
		blockThreshold: BlockThreshold,
	}
}

// WithBlockThreshold overrides the default 1ms unabsorbed-delay threshold.
func (a *Accountant) WithBlockThreshold(t simtime.SimTime) *Accountant {
	a.blockThreshold = t
	return a
}

// AddAES records n bytes of AES-equivalent work (e.g. encryption in a
// plug-in crypto path).
func (a *Accountant) AddAES(n int) {
	a.accumulatedNs += simtime.SimTime(float64(n) * a.nsPerAESByte)
}

// AddRead records n bytes of read-side I/O work.
func (a *Accountant) AddRead(n int) {
	a.accumulatedNs += simtime.SimTime(float64(n) * a.nsPerProcByte * readShare)
}

// AddWrite records n bytes of write-side I/O work.
func (a *Accountant) AddWrite(n int) {
	a.accumulatedNs += simtime.SimTime(float64(n) * a.nsPerProcByte * writeShare)
}

// Unabsorbed returns accumulated - absorbed (§3), clamped to zero.
func (a *Accountant) Unabsorbed() simtime.SimTime {
	if a.absorbedNs >= a.accumulatedNs {
		return 0
	}
	return a.accumulatedNs - a.absorbedNs
}

// IsBlocked reports whether the host is "CPU-blocked": Unabsorbed exceeds
// the configured block threshold (§3). The virtual syscall surface
// consults this before issuing I/O (§4.8).
func (a *Accountant) IsBlocked() bool {
	return a.Unabsorbed() > a.blockThreshold
}

// SetAbsorbed credits consumed CPU when a host resumes after a scheduled
// descriptor-ready event (§4.8): the event-delivery path calls this with
// the unabsorbed value observed when the WouldBlock/delay event was
// scheduled.
func (a *Accountant) SetAbsorbed(n simtime.SimTime) {
	a.absorbedNs += n
	if a.absorbedNs > a.accumulatedNs {
		a.absorbedNs = a.accumulatedNs
	}
}
