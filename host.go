package strmsim

// host.go defines the narrow surface through which the model reaches its
// hosting simulation kernel, the per-device clock that maps simulation
// time into a (possibly drifting) local clock time domain, and the time
// bases consulted by visualization fade-out.

import (
	"time"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// EventHandlerFunction is the signature of a model event handler.  It has
// the shape the evtm kernel gives its handlers, re-expressed against the
// EventManager interface so the same handlers run on any conforming host.
type EventHandlerFunction func(evtMgr EventManager, context any, data any) any

// EventManager is everything the model requires of the kernel that hosts
// it: schedule a handler at a relative virtual-time offset, and report
// the current virtual time.  The model never constructs or runs a kernel.
type EventManager interface {
	Schedule(context any, data any, hdlr EventHandlerFunction, offset vrtime.Time)
	CurrentTime() vrtime.Time
	CurrentSeconds() float64
}

// EvtmManager adapts a *evtm.EventManager, the production kernel, to the
// EventManager interface
type EvtmManager struct {
	EvtMgr *evtm.EventManager
}

// CreateEvtmManager is a constructor
func CreateEvtmManager(evtMgr *evtm.EventManager) *EvtmManager {
	em := new(EvtmManager)
	em.EvtMgr = evtMgr
	return em
}

// Schedule hands the event to the kernel, wrapping the handler so that it
// is re-entered through this adapter rather than the raw kernel pointer
func (em *EvtmManager) Schedule(context any, data any, hdlr EventHandlerFunction, offset vrtime.Time) {
	em.EvtMgr.Schedule(context, data,
		func(_ *evtm.EventManager, cxt any, msg any) any {
			return hdlr(em, cxt, msg)
		}, offset)
}

func (em *EvtmManager) CurrentTime() vrtime.Time {
	return em.EvtMgr.CurrentTime()
}

func (em *EvtmManager) CurrentSeconds() float64 {
	return em.EvtMgr.CurrentSeconds()
}

// ClockTime is a reading of a device's local clock.  It is deliberately a
// distinct type from the float64 seconds of simulation time so the two
// time domains cannot be mixed without an explicit conversion through a
// clockStruct.
type ClockTime float64

// unsetClockTime marks a ClockTime field holding no reading
const unsetClockTime ClockTime = -1.0

// A clockStruct maps between simulation time and one device's clock time.
// Drift d means the clock advances (1+d) clock seconds per simulation
// second, measured from a common origin.
type clockStruct struct {
	drift     float64
	simOrigin float64
	clkOrigin ClockTime
}

// createClockStruct is a constructor.  Origins anchor at simulation time zero.
func createClockStruct(drift float64) *clockStruct {
	clk := new(clockStruct)
	clk.drift = drift
	clk.simOrigin = 0.0
	clk.clkOrigin = ClockTime(0.0)
	return clk
}

// timeAt returns the clock's reading at the given simulation time
func (clk *clockStruct) timeAt(simSecs float64) ClockTime {
	return clk.clkOrigin + ClockTime((simSecs-clk.simOrigin)*(1.0+clk.drift))
}

// simDelayUntil returns the simulation seconds separating now from the
// instant the clock reads target
func (clk *clockStruct) simDelayUntil(target ClockTime, now float64) float64 {
	simAt := clk.simOrigin + float64(target-clk.clkOrigin)/(1.0+clk.drift)
	return simAt - now
}

// AnimationPosition records the three time bases at one instant: the
// simulation clock, the animation clock advanced by a render loop, and
// the wall clock.  Fade-out idle times are differences of two of these.
type AnimationPosition struct {
	SimTime  float64
	AnimTime float64
	RealTime float64
}

// AnimationHost reports the time bases used by visualization fade-out
type AnimationHost interface {
	SimulationSeconds() float64
	AnimationSeconds() float64
	RealSeconds() float64
}

// animationNow captures all three time bases from a host at once
func animationNow(host AnimationHost) AnimationPosition {
	return AnimationPosition{SimTime: host.SimulationSeconds(),
		AnimTime: host.AnimationSeconds(), RealTime: host.RealSeconds()}
}

// RunAnimationHost is the production AnimationHost.  Simulation seconds
// come from the kernel, animation seconds from a counter the render loop
// advances, real seconds from the system clock.
type RunAnimationHost struct {
	evtMgr    EventManager
	animTime  float64
	realStart time.Time
}

// CreateRunAnimationHost is a constructor
func CreateRunAnimationHost(evtMgr EventManager) *RunAnimationHost {
	rah := new(RunAnimationHost)
	rah.evtMgr = evtMgr
	rah.realStart = time.Now()
	return rah
}

func (rah *RunAnimationHost) SimulationSeconds() float64 {
	return rah.evtMgr.CurrentSeconds()
}

func (rah *RunAnimationHost) AnimationSeconds() float64 {
	return rah.animTime
}

// AdvanceAnimation moves the animation clock forward, called by whatever
// drives rendering
func (rah *RunAnimationHost) AdvanceAnimation(delta float64) {
	rah.animTime += delta
}

func (rah *RunAnimationHost) RealSeconds() float64 {
	return time.Since(rah.realStart).Seconds()
}
