// Package tunables holds the live-adjustable parameters of the bandwidth-
// plateau detector, mirroring the module_param_named knobs of the kernel
// congestion-control module this package's sibling (detector) reimplements
// in userspace.
package tunables

import "sync/atomic"

// Tunables groups every live-writable knob the detector consults. Each field
// is backed by an atomic int64 so concurrent readers (the detector, on every
// ACK) and writers (an admin endpoint, a test) never race.
type Tunables struct {
	probeInterval       atomic.Int64
	probePer            atomic.Int64
	optimizeFlag        atomic.Int64
	highLossDisclassify atomic.Int64
	monitorPeroid       atomic.Int64
	useGoodput          atomic.Int64
	excludeRTO          atomic.Int64
	excludeRwnd         atomic.Int64
	excludeApplimited   atomic.Int64
	enablePrintk        atomic.Int64
}

// Default builds the tunable set with the same defaults as the kernel
// module's static initializers.
func Default() *Tunables {
	t := &Tunables{}
	t.probeInterval.Store(20)
	t.probePer.Store(24)
	t.optimizeFlag.Store(1)
	t.highLossDisclassify.Store(2)
	t.monitorPeroid.Store(3)
	t.useGoodput.Store(1)
	t.excludeRTO.Store(0)
	t.excludeRwnd.Store(0)
	t.excludeApplimited.Store(0)
	t.enablePrintk.Store(1)
	return t
}

func (t *Tunables) ProbeInterval() int64 { return t.probeInterval.Load() }
func (t *Tunables) SetProbeInterval(v int64) { t.probeInterval.Store(v) }

func (t *Tunables) ProbePer() int64 { return t.probePer.Load() }
func (t *Tunables) SetProbePer(v int64) { t.probePer.Store(v) }

func (t *Tunables) OptimizeFlag() bool { return t.optimizeFlag.Load() != 0 }
func (t *Tunables) SetOptimizeFlag(v bool) { t.optimizeFlag.Store(b2i(v)) }

// HighLossDisclassify is preserved as a live, externally-adjustable field
// exactly as the kernel source declares it: nothing in estimationClassify or
// the probe/reset paths ever reads it back. It exists so operators can set
// it without the daemon rejecting an otherwise-valid tuning request.
func (t *Tunables) HighLossDisclassify() int64 { return t.highLossDisclassify.Load() }
func (t *Tunables) SetHighLossDisclassify(v int64) { t.highLossDisclassify.Store(v) }

func (t *Tunables) MonitorPeroid() int64 { return t.monitorPeroid.Load() }
func (t *Tunables) SetMonitorPeroid(v int64) { t.monitorPeroid.Store(v) }

func (t *Tunables) UseGoodput() bool { return t.useGoodput.Load() != 0 }
func (t *Tunables) SetUseGoodput(v bool) { t.useGoodput.Store(b2i(v)) }

func (t *Tunables) ExcludeRTO() bool { return t.excludeRTO.Load() != 0 }
func (t *Tunables) SetExcludeRTO(v bool) { t.excludeRTO.Store(b2i(v)) }

func (t *Tunables) ExcludeRwnd() bool { return t.excludeRwnd.Load() != 0 }
func (t *Tunables) SetExcludeRwnd(v bool) { t.excludeRwnd.Store(b2i(v)) }

func (t *Tunables) ExcludeApplimited() bool { return t.excludeApplimited.Load() != 0 }
func (t *Tunables) SetExcludeApplimited(v bool) { t.excludeApplimited.Store(b2i(v)) }

func (t *Tunables) EnablePrintk() bool { return t.enablePrintk.Load() != 0 }
func (t *Tunables) SetEnablePrintk(v bool) { t.enablePrintk.Store(b2i(v)) }

func b2i(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
