// Package hybridpool implements a cross-process hybrid buffer pool:
// size-keyed free lists of CPU buffers living in a shared-memory segment
// and of GPU external-memory allocations, shared by cooperating processes
// on one host with cross-process reference counting, per-process
// reclamation, handle duplication across process boundaries, and a
// liveness auditor that tears the region down when a peer dies.
package hybridpool

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/yireyun/go-hybridpool/gfx"
	"github.com/yireyun/go-hybridpool/localpool"
	"github.com/yireyun/go-hybridpool/shm"
)

// maxSHMUsageFrac caps how much of the CPU budget buffer payload may
// consume, reserving headroom for pool bookkeeping in the segment.
const maxSHMUsageFrac = 0.9

const defaultAuditInterval = 100 * time.Millisecond

// Config carries the attach parameters. Segment is required; everything
// else has a usable zero value.
type Config struct {
	// Segment is the shared region all cooperating processes map.
	Segment *shm.Segment

	// Device allocates exportable GPU memory. nil means no GPU: all
	// GPU requests return empty buffers.
	Device gfx.Device

	// CPUBudget and GPUBudget bound the bytes each pool may charge
	// against the segment and the device respectively.
	CPUBudget uint64
	GPUBudget uint64

	// EnableAuditor spawns the background liveness loop.
	EnableAuditor bool

	// AuditInterval is the liveness loop period. Default 100ms.
	AuditInterval time.Duration

	// ForceClean makes Close clear every process record, not just this
	// process's. Test/debug only.
	ForceClean bool

	// NukeFunc is the framework hook arranging orderly teardown of the
	// region when the auditor detects a dead peer. nil means the loop
	// only invalidates.
	NukeFunc func() error

	// Logger receives rate-limited failure warnings. Default no-op.
	Logger *zap.Logger

	// Metrics, when non-nil, gets a collector exporting per-pool
	// allocated bytes, budgets, free-list sizes and live handle counts.
	Metrics prometheus.Registerer
}

// A Pool is one process's attachment to the shared region. All methods
// are safe for concurrent use.
type Pool struct {
	cfg Config
	seg *shm.Segment
	dev gfx.Device
	log *zap.SugaredLogger

	pid    uint64
	cpuCap uint64

	cpu   *sharedPool
	gpu   *sharedPool
	gpuDL *sharedPool
	aud   *auditor

	// mu guards the four local handle caches. Never held while a
	// shared-pool mutex is being acquired.
	mu      sync.Mutex
	ptrs    map[shm.Handle]*SharedRef // live local CPU buffers
	handles map[uint64]*SharedRef     // live local GPU buffers, by local handle
	mapped  map[uint64][]byte         // CPU views of GPU memory, by local handle
	dupped  map[uint64]uint64         // origin handle -> duplicated local handle

	streamMu sync.RWMutex
	streams  map[StreamID]bool

	local localpool.Pool
	warn  throttle

	attached bool
	stop     chan struct{}
	loopDone chan struct{}

	closeOnce sync.Once
	closeErr  error

	collector prometheus.Collector
}

// New attaches the calling process to the shared region, lazily creating
// the pool and auditor objects on first attach. A Pool is returned even
// when the region audit fails at attach time; it then serves local-only
// fallback allocations and reports IsValid()==false.
func New(cfg Config) (*Pool, error) {
	return newPool(cfg, uint64(os.Getpid()))
}

func newPool(cfg Config, pid uint64) (*Pool, error) {
	if cfg.Segment == nil {
		return nil, errors.New("hybridpool: Config.Segment is required")
	}
	if cfg.Device == nil {
		cfg.Device = gfx.Disabled{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.AuditInterval <= 0 {
		cfg.AuditInterval = defaultAuditInterval
	}

	p := &Pool{
		cfg:     cfg,
		seg:     cfg.Segment,
		dev:     cfg.Device,
		log:     cfg.Logger.Sugar(),
		pid:     pid,
		cpuCap:  uint64(float64(cfg.CPUBudget) * maxSHMUsageFrac),
		ptrs:    make(map[shm.Handle]*SharedRef),
		handles: make(map[uint64]*SharedRef),
		mapped:  make(map[uint64][]byte),
		dupped:  make(map[uint64]uint64),
		streams: make(map[StreamID]bool),
	}

	aud, err := attachAuditor(p.seg)
	if err != nil {
		return nil, errors.Wrap(err, "hybridpool: attach auditor")
	}
	p.aud = aud
	for _, pn := range []struct {
		name string
		dst  **sharedPool
	}{
		{PoolNameCPU, &p.cpu},
		{PoolNameGPU, &p.gpu},
		{PoolNameGPUDeviceLocal, &p.gpuDL},
	} {
		sp, err := attachPool(p.seg, aud, pn.name)
		if err != nil {
			return nil, errors.Wrapf(err, "hybridpool: attach %s", pn.name)
		}
		*pn.dst = sp
	}

	p.aud.lock()
	if p.aud.auditLocked() {
		if err := p.aud.addLocked(pid); err != nil {
			p.aud.unlock()
			return nil, err
		}
		p.attached = true
	} else {
		// A peer died or the region was already condemned. Leave no
		// record behind; every allocation falls back to local memory.
		p.aud.invalidate()
	}
	p.aud.unlock()

	if p.attached && cfg.EnableAuditor {
		p.stop = make(chan struct{})
		p.loopDone = make(chan struct{})
		go p.livenessLoop()
	}
	if !p.attached {
		p.log.Warnw("shared region invalid at attach, using local fallback only",
			"segment", p.seg.Name())
	}

	if cfg.Metrics != nil {
		p.collector = newCollector(p)
		if err := cfg.Metrics.Register(p.collector); err != nil {
			return nil, errors.Wrap(err, "hybridpool: register metrics")
		}
	}
	return p, nil
}

// IsValid reports whether shared-pool operations can still succeed.
// Once false it stays false for the lifetime of the segment.
func (p *Pool) IsValid() bool {
	return p.attached && !p.aud.isInvalid() && !p.seg.OwnerDied()
}

func (p *Pool) usable() bool {
	if !p.attached {
		return false
	}
	if p.seg.OwnerDied() {
		p.aud.invalidate()
	}
	return !p.aud.isInvalid()
}

// ActivateStream marks a stream as participating in the shared pool
// (active=true, the default for unknown streams) or as local-only.
// Idempotent.
func (p *Pool) ActivateStream(id StreamID, active bool) {
	p.streamMu.Lock()
	p.streams[id] = active
	p.streamMu.Unlock()
}

// streamShared reports whether requests on this stream go to the shared
// pool. Unknown streams default to shared.
func (p *Pool) streamShared(id StreamID) bool {
	p.streamMu.RLock()
	active, known := p.streams[id]
	p.streamMu.RUnlock()
	return !known || active
}

func (p *Pool) poolByName(name string) *sharedPool {
	switch name {
	case PoolNameCPU:
		return p.cpu
	case PoolNameGPU:
		return p.gpu
	case PoolNameGPUDeviceLocal:
		return p.gpuDL
	}
	return nil
}

// Close detaches from the region: drops all local handles, stops the
// liveness loop, removes this process's record, and — when this was the
// last attached process — tears the pools down, freeing every shared
// block and every GPU allocation this process originated.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() { p.closeErr = p.detach() })
	return p.closeErr
}

func (p *Pool) detach() error {
	var errs error

	// Drop local CPU handles; each last drop runs its reclaimer.
	p.mu.Lock()
	ptrs := p.ptrs
	p.ptrs = make(map[shm.Handle]*SharedRef)
	p.mu.Unlock()
	for _, ref := range ptrs {
		ref.Release()
	}

	if p.stop != nil {
		close(p.stop)
		<-p.loopDone
	}

	p.aud.lock()
	if p.attached {
		p.aud.removeLocked(p.pid)
	}
	if p.cfg.ForceClean {
		p.aud.clearLocked()
	}
	last := p.aud.emptyLocked()
	if last {
		p.aud.invalidate()
		p.drainCPUPool()
	}
	p.aud.unlock()

	// Drop local GPU handles and CPU views of GPU memory.
	p.mu.Lock()
	handles := p.handles
	p.handles = make(map[uint64]*SharedRef)
	mapped := p.mapped
	p.mapped = make(map[uint64][]byte)
	dupped := p.dupped
	p.dupped = make(map[uint64]uint64)
	p.mu.Unlock()
	for _, ref := range handles {
		ref.Release()
	}
	for _, view := range mapped {
		errs = multierr.Append(errs, p.dev.Unmap(view))
	}

	errs = multierr.Append(errs, p.cleanPool(p.gpu, last))
	errs = multierr.Append(errs, p.cleanPool(p.gpuDL, last))

	for _, local := range dupped {
		errs = multierr.Append(errs, p.dev.Free(local))
	}

	if p.collector != nil {
		p.cfg.Metrics.Unregister(p.collector)
	}
	p.attached = false
	return errs
}

// drainCPUPool releases every shared CPU block. Only called by the last
// detaching process, under the auditor mutex.
func (p *Pool) drainCPUPool() {
	sp := p.cpu
	sp.lockBuffers()
	sp.lockSizes()
	off := sp.hdr.allHead
	for off != 0 {
		rec := sp.rec(shm.Handle(off))
		next := rec.nextAll
		sp.hdr.allocated -= rec.size
		p.seg.Free(shm.Handle(off))
		off = next
	}
	sp.hdr.allHead = 0
	sp.hdr.allocated = 0
	for i := range sp.hdr.buckets {
		sp.hdr.buckets[i] = bucket{}
	}
	sp.sizesMutex().Unlock()
	sp.buffersMutex().Unlock()
}

// cleanPool tears down this process's contributions to a GPU pool's
// free lists: only the origin process may free a GPU allocation through
// the graphics API. In-flight buffers referenced by other processes via
// duplicated handles survive; their records are released only when
// clearAllocations is set, i.e. when no process remains.
func (p *Pool) cleanPool(sp *sharedPool, clearAllocations bool) error {
	var errs error
	sp.lockBuffers()
	sp.lockSizes()
	for i := range sp.hdr.buckets {
		b := &sp.hdr.buckets[i]
		if b.size == 0 {
			continue
		}
		var prev *sharedRec
		off := b.head
		for off != 0 {
			rec := sp.rec(shm.Handle(off))
			next := rec.nextFree
			if rec.originPid == p.pid {
				errs = multierr.Append(errs, p.dev.Free(rec.gpuHandle))
				if prev == nil {
					b.head = next
				} else {
					prev.nextFree = next
				}
				sp.unregisterLocked(shm.Handle(off))
				p.seg.Free(shm.Handle(off))
			} else {
				prev = rec
			}
			off = next
		}
	}
	for i := range sp.hdr.buckets {
		sp.hdr.buckets[i] = bucket{}
	}
	if clearAllocations {
		off := sp.hdr.allHead
		for off != 0 {
			rec := sp.rec(shm.Handle(off))
			next := rec.nextAll
			if rec.originPid == p.pid && rec.gpuHandle != 0 {
				errs = multierr.Append(errs, p.dev.Free(rec.gpuHandle))
			}
			sp.hdr.allocated -= rec.size
			p.seg.Free(shm.Handle(off))
			off = next
		}
		sp.hdr.allHead = 0
		sp.hdr.allocated = 0
	}
	sp.sizesMutex().Unlock()
	sp.buffersMutex().Unlock()
	return errs
}
