package hybridpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yireyun/go-hybridpool/shm"
)

const (
	testCPUBudget = 1 << 20 // 1 MiB
	testGPUBudget = 16 << 20
	pid1          = uint64(1101)
	pid2          = uint64(2202)
)

// aliveSet fakes process liveness so tests can attach multiple logical
// "processes" with synthetic PIDs and kill them at will.
type aliveSet struct {
	mu   sync.Mutex
	dead map[uint64]bool
}

func fakeAlive(t *testing.T) *aliveSet {
	t.Helper()
	as := &aliveSet{dead: make(map[uint64]bool)}
	prev := pidAlive
	pidAlive = func(pid uint64) bool {
		as.mu.Lock()
		defer as.mu.Unlock()
		return !as.dead[pid]
	}
	t.Cleanup(func() { pidAlive = prev })
	return as
}

func (a *aliveSet) kill(pid uint64) {
	a.mu.Lock()
	a.dead[pid] = true
	a.mu.Unlock()
}

func testSegment(t *testing.T) *shm.Segment {
	t.Helper()
	seg, err := shm.OpenAnon(4 << 20)
	require.NoError(t, err)
	return seg
}

func attach(t *testing.T, seg *shm.Segment, pid uint64, mut ...func(*Config)) *Pool {
	t.Helper()
	cfg := Config{
		Segment:   seg,
		CPUBudget: testCPUBudget,
		GPUBudget: testGPUBudget,
	}
	for _, m := range mut {
		m(&cfg)
	}
	p, err := newPool(cfg, pid)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// S1: recycling keeps accounting flat and the free list LIFO.
func TestRecycleSameSize(t *testing.T) {
	fakeAlive(t)
	p := attach(t, testSegment(t), pid1)

	a := p.RequestSHM(4096)
	b := p.RequestSHM(4096)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.EqualValues(t, 8192, p.cpu.allocatedBytes())

	a.Release()
	b.Release()
	assert.EqualValues(t, 8192, p.cpu.allocatedBytes(),
		"reclaim must not refund the budget")
	assert.Equal(t, 2, p.cpu.freeListLen(4096))

	c := p.RequestSHM(4096)
	require.NotNil(t, c)
	assert.Equal(t, 1, p.cpu.freeListLen(4096))
	assert.EqualValues(t, 8192, p.cpu.allocatedBytes(),
		"pool hit must not consume new segment memory")
	c.Release()
}

// S2: budget rejection and local fallback.
func TestBudgetRejection(t *testing.T) {
	fakeAlive(t)
	p := attach(t, testSegment(t), pid1, func(c *Config) { c.CPUBudget = 1024 })

	a := p.RequestSHM(512)
	require.NotNil(t, a, "first 512 fits under cap 921")
	assert.Nil(t, p.RequestSHM(512), "second 512 exceeds cap")

	fb := p.GetBuffer("s", 512)
	require.NotNil(t, fb)
	assert.Equal(t, 512, fb.Len())
	assert.Nil(t, p.Convert(fb), "fallback buffer has no shared wrapper")
	fb.Release()
	a.Release()
}

// Budget boundary: sums below the cap succeed, the next byte fails.
func TestBudgetBoundary(t *testing.T) {
	fakeAlive(t)
	p := attach(t, testSegment(t), pid1, func(c *Config) { c.CPUBudget = 1024 })
	// cap = floor(1024 * 0.9) = 921
	a := p.RequestSHM(460)
	b := p.RequestSHM(460)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.EqualValues(t, 920, p.cpu.allocatedBytes())
	assert.Nil(t, p.RequestSHM(1), "920+1 is not under the cap")
	a.Release()
	b.Release()
}

// S3: stream gating.
func TestStreamGating(t *testing.T) {
	fakeAlive(t)
	p := attach(t, testSegment(t), pid1)

	p.ActivateStream("A", false)
	b := p.GetBuffer("A", 256)
	require.NotNil(t, b)
	assert.Nil(t, p.Convert(b), "gated stream must not touch the shared pool")
	b.Release()

	p.ActivateStream("A", true)
	b = p.GetBuffer("A", 256)
	require.NotNil(t, b)
	assert.NotNil(t, p.Convert(b))
	b.Release()

	// Unknown streams default to shared.
	b = p.GetBuffer("never-seen", 256)
	require.NotNil(t, b)
	assert.NotNil(t, p.Convert(b))
	b.Release()
}

func TestActivateStreamIdempotent(t *testing.T) {
	fakeAlive(t)
	p := attach(t, testSegment(t), pid1)
	p.ActivateStream("A", false)
	p.ActivateStream("A", false)
	assert.False(t, p.streamShared("A"))
	p.ActivateStream("A", true)
	p.ActivateStream("A", true)
	assert.True(t, p.streamShared("A"))
}

// S6: LIFO recycling returns the same memory.
func TestLIFOLocality(t *testing.T) {
	fakeAlive(t)
	p := attach(t, testSegment(t), pid1)

	a := p.RequestSHM(1024)
	require.NotNil(t, a)
	base := &a.Bytes()[0]
	a.Release()

	b := p.RequestSHM(1024)
	require.NotNil(t, b)
	assert.Same(t, base, &b.Bytes()[0])
	b.Release()
}

func TestConvertLifecycle(t *testing.T) {
	fakeAlive(t)
	p := attach(t, testSegment(t), pid1)

	a := p.RequestSHM(2048)
	require.NotNil(t, a)
	ref := p.Convert(a)
	require.NotNil(t, ref)
	assert.True(t, p.IsFromPool(a))
	assert.EqualValues(t, 2048, ref.Size())
	a.Release()

	// Same offset, next request: a fresh wrapper.
	b := p.RequestSHM(2048)
	require.NotNil(t, b)
	ref2 := p.Convert(b)
	require.NotNil(t, ref2)
	assert.NotSame(t, ref, ref2)
	b.Release()
}

func TestGetBufferDirect(t *testing.T) {
	fakeAlive(t)
	p := attach(t, testSegment(t), pid1)

	ref := p.GetBufferDirect(4096)
	require.NotNil(t, ref)
	assert.EqualValues(t, 4096, ref.Size())
	assert.Equal(t, 0, p.cpu.freeListLen(4096))

	ref.Release()
	assert.Equal(t, 1, p.cpu.freeListLen(4096))
	ref.Release() // idempotent
	assert.Equal(t, 1, p.cpu.freeListLen(4096))
}

func TestCreateLocalAcrossProcesses(t *testing.T) {
	fakeAlive(t)
	seg := testSegment(t)
	p1 := attach(t, seg, pid1)
	p2 := attach(t, seg, pid2)

	a := p1.RequestSHM(1024)
	require.NotNil(t, a)
	copy(a.Bytes(), "cross-process payload")
	tok := p1.Convert(a).Token()

	ref := p2.Import(tok)
	require.NotNil(t, ref)
	b := p2.CreateLocal(ref)
	require.NotNil(t, b)
	assert.Equal(t, "cross-process payload", string(b.Bytes()[:21]))
	assert.Equal(t, tok, p2.Convert(b).Token(),
		"createLocal(convert(b)) must convert back to the same record")
	ref.Release()

	// Both processes drop; only then is the buffer recyclable.
	a.Release()
	assert.Equal(t, 0, p1.cpu.freeListLen(1024))
	b.Release()
	assert.Equal(t, 1, p1.cpu.freeListLen(1024))
}

func TestCreateLocalAlreadyHeld(t *testing.T) {
	fakeAlive(t)
	p := attach(t, testSegment(t), pid1)
	a := p.RequestSHM(512)
	require.NotNil(t, a)
	assert.Nil(t, p.CreateLocal(p.Convert(a)))
	a.Release()
}

// First attach of a second process observes existing pool state.
func TestSecondAttachSeesState(t *testing.T) {
	fakeAlive(t)
	seg := testSegment(t)
	p1 := attach(t, seg, pid1)

	a := p1.RequestSHM(4096)
	require.NotNil(t, a)
	a.Release()
	require.Equal(t, 1, p1.cpu.freeListLen(4096))

	p2 := attach(t, seg, pid2)
	assert.EqualValues(t, 4096, p2.cpu.allocatedBytes())

	b := p2.RequestSHM(4096)
	require.NotNil(t, b)
	assert.Equal(t, 0, p2.cpu.freeListLen(4096), "second process pops the shared free list")
	assert.EqualValues(t, 4096, p2.cpu.allocatedBytes())
	b.Release()
}

// Invariant: allocated always equals the sum over the registry.
func TestAllocatedMatchesRegistry(t *testing.T) {
	fakeAlive(t)
	p := attach(t, testSegment(t), pid1)

	var bufs []*CpuBuffer
	for _, n := range []int{64, 4096, 64, 512, 4096} {
		b := p.RequestSHM(n)
		require.NotNil(t, b)
		bufs = append(bufs, b)
	}
	assert.Equal(t, p.cpu.registrySum(), p.cpu.allocatedBytes())
	for _, b := range bufs[:3] {
		b.Release()
	}
	assert.Equal(t, p.cpu.registrySum(), p.cpu.allocatedBytes())
	for _, b := range bufs[3:] {
		b.Release()
	}
	assert.Equal(t, p.cpu.registrySum(), p.cpu.allocatedBytes())
}

// Last detach tears the CPU pool down completely.
func TestLastDetachDrainsPool(t *testing.T) {
	fakeAlive(t)
	seg := testSegment(t)
	p := attach(t, seg, pid1)

	a := p.RequestSHM(4096)
	require.NotNil(t, a)
	a.Release()
	require.NoError(t, p.Close())

	assert.EqualValues(t, 0, p.cpu.allocatedBytes())
	assert.Equal(t, 0, p.cpu.freeListTotal())
	assert.True(t, p.aud.isInvalid(), "last detach condemns the segment")
}

func TestForceCleanDetach(t *testing.T) {
	fakeAlive(t)
	seg := testSegment(t)
	p1 := attach(t, seg, pid1)
	p2 := attach(t, seg, pid2, func(c *Config) { c.ForceClean = true })

	require.NoError(t, p2.Close())
	assert.Equal(t, 0, p1.aud.processCount(), "force-clean removes every record")
}

func TestRequestInvalidSizes(t *testing.T) {
	fakeAlive(t)
	p := attach(t, testSegment(t), pid1)
	assert.Nil(t, p.RequestSHM(0))
	assert.Nil(t, p.RequestSHM(-5))
	assert.Nil(t, p.GetBuffer("s", 0))
}

func TestNukeDestroysNamedObjects(t *testing.T) {
	fakeAlive(t)
	seg := testSegment(t)
	p := attach(t, seg, pid1)
	p.aud.invalidate()
	require.NoError(t, p.Close())

	require.NoError(t, Nuke(seg))
	// All four named objects are gone; a fresh attach recreates them.
	_, created, err := seg.FindOrCreate(AuditorName, auditorSharedSize)
	require.NoError(t, err)
	assert.True(t, created)
}
