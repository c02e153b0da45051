package shm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFreeReuse(t *testing.T) {
	s, err := OpenAnon(64 << 10)
	require.NoError(t, err)

	a, err := s.Alloc(128)
	require.NoError(t, err)
	require.NotZero(t, a)

	b, err := s.Alloc(128)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	s.Free(a)
	c, err := s.Alloc(128)
	require.NoError(t, err)
	assert.Equal(t, a, c, "freed block should be reused first-fit")
}

func TestAllocExhaustion(t *testing.T) {
	s, err := OpenAnon(int(headerSize) + 1024)
	require.NoError(t, err)

	_, err = s.Alloc(256)
	require.NoError(t, err)
	_, err = s.Alloc(1 << 20)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestAllocSplit(t *testing.T) {
	s, err := OpenAnon(64 << 10)
	require.NoError(t, err)

	big, err := s.Alloc(1024)
	require.NoError(t, err)
	s.Free(big)

	small, err := s.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, big, small, "small alloc should split the freed block")

	rest, err := s.Alloc(512)
	require.NoError(t, err)
	assert.NotEqual(t, small, rest)
}

func TestBytesRoundTrip(t *testing.T) {
	s, err := OpenAnon(64 << 10)
	require.NoError(t, err)

	h, err := s.Alloc(16)
	require.NoError(t, err)
	copy(s.Bytes(h, 16), "hello shared mem")
	assert.Equal(t, "hello shared mem", string(s.Bytes(h, 16)))
	assert.Equal(t, h, s.HandleOf(s.Ptr(h)))
}

func TestFindOrCreate(t *testing.T) {
	s, err := OpenAnon(64 << 10)
	require.NoError(t, err)

	h1, created, err := s.FindOrCreate("Auditor", 256)
	require.NoError(t, err)
	assert.True(t, created)
	for _, b := range s.Bytes(h1, 256) {
		require.Zero(t, b, "created object must be zeroed")
	}

	h2, created, err := s.FindOrCreate("Auditor", 256)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, h1, h2)

	require.NoError(t, s.Destroy("Auditor"))
	assert.ErrorIs(t, s.Destroy("Auditor"), ErrNotFound)

	_, created, err = s.FindOrCreate("Auditor", 256)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestFindOrCreateBadName(t *testing.T) {
	s, err := OpenAnon(64 << 10)
	require.NoError(t, err)
	_, _, err = s.FindOrCreate("", 64)
	assert.Error(t, err)
}

func TestMutexExcludes(t *testing.T) {
	var word uint64
	m := NewMutex(&word)
	require.NoError(t, m.Lock())
	assert.False(t, m.TryLock())
	m.Unlock()
	assert.True(t, m.TryLock())
	m.Unlock()
}

func TestMutexStealsFromDeadOwner(t *testing.T) {
	prev := PidAlive
	defer func() { PidAlive = prev }()
	const deadPid = 4000000 // beyond default pid_max
	PidAlive = func(pid int) bool { return pid != deadPid }

	word := uint64(deadPid)
	m := NewMutex(&word)

	done := make(chan error, 1)
	go func() { done <- m.Lock() }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrOwnerDied)
	case <-time.After(5 * time.Second):
		t.Fatal("lock not reclaimed from dead owner")
	}
	m.Unlock()
}
