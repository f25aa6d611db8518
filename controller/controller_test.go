package controller

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFunnelElectsExactlyOneStart(t *testing.T) {
	f := NewFunnel()
	var starts int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch f.GetStatus() {
			case FunnelStart:
				atomic.AddInt32(&starts, 1)
				time.Sleep(5 * time.Millisecond)
				f.NotifySuccess()
			case FunnelProgress:
				f.Wait(1000)
			case FunnelEnd:
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, starts)
	require.Equal(t, FunnelEnd, f.GetStatus())
}

func TestFunnelAbdicationAllowsRetry(t *testing.T) {
	f := NewFunnel()
	require.Equal(t, FunnelStart, f.GetStatus())
	f.NotifyFail()
	require.Equal(t, FunnelStart, f.GetStatus())
}

func TestConditionWaitTimesOutWithoutNotify(t *testing.T) {
	c := NewCondition()
	g := c.Acquire()
	start := time.Now()
	g.Wait(20)
	g.Release()
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestConditionNotifyWakesWaiter(t *testing.T) {
	c := NewCondition()
	woken := make(chan struct{})
	go func() {
		g := c.Acquire()
		g.Wait(2000)
		g.Release()
		close(woken)
	}()
	time.Sleep(10 * time.Millisecond)
	g := c.Acquire()
	g.NotifyOne()
	g.Release()

	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestExecuteAtStartOnce(t *testing.T) {
	c := NewThreadsController(3)
	var calls int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ExecuteAtStart(func() { atomic.AddInt32(&calls, 1) })
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, calls)
}

func TestExecuteAtEndOnce(t *testing.T) {
	c := NewThreadsController(3)
	var calls int32
	for i := 0; i < 3; i++ {
		c.ExecuteAtEnd(func() { atomic.AddInt32(&calls, 1) })
	}
	require.EqualValues(t, 1, calls)
}

func TestRegistryHasOthersIn(t *testing.T) {
	c := NewThreadsController(2)
	c.RegisterThread(0)
	c.RegisterThread(1)
	c.MarkState(0, Running)
	c.MarkState(1, Waiting)
	require.True(t, c.HasThreads(0, Waiting))
	require.False(t, c.HasThreads(1, Waiting))
	c.DeRegisterThread(0)
	require.Equal(t, 1, c.RegisteredCount())
}
