// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

func TestInformerRefresh(t *testing.T) {
	t.Run("Basic functionality", func(t *testing.T) {
		mockProc := &MockProcInfo{}
		mockProc.On("PID").Return(12345)
		mockProc.On("Comm").Return("test-process", nil)
		mockProc.On("Executable").Return("/usr/bin/test", nil)
		mockProc.On("Cgroups").Return([]cGroup{{Path: "/system.slice/test.service"}}, nil)
		mockProc.On("Environ").Return([]string{}, nil).Maybe()
		mockProc.On("CmdLine").Return([]string{"/bin/bash"}, nil)
		mockProc.On("CPUStat").Return(10.5, 2, nil).Once()

		mockProcFS := &MockProcReader{}
		fakeClock := testclock.NewFakeClock(time.Now())

		informer, err := NewInformer(
			WithProcReader(mockProcFS),
			WithClock(fakeClock),
		)
		require.NoError(t, err)

		mockProcFS.On("AllProcs").Return([]procInfo{mockProc}, nil).Once()
		require.NoError(t, informer.Init())

		mockProcFS.On("AllProcs").Return([]procInfo{mockProc}, nil).Once()
		mockProcFS.On("CPUUsageRatio").Return(0.25, nil).Once()
		require.NoError(t, informer.Refresh())

		workloads := informer.Workloads()
		require.Len(t, workloads.Processes, 1)
		p := workloads.Processes[12345]
		assert.Equal(t, "test-process", p.Comm)
		assert.Equal(t, 10.5, p.CPUTotalTime)
		assert.Equal(t, 10.5, p.CPUTimeDelta, "first sighting counts the full total")
		assert.Equal(t, 2, p.CPU)
		assert.Empty(t, workloads.Containers)
		assert.Empty(t, workloads.VMs)

		node := informer.Node()
		assert.Equal(t, 0.25, node.CPUUsageRatio)
		assert.Equal(t, 10.5, node.ProcessTotalCPUTimeDelta)

		// Second refresh: increased CPU time, moved to another CPU.
		mockProc.On("CPUStat").Return(15.0, 5, nil).Once()
		mockProcFS.On("AllProcs").Return([]procInfo{mockProc}, nil).Once()
		mockProcFS.On("CPUUsageRatio").Return(0.35, nil).Once()
		require.NoError(t, informer.Refresh())

		p = informer.Workloads().Processes[12345]
		assert.Equal(t, 15.0, p.CPUTotalTime)
		assert.Equal(t, 4.5, p.CPUTimeDelta)
		assert.Equal(t, 5, p.CPU)
		assert.Equal(t, 4.5, informer.Node().ProcessTotalCPUTimeDelta)

		mockProcFS.AssertExpectations(t)
		mockProc.AssertExpectations(t)
	})

	t.Run("Process termination drops cache entry", func(t *testing.T) {
		mockProc1 := &MockProcInfo{}
		mockProc1.On("PID").Return(1001)
		mockProc1.On("Comm").Return("process-1", nil)
		mockProc1.On("Executable").Return("/bin/process1", nil)
		mockProc1.On("Cgroups").Return([]cGroup{{Path: "/system.slice/p1.service"}}, nil)
		mockProc1.On("Environ").Return([]string{}, nil).Maybe()
		mockProc1.On("CmdLine").Return([]string{"/bin/process1"}, nil).Maybe()
		mockProc1.On("CPUStat").Return(5.0, 0, nil).Once()

		mockProc2 := &MockProcInfo{}
		mockProc2.On("PID").Return(1002)
		mockProc2.On("Comm").Return("process-2", nil)
		mockProc2.On("Executable").Return("/bin/process2", nil)
		mockProc2.On("Cgroups").Return([]cGroup{{Path: "/system.slice/p2.service"}}, nil)
		mockProc2.On("Environ").Return([]string{}, nil).Maybe()
		mockProc2.On("CmdLine").Return([]string{"/bin/process2"}, nil).Maybe()
		mockProc2.On("CPUStat").Return(10.0, 1, nil).Once()

		mockProcFS := &MockProcReader{}
		informer, err := NewInformer(WithProcReader(mockProcFS))
		require.NoError(t, err)

		mockProcFS.On("AllProcs").Return([]procInfo{mockProc1, mockProc2}, nil).Once()
		require.NoError(t, informer.Init())

		mockProcFS.On("AllProcs").Return([]procInfo{mockProc1, mockProc2}, nil).Once()
		mockProcFS.On("CPUUsageRatio").Return(0.1, nil).Once()
		require.NoError(t, informer.Refresh())

		assert.Len(t, informer.Workloads().Processes, 2)
		assert.Equal(t, 15.0, informer.Node().ProcessTotalCPUTimeDelta)

		// process 2 exits before the second refresh
		mockProc1.On("CPUStat").Return(7.5, 0, nil).Once()
		mockProcFS.On("AllProcs").Return([]procInfo{mockProc1}, nil).Once()
		mockProcFS.On("CPUUsageRatio").Return(0.15, nil).Once()
		require.NoError(t, informer.Refresh())

		workloads := informer.Workloads()
		assert.Len(t, workloads.Processes, 1)
		assert.Contains(t, workloads.Processes, 1001)
		assert.NotContains(t, workloads.Processes, 1002)
		assert.Equal(t, 2.5, informer.Node().ProcessTotalCPUTimeDelta, "only running processes count")

		mockProcFS.AssertExpectations(t)
		mockProc1.AssertExpectations(t)
		mockProc2.AssertExpectations(t)
	})

	t.Run("Container rollup sums member processes", func(t *testing.T) {
		ctnrID, cgPath := mockContainerIDAndPath(PodmanRuntime)

		newMember := func(pid int, seconds float64, cpu int) *MockProcInfo {
			m := &MockProcInfo{}
			m.On("PID").Return(pid)
			m.On("Comm").Return("container-app", nil)
			m.On("Executable").Return("/bin/container-app", nil)
			m.On("Cgroups").Return([]cGroup{{Path: cgPath}}, nil)
			m.On("Environ").Return([]string{"CONTAINER_NAME=test-container"}, nil)
			m.On("CmdLine").Return([]string{"/bin/container-app"}, nil).Maybe()
			m.On("CPUStat").Return(seconds, cpu, nil).Once()
			return m
		}
		proc1 := newMember(2001, 3.0, 1)
		proc2 := newMember(2002, 2.0, 4)

		mockProcFS := &MockProcReader{}
		informer, err := NewInformer(WithProcReader(mockProcFS))
		require.NoError(t, err)

		mockProcFS.On("AllProcs").Return([]procInfo{proc1, proc2}, nil).Once()
		require.NoError(t, informer.Init())

		mockProcFS.On("AllProcs").Return([]procInfo{proc1, proc2}, nil).Once()
		mockProcFS.On("CPUUsageRatio").Return(0.3, nil).Once()
		require.NoError(t, informer.Refresh())

		workloads := informer.Workloads()
		require.Len(t, workloads.Containers, 1)
		c := workloads.Containers[ctnrID]
		require.NotNil(t, c)
		assert.Equal(t, "test-container", c.Name)
		assert.Equal(t, PodmanRuntime, c.Runtime)
		assert.Equal(t, 5.0, c.CPUTimeDelta, "sum of both members")
		assert.ElementsMatch(t, []int{1, 4}, c.CPUs)

		// Next refresh: only one member consumed CPU, on a new CPU. The
		// interval state starts over instead of accumulating forever.
		proc1.On("CPUStat").Return(4.0, 3, nil).Once()
		proc2.On("CPUStat").Return(2.0, 4, nil).Once()
		mockProcFS.On("AllProcs").Return([]procInfo{proc1, proc2}, nil).Once()
		mockProcFS.On("CPUUsageRatio").Return(0.2, nil).Once()
		require.NoError(t, informer.Refresh())

		c = informer.Workloads().Containers[ctnrID]
		assert.Equal(t, 1.0, c.CPUTimeDelta)
		assert.ElementsMatch(t, []int{3, 4}, c.CPUs)
		assert.Equal(t, 6.0, c.CPUTotalTime, "totals accumulate across refreshes")

		mockProcFS.AssertExpectations(t)
	})

	t.Run("VM rollup tracks the hypervisor process", func(t *testing.T) {
		vmUUID := "550e8400-e29b-41d4-a716-446655440000"
		mockProc := &MockProcInfo{}
		mockProc.On("PID").Return(3001)
		mockProc.On("Comm").Return("qemu-system-x86_64", nil)
		mockProc.On("Executable").Return("/usr/bin/qemu-system-x86_64", nil)
		mockProc.On("Cgroups").Return([]cGroup{{Path: "/system.slice/libvirt.service"}}, nil)
		mockProc.On("Environ").Return([]string{}, nil).Maybe()
		mockProc.On("CmdLine").Return([]string{
			"/usr/bin/qemu-system-x86_64",
			"-name", "guest=test-vm",
			"-uuid", vmUUID,
		}, nil)
		mockProc.On("CPUStat").Return(2.0, 6, nil).Once()

		mockProcFS := &MockProcReader{}
		informer, err := NewInformer(WithProcReader(mockProcFS))
		require.NoError(t, err)

		mockProcFS.On("AllProcs").Return([]procInfo{mockProc}, nil).Once()
		require.NoError(t, informer.Init())

		mockProcFS.On("AllProcs").Return([]procInfo{mockProc}, nil).Once()
		mockProcFS.On("CPUUsageRatio").Return(0.1, nil).Once()
		require.NoError(t, informer.Refresh())

		workloads := informer.Workloads()
		require.Len(t, workloads.VMs, 1)
		vm := workloads.VMs[vmUUID]
		require.NotNil(t, vm)
		assert.Equal(t, "test-vm", vm.Name)
		assert.Equal(t, 2.0, vm.CPUTimeDelta)
		assert.Equal(t, []int{6}, vm.CPUs)

		// VM gone on the next refresh.
		mockProcFS.On("AllProcs").Return([]procInfo{}, nil).Once()
		mockProcFS.On("CPUUsageRatio").Return(0.0, nil).Once()
		require.NoError(t, informer.Refresh())
		assert.Empty(t, informer.Workloads().VMs)

		mockProcFS.AssertExpectations(t)
		mockProc.AssertExpectations(t)
	})

	t.Run("Negligible delta skips identity re-read", func(t *testing.T) {
		mockProc := &MockProcInfo{}
		mockProc.On("PID").Return(1001)
		mockProc.On("Comm").Return("steady-process", nil).Once()
		mockProc.On("Executable").Return("/bin/steady", nil).Once()
		mockProc.On("Cgroups").Return([]cGroup{{Path: "/system.slice/steady.service"}}, nil).Once()
		mockProc.On("Environ").Return([]string{}, nil).Maybe()
		mockProc.On("CmdLine").Return([]string{"/bin/steady"}, nil).Once()
		mockProc.On("CPUStat").Return(5.0, 0, nil).Once()

		mockProcFS := &MockProcReader{}
		informer, err := NewInformer(WithProcReader(mockProcFS))
		require.NoError(t, err)

		mockProcFS.On("AllProcs").Return([]procInfo{mockProc}, nil).Once()
		require.NoError(t, informer.Init())

		mockProcFS.On("AllProcs").Return([]procInfo{mockProc}, nil).Once()
		mockProcFS.On("CPUUsageRatio").Return(0.0, nil).Once()
		require.NoError(t, informer.Refresh())

		// Idle process: comm/exe/cgroups must not be read again, which the
		// Once() expectations above enforce.
		mockProc.On("CPUStat").Return(5.0+1e-14, 0, nil).Once()
		mockProcFS.On("AllProcs").Return([]procInfo{mockProc}, nil).Once()
		mockProcFS.On("CPUUsageRatio").Return(0.0, nil).Once()
		require.NoError(t, informer.Refresh())

		p := informer.Workloads().Processes[1001]
		assert.Equal(t, "steady-process", p.Comm)

		mockProcFS.AssertExpectations(t)
		mockProc.AssertExpectations(t)
	})

	t.Run("AllProcs failure", func(t *testing.T) {
		mockProcFS := &MockProcReader{}
		mockProcFS.On("AllProcs").Return([]procInfo{}, nil).Once()
		mockProcFS.On("AllProcs").Return([]procInfo(nil), errors.New("procfs error")).Once()

		informer, err := NewInformer(WithProcReader(mockProcFS))
		require.NoError(t, err)
		require.NoError(t, informer.Init())

		err = informer.Refresh()
		require.Error(t, err)
		assert.ErrorContains(t, err, "failed to get processes")

		mockProcFS.AssertExpectations(t)
	})

	t.Run("CPUUsageRatio failure", func(t *testing.T) {
		mockProcFS := &MockProcReader{}
		mockProcFS.On("AllProcs").Return([]procInfo{}, nil).Twice()
		mockProcFS.On("CPUUsageRatio").Return(0.0, errors.New("cpu stat error")).Once()

		informer, err := NewInformer(WithProcReader(mockProcFS))
		require.NoError(t, err)
		require.NoError(t, informer.Init())

		err = informer.Refresh()
		require.Error(t, err)
		assert.ErrorContains(t, err, "failed to get procfs usage")

		mockProcFS.AssertExpectations(t)
	})
}

func TestInformerCreation(t *testing.T) {
	t.Run("Name", func(t *testing.T) {
		informer, err := NewInformer(WithProcReader(&MockProcReader{}))
		require.NoError(t, err)
		assert.Equal(t, "resource-informer", informer.Name())
	})

	t.Run("No reader configured", func(t *testing.T) {
		_, err := NewInformer()
		require.Error(t, err)
		assert.ErrorContains(t, err, "no procfs reader specified")
	})

	t.Run("Invalid procfs path", func(t *testing.T) {
		_, err := NewInformer(WithProcFSPath("/does/not/exist"))
		require.Error(t, err)
		assert.ErrorContains(t, err, "failed to create procfs reader")
	})
}

func TestInformerInitFailure(t *testing.T) {
	mockProcFS := &MockProcReader{}
	mockProcFS.On("AllProcs").Return([]procInfo(nil), errors.New("procfs access denied"))

	informer, err := NewInformer(WithProcReader(mockProcFS))
	require.NoError(t, err)

	err = informer.Init()
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to access procfs")

	mockProcFS.AssertExpectations(t)
}
