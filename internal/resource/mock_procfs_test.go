// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"math/rand"
	"strings"

	"github.com/stretchr/testify/mock"
)

// MockProcInfo implements procInfo over testify mocks so informer tests can
// script individual processes.
type MockProcInfo struct {
	mock.Mock
}

func (m *MockProcInfo) PID() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockProcInfo) Comm() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *MockProcInfo) Executable() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *MockProcInfo) Cgroups() ([]cGroup, error) {
	args := m.Called()
	return args.Get(0).([]cGroup), args.Error(1)
}

func (m *MockProcInfo) Environ() ([]string, error) {
	args := m.Called()
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockProcInfo) CmdLine() ([]string, error) {
	args := m.Called()
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockProcInfo) CPUStat() (float64, int, error) {
	args := m.Called()
	return args.Get(0).(float64), args.Int(1), args.Error(2)
}

// MockProcReader stubs allProcReader so tests control the process snapshot.
type MockProcReader struct {
	mock.Mock
}

func (m *MockProcReader) AllProcs() ([]procInfo, error) {
	args := m.Called()
	return args.Get(0).([]procInfo), args.Error(1)
}

func (m *MockProcReader) CPUUsageRatio() (float64, error) {
	args := m.Called()
	return args.Get(0).(float64), args.Error(1)
}

const hexDigits = "0123456789abcdef"

// randomContainerID returns a fresh 64-char hex ID like the ones container
// runtimes embed in cgroup paths.
func randomContainerID() string {
	var sb strings.Builder
	sb.Grow(64)
	for i := 0; i < 64; i++ {
		sb.WriteByte(hexDigits[rand.Intn(len(hexDigits))])
	}
	return sb.String()
}

// mockContainerIDAndPath fabricates a container ID and a cgroup path shaped
// the way the given runtime writes it.
func mockContainerIDAndPath(rt ContainerRuntime) (string, string) {
	id := randomContainerID()
	switch rt {
	case DockerRuntime:
		return id, "/docker/" + id
	case ContainerDRuntime:
		return id, "/containerd/" + id
	case CrioRuntime:
		return id, "/crio-" + id
	case PodmanRuntime:
		return id, "0::/machine.slice/libpod-" + id + ".scope"
	case KubePodsRuntime:
		return id, "/kubepods/besteffort/pod0043435f-1854/" + id
	default:
		panic("unknown container runtime: " + string(rt))
	}
}
