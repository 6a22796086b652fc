// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var containerPatterns = map[*regexp.Regexp]ContainerRuntime{
	regexp.MustCompile(`/docker[-/]([0-9a-f]{64})`):                     DockerRuntime,
	regexp.MustCompile(`/containerd[-/]([0-9a-f]{64})`):                 ContainerDRuntime,
	regexp.MustCompile(`[:/]cri-containerd[-:]([0-9a-f]{64})`):          ContainerDRuntime,
	regexp.MustCompile(`/crio-([0-9a-f]{64})`):                          CrioRuntime,
	regexp.MustCompile(`libpod-([0-9a-f]{64})`):                         PodmanRuntime,
	regexp.MustCompile(`/libpod-payload-([0-9a-f]+)`):                   PodmanRuntime,
	regexp.MustCompile(`/kubepods/[^/]+/pod[0-9a-f\-]+/([0-9a-f]{64})`): KubePodsRuntime,
}

// containerFromProc reports the container a process runs in, or nil for a
// plain host process.
func containerFromProc(proc procInfo) (*Container, error) {
	cgroups, err := proc.Cgroups()
	if err != nil {
		return nil, fmt.Errorf("failed to get process cgroups: %w", err)
	}
	if len(cgroups) == 0 {
		return nil, nil
	}

	paths := make([]string, len(cgroups))
	for i, cg := range cgroups {
		paths[i] = cg.Path
	}
	runtime, id := containerFromCgroupPaths(paths)
	if id == "" {
		return nil, nil
	}

	c := &Container{ID: id, Runtime: runtime}
	if env, err := proc.Environ(); err == nil {
		c.Name = containerNameFromEnv(env)
	}
	if c.Name == "" {
		if cmdline, err := proc.CmdLine(); err == nil {
			c.Name = containerNameFromCmdline(cmdline)
		}
	}
	return c, nil
}

// containerFromCgroupPaths matches the known runtime patterns against every
// cgroup path and keeps the match that starts deepest in its path. Nested
// setups (a kind cluster inside a docker container, say) put the innermost
// container last, and the innermost one is the one the process belongs to.
func containerFromCgroupPaths(paths []string) (ContainerRuntime, string) {
	runtime, id := UnknownRuntime, ""
	deepest := -1
	for _, path := range paths {
		for pattern, rt := range containerPatterns {
			for _, m := range pattern.FindAllStringSubmatchIndex(path, -1) {
				if len(m) < 4 || m[0] <= deepest {
					continue
				}
				deepest = m[0]
				runtime = rt
				id = path[m[2]:m[3]]
			}
		}
	}
	return runtime, id
}

func containerNameFromEnv(env []string) string {
	for _, e := range env {
		key, value, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		switch key {
		case "HOSTNAME", "CONTAINER_NAME":
			return value
		}
	}
	return ""
}

// containerNameFromCmdline pulls the container name out of a runtime
// invocation: the --name flag, or the fixed argument position containerd
// shims use.
func containerNameFromCmdline(cmdline []string) string {
	if len(cmdline) <= 1 {
		return ""
	}
	exe := filepath.Base(cmdline[0])
	for i, arg := range cmdline {
		if i > 0 {
			if name, ok := strings.CutPrefix(arg, "--name="); ok {
				return name
			}
			if arg == "--name" && i+1 < len(cmdline) {
				return cmdline[i+1]
			}
		}
		if (exe == "containerd-shim" || exe == "docker-containerd-shim") && i == 3 {
			return arg
		}
	}
	return ""
}
