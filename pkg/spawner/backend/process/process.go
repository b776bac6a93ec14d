/*
Copyright 2022.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package process runs sessions as host local child processes. It is the
// built in backend of the sessiond daemon, container backends plug in behind
// the same interface.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/swanhub/sessiond/pkg/spawner/types"
)

type sessionProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	// exitCode is valid once done is closed
	exitCode int
}

// Backend launches one child process per session and tracks its exit. It
// implements backend.Backend but not backend.PortBindingCapable, reserved
// cluster ports are exported to the child through the environment only.
type Backend struct {
	mu       sync.Mutex
	command  []string
	sessions map[string]*sessionProcess
}

func NewBackend(command []string) *Backend {
	return &Backend{
		command:  command,
		sessions: map[string]*sessionProcess{},
	}
}

func (b *Backend) Start(ctx context.Context, req *types.SessionRequest, spec *types.LaunchSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := types.UniqueSessionName(req)
	if _, found := b.sessions[name]; found {
		return errors.Errorf("session %s is already running", name)
	}

	cmd := exec.Command(b.command[0], b.command[1:]...)
	cmd.Env = os.Environ()
	for key, value := range spec.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}
	// the child must survive a daemon driven stop of its siblings
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start session process for %s", name)
	}

	proc := &sessionProcess{cmd: cmd, done: make(chan struct{})}
	b.sessions[name] = proc
	go b.reap(name, proc)

	klog.InfoS("Session process started", "session", name, "pid", cmd.Process.Pid)
	return nil
}

func (b *Backend) reap(name string, proc *sessionProcess) {
	err := proc.cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok {
		proc.exitCode = exitErr.ExitCode()
	} else if err != nil {
		klog.ErrorS(err, "Session process wait failed", "session", name)
		proc.exitCode = -1
	}
	close(proc.done)
	klog.InfoS("Session process exited", "session", name, "exitCode", proc.exitCode)
}

// Stop terminates the session process group. Stopping an unknown or already
// exited session is not an error.
func (b *Backend) Stop(ctx context.Context, req *types.SessionRequest) error {
	b.mu.Lock()
	proc, found := b.sessions[types.UniqueSessionName(req)]
	b.mu.Unlock()
	if !found {
		return nil
	}

	select {
	case <-proc.done:
		return nil
	default:
	}

	if err := syscall.Kill(-proc.cmd.Process.Pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return errors.Wrapf(err, "failed to signal session %s", types.UniqueSessionName(req))
	}
	<-proc.done
	return nil
}

// Poll reports "" while the process runs and "ExitCode=<n>" after it exits.
func (b *Backend) Poll(ctx context.Context, req *types.SessionRequest) (string, error) {
	b.mu.Lock()
	proc, found := b.sessions[types.UniqueSessionName(req)]
	b.mu.Unlock()
	if !found {
		return "", nil
	}

	select {
	case <-proc.done:
		return fmt.Sprintf("ExitCode=%d", proc.exitCode), nil
	default:
		return "", nil
	}
}
