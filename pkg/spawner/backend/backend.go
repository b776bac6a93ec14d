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

// Package backend declares the contract towards the external orchestration
// system which actually schedules and runs the session container. The
// orchestration core never inspects a concrete backend, it is typed by
// capability: every backend can start, stop and poll, some additionally
// expose host level port binding configuration.
package backend

import (
	"context"

	"github.com/swanhub/sessiond/pkg/spawner/types"
)

// Backend is the minimal launch primitive set every orchestration backend
// provides. Start consumes the composed LaunchSpec and owns it afterwards.
// Poll returns an empty status while the session process is running and a
// non empty exit status once it has exited.
type Backend interface {
	Start(ctx context.Context, req *types.SessionRequest, spec *types.LaunchSpec) error
	Stop(ctx context.Context, req *types.SessionRequest) error
	Poll(ctx context.Context, req *types.SessionRequest) (string, error)
}

// PortBindingCapable is implemented by backends whose runtime exposes host
// level port binding configuration, docker style. Such backends also take
// their cpu limit in the cgroup cfs period/quota encoding instead of a plain
// cpu count.
type PortBindingCapable interface {
	Backend
	// ClearPortBindings drops binding state left over from a prior attempt
	ClearPortBindings()
	// AddPortBinding maps a container port to a host port
	AddPortBinding(containerPort, hostPort int)
	// UseInternalAddressing reports whether the session is reached over the
	// container network, in which case the primary session port needs no
	// host binding
	UseInternalAddressing() bool
	// SessionPort is the primary port the session process listens on
	SessionPort() int
}
