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

package backend

import (
	"context"
	"sync"

	"github.com/swanhub/sessiond/pkg/spawner/types"
)

var _ Backend = &FakeBackend{}
var _ PortBindingCapable = &FakePortBindingBackend{}

// FakeBackend records delegated calls, it stands in for a kubernetes style
// backend without port binding configuration.
type FakeBackend struct {
	mu sync.Mutex

	StartCalls int
	StopCalls  int
	PollCalls  int
	LastSpec   *types.LaunchSpec
	StartError error
	PollStatus string
	PollError  error
}

func (b *FakeBackend) Start(ctx context.Context, req *types.SessionRequest, spec *types.LaunchSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.StartCalls += 1
	b.LastSpec = spec
	return b.StartError
}

func (b *FakeBackend) Stop(ctx context.Context, req *types.SessionRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.StopCalls += 1
	return nil
}

func (b *FakeBackend) Poll(ctx context.Context, req *types.SessionRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PollCalls += 1
	return b.PollStatus, b.PollError
}

// FakePortBindingBackend stands in for a docker style backend, it tracks the
// host port binding map the composer mutates.
type FakePortBindingBackend struct {
	FakeBackend

	Bindings    map[int]int
	ClearCalls  int
	InternalIP  bool
	PrimaryPort int
}

func NewFakePortBindingBackend(primaryPort int) *FakePortBindingBackend {
	return &FakePortBindingBackend{
		Bindings:    map[int]int{},
		PrimaryPort: primaryPort,
	}
}

func (b *FakePortBindingBackend) ClearPortBindings() {
	b.ClearCalls += 1
	b.Bindings = map[int]int{}
}

func (b *FakePortBindingBackend) AddPortBinding(containerPort, hostPort int) {
	b.Bindings[containerPort] = hostPort
}

func (b *FakePortBindingBackend) UseInternalAddressing() bool {
	return b.InternalIP
}

func (b *FakePortBindingBackend) SessionPort() int {
	return b.PrimaryPort
}
