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

package port

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	gnet "github.com/shirou/gopsutil/v3/net"
	"k8s.io/klog/v2"

	"github.com/swanhub/sessiond/pkg/spawner/serrors"
	"github.com/swanhub/sessiond/pkg/spawner/types"
)

// ConnectionTableProvider returns a snapshot of the sockets currently bound
// on this host, TCP and UDP, regardless of owning process.
type ConnectionTableProvider interface {
	Connections() ([]gnet.ConnectionStat, error)
}

var _ ConnectionTableProvider = &osConnectionTable{}

type osConnectionTable struct{}

func (t *osConnectionTable) Connections() ([]gnet.ConnectionStat, error) {
	return gnet.Connections("all")
}

// ReservationService hands out ephemeral ports which are free at return time
// and stay unattractive to concurrent allocators for a short window. A
// completed connect/accept/close cycle leaves the port in TIME_WAIT, other
// instances of this same algorithm fail their probe connect on it, while the
// eventual container bind with address reuse still succeeds.
type ReservationService struct {
	mu    sync.Mutex
	rng   *rand.Rand
	table ConnectionTableProvider
}

func NewReservationService(table ConnectionTableProvider) *ReservationService {
	if table == nil {
		table = &osConnectionTable{}
	}
	return &ReservationService{
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		table: table,
	}
}

// Reserve picks a random free port in [start, end] and moves it into
// TIME_WAIT. Each failed attempt retries with a fresh random port, after
// maxAttempts the reservation fails with a PortAllocationError. Callers
// validate start <= end before invoking.
func (s *ReservationService) Reserve(start, end, maxAttempts int) (int, error) {
	// maxAttempts-1 feeds an unsigned retry budget below
	if maxAttempts < 1 {
		return 0, serrors.New(serrors.KindPortAllocation, "Error while allocating ports for the cluster session. Please try again.")
	}

	var reserved int
	attempt := func() error {
		port, err := s.reserveOnce(start, end)
		if err != nil {
			return err
		}
		reserved = port
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(maxAttempts-1)))
	if err != nil {
		klog.ErrorS(err, "Port reservation attempts exhausted", "start", start, "end", end, "maxAttempts", maxAttempts)
		return 0, serrors.Wrap(serrors.KindPortAllocation, err, "Error while allocating ports for the cluster session. Please try again.")
	}
	return reserved, nil
}

// ReserveBatch reserves count ports in call order. On the first exhausted
// reservation the whole batch aborts, ports already moved into TIME_WAIT are
// not explicitly released, the OS expires that state on its own.
func (s *ReservationService) ReserveBatch(count, start, end, maxAttempts int) ([]types.ReservedPort, error) {
	ports := []types.ReservedPort{}
	for i := 0; i < count; i++ {
		port, err := s.Reserve(start, end, maxAttempts)
		if err != nil {
			return nil, err
		}
		ports = append(ports, types.ReservedPort{Port: port})
	}
	return ports, nil
}

func (s *ReservationService) reserveOnce(start, end int) (int, error) {
	s.mu.Lock()
	port := start + s.rng.Intn(end-start+1)
	s.mu.Unlock()

	conns, err := s.table.Connections()
	if err != nil {
		return 0, err
	}
	for _, conn := range conns {
		if int(conn.Laddr.Port) == port {
			return 0, fmt.Errorf("port %d is in use", port)
		}
	}

	// Go sets SO_REUSEADDR on listening sockets, a later bind of the same
	// port from the container runtime is not blocked by the TIME_WAIT state
	listener, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return 0, err
	}
	defer listener.Close()

	probe, err := net.Dial("tcp4", listener.Addr().String())
	if err != nil {
		return 0, err
	}
	defer probe.Close()

	accepted, err := listener.Accept()
	if err != nil {
		return 0, err
	}
	accepted.Close()

	return port, nil
}
