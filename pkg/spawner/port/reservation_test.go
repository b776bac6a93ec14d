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
	"testing"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"

	"github.com/swanhub/sessiond/pkg/spawner/serrors"
)

type fakeConnectionTable struct {
	busyPorts []uint32
}

func (t *fakeConnectionTable) Connections() ([]gnet.ConnectionStat, error) {
	conns := []gnet.ConnectionStat{}
	for _, p := range t.busyPorts {
		conns = append(conns, gnet.ConnectionStat{Laddr: gnet.Addr{IP: "0.0.0.0", Port: p}})
	}
	return conns, nil
}

func TestReserveSingleValueRange(t *testing.T) {
	service := NewReservationService(nil)
	port, err := service.Reserve(25001, 25001, 10)
	if err != nil {
		assert.True(t, serrors.IsKind(err, serrors.KindPortAllocation))
		return
	}
	assert.Equal(t, 25001, port)
}

func TestReserveStaysInsideRange(t *testing.T) {
	service := NewReservationService(nil)
	for i := 0; i < 20; i++ {
		port, err := service.Reserve(25100, 25110, 10)
		if err != nil {
			assert.True(t, serrors.IsKind(err, serrors.KindPortAllocation))
			continue
		}
		assert.GreaterOrEqual(t, port, 25100)
		assert.LessOrEqual(t, port, 25110)
	}
}

func TestReserveSkipsPortsInConnectionTable(t *testing.T) {
	table := &fakeConnectionTable{}
	for p := uint32(25201); p <= 25209; p++ {
		table.busyPorts = append(table.busyPorts, p)
	}
	service := NewReservationService(table)

	for i := 0; i < 20; i++ {
		port, err := service.Reserve(25201, 25210, 10)
		if err != nil {
			assert.True(t, serrors.IsKind(err, serrors.KindPortAllocation))
			continue
		}
		assert.Equal(t, 25210, port)
	}
}

func TestReserveExhaustsAttemptsOnFullTable(t *testing.T) {
	table := &fakeConnectionTable{busyPorts: []uint32{25301, 25302}}
	service := NewReservationService(table)

	_, err := service.Reserve(25301, 25302, 5)
	assert.Error(t, err)
	assert.True(t, serrors.IsKind(err, serrors.KindPortAllocation))
}

func TestReserveBatchAbortsOnFirstFailure(t *testing.T) {
	table := &fakeConnectionTable{busyPorts: []uint32{25401}}
	service := NewReservationService(table)

	ports, err := service.ReserveBatch(3, 25401, 25401, 3)
	assert.Error(t, err)
	assert.Nil(t, ports)
}

func TestReserveBatchReturnsPortsInCallOrder(t *testing.T) {
	service := NewReservationService(&fakeConnectionTable{})
	ports, err := service.ReserveBatch(3, 25501, 25600, 10)
	assert.NoError(t, err)
	assert.Len(t, ports, 3)
	for _, p := range ports {
		assert.GreaterOrEqual(t, p.Port, 25501)
		assert.LessOrEqual(t, p.Port, 25600)
	}
}

func TestReserveRejectsNonPositiveAttempts(t *testing.T) {
	table := &fakeConnectionTable{}
	service := NewReservationService(table)

	for _, maxAttempts := range []int{0, -1} {
		port, err := service.Reserve(25301, 25310, maxAttempts)
		assert.Zero(t, port)
		assert.True(t, serrors.IsKind(err, serrors.KindPortAllocation))
	}
}
