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

// Package metrics ships session selection and lifecycle outcome samples to a
// graphite collector over its pickle batch port. Emission is best effort,
// nothing in this package ever fails the provisioning path.
package metrics

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	ogórek "github.com/kisielk/og-rek"
	"k8s.io/klog/v2"

	"github.com/swanhub/sessiond/pkg/spawner/config"
	"github.com/swanhub/sessiond/pkg/spawner/serrors"
	"github.com/swanhub/sessiond/pkg/spawner/types"
)

const (
	categorySpawnForm      = "spawn_form"
	categorySpawnException = "spawn_exception"
	categoryContainerExit  = "container_exit_code"

	// form field names are part of the historical metric paths
	formFieldRelease  = "LCG-rel"
	formFieldPlatform = "platform"
	formFieldScript   = "scriptenv"
	formFieldCluster  = "spark-cluster"
	formFieldCores    = "ncores"
	formFieldMemory   = "memory"

	sendTimeout = 2 * time.Second
)

var exitCodePattern = regexp.MustCompile(`ExitCode=(\d+)`)
var digitsPattern = regexp.MustCompile(`^\d+$`)

var segmentSanitizer = strings.NewReplacer("/", "_", "*", "", ".", "_", " ", "_")

// Telemetry is what the lifecycle controller emits through, a fake
// implementation records events in tests.
type Telemetry interface {
	EmitFormSelection(req *types.SessionRequest)
	EmitStartSuccess()
	EmitStartFailure(err error)
	EmitExitStatus(status string)
}

var _ Telemetry = &Emitter{}

type dialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

type Emitter struct {
	enabled  bool
	basePath string
	address  string
	dial     dialFunc
	now      func() int64
}

func NewEmitter(cfg *config.SpawnerConfiguration) *Emitter {
	shortHost := strings.Split(cfg.Hostname, ".")[0]
	return &Emitter{
		enabled:  cfg.MetricsOn,
		basePath: fmt.Sprintf("%s.%s", cfg.MetricBasePath, shortHost),
		address:  fmt.Sprintf("%s:%d", cfg.MetricServer, cfg.MetricServerPort),
		dial:     net.DialTimeout,
		now:      func() int64 { return time.Now().UTC().Unix() },
	}
}

// EmitFormSelection reports which options the user picked, one sample per
// form field, values sanitized into metric path segments. The script field is
// reduced to a set/unset flag, scripts are free form user input.
func (e *Emitter) EmitFormSelection(req *types.SessionRequest) {
	if !e.enabled {
		return
	}
	now := e.now()

	scriptSet := int64(0)
	if req.UserScript != "" {
		scriptSet = 1
	}
	events := []types.MetricEvent{
		{Path: e.path(categorySpawnForm, formFieldRelease, sanitize(req.StackRelease)), Timestamp: now, Value: 1},
		{Path: e.path(categorySpawnForm, formFieldPlatform, sanitize(req.Platform)), Timestamp: now, Value: 1},
		{Path: e.path(categorySpawnForm, formFieldScript), Timestamp: now, Value: scriptSet},
		{Path: e.path(categorySpawnForm, formFieldCluster, sanitize(req.Cluster)), Timestamp: now, Value: 1},
		{Path: e.path(categorySpawnForm, formFieldCores, fmt.Sprintf("%d", req.NumCores)), Timestamp: now, Value: 1},
		{Path: e.path(categorySpawnForm, formFieldMemory, sanitize(req.MemoryQuota)), Timestamp: now, Value: 1},
	}
	e.send(events)
}

// EmitStartSuccess reports a completed provisioning sequence as a spawn with
// no exception.
func (e *Emitter) EmitStartSuccess() {
	if !e.enabled {
		return
	}
	e.send([]types.MetricEvent{
		{Path: e.path(categorySpawnException, "None"), Timestamp: e.now(), Value: 1},
	})
}

// EmitStartFailure reports an aborted provisioning sequence tagged with the
// error kind.
func (e *Emitter) EmitStartFailure(err error) {
	if !e.enabled {
		return
	}
	e.send([]types.MetricEvent{
		{Path: e.path(categorySpawnException, sanitize(serrors.KindOf(err))), Timestamp: e.now(), Value: 1},
	})
}

// EmitExitStatus reports a session exit code. A status matching neither a
// bare number nor the ExitCode=<n> form is a telemetry internal error, logged
// and swallowed.
func (e *Emitter) EmitExitStatus(status string) {
	if !e.enabled {
		return
	}
	code, err := ExtractExitCode(status)
	if err != nil {
		klog.ErrorS(err, "Failed to send exit metric", "status", status)
		return
	}
	e.send([]types.MetricEvent{
		{Path: e.path(categoryContainerExit, code), Timestamp: e.now(), Value: 1},
	})
}

// ExtractExitCode normalizes a backend exit status string to a bare numeric
// exit code.
func ExtractExitCode(status string) (string, error) {
	if digitsPattern.MatchString(status) {
		return status, nil
	}
	if m := exitCodePattern.FindStringSubmatch(status); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("unknown exit code format %q", status)
}

func (e *Emitter) path(segments ...string) string {
	return e.basePath + "." + strings.Join(segments, ".")
}

func sanitize(segment string) string {
	return segmentSanitizer.Replace(segment)
}

// send serializes the batch with pickle protocol 2, frames it with a 4 byte
// big endian length header and ships it over one short lived connection.
// Failures are logged, never returned.
func (e *Emitter) send(events []types.MetricEvent) {
	payload, err := encodeBatch(events)
	if err != nil {
		klog.ErrorS(err, "Failed to serialize metric batch", "#events", len(events))
		return
	}

	conn, err := e.dial("tcp", e.address, sendTimeout)
	if err != nil {
		klog.ErrorS(err, "Failed to reach metric collector", "address", e.address)
		return
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(sendTimeout))
	if _, err := conn.Write(payload); err != nil {
		klog.ErrorS(err, "Failed to send metric batch", "address", e.address)
	}
}

func encodeBatch(events []types.MetricEvent) ([]byte, error) {
	batch := []interface{}{}
	for _, event := range events {
		batch = append(batch, ogórek.Tuple{event.Path, ogórek.Tuple{event.Timestamp, event.Value}})
	}

	var body bytes.Buffer
	encoder := ogórek.NewEncoderWithConfig(&body, &ogórek.EncoderConfig{Protocol: 2})
	if err := encoder.Encode(batch); err != nil {
		return nil, err
	}

	message := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(message[0:4], uint32(body.Len()))
	copy(message[4:], body.Bytes())
	return message, nil
}
