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

package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swanhub/sessiond/pkg/spawner/backend"
	"github.com/swanhub/sessiond/pkg/spawner/cluster"
	"github.com/swanhub/sessiond/pkg/spawner/compose"
	"github.com/swanhub/sessiond/pkg/spawner/config"
	"github.com/swanhub/sessiond/pkg/spawner/credential"
	"github.com/swanhub/sessiond/pkg/spawner/port"
	"github.com/swanhub/sessiond/pkg/spawner/serrors"
	"github.com/swanhub/sessiond/pkg/spawner/store/sqlite"
	"github.com/swanhub/sessiond/pkg/spawner/types"
)

type fakeTelemetry struct {
	formCalls    int
	successCalls int
	failureKinds []string
	exitStatuses []string
}

func (t *fakeTelemetry) EmitFormSelection(req *types.SessionRequest) { t.formCalls += 1 }
func (t *fakeTelemetry) EmitStartSuccess()                           { t.successCalls += 1 }
func (t *fakeTelemetry) EmitStartFailure(err error) {
	t.failureKinds = append(t.failureKinds, serrors.KindOf(err))
}
func (t *fakeTelemetry) EmitExitStatus(status string) {
	t.exitStatuses = append(t.exitStatuses, status)
}

type fakeRunner struct {
	invocations [][]string
	deposit     map[string]string
	err         error
}

func (r *fakeRunner) Run(ctx context.Context, script string, args ...string) error {
	r.invocations = append(r.invocations, append([]string{script}, args...))
	for path, content := range r.deposit {
		_ = os.MkdirAll(filepath.Dir(path), 0755)
		_ = os.WriteFile(path, []byte(content), 0600)
	}
	return r.err
}

type fixedIdentity struct{}

func (fixedIdentity) LookupUID(username string) (string, error) { return "4242", nil }

// countingConnectionTable reports an empty connection table and counts how
// often the reservation service consulted it.
type countingConnectionTable struct {
	calls int
}

func (t *countingConnectionTable) Connections() ([]gnet.ConnectionStat, error) {
	t.calls += 1
	return []gnet.ConnectionStat{}, nil
}

type testHarness struct {
	cfg       *config.SpawnerConfiguration
	catalog   *cluster.Catalog
	runner    *fakeRunner
	telemetry *fakeTelemetry
	backend   *backend.FakeBackend
	table     *countingConnectionTable
	records   *sqlite.SessionRecordStore
	ctrl      *Controller
}

func newHarness(t *testing.T) *testHarness {
	cfg, err := config.DefaultSpawnerConfiguration()
	require.NoError(t, err)

	cfg.StackRootPath = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.StackRootPath, "LCG-dev3", "x86_64"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.StackRootPath, "LCG-96", "x86_64"), 0755))
	cfg.ClusterTokenHostPath = t.TempDir()
	cfg.HadoopAuthScript = "/srv/bin/hadoop-auth.sh"
	cfg.InitK8sUserScript = "/srv/bin/init-k8s-user.sh"
	cfg.PortRangeStart = 25601
	cfg.PortRangeEnd = 25700
	cfg.MetricsOn = true

	records, err := sqlite.NewSessionRecordStore(&sqlite.SQLiteStoreOptions{
		ConnUrl: filepath.Join(t.TempDir(), "records.db"),
	})
	require.NoError(t, err)

	catalog := cluster.DefaultCatalog()
	runner := &fakeRunner{}
	telemetry := &fakeTelemetry{}
	be := &backend.FakeBackend{}
	table := &countingConnectionTable{}

	ctrl := NewController(cfg, catalog, Dependencies{
		Credentials: credential.NewProvisioner(cfg, catalog, runner),
		Ports:       port.NewReservationService(table),
		Composer:    compose.NewComposer(cfg, catalog, fixedIdentity{}),
		Runner:      runner,
		Telemetry:   telemetry,
		Backend:     be,
		Records:     records,
	})

	return &testHarness{
		cfg:       cfg,
		catalog:   catalog,
		runner:    runner,
		telemetry: telemetry,
		backend:   be,
		table:     table,
		records:   records,
		ctrl:      ctrl,
	}
}

func newSession(clusterName, release string) *Session {
	return NewSession(&types.SessionRequest{
		Identifier:   "session-" + clusterName,
		Username:     "alice",
		StackRelease: release,
		Platform:     "x86_64",
		Cluster:      clusterName,
		NumCores:     2,
		MemoryQuota:  "8G",
	}, compose.HubEnvironment{User: "alice", HubAPIURL: "http://hub:8081/hub/api"})
}

func TestStartWithoutOffload(t *testing.T) {
	h := newHarness(t)
	session := newSession("none", "LCG-dev3")

	err := h.ctrl.Start(context.TODO(), session)
	require.NoError(t, err)

	assert.Equal(t, types.SessionStateRunning, session.State)
	assert.Equal(t, 1, h.backend.StartCalls)
	assert.Equal(t, 1, h.telemetry.formCalls)
	assert.Equal(t, 1, h.telemetry.successCalls)

	// no cluster entries and no port reservation without offload
	assert.NotContains(t, session.Spec.Environment, types.EnvClusterName)
	assert.NotContains(t, session.Spec.Environment, types.EnvClusterPorts)
	assert.Zero(t, h.table.calls)

	record, err := h.records.GetRecord(session.Request.Identifier)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateRunning, record.State)
}

func TestStartMissingStackRoot(t *testing.T) {
	h := newHarness(t)
	h.cfg.StackRootPath = filepath.Join(h.cfg.StackRootPath, "gone")
	session := newSession("none", "LCG-dev3")

	err := h.ctrl.Start(context.TODO(), session)
	require.Error(t, err)
	assert.True(t, serrors.IsKind(err, serrors.KindConfigurationUnavailable))
	assert.Contains(t, err.Error(), "check service status")
	assert.Equal(t, types.SessionStateFailed, session.State)
	assert.Zero(t, h.backend.StartCalls)
}

func TestStartMissingReleasePlatform(t *testing.T) {
	h := newHarness(t)
	session := newSession("none", "LCG-nonexistent")

	err := h.ctrl.Start(context.TODO(), session)
	require.Error(t, err)
	assert.True(t, serrors.IsKind(err, serrors.KindConfigurationUnavailable))
	assert.Contains(t, err.Error(), "select another software stack")
	assert.Equal(t, []string{string(serrors.KindConfigurationUnavailable)}, h.telemetry.failureKinds)
}

func TestStartRestrictedClusterDeniedBeforePortsAndCompose(t *testing.T) {
	h := newHarness(t)
	session := newSession("nxcals", "LCG-96")

	err := h.ctrl.Start(context.TODO(), session)
	require.Error(t, err)
	assert.True(t, serrors.IsKind(err, serrors.KindAccessDenied))

	// provisioning aborted before any port was probed and before the
	// backend saw anything
	assert.Zero(t, h.table.calls)
	assert.Zero(t, h.backend.StartCalls)
	assert.Nil(t, session.Spec)
	assert.Equal(t, types.SessionStateFailed, session.State)

	record, err := h.records.GetRecord(session.Request.Identifier)
	require.NoError(t, err)
	assert.Equal(t, string(serrors.KindAccessDenied), record.FailureKind)
}

func TestStartOffloadYarnCluster(t *testing.T) {
	h := newHarness(t)
	userPath := filepath.Join(h.cfg.ClusterTokenHostPath, "alice")
	h.runner.deposit = map[string]string{
		filepath.Join(userPath, types.HadoopTokenFileName):  "binary-token",
		filepath.Join(userPath, types.WebHDFSTokenFileName): "webhdfs-secret",
	}
	session := newSession("analytix", "LCG-96")

	err := h.ctrl.Start(context.TODO(), session)
	require.NoError(t, err)

	env := session.Spec.Environment
	assert.Equal(t, "analytix", env[types.EnvClusterName])
	assert.Equal(t, "webhdfs-secret", env[types.EnvWebHDFSToken])
	assert.NotEmpty(t, env[types.EnvClusterPorts])

	// ports per session times max cluster sessions
	count := h.cfg.PortsPerSession * h.cfg.MaxClusterSessions
	assert.GreaterOrEqual(t, h.table.calls, count)

	// retained env allows the next attempt to clear stale entries
	assert.Equal(t, "webhdfs-secret", session.Env[types.EnvWebHDFSToken])
}

func TestStartHomeAuthHelperFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.cfg.AuthScript = "/srv/bin/eos-fuse.sh"
	h.runner.err = errors.New("exit status 1")
	session := newSession("none", "LCG-dev3")

	err := h.ctrl.Start(context.TODO(), session)
	require.NoError(t, err)
	require.NotEmpty(t, h.runner.invocations)
	assert.Equal(t, []string{"/srv/bin/eos-fuse.sh", "alice"}, h.runner.invocations[0])
}

func TestStartBackendFailureEmitsFailureMetric(t *testing.T) {
	h := newHarness(t)
	h.backend.StartError = errors.New("image pull failed")
	session := newSession("none", "LCG-dev3")

	err := h.ctrl.Start(context.TODO(), session)
	require.Error(t, err)
	assert.Equal(t, types.SessionStateFailed, session.State)
	require.Len(t, h.telemetry.failureKinds, 1)
}

func TestStopEmitsZeroExitMetric(t *testing.T) {
	h := newHarness(t)
	session := newSession("none", "LCG-dev3")
	require.NoError(t, h.ctrl.Start(context.TODO(), session))

	err := h.ctrl.Stop(context.TODO(), session)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateStopped, session.State)
	assert.Equal(t, []string{"0"}, h.telemetry.exitStatuses)
}

func TestPollRunningSessionEmitsNothing(t *testing.T) {
	h := newHarness(t)
	session := newSession("none", "LCG-dev3")
	require.NoError(t, h.ctrl.Start(context.TODO(), session))

	status, err := h.ctrl.Poll(context.TODO(), session)
	require.NoError(t, err)
	assert.Empty(t, status)
	assert.Empty(t, h.telemetry.exitStatuses)

	// idempotent while running
	_, err = h.ctrl.Poll(context.TODO(), session)
	require.NoError(t, err)
	assert.Empty(t, h.telemetry.exitStatuses)
}

func TestPollExitedSessionEmitsExitMetric(t *testing.T) {
	h := newHarness(t)
	session := newSession("none", "LCG-dev3")
	require.NoError(t, h.ctrl.Start(context.TODO(), session))

	h.backend.PollStatus = "ExitCode=137"
	status, err := h.ctrl.Poll(context.TODO(), session)
	require.NoError(t, err)
	assert.Equal(t, "ExitCode=137", status)
	assert.Equal(t, []string{"ExitCode=137"}, h.telemetry.exitStatuses)

	record, err := h.records.GetRecord(session.Request.Identifier)
	require.NoError(t, err)
	assert.Equal(t, "ExitCode=137", record.ExitStatus)
}
