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

// Package controller sequences session provisioning: configuration
// validation, credential acquisition, port reservation, environment
// composition, backend delegation and outcome telemetry. A session is never
// handed to the backend in a partially provisioned state, any failure aborts
// the whole start sequence.
package controller

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"

	"github.com/swanhub/sessiond/pkg/spawner/backend"
	"github.com/swanhub/sessiond/pkg/spawner/cluster"
	"github.com/swanhub/sessiond/pkg/spawner/compose"
	"github.com/swanhub/sessiond/pkg/spawner/config"
	"github.com/swanhub/sessiond/pkg/spawner/credential"
	"github.com/swanhub/sessiond/pkg/spawner/metrics"
	"github.com/swanhub/sessiond/pkg/spawner/port"
	"github.com/swanhub/sessiond/pkg/spawner/serrors"
	"github.com/swanhub/sessiond/pkg/spawner/store"
	"github.com/swanhub/sessiond/pkg/spawner/types"
)

// Session is one user session flowing through the lifecycle. Env retains
// credential environment entries between launch attempts so a retry can clear
// state left by a failed predecessor.
type Session struct {
	Request *types.SessionRequest
	Hub     compose.HubEnvironment
	State   types.SessionState
	Env     map[string]string
	Spec    *types.LaunchSpec
}

func NewSession(req *types.SessionRequest, hub compose.HubEnvironment) *Session {
	return &Session{
		Request: req,
		Hub:     hub,
		Env:     map[string]string{},
	}
}

// Dependencies bundles the collaborators the controller drives.
type Dependencies struct {
	Credentials *credential.Provisioner
	Ports       *port.ReservationService
	Composer    *compose.Composer
	Runner      credential.HelperRunner
	Telemetry   metrics.Telemetry
	Backend     backend.Backend
	Records     store.RecordStore
}

type Controller struct {
	cfg  *config.SpawnerConfiguration
	deps Dependencies
}

func NewController(cfg *config.SpawnerConfiguration, catalog *cluster.Catalog, deps Dependencies) *Controller {
	if deps.Runner == nil {
		deps.Runner = credential.NewSudoHelperRunner(time.Duration(cfg.SubprocessTimeoutSeconds) * time.Second)
	}
	if deps.Credentials == nil {
		deps.Credentials = credential.NewProvisioner(cfg, catalog, deps.Runner)
	}
	if deps.Ports == nil {
		deps.Ports = port.NewReservationService(nil)
	}
	if deps.Composer == nil {
		deps.Composer = compose.NewComposer(cfg, catalog, nil)
	}
	if deps.Telemetry == nil {
		deps.Telemetry = metrics.NewEmitter(cfg)
	}
	return &Controller{cfg: cfg, deps: deps}
}

// Start provisions the session and delegates the launch to the backend. On
// any error the failure metric is emitted tagged with the error kind and the
// error propagates unchanged, the session ends in SessionStateFailed and
// nothing is handed to the backend.
func (c *Controller) Start(ctx context.Context, session *Session) error {
	session.State = types.SessionStateStarting
	c.putRecord(session, "", "")

	if err := c.start(ctx, session); err != nil {
		c.deps.Telemetry.EmitStartFailure(err)
		session.State = types.SessionStateFailed
		c.putRecord(session, serrors.KindOf(err), "")
		klog.ErrorS(err, "Session start failed", "session", types.UniqueSessionName(session.Request))
		return err
	}

	session.State = types.SessionStateRunning
	c.putRecord(session, "", "")
	klog.InfoS("Session started", "session", types.UniqueSessionName(session.Request), "cluster", session.Request.Cluster)
	return nil
}

func (c *Controller) start(ctx context.Context, session *Session) error {
	req := session.Request

	if err := c.validateStackSelection(req); err != nil {
		return err
	}

	if !c.cfg.LocalHome && c.cfg.AuthScript != "" {
		// prime home storage credentials, failure here surfaces later as a
		// broken home, not as a rejected launch
		if err := c.deps.Runner.Run(ctx, c.cfg.AuthScript, req.Username); err != nil {
			klog.ErrorS(err, "Home storage auth helper failed", "user", req.Username)
		}
	}

	var artifacts []types.CredentialArtifact
	var reservedPorts []types.ReservedPort
	if req.Offload() {
		var err error
		artifacts, err = c.deps.Credentials.Provision(ctx, req, session.Env)
		if err != nil {
			return err
		}

		portCount := c.cfg.PortsPerSession * c.cfg.MaxClusterSessions
		reservedPorts, err = c.deps.Ports.ReserveBatch(portCount, c.cfg.PortRangeStart, c.cfg.PortRangeEnd, c.cfg.PortReserveAttempts)
		if err != nil {
			return err
		}
	}

	spec, err := c.deps.Composer.Compose(req, session.Hub, artifacts, reservedPorts, c.deps.Backend)
	if err != nil {
		return err
	}
	for _, artifact := range artifacts {
		if artifact.Value != "" {
			session.Env[artifact.EnvName] = artifact.Value
		} else {
			session.Env[artifact.EnvName] = artifact.Path
		}
	}
	session.Spec = spec

	c.deps.Telemetry.EmitFormSelection(req)
	c.deps.Telemetry.EmitStartSuccess()

	return c.deps.Backend.Start(ctx, req, spec)
}

func (c *Controller) validateStackSelection(req *types.SessionRequest) error {
	if _, err := os.Stat(c.cfg.StackRootPath); err != nil {
		return serrors.New(serrors.KindConfigurationUnavailable,
			`Could not initialize software stack, please <a href="https://cern.ch/ssb" target="_blank">check service status</a> or <a href="https://cern.service-now.com/service-portal/function.do?name=swan" target="_blank">report an issue</a>`)
	}
	if _, err := os.Stat(filepath.Join(c.cfg.StackRootPath, req.StackRelease, req.Platform)); err != nil {
		return serrors.New(serrors.KindConfigurationUnavailable,
			"Configuration not available: please select another software stack and platform")
	}
	return nil
}

// Stop delegates to the backend and reports the session exit. The exit
// metric always carries code 0, the delegated stop outcome is not inspected
// (see the design notes, this mirrors accepted behavior).
func (c *Controller) Stop(ctx context.Context, session *Session) error {
	session.State = types.SessionStateStopping
	c.putRecord(session, "", "")

	if err := c.deps.Backend.Stop(ctx, session.Request); err != nil {
		return err
	}

	c.deps.Telemetry.EmitExitStatus("0")
	session.State = types.SessionStateStopped
	c.putRecord(session, "", "0")
	klog.InfoS("Session stopped", "session", types.UniqueSessionName(session.Request))
	return nil
}

// Poll asks the backend whether the session process is still running. A non
// empty status means it exited and is reported as an exit metric. Poll may be
// called repeatedly while the session is running.
func (c *Controller) Poll(ctx context.Context, session *Session) (string, error) {
	status, err := c.deps.Backend.Poll(ctx, session.Request)
	if err != nil {
		return "", err
	}
	if status != "" {
		c.deps.Telemetry.EmitExitStatus(status)
		c.putRecord(session, "", status)
	}
	return status, nil
}

func (c *Controller) putRecord(session *Session, failureKind, exitStatus string) {
	if c.deps.Records == nil {
		return
	}
	record := &store.SessionRecord{
		Identifier:  session.Request.Identifier,
		Username:    session.Request.Username,
		Cluster:     session.Request.Cluster,
		State:       session.State,
		FailureKind: failureKind,
		ExitStatus:  exitStatus,
		UpdatedAt:   time.Now().UTC().Unix(),
	}
	if err := c.deps.Records.PutRecord(record); err != nil {
		klog.ErrorS(err, "Failed to persist session record", "session", types.UniqueSessionName(session.Request))
	}
}
