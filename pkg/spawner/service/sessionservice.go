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

// Package service exposes the session lifecycle over a small REST surface,
// the hub calls it to start, poll and stop user sessions.
package service

import (
	"net/http"
	"sync"

	restful "github.com/emicklei/go-restful/v3"

	"github.com/swanhub/sessiond/pkg/spawner/compose"
	"github.com/swanhub/sessiond/pkg/spawner/config"
	"github.com/swanhub/sessiond/pkg/spawner/controller"
	"github.com/swanhub/sessiond/pkg/spawner/serrors"
	"github.com/swanhub/sessiond/pkg/spawner/types"
)

// SessionSpawnRequest is the wire form of one launch attempt, field values
// come straight from the hub's option form.
type SessionSpawnRequest struct {
	Username     string `json:"username"`
	StackRelease string `json:"stackRelease"`
	Platform     string `json:"platform"`
	UserScript   string `json:"userScript,omitempty"`
	Cluster      string `json:"cluster,omitempty"`
	Cores        string `json:"cores,omitempty"`
	Memory       string `json:"memory,omitempty"`

	Hub compose.HubEnvironment `json:"hub,omitempty"`
}

type SessionStatus struct {
	Identifier string             `json:"identifier"`
	Username   string             `json:"username"`
	Cluster    string             `json:"cluster"`
	State      types.SessionState `json:"state"`
	ExitStatus string             `json:"exitStatus,omitempty"`
}

type SessionManager struct {
	mu       sync.Mutex
	cfg      *config.SpawnerConfiguration
	ctrl     *controller.Controller
	sessions map[string]*controller.Session
}

func NewSessionManager(cfg *config.SpawnerConfiguration, ctrl *controller.Controller) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		ctrl:     ctrl,
		sessions: map[string]*controller.Session{},
	}
}

func (sm *SessionManager) WebService() *restful.WebService {
	ws := new(restful.WebService)
	ws.Path("/sessions").Consumes(restful.MIME_JSON).Produces(restful.MIME_JSON)
	ws.Route(ws.POST("").To(sm.RestStartSession))
	ws.Route(ws.GET("/{identifier}").To(sm.RestPollSession))
	ws.Route(ws.DELETE("/{identifier}").To(sm.RestStopSession))

	return ws
}

func (sm *SessionManager) RestStartSession(request *restful.Request, response *restful.Response) {
	spawn := SessionSpawnRequest{}
	if err := request.ReadEntity(&spawn); err != nil {
		response.AddHeader("Content-Type", "text/plain")
		response.WriteErrorString(http.StatusBadRequest, err.Error())
		return
	}
	if spawn.Username == "" || spawn.StackRelease == "" || spawn.Platform == "" {
		response.AddHeader("Content-Type", "text/plain")
		response.WriteErrorString(http.StatusBadRequest, "username, stackRelease and platform are required")
		return
	}

	req := types.NewSessionRequest(spawn.Username, spawn.StackRelease, spawn.Platform,
		spawn.UserScript, spawn.Cluster, spawn.Cores, spawn.Memory,
		sm.cfg.AvailableCores, sm.cfg.AvailableMemory)
	session := controller.NewSession(req, spawn.Hub)

	sm.mu.Lock()
	sm.sessions[req.Identifier] = session
	sm.mu.Unlock()

	if err := sm.ctrl.Start(request.Request.Context(), session); err != nil {
		response.AddHeader("Content-Type", "text/plain")
		response.WriteErrorString(statusForError(err), err.Error())
		return
	}

	response.WriteHeaderAndEntity(http.StatusCreated, statusOf(session, ""))
}

func (sm *SessionManager) RestPollSession(request *restful.Request, response *restful.Response) {
	session, found := sm.lookup(request.PathParameter("identifier"))
	if !found {
		response.AddHeader("Content-Type", "text/plain")
		response.WriteErrorString(http.StatusNotFound, "unknown session")
		return
	}

	exitStatus, err := sm.ctrl.Poll(request.Request.Context(), session)
	if err != nil {
		response.AddHeader("Content-Type", "text/plain")
		response.WriteErrorString(http.StatusBadGateway, err.Error())
		return
	}

	response.WriteHeaderAndEntity(http.StatusOK, statusOf(session, exitStatus))
}

func (sm *SessionManager) RestStopSession(request *restful.Request, response *restful.Response) {
	session, found := sm.lookup(request.PathParameter("identifier"))
	if !found {
		response.AddHeader("Content-Type", "text/plain")
		response.WriteErrorString(http.StatusNotFound, "unknown session")
		return
	}

	if err := sm.ctrl.Stop(request.Request.Context(), session); err != nil {
		response.AddHeader("Content-Type", "text/plain")
		response.WriteErrorString(http.StatusBadGateway, err.Error())
		return
	}

	sm.mu.Lock()
	delete(sm.sessions, session.Request.Identifier)
	sm.mu.Unlock()

	response.WriteHeaderAndEntity(http.StatusOK, statusOf(session, "0"))
}

func (sm *SessionManager) lookup(identifier string) (*controller.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	session, found := sm.sessions[identifier]
	return session, found
}

func statusOf(session *controller.Session, exitStatus string) SessionStatus {
	return SessionStatus{
		Identifier: session.Request.Identifier,
		Username:   session.Request.Username,
		Cluster:    session.Request.Cluster,
		State:      session.State,
		ExitStatus: exitStatus,
	}
}

// statusForError maps the provisioning error taxonomy onto http statuses,
// user fixable selections come back 4xx, infrastructure trouble 5xx.
func statusForError(err error) int {
	switch {
	case serrors.IsKind(err, serrors.KindAccessDenied):
		return http.StatusForbidden
	case serrors.IsKind(err, serrors.KindUnsupportedConfiguration):
		return http.StatusBadRequest
	case serrors.IsKind(err, serrors.KindConfigurationUnavailable):
		return http.StatusServiceUnavailable
	case serrors.IsKind(err, serrors.KindCredentialProvisioning),
		serrors.IsKind(err, serrors.KindPortAllocation):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
