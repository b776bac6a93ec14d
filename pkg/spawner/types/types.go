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

package types

import (
	"fmt"

	"github.com/google/uuid"
	v1 "k8s.io/api/core/v1"
)

// +enum
type SessionState string

const (
	SessionStateStarting SessionState = "Starting"
	SessionStateRunning  SessionState = "Running"
	SessionStateStopping SessionState = "Stopping"
	SessionStateStopped  SessionState = "Stopped"
	// SessionStateFailed is reachable only from SessionStateStarting,
	// a session which failed provisioning is never handed to the backend
	SessionStateFailed SessionState = "Failed"
)

// NoCluster is the sentinel cluster selection meaning compute stays inside the session container.
const NoCluster = "none"

// SessionRequest is the accepted form selection for one launch attempt.
// It is immutable once built, the controller and composer only read it.
type SessionRequest struct {
	Identifier   string `json:"identifier,omitempty"`
	Username     string `json:"username,omitempty"`
	StackRelease string `json:"stackRelease,omitempty"`
	Platform     string `json:"platform,omitempty"`
	UserScript   string `json:"userScript,omitempty"`
	Cluster      string `json:"cluster,omitempty"`
	NumCores     int    `json:"numCores,omitempty"`
	// MemoryQuota carries the unit suffix already, e.g. "8G"
	MemoryQuota string `json:"memoryQuota,omitempty"`
}

// Offload reports whether the request asks for cluster backed compute.
func (r *SessionRequest) Offload() bool {
	return r.Cluster != NoCluster && r.Cluster != ""
}

func UniqueSessionName(r *SessionRequest) string {
	return fmt.Sprintf("%s/%s", r.Username, r.Identifier)
}

// NewSessionRequest normalizes raw form selections into a SessionRequest.
// Core and memory picks outside the configured option lists fall back to the
// first option, cluster defaults to NoCluster, memory gets the fixed G suffix.
func NewSessionRequest(username, release, platform, userScript, cluster, cores, memory string, availableCores, availableMemory []string) *SessionRequest {
	if cluster == "" {
		cluster = NoCluster
	}
	numCores := atoiOrDefault(availableCores[0])
	for _, c := range availableCores {
		if c == cores {
			numCores = atoiOrDefault(cores)
			break
		}
	}
	memoryQuota := availableMemory[0] + "G"
	for _, m := range availableMemory {
		if m == memory {
			memoryQuota = memory + "G"
			break
		}
	}
	return &SessionRequest{
		Identifier:   uuid.New().String(),
		Username:     username,
		StackRelease: release,
		Platform:     platform,
		UserScript:   userScript,
		Cluster:      cluster,
		NumCores:     numCores,
		MemoryQuota:  memoryQuota,
	}
}

func atoiOrDefault(s string) int {
	n := 0
	fmt.Sscanf(s, "%d", &n)
	if n <= 0 {
		n = 1
	}
	return n
}

// ReservedPort is an ephemeral port held in TIME_WAIT for the session,
// ownership moves into the LaunchSpec port binding map on success.
type ReservedPort struct {
	Port int `json:"port,omitempty"`
}

// CredentialArtifact is one token or config file produced by a provisioning
// step, exported to the session through EnvName.
type CredentialArtifact struct {
	Name    string `json:"name,omitempty"`
	EnvName string `json:"envName,omitempty"`
	// Path is the in-container location of the artifact, empty when the
	// artifact is carried by value
	Path string `json:"path,omitempty"`
	// Value is the artifact content when it is exported inline, e.g. the
	// webhdfs token
	Value string `json:"value,omitempty"`
}

// LaunchSpec is the finalized environment, port binding and resource limit
// description handed to the launch backend, owned by the backend thereafter.
type LaunchSpec struct {
	Environment  map[string]string `json:"environment,omitempty"`
	PortBindings map[int]int       `json:"portBindings,omitempty"`
	Resources    v1.ResourceList   `json:"resources,omitempty"`
	// CPUPeriod/CPUQuota are set only for backends which take the cgroup
	// cfs encoding instead of a plain cpu count
	CPUPeriod int64 `json:"cpuPeriod,omitempty"`
	CPUQuota  int64 `json:"cpuQuota,omitempty"`
}

// MetricEvent is one graphite sample, created and shipped within one emit call.
type MetricEvent struct {
	Path      string
	Timestamp int64
	Value     int64
}
