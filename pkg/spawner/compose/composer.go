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

// Package compose turns an accepted session request, its credential artifacts
// and its reserved ports into the final LaunchSpec handed to the launch
// backend.
package compose

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/klog/v2"

	"github.com/swanhub/sessiond/pkg/spawner/backend"
	"github.com/swanhub/sessiond/pkg/spawner/cluster"
	"github.com/swanhub/sessiond/pkg/spawner/config"
	"github.com/swanhub/sessiond/pkg/spawner/types"
)

const (
	// CPUPeriodMicros is the fixed cfs period for backends taking the
	// period/quota cpu encoding
	CPUPeriodMicros = int64(100000)
)

// HubEnvironment carries the hub callback values the external runtime
// supplies for one session.
type HubEnvironment struct {
	User       string
	CookieName string
	BaseURL    string
	HubPrefix  string
	HubAPIURL  string
}

// IdentityProvider resolves a username to its numeric id.
type IdentityProvider interface {
	LookupUID(username string) (string, error)
}

var _ IdentityProvider = &osIdentityProvider{}

type osIdentityProvider struct{}

func (p *osIdentityProvider) LookupUID(username string) (string, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return "", err
	}
	return u.Uid, nil
}

type Composer struct {
	cfg      *config.SpawnerConfiguration
	catalog  *cluster.Catalog
	identity IdentityProvider
}

func NewComposer(cfg *config.SpawnerConfiguration, catalog *cluster.Catalog, identity IdentityProvider) *Composer {
	if identity == nil {
		identity = &osIdentityProvider{}
	}
	return &Composer{
		cfg:      cfg,
		catalog:  catalog,
		identity: identity,
	}
}

// Compose builds the LaunchSpec. It is deterministic for identical inputs,
// calling it twice with the same request, artifacts and ports yields the same
// environment mapping. When the backend exposes port binding configuration
// the composer also rewrites that configuration as a side effect.
func (c *Composer) Compose(req *types.SessionRequest, hub HubEnvironment, artifacts []types.CredentialArtifact, ports []types.ReservedPort, be backend.Backend) (*types.LaunchSpec, error) {
	uid, err := c.identity.LookupUID(req.Username)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving uid of %s", req.Username)
	}

	var homePath string
	if c.cfg.LocalHome {
		homePath = fmt.Sprintf("%s/%s", c.cfg.LocalHomePrefix, req.Username)
	} else {
		homePath = fmt.Sprintf("%s/%s/%s", c.cfg.EOSPathPrefix, req.Username[0:1], req.Username)
	}

	env := map[string]string{
		types.EnvStackReleaseName: req.StackRelease,
		types.EnvStackPlatform:    req.Platform,
		types.EnvUserScript:       req.UserScript,
		types.EnvStackRootPath:    c.cfg.StackRootPath,
		types.EnvUser:             req.Username,
		types.EnvUserID:           uid,
		types.EnvHome:             homePath,

		types.EnvHubUser:       hub.User,
		types.EnvHubCookieName: hub.CookieName,
		types.EnvHubBaseURL:    hub.BaseURL,
		types.EnvHubPrefix:     hub.HubPrefix,
		types.EnvHubAPIURL:     hub.HubAPIURL,
	}

	// statically configured entries win over computed ones
	for k, v := range c.cfg.ExtraEnvironment {
		env[k] = v
	}

	spec := &types.LaunchSpec{
		Environment:  env,
		PortBindings: map[int]int{},
		Resources:    v1.ResourceList{},
	}

	bindingBackend, bindingCapable := be.(backend.PortBindingCapable)
	if bindingCapable {
		bindingBackend.ClearPortBindings()
		if !bindingBackend.UseInternalAddressing() {
			sessionPort := bindingBackend.SessionPort()
			bindingBackend.AddPortBinding(sessionPort, sessionPort)
			spec.PortBindings[sessionPort] = sessionPort
		}
	}

	if req.Offload() {
		c.composeClusterEnvironment(req, artifacts, ports, env)
		if bindingCapable {
			for _, p := range ports {
				bindingBackend.AddPortBinding(p.Port, p.Port)
				spec.PortBindings[p.Port] = p.Port
			}
		}
	}

	memory, err := resource.ParseQuantity(req.MemoryQuota)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing memory quota %q", req.MemoryQuota)
	}
	spec.Resources[v1.ResourceMemory] = memory

	if bindingCapable {
		spec.CPUPeriod = CPUPeriodMicros
		spec.CPUQuota = CPUPeriodMicros * int64(req.NumCores)
	} else {
		spec.Resources[v1.ResourceCPU] = *resource.NewQuantity(int64(req.NumCores), resource.DecimalSI)
	}

	klog.InfoS("Composed launch spec", "session", types.UniqueSessionName(req), "#env", len(spec.Environment), "#portBindings", len(spec.PortBindings))
	return spec, nil
}

func (c *Composer) composeClusterEnvironment(req *types.SessionRequest, artifacts []types.CredentialArtifact, ports []types.ReservedPort, env map[string]string) {
	cl := c.catalog.LookupOrDefault(req.Cluster)

	env[types.EnvClusterName] = cl.Name
	env[types.EnvClusterUser] = req.Username
	env[types.EnvServerHostname] = c.cfg.Hostname
	env[types.EnvMaxMemory] = req.MemoryQuota
	if cl.Kind == cluster.KindK8s {
		env[types.EnvClusterConfigScript] = c.cfg.K8sConfigScript
	} else {
		env[types.EnvClusterConfigScript] = c.cfg.YarnConfigScript
	}

	for _, artifact := range artifacts {
		if artifact.Value != "" {
			env[artifact.EnvName] = artifact.Value
		} else {
			env[artifact.EnvName] = artifact.Path
		}
	}

	portList := []string{}
	for _, p := range ports {
		portList = append(portList, strconv.Itoa(p.Port))
	}
	env[types.EnvClusterPorts] = strings.Join(portList, ",")
}
