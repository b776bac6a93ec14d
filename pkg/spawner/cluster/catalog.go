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

// Package cluster describes the auxiliary data clusters a session can offload
// compute to. The catalog drives the credential provisioning policy: which
// auth path a cluster takes, which software stack releases it accepts and how
// a missing storage token is treated.
package cluster

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// +enum
type Kind string

const (
	// KindYarn clusters authenticate with the hadoop auth helper only and
	// require both storage tokens to be present
	KindYarn Kind = "yarn"
	// KindK8s clusters additionally provision a per user kubeconfig and
	// tolerate missing storage tokens
	KindK8s Kind = "k8s"
)

// Cluster is one selectable offload target.
type Cluster struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`
	// RequiredReleaseSubstring gates the cluster to stack releases whose
	// name contains this substring, empty means any release
	RequiredReleaseSubstring string `yaml:"requiredReleaseSubstring,omitempty"`
	// Restricted marks clusters whose missing storage tokens mean the user
	// was never granted access, surfaced with AccessRequestURL
	Restricted       bool   `yaml:"restricted,omitempty"`
	AccessRequestURL string `yaml:"accessRequestURL,omitempty"`
	// AuthName is the cluster name passed to the hadoop auth helper, it
	// differs from Name for k8s clusters which borrow a fixed hadoop identity
	AuthName string `yaml:"authName,omitempty"`
}

func (c *Cluster) HadoopAuthName() string {
	if c.AuthName != "" {
		return c.AuthName
	}
	return c.Name
}

type Catalog struct {
	Clusters []Cluster `yaml:"clusters"`
}

func (c *Catalog) Lookup(name string) (*Cluster, bool) {
	for i := range c.Clusters {
		if c.Clusters[i].Name == name {
			return &c.Clusters[i], true
		}
	}
	return nil, false
}

// DefaultCatalog returns the production cluster set. Unknown names fall back
// to a yarn cluster with no release gate, matching how the original service
// treated arbitrary hadoop clusters.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Clusters: []Cluster{
			{
				Name:                     "k8s",
				Kind:                     KindK8s,
				RequiredReleaseSubstring: "dev",
				AuthName:                 "analytix",
			},
			{
				Name:             "nxcals",
				Kind:             KindYarn,
				Restricted:       true,
				AccessRequestURL: "https://wikis.cern.ch/display/NXCALS/Data+Access+User+Guide#DataAccessUserGuide-nxcals_access",
			},
			{
				Name: "analytix",
				Kind: KindYarn,
			},
			{
				Name: "hadoop-qa",
				Kind: KindYarn,
			},
		},
	}
}

// LoadCatalog reads a catalog file, an empty path yields the default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	catalog := &Catalog{}
	if err := yaml.Unmarshal(data, catalog); err != nil {
		return nil, fmt.Errorf("malformed cluster catalog %s: %v", path, err)
	}
	if len(catalog.Clusters) == 0 {
		return nil, fmt.Errorf("cluster catalog %s declares no clusters", path)
	}
	return catalog, nil
}

// LookupOrDefault resolves a cluster selection, unknown names become plain
// yarn clusters so newly added hadoop clusters need no catalog change.
func (c *Catalog) LookupOrDefault(name string) *Cluster {
	if found, ok := c.Lookup(name); ok {
		return found
	}
	return &Cluster{Name: name, Kind: KindYarn}
}
