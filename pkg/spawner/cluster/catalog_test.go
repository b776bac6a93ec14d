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

package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultCatalogKnownClusters(t *testing.T) {
	catalog := DefaultCatalog()

	k8s, ok := catalog.Lookup("k8s")
	assert.True(t, ok)
	assert.Equal(t, KindK8s, k8s.Kind)
	assert.Equal(t, "analytix", k8s.HadoopAuthName())
	assert.Equal(t, "dev", k8s.RequiredReleaseSubstring)

	nxcals, ok := catalog.Lookup("nxcals")
	assert.True(t, ok)
	assert.True(t, nxcals.Restricted)
	assert.Equal(t, "nxcals", nxcals.HadoopAuthName())
}

func TestLookupOrDefaultUnknownCluster(t *testing.T) {
	catalog := DefaultCatalog()
	c := catalog.LookupOrDefault("hadoop-new")
	assert.Equal(t, KindYarn, c.Kind)
	assert.False(t, c.Restricted)
	assert.Equal(t, "hadoop-new", c.HadoopAuthName())
}

func TestLoadCatalogFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clusters.yaml")
	content := `clusters:
  - name: testk8s
    kind: k8s
    requiredReleaseSubstring: dev
    authName: analytix
  - name: restrictedyarn
    kind: yarn
    restricted: true
    accessRequestURL: https://example.org/request
`
	err := os.WriteFile(path, []byte(content), 0644)
	assert.NoError(t, err)

	catalog, err := LoadCatalog(path)
	assert.NoError(t, err)
	assert.Len(t, catalog.Clusters, 2)

	c, ok := catalog.Lookup("restrictedyarn")
	assert.True(t, ok)
	assert.True(t, c.Restricted)
	assert.Equal(t, "https://example.org/request", c.AccessRequestURL)
}

func TestLoadCatalogErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "malformed yaml", content: "clusters: ["},
		{name: "empty catalog", content: "clusters: []"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "clusters.yaml")
			err := os.WriteFile(path, []byte(tt.content), 0644)
			assert.NoError(t, err)
			_, err = LoadCatalog(path)
			assert.Error(t, err)
		})
	}
}
