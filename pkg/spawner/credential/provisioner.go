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

// Package credential runs the ordered external authentication steps which let
// a session reach its offload cluster and backing storage. Each side
// effecting helper is followed by an assertion on the artifact it was
// expected to deposit, a helper failure alone is never fatal.
package credential

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/swanhub/sessiond/pkg/spawner/cluster"
	"github.com/swanhub/sessiond/pkg/spawner/config"
	"github.com/swanhub/sessiond/pkg/spawner/serrors"
	"github.com/swanhub/sessiond/pkg/spawner/types"
)

type Provisioner struct {
	cfg     *config.SpawnerConfiguration
	catalog *cluster.Catalog
	runner  HelperRunner
}

func NewProvisioner(cfg *config.SpawnerConfiguration, catalog *cluster.Catalog, runner HelperRunner) *Provisioner {
	return &Provisioner{
		cfg:     cfg,
		catalog: catalog,
		runner:  runner,
	}
}

// Provision acquires every credential artifact the requested cluster needs.
// Steps are strictly ordered: policy gate, stale entry clearing, identity
// step (k8s only), cluster auth token step, token materialization. env is the
// session's retained environment from a prior attempt, stale credential
// entries are removed from it before any helper runs. Only called when the
// request asks for offload.
func (p *Provisioner) Provision(ctx context.Context, req *types.SessionRequest, env map[string]string) ([]types.CredentialArtifact, error) {
	cl := p.catalog.LookupOrDefault(req.Cluster)

	if cl.RequiredReleaseSubstring != "" && !strings.Contains(req.StackRelease, cl.RequiredReleaseSubstring) {
		return nil, serrors.New(serrors.KindUnsupportedConfiguration,
			"Configuration unsupported: only the Bleeding Edge software stack is supported for Cloud Containers")
	}

	// a failed prior attempt must not leak its tokens into this one
	delete(env, types.EnvWebHDFSToken)
	delete(env, types.EnvHadoopTokenFile)
	delete(env, types.EnvKubeConfig)

	hostUserPath := filepath.Join(p.cfg.ClusterTokenHostPath, req.Username)
	mountPath := p.cfg.ClusterTokenMountPath

	artifacts := []types.CredentialArtifact{}

	if cl.Kind == cluster.KindK8s {
		kubeconfig, err := p.provisionKubeConfig(ctx, req.Username, hostUserPath, mountPath)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *kubeconfig)
	}

	if err := p.runner.Run(ctx, p.cfg.HadoopAuthScript, cl.HadoopAuthName(), req.Username); err != nil {
		// token presence is asserted below, a helper failure here only
		// means we may find nothing deposited
		klog.ErrorS(err, "Cluster auth helper failed", "cluster", cl.Name, "user", req.Username)
	}

	krbCache := types.YarnKerberosCachePath
	if cl.Kind == cluster.KindK8s {
		krbCache = filepath.Join(mountPath, types.KerberosCacheFileName)
	}
	artifacts = append(artifacts, types.CredentialArtifact{
		Name:    "kerberos-cache",
		EnvName: types.EnvKerberosCache,
		Path:    krbCache,
	})

	tokenArtifacts, err := p.materializeStorageTokens(cl, hostUserPath, mountPath)
	if err != nil {
		return nil, err
	}
	artifacts = append(artifacts, tokenArtifacts...)

	klog.InfoS("Cluster credentials provisioned", "session", types.UniqueSessionName(req), "cluster", cl.Name, "#artifacts", len(artifacts))
	return artifacts, nil
}

// provisionKubeConfig runs the k8s init user helper and asserts the per user
// kubeconfig it deposits is present and loadable.
func (p *Provisioner) provisionKubeConfig(ctx context.Context, username, hostUserPath, mountPath string) (*types.CredentialArtifact, error) {
	if err := p.runner.Run(ctx, p.cfg.InitK8sUserScript, username); err != nil {
		klog.ErrorS(err, "K8s init user helper failed", "user", username)
	}

	kubeConfigPath := filepath.Join(hostUserPath, types.KubeConfigFileName)
	if _, err := os.Stat(kubeConfigPath); err != nil {
		return nil, serrors.New(serrors.KindCredentialProvisioning,
			`Problem connecting to the Cloud Containers cluster. Please <a href="https://cern.service-now.com/service-portal/function.do?name=swan" target="_blank">report an issue</a>`)
	}
	if _, err := clientcmd.LoadFromFile(kubeConfigPath); err != nil {
		return nil, serrors.Wrap(serrors.KindCredentialProvisioning, errors.Wrapf(err, "loading kubeconfig %s", kubeConfigPath),
			`Problem connecting to the Cloud Containers cluster. Please <a href="https://cern.service-now.com/service-portal/function.do?name=swan" target="_blank">report an issue</a>`)
	}

	return &types.CredentialArtifact{
		Name:    "kubeconfig",
		EnvName: types.EnvKubeConfig,
		Path:    filepath.Join(mountPath, types.KubeConfigFileName),
	}, nil
}

// materializeStorageTokens turns the deposited token files into environment
// artifacts. Both files must exist together, what their absence means depends
// on the cluster: restricted clusters surface an access denial, k8s clusters
// tolerate cluster access without storage access, yarn clusters cannot work
// without the tokens.
func (p *Provisioner) materializeStorageTokens(cl *cluster.Cluster, hostUserPath, mountPath string) ([]types.CredentialArtifact, error) {
	hadoopTokenPath := filepath.Join(hostUserPath, types.HadoopTokenFileName)
	webhdfsTokenPath := filepath.Join(hostUserPath, types.WebHDFSTokenFileName)

	_, hadoopErr := os.Stat(hadoopTokenPath)
	_, webhdfsErr := os.Stat(webhdfsTokenPath)
	if hadoopErr == nil && webhdfsErr == nil {
		token, err := os.ReadFile(webhdfsTokenPath)
		if err != nil {
			return nil, errors.Wrapf(err, "reading webhdfs token %s", webhdfsTokenPath)
		}
		return []types.CredentialArtifact{
			{
				Name:    "hadoop-token",
				EnvName: types.EnvHadoopTokenFile,
				Path:    filepath.Join(mountPath, types.HadoopTokenFileName),
			},
			{
				Name:    "webhdfs-token",
				EnvName: types.EnvWebHDFSToken,
				Value:   string(token),
			},
		}, nil
	}

	if cl.Restricted {
		msg := "Access to the " + strings.ToUpper(cl.Name) + " cluster is not granted."
		if cl.AccessRequestURL != "" {
			msg += ` Please <a href="` + cl.AccessRequestURL + `" target="_blank">request access</a>`
		}
		return nil, serrors.New(serrors.KindAccessDenied, msg)
	}
	if cl.Kind == cluster.KindK8s {
		// cluster access without backing storage access is a valid setup
		klog.InfoS("No storage tokens deposited, continuing without storage access", "cluster", cl.Name)
		return nil, nil
	}
	return nil, serrors.New(serrors.KindUnsupportedConfiguration,
		"Configuration unsupported: yarn clusters require storage and cluster tokens to be granted")
}
