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

package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

const (
	DefaultStackRootPath         = "/cvmfs/sft.cern.ch/lcg/views"
	DefaultEOSPathPrefix         = "/eos/user"
	DefaultLocalHomePrefix       = "/scratch"
	DefaultYarnConfigScript      = "/cvmfs/sft.cern.ch/lcg/etc/hadoop-confext/hadoop-setconf.sh"
	DefaultK8sConfigScript       = "/cvmfs/sft.cern.ch/lcg/etc/hadoop-confext/k8s-setconf.sh"
	DefaultClusterTokenHostPath  = "/spark"
	DefaultClusterTokenMountPath = "/spark"
	DefaultMaxClusterSessions    = 1
	DefaultPortsPerSession       = 3
	DefaultPortRangeStart        = 5001
	DefaultPortRangeEnd          = 5300
	DefaultPortReserveAttempts   = 10
	DefaultMetricBasePath        = "c5.swan"
	DefaultMetricServer          = "filer-carbon.cern.ch"
	DefaultMetricServerPort      = 2004
	DefaultDBName                = "sessiond.sqlite"
	DefaultRootPath              = "/var/lib/sessiond"
	DefaultSubprocessTimeoutSecs = 60
	DefaultListenAddress         = "127.0.0.1:8090"
	DefaultSessionCommand        = "jupyterhub-singleuser"
)

// SpawnerConfiguration carries everything the orchestration core needs to
// provision one session: software stack location, home storage policy,
// cluster credential helpers, port range and telemetry endpoint.
type SpawnerConfiguration struct {
	// StackRootPath is where software stack releases are mounted,
	// it must contain <release>/<platform> subdirectories
	StackRootPath string
	// LocalHome switches the session home to a host local directory
	// instead of networked user storage
	LocalHome bool
	// EOSPathPrefix precedes the /<initial>/<user> shard of a networked home
	EOSPathPrefix   string
	LocalHomePrefix string
	// AuthScript primes home storage credentials before launch, optional
	AuthScript string
	// HadoopAuthScript deposits cluster auth tokens for a user, invoked as
	// <script> <cluster> <user>
	HadoopAuthScript string
	// InitK8sUserScript provisions the per user kubeconfig, invoked as
	// <script> <user>
	InitK8sUserScript string
	YarnConfigScript  string
	K8sConfigScript   string
	// ClusterTokenHostPath is the host directory under which per user token
	// files are deposited, <path>/<user>/hadoop.toks etc
	ClusterTokenHostPath string
	// ClusterTokenMountPath is where that directory appears inside the session
	ClusterTokenMountPath string
	ClusterCatalogPath    string
	MaxClusterSessions    int
	PortsPerSession       int
	PortRangeStart        int
	PortRangeEnd          int
	PortReserveAttempts   int
	MetricsOn             bool
	MetricBasePath        string
	MetricServer          string
	MetricServerPort      int
	// Hostname is the explicit host identity used in metric paths,
	// passed in rather than read ambiently at emission time
	Hostname string
	// ExtraEnvironment entries override computed values, last write wins
	ExtraEnvironment map[string]string
	AvailableCores   []string
	AvailableMemory  []string
	DatabaseURL      string
	RootPath         string
	// ListenAddress is where the session REST service binds
	ListenAddress string
	// SessionCommand is the process the local backend launches for each
	// session, argv form
	SessionCommand []string
	// SubprocessTimeoutSeconds bounds every external auth helper run
	SubprocessTimeoutSeconds int
}

func DefaultSpawnerConfiguration() (*SpawnerConfiguration, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	return &SpawnerConfiguration{
		StackRootPath:            DefaultStackRootPath,
		LocalHome:                false,
		EOSPathPrefix:            DefaultEOSPathPrefix,
		LocalHomePrefix:          DefaultLocalHomePrefix,
		YarnConfigScript:         DefaultYarnConfigScript,
		K8sConfigScript:          DefaultK8sConfigScript,
		ClusterTokenHostPath:     DefaultClusterTokenHostPath,
		ClusterTokenMountPath:    DefaultClusterTokenMountPath,
		MaxClusterSessions:       DefaultMaxClusterSessions,
		PortsPerSession:          DefaultPortsPerSession,
		PortRangeStart:           DefaultPortRangeStart,
		PortRangeEnd:             DefaultPortRangeEnd,
		PortReserveAttempts:      DefaultPortReserveAttempts,
		MetricsOn:                true,
		MetricBasePath:           DefaultMetricBasePath,
		MetricServer:             DefaultMetricServer,
		MetricServerPort:         DefaultMetricServerPort,
		Hostname:                 hostname,
		ExtraEnvironment:         map[string]string{},
		AvailableCores:           []string{"1"},
		AvailableMemory:          []string{"8"},
		DatabaseURL:              fmt.Sprintf("file:%s/db/%s?cache=shared&mode=rwc", DefaultRootPath, DefaultDBName),
		RootPath:                 DefaultRootPath,
		ListenAddress:            DefaultListenAddress,
		SessionCommand:           []string{DefaultSessionCommand},
		SubprocessTimeoutSeconds: DefaultSubprocessTimeoutSecs,
	}, nil
}

func ValidateSpawnerConfiguration(cfg SpawnerConfiguration) []error {
	errs := []error{}
	if cfg.PortRangeStart > cfg.PortRangeEnd {
		errs = append(errs, fmt.Errorf("port range start %d is greater than range end %d", cfg.PortRangeStart, cfg.PortRangeEnd))
	}
	if cfg.PortsPerSession <= 0 || cfg.MaxClusterSessions <= 0 {
		errs = append(errs, fmt.Errorf("ports per session and max cluster sessions must be positive, got %d and %d", cfg.PortsPerSession, cfg.MaxClusterSessions))
	}
	if cfg.PortReserveAttempts <= 0 {
		errs = append(errs, fmt.Errorf("port reserve attempts must be positive, got %d", cfg.PortReserveAttempts))
	}
	if len(cfg.AvailableCores) == 0 || len(cfg.AvailableMemory) == 0 {
		errs = append(errs, fmt.Errorf("available cores and memory option lists must not be empty"))
	}
	if len(cfg.SessionCommand) == 0 {
		errs = append(errs, fmt.Errorf("session command must not be empty"))
	}

	var err error
	if _, err = os.Stat(cfg.RootPath); os.IsNotExist(err) {
		err = os.MkdirAll(cfg.RootPath, os.FileMode(int(0755)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s does not exist, and can not be created due to %v", cfg.RootPath, err))
		}
	}

	dbDir := fmt.Sprintf("%s/db", cfg.RootPath)
	if _, err = os.Stat(dbDir); os.IsNotExist(err) {
		err = os.Mkdir(dbDir, os.FileMode(int(0755)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s does not exist, and can not be created due to %v", dbDir, err))
		}
	}

	return errs
}

func AddConfigFlags(flagSet *pflag.FlagSet, cfg *SpawnerConfiguration) {
	flagSet.StringVar(&cfg.StackRootPath, "stack-root-path", cfg.StackRootPath, "path where software stack releases are mounted")

	flagSet.BoolVar(&cfg.LocalHome, "local-home", cfg.LocalHome, "use a host local directory as the session home instead of networked user storage")

	flagSet.StringVar(&cfg.EOSPathPrefix, "eos-path-prefix", cfg.EOSPathPrefix, "path preceding the /<initial>/<user> home directory shard")

	flagSet.StringVar(&cfg.AuthScript, "auth-script", cfg.AuthScript, "script priming home storage credentials for a user, leave empty to skip")

	flagSet.StringVar(&cfg.HadoopAuthScript, "hadoop-auth-script", cfg.HadoopAuthScript, "script depositing cluster auth tokens, invoked with cluster and user")

	flagSet.StringVar(&cfg.InitK8sUserScript, "init-k8s-user-script", cfg.InitK8sUserScript, "script provisioning the per user kubeconfig")

	flagSet.StringVar(&cfg.ClusterCatalogPath, "cluster-catalog", cfg.ClusterCatalogPath, "yaml file describing selectable clusters, built in catalog when empty")

	flagSet.IntVar(&cfg.PortRangeStart, "port-range-start", cfg.PortRangeStart, "start of the ephemeral port range reserved for cluster sessions")

	flagSet.IntVar(&cfg.PortRangeEnd, "port-range-end", cfg.PortRangeEnd, "end of the ephemeral port range reserved for cluster sessions")

	flagSet.BoolVar(&cfg.MetricsOn, "metrics-on", cfg.MetricsOn, "emit session telemetry to the metric collector")

	flagSet.StringVar(&cfg.MetricServer, "metric-server", cfg.MetricServer, "host receiving session telemetry")

	flagSet.IntVar(&cfg.MetricServerPort, "metric-server-port", cfg.MetricServerPort, "port of the telemetry collector batch endpoint")

	flagSet.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "connection url of the session record database")

	flagSet.StringVar(&cfg.ListenAddress, "listen-address", cfg.ListenAddress, "address the session REST service binds to")

	flagSet.StringSliceVar(&cfg.SessionCommand, "session-command", cfg.SessionCommand, "command the local backend launches for each session")
}
