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

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	restful "github.com/emicklei/go-restful/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/logs"
	"k8s.io/component-base/version/verflag"

	"github.com/swanhub/sessiond/pkg/log"
	"github.com/swanhub/sessiond/pkg/spawner/backend/process"
	"github.com/swanhub/sessiond/pkg/spawner/cluster"
	"github.com/swanhub/sessiond/pkg/spawner/config"
	"github.com/swanhub/sessiond/pkg/spawner/controller"
	"github.com/swanhub/sessiond/pkg/spawner/service"
	"github.com/swanhub/sessiond/pkg/spawner/store/sqlite"
)

const (
	SessionD = "sessiond"
)

func NewCommand() *cobra.Command {
	flagSet := pflag.NewFlagSet(SessionD, pflag.ContinueOnError)
	flagSet.SetNormalizeFunc(cliflag.WordSepNormalizeFunc)

	spawnerConfig, err := config.DefaultSpawnerConfiguration()
	if err != nil {
		klog.ErrorS(err, "Failed to initialize spawner config")
		os.Exit(1)
	}
	config.AddConfigFlags(flagSet, spawnerConfig)

	cmd := &cobra.Command{
		Use:                SessionD,
		Long:               `sessiond provisions user analysis sessions, it reserves cluster ports, acquires credentials, composes the session environment and delegates the launch to a backend`,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			// initial flag parse, since we disable cobra's flag parsing
			if err := flagSet.Parse(args); err != nil {
				return fmt.Errorf("failed to parse flag: %w", err)
			}

			cmds := flagSet.Args()
			if len(cmds) > 0 {
				return fmt.Errorf("unknown command %+s", cmds[0])
			}

			help, err := flagSet.GetBool("help")
			if err != nil {
				return errors.New(`"help" flag is non-bool, programmer error, please correct`)
			}
			if help {
				return cmd.Help()
			}

			verflag.PrintAndExitIfRequested()

			return Run(ctx, *spawnerConfig)
		},
	}
	flagSet.BoolP("help", "h", false, fmt.Sprintf("help for %s", cmd.Name()))

	// ugly, but necessary, because Cobra's default UsageFunc and HelpFunc pollute the flagset with global flags
	const usageFmt = "Usage:\n  %s\n\nFlags:\n%s"
	cmd.SetUsageFunc(func(cmd *cobra.Command) error {
		fmt.Fprintf(cmd.OutOrStderr(), usageFmt, cmd.UseLine(), flagSet.FlagUsagesWrapped(2))
		return nil
	})
	cmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n"+usageFmt, cmd.Long, cmd.UseLine(), flagSet.FlagUsagesWrapped(2))
	})

	return cmd
}

func Run(ctx context.Context, spawnerConfig config.SpawnerConfiguration) error {
	klog.InfoS("Golang settings", "GOGC", os.Getenv("GOGC"), "GOMAXPROCS", os.Getenv("GOMAXPROCS"), "GOTRACEBACK", os.Getenv("GOTRACEBACK"))

	if errs := config.ValidateSpawnerConfiguration(spawnerConfig); len(errs) != 0 {
		return fmt.Errorf("invalid sessiond configuration, errors: %v, configuration: %v", errs, spawnerConfig)
	}
	if err := log.InitLogging(spawnerConfig.RootPath); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	klog.InfoS("SpawnerConfiguration", "configuration", spawnerConfig)

	logs.InitLogs()

	catalog := cluster.DefaultCatalog()
	if spawnerConfig.ClusterCatalogPath != "" {
		var err error
		catalog, err = cluster.LoadCatalog(spawnerConfig.ClusterCatalogPath)
		if err != nil {
			return fmt.Errorf("failed to load cluster catalog: %w", err)
		}
	}

	records, err := sqlite.NewSessionRecordStore(&sqlite.SQLiteStoreOptions{
		ConnUrl: spawnerConfig.DatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to open session record store: %w", err)
	}

	if err := run(ctx, &spawnerConfig, catalog, records); err != nil {
		return fmt.Errorf("failed to run sessiond: %w", err)
	}
	return nil
}

func run(ctx context.Context, spawnerConfig *config.SpawnerConfiguration, catalog *cluster.Catalog, records *sqlite.SessionRecordStore) error {
	go daemon.SdNotify(false, "READY=1")

	ctrl := controller.NewController(spawnerConfig, catalog, controller.Dependencies{
		Backend: process.NewBackend(spawnerConfig.SessionCommand),
		Records: records,
	})
	sessionManager := service.NewSessionManager(spawnerConfig, ctrl)

	container := restful.NewContainer()
	container.Add(sessionManager.WebService())
	server := &http.Server{Addr: spawnerConfig.ListenAddress, Handler: container}

	errCh := make(chan error, 1)
	go func() {
		klog.InfoS("Starting session service", "address", spawnerConfig.ListenAddress)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		klog.Info("Shutting down session service")
		return server.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
