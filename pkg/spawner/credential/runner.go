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

package credential

import (
	"context"
	"os/exec"
	"time"
)

// HelperRunner executes an external auth helper under a bounded timeout.
// Helpers run privileged, their exit code is reported but the decision
// whether a non zero exit is fatal belongs to the caller.
type HelperRunner interface {
	Run(ctx context.Context, script string, args ...string) error
}

var _ HelperRunner = &sudoHelperRunner{}

type sudoHelperRunner struct {
	timeout time.Duration
}

func NewSudoHelperRunner(timeout time.Duration) HelperRunner {
	return &sudoHelperRunner{timeout: timeout}
}

func (r *sudoHelperRunner) Run(ctx context.Context, script string, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmdArgs := append([]string{script}, args...)
	cmd := exec.CommandContext(runCtx, "sudo", cmdArgs...)
	return cmd.Run()
}
