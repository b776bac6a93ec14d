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

package log

import (
	"flag"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// InitLogging routes klog file output under <rootPath>/log, called once
// before any daemon component starts. Messages logged earlier go to stderr.
func InitLogging(rootPath string) error {
	logDir := filepath.Join(rootPath, "log")
	if _, err := os.Stat(logDir); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(logDir, 0750); err != nil {
				return err
			}
		} else {
			return err
		}
	}
	osArgs := os.Args
	os.Args = []string{osArgs[0], "--log_dir", logDir, "--logtostderr=false", "--alsologtostderr=true", "--one_output=false"}
	klog.InitFlags(nil)
	flag.Parse()
	os.Args = osArgs
	return nil
}
