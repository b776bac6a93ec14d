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

// Environment variable names consumed inside the session container. These are
// a compatibility surface, session images and cluster config scripts read
// them by exact name.
const (
	EnvStackReleaseName = "ROOT_LCG_VIEW_NAME"
	EnvStackPlatform    = "ROOT_LCG_VIEW_PLATFORM"
	EnvUserScript       = "USER_ENV_SCRIPT"
	EnvStackRootPath    = "ROOT_LCG_VIEW_PATH"
	EnvUser             = "USER"
	EnvUserID           = "USER_ID"
	EnvHome             = "HOME"

	EnvHubUser       = "JPY_USER"
	EnvHubCookieName = "JPY_COOKIE_NAME"
	EnvHubBaseURL    = "JPY_BASE_URL"
	EnvHubPrefix     = "JPY_HUB_PREFIX"
	EnvHubAPIURL     = "JPY_HUB_API_URL"

	EnvClusterName         = "SPARK_CLUSTER_NAME"
	EnvClusterUser         = "SPARK_USER"
	EnvServerHostname      = "SERVER_HOSTNAME"
	EnvMaxMemory           = "MAX_MEMORY"
	EnvClusterConfigScript = "SPARK_CONFIG_SCRIPT"
	EnvClusterPorts        = "SPARK_PORTS"

	EnvKerberosCache   = "KRB5CCNAME"
	EnvKubeConfig      = "KUBECONFIG"
	EnvHadoopTokenFile = "HADOOP_TOKEN_FILE_LOCATION"
	EnvWebHDFSToken    = "WEBHDFS_TOKEN"
)

// Credential artifact file names deposited by the auth helpers under the per
// user token directory.
const (
	KubeConfigFileName    = "k8s-user.config"
	HadoopTokenFileName   = "hadoop.toks"
	WebHDFSTokenFileName  = "webhdfs.toks"
	KerberosCacheFileName = "krb5cc"
	// YarnKerberosCachePath is the fixed in-container cache location for
	// yarn clusters
	YarnKerberosCachePath = "/tmp/krb5cc"
)
