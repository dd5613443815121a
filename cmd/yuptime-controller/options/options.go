/*
Copyright 2024 The KCP Authors.

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

package options

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	logsapi "k8s.io/component-base/logs/api/v1"
	"sigs.k8s.io/yaml"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/pkg/health"
	"github.com/yuptime/yuptime/pkg/jobs"
)

const userAgent = "yuptime-controller"

// Options contains the configuration of the yuptime controller. Every field
// can be set from the --config file and overridden by flags.
type Options struct {
	// Kubeconfig is the path to a kubeconfig. Empty uses the in-cluster
	// configuration.
	Kubeconfig string  `json:"kubeconfig,omitempty"`
	QPS        float32 `json:"qps,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	// Namespace restricts namespaced resources to one namespace. Empty
	// watches all namespaces.
	Namespace string `json:"namespace,omitempty"`

	WorkersPerKind int             `json:"workersPerKind,omitempty"`
	ResyncPeriod   metav1.Duration `json:"resyncPeriod,omitempty"`

	MaxConcurrentChecks   int             `json:"maxConcurrentChecks,omitempty"`
	JobSlack              metav1.Duration `json:"jobSlack,omitempty"`
	CheckerImage          string          `json:"checkerImage,omitempty"`
	CheckerNamespace      string          `json:"checkerNamespace,omitempty"`
	CheckerServiceAccount string          `json:"checkerServiceAccount,omitempty"`

	WebhookURL     string          `json:"webhookURL,omitempty"`
	WebhookTimeout metav1.Duration `json:"webhookTimeout,omitempty"`
	ExternalURL    string          `json:"externalURL,omitempty"`

	FlapThreshold       int `json:"flapThreshold,omitempty"`
	FlapWindowIntervals int `json:"flapWindowIntervals,omitempty"`

	MetricsAddress string `json:"metricsAddress,omitempty"`
	InstallCRDs    bool   `json:"installCRDs,omitempty"`

	Logs *logsapi.LoggingConfiguration `json:"logging,omitempty"`

	// ConfigFile is a YAML file holding these options.
	ConfigFile string `json:"-"`

	// RestConfig is populated by Complete.
	RestConfig *rest.Config `json:"-"`
}

// NewOptions returns Options with default values.
func NewOptions() *Options {
	return &Options{
		QPS:                 50,
		Burst:               100,
		WorkersPerKind:      2,
		ResyncPeriod:        metav1.Duration{Duration: 10 * time.Minute},
		MaxConcurrentChecks: 0,
		JobSlack:            metav1.Duration{Duration: jobs.DefaultSlack},
		CheckerImage:        jobs.DefaultCheckerImage,
		WebhookTimeout:      metav1.Duration{Duration: 10 * time.Second},
		FlapThreshold:       health.DefaultFlapThreshold,
		FlapWindowIntervals: health.DefaultFlapWindowIntervals,
		MetricsAddress:      ":8080",
		Logs:                logsapi.NewLoggingConfiguration(),
	}
}

// AddFlags adds the flags of every option to fs.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile, "Path to a YAML file with controller options. Flags override values from the file.")

	fs.StringVar(&o.Kubeconfig, "kubeconfig", o.Kubeconfig, "Path to the kubeconfig file. Empty uses the in-cluster configuration.")
	fs.Float32Var(&o.QPS, "kube-api-qps", o.QPS, "QPS to use while talking to the API server.")
	fs.IntVar(&o.Burst, "kube-api-burst", o.Burst, "Burst to use while talking to the API server.")
	fs.StringVar(&o.Namespace, "namespace", o.Namespace, "Only watch namespaced resources in this namespace. Empty watches all namespaces.")

	fs.IntVar(&o.WorkersPerKind, "workers-per-kind", o.WorkersPerKind, "Number of reconcile workers per resource kind.")
	fs.DurationVar(&o.ResyncPeriod.Duration, "resync-period", o.ResyncPeriod.Duration, "Period of full relists. Zero disables them.")

	fs.IntVar(&o.MaxConcurrentChecks, "max-concurrent-checks", o.MaxConcurrentChecks, "Maximum number of check jobs running at the same time. Zero means unlimited.")
	fs.DurationVar(&o.JobSlack.Duration, "job-slack", o.JobSlack.Duration, "Grace period added to a check timeout before the job is considered timed out.")
	fs.StringVar(&o.CheckerImage, "checker-image", o.CheckerImage, "Container image running the checks.")
	fs.StringVar(&o.CheckerNamespace, "checker-namespace", o.CheckerNamespace, "Namespace check jobs run in. Empty runs every job in its monitor's namespace.")
	fs.StringVar(&o.CheckerServiceAccount, "checker-service-account", o.CheckerServiceAccount, "Service account of the check jobs.")

	fs.StringVar(&o.WebhookURL, "webhook-url", o.WebhookURL, "Alertmanager compatible receiver of alert notifications. Empty disables notifications.")
	fs.DurationVar(&o.WebhookTimeout.Duration, "webhook-timeout", o.WebhookTimeout.Duration, "Timeout of a single notification attempt.")
	fs.StringVar(&o.ExternalURL, "external-url", o.ExternalURL, "URL used as generatorURL prefix in alerts.")

	fs.IntVar(&o.FlapThreshold, "flap-threshold", o.FlapThreshold, "State toggles within the flap window that mark a monitor flapping.")
	fs.IntVar(&o.FlapWindowIntervals, "flap-window-intervals", o.FlapWindowIntervals, "Length of the flap window in check intervals.")

	fs.StringVar(&o.MetricsAddress, "metrics-bind-address", o.MetricsAddress, "Address serving /metrics, /healthz and /readyz. Empty disables the server.")
	fs.BoolVar(&o.InstallCRDs, "install-crds", o.InstallCRDs, "Create or update the CustomResourceDefinitions on startup.")

	logsapi.AddFlags(o.Logs, fs)
}

// Complete loads the config file, applies the logging configuration and
// builds the REST config. fs is the flag set AddFlags was called with.
func (o *Options) Complete(fs *pflag.FlagSet) error {
	if o.ConfigFile != "" {
		if err := o.loadConfigFile(fs); err != nil {
			return err
		}
	}

	if err := logsapi.ValidateAndApply(o.Logs, nil); err != nil {
		return fmt.Errorf("failed to apply logging configuration: %w", err)
	}

	config, err := clientcmd.BuildConfigFromFlags("", o.Kubeconfig)
	if err != nil {
		return fmt.Errorf("failed to build REST config: %w", err)
	}
	config.QPS = o.QPS
	config.Burst = o.Burst
	config.UserAgent = rest.DefaultKubernetesUserAgent() + " " + userAgent
	o.RestConfig = config
	return nil
}

// loadConfigFile reads the config file into o. Flags set on the command
// line keep their value.
func (o *Options) loadConfigFile(fs *pflag.FlagSet) error {
	data, err := os.ReadFile(o.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	explicit := map[string]string{}
	if fs != nil {
		fs.Visit(func(f *pflag.Flag) {
			explicit[f.Name] = f.Value.String()
		})
	}

	configFile := o.ConfigFile
	if err := yaml.UnmarshalStrict(data, o); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}
	o.ConfigFile = configFile

	var errs []error
	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			errs = append(errs, fmt.Errorf("failed to reapply --%s: %w", name, err))
		}
	}
	return utilerrors.NewAggregate(errs)
}

// Validate checks the option values.
func (o *Options) Validate() error {
	var errs []error

	if o.WorkersPerKind <= 0 {
		errs = append(errs, fmt.Errorf("--workers-per-kind must be positive, got %d", o.WorkersPerKind))
	}
	if o.ResyncPeriod.Duration < 0 {
		errs = append(errs, fmt.Errorf("--resync-period must not be negative, got %v", o.ResyncPeriod.Duration))
	}
	if o.MaxConcurrentChecks < 0 {
		errs = append(errs, fmt.Errorf("--max-concurrent-checks must not be negative, got %d", o.MaxConcurrentChecks))
	}
	if o.JobSlack.Duration <= 0 {
		errs = append(errs, fmt.Errorf("--job-slack must be positive, got %v", o.JobSlack.Duration))
	}
	if o.CheckerImage == "" {
		errs = append(errs, fmt.Errorf("--checker-image is required"))
	}
	if o.WebhookTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("--webhook-timeout must be positive, got %v", o.WebhookTimeout.Duration))
	}
	if o.FlapThreshold < monitoringv1.MinFlapThreshold {
		errs = append(errs, fmt.Errorf("--flap-threshold must be at least %d, got %d", monitoringv1.MinFlapThreshold, o.FlapThreshold))
	}
	if o.FlapWindowIntervals <= 0 {
		errs = append(errs, fmt.Errorf("--flap-window-intervals must be positive, got %d", o.FlapWindowIntervals))
	}
	if o.QPS <= 0 || o.Burst <= 0 {
		errs = append(errs, fmt.Errorf("--kube-api-qps and --kube-api-burst must be positive"))
	}

	return utilerrors.NewAggregate(errs)
}

// CheckerConfig returns the job configuration derived from the options.
func (o *Options) CheckerConfig() jobs.CheckerConfig {
	return jobs.CheckerConfig{
		Image:              o.CheckerImage,
		Namespace:          o.CheckerNamespace,
		ServiceAccountName: o.CheckerServiceAccount,
	}
}

// FlapConfig returns the flap detection settings derived from the options.
func (o *Options) FlapConfig() health.Config {
	return health.Config{
		FlapThreshold:       o.FlapThreshold,
		FlapWindowIntervals: o.FlapWindowIntervals,
	}
}
