package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/kahf-io/maintenance-operator/internal/operator"
)

// defaultSyncInterval is the default endpoint reconciliation period.
const defaultSyncInterval = 60 * time.Second

//nolint:gochecknoglobals // set by SetVersion from main
var (
	version = "development"
	gitsha  = "development"
)

func SetVersion(ver, sha string) {
	version = ver
	gitsha = sha
}

//nolint:gochecknoglobals // cobra command pattern
var rootCmd = &cobra.Command{
	Use:   "maintenance-operator",
	Short: "Kubernetes operator for annotation-driven maintenance mode",
	Long: `A Kubernetes operator that watches Ingress and Traefik IngressRoute
resources for a maintenance annotation. When maintenance mode is enabled the
original routing rules are backed up and traffic is redirected to a shared,
content-addressed maintenance page backend; disabling restores the original
rules verbatim.`,
	RunE:          runOperator,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	rootCmd.Flags().String("namespace", "default", "Operator namespace (or use MAINT_NAMESPACE / POD_NAMESPACE)")
	rootCmd.Flags().String("annotation-domain", "maintenance-operator.kahf.io", "Domain prefix of maintenance annotations")
	rootCmd.Flags().String("default-pages-configmap", "maintenance-operator-default-pages", "ConfigMap holding the default maintenance page")
	rootCmd.Flags().String("backup-prefix", "maintenance-backup", "Name prefix for backup ConfigMaps")
	rootCmd.Flags().Int32("service-port", 80, "Service port routes are redirected to")
	rootCmd.Flags().String("serve-mode", "local", "Content serving mode (local, proxy)")
	rootCmd.Flags().String("server-image", "nginx:alpine", "Container image for per-namespace serving pods in local mode")
	rootCmd.Flags().String("worker-selector", "app.kubernetes.io/name=maintenance-server", "Label selector for maintenance server pods")
	rootCmd.Flags().Duration("sync-interval", defaultSyncInterval, "Endpoint reconciliation period")
	rootCmd.Flags().Bool("enable-ingressroute", true, "Watch Traefik IngressRoute resources (requires the CRD)")
	rootCmd.Flags().String("metrics-addr", ":8080", "Address for metrics endpoint")
	rootCmd.Flags().String("health-addr", ":8081", "Address for health probe endpoint")

	// Leader election flags
	rootCmd.Flags().Bool("leader-elect", false, "Enable leader election for high availability")
	rootCmd.Flags().String("leader-election-namespace", "", "Namespace for leader election lease (defaults to controller namespace)")
	rootCmd.Flags().String("leader-election-name", "maintenance-operator-leader", "Name of the leader election lease")

	_ = viper.BindPFlags(rootCmd.Flags())
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	viper.SetEnvPrefix("MAINT")
	viper.AutomaticEnv()

	// The downward API conventionally exposes the namespace as POD_NAMESPACE.
	_ = viper.BindEnv("namespace", "MAINT_NAMESPACE", "POD_NAMESPACE")

	viper.SetDefault("namespace", "default")
	viper.SetDefault("annotation-domain", "maintenance-operator.kahf.io")
	viper.SetDefault("default-pages-configmap", "maintenance-operator-default-pages")
	viper.SetDefault("backup-prefix", "maintenance-backup")
	viper.SetDefault("service-port", 80)
	viper.SetDefault("serve-mode", "local")
	viper.SetDefault("server-image", "nginx:alpine")
	viper.SetDefault("worker-selector", "app.kubernetes.io/name=maintenance-server")
	viper.SetDefault("sync-interval", defaultSyncInterval)
	viper.SetDefault("enable-ingressroute", true)
	viper.SetDefault("metrics-addr", ":8080")
	viper.SetDefault("health-addr", ":8081")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "json")
	viper.SetDefault("leader-elect", false)
	viper.SetDefault("leader-election-name", "maintenance-operator-leader")
}

func Execute() error {
	return errors.Wrap(rootCmd.Execute(), "command execution failed")
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo

	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if viper.GetString("log-format") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

//nolint:noinlineerr // inline error handling is fine here
func runOperator(_ *cobra.Command, _ []string) error {
	logger := setupLogger()
	slog.SetDefault(logger)

	ctrl.SetLogger(logr.FromSlogHandler(logger.Handler()))

	logger.Info("starting maintenance-operator",
		"version", version,
		"gitsha", gitsha,
	)

	cfg := operator.Config{
		Namespace:             viper.GetString("namespace"),
		AnnotationDomain:      viper.GetString("annotation-domain"),
		DefaultPagesConfigMap: viper.GetString("default-pages-configmap"),
		BackupPrefix:          viper.GetString("backup-prefix"),
		ServicePort:           viper.GetInt32("service-port"),
		ServeMode:             viper.GetString("serve-mode"),
		ServerImage:           viper.GetString("server-image"),
		WorkerSelector:        viper.GetString("worker-selector"),
		SyncInterval:          viper.GetDuration("sync-interval"),
		EnableIngressRoute:    viper.GetBool("enable-ingressroute"),
		MetricsAddr:           viper.GetString("metrics-addr"),
		HealthAddr:            viper.GetString("health-addr"),

		LeaderElect:     viper.GetBool("leader-elect"),
		LeaderElectNS:   viper.GetString("leader-election-namespace"),
		LeaderElectName: viper.GetString("leader-election-name"),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := operator.Run(ctx, &cfg); err != nil {
		return errors.Wrap(err, "failed to run operator")
	}

	return nil
}
