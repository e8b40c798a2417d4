package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/kahf-io/maintenance-operator/internal/content"
	"github.com/kahf-io/maintenance-operator/internal/server"
)

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
	Use:   "maintenance-server",
	Short: "Maintenance page server with content-type negotiation",
	Long: `Serves maintenance pages in HTML, JSON or XML based on the request's
Accept header. Custom pages are loaded from ConfigMaps; a page is selected
with the "page" query parameter or the X-Maintenance-Page header.`,
	RunE:          runServer,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	rootCmd.Flags().String("addr", ":8080", "Listen address")
	rootCmd.Flags().String("namespace", "default", "Namespace holding page ConfigMaps (or use MAINT_NAMESPACE / POD_NAMESPACE)")
	rootCmd.Flags().Int("status-code", defaultStatusCode, "HTTP status of maintenance responses")
	rootCmd.Flags().String("default-html", "", "Default HTML payload (falls back to the built-in page)")
	rootCmd.Flags().String("default-json", "", "Default JSON payload")
	rootCmd.Flags().String("default-xml", "", "Default XML payload")

	_ = viper.BindPFlags(rootCmd.Flags())
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

const defaultStatusCode = 503

func initConfig() {
	viper.SetEnvPrefix("MAINT")
	viper.AutomaticEnv()

	_ = viper.BindEnv("namespace", "MAINT_NAMESPACE", "POD_NAMESPACE")

	viper.SetDefault("addr", ":8080")
	viper.SetDefault("namespace", "default")
	viper.SetDefault("status-code", defaultStatusCode)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "json")
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
func runServer(_ *cobra.Command, _ []string) error {
	logger := setupLogger()
	slog.SetDefault(logger)

	logger.Info("starting maintenance-server",
		"version", version,
		"gitsha", gitsha,
	)

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load kubernetes config")
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return errors.Wrap(err, "failed to create kubernetes client")
	}

	defaultHTML := viper.GetString("default-html")
	if defaultHTML == "" {
		defaultHTML = content.FallbackHTML
	}

	cfg := server.Config{
		Addr:        viper.GetString("addr"),
		StatusCode:  viper.GetInt("status-code"),
		DefaultHTML: defaultHTML,
		DefaultJSON: viper.GetString("default-json"),
		DefaultXML:  viper.GetString("default-xml"),
	}

	pages := server.NewConfigMapPages(clientset, viper.GetString("namespace"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := server.New(cfg, pages).Run(ctx); err != nil {
		return errors.Wrap(err, "failed to run page server")
	}

	return nil
}
