package cli

import (
	"context"
	"log"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/metasvc/corehub/accesslog"
	"github.com/metasvc/corehub/api"
	"github.com/metasvc/corehub/auth"
	ehttp "github.com/metasvc/corehub/http"
	"github.com/metasvc/corehub/internal/pgstore"
	"github.com/metasvc/corehub/manifest"
	"github.com/metasvc/corehub/queue"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start the HTTP API server",
	Run:   runServer,
}

func init() {
	runCmd.Flags().String("port", "8080", "HTTP listen port")
	runCmd.Flags().String("rabbitmq-url", "", "RabbitMQ URL for the access-log notifier sink (optional)")
	runCmd.Flags().String("jwt-secret", "", "HMAC secret used to validate bearer tokens")
	runCmd.Flags().String("jwt-issuer", "", "expected JWT issuer (optional)")
	runCmd.Flags().String("version", "dev", "version string served by GET /version")

	viper.BindPFlag("port", runCmd.Flags().Lookup("port"))
	viper.BindPFlag("rabbitmq.url", runCmd.Flags().Lookup("rabbitmq-url"))
	viper.BindPFlag("jwt.secret", runCmd.Flags().Lookup("jwt-secret"))
	viper.BindPFlag("jwt.issuer", runCmd.Flags().Lookup("jwt-issuer"))
	viper.BindPFlag("version", runCmd.Flags().Lookup("version"))

	RootCmd.AddCommand(runCmd)
}

// runServer loads the manifest, opens the internal backend and the
// access-log sinks, then serves the HTTP API until it receives SIGINT or
// SIGTERM.
func runServer(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	mf, err := manifest.LoadFile(viper.GetString("manifest"))
	if err != nil {
		log.Fatalf("failed to load manifest: %v", err)
	}
	mf.LinkAccess()

	store, err := pgstore.Open(ctx, viper.GetString("database.url"))
	if err != nil {
		log.Fatalf("failed to open internal backend: %v", err)
	}
	defer store.Close()

	backends := make(map[string]*pgstore.Backend)
	for name, model := range mf.Models {
		if model.External != nil {
			continue // served by the external reader, not the internal backend
		}
		b, err := pgstore.NewBackend(ctx, store, mf, model)
		if err != nil {
			log.Fatalf("failed to open backend for %s: %v", name, err)
		}
		backends[name] = b
	}

	sinks := []accesslog.Sink{accesslog.NewLogrusSink()}
	if url := viper.GetString("rabbitmq.url"); url != "" {
		notifier, err := queue.NewRabbitChangeNotifier(queue.ChangeNotifierConfig{AMQPURL: url, ExchangeName: "corehub.changes"})
		if err != nil {
			log.Fatalf("failed to connect access-log notifier: %v", err)
		}
		defer notifier.Close()
		sinks = append(sinks, accesslog.NewNotifierSink(notifier))
	}

	tokens := auth.NewTokenService(viper.GetString("jwt.secret"), viper.GetString("jwt.issuer"))
	server := api.NewServer(mf, store, backends, sinks, tokens, viper.GetString("version"))

	port, err := strconv.Atoi(viper.GetString("port"))
	if err != nil {
		log.Fatalf("invalid --port: %v", err)
	}

	cfg := ehttp.DefaultRunServerConfig("corehub", "corehub", viper.GetString("version"))
	cfg.Port = port

	err = ehttp.RunServer(cfg, func(e *echo.Echo) error {
		server.RegisterRoutes(e)
		return nil
	})
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
