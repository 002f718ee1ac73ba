package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duralog/duralog/pkg/blob/factory"
	"github.com/duralog/duralog/pkg/debug"
	"github.com/duralog/duralog/pkg/logging"
	"github.com/duralog/duralog/pkg/oplog"
	"github.com/duralog/duralog/pkg/store"
	_ "github.com/duralog/duralog/pkg/store/local"
	_ "github.com/duralog/duralog/pkg/store/mem"
	_ "github.com/duralog/duralog/pkg/store/redis"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const gracefulShutdownTimeout = 30 * time.Second

// accountHeader names the caller's account on debug connections. Requests without
// it are rejected as unauthorized.
const accountHeader = "X-Duralog-Account"

type headerAuthorizer struct{}

func (headerAuthorizer) Authorize(r *http.Request) (string, error) {
	accountID := r.Header.Get(accountHeader)
	if accountID == "" {
		return "", errors.New("missing " + accountHeader + " header")
	}
	return accountID, nil
}

type Shutter interface {
	Shutdown(context.Context) error
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the duralog server",
	Run: func(cmd *cobra.Command, args []string) {
		logger := logging.Default()
		cfg := loadConfig()
		ctx := cmd.Context()

		st, err := store.Open(ctx, cfg.StoreParams())
		if err != nil {
			logger.WithError(err).Fatal("Failed to open indexed store")
		}
		st = store.WrapWithMetrics(st, cfg.StoreParams().Type)
		defer st.Close()

		blobAdapter, err := factory.BuildBlobAdapter(ctx, cfg.BlobParams())
		if err != nil {
			logger.WithError(err).Fatal("Failed to build blob adapter")
		}

		payloads, err := oplog.NewPayloadStore(blobAdapter, cfg.OplogMaxPayloadSize())
		if err != nil {
			logger.WithError(err).Fatal("Failed to create payload store")
		}
		defer payloads.Close()

		primary, err := oplog.NewPrimaryService(ctx, st, payloads, cfg.OplogMaxOperationsBeforeCommit())
		if err != nil {
			logger.WithError(err).Fatal("Failed to create primary oplog service")
		}

		archives := make([]oplog.ArchiveService, cfg.OplogArchiveLayers())
		for layer := range archives {
			archives[layer] = oplog.NewStoreArchiveService(st, layer)
		}
		oplogService, err := oplog.NewMultiLayerService(primary, archives, cfg.OplogEntryCountLimit())
		if err != nil {
			logger.WithError(err).Fatal("Failed to create multi-layer oplog service")
		}

		engine := debug.NewLogReplayer(oplogService)
		debugService := debug.NewService(oplogService, engine)
		debugServer := debug.NewServer(debugService, headerAuthorizer{})

		mux := http.NewServeMux()
		mux.Handle("/debug", debugServer)
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		server := &http.Server{
			Addr:    cfg.ListenAddress(),
			Handler: mux,
		}

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		done := make(chan bool, 1)

		go func() {
			logger.WithField("listen_address", cfg.ListenAddress()).Info("Starting duralog server")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Fatal("Failed to listen on " + cfg.ListenAddress())
			}
		}()
		go gracefulShutdown(ctx, quit, done, server)

		<-done
	},
}

func gracefulShutdown(ctx context.Context, quit <-chan os.Signal, done chan<- bool, servers ...Shutter) {
	logger := logging.Default()
	logger.Info("Up and running (^C to shutdown)...")

	<-quit
	logger.Warn("shutting down...")

	ctx, cancel := context.WithTimeout(ctx, gracefulShutdownTimeout)
	defer cancel()

	for i, server := range servers {
		if err := server.Shutdown(ctx); err != nil {
			logger.WithError(err).Errorf("Error while shutting down service (%d)", i)
		}
	}
	close(done)
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
