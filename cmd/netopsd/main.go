// Command netopsd consumes run requests from Kafka, executes them and
// publishes the reports to Kafka and MongoDB.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/nevergoodstudy-hub/netops/internal/lg"
	"github.com/nevergoodstudy-hub/netops/internal/report"
	"github.com/nevergoodstudy-hub/netops/internal/runner"
	"github.com/nevergoodstudy-hub/netops/internal/serverutil"
	"github.com/nevergoodstudy-hub/netops/pkg/config"
	"github.com/nevergoodstudy-hub/netops/pkg/consumer"
	"github.com/nevergoodstudy-hub/netops/pkg/models"
)

const serviceName = "netopsd"

type flags struct {
	settings   string
	storeType  string
	mongoDB    string
	mongoColl  string
	settingsID string
	logFormat  string
	debug      bool
}

func main() {
	var f flags
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Run netops requests from Kafka and publish their reports",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.settings, "settings", "", "settings file, or MongoDB URI with --settings-store mongo")
	fl.StringVar(&f.storeType, "settings-store", "file", "settings store: file or mongo")
	fl.StringVar(&f.mongoDB, "settings-db", "netops", "MongoDB database holding the settings document")
	fl.StringVar(&f.mongoColl, "settings-collection", "settings", "MongoDB collection holding the settings document")
	fl.StringVar(&f.settingsID, "settings-id", serviceName, "_id of the settings document")
	fl.StringVar(&f.logFormat, "log-format", "", "log encoding: json or console (overrides settings)")
	fl.BoolVar(&f.debug, "debug", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "netopsd:", err)
		os.Exit(1)
	}
}

func loadSettings(f flags) (config.Settings, error) {
	st, err := config.ParseStoreType(f.storeType)
	if err != nil {
		return config.Settings{}, err
	}
	if st == config.FileStore {
		return config.LoadFile(f.settings)
	}
	store, err := config.NewStore(st, &config.MongoConfig{URI: f.settings, DBName: f.mongoDB, CollName: f.mongoColl, ID: f.settingsID})
	if err != nil {
		return config.Settings{}, err
	}
	if c, ok := store.(interface{ Close(context.Context) error }); ok {
		defer c.Close(context.Background())
	}
	return config.Load(store)
}

func run(ctx context.Context, f flags) error {
	settings, err := loadSettings(f)
	if err != nil {
		return err
	}
	if f.logFormat != "" {
		settings.Log.Format = f.logFormat
	}
	logger := lg.New(&lg.Config{ServiceName: serviceName, Debug: f.debug || settings.Log.Debug, Format: settings.Log.Format})
	defer logger.Sync()

	if len(settings.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers must be set")
	}

	r, err := runner.New(settings, logger)
	if err != nil {
		return err
	}

	sinks := report.Multi{}
	reports := report.NewKafka(settings.Kafka.Brokers, settings.Kafka.ReportTopic)
	defer reports.Close()
	sinks = append(sinks, reports)

	var mongoClient *mongo.Client
	if settings.Mongo.URI != "" {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		mongoClient, err = mongo.Connect(cctx, options.Client().ApplyURI(settings.Mongo.URI))
		cancel()
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoClient.Disconnect(dctx)
		}()
		sinks = append(sinks, report.NewMongo(mongoClient.Database(settings.Mongo.DBName).Collection(settings.Mongo.Collection)))
	}

	reader := consumer.NewConsumer[models.RunRequest](consumer.Config{
		Brokers: settings.Kafka.Brokers,
		GroupID: settings.Kafka.GroupID,
		Topic:   settings.Kafka.RequestTopic,
	})
	defer reader.Close()

	requests := &kafka.Writer{
		Addr:                   kafka.TCP(settings.Kafka.Brokers...),
		Topic:                  settings.Kafka.RequestTopic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	defer requests.Close()

	mux := http.NewServeMux()
	mux.Handle("/runs", newSubmitHandler(requests, logger))
	mux.Handle("/healthz", serverutil.HealthHandler(func(ctx context.Context) error {
		if mongoClient == nil {
			return nil
		}
		return mongoClient.Ping(ctx, nil)
	}))

	d := &daemon{reader: reader, run: r.Run, sink: sinks, logger: logger}
	srvCfg := serverutil.DefaultServerConfig()
	srvCfg.Port = settings.Health.Port

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serverutil.RunServer(gctx, mux, srvCfg, logger) })
	g.Go(func() error { return d.serve(gctx) })
	if r.Inventory() != nil {
		g.Go(func() error {
			if err := r.WatchInventory(gctx); err != nil {
				logger.Warn("inventory watch disabled", lg.Err(err))
			}
			return nil
		})
	}

	logger.Info("netopsd started",
		lg.Strings("brokers", settings.Kafka.Brokers),
		lg.String("request_topic", settings.Kafka.RequestTopic),
		lg.String("report_topic", settings.Kafka.ReportTopic))
	err = g.Wait()
	logger.Info("netopsd stopped")
	return err
}
