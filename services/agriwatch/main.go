// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/agriwatch/core/access"
	"github.com/relabs-tech/agriwatch/core/accounts"
	"github.com/relabs-tech/agriwatch/core/csql"
	"github.com/relabs-tech/agriwatch/core/logger"
	"github.com/relabs-tech/agriwatch/iot/alerts"
	"github.com/relabs-tech/agriwatch/iot/api"
	"github.com/relabs-tech/agriwatch/iot/archive"
	"github.com/relabs-tech/agriwatch/iot/control"
	"github.com/relabs-tech/agriwatch/iot/kafka"
	"github.com/relabs-tech/agriwatch/iot/messaging"
	"github.com/relabs-tech/agriwatch/iot/mqtt"
	"github.com/relabs-tech/agriwatch/iot/telemetry"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Port             int    `env:"PORT,default=5000" description:"the HTTP port"`
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,default=public" description:"the database schema"`
	JWTSecret        string `env:"JWT_SECRET,required" description:"the secret session tokens are signed with"`
	LogLevel         string `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`

	Transport string `env:"TRANSPORT,default=mqtt" description:"the messaging transport: mqtt, embedded or kafka"`

	MQTTBroker          string        `env:"MQTT_BROKER,default=mqtts://broker.hivemq.com:8883" description:"the remote MQTT broker"`
	MQTTUsername        string        `env:"MQTT_USERNAME,optional" description:"username for the remote MQTT broker"`
	MQTTPassword        string        `env:"MQTT_PASSWORD,optional" description:"password for the remote MQTT broker"`
	MQTTClientID        string        `env:"MQTT_CLIENT_ID,optional" description:"the MQTT client id, random by default"`
	MQTTReconnectPeriod time.Duration `env:"MQTT_RECONNECT_PERIOD,default=3s" description:"fixed backoff between reconnect attempts"`

	DataTopic    string `env:"DATA_TOPIC,default=agri/data" description:"topic of sensor readings"`
	AlertsTopic  string `env:"ALERTS_TOPIC,default=agri/alerts" description:"topic of alert batches"`
	ControlTopic string `env:"CONTROL_TOPIC,default=agri/control" description:"topic of control commands"`

	EmbeddedBrokerAddress string `env:"EMBEDDED_BROKER_ADDRESS,default=:1883" description:"listen address of the embedded broker"`
	BrokerCertFile        string `env:"BROKER_CERT,optional" description:"X.509 certificate of the embedded broker, enables TLS"`
	BrokerKeyFile         string `env:"BROKER_KEY,optional" description:"X.509 private key of the embedded broker"`
	BrokerCACertFile      string `env:"BROKER_CA_CERT,optional" description:"CA certificate, requires client certificates when set"`

	KafkaBrokers string `env:"KAFKA_BROKERS,optional" description:"comma separated list of Kafka brokers"`
	KafkaGroupID string `env:"KAFKA_GROUP_ID,default=agriwatch" description:"the Kafka consumer group"`

	ArchiveDriver   string `env:"ARCHIVE_DRIVER,optional" description:"snapshot archive: local or s3, disabled when empty"`
	ArchivePath     string `env:"ARCHIVE_PATH,default=./archive" description:"base folder of the local archive"`
	AWSBucketName   string `env:"AWS_BUCKET_NAME,optional" description:"bucket of the S3 archive"`
	AWSRegion       string `env:"AWS_REGION,default=eu-central-1" description:"region of the S3 archive"`
	AWSAccessID     string `env:"AWS_ACCESS_ID,optional" description:"access id for S3, default credential chain when empty"`
	AWSAccessKey    string `env:"AWS_ACCESS_KEY,optional" description:"access key for S3"`
	AWSKeyPrefix    string `env:"AWS_KEY_PREFIX,optional" description:"prefix of all archive keys"`
	AWSS3Endpoint   string `env:"AWS_S3_ENDPOINT,optional" description:"endpoint of an S3 compatible service"`

	RevocationSweepInterval time.Duration `env:"REVOCATION_SWEEP_INTERVAL,default=1h" description:"how often expired revocations are purged"`
}

func (s *Service) archiveConfiguration() archive.Configuration {
	return archive.Configuration{
		DriverType:         archive.DriverType(s.ArchiveDriver),
		LocalConfiguration: &archive.LocalConfiguration{BasePath: s.ArchivePath},
		S3Configuration: &archive.S3Configuration{
			AWSBucketName: s.AWSBucketName,
			AWSRegion:     s.AWSRegion,
			AccessID:      s.AWSAccessID,
			AccessKey:     s.AWSAccessKey,
			KeyPrefix:     s.AWSKeyPrefix,
			Endpoint:      s.AWSS3Endpoint,
		},
	}
}

func (s *Service) newTransport(router *messaging.Router) (messaging.Transport, error) {
	switch s.Transport {
	case "mqtt":
		return mqtt.NewClient(&mqtt.ClientBuilder{
			Router:          router,
			BrokerURL:       s.MQTTBroker,
			Username:        s.MQTTUsername,
			Password:        s.MQTTPassword,
			ClientID:        s.MQTTClientID,
			ReconnectPeriod: s.MQTTReconnectPeriod,
		}), nil
	case "embedded":
		return mqtt.NewBroker(&mqtt.BrokerBuilder{
			Router:     router,
			Address:    s.EmbeddedBrokerAddress,
			CertFile:   s.BrokerCertFile,
			KeyFile:    s.BrokerKeyFile,
			CACertFile: s.BrokerCACertFile,
		}), nil
	case "kafka":
		var brokers []string
		for _, b := range strings.Split(s.KafkaBrokers, ",") {
			if b = strings.TrimSpace(b); len(b) > 0 {
				brokers = append(brokers, b)
			}
		}
		if len(brokers) == 0 {
			return nil, fmt.Errorf("KAFKA_BROKERS missing")
		}
		return kafka.New(&kafka.Builder{
			Router:  router,
			Brokers: brokers,
			GroupID: s.KafkaGroupID,
			Backoff: s.MQTTReconnectPeriod,
		}), nil
	}
	return nil, fmt.Errorf("unknown transport '%s'", s.Transport)
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	rlog := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.PostgresSchema)
	defer db.Close()

	authority := access.NewAuthority(&access.Builder{
		Secret:      service.JWTSecret,
		Revocations: access.NewPostgresRevocations(db),
	})
	go authority.RunSweeper(ctx, service.RevocationSweepInterval)

	archiveDriver, err := archive.New(ctx, service.archiveConfiguration())
	if err != nil {
		panic(err)
	}

	router := messaging.NewRouter()
	transport, err := service.newTransport(router)
	if err != nil {
		panic(err)
	}

	cache := telemetry.NewCache()
	pipeline := alerts.NewPipeline(&alerts.Builder{
		Store:      alerts.NewPostgresStore(db),
		Dispatcher: control.NewDispatcher(transport, service.ControlTopic),
	})
	router.Handle(service.DataTopic, telemetry.NewIngestor(cache, archiveDriver).Handle)
	router.Handle(service.AlertsTopic, pipeline.Handle)

	httpRouter := mux.NewRouter()
	api.NewAPI(&api.Builder{
		Router:      httpRouter,
		Authority:   authority,
		Credentials: accounts.New(&accounts.Builder{DB: db}),
		Telemetry:   cache,
		Alerts:      pipeline,
		Transport:   transport,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", service.Port),
		Handler:           api.Handler(httpRouter),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		rlog.Infof("server running at http://localhost:%d", service.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rlog.WithError(err).Errorln("http server failed")
			stop()
		}
	}()

	rlog.Infof("starting %s transport, topics %v", transport.Name(), router.Topics())
	if err := transport.Run(ctx); err != nil {
		rlog.WithError(err).Errorln("transport stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rlog.WithError(err).Errorln("http server shutdown")
	}
	rlog.Infoln("stopped")
}
