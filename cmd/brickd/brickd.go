package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/mesosphere/brickd/pkg/backend"
	"github.com/mesosphere/brickd/pkg/brickd"
	"github.com/mesosphere/brickd/pkg/config"
	"github.com/mesosphere/brickd/pkg/connector"
	"github.com/mesosphere/brickd/pkg/execx"
	"github.com/mesosphere/brickd/pkg/fibrechannel"
	"github.com/mesosphere/brickd/pkg/iscsi"
	"github.com/mesosphere/brickd/pkg/lvm"
	"github.com/mesosphere/brickd/pkg/scsi"
	"github.com/mesosphere/brickd/pkg/targets"
	"github.com/mesosphere/brickd/pkg/zfssa"

	datadogstatsd "github.com/DataDog/datadog-go/statsd"
	"github.com/cactus/go-statsd-client/statsd"
	"github.com/mesosphere/brickd/pkg/ddstatsd"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	tallystatsd "github.com/uber-go/tally/statsd"
)

const (
	defaultDefaultFs         = "xfs"
	defaultDefaultVolumeSize = 10 << 30
	defaultRequestLimit      = 10
	defaultMetricsInterval   = time.Minute
)

type stringsFlag []string

func (f *stringsFlag) String() string {
	return fmt.Sprint(*f)
}

func (f *stringsFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

func main() {
	// Configure flags
	configF := flag.String("config", "", "The path to the backend configuration file")
	requestLimitF := flag.Int("request-limit", defaultRequestLimit, "Limits backlog of pending requests.")
	defaultFsF := flag.String("default-fs", defaultDefaultFs, "The default filesystem to format new volumes with")
	defaultVolumeSizeF := flag.Int64("default-volume-size", defaultDefaultVolumeSize, "The default volume size in bytes")
	socketFileF := flag.String("unix-addr", "", "The path to the listening unix socket file")
	socketFileEnvF := flag.String("unix-addr-env", "", "An optional environment variable from which to read the unix-addr")
	var probeModulesF stringsFlag
	flag.Var(&probeModulesF, "probe-module", "Probe checks that the kernel module is loaded")
	nodeIDF := flag.String("node-id", "", "The node ID reported via the CSI Node gRPC service")
	logLevelF := flag.String("log-level", "info", "The logrus log level")
	// Metrics-related flags
	statsdUDPHostEnvVarF := flag.String("statsd-udp-host-env-var", "", "The name of the environment variable containing the host where a statsd service is listening for stats over UDP")
	statsdUDPPortEnvVarF := flag.String("statsd-udp-port-env-var", "", "The name of the environment variable containing the port where a statsd service is listening for stats over UDP")
	statsdFormatF := flag.String("statsd-format", "datadog", "The statsd format to use (one of: classic, datadog)")
	flag.Parse()
	// Setup logging
	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevelF)
	if err != nil {
		logger.Fatalf("cannot parse -log-level: %v", err)
	}
	logger.SetLevel(level)
	for _, setLogger := range []func(*logrus.Entry){
		brickd.SetLogger,
		backend.SetLogger,
		connector.SetLogger,
		execx.SetLogger,
		fibrechannel.SetLogger,
		iscsi.SetLogger,
		lvm.SetLogger,
		scsi.SetLogger,
		targets.SetLogger,
		zfssa.SetLogger,
	} {
		setLogger(logrus.NewEntry(logger))
	}
	log := logger.WithField("component", "main")
	// Load the backend configuration.
	if *configF == "" {
		log.Fatal("the -config flag is required")
	}
	cfg, err := config.LoadConfig(*configF)
	if err != nil {
		log.Fatalf("cannot load configuration: %v", err)
	}
	nodeID := cfg.NodeID
	if *nodeIDF != "" {
		nodeID = *nodeIDF
	}
	// Determine listen address.
	if *socketFileF != "" && *socketFileEnvF != "" {
		log.Fatal("cannot specify both -unix-addr and -unix-addr-env")
	}
	sock := *socketFileF
	if *socketFileEnvF != "" {
		sock = os.Getenv(*socketFileEnvF)
	}
	sock = strings.TrimPrefix(sock, "unix://")
	lis, err := net.Listen("unix", sock)
	if err != nil {
		log.Fatalf("failed to listen on %q: %v", sock, err)
	}
	if *requestLimitF < 1 {
		log.Fatalf("request-limit requires a positive, integer value instead of %d", *requestLimitF)
	}
	scope := tally.NoopScope
	if *statsdUDPHostEnvVarF != "" && *statsdUDPPortEnvVarF != "" {
		statsdHost := os.Getenv(*statsdUDPHostEnvVarF)
		statsdPort := os.Getenv(*statsdUDPPortEnvVarF)
		statsdServerAddr := fmt.Sprintf("%s:%s", statsdHost, statsdPort)
		// Set no statsd prefix, tags are already prefixed with
		// 'brickd'.
		const (
			statsdPrefix     = ""
			maxFlushInterval = time.Second
			maxUDPPacketSize = 1440
		)
		var reporter tally.StatsReporter
		switch *statsdFormatF {
		case "datadog":
			client, err := datadogstatsd.NewBuffered(
				statsdServerAddr,
				maxUDPPacketSize,
			)
			if err != nil {
				log.Fatal(err)
			}
			client.Namespace = statsdPrefix
			reporter = ddstatsd.NewReporter(client, ddstatsd.Options{
				SampleRate: 1.0,
			})
		case "classic":
			client, err := statsd.NewBufferedClient(
				statsdServerAddr,
				statsdPrefix,
				maxFlushInterval,
				maxUDPPacketSize,
			)
			if err != nil {
				log.Fatal(err)
			}
			reporter = tallystatsd.NewReporter(client, tallystatsd.Options{
				SampleRate: 1.0,
			})
		default:
			log.Fatalf("unknown -statsd-format value: %q", *statsdFormatF)
		}
		var closer io.Closer
		scope, closer = tally.NewRootScope(tally.ScopeOptions{
			Prefix:   "brickd",
			Tags:     map[string]string{"backend": cfg.Backend},
			Reporter: reporter,
		}, time.Second)
		defer closer.Close()
	}
	// Build the backend driver and server.
	exec := execx.New()
	driver, err := backend.New(cfg, exec)
	if err != nil {
		log.Fatalf("cannot initialize backend %q (known: %s): %v", cfg.Backend, strings.Join(backend.Names(), ", "), err)
	}
	s := brickd.NewServer(driver, exec, *defaultFsF,
		brickd.NodeID(nodeID),
		brickd.DefaultVolumeSize(*defaultVolumeSizeF),
		brickd.ProbeModules(probeModulesF),
		brickd.Metrics(scope),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go brickd.ReportUptime(ctx, scope)
	go s.ReportStorageMetrics(ctx, defaultMetricsInterval)
	var grpcOpts []grpc.ServerOption
	grpcOpts = append(grpcOpts,
		grpc.UnaryInterceptor(
			brickd.ChainUnaryServer(
				brickd.RequestLimitInterceptor(*requestLimitF),
				brickd.SerializingInterceptor(),
				brickd.LoggingInterceptor(),
				brickd.MetricsInterceptor(scope),
			),
		),
	)
	grpcServer := grpc.NewServer(grpcOpts...)
	csi.RegisterIdentityServer(grpcServer, brickd.IdentityServerValidator(s))
	csi.RegisterControllerServer(grpcServer,
		brickd.ControllerServerValidator(brickd.NewControllerArbiter(s), s.SupportedFilesystems()))
	csi.RegisterNodeServer(grpcServer, brickd.NodeServerValidator(s, s.SupportedFilesystems()))
	grpcServer.Serve(lis)
}
