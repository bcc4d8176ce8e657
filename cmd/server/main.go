package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/justinas/alice"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/api"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/cdn"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/challenge"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/config"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/db"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/kv"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/maintenance"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/monitoring"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/plans"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/ratelimit"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/score"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/session"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/signing"
)

const (
	modeMigrate          = "migrate"
	modeRollback         = "rollback"
	modeServer           = "server"
	_readinessDrainDelay = 1 * time.Second
	_shutdownHardPeriod  = 3 * time.Second
	_shutdownPeriod      = 10 * time.Second
	_dbConnectTimeout    = 30 * time.Second
	_logFlushInterval    = 10 * time.Second
)

const (
	// front leaky-bucket defaults for one public IP; the KV window
	// limiters behind it carry the per-key plan limits
	// NOTE: NATs/VPNs can clump legitimate users behind 1 public IP
	defaultBucketCapacity = 20
	defaultLeakInterval   = 1 * time.Second
	maxIPBuckets          = 1_000_000

	logChanCapacity = 1024
)

var (
	GitCommit       string
	flagMode        = flag.String("mode", "", strings.Join([]string{modeMigrate, modeServer}, " | "))
	envFileFlag     = flag.String("env", "", "Path to .env file, 'stdin' or empty")
	versionFlag     = flag.Bool("version", false, "Print version and exit")
	migrateHashFlag = flag.String("migrate-hash", "", "Target migration version (git commit)")
	certFileFlag    = flag.String("certfile", "", "certificate PEM file (e.g. cert.pem)")
	keyFileFlag     = flag.String("keyfile", "", "key PEM file (e.g. key.pem)")
	env             *common.EnvMap
)

func listenAddress(cfg common.ConfigStore) string {
	host := cfg.Get(common.HostKey).Value()
	if host == "" {
		host = "localhost"
	}

	port := cfg.Get(common.PortKey).Value()
	if port == "" {
		port = "8080"
	}

	return net.JoinHostPort(host, port)
}

func createListener(ctx context.Context, cfg common.ConfigStore) (net.Listener, error) {
	address := listenAddress(cfg)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to listen", "address", address, common.ErrAttr(err))
		return nil, err
	}

	if useTLS := (*certFileFlag != "") && (*keyFileFlag != ""); useTLS {
		cert, err := tls.LoadX509KeyPair(*certFileFlag, *keyFileFlag)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to load certificates", "cert", *certFileFlag, "key", *keyFileFlag, common.ErrAttr(err))
			return nil, err
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
		listener = tls.NewListener(listener, tlsConfig)
	}

	return listener, nil
}

func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		common.WriteHeaders(w, common.SecurityHeaders)
		next.ServeHTTP(w, r)
	})
}

func bucketCapacity(cfg common.ConfigStore) uint32 {
	return uint32(config.AsInt(cfg.Get(common.RateLimitBurstKey), defaultBucketCapacity))
}

func leakInterval(cfg common.ConfigStore) time.Duration {
	if rps := config.AsInt(cfg.Get(common.RateLimitRateKey), 0); rps > 0 {
		return time.Second / time.Duration(rps)
	}

	return defaultLeakInterval
}

func connectKV(ctx context.Context, cfg common.ConfigStore) (kv.Store, io.Closer, error) {
	addrs := cfg.Get(common.RedisAddrKey).Value()
	if len(addrs) == 0 {
		// single-node dev setup keeps sessions and counters in memory
		slog.WarnContext(ctx, "Redis address is empty, using the in-memory KV store")
		return kv.NewMemoryStore(), nil, nil
	}

	store, err := kv.NewRedisStore(ctx, kv.RedisConnectOpts{
		Addrs:    strings.Split(addrs, ","),
		Password: cfg.Get(common.RedisPasswordKey).Value(),
		Cluster:  config.AsBool(cfg.Get(common.RedisClusterKey)),
	})
	if err != nil {
		return nil, nil, err
	}

	return store, store, nil
}

func createResolver(ctx context.Context, cfg common.ConfigStore) (cdn.Resolver, error) {
	if base := cfg.Get(common.AssetBaseURLKey).Value(); len(base) > 0 {
		return cdn.NewBaseURLResolver(base), nil
	}

	if bucket := cfg.Get(common.S3BucketKey).Value(); len(bucket) > 0 {
		return cdn.NewS3Resolver(ctx, cdn.S3Opts{
			Endpoint:  cfg.Get(common.S3EndpointKey).Value(),
			Region:    cfg.Get(common.S3RegionKey).Value(),
			Bucket:    bucket,
			AccessKey: cfg.Get(common.S3AccessKeyKey).Value(),
			SecretKey: cfg.Get(common.S3SecretKeyKey).Value(),
			TTL:       config.AsSeconds(cfg.Get(common.PresignTTLKey), cdn.DefaultPresignTTL),
		})
	}

	return nil, nil
}

func createLibrary(ctx context.Context, root string) (challenge.LocalLibrary, []string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to read the local images root", "root", root, common.ErrAttr(err))
		return nil, nil
	}

	// one class per top-level directory
	classDirs := make(map[string][]string)
	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classDirs[e.Name()] = []string{e.Name()}
			classes = append(classes, e.Name())
		}
	}

	return challenge.NewFSLibrary(os.DirFS(root), classDirs), classes
}

func classSpecs(classes []string, answers map[string][]string) []challenge.ClassSpec {
	specs := make([]challenge.ClassSpec, 0, len(classes))
	for _, class := range classes {
		specs = append(specs, challenge.ClassSpec{
			Name:     class,
			Keywords: append([]string{class}, answers[class]...),
		})
	}

	return specs
}

func createBuilders(ctx context.Context, manifests *db.ManifestStore, library challenge.LocalLibrary,
	localClasses []string, model *score.Client, resolver cdn.Resolver) map[challenge.Kind]api.ChallengeBuilder {
	classes, err := manifests.Classes(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Failed to load content classes", common.ErrAttr(err))
	}

	answers, err := manifests.AnswerClasses(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Failed to load answer classes", common.ErrAttr(err))
		answers = map[string][]string{}
	}

	abstract := &challenge.AbstractBuilder{
		Model:    model,
		Resolver: resolver,
	}
	if library != nil {
		// local mode samples the on-disk library and ranks with the model
		abstract.Library = library
		abstract.Classes = classSpecs(localClasses, answers)
	} else {
		abstract.Manifests = manifests
		abstract.Classes = classSpecs(classes, answers)
	}

	return map[challenge.Kind]api.ChallengeBuilder{
		challenge.KindAbstract:  abstract,
		challenge.KindImageGrid: &challenge.GridBuilder{Labelled: manifests},
		challenge.KindHandwriting: &challenge.HandwritingBuilder{
			Manifests:     manifests,
			Resolver:      resolver,
			AnswerClasses: answers,
		},
	}
}

func ipWindows(cfg common.ConfigStore) []ratelimit.Window {
	var windows []ratelimit.Window
	if n := config.AsInt(cfg.Get(common.IPLimitPerMinuteKey), ratelimit.DefaultIPPerMinute); n > 0 {
		windows = append(windows, ratelimit.MinuteWindow(int64(n)))
	}
	if n := config.AsInt(cfg.Get(common.IPLimitPerHourKey), ratelimit.DefaultIPPerHour); n > 0 {
		windows = append(windows, ratelimit.HourWindow(int64(n)))
	}
	if n := config.AsInt(cfg.Get(common.IPLimitPerDayKey), ratelimit.DefaultIPPerDay); n > 0 {
		windows = append(windows, ratelimit.DayWindow(int64(n)))
	}

	return windows
}

func splitOrigins(value string) []string {
	var origins []string
	for _, o := range strings.Split(value, ",") {
		if o = strings.TrimSpace(o); len(o) > 0 {
			origins = append(origins, o)
		}
	}

	return origins
}

func run(ctx context.Context, cfg common.ConfigStore, stderr io.Writer, listener net.Listener) error {
	stage := cfg.Get(common.StageKey).Value()
	verbose := config.AsBool(cfg.Get(common.VerboseKey))
	logLevel := common.SetupLogs(stage, verbose)

	pool, clickhouse, dberr := db.Connect(ctx, cfg, _dbConnectTimeout, false /*admin*/)
	if dberr != nil {
		return dberr
	}

	defer pool.Close()
	if clickhouse != nil {
		defer clickhouse.Close()
	}

	businessDB := db.NewBusiness(pool)
	timeSeriesDB := db.NewTimeSeries(clickhouse)

	kvStore, kvCloser, kverr := connectKV(ctx, cfg)
	if kverr != nil {
		return kverr
	}
	if kvCloser != nil {
		defer kvCloser.Close()
	}

	metrics := monitoring.NewService()

	model := score.NewClient(score.Opts{
		BaseURL:    cfg.Get(common.MLBaseURLKey).Value(),
		Timeout:    config.AsSeconds(cfg.Get(common.MLTimeoutKey), 0),
		OCRTimeout: config.AsSeconds(cfg.Get(common.OCRTimeoutKey), 0),
	})

	resolver, rerr := createResolver(ctx, cfg)
	if rerr != nil {
		return rerr
	}

	var library challenge.LocalLibrary
	var localClasses []string
	if root := cfg.Get(common.LocalImagesRootKey).Value(); len(root) > 0 {
		library, localClasses = createLibrary(ctx, root)
	}

	builders := createBuilders(ctx, businessDB.Manifests(), library, localClasses, model, resolver)

	ipRateLimiter := ratelimit.NewHTTPRateLimiter("api", cfg.Get(common.RateLimitHeaderKey).Value(),
		maxIPBuckets, bucketCapacity(cfg), leakInterval(cfg))

	registry := ratelimit.NewRegistry(kvStore, businessDB,
		config.AsSeconds(cfg.Get(common.SuspiciousTTLKey), ratelimit.DefaultSuspiciousTTL))

	apiServer := &api.Server{
		Stage:      stage,
		Business:   businessDB,
		TimeSeries: timeSeriesDB,
		KV:         kvStore,
		Sessions:   session.NewManager(kvStore, config.AsSeconds(cfg.Get(common.SessionTTLKey), session.DefaultTTL)),
		Challenges: challenge.NewStore(kvStore, config.AsSeconds(cfg.Get(common.CaptchaTTLKey), challenge.DefaultTTL)),
		Builders:   builders,
		Model:      model,
		OCR:        model,
		Mobile:     score.NewMobileDetector(),
		Signer:     signing.NewSigner(cfg.Get(common.ImageTokenSecretKey).Value()),
		Library:    library,
		Auth: &api.AuthMiddleware{
			Keys:          businessDB,
			DemoPublicKey: cfg.Get(common.DemoPublicKeyKey).Value(),
			DemoSecret:    cfg.Get(common.DemoSecretKeyKey).Value(),
			AdminToken:    cfg.Get(common.AdminTokenKey).Value(),
		},
		RateLimiter: ipRateLimiter,
		Registry:    registry,
		IPWindows:   ipWindows(cfg),
		PlanDefaults: plans.NewDefaults(
			int64(config.AsInt(cfg.Get(common.KeyLimitPerMinuteKey), 0)),
			int64(config.AsInt(cfg.Get(common.KeyLimitPerDayKey), 0))),
		FailOpen:       config.AsBool(cfg.Get(common.RateLimitFailOpenKey)),
		Metrics:        metrics,
		AllowedOrigins: splitOrigins(cfg.Get(common.CORSOriginsKey).Value()),
		TokenTTL:       config.AsSeconds(cfg.Get(common.TokenTTLKey), api.DefaultTokenTTL),

		RequestLogChan: make(chan *common.RequestRecord, logChanCapacity),
		VerifyLogChan:  make(chan *common.VerifyRecord, logChanCapacity),
		BehaviorChan:   make(chan *common.BehaviorRecord, logChanCapacity),
	}
	apiServer.Init(ctx, _logFlushInterval)

	healthCheck := &maintenance.HealthCheckJob{
		BusinessDB:      businessDB,
		TimeSeriesDB:    timeSeriesDB,
		KV:              kvStore,
		CheckInterval:   cfg.Get(common.HealthCheckIntervalKey),
		Metrics:         metrics,
		StrictReadiness: stage != common.StageDev,
	}
	jobs := maintenance.NewJobs()

	updateConfigFunc := func(ctx context.Context) {
		cfg.Update(ctx)
		ipRateLimiter.UpdateLimits(bucketCapacity(cfg), leakInterval(cfg))
		verboseLogs := config.AsBool(cfg.Get(common.VerboseKey))
		common.SetLogLevel(logLevel, verboseLogs)
	}
	updateConfigFunc(ctx)

	quit := make(chan struct{})
	quitFunc := func(ctx context.Context) {
		slog.DebugContext(ctx, "Server quit triggered")
		healthCheck.Shutdown(ctx)
		// Give time for readiness check to propagate
		time.Sleep(min(_readinessDrainDelay, healthCheck.Interval()))
		close(quit)
	}

	router := http.NewServeMux()
	apiServer.Setup(router, verbose, secureHeaders)
	publicChain := alice.New(common.Recovered, metrics.IgnoredHandler)
	router.Handle("/", publicChain.ThenFunc(common.CatchAll))

	ongoingCtx, stopOngoingGracefully := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1024 * 1024,
		BaseContext: func(_ net.Listener) context.Context {
			return ongoingCtx
		},
	}

	go func(ctx context.Context) {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer func() {
			signal.Stop(signals)
			close(signals)
		}()
		for {
			sig, ok := <-signals
			if !ok {
				slog.DebugContext(ctx, "Signals channel closed")
				return
			}
			slog.DebugContext(ctx, "Received signal", "signal", sig)
			switch sig {
			case syscall.SIGHUP:
				if uerr := env.Update(); uerr != nil {
					slog.ErrorContext(ctx, "Failed to update environment", common.ErrAttr(uerr))
				}
				updateConfigFunc(ctx)
			case syscall.SIGINT, syscall.SIGTERM:
				quitFunc(ctx)
				return
			}
		}
	}(common.TraceContext(context.Background(), "signal_handler"))

	go func() {
		slog.InfoContext(ctx, "Listening", "address", listener.Addr().String(), "version", GitCommit, "stage", stage)
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "Error serving", common.ErrAttr(err))
		}
	}()

	jobs.Add(healthCheck)
	jobs.Add(&maintenance.SuspiciousSweepJob{Registry: registry})
	jobs.AddOneOff(&maintenance.ExpiredTokensJob{
		BusinessDB: businessDB,
		Retention:  1 * time.Hour,
	})
	jobs.Run()

	var localServer *http.Server
	if localAddress := cfg.Get(common.LocalAddressKey).Value(); len(localAddress) > 0 {
		localRouter := http.NewServeMux()
		metrics.Setup(localRouter)
		jobs.Setup(localRouter)
		localRouter.Handle(http.MethodGet+" /"+common.LiveEndpoint, common.Recovered(http.HandlerFunc(healthCheck.LiveHandler)))
		localRouter.Handle(http.MethodGet+" /"+common.ReadyEndpoint, common.Recovered(http.HandlerFunc(healthCheck.ReadyHandler)))
		localServer = &http.Server{
			Addr:    localAddress,
			Handler: monitoring.Logged(localRouter),
		}
		go func() {
			slog.InfoContext(ctx, "Serving local API", "address", localServer.Addr)
			if err := localServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.ErrorContext(ctx, "Error serving local API", common.ErrAttr(err))
			}
		}()
	} else {
		slog.DebugContext(ctx, "Skipping serving local API")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-quit
		slog.DebugContext(ctx, "Shutting down gracefully")
		jobs.Shutdown()
		apiServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), _shutdownPeriod)
		defer cancel()
		httpServer.SetKeepAlivesEnabled(false)
		serr := httpServer.Shutdown(shutdownCtx)
		stopOngoingGracefully()
		if serr != nil {
			slog.ErrorContext(ctx, "Failed to shutdown gracefully", common.ErrAttr(serr))
			fmt.Fprintf(stderr, "error shutting down http server gracefully: %s\n", serr)
			time.Sleep(_shutdownHardPeriod)
		}
		if localServer != nil {
			localServer.Close()
		}
		slog.DebugContext(ctx, "Shutdown finished")
	}()

	wg.Wait()
	return nil
}

func migrate(ctx context.Context, cfg common.ConfigStore, up bool) error {
	if len(*migrateHashFlag) == 0 {
		return errors.New("empty migrate hash")
	}

	if *migrateHashFlag != "ignore" && *migrateHashFlag != GitCommit {
		return fmt.Errorf("target version (%v) does not match built version (%v)", *migrateHashFlag, GitCommit)
	}

	stage := cfg.Get(common.StageKey).Value()
	verbose := config.AsBool(cfg.Get(common.VerboseKey))

	common.SetupLogs(stage, verbose)
	slog.InfoContext(ctx, "Migrating", "up", up, "version", GitCommit, "stage", stage)

	pool, clickhouse, dberr := db.Connect(ctx, cfg, _dbConnectTimeout, true /*admin*/)
	if dberr != nil {
		return dberr
	}

	defer pool.Close()
	if clickhouse != nil {
		defer clickhouse.Close()
	}

	if err := db.MigratePostgres(ctx, pool, up); err != nil {
		return err
	}

	if err := db.MigrateClickHouse(ctx, clickhouse, cfg, up); err != nil {
		return err
	}

	return nil
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Print(GitCommit)
		return
	}

	var err error
	env, err = common.NewEnvMap(*envFileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
	}

	cfg := config.NewEnvConfig(env.Get)

	switch *flagMode {
	case modeServer:
		ctx := common.TraceContext(context.Background(), "main")
		if listener, lerr := createListener(ctx, cfg); lerr == nil {
			err = run(ctx, cfg, os.Stderr, listener)
		} else {
			err = lerr
		}
	case modeMigrate:
		ctx := common.TraceContext(context.Background(), "migration")
		err = migrate(ctx, cfg, true /*up*/)
	case modeRollback:
		ctx := common.TraceContext(context.Background(), "migration")
		err = migrate(ctx, cfg, false /*up*/)
	default:
		err = fmt.Errorf("unknown mode: '%s'", *flagMode)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
