package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/custody-timelock/internal/address"
	"github.com/juno-intents/custody-timelock/internal/api"
	"github.com/juno-intents/custody-timelock/internal/bank"
	"github.com/juno-intents/custody-timelock/internal/bank/lcd"
	"github.com/juno-intents/custody-timelock/internal/blobstore"
	"github.com/juno-intents/custody-timelock/internal/custody"
	custodypg "github.com/juno-intents/custody-timelock/internal/custody/postgres"
	"github.com/juno-intents/custody-timelock/internal/dispatch"
	"github.com/juno-intents/custody-timelock/internal/govauth"
	"github.com/juno-intents/custody-timelock/internal/leases"
	leasespg "github.com/juno-intents/custody-timelock/internal/leases/postgres"
	"github.com/juno-intents/custody-timelock/internal/node"
	"github.com/juno-intents/custody-timelock/internal/queue"
	"github.com/juno-intents/custody-timelock/internal/secrets"
	"github.com/juno-intents/custody-timelock/internal/timelock"
)

const (
	storePostgres = "postgres"
	storeMemory   = "memory"

	bankLCD    = "lcd"
	bankLedger = "ledger"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address; empty disables the API")

		storeDriver    = flag.String("store", storePostgres, "state store: postgres|memory")
		postgresDSNRef = flag.String("postgres-dsn-ref", "env:TIMELOCK_POSTGRES_DSN", "secret reference for the Postgres DSN (env:|file:|aws:)")

		bankDriver = flag.String("bank", bankLCD, "balance source: lcd|ledger")
		lcdURL     = flag.String("lcd-url", "", "Cosmos LCD REST base URL (required for --bank=lcd)")
		lcdTimeout = flag.Duration("lcd-timeout", 10*time.Second, "LCD request timeout")

		addressKind = flag.String("address-kind", address.KindBech32, "address validation: bech32|hex|basic")
		addressHRP  = flag.String("address-hrp", "", "bech32 human-readable prefix (required for bech32)")

		governors       = flag.String("governors", "", "comma-separated governance signer addresses; empty rejects every sudo action")
		senderTokens    = flag.String("sender-tokens", "", "comma-separated sender=secret-ref pairs authenticating execute calls over HTTP")
		senderKeys      = flag.String("sender-keys", "", "comma-separated sender=0xaddress pairs; queued execute envelopes must be signed by the sender's key")
		adminTokenRef   = flag.String("admin-token-ref", "", "secret reference for the instance admin token; empty disables instance creation over HTTP")
		instantiateFile = flag.String("instantiate-file", "", "optional JSON file describing an instance to create at startup")

		queueDriver      = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio|memory")
		queueBrokers     = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup       = flag.String("queue-group", "timelock-node", "queue consumer group (required for kafka)")
		actionTopic      = flag.String("action-topic", "timelock.actions.v1", "queue topic carrying action envelopes")
		instructionTopic = flag.String("instruction-topic", "timelock.instructions.v1", "queue topic receiving emitted instructions")
		settlementTopic  = flag.String("settlement-topic", "timelock.settlements.v1", "queue topic carrying settlement reports from external executors; empty disables")
		maxLineBytes     = flag.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver (bytes)")
		queueMaxBytes    = flag.Int("queue-max-bytes", 10<<20, "maximum kafka message size for consumer reads (bytes)")
		ackTimeout       = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")

		receiptsDriver = flag.String("receipts-driver", "", "instruction receipt archive: s3|memory; empty disables receipts")
		receiptsBucket = flag.String("receipts-bucket", "", "S3 bucket for instruction receipts")
		receiptsPrefix = flag.String("receipts-prefix", "timelock/receipts", "key prefix for instruction receipts")

		owner         = flag.String("owner", "", "unique replica id for the leader lease (required)")
		leaseName     = flag.String("lease-name", "timelock-node", "leader lease name shared by replicas")
		leaseTTL      = flag.Duration("lease-ttl", 15*time.Second, "leader lease TTL")
		tickInterval  = flag.Duration("tick-interval", time.Second, "lease and dispatch tick interval")
		dispatchBatch = flag.Int("dispatch-batch", 100, "maximum outbox records relayed per tick")
		actionTimeout = flag.Duration("action-timeout", 10*time.Second, "timeout for a single action or tick")
		maxAttempts   = flag.Int("max-attempts", 3, "attempts for an envelope failing with a transient error")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *owner == "" {
		fmt.Fprintln(os.Stderr, "error: --owner is required")
		os.Exit(2)
	}
	if *storeDriver != storePostgres && *storeDriver != storeMemory {
		fmt.Fprintln(os.Stderr, "error: --store must be postgres or memory")
		os.Exit(2)
	}
	if *bankDriver != bankLCD && *bankDriver != bankLedger {
		fmt.Fprintln(os.Stderr, "error: --bank must be lcd or ledger")
		os.Exit(2)
	}
	if *bankDriver == bankLCD && strings.TrimSpace(*lcdURL) == "" {
		fmt.Fprintln(os.Stderr, "error: --lcd-url is required for --bank=lcd")
		os.Exit(2)
	}
	if strings.TrimSpace(*actionTopic) == "" || strings.TrimSpace(*instructionTopic) == "" {
		fmt.Fprintln(os.Stderr, "error: --action-topic and --instruction-topic must be non-empty")
		os.Exit(2)
	}
	if *leaseTTL <= 0 || *tickInterval <= 0 || *actionTimeout <= 0 || *ackTimeout <= 0 || *lcdTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: durations must be > 0")
		os.Exit(2)
	}
	if *tickInterval >= *leaseTTL {
		fmt.Fprintln(os.Stderr, "error: --tick-interval must be shorter than --lease-ttl")
		os.Exit(2)
	}
	if *dispatchBatch <= 0 || *maxAttempts <= 0 || *maxLineBytes <= 0 || *queueMaxBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --dispatch-batch, --max-attempts, --max-line-bytes and --queue-max-bytes must be > 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}

	addrs, err := address.New(*addressKind, *addressHRP)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	var verifier *govauth.Verifier
	if strings.TrimSpace(*governors) != "" {
		govAddrs, err := govauth.ParseAddressesCSV(*governors)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: parse --governors: %v\n", err)
			os.Exit(2)
		}
		verifier, err = govauth.NewVerifier(govAddrs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(2)
		}
	}
	signerKeys, err := govauth.ParseSenderKeys(*senderKeys)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse --sender-keys: %v\n", err)
		os.Exit(2)
	}
	senderRefs, err := parseSenderRefs(*senderTokens)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse --sender-tokens: %v\n", err)
		os.Exit(2)
	}
	var bootstrap *bootstrapFile
	if strings.TrimSpace(*instantiateFile) != "" {
		bootstrap, err = loadBootstrap(*instantiateFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	refs := []string{*adminTokenRef}
	for _, ref := range senderRefs {
		refs = append(refs, ref)
	}
	if *storeDriver == storePostgres {
		refs = append(refs, *postgresDSNRef)
	}
	var awsProvider secrets.Provider
	if secrets.NeedsAWS(refs...) {
		p, err := secrets.NewAWS(ctx)
		if err != nil {
			log.Error("init aws secrets provider", "err", err)
			os.Exit(2)
		}
		awsProvider = p
	}
	resolver := secrets.NewResolver(awsProvider)

	senders, err := resolveSenders(ctx, resolver, senderRefs)
	if err != nil {
		log.Error("resolve sender tokens", "err", err)
		os.Exit(2)
	}
	adminToken := ""
	if strings.TrimSpace(*adminTokenRef) != "" {
		adminToken, err = resolver.Resolve(ctx, *adminTokenRef)
		if err != nil {
			log.Error("resolve admin token", "err", err)
			os.Exit(2)
		}
	}

	var (
		store      custody.Store
		leaseStore leases.Store
	)
	switch *storeDriver {
	case storePostgres:
		dsn, err := resolver.Resolve(ctx, *postgresDSNRef)
		if err != nil {
			log.Error("resolve postgres dsn", "err", err)
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := custodypg.New(pool, time.Now)
		if err != nil {
			log.Error("init custody store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure custody schema", "err", err)
			os.Exit(2)
		}
		pgLeases, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := pgLeases.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		store, leaseStore = pgStore, pgLeases
	default:
		store, leaseStore = custody.NewMemoryStore(time.Now), leases.NewMemoryStore(time.Now)
	}

	var (
		balances bank.Bank
		executor dispatch.Executor
	)
	if *bankDriver == bankLCD {
		client, err := lcd.New(*lcdURL, lcd.WithTimeout(*lcdTimeout))
		if err != nil {
			log.Error("init lcd client", "err", err)
			os.Exit(2)
		}
		balances = client
	} else {
		// The in-process ledger both answers balances and executes instructions.
		ledger := bank.NewLedger()
		balances, executor = ledger, ledger
	}

	rt, err := custody.NewRuntime(store, balances, addrs, custody.RuntimeConfig{Now: time.Now, Logger: log})
	if err != nil {
		log.Error("init custody runtime", "err", err)
		os.Exit(2)
	}
	if bootstrap != nil {
		if err := bootstrapInstance(ctx, rt, bootstrap); err != nil {
			log.Error("instantiate from file", "err", err)
			os.Exit(2)
		}
	}

	var broker *queue.Memory
	if strings.EqualFold(strings.TrimSpace(*queueDriver), queue.DriverMemory) {
		broker = queue.NewMemory()
		defer func() { _ = broker.Close() }()
	}
	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:        *queueDriver,
		Brokers:       queue.SplitCommaList(*queueBrokers),
		Group:         *queueGroup,
		Topics:        consumeTopics(*actionTopic, *settlementTopic),
		KafkaMaxBytes: *queueMaxBytes,
		MaxLineBytes:  *maxLineBytes,
		Memory:        broker,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	// stdio consumes stdin; instructions then go to stdout.
	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  os.Stdout,
		Memory:  broker,
	})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = producer.Close() }()

	var receipts blobstore.Store
	if d := strings.TrimSpace(*receiptsDriver); d != "" {
		bcfg := blobstore.Config{Driver: d, Bucket: *receiptsBucket, Prefix: *receiptsPrefix}
		if strings.EqualFold(d, blobstore.DriverS3) {
			client, err := blobstore.NewS3Client(ctx)
			if err != nil {
				log.Error("init s3 client", "err", err)
				os.Exit(2)
			}
			bcfg.S3Client = client
		}
		receipts, err = blobstore.New(bcfg)
		if err != nil {
			log.Error("init receipt store", "err", err)
			os.Exit(2)
		}
	}

	dispatcher, err := dispatch.New(store, producer, dispatch.Config{
		Topic:     *instructionTopic,
		BatchSize: *dispatchBatch,
		Receipts:  receipts,
		Executor:  executor,
		Logger:    log,
	})
	if err != nil {
		log.Error("init dispatcher", "err", err)
		os.Exit(2)
	}

	proc, err := node.NewProcessor(rt, verifier, log, node.WithSenderKeys(signerKeys))
	if err != nil {
		log.Error("init processor", "err", err)
		os.Exit(2)
	}
	elector, err := leases.NewElector(leaseStore, *leaseName, *owner, *leaseTTL, log)
	if err != nil {
		log.Error("init leader elector", "err", err)
		os.Exit(2)
	}
	svc, err := node.NewService(proc, consumer, dispatcher, elector, node.ServiceConfig{
		TickInterval:  *tickInterval,
		ActionTimeout: *actionTimeout,
		AckTimeout:    *ackTimeout,
		MaxAttempts:   *maxAttempts,
		RetryDelay:    250 * time.Millisecond,
		Logger:        log,
	})
	if err != nil {
		log.Error("init service", "err", err)
		os.Exit(2)
	}

	var srv *http.Server
	srvErr := make(chan error, 1)
	if *listenAddr != "" {
		handler, err := api.NewHandler(api.Config{
			Senders:                 senders,
			AdminToken:              adminToken,
			RateLimitPerIPPerSecond: *rateLimitPerSecond,
			RateLimitBurst:          *rateLimitBurst,
			RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
			Now:                     time.Now,
		}, rt, proc)
		if err != nil {
			log.Error("init api handler", "err", err)
			os.Exit(2)
		}
		srv = &http.Server{
			Addr:              *listenAddr,
			Handler:           handler,
			ReadHeaderTimeout: *readHeaderTimeout,
			ReadTimeout:       *readTimeout,
			WriteTimeout:      *writeTimeout,
			IdleTimeout:       *idleTimeout,
			MaxHeaderBytes:    1 << 20,
		}
		go func() {
			log.Info("timelock api listening", "addr", *listenAddr)
			srvErr <- srv.ListenAndServe()
		}()
	}

	log.Info("timelock node started",
		"owner", *owner,
		"store", *storeDriver,
		"bank", *bankDriver,
		"queueDriver", *queueDriver,
		"actionTopic", *actionTopic,
		"instructionTopic", *instructionTopic,
		"governance", verifier != nil,
		"senders", len(senders),
		"receipts", *receiptsDriver,
	)

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	exitCode := 0
	select {
	case err := <-runErr:
		if err != nil {
			log.Error("service stopped", "err", err)
			exitCode = 1
		}
		stop()
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			exitCode = 1
		}
		stop()
		<-runErr
	case <-ctx.Done():
		<-runErr
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// parseSenderRefs parses "sender=secret-ref" pairs. Each sender may appear once.
func parseSenderRefs(csv string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range queue.SplitCommaList(csv) {
		sender, ref, ok := strings.Cut(pair, "=")
		sender, ref = strings.TrimSpace(sender), strings.TrimSpace(ref)
		if !ok || sender == "" || ref == "" {
			return nil, fmt.Errorf("invalid pair %q, want sender=secret-ref", pair)
		}
		if _, dup := out[sender]; dup {
			return nil, fmt.Errorf("duplicate sender %q", sender)
		}
		out[sender] = ref
	}
	return out, nil
}

type secretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// resolveSenders returns the token -> sender map the API authenticates with.
func resolveSenders(ctx context.Context, r secretResolver, refs map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	for sender, ref := range refs {
		token, err := r.Resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("sender %s: %w", sender, err)
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return nil, fmt.Errorf("sender %s: empty token", sender)
		}
		if other, dup := out[token]; dup {
			return nil, fmt.Errorf("senders %s and %s share a token", other, sender)
		}
		out[token] = sender
	}
	return out, nil
}

type bootstrapFile struct {
	timelock.InstantiateMsg
	Instance  string `json:"instance"`
	Account   string `json:"account"`
	Authority string `json:"authority,omitempty"`
}

func loadBootstrap(path string) (*bootstrapFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instantiate file: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var bf bootstrapFile
	if err := dec.Decode(&bf); err != nil {
		return nil, fmt.Errorf("parse instantiate file: %w", err)
	}
	if strings.TrimSpace(bf.Instance) == "" {
		return nil, errors.New("instantiate file: missing instance")
	}
	return &bf, nil
}

type instantiator interface {
	Instantiate(ctx context.Context, id string, msg timelock.InstantiateMsg, opts custody.InstantiateOptions) (custody.Instance, error)
}

// bootstrapInstance creates the instance unless it already exists, so restarts are harmless.
func bootstrapInstance(ctx context.Context, rt instantiator, bf *bootstrapFile) error {
	_, err := rt.Instantiate(ctx, bf.Instance, bf.InstantiateMsg, custody.InstantiateOptions{
		Account:   bf.Account,
		Authority: bf.Authority,
	})
	if errors.Is(err, custody.ErrAlreadyInstantiated) {
		return nil
	}
	return err
}

// consumeTopics lists the action topic and, when set, the settlement topic.
func consumeTopics(action, settlement string) []string {
	topics := []string{strings.TrimSpace(action)}
	if s := strings.TrimSpace(settlement); s != "" && s != topics[0] {
		topics = append(topics, s)
	}
	return topics
}
