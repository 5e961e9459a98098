package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/a402-labs/a402"
	"github.com/a402-labs/a402/internal"
	liba402 "github.com/a402-labs/a402/lib"
	"github.com/a402-labs/a402/lib/config"
	"github.com/a402-labs/a402/lib/facilitator"
	"github.com/a402-labs/a402/lib/protocol"
	"github.com/a402-labs/a402/lib/sui"
	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/a402-labs/a402/lib/store/all"
)

var (
	bind                     = flag.String("bind", ":8402", "network address to bind HTTP to")
	bindNetwork              = flag.String("bind-network", "tcp", "network family to bind HTTP to, e.g. unix, tcp")
	metricsBind              = flag.String("metrics-bind", ":9090", "network address to bind metrics to")
	metricsBindNetwork       = flag.String("metrics-bind-network", "tcp", "network family for the metrics server to bind to")
	socketMode               = flag.String("socket-mode", "0770", "socket mode (permissions) for unix domain sockets.")
	slogLevel                = flag.String("slog-level", "INFO", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	configFname              = flag.String("config-fname", "", "full path to the a402 configuration file (defaults to a sensible built-in configuration)")
	beepAPIURL               = flag.String("beep-api-url", facilitator.DefaultBaseURL, "base URL of the Beep facilitator API")
	beepSecretKey            = flag.String("beep-secret-key", "", "Beep secret API key, preferred over the publishable key")
	beepPublishableKey       = flag.String("beep-publishable-key", "", "Beep publishable API key, used when no secret key is set")
	beepRateLimit            = flag.Float64("beep-rate-limit", 10, "maximum facilitator API requests per second, 0 disables the limit")
	beepRateBurst            = flag.Int("beep-rate-burst", 10, "number of facilitator API requests allowed in a burst")
	merchantAddress          = flag.String("merchant-address", "", "address issued challenges ask to be paid to")
	defaultChain             = flag.String("default-chain", protocol.ChainSuiTestnet, "chain identifier challenges are issued on unless the client asks otherwise")
	defaultAmount            = flag.String("default-amount", "0.01", "amount challenges ask for unless the client asks otherwise")
	publicURL                = flag.String("public-url", "", "if set, the URL this service is reachable at, used to build challenge callbacks")
	challengeTTL             = flag.Duration("challenge-ttl", a402.DefaultChallengeTTL, "how long an issued challenge stays payable")
	replayWindow             = flag.Duration("replay-window", a402.DefaultReplayWindow, "how long a used nonce is remembered when its challenge is unknown")
	upstreamTimeout          = flag.Duration("upstream-timeout", a402.DefaultUpstreamTimeout, "timeout for each call to the facilitator or the ledger RPC")
	rpcRetries               = flag.Uint64("rpc-retries", 3, "how many times a failed ledger RPC call is retried")
	hs512Secret              = flag.String("hs512-secret", "", "secret used to sign challenge tokens, uses ed25519 if not set")
	ed25519PrivateKeyHex     = flag.String("ed25519-private-key-hex", "", "private key used to sign challenge tokens, if not set a random one will be assigned")
	ed25519PrivateKeyHexFile = flag.String("ed25519-private-key-hex-file", "", "file name containing value for ed25519-private-key-hex")
	healthcheck              = flag.Bool("healthcheck", false, "run a health check against a402d")
	versionFlag              = flag.Bool("version", false, "print a402d version")
)

func keyFromHex(value string) (ed25519.PrivateKey, error) {
	keyBytes, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("supplied key is not hex-encoded: %w", err)
	}

	if len(keyBytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("supplied key is not %d bytes long, got %d bytes", ed25519.SeedSize, len(keyBytes))
	}

	return ed25519.NewKeyFromSeed(keyBytes), nil
}

func doHealthCheck() error {
	resp, err := http.Get("http://localhost" + *metricsBind + "/metrics")
	if err != nil {
		return fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// parseBindNetFromAddr determine bind network and address based on the given network and address.
func parseBindNetFromAddr(address string) (string, string) {
	defaultScheme := "http://"
	if !strings.Contains(address, "://") {
		if strings.HasPrefix(address, ":") {
			address = defaultScheme + "localhost" + address
		} else {
			address = defaultScheme + address
		}
	}

	bindUri, err := url.Parse(address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to parse bind URL: %w", err))
	}

	switch bindUri.Scheme {
	case "unix":
		return "unix", bindUri.Path
	case "tcp", "http", "https":
		return "tcp", bindUri.Host
	default:
		log.Fatal(fmt.Errorf("unsupported network scheme %s in address %s", bindUri.Scheme, address))
	}
	return "", address
}

func setupListener(network string, address string) (net.Listener, string) {
	formattedAddress := ""

	if network == "" {
		network, address = parseBindNetFromAddr(address)
	}

	switch network {
	case "unix":
		formattedAddress = "unix:" + address
	case "tcp":
		if strings.HasPrefix(address, ":") { // assume it's just a port e.g. :8402
			formattedAddress = "http://localhost" + address
		} else {
			formattedAddress = "http://" + address
		}
	default:
		formattedAddress = fmt.Sprintf(`(%s) %s`, network, address)
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to bind to %s: %w", formattedAddress, err))
	}

	if network == "unix" {
		mode, err := strconv.ParseUint(*socketMode, 8, 0)
		if err != nil {
			listener.Close()
			log.Fatal(fmt.Errorf("could not parse socket mode %s: %w", *socketMode, err))
		}

		err = os.Chmod(address, os.FileMode(mode))
		if err != nil {
			err := listener.Close()
			if err != nil {
				log.Printf("failed to close listener: %v", err)
			}
			log.Fatal(fmt.Errorf("could not change socket mode: %w", err))
		}
	}

	return listener, formattedAddress
}

// signingKey works out which challenge token key to use from the flags. Both
// results are nil when the issuer should generate its own key.
func signingKey() (ed25519.PrivateKey, []byte, error) {
	switch {
	case *hs512Secret != "" && (*ed25519PrivateKeyHex != "" || *ed25519PrivateKeyHexFile != ""):
		return nil, nil, errors.New("do not specify both HS512 and ED25519 secrets")
	case *hs512Secret != "":
		return nil, []byte(*hs512Secret), nil
	case *ed25519PrivateKeyHex != "" && *ed25519PrivateKeyHexFile != "":
		return nil, nil, errors.New("do not specify both ED25519_PRIVATE_KEY_HEX and ED25519_PRIVATE_KEY_HEX_FILE")
	case *ed25519PrivateKeyHex != "":
		priv, err := keyFromHex(*ed25519PrivateKeyHex)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse and validate ED25519_PRIVATE_KEY_HEX: %w", err)
		}
		return priv, nil, nil
	case *ed25519PrivateKeyHexFile != "":
		hexFile, err := os.ReadFile(*ed25519PrivateKeyHexFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read ED25519_PRIVATE_KEY_HEX_FILE %s: %w", *ed25519PrivateKeyHexFile, err)
		}

		priv, err := keyFromHex(string(bytes.TrimSpace(hexFile)))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse and validate content of ED25519_PRIVATE_KEY_HEX_FILE: %w", err)
		}
		return priv, nil, nil
	}

	slog.Warn("generating random key, challenge tokens will not verify across restarts or between instances behind the same load balancer")
	return nil, nil, nil
}

// dialLedgers connects to one RPC endpoint per network. When several chains
// share a network the first one listed wins.
func dialLedgers(ctx context.Context, cfg *config.Config) (*sui.Pool, []*sui.Client, error) {
	networks := map[string]sui.Ledger{}
	var clients []*sui.Client

	for _, ch := range cfg.Chains {
		network := protocol.Network(ch.ID)
		if _, ok := networks[network]; ok {
			slog.Debug("network already has a ledger, skipping chain", "chain", ch.ID, "network", network)
			continue
		}

		c, err := sui.Dial(ctx, ch.RPCURL, *rpcRetries, *upstreamTimeout)
		if err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, nil, err
		}

		slog.Debug("using ledger", "chain", ch.ID, "network", network, "rpc_url", ch.RPCURL)
		networks[network] = c
		clients = append(clients, c)
	}

	return sui.NewPool(networks), clients, nil
}

func main() {
	flagenv.Parse()
	flag.Parse()

	if *versionFlag {
		fmt.Println("a402d", a402.Version)
		return
	}

	internal.InitSlog(*slogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := liba402.LoadConfigOrDefault(*configFname)
	if err != nil {
		log.Fatalf("can't load configuration: %v", err)
	}

	st, err := cfg.Store.Build(ctx)
	if err != nil {
		log.Fatalf("can't build %s store: %v", cfg.Store.Backend, err)
	}

	ledgers, clients, err := dialLedgers(ctx, cfg)
	if err != nil {
		log.Fatalf("can't connect to ledger RPC: %v", err)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	var fc facilitator.Client
	switch hc, err := facilitator.NewHTTPClient(*beepAPIURL, *beepSecretKey, *beepPublishableKey, *upstreamTimeout); {
	case errors.Is(err, facilitator.ErrNoAPIKey):
		slog.Warn("BEEP_SECRET_KEY and BEEP_PUBLISHABLE_KEY are not set, facilitator verification is disabled")
	case err != nil:
		log.Fatalf("can't create facilitator client: %v", err)
	default:
		fc = hc.WithRateLimit(*beepRateLimit, *beepRateBurst)
	}

	if *merchantAddress == "" {
		slog.Warn("MERCHANT_ADDRESS is not set, challenges can't be issued")
	}

	ed25519Priv, hsSecret, err := signingKey()
	if err != nil {
		log.Fatal(err)
	}

	s, err := liba402.New(liba402.Options{
		Config:            cfg,
		Store:             st,
		Facilitator:       fc,
		Ledgers:           ledgers,
		Merchant:          *merchantAddress,
		DefaultAmount:     *defaultAmount,
		DefaultChain:      *defaultChain,
		PublicURL:         *publicURL,
		ChallengeTTL:      *challengeTTL,
		ReplayWindow:      *replayWindow,
		UpstreamTimeout:   *upstreamTimeout,
		ED25519PrivateKey: ed25519Priv,
		HS512Secret:       hsSecret,
	})
	if err != nil {
		log.Fatalf("can't construct liba402.Server: %v", err)
	}

	wg := new(sync.WaitGroup)

	if *metricsBind != "" {
		wg.Add(1)
		go metricsServer(ctx, wg.Done)
	}

	srv := http.Server{Handler: s, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, listenerUrl := setupListener(*bindNetwork, *bind)
	slog.Info(
		"listening",
		"url", listenerUrl,
		"version", a402.Version,
		"store", cfg.Store.Backend,
		"merchant", *merchantAddress,
		"default-chain", *defaultChain,
		"default-amount", *defaultAmount,
		"challenge-ttl", *challengeTTL,
		"replay-window", *replayWindow,
		"facilitator", fc != nil,
	)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	wg.Wait()
}

func metricsServer(ctx context.Context, done func()) {
	defer done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := http.Server{Handler: mux, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, metricsUrl := setupListener(*metricsBindNetwork, *metricsBind)
	slog.Debug("listening for metrics", "url", metricsUrl)

	if *healthcheck {
		log.Println("running healthcheck")
		if err := doHealthCheck(); err != nil {
			log.Fatal(err)
		}
		return
	}

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
