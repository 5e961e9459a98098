package lib

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/a402-labs/a402"
	"github.com/a402-labs/a402/data"
	"github.com/a402-labs/a402/lib/challenge"
	"github.com/a402-labs/a402/lib/config"
	"github.com/a402-labs/a402/lib/facilitator"
	"github.com/a402-labs/a402/lib/onchain"
	"github.com/a402-labs/a402/lib/replay"
	"github.com/a402-labs/a402/lib/store"
)

type Options struct {
	Config *config.Config
	Store  store.Interface

	// Facilitator is nil when no Beep API key is configured; facilitator
	// verification then fails with a configuration error.
	Facilitator facilitator.Client
	Ledgers     onchain.Ledgers

	Merchant      string
	DefaultAmount string
	DefaultChain  string
	PublicURL     string

	ChallengeTTL    time.Duration
	ReplayWindow    time.Duration
	UpstreamTimeout time.Duration

	ED25519PrivateKey ed25519.PrivateKey
	HS512Secret       []byte

	Logger *slog.Logger

	// Now is the clock challenges and nonces expire against. Nil means
	// time.Now.
	Now func() time.Time
}

// LoadConfigOrDefault reads the configuration file at fname, or the embedded
// default when fname is empty.
func LoadConfigOrDefault(fname string) (*config.Config, error) {
	var fin io.ReadCloser
	var err error

	if fname != "" {
		fin, err = os.Open(fname)
		if err != nil {
			return nil, fmt.Errorf("can't parse config file %s: %w", fname, err)
		}
	} else {
		fname = "(data)/a402.yaml"
		fin, err = data.Config.Open("a402.yaml")
		if err != nil {
			return nil, fmt.Errorf("[unexpected] can't parse builtin config file %s: %w", fname, err)
		}
	}

	defer func(fin io.ReadCloser) {
		err := fin.Close()
		if err != nil {
			slog.Error("failed to close config file", "file", fname, "err", err)
		}
	}(fin)

	cfg, err := config.Load(fin, fname)
	if err != nil {
		return nil, fmt.Errorf("can't parse config file %s: %w", fname, err)
	}

	return cfg, nil
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("lib: %w: no store", store.ErrBadConfig)
	}

	if opts.Config == nil {
		opts.Config = &config.Config{Store: config.Store{Backend: "memory"}}
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Merchant == "" {
		slog.Warn("no merchant address configured, issued challenges will fail validation")
	}

	issuer, err := challenge.NewIssuer(challenge.Options{
		Store:             opts.Store,
		Merchant:          opts.Merchant,
		DefaultAmount:     opts.DefaultAmount,
		DefaultAsset:      a402.DefaultAsset,
		DefaultChain:      opts.DefaultChain,
		PublicURL:         opts.PublicURL,
		TTL:               opts.ChallengeTTL,
		ED25519PrivateKey: opts.ED25519PrivateKey,
		HS512Secret:       opts.HS512Secret,
		Now:               opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("lib: can't create challenge issuer: %w", err)
	}

	cfg := opts.Config

	result := &Server{
		now:    opts.Now,
		issuer: issuer,
		replay: replay.New(opts.Store, opts.ReplayWindow).WithClock(opts.Now),
		verifier: onchain.New(onchain.Options{
			Ledgers: opts.Ledgers,
			Asset: func(symbol string) onchain.Asset {
				a := cfg.Asset(symbol)
				return onchain.Asset{Decimals: a.Decimals, CoinType: a.CoinType}
			},
			ExplorerURL: func(chain, digest string) string {
				if u := cfg.ExplorerURL(chain, digest); u != "" {
					return u
				}
				return onchain.DefaultExplorerURL(chain, digest)
			},
			Timeout: opts.UpstreamTimeout,
			Logger:  opts.Logger,
		}),
		opts: opts,
	}

	if opts.Facilitator != nil {
		result.poller = facilitator.New(opts.Facilitator, facilitator.Options{
			Timeout:  opts.UpstreamTimeout,
			Decimals: func(symbol string) int32 { return cfg.Asset(symbol).Decimals },
			Logger:   opts.Logger,
		})
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST "+a402.APIPrefix+"challenge", result.MakeChallenge)
	mux.HandleFunc("POST "+a402.APIPrefix+"verify", result.Verify)
	mux.HandleFunc("POST "+a402.APIPrefix+"verify-beep", result.VerifyBeep)
	mux.HandleFunc("POST "+a402.APIPrefix+"verify-onchain", result.VerifyOnchain)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "OK")
	})

	result.mux = mux

	return result, nil
}
