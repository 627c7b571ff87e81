package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/taskcore/engine/constitution"
	"github.com/taskcore/engine/crew"
	"github.com/taskcore/engine/executor"
	"github.com/taskcore/engine/modelrouter"
	"github.com/taskcore/engine/planner"
	"github.com/taskcore/engine/providers"
	"github.com/taskcore/engine/providers/anthropic"
	"github.com/taskcore/engine/providers/bedrock"
	"github.com/taskcore/engine/providers/openai"
	"github.com/taskcore/engine/store/pulsemap"
	"github.com/taskcore/engine/store/pulsestream"
	"github.com/taskcore/engine/store/schedule"
	"github.com/taskcore/engine/store/session"
	"github.com/taskcore/engine/store/tracestore"
	"github.com/taskcore/engine/telemetry"
	"github.com/taskcore/engine/toolregistry"
	taskcorehttp "github.com/taskcore/engine/transport/http"
)

func main() {
	var (
		hostF     = flag.String("host", "localhost", "Server host (valid values: localhost)")
		domainF   = flag.String("domain", "", "Host domain name (overrides host domain specified above)")
		httpPortF = flag.String("http-port", "", "HTTP port (overrides the default port for -host)")
		secureF   = flag.Bool("secure", false, "Use secure scheme (https)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies, mount pprof handlers")
		configF   = flag.String("config", "", "Path to a YAML deployment config; unset uses built-in defaults")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}

	logger := telemetry.NewClueLogger()

	c, err := buildConstitution(cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}

	_, namedProviders, err := buildProviders(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}

	router := modelrouter.NewRouter(cfg.policy())
	limiter := modelrouter.NewAdaptiveRateLimiter(cfg.RateLimit.InitialTPM, cfg.RateLimit.MaxTPM)
	for name, p := range namedProviders {
		namedProviders[name] = limiter.Wrap(p)
	}
	resolver := planner.MapResolver(namedProviders)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Stores.RedisAddr})

	if clusterMap, err := pulsemap.Join(ctx, cfg.RateLimit.ClusterKey, redisClient); err != nil {
		log.Printf(ctx, "cluster escalation map unavailable, falling back to per-process tracking: %v", err)
	} else {
		router.Escalations = modelrouter.NewEscalationCoordinator(clusterMap, cfg.RateLimit.ClusterKey)
	}

	reg := toolregistry.New(c)
	if err := registerBuiltinTools(reg); err != nil {
		log.Fatal(ctx, err)
	}

	pl := planner.New(router, resolver, reg, c, logger)
	ex := executor.New(pl, reg, c, router, resolver, logger)
	cw := crew.New(pl, ex, reg, c, router, resolver, logger)

	sessionStore, err := session.New(session.Options{Client: redisClient})
	if err != nil {
		log.Fatal(ctx, err)
	}

	mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.Stores.MongoURI))
	if err != nil {
		log.Fatal(ctx, err)
	}
	resultStore, err := tracestore.New(ctx, tracestore.Options{Client: mongoClient, Database: cfg.Stores.MongoDB})
	if err != nil {
		log.Fatal(ctx, err)
	}
	scheduleStore, err := schedule.New(schedule.Options{Client: mongoClient, Database: cfg.Stores.MongoDB})
	if err != nil {
		log.Fatal(ctx, err)
	}

	streamClient, err := pulsestream.New(pulsestream.Options{Redis: redisClient})
	if err != nil {
		log.Fatal(ctx, err)
	}

	httpSrv := taskcorehttp.New(time.Now())
	httpSrv.Executor = ex
	httpSrv.Crew = cw
	httpSrv.Registry = reg
	httpSrv.Results = resultStore
	httpSrv.Sessions = sessionStore
	httpSrv.Schedules = scheduleStore
	httpSrv.Streams = streamClient
	httpSrv.Health = newProviderHealth(namedProviders)
	httpSrv.Router = router
	httpSrv.Logger = logger
	httpSrv.WebhookSecret = cfg.Stores.WebhookKey

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	switch *hostF {
	case "localhost":
		addr := "http://localhost:80"
		u, err := url.Parse(addr)
		if err != nil {
			log.Fatalf(ctx, err, "invalid URL %#v\n", addr)
		}
		if *secureF {
			u.Scheme = "https"
		}
		if *domainF != "" {
			u.Host = *domainF
		}
		if *httpPortF != "" {
			h, _, err := net.SplitHostPort(u.Host)
			if err != nil {
				log.Fatalf(ctx, err, "invalid URL %#v\n", u.Host)
			}
			u.Host = net.JoinHostPort(h, *httpPortF)
		} else if u.Port() == "" {
			u.Host = net.JoinHostPort(u.Host, "80")
		}
		handleHTTPServer(ctx, u, httpSrv, &wg, errc, *dbgF)
	default:
		log.Fatal(ctx, fmt.Errorf("invalid host argument: %q (valid hosts: localhost)", *hostF))
	}

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}

// buildConstitution merges the baked-in default rule set with any
// YAML-supplied user rules (spec §4.2: user rules can only add restriction,
// never relax a default).
func buildConstitution(cfg config) (*constitution.Constitution, error) {
	userRules, err := cfg.userRules()
	if err != nil {
		return nil, err
	}
	return constitution.New(userRules...), nil
}

// buildProviders constructs every configured vendor adapter and returns both
// a planner.ProviderResolver over them and the raw name->Provider map the
// health reporter and rate limiter also need.
func buildProviders(ctx context.Context, cfg config) (planner.ProviderResolver, map[string]providers.Provider, error) {
	named := make(map[string]providers.Provider)

	if cfg.Providers.Anthropic != "" {
		p, err := anthropic.NewFromAPIKey(cfg.Providers.Anthropic, cfg.Router.LLM.Model)
		if err != nil {
			return nil, nil, fmt.Errorf("anthropic provider: %w", err)
		}
		named["anthropic"] = p
	}
	if cfg.Providers.OpenAI != "" {
		p, err := openai.NewFromAPIKey(cfg.Providers.OpenAI, cfg.Router.LLM.Model)
		if err != nil {
			return nil, nil, fmt.Errorf("openai provider: %w", err)
		}
		named["openai"] = p
	}
	if cfg.Providers.Bedrock {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("bedrock provider: load aws config: %w", err)
		}
		runtime := bedrockruntime.NewFromConfig(awsCfg)
		p, err := bedrock.New(bedrock.Options{Runtime: runtime, DefaultModel: cfg.Router.LLM.Model})
		if err != nil {
			return nil, nil, fmt.Errorf("bedrock provider: %w", err)
		}
		named["bedrock"] = p
	}

	return planner.MapResolver(named), named, nil
}
