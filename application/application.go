package application

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/chatrelay-go/internal/auth"
	"github.com/lk2023060901/chatrelay-go/internal/config"
	"github.com/lk2023060901/chatrelay-go/internal/network/acceptor"
	"github.com/lk2023060901/chatrelay-go/internal/network/framer"
	"github.com/lk2023060901/chatrelay-go/internal/network/session"
	"github.com/lk2023060901/chatrelay-go/internal/server"
	zlog "github.com/lk2023060901/chatrelay-go/pkg/log"
	"github.com/lk2023060901/chatrelay-go/pkg/metrics"
)

const (
	defaultConfigPath = "./config.yaml"
	configPathEnv     = config.EnvPrefix + "_CONFIG_FILE_PATH"
)

// Application 为 chatd 的运行时容器，持有配置并管理各组件的生命周期。
type Application struct {
	cfg       *config.Config
	authn     *auth.Authenticator
	srv       *server.Server
	acceptors []acceptor.Acceptor
	metrics   *http.Server
	metricsLn net.Listener
}

// New 创建一个尚未加载配置的 Application。
func New() *Application {
	return &Application{}
}

// Run 为 chatd 的入口。
//
// 配置文件路径的优先级：
//  1. 默认：./config.yaml（不存在时只使用默认值与环境变量）；
//  2. 环境变量：CHATRELAY_CONFIG_FILE_PATH；
//  3. 命令行：--config <path> 或 --config=<path>。
//
// 阻塞直到收到 SIGINT/SIGTERM 或某个组件失败。
func (a *Application) Run(args []string) error {
	path, err := resolveConfigPath(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := a.Setup(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Serve(ctx)
}

// Config 返回已加载的配置。
func (a *Application) Config() *config.Config {
	return a.cfg
}

// Server 返回消息服务。
func (a *Application) Server() *server.Server {
	return a.srv
}

// Acceptors 返回已创建的接入器。
func (a *Application) Acceptors() []acceptor.Acceptor {
	return a.acceptors
}

// Setup 初始化日志并创建全部组件，监听端口在此时打开。
func (a *Application) Setup(cfg *config.Config) (err error) {
	a.cfg = cfg
	if err := initLogging(&cfg.Log); err != nil {
		return err
	}
	metrics.Register(prometheus.DefaultRegisterer)

	defer func() {
		if err != nil {
			a.release()
		}
	}()

	c, err := cfg.Codec.NewCodec()
	if err != nil {
		return err
	}

	var tokens *auth.TokenIssuer
	if cfg.Auth.TokenSecret != "" {
		if tokens, err = auth.NewTokenIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL); err != nil {
			return err
		}
	}
	a.authn, err = auth.NewAuthenticator(auth.Config{
		Store:          auth.StaticStore(cfg.Auth.UserHashes()),
		Tokens:         tokens,
		ClientVersions: cfg.Auth.ClientVersions,
		Workers:        cfg.Pool.AuthWorkers,
	})
	if err != nil {
		return err
	}

	a.srv, err = server.New(c, a.authn, server.Options{
		Session: session.Options{
			QueueSize:    cfg.Session.QueueSize,
			WriteTimeout: cfg.Session.WriteTimeout,
			IdleTimeout:  cfg.Session.IdleTimeout,
		},
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
	})
	if err != nil {
		return err
	}

	if cfg.Server.TCPAddr != "" {
		tcp, err := acceptor.NewTCPAcceptor(cfg.Server.TCPAddr, a.srv)
		if err != nil {
			return err
		}
		a.acceptors = append(a.acceptors, tcp)
	}
	if cfg.Server.WSAddr != "" {
		ws, err := acceptor.NewWSAcceptor(cfg.Server.WSAddr, cfg.Server.WSPath, a.srv,
			acceptor.WithReadLimit(int64(cfg.Codec.MaxFrameSize)+framer.HeaderSize))
		if err != nil {
			return err
		}
		a.acceptors = append(a.acceptors, ws)
	}

	if cfg.Metrics.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			return errors.Wrapf(err, "listen metrics %s", cfg.Metrics.Addr)
		}
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler(prometheus.DefaultGatherer))
		a.metricsLn = ln
		a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return nil
}

// Serve 运行全部接入器与 /metrics，ctx 取消后在 ShutdownTimeout 内优雅退出。
func (a *Application) Serve(ctx context.Context) error {
	defer a.release()

	g, ctx := errgroup.WithContext(ctx)
	for _, acc := range a.acceptors {
		g.Go(func() error {
			return acc.Serve(ctx)
		})
	}
	if a.metrics != nil {
		g.Go(func() error {
			zlog.Info("metrics serving", zap.Stringer("addr", a.metricsLn.Addr()))
			if err := a.metrics.Serve(a.metricsLn); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			return a.metrics.Shutdown(shutdownCtx)
		})
	}

	zlog.Info("chatd started", zap.String("version", server.Version))
	err := g.Wait()
	zlog.Info("chatd stopped", zap.Error(err))
	return err
}

func (a *Application) release() {
	for _, acc := range a.acceptors {
		_ = acc.Close()
	}
	if a.authn != nil {
		a.authn.Close()
	}
	_ = zlog.Sync()
}

// resolveConfigPath 按默认值、环境变量、命令行的顺序确定配置文件路径。
// 路径来自默认值且文件不存在时返回空串。
func resolveConfigPath(args []string) (string, error) {
	path := defaultConfigPath
	explicit := false

	if envPath := strings.TrimSpace(os.Getenv(configPathEnv)); envPath != "" {
		path = envPath
		explicit = true
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return "", errors.New("missing value after --config")
			}
			path = args[i+1]
			explicit = true
			i++
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--config="); ok && val != "" {
			path = val
			explicit = true
		}
	}

	if !explicit {
		if _, err := os.Stat(path); err != nil {
			return "", nil
		}
	}
	return path, nil
}

// initLogging 按配置初始化全局日志。
func initLogging(cfg *zlog.Config) error {
	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init logger")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}
