package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"dagbft/batchpool"
	"dagbft/config"
	"dagbft/consensus"
	"dagbft/crt"
	"dagbft/db"
	"dagbft/handlers"
	"dagbft/logs"
	"dagbft/middleware"
	"dagbft/sender"
	"dagbft/types"
	"dagbft/utils"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

func main() {
	var (
		configFile = flag.String("config", "", "config file path")
		dataPath   = flag.String("data", "", "database directory (overrides config)")
		port       = flag.Int("port", 0, "server port (overrides config)")
		genKey     = flag.Bool("genkey", false, "generate a validator key pair and exit")
	)
	flag.Parse()

	if *genKey {
		generateKey()
		return
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		logs.Error("load config: %v", err)
		os.Exit(1)
	}
	if *dataPath != "" {
		cfg.Node.DataPath = *dataPath
	}
	if *port != 0 {
		cfg.Node.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		logs.Error("invalid config: %v", err)
		os.Exit(1)
	}
	logs.SetLevel(cfg.Node.LogLevel)

	if err := run(cfg); err != nil {
		logs.Error("node exited with error: %v", err)
		os.Exit(1)
	}
}

// generateKey 生成一对验证者密钥并打印
func generateKey() {
	km := utils.NewKeyManager()
	if err := km.GenerateKey(); err != nil {
		logs.Error("generate key: %v", err)
		os.Exit(1)
	}
	fmt.Printf("private key: %s\n", km.PrivateKeyHex())
	fmt.Printf("public key:  %s\n", km.PublicKeyHex())
	fmt.Printf("address:     %s\n", km.GetAddress())
}

func run(cfg *config.Config) error {
	vs, err := cfg.ValidatorSet()
	if err != nil {
		return err
	}
	self := types.NodeID(cfg.Node.Name)
	logger := logs.NewNodeLogger(cfg.Node.Name)

	// 节点密钥
	km := utils.GetKeyManager()
	if err := km.InitKey(cfg.Node.PrivateKey); err != nil {
		return fmt.Errorf("init key: %w", err)
	}

	// 持久层
	if err := os.MkdirAll(cfg.Node.DataPath, 0o755); err != nil {
		return err
	}
	dbOpts := db.DefaultOptions(filepath.Join(cfg.Node.DataPath, "badger"))
	dbOpts.ValueLogFileSize = cfg.Database.ValueLogFileSize
	dbOpts.WriteQueueSize = cfg.Database.WriteQueueSize
	dbOpts.MaxBatchSize = cfg.Database.MaxBatchSize
	dbOpts.FlushInterval = cfg.Database.FlushInterval
	mgr, err := db.NewManager(dbOpts)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	store, err := consensus.NewRealBlockStore(mgr, logger)
	if err != nil {
		mgr.Close()
		return fmt.Errorf("open block store: %w", err)
	}
	defer store.Close()

	// 出站传输
	httpClient := sender.CreateHttp3Client(cfg)
	sm := sender.NewSenderManager(cfg, sender.NewHttp3Transport(httpClient, cfg.Node.Name), logger)
	transport := consensus.NewRealTransport(self, vs, sm, logger)

	// 批次池与节点
	pool := batchpool.New(cfg.Pool.MaxPending, cfg.Pool.SeenCacheSize, logger)
	node, err := consensus.NewNode(cfg, vs, self, km, store, transport, pool, logger)
	if err != nil {
		return err
	}

	// HTTP/3 服务
	limiter := middleware.NewRateLimiter(
		cfg.Server.RateLimitPerPeer, cfg.Server.RateLimitBurst,
		cfg.Server.ThrottledLimitPct, node.Reputation())
	stopCleanup := make(chan struct{})
	limiter.StartCleanup(stopCleanup)

	mux := http.NewServeMux()
	hm := handlers.NewHandlerManager(node, transport, pool, limiter, logger, cfg.Server.MaxRequestBodySize)
	hm.RegisterRoutes(mux)

	cert, err := crt.EnsureCert(
		filepath.Join(cfg.Node.DataPath, "server.crt"),
		filepath.Join(cfg.Node.DataPath, "server.key"),
		km.GetAddress(), cfg.Server.CertValidityDays)
	if err != nil {
		return fmt.Errorf("tls cert: %w", err)
	}

	server := &http3.Server{
		Addr: fmt.Sprintf(":%d", cfg.Node.Port),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
			NextProtos:   []string{"h3", "h3-29", "h3-28", "h3-27"},
		},
		QUICConfig: &quic.Config{
			KeepAlivePeriod: cfg.Server.QUICKeepAlivePeriod,
			MaxIdleTimeout:  cfg.Server.QUICMaxIdleTimeout,
			Allow0RTT:       cfg.Server.QUICAllow0RTT,
		},
		Handler: mux,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening on :%d (HTTP/3)", cfg.Node.Port)
		serverErr <- server.ListenAndServe()
	}()

	node.Start()
	err = waitForShutdown(node, serverErr)

	close(stopCleanup)
	server.Close()
	node.Stop()
	return err
}

// waitForShutdown 等停机信号、服务出错或共识层的不可恢复错误
func waitForShutdown(node *consensus.Node, serverErr <-chan error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logs.Info("received signal %v, shutting down", sig)
		return nil
	case err := <-serverErr:
		return fmt.Errorf("http3 server: %w", err)
	case err := <-node.Fatal():
		return fmt.Errorf("consensus fatal: %w", err)
	}
}
