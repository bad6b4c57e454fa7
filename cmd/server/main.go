// Command segstore runs the segment-log key-value store as an HTTP server.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/natefinch/lumberjack"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hsuyoo/kvcask/core"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "segstore",
		Short: "Segment-log embedded key-value store",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Open the data directory and serve it over HTTP",
		RunE:  runServe,
	}

	v := viper.New()
	bindFlags(serve, v)
	serve.PreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(v)
		if err != nil {
			return err
		}
		cmd.SetContext(withConfig(cmd.Context(), cfg))
		return nil
	}

	root.AddCommand(serve)
	return root
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := configFromContext(cmd.Context())

	log := newLogger(cfg)
	defer func() { _ = log.Sync() }()

	db, err := core.Open(cfg.Dir,
		core.WithMaxSegmentSize(cfg.MaxSegmentSize),
		core.WithFsync(cfg.Fsync),
		core.WithCompactionEnabled(cfg.CompactionEnabled),
		core.WithCompactionInterval(cfg.CompactionInterval),
		core.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("open %q: %w", cfg.Dir, err)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newHandler(db, log),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("listening", "addr", cfg.ListenAddr, "dir", cfg.Dir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("shutting down", "signal", sig.String())
		_ = srv.Close()
		<-serveErr
	case err := <-serveErr:
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("serve: %w", err)
		}
	}

	return db.Close()
}

func newLogger(cfg config) *zap.SugaredLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var writer zapcore.WriteSyncer
	if cfg.LogPath == "" {
		writer = zapcore.AddSync(os.Stderr)
	} else {
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		})
	}

	zapCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), writer, zap.InfoLevel)
	return zap.New(zapCore).Sugar()
}
