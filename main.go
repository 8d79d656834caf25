package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"relay/internal/admin"
	"relay/internal/protocolengine"
)

func main() {
	gameAddr := flag.String("game-addr", ":7777", "UDP listen address for game traffic")
	adminAddr := flag.String("admin-addr", ":8080", "admin health/readiness HTTP listen address (empty to disable)")
	tick := flag.Duration("tick", 10*time.Millisecond, "interval between room ticks")
	maxUnacked := flag.Int("max-unacked", 1024, "maximum outstanding reliable frames before a peer is disconnected")
	disconnectTimeout := flag.Duration("disconnect-timeout", 10*time.Second, "idle timeout before a peer is disconnected")
	keepalive := flag.Duration("keepalive", 2*time.Second, "interval between keepalive frames")
	maxFramesPerSecond := flag.Int("max-frames-per-second", 200, "per-member inbound frame admission rate")
	logPath := flag.String("log-file", "", "rotating log file path (empty logs to stderr)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log := buildLogger(*logLevel, *logPath)
	defer log.Sync()

	conn, err := net.ListenPacket("udp", *gameAddr)
	if err != nil {
		log.Error("bind game socket", zap.String("addr", *gameAddr), zap.Error(err))
		os.Exit(1)
	}
	defer conn.Close()

	var health *admin.HealthServer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *adminAddr != "" {
		health = admin.NewHealthServer(log)
		go func() {
			if err := health.Run(ctx, *adminAddr); err != nil {
				log.Error("admin http server", zap.Error(err))
			}
		}()
	}

	protoConfig := protocolengine.Config{
		MaxUnacked:         *maxUnacked,
		DisconnectTimeout:  *disconnectTimeout,
		KeepaliveInterval:  *keepalive,
		MaxFramesPerSecond: *maxFramesPerSecond,
	}

	srv := NewServer(conn, protoConfig, *tick, health, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down")
		srv.Shutdown()
		cancel()
	}()

	log.Info("relay listening", zap.String("game-addr", *gameAddr), zap.String("admin-addr", *adminAddr))
	if err := srv.ReadLoop(ctx); err != nil {
		log.Error("read loop", zap.Error(err))
		os.Exit(1)
	}
}

// buildLogger wires zap to a lumberjack-rotated file when logPath is set,
// otherwise to stderr, mirroring cppla-moto's zap+lumberjack pairing.
func buildLogger(level, logPath string) *zap.Logger {
	levelMap := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	lvl, ok := levelMap[level]
	if !ok {
		lvl = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= lvl })

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	var sink zapcore.WriteSyncer
	if logPath == "" {
		sink = zapcore.AddSync(os.Stderr)
	} else {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}

	core := zapcore.NewCore(encoder, sink, enabler)
	return zap.New(core, zap.AddCaller())
}
