package forge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// Logging
////////////////////////////////////////////////////////////////////////////////

type logLevel string

const (
	logLevelDebug logLevel = "DEBUG"
	logLevelInfo  logLevel = "INFO"
	logLevelWarn  logLevel = "WARN"
	logLevelError logLevel = "ERROR"
)

type appLogger struct {
	base  *log.Logger
	color bool
}

type sourceLogger struct {
	app    *appLogger
	source string
}

func newAppLogger() *appLogger {
	return &appLogger{
		base:  log.New(os.Stdout, "", 0),
		color: supportsColor(),
	}
}

func supportsColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	term := strings.ToLower(strings.TrimSpace(os.Getenv("TERM")))
	if term == "" || term == "dumb" {
		return false
	}
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func (l *appLogger) Source(source string) sourceLogger {
	return sourceLogger{
		app:    l,
		source: source,
	}
}

func (l *appLogger) logf(level logLevel, source, format string, args ...any) {
	ts := time.Now().UTC().Format(time.RFC3339)
	msg := fmt.Sprintf(format, args...)
	levelText := fmt.Sprintf("%-5s", level)
	sourceText := fmt.Sprintf("%-9s", source)

	if l.color {
		ts = ansi("90", ts)
		levelText = ansi(levelColor(level), levelText)
		sourceText = ansi(sourceColor(source), sourceText)
	}

	l.base.Printf("%s %s %s %s", ts, levelText, sourceText, msg)
}

func (l sourceLogger) Debugf(format string, args ...any) {
	l.app.logf(logLevelDebug, l.source, format, args...)
}

func (l sourceLogger) Infof(format string, args ...any) {
	l.app.logf(logLevelInfo, l.source, format, args...)
}

func (l sourceLogger) Warnf(format string, args ...any) {
	l.app.logf(logLevelWarn, l.source, format, args...)
}

func (l sourceLogger) Errorf(format string, args ...any) {
	l.app.logf(logLevelError, l.source, format, args...)
}

func (l sourceLogger) Fatalf(format string, args ...any) {
	l.app.logf(logLevelError, l.source, format, args...)
	os.Exit(1)
}

func levelColor(level logLevel) string {
	switch level {
	case logLevelDebug:
		return "36" // cyan
	case logLevelInfo:
		return "32" // green
	case logLevelWarn:
		return "33" // yellow
	case logLevelError:
		return "31" // red
	default:
		return "37"
	}
}

func sourceColor(source string) string {
	switch source {
	case "main":
		return "97"
	case "api":
		return "94"
	case workerNameResolver:
		return "35"
	case workerNameBase:
		return "36"
	case workerNameVariant:
		return "93"
	case workerNameAssembler:
		return "32"
	case workerNameAuditor:
		return "95"
	default:
		palette := []string{"34", "35", "36", "92", "93", "95", "96"}
		h := fnv.New32a()
		_, _ = h.Write([]byte(source))
		return palette[int(h.Sum32())%len(palette)]
	}
}

func ansi(code, s string) string {
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

func appLoggerForProcess() *appLogger {
	return newAppLogger()
}

////////////////////////////////////////////////////////////////////////////////
// Entrypoint
////////////////////////////////////////////////////////////////////////////////

func Run() {
	mainLog := appLoggerForProcess().Source("main")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ns, natsURL, jsDir, err := startEmbeddedNATS()
	if err != nil {
		mainLog.Fatalf("start embedded nats: %v", err)
	}
	defer func() {
		ns.Shutdown()
		ns.WaitForShutdown()
		if jsDir != "" {
			_ = os.RemoveAll(jsDir)
		}
	}()

	nc, err := nats.Connect(natsURL, nats.Name("api"))
	if err != nil {
		mainLog.Fatalf("connect nats: %v", err)
	}
	defer func() {
		if derr := nc.Drain(); derr != nil {
			mainLog.Warnf("nats drain error: %v", derr)
		}
	}()

	js, err := jetstream.New(nc)
	if err != nil {
		mainLog.Fatalf("jetstream: %v", err)
	}

	events := newBuildEventHub(buildEventsHistoryLimit, buildEventsRetention)
	store, err := newStore(ctx, js)
	if err != nil {
		mainLog.Fatalf("store: %v", err)
	}
	store.setEvents(events)

	artifactsRoot := resolveArtifactsRoot().root
	artifacts := NewFSArtifacts(artifactsRoot)
	if mkdirErr := os.MkdirAll(artifactsRoot, dirModePrivateRead); mkdirErr != nil {
		mainLog.Fatalf("mkdir artifacts root: %v", mkdirErr)
	}

	assemblerMode := resolveEffectiveAssemblerMode(ctx)
	if assemblerMode.policyError != "" {
		mainLog.Fatalf("assembler mode: %s", assemblerMode.policyError)
	}
	if assemblerMode.requestedWarning != "" {
		mainLog.Warnf("assembler mode: %s", assemblerMode.requestedWarning)
	}
	if assemblerMode.fallbackReason != "" {
		mainLog.Warnf(
			"assembler mode fell back to %s: %s",
			assemblerMode.effectiveMode,
			assemblerMode.fallbackReason,
		)
	}

	workers := []Worker{
		NewPinResolverWorker(natsURL, artifacts, events),
		NewBaseProvisionerWorker(natsURL, artifacts, events),
		NewVariantProvisionerWorker(natsURL, artifacts, events),
		NewImageAssemblerWorker(natsURL, artifacts, events, assemblerMode),
		NewComplianceAuditorWorker(natsURL, artifacts, events),
	}
	for _, worker := range workers {
		if startErr := worker.Start(ctx); startErr != nil {
			mainLog.Fatalf("start worker: %v", startErr)
		}
	}

	waiters := newWaiterHub()
	finalSub, err := subscribeFinalResults(nc, waiters)
	if err != nil {
		mainLog.Fatalf("subscribe final: %v", err)
	}
	defer func() {
		if uerr := finalSub.Unsubscribe(); uerr != nil {
			mainLog.Warnf("final subscription unsubscribe error: %v", uerr)
		}
	}()

	if flushErr := nc.Flush(); flushErr != nil {
		mainLog.Fatalf("flush: %v", flushErr)
	}

	api := &API{
		nc:                nc,
		store:             store,
		artifacts:         artifacts,
		waiters:           waiters,
		events:            events,
		heartbeatInterval: 0,
	}
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           api.routes(),
		ReadHeaderTimeout: defaultReadHeaderWait,
	}

	mainLog.Infof("NATS: %s", natsURL)
	mainLog.Infof("API: http://%s", httpAddr)
	mainLog.Infof("Artifacts root: %s", artifactsRoot)
	mainLog.Infof("Assembler mode: %s", assemblerMode.effectiveMode)

	listenErr := srv.ListenAndServe()
	if listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
		mainLog.Fatalf("http server: %v", listenErr)
	}
}
