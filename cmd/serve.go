package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daveTechLed/sqlstress/api"
	"github.com/daveTechLed/sqlstress/config"
	"github.com/daveTechLed/sqlstress/sqlconn"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and the live event stream",
	RunE:  runServe,
}

func checkEventSource(esc *config.EventSourceConfig) error {
	switch esc.Kind {
	case "ring_buffer":
		return nil
	case "file":
		if esc.FilePath == "" {
			return errors.New("event_source.file_path is required for the file source")
		}
		return nil
	}
	return fmt.Errorf("unknown event source kind %q", esc.Kind)
}

func newRouter(a *app) *httprouter.Router {
	server := api.NewAPIServer(a.orch, a.hub, a.profiles, a.history, a.sc.HttpConfig)
	r := server.Router()
	r.Handler("GET", "/metrics", promhttp.Handler())
	return r
}

func runServe(cmd *cobra.Command, _ []string) error {
	sc, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := checkEventSource(sc.EventSourceConfig); err != nil {
		return err
	}
	shutdownTracing, err := config.SetupTracing(sc.Tracing)
	if err != nil {
		return err
	}
	if err := sc.Connect(); err != nil {
		return err
	}
	factory := sqlconn.NewMSSQLFactory(0)
	defer factory.Close()
	a := newApp(sc, factory)
	defer a.hub.Close()

	srv := &http.Server{
		Addr:    sc.HttpConfig.Listen,
		Handler: newRouter(a),
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		a.shutdown(srv, sc.RunnerConfig.StopTimeout)
		tctx, cancel := context.WithTimeout(context.Background(), sc.RunnerConfig.StopTimeout)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			log.Warnf("tracing shutdown: %v", err)
		}
	}()
	log.Infof("sqlstress listening on %s", sc.HttpConfig.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		<-done
		return err
	}
	// the factory must outlive the session cleanup of the active run
	<-done
	return nil
}

// shutdown cancels the active run, closes the hub so stream handlers return,
// stops srv and waits for the run to stop its capture session.
func (a *app) shutdown(srv *http.Server, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.orch.Cancel()
	a.hub.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	// a run may have been accepted while the listener was closing
	a.orch.Cancel()
	if err := a.orch.Wait(ctx); err != nil {
		log.Warnf("active stress test did not stop in time: %v", err)
	}
}
