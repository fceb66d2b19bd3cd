package cmd

import (
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/daveTechLed/sqlstress/config"
	"github.com/daveTechLed/sqlstress/controller"
	"github.com/daveTechLed/sqlstress/sqlconn"
	"github.com/guregu/null"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runReq = struct {
	connectionID string
	query        string
	parallel     int
	total        int
	database     string
}{}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one stress test and print its result as JSON",
	RunE:  runOnce,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runReq.connectionID, "connection", "", "connection profile id")
	f.StringVarP(&runReq.query, "query", "q", "", "query to execute")
	f.IntVarP(&runReq.parallel, "parallel", "p", 1, "maximum concurrent executions")
	f.IntVarP(&runReq.total, "total", "n", 1, "total executions")
	f.StringVar(&runReq.database, "database", "", "database overriding the profile's default")
	runCmd.MarkFlagRequired("connection")
	runCmd.MarkFlagRequired("query")
}

func runOnce(cmd *cobra.Command, _ []string) error {
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
	defer shutdownTracing(cmd.Context())
	if err := sc.Connect(); err != nil {
		return err
	}
	factory := sqlconn.NewMSSQLFactory(0)
	defer factory.Close()
	a := newApp(sc, factory)
	defer a.hub.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	req := &controller.StressTestRequest{
		ConnectionID:       runReq.connectionID,
		Query:              runReq.query,
		ParallelExecutions: runReq.parallel,
		TotalExecutions:    runReq.total,
		Database:           null.NewString(runReq.database, runReq.database != ""),
	}
	res := a.orch.RunStressTest(ctx, req)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		log.Errorf("stress test failed: %s", res.Error)
		return errors.New(res.Error)
	}
	return nil
}
