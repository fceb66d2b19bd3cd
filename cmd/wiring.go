package cmd

import (
	"os"

	"github.com/daveTechLed/sqlstress/broadcast"
	"github.com/daveTechLed/sqlstress/config"
	"github.com/daveTechLed/sqlstress/controller"
	"github.com/daveTechLed/sqlstress/model"
	"github.com/daveTechLed/sqlstress/session"
	"github.com/daveTechLed/sqlstress/sqlconn"
	"github.com/daveTechLed/sqlstress/xevent"
	log "github.com/sirupsen/logrus"
)

const memoryHistorySize = 200

type app struct {
	sc       *config.SQLStressConfig
	factory  sqlconn.Factory
	hub      *broadcast.Hub
	profiles model.ProfileStore
	history  model.RunHistoryStore
	orch     *controller.Orchestrator
}

// newApp wires the stores, the broadcast hub and the orchestrator from sc.
// When the config carries a MySQL section, profiles and run history are kept
// there; otherwise they live in memory.
func newApp(sc *config.SQLStressConfig, factory sqlconn.Factory) *app {
	a := &app{
		sc:      sc,
		factory: factory,
		hub:     broadcast.NewHub(sc.BroadcastConfig.SubscriberBuffer, sc.BroadcastConfig.HeartbeatInterval),
	}
	if sc.DBC != nil {
		a.profiles = model.NewMySQLProfileStore(sc.DBC)
		a.history = model.NewMySQLRunHistoryStore(sc.DBC)
	} else {
		a.profiles = model.NewStaticProfileStore(sc.Connections)
		a.history = model.NewMemoryRunHistoryStore(memoryHistorySize)
	}
	host, err := os.Hostname()
	if err != nil {
		log.Warnf("cannot read hostname, using localhost: %v", err)
		host = "localhost"
	}
	opts := session.Options{
		Host:            host,
		Instance:        sc.SessionConfig.InstanceName,
		ApplicationName: sc.RunnerConfig.ApplicationName,
		RingBufferKB:    sc.SessionConfig.RingBufferKB,
		MaxDispatchSec:  sc.SessionConfig.MaxDispatchSec,
	}
	a.orch = controller.NewOrchestrator(controller.Deps{
		Profiles: a.profiles,
		Builder:  sqlconn.MSSQLBuilder{},
		Factory:  factory,
		NewSession: func(adminCS string) controller.DiagnosticSession {
			return session.NewManager(factory, adminCS, opts)
		},
		NewSource: newSourceFunc(sc.EventSourceConfig, factory),
		Publisher: a.hub,
		History:   a.history,
		Runner:    sc.RunnerConfig,
	})
	return a
}

func newSourceFunc(esc *config.EventSourceConfig, factory sqlconn.Factory) func(string) xevent.Source {
	switch esc.Kind {
	case "file":
		return func(string) xevent.Source {
			return &xevent.FileSource{Path: esc.FilePath, FromStart: esc.FromStart}
		}
	default:
		return func(adminCS string) xevent.Source {
			return &xevent.RingBufferSource{
				Factory:      factory,
				ConnString:   adminCS,
				PollInterval: esc.PollInterval,
			}
		}
	}
}
