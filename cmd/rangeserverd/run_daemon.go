// Copyright (C) 2024 Hypertable Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hypertable/rangeserver/internal/balanceplan"
	"github.com/hypertable/rangeserver/internal/config"
	"github.com/hypertable/rangeserver/internal/dfs"
	"github.com/hypertable/rangeserver/internal/maintenance"
	"github.com/hypertable/rangeserver/internal/rangeserver"
	"github.com/hypertable/rangeserver/internal/recoveryop"
	"github.com/hypertable/rangeserver/internal/recoveryparticipant"
)

func runDaemon(args []string) {
	daemonCmd := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := daemonCmd.String("c", "", "path to the YAML configuration file (empty uses built-in defaults)")
	location := daemonCmd.String("l", "", "this server's location string, as the master names it (default: listen endpoint)")
	listenEndpoint := daemonCmd.String("e", "", "endpoint to listen on for the RangeServer RPC surface (overrides config)")
	asMaster := daemonCmd.Bool("master", false, "also run the balance-plan authority and drive recovery operations")

	if daemonCmd.Parse(args) != nil {
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "", log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal(err)
	}
	if *listenEndpoint != "" {
		cfg.ListenEndpoint = *listenEndpoint
	}
	loc := *location
	if loc == "" {
		loc = cfg.ListenEndpoint
	}

	if err := os.MkdirAll(cfg.ToplevelDir, 0o755); err != nil {
		logger.Fatal(err)
	}
	client := dfs.NewLocalFS(cfg.ToplevelDir)

	metaLog := logMetaLog{logger: logger}
	master := noMaster{logger: logger}

	server := rangeserver.NewServer(loc, cfg.ToplevelDir, client, metaLog, master)
	server.Logf = logger.Printf

	logDir := filepath.Join(cfg.ToplevelDir, "log", "phantom")
	participant := recoveryparticipant.New(client, cfg.ToplevelDir, logDir, metaLog)
	participant.Logf = logger.Printf

	sched := maintenance.New(server, cfg.ToServerContext())
	defer sched.Close()

	tickCtx, cancelTick := context.WithCancel(context.Background())
	go runMaintenanceLoop(tickCtx, sched, logger)

	l, err := net.Listen("tcp", cfg.ListenEndpoint)
	if err != nil {
		logger.Fatal(err)
	}
	rpc := &rpcServer{server: server, participant: participant, logger: logger}
	go func() {
		logger.Printf("rangeserverd %s listening on %v (location %q)\n", version, l.Addr(), loc)
		if err := rpc.Serve(l); err != nil {
			logger.Println(err)
		}
	}()

	var recoveryCancel context.CancelFunc
	if *asMaster {
		plans := balanceplan.New(noConnections{}, noFragments{}, noRanges{}, nil)
		rsp := &rangeserverParticipant{
			part:   participant,
			client: client,
			master: master,
			commitLogs: func(fragment uint32) string {
				return filepath.Join(cfg.ToplevelDir, "log", "user")
			},
		}
		dispatch := &loopbackDispatcher{self: balanceplan.Location(loc), part: rsp}
		var ctx context.Context
		ctx, recoveryCancel = context.WithCancel(context.Background())
		go runRecoveryLoop(ctx, plans, dispatch, cfg.QuorumPercentage(), logger)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	cancelTick()
	if recoveryCancel != nil {
		recoveryCancel()
	}

	_, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	l.Close()
}

// runMaintenanceLoop ticks the scheduler on a fixed interval until ctx is
// canceled (spec §4.7 leaves sweep cadence to the server, not the master).
func runMaintenanceLoop(ctx context.Context, sched *maintenance.Scheduler, logger *log.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sched.Tick(ctx); err != nil {
				logger.Printf("maintenance tick: %v", err)
			}
		}
	}
}

// runRecoveryLoop steps every known failed-location recovery operation
// until it's done, polling at a fixed interval (a real master would instead
// drive operation.Step in response to connection-state change events; spec
// §4.10 doesn't mandate a cadence).
func runRecoveryLoop(ctx context.Context, plans *balanceplan.BalancePlanAuthority, dispatch recoveryop.Dispatcher, quorumPct int, logger *log.Logger) {
	ops := map[string]*recoveryop.Operation{}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, loc := range plans.Locations() {
				for i := 0; i < balanceplan.NumRangeClasses(); i++ {
					class := balanceplan.RangeClass(i)
					key := string(loc) + class.String()
					op, ok := ops[key]
					if !ok {
						op = recoveryop.New(plans, noQuorum{}, dispatch, loc, class, quorumPct)
						ops[key] = op
					}
					if op.Phase() == recoveryop.Done {
						continue
					}
					if _, err := op.Step(ctx); err != nil {
						logger.Printf("recovery %s/%s: %v", loc, class, err)
					}
				}
			}
		}
	}
}
