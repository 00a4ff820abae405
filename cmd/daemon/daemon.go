/*
Copyright 2022.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/openshift/ingress-node-acl/pkg/acl"
	"github.com/openshift/ingress-node-acl/pkg/aclsyncer"
	"github.com/openshift/ingress-node-acl/pkg/events"
	"github.com/openshift/ingress-node-acl/pkg/interfaces"
	"github.com/openshift/ingress-node-acl/pkg/metrics"
	"github.com/openshift/ingress-node-acl/pkg/packet"
	"github.com/openshift/ingress-node-acl/pkg/version"
)

var setupLog = ctrl.Log.WithName("setup")

type pipeline struct {
	name   string
	src    packet.Source
	worker *packet.Worker
}

func main() {
	var metricsAddr string
	var probeAddr string
	var rulesPath string
	var pcapIn string
	var pcapOut string
	var ifaces string
	var workersPerInterface int
	var syslogEvents bool
	var eventsPerSecond float64
	// We are host networked, we set default to loopback by default
	flag.StringVar(&probeAddr, "health-probe-bind-address", "127.0.0.1:39300", "The address the probe endpoint binds to.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", "127.0.0.1:39301", "The address the metric endpoint binds to.")
	flag.StringVar(&rulesPath, "rules", "", "Path of the IngressNodeACL manifest. It is watched for changes.")
	flag.StringVar(&pcapIn, "pcap-in", "", "Classify the frames of this pcap file instead of capturing live.")
	flag.StringVar(&pcapOut, "pcap-out", "", "Write allowed frames to this pcap file.")
	flag.StringVar(&ifaces, "interface", "", "Comma separated list of interfaces to capture on.")
	flag.IntVar(&workersPerInterface, "workers", 1, "Number of capture workers per interface, sharing its traffic by flow hash.")
	flag.BoolVar(&syslogEvents, "syslog-events", false, "Report dropped packets to the syslog sidecar.")
	flag.Float64Var(&eventsPerSecond, "events-per-second", 10, "Maximum rate of drop events sent to syslog.")
	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	setupLog.Info("Version", "version.Version", version.Version)

	pollPeriod, ok := os.LookupEnv("POLL_PERIOD_SECONDS")
	if !ok {
		setupLog.Error(nil, "POLL_PERIOD_SECONDS env variable must be set")
		os.Exit(1)
	}
	nodeName, _ := os.LookupEnv("NODE_NAME")

	if rulesPath == "" {
		setupLog.Error(nil, "--rules must be set")
		os.Exit(1)
	}
	if (pcapIn == "") == (ifaces == "") {
		setupLog.Error(nil, "exactly one of --pcap-in and --interface must be set")
		os.Exit(1)
	}
	if workersPerInterface < 1 {
		setupLog.Error(nil, "--workers must be at least 1", "workers", workersPerInterface)
		os.Exit(1)
	}

	stats, err := metrics.NewStatistics(pollPeriod)
	if err != nil {
		setupLog.Error(err, "unable to create new metrics")
		os.Exit(1)
	}
	stats.Register()
	defer stats.StopPoll()

	cfg := acl.DefaultConfig()
	cfg.Log = ctrl.Log
	cfg.Observer = stats
	engine, err := acl.New(cfg)
	if err != nil {
		setupLog.Error(err, "unable to create the ACL engine")
		os.Exit(1)
	}
	defer engine.Close()

	var workerOpts []packet.WorkerOption
	if syslogEvents {
		recorder, err := events.NewSyslogRecorder(events.DefaultSyslogAddress, nodeName, eventsPerSecond, int(eventsPerSecond)+1)
		if err != nil {
			setupLog.Error(err, "unable to connect to syslog")
			os.Exit(1)
		}
		defer recorder.Close()
		workerOpts = append(workerOpts, packet.WithRecorder(recorder))
	}

	var pipelines []pipeline
	if pcapIn != "" {
		pipelines, err = openPcapPipeline(engine, pcapIn, workerOpts)
	} else {
		pipelines, err = openLivePipelines(engine, strings.Split(ifaces, ","), workersPerInterface, workerOpts)
	}
	if err != nil {
		setupLog.Error(err, "unable to open packet sources")
		os.Exit(1)
	}

	var sink packet.Sink = packet.Discard
	if pcapOut != "" {
		pcapSink, err := packet.CreatePcapSink(pcapOut, 65536, pipelines[0].src.LinkType())
		if err != nil {
			setupLog.Error(err, "unable to create pcap output", "path", pcapOut)
			os.Exit(1)
		}
		defer pcapSink.Close()
		sink = pcapSink
	}

	sources := make([]metrics.CounterSource, 0, len(pipelines))
	for _, p := range pipelines {
		sources = append(sources, p.worker)
	}
	syncer := aclsyncer.New(ctrl.Log, engine, stats, sources...)
	if err := syncer.SyncFile(rulesPath); err != nil {
		setupLog.Error(err, "unable to load rules", "path", rulesPath)
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := syncer.Watch(ctx, rulesPath); err != nil {
			setupLog.Error(err, "manifest watcher failed", "path", rulesPath)
		}
	}()

	servers := startServers(metricsAddr, probeAddr, syncer.ReadyCheck)

	setupLog.Info("starting packet workers", "workers", len(pipelines))
	err = runPipelines(ctx, pipelines, sink)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := utilerrors.NewAggregate(errs); err != nil {
		setupLog.Error(err, "problem running packet workers")
		os.Exit(1)
	}

	c := metrics.Counters{}
	for _, p := range pipelines {
		wc := p.worker.Counters()
		c.AllowPackets += wc.AllowPackets
		c.DenyPackets += wc.DenyPackets
	}
	setupLog.Info("packet workers stopped", "allowed", c.AllowPackets, "dropped", c.DenyPackets)
}

func openPcapPipeline(engine *acl.Engine, path string, opts []packet.WorkerOption) ([]pipeline, error) {
	src, err := packet.OpenPcap(path)
	if err != nil {
		return nil, err
	}
	extractor, err := packet.NewExtractor(src.LinkType())
	if err != nil {
		src.Close()
		return nil, err
	}
	return []pipeline{{name: path, src: src, worker: packet.NewWorker(engine, extractor, opts...)}}, nil
}

func openLivePipelines(engine *acl.Engine, names []string, workers int, opts []packet.WorkerOption) ([]pipeline, error) {
	if err := interfaces.ValidateCaptureInterfaces(names); err != nil {
		return nil, err
	}
	var pipelines []pipeline
	closeAll := func() {
		for _, p := range pipelines {
			p.src.Close()
		}
	}
	for _, name := range names {
		frameSize, err := interfaces.GetFrameSize(name)
		if err != nil {
			closeAll()
			return nil, err
		}
		var group uint16
		if workers > 1 {
			index, err := interfaces.GetInterfaceIndex(name)
			if err != nil {
				closeAll()
				return nil, err
			}
			// One fanout group per interface and process.
			group = uint16(os.Getpid()) ^ uint16(index<<8)
			if group == 0 {
				group = 1
			}
		}
		for i := 0; i < workers; i++ {
			src, err := packet.OpenLive(name, packet.LiveOptions{FrameSize: frameSize, FanoutGroup: group})
			if err != nil {
				closeAll()
				return nil, err
			}
			extractor, err := packet.NewExtractor(layers.LinkTypeEthernet)
			if err != nil {
				src.Close()
				closeAll()
				return nil, err
			}
			w := packet.NewWorker(engine, extractor, append(opts, packet.WithInterface(name))...)
			pipelines = append(pipelines, pipeline{name: fmt.Sprintf("%s/%d", name, i), src: src, worker: w})
		}
	}
	return pipelines, nil
}

func runPipelines(ctx context.Context, pipelines []pipeline, sink packet.Sink) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(pipelines))
	for _, p := range pipelines {
		wg.Add(1)
		go func(p pipeline) {
			defer wg.Done()
			defer p.src.Close()
			err := packet.Run(ctx, p.src, p.worker, sink)
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("worker %s: %w", p.name, err)
				return
			}
			setupLog.Info("packet worker done", "worker", p.name)
		}(p)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return utilerrors.NewAggregate(errs)
}

func startServers(metricsAddr, probeAddr string, ready healthz.Checker) []*http.Server {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))

	probeMux := http.NewServeMux()
	healthzHandler := &healthz.Handler{Checks: map[string]healthz.Checker{"healthz": healthz.Ping}}
	readyzHandler := &healthz.Handler{Checks: map[string]healthz.Checker{"readyz": ready}}
	probeMux.Handle("/healthz", http.StripPrefix("/healthz", healthzHandler))
	probeMux.Handle("/healthz/", http.StripPrefix("/healthz", healthzHandler))
	probeMux.Handle("/readyz", http.StripPrefix("/readyz", readyzHandler))
	probeMux.Handle("/readyz/", http.StripPrefix("/readyz", readyzHandler))

	servers := []*http.Server{
		{Addr: metricsAddr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second},
		{Addr: probeAddr, Handler: probeMux, ReadHeaderTimeout: 5 * time.Second},
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			setupLog.Info("starting server", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				setupLog.Error(err, "server failed", "address", srv.Addr)
			}
		}(srv)
	}
	return servers
}
