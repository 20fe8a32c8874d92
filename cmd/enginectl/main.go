// Command enginectl is the engine's command-line entrypoint: it starts the
// compatible-mode CAS/Execution/serve listeners, or drives one local build
// from a pre-resolved JSON plan, the two operations a standalone build
// executor needs outside of whatever build-graph tool calls it (spec §1
// keeps the target-graph analysis phase, and thus a "real" build command,
// out of this engine's scope).
//
// Grounded on the teacher's src/cache/server/rpc_server_main.go for the
// opts-struct/logging/listen shape, generalised from a single cache-server
// command into the subcommand form src/please.go's own opts struct uses
// (`command:"..."` groups parsed by the same go-flags fork).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"

	flags "github.com/thought-machine/go-flags"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/forgebuild/forge/internal/actioncache"
	"github.com/forgebuild/forge/internal/casserver"
	"github.com/forgebuild/forge/internal/clog"
	"github.com/forgebuild/forge/internal/config"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/execapi"
	"github.com/forgebuild/forge/internal/localcas"
	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/progress"
	"github.com/forgebuild/forge/internal/scheduler"
	"github.com/forgebuild/forge/internal/serve"
)

var log = clog.NewLogger("enginectl")

var opts struct {
	Usage     string   `usage:"enginectl runs a content-addressed build executor.\n\nSee SPEC_FULL.md for the protocol this implements."`
	Verbosity int      `short:"v" long:"verbosity" description:"Verbosity of output (higher = more output)" default:"3"`
	Config    []string `short:"c" long:"config" description:"Extra config file(s) to read after the defaults"`

	Serve struct {
		Port     int  `long:"port" description:"Port the gRPC CAS/Execution endpoint listens on" default:"8980"`
		HTTPPort int  `long:"http_port" description:"Port the JSON serve endpoint listens on; 0 disables it"`
		Execute  bool `long:"execute" description:"Enable the Execution service using a local executor"`
	} `command:"serve" description:"Runs the CAS/ActionCache/Execution gRPC endpoint (and optional serve endpoint)"`

	Build struct {
		Args struct {
			Plan string `positional-arg-name:"plan" description:"Path to a JSON build plan"`
		} `positional-args:"true" required:"true"`
	} `command:"build" description:"Builds every goal named in a JSON plan file and reports the outcome"`
}

func main() {
	parser := flags.NewNamedParser(path.Base(os.Args[0]), flags.HelpFlag|flags.PassDoubleDash)
	parser.AddGroup("enginectl options", "", &opts)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	clog.Init(clog.Level(opts.Verbosity))

	// Matches the teacher's src/please.go: respect a container's cgroup
	// CPU quota rather than the host's full core count when sizing
	// GOMAXPROCS (and, downstream, the scheduler's default worker count).
	if _, err := maxprocs.Set(maxprocs.Logger(log.Info)); err != nil {
		log.Warning("maxprocs: %s", err)
	}

	cfg, err := config.ReadFiles(opts.Config...)
	if err != nil {
		log.Fatalf("config: %s", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("config: %s", err)
	}

	if parser.Active == nil {
		fmt.Fprintln(os.Stderr, "enginectl: expected a command, try --help")
		os.Exit(1)
	}

	switch parser.Active.Name {
	case "serve":
		runServe(cfg)
	case "build":
		runBuild(cfg, opts.Build.Args.Plan)
	}
}

func runServe(cfg *config.Configuration) {
	dctx := digest.NewContext(cfg.DigestMode())
	store, err := localcas.New(cfg.CAS.Root, dctx)
	if err != nil {
		log.Fatalf("opening local CAS: %s", err)
	}
	ac, err := actioncache.NewLocal(cfg.CAS.Root)
	if err != nil {
		log.Fatalf("opening local action cache: %s", err)
	}

	var executor execapi.API
	if opts.Serve.Execute {
		executor = execapi.NewLocal(store, dctx, cfg.Build.WorkDir)
	}

	srv := casserver.New(store, dctx, ac, executor, cfg.Remote.Instance)
	grpcServer, lis, err := casserver.Listen(casserver.Config{
		Port:        opts.Serve.Port,
		TLSCertFile: cfg.TLS.ServerCert,
		TLSKeyFile:  cfg.TLS.ServerKey,
		TLSCACert:   cfg.TLS.CACert,
	}, srv)
	if err != nil {
		log.Fatalf("listening on :%d: %s", opts.Serve.Port, err)
	}

	if opts.Serve.HTTPPort != 0 {
		go runHTTPServe(cfg, executor, opts.Serve.HTTPPort)
	}

	log.Notice("enginectl serving CAS/Execution on :%d (compatible=%v, execution=%v)", opts.Serve.Port, cfg.CAS.Compatible, executor != nil)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %s", err)
		}
	}()

	waitForSignal()
	grpcServer.GracefulStop()
}

func runHTTPServe(cfg *config.Configuration, executor execapi.API, port int) {
	httpSrv := &serve.Server{
		RemoteExecutionAddress: cfg.Remote.ExecutionAddress,
		Compatible:             cfg.CAS.Compatible,
		Local:                  executor,
	}
	addr := fmt.Sprintf(":%d", port)
	log.Notice("enginectl serving JSON endpoint on %s", addr)
	if err := http.ListenAndServe(addr, httpSrv.Router()); err != nil {
		log.Fatalf("http serve: %s", err)
	}
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	log.Notice("enginectl shutting down")
}

func runBuild(cfg *config.Configuration, planPath string) {
	plan, err := config.LoadPlan(planPath)
	if err != nil {
		log.Fatalf("%s", err)
	}
	graph, goals, err := config.BuildGraph(plan)
	if err != nil {
		log.Fatalf("building plan graph: %s", err)
	}

	dctx := digest.NewContext(cfg.DigestMode())
	store, err := localcas.New(cfg.CAS.Root, dctx)
	if err != nil {
		log.Fatalf("opening local CAS: %s", err)
	}
	ac, err := actioncache.NewLocal(cfg.CAS.Root)
	if err != nil {
		log.Fatalf("opening local action cache: %s", err)
	}
	local := execapi.NewLocal(store, dctx, cfg.Build.WorkDir)

	stats := &progress.Statistics{}
	sched := scheduler.New(graph, scheduler.Options{
		Jobs:   cfg.Build.NumWorkers,
		Local:  local,
		Cache:  &actioncache.Tiered{Local: ac},
		Digest: dctx,
		Source: func(repoRelativePath string) (model.Digest, model.ObjectType, error) {
			return store.UploadPath(repoRelativePath)
		},
		Stats:          stats,
		DefaultTimeout: cfg.Build.DefaultTimeout,
	})

	reporter := progress.New(stats, func() []string { return nil }, func(s progress.Statistics, active []string) {
		log.Notice("queued=%d executed=%d cached=%d flaky=%d", s.Queued, s.Executed, s.Cached, s.Flaky)
	})
	go reporter.Run()
	defer reporter.Stop()

	result, err := sched.Run(context.Background(), goals)
	if err != nil {
		log.Fatalf("build failed: %s", err)
	}
	for id, outcome := range result.Outcomes {
		if outcome.Err != nil {
			log.Error("%s: %s", id, outcome.Err)
			os.Exit(1)
		}
		log.Notice("%s: exit=%d", id, outcome.Result.ExitCode)
	}
}
