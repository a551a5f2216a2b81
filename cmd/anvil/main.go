// Command anvil is a thin collaborator shell around the execution core: it
// wires configuration, logging, the CAS, the Action Cache, the Scheduler
// and (optionally) a remote cache client together, then runs one of a
// handful of administrative subcommands. It owns none of the specified
// components' logic itself.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/shlex"
	"github.com/thought-machine/go-flags"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/anvil-build/anvil/src/actioncache"
	"github.com/anvil-build/anvil/src/cas"
	"github.com/anvil-build/anvil/src/clean"
	"github.com/anvil-build/anvil/src/config"
	"github.com/anvil-build/anvil/src/digest"
	"github.com/anvil-build/anvil/src/errkind"
	"github.com/anvil-build/anvil/src/logging"
	"github.com/anvil-build/anvil/src/manifest"
	"github.com/anvil-build/anvil/src/metrics"
	"github.com/anvil-build/anvil/src/remote"
	"github.com/anvil-build/anvil/src/sandbox"
	"github.com/anvil-build/anvil/src/scheduler"
	"github.com/anvil-build/anvil/src/signature"
	"github.com/anvil-build/anvil/src/task"
)

var log = logging.MustGetLogger("anvil")

// Exit codes, per the engine's administrative contract.
const (
	exitSuccess  = 0
	exitFailed   = 1
	exitConfig   = 2
	exitInternal = 3
	exitSignal   = 130
)

var opts struct {
	Config   []string `short:"c" long:"config" description:"Additional config file(s) to read, after the repo defaults."`
	Override map[string]string `short:"o" long:"override" description:"Override a config field, e.g. -o Build.NumWorkers=4"`
	Verbosity string `short:"v" long:"verbosity" choice:"error" choice:"warning" choice:"notice" choice:"info" choice:"debug" default:"notice" description:"Log verbosity."`

	Build struct {
		Manifest string `short:"f" long:"file" required:"true" description:"Path to the task graph manifest (JSON)."`
	} `command:"build" description:"Runs every task in a manifest to completion."`

	GC struct {
		DryRun     bool `long:"dry_run" description:"Report what would be collected without deleting anything."`
		Wipe       bool `long:"wipe" description:"Remove the entire CAS and Action Cache outright instead of running mark-and-sweep."`
		Background bool `long:"background" description:"With --wipe, detach the removal into the background instead of waiting for it to finish."`
	} `command:"gc" description:"Garbage collects CAS blobs not reachable from any live Action Cache entry."`

	Verify struct {
		Args struct {
			Digests []string `positional-arg-name:"digest" description:"hex digests to verify, optionally with a size suffix, e.g. abcd...:1234"`
		} `positional-args:"true"`
	} `command:"verify" description:"Rehashes CAS blobs and reports any that fail integrity verification."`

	CacheStats struct{} `command:"cache-stats" description:"Prints CAS and Action Cache occupancy statistics."`

	Invalidate struct {
		Args struct {
			Digests []string `positional-arg-name:"digest" required:"true" description:"Action digests to remove from the Action Cache."`
		} `positional-args:"true" required:"true"`
	} `command:"invalidate" description:"Removes one or more entries from the Action Cache."`

	DebugShell struct {
		Dir     string `short:"d" long:"dir" required:"true" description:"Directory to run the shell's isolation setup against."`
		Command string `short:"e" long:"exec" description:"Run this command instead of an interactive shell, e.g. -e 'cat build.log | tail -20'."`
	} `command:"debug-shell" description:"Drops into a sandboxed shell in an existing task directory, for inspecting a failure by hand."`
}

func main() {
	// The sandbox's Linux isolation path re-execs this very binary as its
	// own PID-1-equivalent init inside a fresh set of namespaces; that
	// re-exec must be caught before go-flags ever sees argv.
	if len(os.Args) > 1 && os.Args[1] == sandbox.ReexecMarker {
		if err := sandbox.RunReexecInit(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitInternal)
		}
		os.Exit(exitSuccess)
	}

	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(exitSuccess)
		}
		os.Exit(exitConfig)
	}
	if parser.Active == nil {
		fmt.Fprintln(os.Stderr, "no command given; see --help")
		os.Exit(exitConfig)
	}
	command := parser.Active.Name

	logging.Init(verbosityFromFlag(opts.Verbosity))

	if _, err := maxprocs.Set(maxprocs.Logger(log.Info)); err != nil {
		log.Warning("could not set GOMAXPROCS: %s", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Errorf("configuration error: %s", err)
		os.Exit(exitConfig)
	}

	metrics.InitFromConfig(cfg)
	defer metrics.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warning("received signal, cancelling build")
		cancel()
	}()

	code := dispatch(ctx, command)
	os.Exit(code)
}

func dispatch(ctx context.Context, command string) int {
	switch command {
	case "build":
		return runBuild(ctx)
	case "gc":
		return runGC(ctx)
	case "verify":
		return runVerify(ctx)
	case "cache-stats":
		return runCacheStats(ctx)
	case "invalidate":
		return runInvalidate(ctx)
	case "debug-shell":
		return runDebugShell(ctx)
	default:
		log.Errorf("unknown command %q", command)
		return exitConfig
	}
}

func loadConfig() (*config.Configuration, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	files := append(config.RepoConfigPaths(wd), opts.Config...)
	cfg, err := config.ReadConfigFiles(files)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyOverrides(opts.Override); err != nil {
		return nil, err
	}
	return cfg, nil
}

func verbosityFromFlag(v string) logging.Level {
	switch v {
	case "error":
		return logging.ERROR
	case "warning":
		return logging.WARNING
	case "info":
		return logging.INFO
	case "debug":
		return logging.DEBUG
	default:
		return logging.NOTICE
	}
}

func algorithm(cfg *config.Configuration) digest.Algorithm {
	if cfg.Digest.Algorithm == "blake3" {
		return digest.BLAKE3
	}
	return digest.SHA256
}

func openStore(cfg *config.Configuration) (*cas.Store, error) {
	return cas.New(cfg.CAS.Dir, algorithm(cfg), cfg.CAS.SizeCeiling, cfg.CAS.GCGracePeriod, cfg.CAS.IndexSize, cfg.CAS.Compress)
}

func openActionCache(cfg *config.Configuration) (*actioncache.Cache, error) {
	return actioncache.New(cfg.ActionCache.Dir, algorithm(cfg))
}

// runBuild reads the manifest, constructs a graph, and drives it to
// completion through the Scheduler, materializing committed outputs onto
// disk as they complete.
func runBuild(ctx context.Context) int {
	cfg, err := loadConfig()
	if err != nil {
		log.Errorf("%s", err)
		return exitConfig
	}
	store, err := openStore(cfg)
	if err != nil {
		log.Errorf("opening CAS: %s", err)
		return exitInternal
	}
	ac, err := openActionCache(cfg)
	if err != nil {
		log.Errorf("opening action cache: %s", err)
		return exitInternal
	}

	f, err := os.Open(opts.Build.Manifest)
	if err != nil {
		log.Errorf("%s", err)
		return exitConfig
	}
	defer f.Close()
	m, err := manifest.Decode(f)
	if err != nil {
		log.Errorf("%s", err)
		return exitConfig
	}
	graph, err := manifest.BuildGraph(store, m)
	if err != nil {
		log.Errorf("%s", err)
		return exitConfig
	}
	if err := graph.Validate(); err != nil {
		if errors.Is(err, errkind.CycleDetected) {
			log.Errorf("%s", err)
			return exitConfig
		}
		log.Errorf("%s", err)
		return exitInternal
	}

	exec := sandbox.New(cfg.Sandbox.Dir, store)
	exec.DefaultMemoryCeilingBytes = cfg.Sandbox.MaxMemoryBytes
	exec.DefaultCPUPercent = cfg.Sandbox.MaxCPUPercent
	signer := signature.New(algorithm(cfg))

	var remoteClient *remote.Client
	if remoteClient, err = remote.New(cfg, algorithm(cfg)); err != nil {
		log.Warning("remote cache unavailable: %s", err)
		remoteClient = nil
	}
	if remoteClient != nil {
		defer remoteClient.Close()
	}

	width := cfg.Build.NumWorkers
	sched := scheduler.NewScheduler(graph, store, ac, signer, exec, outputResolver, width)
	if cfg.Build.KeepGoing {
		sched.Mode = scheduler.KeepGoing
	}
	sched.Materializer = materializeToOutputDir(store, filepath.Join(cfg.Sandbox.Dir, "..", "out"))
	sched.Subscribe(scheduler.SubscriberFunc(logEvent))

	result, err := sched.Run(ctx)
	if err != nil {
		if errors.Is(err, errkind.CycleDetected) {
			return exitConfig
		}
		if ctx.Err() != nil {
			return exitSignal
		}
		log.Errorf("build failed to run: %s", err)
		return exitInternal
	}
	if !result.Succeeded {
		log.Errorf("build failed: %d failed, %d errored, %d cancelled", len(result.Failed), len(result.Errored), len(result.Cancelled))
		return exitFailed
	}
	log.Notice("build succeeded: %d tasks", len(result.Results))

	if remoteClient != nil {
		pushToRemote(ctx, remoteClient, store, signer, graph, result)
	}
	return exitSuccess
}

// pushToRemote best-effort uploads every committed result, cache hits
// included (and its output-file blobs), to the configured remote cache, so a later build -
// possibly on another machine - can reuse it. Failures here never fail the
// build; remote.Client already logs and degrades internally.
func pushToRemote(ctx context.Context, rc *remote.Client, store *cas.Store, signer *signature.Computer, graph *scheduler.Graph, result *scheduler.Result) {
	for name, ar := range result.Results {
		spec, ok := graph.TaskSpec(name)
		if !ok {
			continue
		}
		actionDigest, err := signer.ActionDigest(spec)
		if err != nil {
			log.Warning("remote push: computing action digest for %s: %s", name, err)
			continue
		}
		for _, f := range ar.OutputFiles {
			if !f.IsSymlink && !f.Digest.IsZero() {
				if err := rc.Upload(ctx, store, f.Digest); err != nil {
					log.Warning("remote push: uploading %s: %s", f.Digest, err)
				}
			}
		}
		if err := rc.UpdateActionResult(ctx, actionDigest, ar); err != nil {
			log.Warning("remote push: updating action result for %s: %s", name, err)
		}
	}
}

// outputResolver reparents a dependency's declared outputs under
// deps/<dependency name>/ in its dependents' input roots.
func outputResolver(dependencyName string, result *task.ActionResult) ([]signature.InputFile, error) {
	out := make([]signature.InputFile, 0, len(result.OutputFiles))
	for _, f := range result.OutputFiles {
		out = append(out, signature.InputFile{
			Path:          filepath.Join("deps", dependencyName, f.Path),
			Digest:        f.Digest,
			ExecutableBit: f.ExecutableBit,
			IsSymlink:     f.IsSymlink,
			SymlinkTarget: f.SymlinkTarget,
		})
	}
	return out, nil
}

// materializeToOutputDir links every declared output file of a completed
// task into outDir/<task name>/<path>, for both cache hits and fresh runs.
func materializeToOutputDir(store *cas.Store, outDir string) scheduler.OutputMaterializer {
	return func(name string, result *task.ActionResult) error {
		for _, f := range result.OutputFiles {
			dest := filepath.Join(outDir, name, f.Path)
			if err := os.MkdirAll(filepath.Dir(dest), 0775); err != nil {
				return err
			}
			if f.IsSymlink {
				os.Remove(dest)
				if err := os.Symlink(f.SymlinkTarget, dest); err != nil {
					return err
				}
				continue
			}
			if err := store.LinkOut(f.Digest, dest); err != nil {
				return err
			}
		}
		return nil
	}
}

func logEvent(e scheduler.Event) {
	switch ev := e.(type) {
	case scheduler.TaskQueued:
		log.Debug("queued %s", ev.Name)
	case scheduler.TaskStarted:
		log.Info("building %s", ev.Name)
	case scheduler.TaskCompleted:
		if ev.FromCache {
			log.Notice("%s (cached)", ev.Name)
		} else {
			log.Notice("%s", ev.Name)
		}
	case scheduler.TaskFailed:
		log.Error("%s failed: %s", ev.Name, ev.Err)
	case scheduler.BuildFinished:
		if ev.Err != nil {
			log.Error("build finished with error: %s", ev.Err)
		}
	}
}

// runGC runs mark-and-sweep over the CAS, rooted at every digest still
// referenced by a live Action Cache entry, then prunes any Action Cache
// entry that Prune reveals was left dangling by a previous, differently
// rooted pass. With --wipe it skips mark-and-sweep entirely and removes
// both storage directories outright.
func runGC(ctx context.Context) int {
	cfg, err := loadConfig()
	if err != nil {
		log.Errorf("%s", err)
		return exitConfig
	}

	if opts.GC.Wipe {
		if opts.GC.DryRun {
			log.Notice("dry run: would wipe %s and %s entirely", cfg.CAS.Dir, cfg.ActionCache.Dir)
			return exitSuccess
		}
		if opts.GC.Background {
			if err := clean.AllAsync(cfg.CAS.Dir, cfg.ActionCache.Dir); err != nil {
				log.Errorf("wipe failed: %s", err)
				return exitInternal
			}
			log.Notice("wiping %s and %s in the background", cfg.CAS.Dir, cfg.ActionCache.Dir)
			return exitSuccess
		}
		if err := clean.All(cfg.CAS.Dir, cfg.ActionCache.Dir); err != nil {
			log.Errorf("wipe failed: %s", err)
			return exitInternal
		}
		log.Notice("wiped %s and %s", cfg.CAS.Dir, cfg.ActionCache.Dir)
		return exitSuccess
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Errorf("%s", err)
		return exitInternal
	}
	ac, err := openActionCache(cfg)
	if err != nil {
		log.Errorf("%s", err)
		return exitInternal
	}

	roots, err := ac.Roots()
	if err != nil {
		log.Errorf("collecting action cache roots: %s", err)
		return exitInternal
	}

	if opts.GC.DryRun {
		blobs, totalBytes, err := store.Occupancy()
		if err != nil {
			log.Errorf("%s", err)
			return exitInternal
		}
		log.Notice("dry run: %d blobs on disk (%d bytes), %d reachable from live action cache entries", blobs, totalBytes, len(roots))
		return exitSuccess
	}

	stats, err := store.GC(roots)
	if err != nil {
		log.Errorf("gc failed: %s", err)
		return exitInternal
	}
	metrics.RecordGCRun()
	removed, err := ac.Prune(store)
	if err != nil {
		log.Errorf("action cache prune failed: %s", err)
		return exitInternal
	}
	log.Notice("collected %d blobs (%d bytes), kept %d marked; pruned %d stale action cache entries", stats.BlobsSwept, stats.BytesFreed, stats.BlobsMarked, removed)
	return exitSuccess
}

func runVerify(ctx context.Context) int {
	cfg, err := loadConfig()
	if err != nil {
		log.Errorf("%s", err)
		return exitConfig
	}
	store, err := openStore(cfg)
	if err != nil {
		log.Errorf("%s", err)
		return exitInternal
	}
	algo := algorithm(cfg)
	failed := 0
	for _, hex := range opts.Verify.Args.Digests {
		d, err := parseDigestArg(hex, algo)
		if err != nil {
			log.Errorf("%s", err)
			return exitConfig
		}
		ok, err := store.Verify(d)
		if err != nil {
			log.Errorf("verifying %s: %s", d, err)
			failed++
			continue
		}
		if !ok {
			log.Errorf("%s failed verification", d)
			failed++
		} else {
			log.Info("%s ok", d)
		}
	}
	if failed > 0 {
		return exitFailed
	}
	return exitSuccess
}

func runCacheStats(ctx context.Context) int {
	cfg, err := loadConfig()
	if err != nil {
		log.Errorf("%s", err)
		return exitConfig
	}
	store, err := openStore(cfg)
	if err != nil {
		log.Errorf("%s", err)
		return exitInternal
	}
	ac, err := openActionCache(cfg)
	if err != nil {
		log.Errorf("%s", err)
		return exitInternal
	}
	blobs, totalBytes, err := store.Occupancy()
	if err != nil {
		log.Errorf("%s", err)
		return exitInternal
	}
	entries, err := ac.Count()
	if err != nil {
		log.Errorf("%s", err)
		return exitInternal
	}
	fmt.Printf("cas:           %s (%d blobs, %d bytes, ceiling %d)\n", cfg.CAS.Dir, blobs, totalBytes, cfg.CAS.SizeCeiling)
	fmt.Printf("action cache:  %s (%d entries)\n", cfg.ActionCache.Dir, entries)
	return exitSuccess
}

func runInvalidate(ctx context.Context) int {
	cfg, err := loadConfig()
	if err != nil {
		log.Errorf("%s", err)
		return exitConfig
	}
	ac, err := openActionCache(cfg)
	if err != nil {
		log.Errorf("%s", err)
		return exitInternal
	}
	algo := algorithm(cfg)
	for _, hex := range opts.Invalidate.Args.Digests {
		d, err := parseDigestArg(hex, algo)
		if err != nil {
			log.Errorf("%s", err)
			return exitConfig
		}
		if err := ac.Invalidate(d); err != nil {
			log.Errorf("invalidating %s: %s", d, err)
			return exitInternal
		}
	}
	return exitSuccess
}

// runDebugShell drops into an interactive shell (or runs a one-off command)
// inside an existing task directory under the same namespace isolation a
// real Action gets, for poking at a failure's leftover state by hand.
func runDebugShell(ctx context.Context) int {
	argv := []string{"bash"}
	if opts.DebugShell.Command != "" {
		split, err := shlex.Split(opts.DebugShell.Command)
		if err != nil {
			log.Errorf("parsing -e command: %s", err)
			return exitConfig
		}
		if len(split) == 0 {
			log.Errorf("-e command is empty")
			return exitConfig
		}
		argv = split
	}
	if err := sandbox.DebugShell(opts.DebugShell.Dir, argv); err != nil {
		log.Errorf("%s", err)
		return exitFailed
	}
	return exitSuccess
}

// parseDigestArg parses "hexdigest:size" or a bare hex digest (size 0, only
// useful for Verify where the stored blob's own size is authoritative).
func parseDigestArg(s string, algo digest.Algorithm) (digest.Digest, error) {
	hex := s
	var size int64
	if idx := lastColon(s); idx >= 0 {
		hex = s[:idx]
		if _, err := fmt.Sscanf(s[idx+1:], "%d", &size); err != nil {
			return digest.Digest{}, fmt.Errorf("invalid digest %q: %w", s, err)
		}
	}
	return digest.FromHex(algo, hex, size)
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
