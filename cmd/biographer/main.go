// Biographer - interviews a subject across sessions and writes their biography.

package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/dotsetgreg/biographer/pkg/archive"
	"github.com/dotsetgreg/biographer/pkg/biography"
	"github.com/dotsetgreg/biographer/pkg/config"
	"github.com/dotsetgreg/biographer/pkg/interview"
	"github.com/dotsetgreg/biographer/pkg/logger"
	"github.com/dotsetgreg/biographer/pkg/memory"
	"github.com/dotsetgreg/biographer/pkg/providers"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "biographer"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configPath is set by the persistent --config flag.
var configPath string

func getConfigPath() string {
	if strings.TrimSpace(configPath) != "" {
		return configPath
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		return nil, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.Configure(os.Stderr, cfg.Logging.Format)
	return cfg, nil
}

// engine is the wired interview stack shared by the interview and serve
// commands.
type engine struct {
	cfg      *config.Config
	store    memory.Store
	gen      providers.Generator
	ctrl     *interview.Controller
	trigger  *biography.Trigger
	archiver *archive.Archiver
}

func openStore(cfg *config.Config) (memory.Store, error) {
	store, err := memory.OpenStore(cfg.Storage.Backend, cfg.StoragePath())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	return store, nil
}

func newEngine(cfg *config.Config) (*engine, error) {
	if err := providers.ValidateProviderConfig(cfg); err != nil {
		return nil, fmt.Errorf("provider configuration in %s: %w", getConfigPath(), err)
	}
	gen, err := providers.NewGenerator(cfg)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	var extractor memory.Extractor
	if strings.EqualFold(cfg.Memory.Extractor, "heuristic") {
		extractor = memory.NewHeuristicExtractor()
	} else {
		extractor = memory.NewLLMExtractor(gen)
	}

	considerer := interview.NewConsiderer(gen, cfg.Interview.MaxConsiderationIterations, cfg.Interview.MinQuestionNovelty)
	considerer.MaxTokens = cfg.Interview.MaxTokens
	considerer.Temperature = cfg.Interview.Temperature
	if cfg.Memory.RecallItems > 0 {
		considerer.RecallItems = cfg.Memory.RecallItems
	}
	ctrl := interview.NewController(store, extractor, considerer, interview.OptionsFromConfig(cfg))

	synth, err := biography.SynthesizerFromConfig(cfg, gen)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	trigger := biography.NewTrigger(store, synth, cfg.Biography.RegenerationThreshold)
	ctrl.SetTrigger(trigger)

	archiver, err := archive.New(cfg.ArchiveDir())
	if err != nil {
		trigger.Close()
		_ = store.Close()
		return nil, err
	}
	ctrl.SetArchiver(archiver)

	return &engine{cfg: cfg, store: store, gen: gen, ctrl: ctrl, trigger: trigger, archiver: archiver}, nil
}

// Close stops the biography worker and closes the store. With drain set it
// first lets queued regenerations finish.
func (e *engine) Close(drain bool) {
	if drain {
		e.trigger.Wait()
	}
	e.trigger.Close()
	if err := e.store.Close(); err != nil {
		logger.WarnCF("cli", "Store close failed", map[string]interface{}{"error": err.Error()})
	}
}
