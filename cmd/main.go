package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/inference"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/model"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/server"
	"github.com/apoorvam/goterminal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const esc = 27

var appState = newAppState(os.Stdout)

type cliOptions struct {
	configPath string
	prompt     string
	printMeta  bool

	numWords       int
	temperature    float64
	sequenceLength int

	// flags explicitly given on the command line, by name
	setFlags map[string]string
}

func main() {
	opts, exit, err := parseArgs(os.Args[1:], os.Stderr)
	if exit {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		common.GLogger.ConsoleFatal(err)
	}
}

// cliOverrideFlags are recorded in setFlags when given on the command line.
var cliOverrideFlags = []string{"model", "dataset", "column", "tokenizer", "listen", "log-level", "log-format", "prompt", "words", "temperature"}

// newRootCommand builds the command line. runFn receives the parsed options and
// is not called for --help.
func newRootCommand(runFn func(opts *cliOptions) error) *cobra.Command {
	result := &cliOptions{setFlags: make(map[string]string)}
	rootCmd := &cobra.Command{
		Use:   "poetry",
		Short: "Roman Urdu poetry generator",
		Long: `Poetry Nuts and Bolts - Roman Urdu poetry generator.

Without --prompt, serves the web form and the JSON API. With --prompt "seed text",
generates once and prints the poem.

Settings are read from defaults, then the config file, then POETRY_* environment
variables, then the flags below.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range cliOverrideFlags {
				if cmd.Flags().Changed(name) {
					result.setFlags[name] = cmd.Flags().Lookup(name).Value.String()
				}
			}
			if result.isOneShot() && strings.TrimSpace(result.prompt) == "" {
				return fmt.Errorf("--prompt must not be empty")
			}
			return runFn(result)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&result.configPath, "config", os.Getenv("POETRY_CONFIG"), "Path of a YAML (.yaml, .yml) or HCL (.hcl) config file.")
	flags.String("model", "", "Path of the model archive (.keras zip or extracted directory).")
	flags.String("dataset", "", "Path of the poetry dataset CSV.")
	flags.String("column", "", "Dataset column holding the poems.")
	flags.String("tokenizer", "", "Optional tokenizer JSON export to use instead of fitting the vocabulary on the dataset.")
	flags.String("listen", "", "Listen address of the HTTP server.")
	flags.String("log-level", "", "Logging level: debug, info, warn, error.")
	flags.String("log-format", "", "Log output format: text or json.")
	flags.StringVar(&result.prompt, "prompt", "", "Seed text for a one-shot generation on the console.")
	flags.IntVar(&result.numWords, "words", 0, "Number of words to generate in one-shot mode, 0 = configured default.")
	flags.Float64Var(&result.temperature, "temperature", 0, "Temperature in one-shot mode, 0 = configured default.")
	flags.IntVar(&result.sequenceLength, "seq-length", 0, "Override of the input window length, 0 = derived from the dataset.")
	flags.BoolVar(&result.printMeta, "meta", false, "Print the model tensors, layers and statistics after loading.")
	return rootCmd
}

// parseArgs returns exit = true when only the help was asked for.
func parseArgs(args []string, output io.Writer) (opts *cliOptions, exit bool, err error) {
	rootCmd := newRootCommand(func(parsed *cliOptions) error {
		opts = parsed
		return nil
	})
	if args == nil {
		// cobra falls back to os.Args on nil
		args = []string{}
	}
	rootCmd.SetArgs(args)
	rootCmd.SetOut(output)
	rootCmd.SetErr(output)
	if err = rootCmd.Execute(); err != nil {
		return nil, false, err
	}
	return opts, opts == nil, nil
}

func (opts *cliOptions) isOneShot() bool {
	_, ok := opts.setFlags["prompt"]
	return ok
}

// applyTo overrides config with the flags given on the command line.
func (opts *cliOptions) applyTo(config *common.AppConfig) {
	targets := map[string]*string{
		"model":      &config.ModelPath,
		"dataset":    &config.DatasetPath,
		"column":     &config.DatasetColumn,
		"tokenizer":  &config.TokenizerPath,
		"listen":     &config.Server.ListenAddr,
		"log-level":  &config.Log.Level,
		"log-format": &config.Log.Format,
	}
	for name, target := range targets {
		if value, ok := opts.setFlags[name]; ok {
			*target = value
		}
	}
}

func loadConfig(opts *cliOptions) (*common.AppConfig, error) {
	config, err := common.LoadAppConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	opts.applyTo(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// oneShotArgs resolves the generation arguments of the --prompt mode. The word
// count is kept within the range the web form offers.
func oneShotArgs(opts *cliOptions, generation *common.GenerationConfig) common.InferenceArgs {
	result := common.NewInferenceArgs()
	result.NumGenerate = generation.DefaultWords
	result.Temperature = generation.DefaultTemperature
	result.SequenceLength = opts.sequenceLength
	if _, ok := opts.setFlags["words"]; ok {
		result.NumGenerate = common.ClampInt(opts.numWords, generation.MinWords, generation.MaxWords)
		if result.NumGenerate != opts.numWords {
			common.GLogger.Warn("word count is out of range, clamped", "requested", opts.numWords, "used", result.NumGenerate)
		}
	}
	if _, ok := opts.setFlags["temperature"]; ok {
		result.Temperature = opts.temperature
	}
	return result
}

func run(opts *cliOptions) error {
	config, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := common.NewLogger(os.Stderr, config.Log.Level, config.Log.Format)
	if err != nil {
		return err
	}
	common.GLogger = logger
	defer common.GLogger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.isOneShot() {
		fmt.Fprintln(appState.consoleOutWriter, "Welcome to Poetry Nuts and Bolts!")
		fmt.Fprint(appState.consoleOutWriter, "=================================\n\n\n")
		appState.literalProgressText = fmt.Sprintf("Loading model \"%s\"...", config.ModelPath)
		appState.updateOutput()
	}

	loadOptions := model.LoadOptions{
		ModelPath:     config.ModelPath,
		DatasetPath:   config.DatasetPath,
		DatasetColumn: config.DatasetColumn,
		TokenizerPath: config.TokenizerPath,
	}
	if opts.printMeta {
		loadOptions.MetaOutput = os.Stdout
	}
	poetryModel, err := model.LoadModel(loadOptions)
	if err != nil {
		return err
	}

	if !opts.isOneShot() {
		defaultArgs := common.NewInferenceArgs()
		defaultArgs.SequenceLength = opts.sequenceLength
		engine := inference.NewInferenceEngine(poetryModel, defaultArgs, nil)
		return runServer(ctx, engine, config)
	}

	inferenceArgs := oneShotArgs(opts, config.Generation)
	engine := inference.NewInferenceEngine(poetryModel, inferenceArgs, logFn)
	return runOneShot(ctx, engine, config.ModelPath, opts.prompt, inferenceArgs)
}

func runServer(ctx context.Context, engine *inference.InferenceEngine, config *common.AppConfig) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv, err := server.New(engine, config, registry)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}

func runOneShot(ctx context.Context, engine *inference.InferenceEngine, modelPath string, seedText string, inferenceArgs common.InferenceArgs) error {
	appState.resetConsoleState()
	appState.literalProgressText = fmt.Sprintf("Model \"%s\" was loaded, starting inference...", modelPath)
	appState.updateOutput()

	appState.mu.Lock()
	appState.seedText = seedText
	appState.generatedText = seedText
	appState.numGenerate = inferenceArgs.NumGenerate
	appState.literalProgressText = ""
	appState.startTimeTotal = time.Now()
	appState.startTimeWord = appState.startTimeTotal
	appState.mu.Unlock()
	appState.updateOutput()

	var wg sync.WaitGroup
	generatedWordsCh, errorCh := engine.Generate(ctx, seedText, inferenceArgs)
	wg.Add(1)
	go listenGenerationChannels(&wg, ctx, generatedWordsCh, errorCh)
	wg.Wait()

	if err := appState.generationError(); err != nil {
		return err
	}
	fmt.Fprintf(appState.consoleOutWriter, "\n%c[1mGenerated Poetry:%c[0m\n%s\n", esc, esc, appState.generatedText)
	return nil
}

func listenGenerationChannels(wg *sync.WaitGroup, ctx context.Context, generatedWordsCh <-chan inference.GeneratedWord, errorCh <-chan error) {
	defer wg.Done()
	for {
		select {
		case generated, ok := <-generatedWordsCh:
			if !ok {
				if err := <-errorCh; err != nil {
					appState.setGenerationError(err)
				}
				return
			}
			appState.addGeneratedWord(generated)
			appState.updateOutput()
		case <-ctx.Done():
			appState.setGenerationError(ctx.Err())
			return
		}
	}
}

func logFn(format string, v ...any) {
	appState.mu.Lock()
	appState.latestLogText = fmt.Sprintf(format, v...)
	appState.mu.Unlock()
	appState.updateOutput()
}

type AppState struct {
	mu                            sync.Mutex
	consoleOutWriter              io.Writer
	consoleMeasure                *goterminal.Writer
	excludeEscapeDirectivesRegexp regexp.Regexp

	prevLineWidths []int
	latestLogText  string

	numGenerate         int
	seedText            string
	generatedText       string
	literalProgressText string
	generationErr       error

	generatedWords []inference.GeneratedWord
	startTimeTotal time.Time
	startTimeWord  time.Time
}

func newAppState(consoleOutWriter io.Writer) *AppState {
	return &AppState{
		consoleOutWriter:              consoleOutWriter,
		prevLineWidths:                make([]int, 0),
		consoleMeasure:                goterminal.New(os.Stdout),
		excludeEscapeDirectivesRegexp: *regexp.MustCompile(string(rune(esc)) + "\\[\\d+[a-zA-Z]"),
		generatedWords:                make([]inference.GeneratedWord, 0),
	}
}

func (as *AppState) addGeneratedWord(generated inference.GeneratedWord) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.generatedWords = append(as.generatedWords, generated)
	as.generatedText += generated.Fragment
	as.startTimeWord = time.Now()
}

func (as *AppState) setGenerationError(err error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.generationErr = err
}

func (as *AppState) generationError() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.generationErr
}

func (as *AppState) updateOutput() {
	// See: https://github.com/apoorvam/goterminal/blob/master/writer_posix.go
	as.mu.Lock()
	defer as.mu.Unlock()
	as.cleanupConsole()
	if as.latestLogText == "" {
		as.latestLogText = "..."
	}

	elapsedTotalStr, elapsedWordStr := as.durationsToStr()
	as.printLinef("%s", as.generateProgressText())
	as.printLinef("Total elapsed: %c[1m%s%c[0m, elapsed for next word: %c[1m%s%c[0m", esc, elapsedTotalStr, esc, esc, elapsedWordStr, esc)
	as.printLinef("Running for next word: %s", as.latestLogText)
	as.printLinef("")
	if as.seedText != "" {
		// quoted, so the poem stays on one line while it is redrawn
		as.printLinef("%c[1mSeed Text       :%c[0m %q\n%c[1mGenerated Poetry:%c[0m %q", esc, esc, as.seedText, esc, esc, as.generatedText)
	} else {
		as.printLinef("...")
	}
}

func (as *AppState) printLinef(format string, v ...any) {
	s := fmt.Sprintf(format, v...)
	lines := strings.Split(s, "\n")
	for _, line := range lines {
		line = as.excludeEscapeDirectivesRegexp.ReplaceAllString(line, "")
		if len(as.prevLineWidths) == 0 || as.prevLineWidths[len(as.prevLineWidths)-1] > 0 {
			as.prevLineWidths = append(as.prevLineWidths, len(line))
		} else {
			as.prevLineWidths[len(as.prevLineWidths)-1] = len(line)
		}
	}
	if len(as.prevLineWidths) == 0 || as.prevLineWidths[len(as.prevLineWidths)-1] > 0 {
		s += "\n"
		as.prevLineWidths = append(as.prevLineWidths, 0)
	}
	fmt.Fprint(as.consoleOutWriter, s)
}

// measureConsoleWidth waits until two measurements agree, so a window being
// resized is not measured halfway. It returns 0 when the output is not a terminal.
func (as *AppState) measureConsoleWidth() int {
	w, _ := as.consoleMeasure.GetTermDimensions()
	if w <= 0 {
		return 0
	}
	for {
		time.Sleep(300 * time.Millisecond)
		w2, _ := as.consoleMeasure.GetTermDimensions()
		if w == w2 {
			return w
		}
		w = w2
	}
}

func (as *AppState) cleanupConsole() {
	if len(as.prevLineWidths) > 0 {
		lineCountToClean := 0
		currentConsoleWidth := as.measureConsoleWidth()
		for i := len(as.prevLineWidths) - 1; i >= 0; i-- {
			prevLineWidth := as.prevLineWidths[i]
			lineCountByCurrentConsoleWidth := 1
			if prevLineWidth > 0 && currentConsoleWidth > 0 {
				lineCountByCurrentConsoleWidth = int(math.Ceil(float64(prevLineWidth) / float64(currentConsoleWidth)))
			}
			lineCountToClean += lineCountByCurrentConsoleWidth
		}
		for i := 0; i < lineCountToClean; i++ {
			fmt.Fprintf(as.consoleOutWriter, "%c[2K\r", esc) // Clear current line
			if i < lineCountToClean-1 {
				fmt.Fprintf(as.consoleOutWriter, "%c[%dA", esc, 1) // Move cursor upper line
			}
		}
	}
	as.resetConsoleState()
}

func (as *AppState) resetConsoleState() {
	as.prevLineWidths = make([]int, 0)
}

func (as *AppState) generateProgressText() string {
	if as.literalProgressText != "" {
		return as.literalProgressText
	}
	latestGeneratedWordStr := "(generating)"
	if len(as.generatedWords) > 0 {
		latest := as.generatedWords[len(as.generatedWords)-1]
		if latest.TokenId == model.PadId {
			latestGeneratedWordStr = "(padding, skipped)"
		} else {
			latestGeneratedWordStr = fmt.Sprintf("%q", latest.Word)
		}
	}
	nextWordNum := len(as.generatedWords)
	if nextWordNum < as.numGenerate {
		nextWordNum++
	}
	return fmt.Sprintf("%c[1mGenerating words %d / %d...%c[0m Latest generated word: %s",
		esc, nextWordNum, as.numGenerate, esc, latestGeneratedWordStr)
}

func (as *AppState) durationsToStr() (elapsedTotalStr string, elapsedWordStr string) {
	elapsedTotalStr = "..:.."
	elapsedWordStr = "..:.."
	if as.startTimeTotal.Year() > 1 {
		// See: https://stackoverflow.com/questions/47341278/how-to-format-a-duration
		totalElapsed := time.Since(as.startTimeTotal).Round(time.Second)
		totalElapsedHourPart := totalElapsed / time.Hour
		totalElapsed -= totalElapsedHourPart * time.Hour
		totalElapsedMinPart := totalElapsed / time.Minute
		totalElapsed -= totalElapsedMinPart * time.Minute
		totalElapsedSecPart := totalElapsed / time.Second
		elapsedTotalStr = fmt.Sprintf("%02dh:%02dm:%02ds", totalElapsedHourPart, totalElapsedMinPart, totalElapsedSecPart)

		elapsedWordStr = fmt.Sprintf("%.4f sec(s)", time.Since(as.startTimeWord).Seconds())
	}
	return
}
