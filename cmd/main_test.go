package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/inference"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/model"
)

// "\x1b[1mGenerated Poetry:\x1b[0m \"kya dil\\n hai\""
var poetryLineRegexp = *regexp.MustCompile(`\[1mGenerated Poetry\s*:\x1b\[0m "(.*)"`)

// "\x1b[1mGenerating words 2 / 4...\x1b[0m Latest generated word: \"dil\""
var progressLineRegexp = *regexp.MustCompile(`Generating words (\d+ / \d+)\.\.\.\x1b\[0m Latest generated word: (.+)`)

type InterceptorWriter struct {
	Target       io.Writer
	ListenerChan chan<- string
}

func (iw *InterceptorWriter) Write(p []byte) (n int, err error) {
	if iw.Target != nil {
		n, err = iw.Target.Write(p)
	} else {
		n = len(p)
	}
	iw.ListenerChan <- string(p)
	return n, err
}

func prepareAppState(seedText string, numGenerate int) chan string {
	consoleListenerChan := make(chan string, 1000)
	appState = newAppState(&InterceptorWriter{
		Target:       nil,
		ListenerChan: consoleListenerChan,
	})
	appState.seedText = seedText
	appState.generatedText = seedText
	appState.numGenerate = numGenerate
	return consoleListenerChan
}

func simulateGeneration(words []inference.GeneratedWord, err error) (<-chan inference.GeneratedWord, <-chan error) {
	generatedWordsCh := make(chan inference.GeneratedWord)
	errorCh := make(chan error, 1)
	go func() {
		defer func() {
			close(errorCh)
			close(generatedWordsCh)
		}()
		for _, word := range words {
			generatedWordsCh <- word
		}
		if err != nil {
			errorCh <- err
		}
	}()
	return generatedWordsCh, errorCh
}

// waitGroupDone returns a channel closed when wg is done, for use in select statements.
func waitGroupDone(wg *sync.WaitGroup) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch
}

// collectConsoleOutput runs the listener and returns every string written to the console.
func collectConsoleOutput(ctx context.Context, consoleListenerChan chan string, generatedWordsCh <-chan inference.GeneratedWord, errorCh <-chan error) []string {
	var wg sync.WaitGroup
	wg.Add(1)
	go listenGenerationChannels(&wg, ctx, generatedWordsCh, errorCh)

	result := make([]string, 0)
	done := waitGroupDone(&wg)
	for {
		select {
		case printedStr, ok := <-consoleListenerChan:
			if !ok {
				return result
			}
			result = append(result, printedStr)
		case <-done:
			// every write happens before the listener returns
			close(consoleListenerChan)
			done = nil
		}
	}
}

func findSubmatches(re regexp.Regexp, printed []string) [][]string {
	result := make([][]string, 0)
	for _, printedStr := range printed {
		if match := re.FindStringSubmatch(printedStr); match != nil {
			result = append(result, match[1:])
		}
	}
	return result
}

func TestGenerationOutput(t *testing.T) {
	consoleListenerChan := prepareAppState("kya", 4)
	generatedWordsCh, errorCh := simulateGeneration([]inference.GeneratedWord{
		{Step: 0, TokenId: 1, Word: "dil", Fragment: " dil"},
		{Step: 1, TokenId: model.PadId},
		{Step: 2, TokenId: 3, Word: "\n", Fragment: "\n"},
		{Step: 3, TokenId: 2, Word: "hai", Fragment: " hai"},
	}, nil)

	printed := collectConsoleOutput(context.Background(), consoleListenerChan, generatedWordsCh, errorCh)

	expectedPoetryLines := []string{`kya dil`, `kya dil`, `kya dil\n`, `kya dil\n hai`}
	poetryLines := findSubmatches(poetryLineRegexp, printed)
	if len(poetryLines) != len(expectedPoetryLines) {
		t.Fatalf("Expected %d \"Generated Poetry\" lines, but got %d: %q", len(expectedPoetryLines), len(poetryLines), poetryLines)
	}
	for i, expected := range expectedPoetryLines {
		if poetryLines[i][0] != expected {
			t.Errorf("Iteration %d. Expected \"Generated Poetry\" line:\n\"%s\",\nbut got\n\"%s\"", i, expected, poetryLines[i][0])
		}
	}

	expectedProgress := [][]string{
		{"2 / 4", `"dil"`},
		{"3 / 4", "(padding, skipped)"},
		{"4 / 4", `"\n"`},
		{"4 / 4", `"hai"`},
	}
	progressLines := findSubmatches(progressLineRegexp, printed)
	if len(progressLines) != len(expectedProgress) {
		t.Fatalf("Expected %d progress lines, but got %d: %q", len(expectedProgress), len(progressLines), progressLines)
	}
	for i, expected := range expectedProgress {
		if progressLines[i][0] != expected[0] || progressLines[i][1] != expected[1] {
			t.Errorf("Iteration %d. Expected progress %q, but got %q", i, expected, progressLines[i])
		}
	}

	if appState.generatedText != "kya dil\n hai" {
		t.Errorf("Expected generated text %q, but got %q", "kya dil\n hai", appState.generatedText)
	}
	if err := appState.generationError(); err != nil {
		t.Errorf("Expected no error, but got %v", err)
	}
}

func TestGenerationOutputError(t *testing.T) {
	consoleListenerChan := prepareAppState("kya", 2)
	expectedErr := errors.New("error in layer \"dense\"")
	generatedWordsCh, errorCh := simulateGeneration([]inference.GeneratedWord{
		{Step: 0, TokenId: 1, Word: "dil", Fragment: " dil"},
	}, expectedErr)

	collectConsoleOutput(context.Background(), consoleListenerChan, generatedWordsCh, errorCh)

	if err := appState.generationError(); !errors.Is(err, expectedErr) {
		t.Errorf("Expected error %v, but got %v", expectedErr, err)
	}
}

func TestGenerationOutputCancelled(t *testing.T) {
	consoleListenerChan := prepareAppState("kya", 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// nothing is ever sent, so only the cancellation can end the listener
	generatedWordsCh := make(chan inference.GeneratedWord)
	errorCh := make(chan error)

	collectConsoleOutput(ctx, consoleListenerChan, generatedWordsCh, errorCh)

	if err := appState.generationError(); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected error %v, but got %v", context.Canceled, err)
	}
}

func TestCleanupConsole(t *testing.T) {
	var buf bytes.Buffer
	appState = newAppState(&buf)

	appState.printLinef("first\nsecond")
	if buf.String() != "first\nsecond\n" {
		t.Fatalf("Expected printed text %q, but got %q", "first\nsecond\n", buf.String())
	}
	buf.Reset()
	appState.cleanupConsole()

	// two printed lines and the empty line the cursor stays on
	expected := strings.Repeat("\x1b[2K\r\x1b[1A", 2) + "\x1b[2K\r"
	if buf.String() != expected {
		t.Errorf("Expected cleanup sequence %q, but got %q", expected, buf.String())
	}
	if len(appState.prevLineWidths) != 0 {
		t.Errorf("Expected line widths to be reset, but got %v", appState.prevLineWidths)
	}
}

func TestParseArgs(t *testing.T) {
	opts, exit, err := parseArgs([]string{"--model", "poetry.keras", "--prompt", "dil", "--words", "500", "--temperature", "0.5"}, io.Discard)
	if err != nil || exit {
		t.Fatalf("Expected parsed options, but got exit: %v, error: %v", exit, err)
	}
	if !opts.isOneShot() {
		t.Errorf("Expected one-shot mode")
	}

	config := common.NewAppConfig()
	opts.applyTo(config)
	if config.ModelPath != "poetry.keras" {
		t.Errorf("Expected model path %q, but got %q", "poetry.keras", config.ModelPath)
	}
	if config.DatasetPath != "dataset.csv" {
		t.Errorf("Expected default dataset path to be kept, but got %q", config.DatasetPath)
	}

	args := oneShotArgs(opts, config.Generation)
	if args.NumGenerate != 200 {
		t.Errorf("Expected word count clamped to %d, but got %d", 200, args.NumGenerate)
	}
	if args.Temperature != 0.5 {
		t.Errorf("Expected temperature %g, but got %g", 0.5, args.Temperature)
	}

	opts, _, err = parseArgs(nil, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if opts.isOneShot() {
		t.Errorf("Expected server mode without --prompt")
	}
	args = oneShotArgs(opts, config.Generation)
	if args.NumGenerate != common.DefaultNumGenerate || args.Temperature != common.DefaultTemperature {
		t.Errorf("Expected default arguments, but got %+v", args)
	}
}

func TestParseArgsErrors(t *testing.T) {
	for _, args := range [][]string{{"-h"}, {"--help"}} {
		if _, exit, err := parseArgs(args, io.Discard); !exit || err != nil {
			t.Errorf("Expected clean exit for %q, but got exit: %v, error: %v", args, exit, err)
		}
	}
	for _, args := range [][]string{
		{"--prompt", "  "},
		{"--words", "many"},
		{"--model", "poetry.keras", "extra"},
		{"-model", "poetry.keras"},
	} {
		if _, _, err := parseArgs(args, io.Discard); err == nil {
			t.Errorf("Expected error for arguments %q", args)
		}
	}
}
