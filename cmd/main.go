package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	removebg "github.com/DougieWougie/RemoveBackground"
	"github.com/DougieWougie/RemoveBackground/options"
	"github.com/DougieWougie/RemoveBackground/server"
	"github.com/DougieWougie/RemoveBackground/util/fileutil"
)

var outputPath string
var verbose bool
var jsonOutput bool
var backend string
var sharedLibraryPath string
var modelDir string
var port int

// usageExitCode is what argparse-style tools return for a malformed command line.
const usageExitCode = 2

func sessionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "Print verbose output",
			Aliases:     []string{"v"},
			Destination: &verbose,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Inference backend, ORT (default) or GO. GO only runs opset 13 models and cannot run u2net",
			Aliases:     []string{"b"},
			Destination: &backend,
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to onnxruntime.so or the folder holding it",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.StringFlag{
			Name:        "modelDir",
			Usage:       "Folder where the u2net weights are cached. Falls back to $HOME/.u2net if not specified",
			Aliases:     []string{"m"},
			Destination: &modelDir,
		},
	}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Serve background removal over HTTP",
	Description: `Serve starts an HTTP server with the endpoints
				GET /health - health check
				GET /stats - pipeline timings
				POST /remove - multipart upload in the 'image' field, answers with a transparent PNG
				`,
	Flags: append([]cli.Flag{
		&cli.IntFlag{
			Name:        "port",
			Usage:       "Port to listen on",
			Aliases:     []string{"p"},
			Destination: &port,
			Value:       8080,
		},
	}, sessionFlags()...),
	Action: func(ctx *cli.Context) error {
		setupLogging()
		session, err := newSession()
		if err != nil {
			return cli.Exit(err.Error(), removebg.ExitCode(err))
		}
		defer destroySession(session)

		addr := fmt.Sprintf(":%d", port)
		log.Info().Str("addr", addr).Msg("server starting")
		if err = server.NewRouter(session).Run(addr); err != nil {
			return cli.Exit(err.Error(), removebg.ExitCode(err))
		}
		return nil
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "removebg",
		Usage:     "Remove backgrounds from images and save them as transparent PNG",
		ArgsUsage: "INPUT",
		Description: `Removes the background of INPUT and writes <input>_nobg.png next to it.
				If INPUT is omitted, image paths are read from stdin, one per line.

				Exit codes: 0 success, 1 file not found, 2 invalid input (not an image, a directory), 3 unexpected error.
				`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "output",
				Usage:       "Path to save the output image (default: <input>_nobg.png)",
				Aliases:     []string{"o"},
				Destination: &outputPath,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "Print one json line per processed image",
				Destination: &jsonOutput,
			},
		}, sessionFlags()...),
		Commands: []*cli.Command{serveCommand},
		Action:   removeAction,
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// exit coders have already been handled by the cli package
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(usageExitCode)
	}
}

func setupLogging() {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	log.DefaultLogger = log.Logger{
		Level: level,
		Writer: &log.ConsoleWriter{
			Writer:      os.Stderr,
			ColorOutput: isatty.IsTerminal(os.Stderr.Fd()),
		},
	}
}

func newSession() (*removebg.Session, error) {
	var opts []options.WithOption
	if modelDir != "" {
		opts = append(opts, options.WithModelDir(modelDir))
	}
	if sharedLibraryPath != "" {
		opts = append(opts, options.WithOnnxLibraryPath(sharedLibraryPath))
	}
	switch strings.ToUpper(backend) {
	case "":
		return removebg.NewSession(opts...)
	case "ORT":
		return removebg.NewORTSession(opts...)
	case "GO":
		return removebg.NewGoSession(opts...)
	default:
		return nil, fmt.Errorf("backend %s not implemented", backend)
	}
}

func destroySession(session *removebg.Session) {
	if err := session.Destroy(); err != nil {
		log.Warn().Err(err).Msg("destroying session")
	}
}

type result struct {
	Input  string `json:"input"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func removeAction(ctx *cli.Context) error {
	setupLogging()

	var inputs []string
	switch {
	case ctx.NArg() > 1:
		return cli.Exit("only one INPUT may be given, pipe paths on stdin to process several", usageExitCode)
	case ctx.NArg() == 1:
		inputs = []string{ctx.Args().First()}
	case !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()):
		if outputPath != "" {
			return cli.Exit("--output cannot be combined with inputs read from stdin", usageExitCode)
		}
		var err error
		if inputs, err = readInputs(os.Stdin); err != nil {
			return cli.Exit(err.Error(), removebg.ExitCode(err))
		}
		if len(inputs) == 0 {
			return cli.Exit("no INPUT given and nothing to read on stdin", usageExitCode)
		}
	default:
		_ = cli.ShowAppHelp(ctx)
		return cli.Exit("no INPUT given", usageExitCode)
	}

	session, err := newSession()
	if err != nil {
		return cli.Exit(err.Error(), removebg.ExitCode(err))
	}
	defer destroySession(session)

	var firstErr error
	for _, input := range inputs {
		if verbose && !jsonOutput {
			_, _ = fmt.Fprintf(ctx.App.Writer, "Processing: %s\n", input)
		}
		output, removeErr := session.RemoveBackground(input, outputPath)
		if writeErr := writeResult(ctx.App.Writer, input, output, removeErr); writeErr != nil {
			return cli.Exit(writeErr.Error(), removebg.ExitCode(writeErr))
		}
		if removeErr != nil && firstErr == nil {
			firstErr = removeErr
		}
	}

	if verbose {
		for _, line := range session.GetStats() {
			log.Debug().Msg(line)
		}
	}
	if firstErr != nil {
		return cli.Exit(fmt.Sprintf("Error: %s", firstErr), removebg.ExitCode(firstErr))
	}
	return nil
}

func writeResult(w io.Writer, input, output string, err error) error {
	if jsonOutput {
		line := result{Input: input, Output: output}
		if err != nil {
			line.Error = err.Error()
		}
		encoded, marshalErr := jsoniter.Marshal(line)
		if marshalErr != nil {
			return marshalErr
		}
		_, writeErr := fmt.Fprintf(w, "%s\n", encoded)
		return writeErr
	}
	if err != nil {
		log.Error().Err(err).Str("input", input).Msg("background removal failed")
		return nil
	}
	_, writeErr := fmt.Fprintf(w, "Background removed successfully!\nSaved to: %s\n", output)
	return writeErr
}

// readInputs returns the non-blank lines of r as paths.
func readInputs(r io.Reader) ([]string, error) {
	var inputs []string
	reader := bufio.NewReader(r)
	for {
		line, err := fileutil.ReadLine(reader)
		if trimmed := strings.TrimSpace(string(line)); trimmed != "" {
			inputs = append(inputs, trimmed)
		}
		if errors.Is(err, io.EOF) {
			return inputs, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
