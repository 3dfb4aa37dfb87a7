package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-jobs/internal/config"
	"github.com/book-expert/narration-jobs/internal/heartbeat"
	"github.com/book-expert/narration-jobs/internal/jobclient"
	"github.com/book-expert/narration-jobs/internal/polling"
	"github.com/book-expert/narration-jobs/internal/session"
	"github.com/book-expert/narration-jobs/internal/upload"
	"github.com/dustin/go-humanize"
)

// Flag descriptions.
const (
	flagTextDesc         = "Text to narrate"
	flagVoiceDesc        = "Voice id to narrate with (defaults to the backend default voice)"
	flagOutputDesc       = "Output file path (.wav)"
	flagUploadDesc       = "Voice sample to upload (.wav, .mp3 or .flac)"
	flagNameDesc         = "Name of the uploaded voice"
	flagDescriptionDesc  = "Description of the uploaded voice"
	flagDefaultDesc      = "Make the uploaded voice the default"
	flagExaggerationDesc = "Emotion exaggeration for synthesis or the uploaded voice"
	flagVoicesDesc       = "List the voice library and exit"
	flagHealthDesc       = "Check backend health and exit"
	flagConfigDesc       = "Path to a TOML config file"
	flagAPIDesc          = "Backend base URL, used when no config file is given"
)

// Flag names.
const (
	flagText         = "text"
	flagVoice        = "voice"
	flagOutput       = "output"
	flagUpload       = "upload"
	flagName         = "name"
	flagDescription  = "description"
	flagDefault      = "default"
	flagExaggeration = "exaggeration"
	flagVoices       = "voices"
	flagHealth       = "health"
	flagConfig       = "config"
	flagAPI          = "api"
)

// Validation messages.
const (
	errEitherTextOrUpload = "Either --text or --upload must be provided"
	errCannotSpecifyBoth  = "Cannot specify both --text and --upload"
	errNameRequired       = "--name is required with --upload"
)

const (
	logFileName       = "narrator.log"
	defaultOutputFile = "narration.wav"
)

var errInterrupted = errors.New("interrupted")

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text         string
	voice        string
	output       string
	upload       string
	name         string
	description  string
	exaggeration float64
	isDefault    bool
	voices       bool
	health       bool
	config       string
	api          string
}

func main() {
	err := run(os.Args[1:])
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	err = validateArguments(flags)
	if err != nil {
		return err
	}

	cfg, appLog, err := setup(flags)
	if err != nil {
		return err
	}
	defer func() { _ = appLog.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := jobclient.NewHTTPClient(cfg.API.BaseURL, cfg.APITimeout()).WithAssetBase(cfg.API.AssetBaseURL)

	switch {
	case flags.health:
		return handleHealthCheck(ctx, client, os.Stdout)
	case flags.voices:
		return handleVoices(ctx, client, os.Stdout)
	case flags.upload != "":
		return handleUpload(ctx, client, cfg, appLog, flags, os.Stdout)
	default:
		return handleSynthesis(ctx, client, cfg, appLog, flags, os.Stdout)
	}
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	set := flag.NewFlagSet("narrator", flag.ContinueOnError)
	set.StringVar(&flags.text, flagText, "", flagTextDesc)
	set.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	set.StringVar(&flags.output, flagOutput, defaultOutputFile, flagOutputDesc)
	set.StringVar(&flags.upload, flagUpload, "", flagUploadDesc)
	set.StringVar(&flags.name, flagName, "", flagNameDesc)
	set.StringVar(&flags.description, flagDescription, "", flagDescriptionDesc)
	set.Float64Var(&flags.exaggeration, flagExaggeration, 0, flagExaggerationDesc)
	set.BoolVar(&flags.isDefault, flagDefault, false, flagDefaultDesc)
	set.BoolVar(&flags.voices, flagVoices, false, flagVoicesDesc)
	set.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	set.StringVar(&flags.config, flagConfig, "", flagConfigDesc)
	set.StringVar(&flags.api, flagAPI, "", flagAPIDesc)

	err := set.Parse(args)
	if err != nil {
		return flags, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateArguments checks required and conflicting flags.
func validateArguments(flags appFlags) error {
	if flags.health || flags.voices {
		return nil
	}

	if flags.text == "" && flags.upload == "" {
		return errors.New(errEitherTextOrUpload)
	}

	if flags.text != "" && flags.upload != "" {
		return errors.New(errCannotSpecifyBoth)
	}

	if flags.upload != "" && strings.TrimSpace(flags.name) == "" {
		return errors.New(errNameRequired)
	}

	return nil
}

// setup loads the configuration and opens the log file.
func setup(flags appFlags) (*config.Config, *logger.Logger, error) {
	bootstrapLog, err := logger.New(os.TempDir(), "narrator-bootstrap.log")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}
	defer func() { _ = bootstrapLog.Close() }()

	cfg, err := loadConfig(flags, bootstrapLog)
	if err != nil {
		return nil, nil, err
	}

	appLog, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, appLog, nil
}

func loadConfig(flags appFlags, bootstrapLog *logger.Logger) (*config.Config, error) {
	switch {
	case flags.config != "":
		return config.LoadFile(flags.config)
	case flags.api != "":
		cfg := &config.Config{API: config.APIConfig{BaseURL: flags.api}}
		cfg.ApplyDefaults()

		err := cfg.Validate()
		if err != nil {
			return nil, err
		}

		return cfg, nil
	default:
		return config.Load(bootstrapLog)
	}
}

// handleHealthCheck performs a backend health check and prints the result.
func handleHealthCheck(ctx context.Context, client *jobclient.HTTPClient, out io.Writer) error {
	err := client.HealthCheck(ctx)
	if err != nil {
		fmt.Fprintf(out, "Backend is not healthy: %s\n", jobclient.UserMessage(err))

		return err
	}

	fmt.Fprintln(out, "Backend is healthy")

	return nil
}

func handleVoices(ctx context.Context, client *jobclient.HTTPClient, out io.Writer) error {
	voices, err := client.ListVoices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list voices: %w", err)
	}

	for _, voice := range voices {
		marker := " "
		if voice.IsDefault {
			marker = "*"
		}

		fmt.Fprintf(out, "%s %s\t%s\t%.1fs\n", marker, voice.VoiceID, voice.Name, voice.Duration)
	}

	return nil
}

// handleSynthesis narrates flags.text and writes the audio to flags.output.
func handleSynthesis(
	ctx context.Context,
	client *jobclient.HTTPClient,
	cfg *config.Config,
	appLog *logger.Logger,
	flags appFlags,
	out io.Writer,
) error {
	voiceID := flags.voice
	if voiceID == "" {
		voice, err := client.DefaultVoice(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve default voice: %w", err)
		}

		voiceID = voice.VoiceID
	}

	beat := heartbeat.New(client, cfg.HeartbeatInterval(), cfg.HeartbeatTimeout(), appLog)
	controller := polling.New(client, beat, cfg.PollingOptions(), appLog)
	controller.Observe(printProgress(out))

	_, err := controller.Submit(ctx, jobclient.SynthesisRequest{
		VoiceID:      voiceID,
		Text:         flags.text,
		Exaggeration: flags.exaggeration,
	})
	if err != nil {
		return err
	}

	snap, err := controller.Wait(ctx)
	if err != nil {
		controller.Cancel()
		<-controller.Done()

		return errInterrupted
	}

	if snap.Err != nil {
		return snap.Err
	}

	audio, err := client.Download(ctx, snap.Result.AudioURL)
	if err != nil {
		return fmt.Errorf("failed to download narration: %w", err)
	}

	err = os.WriteFile(flags.output, audio, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", flags.output, err)
	}

	appLog.Info("Wrote narration %s to %s", snap.JobID, flags.output)
	fmt.Fprintf(out, "Generated: %s (%s)\n", flags.output, humanize.Bytes(uint64(len(audio))))

	return nil
}

// handleUpload ingests a voice sample and prints the new voice id.
func handleUpload(
	ctx context.Context,
	client *jobclient.HTTPClient,
	cfg *config.Config,
	appLog *logger.Logger,
	flags appFlags,
	out io.Writer,
) error {
	sim, err := upload.New(client, cfg.UploadOptions(), appLog)
	if err != nil {
		return err
	}
	defer sim.Close()

	sim.Observe(printProgress(out))
	sim.Select(upload.Form{
		FilePath:     flags.upload,
		Name:         flags.name,
		Description:  flags.description,
		Exaggeration: flags.exaggeration,
		IsDefault:    flags.isDefault,
	})

	stop := context.AfterFunc(ctx, sim.Cancel)
	defer stop()

	voice, err := sim.Submit(ctx)
	if errors.Is(err, session.ErrCancelled) || ctx.Err() != nil {
		return errInterrupted
	}

	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Voice id: %s\n", voice.VoiceID)

	return nil
}

// printProgress renders session changes as single terminal lines.
func printProgress(out io.Writer) session.Observer {
	last := ""

	return func(snap session.Snapshot) {
		line := fmt.Sprintf("[%3d%%] %s", snap.Progress, snap.Message)
		if line == last || snap.Message == "" {
			return
		}

		last = line
		fmt.Fprintln(out, line)
	}
}
