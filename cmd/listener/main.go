// The listener captures an internet radio stream, cuts it into fixed
// duration blocks, transcribes each block and persists everything under a
// session directory.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/lmercier/radioscribe/internal/config"
	"github.com/lmercier/radioscribe/internal/console"
	"github.com/lmercier/radioscribe/internal/eventlog"
	"github.com/lmercier/radioscribe/internal/notify"
	"github.com/lmercier/radioscribe/internal/pcm"
	"github.com/lmercier/radioscribe/internal/pipeline"
	"github.com/lmercier/radioscribe/internal/record"
	"github.com/lmercier/radioscribe/internal/source"
	"github.com/lmercier/radioscribe/internal/stats"
	"github.com/lmercier/radioscribe/internal/store"
	"github.com/lmercier/radioscribe/internal/transcribe"
)

const version = "0.3.0"

var (
	cfgFile   string
	sessionID string
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	// Sentry for error monitoring, same knob as the other tools
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      getEnvironment(),
		})
		if err != nil {
			logger.Printf("sentry init failed: %v", err)
		} else {
			logger.Printf("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		logger.Fatalf("listener: %v", err)
	}
}

func newRootCmd(logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "listener",
		Short:         "Capture et transcription de flux radio en continu",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "chemin du fichier de configuration")

	root.AddCommand(newRunCmd(logger))
	root.AddCommand(newSessionsCmd(logger))
	root.AddCommand(newVersionCmd())
	return root
}

func newRunCmd(logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Démarre une session de capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Listener.StreamURL == "" {
				return fmt.Errorf("aucune URL de flux (--stream-url ou listener.stream_url)")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runSession(cmd.Context(), cfg, logger)
		},
	}

	f := cmd.Flags()
	f.String("stream-url", "", "URL du flux radio (http, https ou rtsp)")
	f.Int("block-duration", 0, "durée d'un bloc en secondes")
	f.String("language", "", "code langue pour la transcription (ex: fr)")
	f.String("backend", "", "backend de transcription: whisper, openai ou deepgram")
	f.String("whisper-model", "", "taille du modèle whisper local")
	f.String("output-dir", "", "répertoire des sessions brutes")
	f.Int("queue-size", 0, "taille de la file de transcription")
	f.Int("connect-attempts", 0, "tentatives de connexion initiale")
	f.StringVar(&sessionID, "session-id", "", "identifiant de session (défaut: horodatage)")
	return cmd
}

// loadConfig layers flag values over the file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("stream-url") {
		cfg.Listener.StreamURL, _ = f.GetString("stream-url")
	}
	if f.Changed("block-duration") {
		cfg.Listener.BlockDurationSeconds, _ = f.GetInt("block-duration")
	}
	if f.Changed("language") {
		cfg.Listener.Language, _ = f.GetString("language")
	}
	if f.Changed("backend") {
		cfg.Listener.Backend, _ = f.GetString("backend")
	}
	if f.Changed("whisper-model") {
		cfg.Listener.Model, _ = f.GetString("whisper-model")
	}
	if f.Changed("output-dir") {
		cfg.RawDir, _ = f.GetString("output-dir")
	}
	if f.Changed("queue-size") {
		cfg.Listener.QueueSize, _ = f.GetInt("queue-size")
	}
	if f.Changed("connect-attempts") {
		cfg.Listener.ConnectAttempts, _ = f.GetInt("connect-attempts")
	}
	return cfg, nil
}

func runSession(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	l := cfg.Listener
	format := pcm.Format{SampleRate: l.SampleRate, Channels: l.Channels}

	st := store.New(cfg.RawDir, cfg.ProcessedDir)

	start := time.Now().UTC()
	id := sessionID
	if id == "" {
		id = store.SessionID(start)
	}
	sess, err := st.CreateSession(store.Metadata{
		SessionID:      id,
		StartTime:      start.Format(time.RFC3339),
		StreamURL:      l.StreamURL,
		BlockDurationS: l.BlockDurationSeconds,
		SampleRate:     l.SampleRate,
		Channels:       l.Channels,
		Language:       l.Language,
		Model:          l.Model,
	})
	if err != nil {
		return err
	}

	events, err := eventlog.Open(sess.EventLogPath())
	if err != nil {
		return err
	}
	defer events.Close()
	_ = events.Log(eventlog.EventSessionStarted, map[string]any{
		"session_id": id,
		"url":        l.StreamURL,
		"backend":    l.Backend,
	})

	trans, err := newTranscriber(l, format)
	if err != nil {
		return err
	}

	collector := stats.NewCollector()
	rec := record.New(sess, format, collector, events, logger)
	opener := source.NewFFmpeg("", format)

	pipe := pipeline.New(pipeline.Config{
		URL:             l.StreamURL,
		Format:          format,
		BlockDuration:   l.BlockDuration(),
		Language:        l.Language,
		QueueSize:       l.QueueSize,
		ConnectAttempts: l.ConnectAttempts,
		Reconnect: pipeline.ReconnectPolicy{
			MaxAttempts:  l.ReconnectMaxAttempts,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Factor:       2.0,
		},
	}, opener, trans, rec, collector, events, logger)

	discord := notify.NewDiscord(l.DiscordWebhookURL, logger)
	discord.NotifySessionStarted(ctx, id, l.StreamURL)

	display := console.New(os.Stdout, collector, id, time.Second)
	display.Start()

	// First signal drains gracefully; a second one cancels the run context
	// and aborts.
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		<-sigCtx.Done()
		logger.Printf("listener: signal reçu, vidage de la file en cours (Ctrl-C pour forcer)")
		pipe.Stop()

		hardCtx, hardStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer hardStop()
		<-hardCtx.Done()
		cancelRun()
	}()

	runErr := pipe.Run(runCtx)
	display.Stop()

	snap := collector.Snapshot()
	if runErr != nil {
		discord.NotifySessionFaulted(context.Background(), id, runErr)
		return fmt.Errorf("session %s: %w", id, runErr)
	}
	discord.NotifySessionStopped(context.Background(), id, snap.BlocksRecorded, snap.FailedBlocks, snap.AudioCaptured)
	logger.Printf("listener: session %s terminée, %d blocs", id, rec.Recorded())
	return nil
}

// newTranscriber builds the backend the configuration names. Validate has
// already checked the backend string and its credentials.
func newTranscriber(l config.Listener, format pcm.Format) (transcribe.Transcriber, error) {
	switch l.Backend {
	case "whisper":
		return transcribe.NewWhisper(transcribe.WhisperConfig{
			Command: l.WhisperCommand,
			Model:   l.Model,
			Format:  format,
		}), nil
	case "openai":
		return transcribe.NewOpenAI(transcribe.OpenAIConfig{
			APIKey: l.OpenAIAPIKey,
			Format: format,
		}), nil
	case "deepgram":
		return transcribe.NewDeepgram(transcribe.DeepgramConfig{
			APIKey: l.DeepgramAPIKey,
			Format: format,
		}), nil
	default:
		return nil, fmt.Errorf("backend inconnu %q", l.Backend)
	}
}

func newSessionsCmd(logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Gère les sessions enregistrées",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Liste les sessions brutes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st := store.New(cfg.RawDir, cfg.ProcessedDir)
			infos, err := st.ListRaw()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("Aucune session.")
				return nil
			}
			for _, info := range infos {
				converted := " "
				if info.Converted {
					converted = "✓"
				}
				fmt.Printf("%s  %s  %4d blocs  converti: %s\n",
					info.SessionID, info.StartTime.Format("2006-01-02 15:04"), info.TotalBlocks, converted)
			}
			return nil
		},
	}

	var withProcessed bool
	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Supprime une session brute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st := store.New(cfg.RawDir, cfg.ProcessedDir)
			if err := st.DeleteRaw(args[0]); err != nil {
				return err
			}
			if withProcessed {
				if err := st.DeleteProcessed(args[0]); err != nil {
					logger.Printf("listener: suppression de la base convertie: %v", err)
				}
			}
			logger.Printf("listener: session %s supprimée", args[0])
			return nil
		},
	}
	del.Flags().BoolVar(&withProcessed, "processed", false, "supprime aussi la base convertie")

	var olderThanDays int
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Supprime les sessions brutes plus vieilles que N jours",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st := store.New(cfg.RawDir, cfg.ProcessedDir)
			removed, err := st.CleanupOlderThan(time.Duration(olderThanDays)*24*time.Hour, time.Now())
			if err != nil {
				return err
			}
			for _, id := range removed {
				logger.Printf("listener: session %s supprimée", id)
			}

			// Remaining sessions may hold orphan temp files from a crash.
			infos, err := st.ListRaw()
			if err != nil {
				return err
			}
			swept := 0
			for _, info := range infos {
				sess, err := st.OpenSession(info.SessionID)
				if err != nil {
					continue
				}
				n, err := sess.SweepTemp()
				if err != nil {
					logger.Printf("listener: nettoyage de %s: %v", info.SessionID, err)
				}
				swept += n
			}
			fmt.Printf("%d session(s) supprimée(s), %d fichier(s) temporaire(s) balayé(s)\n", len(removed), swept)
			return nil
		},
	}
	cleanup.Flags().IntVar(&olderThanDays, "older-than", 30, "âge minimum en jours")

	cmd.AddCommand(list, del, cleanup)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Affiche la version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("listener %s\n", version)
		},
	}
}

func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
