// The classifier converts raw capture sessions into per-session SQLite
// databases and drives the interactive block annotation loop.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/lmercier/radioscribe/internal/classify"
	"github.com/lmercier/radioscribe/internal/config"
	"github.com/lmercier/radioscribe/internal/store"
)

const version = "0.3.0"

var cfgFile string

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

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
			defer sentry.Flush(2 * time.Second)
		}
	}

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		logger.Fatalf("classifier: %v", err)
	}
}

func newRootCmd(logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "classifier",
		Short:         "Conversion et annotation des sessions capturées",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "chemin du fichier de configuration")

	root.AddCommand(newConvertCmd(logger))
	root.AddCommand(newListCmd())
	root.AddCommand(newAnnotateCmd(logger))
	root.AddCommand(newVersionCmd())
	return root
}

func openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store.New(cfg.RawDir, cfg.ProcessedDir), nil
}

func newConvertCmd(logger *log.Logger) *cobra.Command {
	var force, all bool
	cmd := &cobra.Command{
		Use:   "convert [session-id]",
		Short: "Convertit une session brute en base SQLite annotable",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			conv := classify.NewConverter(st, logger)

			if all {
				n, err := conv.ConvertAll(force)
				fmt.Printf("%d session(s) convertie(s)\n", n)
				return err
			}
			if len(args) == 0 {
				return fmt.Errorf("indiquez un identifiant de session ou --all")
			}
			dbPath, err := conv.Convert(args[0], force)
			if err != nil {
				return err
			}
			fmt.Printf("Base créée: %s\n", dbPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reconstruit la base même si elle existe (annotations perdues)")
	cmd.Flags().BoolVar(&all, "all", false, "convertit toutes les sessions non converties")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Liste les sessions et leur état de conversion",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			infos, err := st.ListRaw()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("Aucune session.")
				return nil
			}
			for _, info := range infos {
				state := "à convertir"
				if info.Converted {
					state = "converti"
				}
				fmt.Printf("%s  %s  %4d blocs  %s\n",
					info.SessionID, info.StartTime.Format("2006-01-02 15:04"), info.TotalBlocks, state)
			}
			return nil
		},
	}
}

func newAnnotateCmd(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "annotate <session-id>",
		Short: "Annotation interactive des blocs d'une session convertie",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			id := args[0]

			if !st.IsConverted(id) {
				return fmt.Errorf("session %s non convertie (lancez: classifier convert %s)", id, id)
			}

			// Playback needs the raw audio; annotation works without it.
			sessionDir := filepath.Join(st.RawRoot(), id)
			if _, err := os.Stat(sessionDir); err != nil {
				logger.Printf("classifier: session brute absente, lecture audio désactivée")
				sessionDir = ""
			}
			player := classify.NewPlayer(cfg.Classifier.PlayerCommand)
			if sessionDir != "" && !player.Available() {
				logger.Printf("classifier: lecteur audio indisponible, la commande 'l' échouera")
			}

			a, err := classify.NewAnnotator(st.ProcessedPath(id), sessionDir, os.Stdin, os.Stdout, player)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Affiche la version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("classifier %s\n", version)
		},
	}
}

func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
