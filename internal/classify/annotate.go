package classify

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// Categories maps the annotator's digit commands to category names.
var Categories = map[string]string{
	"1": "A classifier",
	"2": "Publicité",
	"3": "Radio",
	"4": "Impossible à classifier",
}

// categoryKeys returns the digit commands in display order.
func categoryKeys() []string {
	keys := make([]string, 0, len(Categories))
	for k := range Categories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Annotator is the interactive console loop over one converted session.
// Input and output are injected so the loop is scriptable in tests.
type Annotator struct {
	db         *sql.DB
	sessionID  string
	sessionDir string // raw session dir, for audio playback
	player     *Player

	in  *bufio.Scanner
	out io.Writer

	current int
	total   int

	hasNotes bool // notes column added lazily on first use
}

// NewAnnotator opens the converted session database at dbPath. sessionDir
// may be empty when the raw session is gone; playback is then disabled.
func NewAnnotator(dbPath, sessionDir string, in io.Reader, out io.Writer, player *Player) (*Annotator, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	a := &Annotator{
		db:         db,
		sessionDir: sessionDir,
		player:     player,
		in:         bufio.NewScanner(in),
		out:        out,
	}

	if err := db.QueryRow(`SELECT COUNT(*) FROM blocks`).Scan(&a.total); err != nil {
		db.Close()
		return nil, fmt.Errorf("count blocks: %w", err)
	}
	if err := db.QueryRow(`SELECT value FROM metadata WHERE key = 'session_id'`).Scan(&a.sessionID); err != nil {
		a.sessionID = strings.TrimSuffix(filepath.Base(dbPath), ".db")
	}
	a.hasNotes = a.columnExists("notes")

	return a, nil
}

// Close releases the database.
func (a *Annotator) Close() error {
	return a.db.Close()
}

// Run drives the annotation loop until the operator quits or every block
// is handled.
func (a *Annotator) Run(ctx context.Context) error {
	if a.total == 0 {
		fmt.Fprintln(a.out, "Aucun bloc dans cette session.")
		return nil
	}

	first, err := a.firstUnannotated()
	if err != nil {
		return err
	}
	if first < 0 {
		fmt.Fprintln(a.out, "✓ Tous les blocs sont déjà annotés !")
		return nil
	}
	a.current = first

	for {
		if err := a.displayBlock(); err != nil {
			return err
		}

		fmt.Fprint(a.out, "\nCommande: ")
		if !a.in.Scan() {
			break
		}
		command := strings.TrimSpace(strings.ToLower(a.in.Text()))

		done, err := a.handleCommand(ctx, command)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}

	return a.showStatistics()
}

func (a *Annotator) handleCommand(ctx context.Context, command string) (quit bool, err error) {
	switch {
	case command == "":
		return false, nil

	case Categories[command] != "":
		if err := a.classify(a.current, Categories[command]); err != nil {
			return false, err
		}
		a.advance(1)
		return false, nil

	case command == "n" || command == "next" || command == "s" || command == "suivant":
		a.advance(1)
		return false, nil

	case command == "p" || command == "prev" || command == "precedent":
		a.advance(-1)
		return false, nil

	case strings.HasPrefix(command, "g"):
		num, convErr := strconv.Atoi(strings.TrimSpace(command[1:]))
		if convErr != nil || num < 0 || num >= a.total {
			fmt.Fprintf(a.out, "Format invalide. Utilisez: g<numéro> (ex: g42, 0-%d)\n", a.total-1)
			return false, nil
		}
		a.current = num
		return false, nil

	case command == "note":
		fmt.Fprint(a.out, "Note: ")
		if !a.in.Scan() {
			return true, nil
		}
		return false, a.addNote(a.current, a.in.Text())

	case command == "l" || command == "lecture":
		a.playCurrent(ctx)
		return false, nil

	case command == "stats" || command == "stat":
		return false, a.showStatistics()

	case command == "h" || command == "help" || command == "?":
		a.showHelp()
		return false, nil

	case command == "q" || command == "quit" || command == "exit":
		return true, nil

	default:
		fmt.Fprintf(a.out, "Commande inconnue: %s (h pour l'aide)\n", command)
		return false, nil
	}
}

func (a *Annotator) advance(delta int) {
	next := a.current + delta
	if next >= 0 && next < a.total {
		a.current = next
	}
}

type annotatedBlock struct {
	Number        int
	Timestamp     string
	AudioPath     string
	Transcription string
	Category      string
	Notes         string
}

func (a *Annotator) getBlock(number int) (annotatedBlock, error) {
	var b annotatedBlock
	var transcription, notes sql.NullString

	query := `SELECT block_number, timestamp, audio_path, transcription, category FROM blocks WHERE block_number = ?`
	if a.hasNotes {
		query = `SELECT block_number, timestamp, audio_path, transcription, category, notes FROM blocks WHERE block_number = ?`
	}

	row := a.db.QueryRow(query, number)
	var err error
	if a.hasNotes {
		err = row.Scan(&b.Number, &b.Timestamp, &b.AudioPath, &transcription, &b.Category, &notes)
	} else {
		err = row.Scan(&b.Number, &b.Timestamp, &b.AudioPath, &transcription, &b.Category)
	}
	if err != nil {
		return b, fmt.Errorf("load block %d: %w", number, err)
	}
	b.Transcription = transcription.String
	b.Notes = notes.String
	return b, nil
}

func (a *Annotator) displayBlock() error {
	b, err := a.getBlock(a.current)
	if err != nil {
		return err
	}

	annotated, err := a.annotatedCount()
	if err != nil {
		return err
	}
	percent := 100 * float64(annotated) / float64(a.total)

	fmt.Fprintf(a.out, "\n═══ %s — bloc %d/%d ═══\n", a.sessionID, b.Number, a.total-1)
	fmt.Fprintf(a.out, "Progression: %d/%d (%.1f%%)\n", annotated, a.total, percent)
	fmt.Fprintf(a.out, "Horodatage: %s\n\n", b.Timestamp)

	transcription := b.Transcription
	if transcription == "" {
		transcription = "(vide)"
	}
	fmt.Fprintf(a.out, "Transcription:\n%s\n\n", transcription)

	if s, ok := Suggest(b.Transcription); ok {
		fmt.Fprintf(a.out, "Suggestion: %s (mots-clés: %s)\n", s.Category, strings.Join(s.Keywords, ", "))
	}

	fmt.Fprintf(a.out, "Catégorie actuelle: %s\n", b.Category)
	if b.Notes != "" {
		fmt.Fprintf(a.out, "Note: %s\n", b.Notes)
	}

	fmt.Fprintln(a.out, "\nCatégories:")
	for _, key := range categoryKeys() {
		marker := " "
		if Categories[key] == b.Category {
			marker = "→"
		}
		fmt.Fprintf(a.out, " %s [%s] %s\n", marker, key, Categories[key])
	}
	fmt.Fprintln(a.out, "\n[N]ext | [P]rev | [G]oto | [L]ecture | Note | Stats | [H]elp | [Q]uit")
	return nil
}

func (a *Annotator) classify(number int, category string) error {
	if _, err := a.db.Exec(`UPDATE blocks SET category = ? WHERE block_number = ?`, category, number); err != nil {
		return fmt.Errorf("classify block %d: %w", number, err)
	}
	return nil
}

func (a *Annotator) addNote(number int, note string) error {
	if !a.hasNotes {
		if _, err := a.db.Exec(`ALTER TABLE blocks ADD COLUMN notes TEXT`); err != nil {
			return fmt.Errorf("add notes column: %w", err)
		}
		a.hasNotes = true
	}
	if _, err := a.db.Exec(`UPDATE blocks SET notes = ? WHERE block_number = ?`, note, number); err != nil {
		return fmt.Errorf("save note for block %d: %w", number, err)
	}
	return nil
}

func (a *Annotator) playCurrent(ctx context.Context) {
	if a.player == nil || a.sessionDir == "" {
		fmt.Fprintln(a.out, "Lecture audio indisponible.")
		return
	}
	b, err := a.getBlock(a.current)
	if err != nil {
		fmt.Fprintf(a.out, "Erreur: %v\n", err)
		return
	}
	if err := a.player.Play(ctx, filepath.Join(a.sessionDir, b.AudioPath)); err != nil {
		fmt.Fprintf(a.out, "Erreur: %v\n", err)
	}
}

// firstUnannotated returns the lowest block number still in the default
// category, or -1 when everything is tagged.
func (a *Annotator) firstUnannotated() (int, error) {
	var num sql.NullInt64
	err := a.db.QueryRow(`SELECT MIN(block_number) FROM blocks WHERE category = ?`, DefaultCategory).Scan(&num)
	if err != nil {
		return 0, fmt.Errorf("find first unannotated: %w", err)
	}
	if !num.Valid {
		return -1, nil
	}
	return int(num.Int64), nil
}

func (a *Annotator) annotatedCount() (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM blocks WHERE category != ?`, DefaultCategory).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count annotated: %w", err)
	}
	return n, nil
}

func (a *Annotator) showStatistics() error {
	rows, err := a.db.Query(`SELECT category, COUNT(*) FROM blocks GROUP BY category ORDER BY COUNT(*) DESC`)
	if err != nil {
		return fmt.Errorf("category stats: %w", err)
	}
	defer rows.Close()

	fmt.Fprintf(a.out, "\nStatistiques — %s\n", a.sessionID)
	annotated := 0
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "  %-25s %d\n", category, count)
		if category != DefaultCategory {
			annotated += count
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Progression: %d/%d (%.1f%%)\n", annotated, a.total, 100*float64(annotated)/float64(a.total))
	return nil
}

func (a *Annotator) showHelp() {
	fmt.Fprintln(a.out, `
Commandes:
  1-4       assigner la catégorie et passer au bloc suivant
  n / s     bloc suivant
  p         bloc précédent
  g<num>    aller au bloc <num> (ex: g42)
  l         écouter l'audio du bloc
  note      attacher une note au bloc
  stats     afficher les statistiques
  h / ?     cette aide
  q         quitter`)
}

func (a *Annotator) columnExists(name string) bool {
	rows, err := a.db.Query(`PRAGMA table_info(blocks)`)
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var colName, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			continue
		}
		if colName == name {
			return true
		}
	}
	return false
}
