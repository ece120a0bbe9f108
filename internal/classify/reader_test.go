package classify

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadBlocksFromManifest(t *testing.T) {
	st := testStore(t)
	sess := writeFixtureSession(t, st, "session_2026-03-01_08-00-00", []fixtureBlock{
		{seq: 0, text: "premier bloc", status: "ok"},
		{seq: 1, text: "deuxième bloc", status: "partial"},
	})

	blocks, err := ReadBlocks(sess)
	if err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(blocks))
	}

	if blocks[0].Number != 0 || blocks[0].Transcription != "premier bloc" {
		t.Errorf("block 0 = %+v", blocks[0])
	}
	if blocks[0].Timestamp != "2026-03-01T08:00:00Z" {
		t.Errorf("block 0 timestamp = %q", blocks[0].Timestamp)
	}
	if blocks[1].Timestamp != "2026-03-01T08:00:10Z" {
		t.Errorf("block 1 timestamp = %q", blocks[1].Timestamp)
	}
	if blocks[1].Status != "partial" {
		t.Errorf("block 1 status = %q", blocks[1].Status)
	}
}

func TestReadBlocksFallsBackToScan(t *testing.T) {
	st := testStore(t)
	sess := writeFixtureSession(t, st, "session_2026-03-01_08-00-00", nil)

	// No manifest entries; drop files straight into blocks/ as an
	// interrupted pre-manifest session would have them.
	for _, name := range []string{"block_0000", "block_0001"} {
		if err := os.WriteFile(filepath.Join(sess.BlocksDir(), name+".wav"), []byte("RIFF"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	transcript := "# Timestamp: 2026-03-01T08:00:00Z\n# Language: fr\n# Segments: 0\n\n## Full Transcription\nretrouvé par balayage\n"
	if err := os.WriteFile(filepath.Join(sess.BlocksDir(), "block_0000.txt"), []byte(transcript), 0o644); err != nil {
		t.Fatal(err)
	}

	blocks, err := ReadBlocks(sess)
	if err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(blocks))
	}
	if blocks[0].Transcription != "retrouvé par balayage" {
		t.Errorf("block 0 transcription = %q", blocks[0].Transcription)
	}
	if blocks[0].Timestamp != "2026-03-01T08:00:00Z" {
		t.Errorf("block 0 timestamp = %q", blocks[0].Timestamp)
	}
	// Block 1 has no transcript; its timestamp comes from the file mtime.
	if blocks[1].Number != 1 || blocks[1].Timestamp == "" {
		t.Errorf("block 1 = %+v", blocks[1])
	}
}

func TestParseTranscriptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "block_0000.txt")
	content := `# Timestamp: 2026-03-01T08:00:00Z
# Language: fr
# Segments: 2

## Full Transcription
première ligne
deuxième ligne

## Segments
[0.00s - 4.20s] première ligne
[4.20s - 9.80s] deuxième ligne
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	ts, lang, text, err := parseTranscriptFile(path)
	if err != nil {
		t.Fatalf("parseTranscriptFile: %v", err)
	}
	if ts != "2026-03-01T08:00:00Z" {
		t.Errorf("timestamp = %q", ts)
	}
	if lang != "fr" {
		t.Errorf("language = %q", lang)
	}
	if text != "première ligne\ndeuxième ligne" {
		t.Errorf("text = %q", text)
	}
}

func TestParseTranscriptFileMissing(t *testing.T) {
	if _, _, _, err := parseTranscriptFile(filepath.Join(t.TempDir(), "nope.txt")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
