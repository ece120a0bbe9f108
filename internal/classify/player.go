package classify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Player plays a block's audio through an external player subprocess. On
// headless hosts without the player installed, Play fails with a readable
// message and annotation continues without sound.
type Player struct {
	command string
}

// NewPlayer creates a player using the given command ("ffplay" when
// empty).
func NewPlayer(command string) *Player {
	if command == "" {
		command = "ffplay"
	}
	return &Player{command: command}
}

// Available reports whether the player command can be found.
func (p *Player) Available() bool {
	_, err := exec.LookPath(p.command)
	return err == nil
}

// Play plays the file at path, blocking until playback finishes or ctx is
// canceled.
func (p *Player) Play(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, p.command, "-nodisp", "-autoexit", "-loglevel", "quiet", path)
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("lecteur audio %q introuvable (installez ffmpeg ou configurez player_command)", p.command)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return fmt.Errorf("lecture de %s: %s", path, strings.TrimSpace(string(exitErr.Stderr)))
	}
	return fmt.Errorf("lecture de %s: %w", path, err)
}
