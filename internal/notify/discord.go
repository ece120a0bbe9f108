// Package notify sends operator notifications for session lifecycle
// events. Notifications are best effort: errors are logged, never
// returned, and an unconfigured notifier silently drops everything.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to Discord webhook asynchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}

	go func() {
		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Printf("discord: failed to marshal message: %v", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Printf("discord: failed to create request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Printf("discord: failed to send webhook: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Printf("discord: webhook returned status %d", resp.StatusCode)
		}
	}()
}

// NotifySessionStarted announces a new capture session.
func (d *Discord) NotifySessionStarted(ctx context.Context, sessionID, streamURL string) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Capture démarrée",
			Description: fmt.Sprintf("Session `%s`", sessionID),
			Color:       0x00FF00, // Green
			Fields: []embedField{
				{Name: "Flux", Value: streamURL, Inline: false},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

// NotifySessionStopped reports a cleanly finished session.
func (d *Discord) NotifySessionStopped(ctx context.Context, sessionID string, blocks, failures int, captured time.Duration) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Capture terminée",
			Description: fmt.Sprintf("Session `%s`", sessionID),
			Color:       0x3498DB, // Blue
			Fields: []embedField{
				{Name: "Blocs", Value: fmt.Sprintf("%d", blocks), Inline: true},
				{Name: "Échecs", Value: fmt.Sprintf("%d", failures), Inline: true},
				{Name: "Audio", Value: captured.Round(time.Second).String(), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

// NotifySessionFaulted alerts on an unrecoverable pipeline failure.
func (d *Discord) NotifySessionFaulted(ctx context.Context, sessionID string, cause error) {
	msg := discordMessage{
		Content: "@here",
		Embeds: []discordEmbed{{
			Title:       "Capture en erreur !",
			Description: fmt.Sprintf("La session `%s` s'est arrêtée sur une erreur fatale.", sessionID),
			Color:       0xFF0000, // Red
			Fields: []embedField{
				{Name: "Cause", Value: fmt.Sprintf("`%v`", cause), Inline: false},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}
