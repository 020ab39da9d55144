package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Embed colors.
const (
	ColorGreen  = 0x2ECC71
	ColorRed    = 0xE74C3C
	ColorYellow = 0xF1C40F
	ColorBlue   = 0x3498DB
)

// Notifier posts trade and fault alerts to a Discord webhook. All sends
// are fire-and-forget: a dead webhook must never slow down or fail a
// trading cycle.
type Notifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		enabled:    webhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Notifier) Enabled() bool { return n.enabled }

// Send posts one embed asynchronously. Failures are logged and dropped.
func (n *Notifier) Send(title, message string, color int) {
	if !n.enabled {
		return
	}
	go func() {
		if err := n.send(title, message, color); err != nil {
			log.Printf("⚠️  webhook delivery failed: %v", err)
		}
	}()
}

// TradeOpened announces a confirmed fill on a new position.
func (n *Notifier) TradeOpened(instrument, side string, size, price float64, leverage int) {
	n.Send("Position Opened",
		fmt.Sprintf("**%s** %s %.6g @ %.6g (%dx)", instrument, side, size, price, leverage),
		ColorGreen)
}

// TradeClosed announces a full or partial close.
func (n *Notifier) TradeClosed(instrument, reason string, size, price float64) {
	n.Send("Position Closed",
		fmt.Sprintf("**%s** closed %.6g @ %.6g (%s)", instrument, size, price, reason),
		ColorBlue)
}

// StopTriggered announces a protective exit fill.
func (n *Notifier) StopTriggered(instrument string, size, price float64) {
	n.Send("Stop Loss Triggered",
		fmt.Sprintf("**%s** stop filled %.6g @ %.6g", instrument, size, price),
		ColorRed)
}

// Degraded announces a cycle that could not complete normally.
func (n *Notifier) Degraded(instrument, reason string) {
	n.Send("Cycle Degraded",
		fmt.Sprintf("**%s**: %s", instrument, reason),
		ColorYellow)
}

func (n *Notifier) send(title, message string, color int) error {
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"color":       color,
				"footer": map[string]string{
					"text": "Aegis Trading Loop",
				},
				"timestamp": time.Now().Format(time.RFC3339),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := n.client.Post(n.webhookURL, "application/json", bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
