// Package notify delivers user-facing notifications for verification events.
// Delivery is fire-and-forget: a missing or failing backend never affects the
// state machine.
package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/harrison/taskproof/internal/logger"
	"github.com/harrison/taskproof/internal/metrics"
	"github.com/harrison/taskproof/internal/models"
)

// EventType names a notification.
type EventType string

const (
	EventTaskStart           EventType = "task_start"
	EventTaskEnding          EventType = "task_ending"
	EventVerificationSuccess EventType = "verification_success"
	EventVerificationFailed  EventType = "verification_failed"
	EventTimeoutPenalty      EventType = "timeout_penalty"
	EventHardAlert           EventType = "hard_alert"
)

// Event is the payload every backend receives.
type Event struct {
	Type        EventType    `json:"type"`
	TaskID      string       `json:"taskId"`
	TaskLabel   string       `json:"taskLabel"`
	Phase       models.Phase `json:"phase,omitempty"`
	MinutesLeft int          `json:"minutesLeft,omitempty"`
	Gold        int          `json:"gold,omitempty"`
	Message     string       `json:"message"`
	At          time.Time    `json:"at"`
}

// Sender delivers events. Implementations must not block the caller.
type Sender interface {
	Send(ev Event)
}

// WebhookConfig configures the webhook client.
type WebhookConfig struct {
	Enabled bool
	URL     string
	Timeout time.Duration
	// MaxInFlight caps concurrent deliveries; extra events are dropped.
	MaxInFlight int
}

// WebhookClient posts events as JSON with a lazy, cached health check.
type WebhookClient struct {
	config     WebhookConfig
	httpClient *http.Client
	available  bool
	once       sync.Once
	inflight   sync.WaitGroup
	slots      chan struct{}
	log        logger.Logger
}

// NewWebhookClient creates a client. The HTTP timeout comes from cfg.
func NewWebhookClient(cfg WebhookConfig, log logger.Logger) *WebhookClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	return &WebhookClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		slots:      make(chan struct{}, cfg.MaxInFlight),
		log:        logger.OrNop(log),
	}
}

// CheckHealth reports whether the endpoint answers at all. Webhook receivers
// often reject GET, so anything below 500 counts as reachable.
func (c *WebhookClient) CheckHealth() bool {
	resp, err := c.httpClient.Get(c.config.URL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// IsAvailable runs the health check once and caches the answer.
func (c *WebhookClient) IsAvailable() bool {
	if !c.config.Enabled || c.config.URL == "" {
		return false
	}
	c.once.Do(func() {
		c.available = c.CheckHealth()
		if !c.available {
			c.log.Warnf("notification webhook %s unreachable, notifications disabled", c.config.URL)
		}
	})
	return c.available
}

// Send posts ev in the background and returns at once, including on the
// first call while the health check is still running. When MaxInFlight
// deliveries are pending the event is dropped. Errors are counted and
// logged at debug.
func (c *WebhookClient) Send(ev Event) {
	if !c.config.Enabled || c.config.URL == "" {
		return
	}
	select {
	case c.slots <- struct{}{}:
	default:
		metrics.NotificationsDropped.Inc()
		c.log.Debugf("notification %s for task %s: too many in flight", ev.Type, ev.TaskID)
		return
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer func() { <-c.slots }()

		if !c.IsAvailable() {
			return
		}
		body, err := json.Marshal(ev)
		if err != nil {
			return
		}
		req, err := http.NewRequest(http.MethodPost, c.config.URL, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.NotificationsDropped.Inc()
			c.log.Debugf("notification %s for task %s: %v", ev.Type, ev.TaskID, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			metrics.NotificationsDropped.Inc()
			c.log.Debugf("notification %s for task %s: status %d", ev.Type, ev.TaskID, resp.StatusCode)
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (c *WebhookClient) Wait() {
	c.inflight.Wait()
}

// LogSender writes events to a logger.
type LogSender struct {
	log logger.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(log logger.Logger) *LogSender {
	return &LogSender{log: logger.OrNop(log)}
}

func (s *LogSender) Send(ev Event) {
	s.log.Infof("notify [%s] %s", ev.Type, ev.Message)
}

// MultiSender fans out to several senders.
type MultiSender []Sender

func (m MultiSender) Send(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Send(ev)
		}
	}
}
