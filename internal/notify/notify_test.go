package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskproof/internal/models"
)

type captureSender struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSender) Send(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func TestAnnouncer_Messages(t *testing.T) {
	task := &models.Task{ID: "t1", Title: "Morning run"}
	sink := &captureSender{}
	a := NewAnnouncer(sink)

	a.TaskStart(task)
	a.TaskEnding(task, 1)
	a.TaskEnding(task, 5)
	a.VerificationSuccess(task, models.PhaseStart, 50)
	a.VerificationFailed(task, models.PhaseCompletion, "no finish line visible")
	a.TimeoutPenalty(task, models.PhaseStart, 10)
	a.HardAlert(task, models.PhaseStart, 50)

	require.Len(t, sink.events, 7)
	assert.Equal(t, EventTaskStart, sink.events[0].Type)
	assert.Contains(t, sink.events[1].Message, "1 minute:")
	assert.Equal(t, 5, sink.events[2].MinutesLeft)
	assert.Contains(t, sink.events[3].Message, "+50 gold")
	assert.Contains(t, sink.events[4].Message, "no finish line visible")
	assert.Equal(t, EventTimeoutPenalty, sink.events[5].Type)
	assert.Equal(t, EventHardAlert, sink.events[6].Type)
	for _, ev := range sink.events {
		assert.Equal(t, "Morning run", ev.TaskLabel)
		assert.False(t, ev.At.IsZero())
	}
}

func TestAnnouncer_NilSender(t *testing.T) {
	var a *Announcer
	a.TaskStart(&models.Task{ID: "t1"})
	NewAnnouncer(nil).TaskStart(&models.Task{ID: "t1"})
}

func TestWebhookClient_DeliversJSON(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var ev Event
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		received <- ev
	}))
	defer srv.Close()

	c := NewWebhookClient(WebhookConfig{Enabled: true, URL: srv.URL, Timeout: time.Second}, nil)
	assert.True(t, c.IsAvailable(), "405 on GET still means reachable")

	c.Send(Event{Type: EventTaskStart, TaskID: "t1", Message: "go"})
	c.Wait()

	select {
	case ev := <-received:
		assert.Equal(t, "t1", ev.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called")
	}
}

func TestWebhookClient_UnavailableIsSilent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	url := srv.URL
	srv.Close()

	c := NewWebhookClient(WebhookConfig{Enabled: true, URL: url, Timeout: 100 * time.Millisecond}, nil)
	assert.False(t, c.IsAvailable())
	c.Send(Event{Type: EventTaskStart})
	c.Wait()

	disabled := NewWebhookClient(WebhookConfig{Enabled: false, URL: url}, nil)
	assert.False(t, disabled.IsAvailable())
}

func TestWebhookClient_SendNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		<-release
	}))
	defer srv.Close()

	c := NewWebhookClient(WebhookConfig{Enabled: true, URL: srv.URL, Timeout: 5 * time.Second, MaxInFlight: 2}, nil)

	start := time.Now()
	for i := 0; i < 5; i++ {
		c.Send(Event{Type: EventTaskStart, TaskID: "t1"})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "health check and delivery run off the caller")

	close(release)
	c.Wait()
	assert.Equal(t, int32(2), posts.Load(), "events beyond MaxInFlight are dropped")
}

func TestMultiSender(t *testing.T) {
	a, b := &captureSender{}, &captureSender{}
	MultiSender{a, nil, b}.Send(Event{Type: EventHardAlert})
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}
