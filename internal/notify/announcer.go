package notify

import (
	"fmt"
	"time"

	"github.com/harrison/taskproof/internal/models"
)

// Announcer turns verification events into human-readable notifications.
type Announcer struct {
	sender Sender
	now    func() time.Time
}

// NewAnnouncer creates an Announcer. A nil sender drops everything.
func NewAnnouncer(sender Sender) *Announcer {
	return &Announcer{sender: sender, now: time.Now}
}

func (a *Announcer) send(ev Event) {
	if a == nil || a.sender == nil {
		return
	}
	ev.At = a.now()
	a.sender.Send(ev)
}

func phaseNoun(p models.Phase) string {
	if p == models.PhaseStart {
		return "start"
	}
	return "completion"
}

// TaskStart announces that the start window is open.
func (a *Announcer) TaskStart(task *models.Task) {
	a.send(Event{
		Type:      EventTaskStart,
		TaskID:    task.ID,
		TaskLabel: task.Label(),
		Phase:     models.PhaseStart,
		Message:   fmt.Sprintf("Time to start %q: take a start photo now", task.Label()),
	})
}

// TaskEnding warns that the task deadline is close.
func (a *Announcer) TaskEnding(task *models.Task, minutesLeft int) {
	unit := "minutes"
	if minutesLeft == 1 {
		unit = "minute"
	}
	a.send(Event{
		Type:        EventTaskEnding,
		TaskID:      task.ID,
		TaskLabel:   task.Label(),
		Phase:       models.PhaseCompletion,
		MinutesLeft: minutesLeft,
		Message:     fmt.Sprintf("%q ends in %d %s: submit your completion photo", task.Label(), minutesLeft, unit),
	})
}

// VerificationSuccess announces a passed photo and the gold it earned.
func (a *Announcer) VerificationSuccess(task *models.Task, phase models.Phase, gold int) {
	msg := fmt.Sprintf("%s of %q verified", phaseNoun(phase), task.Label())
	if gold > 0 {
		msg += fmt.Sprintf(", +%d gold", gold)
	}
	a.send(Event{
		Type:      EventVerificationSuccess,
		TaskID:    task.ID,
		TaskLabel: task.Label(),
		Phase:     phase,
		Gold:      gold,
		Message:   msg,
	})
}

// VerificationFailed announces a rejected photo with the reason.
func (a *Announcer) VerificationFailed(task *models.Task, phase models.Phase, reason string) {
	a.send(Event{
		Type:      EventVerificationFailed,
		TaskID:    task.ID,
		TaskLabel: task.Label(),
		Phase:     phase,
		Message:   fmt.Sprintf("%s photo for %q not accepted: %s", phaseNoun(phase), task.Label(), reason),
	})
}

// TimeoutPenalty announces an expired countdown.
func (a *Announcer) TimeoutPenalty(task *models.Task, phase models.Phase, gold int) {
	a.send(Event{
		Type:      EventTimeoutPenalty,
		TaskID:    task.ID,
		TaskLabel: task.Label(),
		Phase:     phase,
		Gold:      gold,
		Message:   fmt.Sprintf("%s deadline for %q missed, -%d gold", phaseNoun(phase), task.Label(), gold),
	})
}

// HardAlert announces the strike penalty after repeated failed photos.
func (a *Announcer) HardAlert(task *models.Task, phase models.Phase, gold int) {
	a.send(Event{
		Type:      EventHardAlert,
		TaskID:    task.ID,
		TaskLabel: task.Label(),
		Phase:     phase,
		Gold:      gold,
		Message:   fmt.Sprintf("Too many failed %s photos for %q, -%d gold", phaseNoun(phase), task.Label(), gold),
	})
}
