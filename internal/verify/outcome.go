package verify

import (
	"time"

	"github.com/harrison/taskproof/internal/models"
)

// Outcome reports what a submission or bypass action did.
type Outcome struct {
	TaskID          string                    `json:"taskId"`
	Phase           models.Phase              `json:"phase"`
	Status          models.VerificationStatus `json:"status"`
	Success         bool                      `json:"success"`
	Kind            Kind                      `json:"kind,omitempty"`
	GoldAwarded     int                       `json:"goldAwarded"`
	GoldPenalized   int                       `json:"goldPenalized"`
	PhotoURL        string                    `json:"photoUrl,omitempty"`
	MatchedKeywords []string                  `json:"matchedKeywords,omitempty"`
	MatchedFraction float64                   `json:"matchedFraction"`
	Description     string                    `json:"description,omitempty"`
	Suggestions     []string                  `json:"suggestions,omitempty"`
	FailureStreak   int                       `json:"failureStreak"`
	HardAlert       bool                      `json:"hardAlert"`
	SavedPercentage float64                   `json:"savedPercentage,omitempty"`
}

// Status is a point-in-time view of a task's verification.
type Status struct {
	Record           *models.VerificationRecord `json:"record"`
	ActiveDeadline   *time.Time                 `json:"activeDeadline,omitempty"`
	Remaining        time.Duration              `json:"-"`
	RemainingSeconds int                        `json:"remainingSeconds"`
	Uploading        bool                       `json:"uploading"`
}
