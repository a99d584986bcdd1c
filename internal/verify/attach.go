package verify

import (
	"context"

	"github.com/harrison/taskproof/internal/models"
)

// TaskAttachments records verified photo URLs on tasks. It satisfies
// pipeline.AttachmentSink.
type TaskAttachments struct {
	Tasks TaskStore
}

// AddAttachment appends url to the task's attachments.
func (a TaskAttachments) AddAttachment(ctx context.Context, taskID, url string) error {
	_, err := a.Tasks.UpdateTask(ctx, taskID, models.TaskUpdate{AddAttachments: []string{url}})
	return err
}
