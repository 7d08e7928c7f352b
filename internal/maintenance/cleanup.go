package maintenance

import (
	"context"
	"log"
)

// CleanupJobName is the name of the orphan-cleanup job
const CleanupJobName = "cleanup-orphans"

// Cleaner removes workspace directories nothing owns anymore
type Cleaner interface {
	CleanupOrphans(ctx context.Context) ([]string, error)
}

// CleanupJob removes orphaned workspace directories on schedule. Registered
// workspaces are never touched, so it is safe while runs are active.
func CleanupJob(c Cleaner, schedule string) Job {
	return Job{
		Name: CleanupJobName,
		Cron: schedule,
		Run: func(ctx context.Context) error {
			removed, err := c.CleanupOrphans(ctx)
			if len(removed) > 0 {
				log.Printf("[maintenance] removed %d orphaned workspace(s)", len(removed))
			}
			return err
		},
	}
}
