package store

import "antrian/queue-service/internal/models"

var transitionMap = map[string][]string{
	"call_next":     {models.StatusWaiting},
	"recall":        {models.StatusCalled, models.StatusServing},
	"start_serving": {models.StatusCalled},
	"serve":         {models.StatusCalled, models.StatusServing},
	"skip":          {models.StatusWaiting, models.StatusCalled, models.StatusServing},
	"cancel":        {models.StatusWaiting},
}

// AllowedStatuses returns the statuses an action may start from. The slice is
// shared; callers must not mutate it.
func AllowedStatuses(action string) []string {
	return transitionMap[action]
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
