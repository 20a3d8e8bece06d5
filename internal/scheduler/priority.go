package scheduler

// Priorities used across the service. Higher runs first.
const (
	PriorityIdle      int32 = 0
	PriorityPrefetch  int32 = 10
	PriorityUpdate    int32 = 50
	PriorityRequested int32 = 100
)

// FollowUp returns the priority for refinement work spawned by a task that
// ran at p. It sits just below p so the spawning work keeps precedence.
func FollowUp(p int32) int32 {
	return max(p-1, PriorityIdle)
}
