package optimization

// HeldStudyLocks returns the number of studies with a run holding or waiting
// for their lock.
func HeldStudyLocks(e *SearchEngine) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.locks)
}
