package quota

import "sync"

// alertDedup remembers which (department, threshold, window) alerts have
// fired. In-memory is acceptable: a restart re-fires at most one alert
// per threshold, which operators tolerate better than a missed one.
type alertDedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newAlertDedup() *alertDedup {
	return &alertDedup{seen: make(map[string]struct{})}
}

// mark records the alert and reports whether it was new.
func (d *alertDedup) mark(departmentID, kind, window string) bool {
	key := departmentID + "|" + kind + "|" + window

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}
