package collab

import (
	"sync"
	"time"
)

// testClock is a manually advanced clock. After channels never fire;
// tests drive time-dependent paths directly.
type testClock struct {
	stateLock sync.Mutex
	now       time.Time
}

func newTestClock() *testClock {
	return &testClock{
		now: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (self *testClock) Now() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.now
}

func (self *testClock) Advance(d time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.now = self.now.Add(d)
}

func (self *testClock) After(d time.Duration) <-chan time.Time {
	return make(chan time.Time)
}
