package collab

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on read so callers can iterate without the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	callbacks map[int]T
	order     []int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]T, 0, len(self.order))
	for _, callbackId := range self.order {
		out = append(out, self.callbacks[callbackId])
	}
	return out
}

// Add registers the callback and returns the unsubscribe function.
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbacks[callbackId] = callback
	self.order = append(self.order, callbackId)
	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		return
	}
	delete(self.callbacks, callbackId)
	i := slices.Index(self.order, callbackId)
	if 0 <= i {
		self.order = slices.Delete(slices.Clone(self.order), i, i+1)
	}
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	maps.Clear(self.callbacks)
	self.order = nil
}

// Clock lets the session and manager state machines run against fake
// time in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (self *systemClock) Now() time.Time {
	return time.Now()
}

func (self *systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
