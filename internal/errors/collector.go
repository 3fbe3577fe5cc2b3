package errors

import (
	"sync"
)

// ErrorCollector accumulates diagnostic messages from concurrent producers.
// Messages are kept in arrival order.
type ErrorCollector struct {
	messages []string
	errors   []error
	mutex    sync.RWMutex
}

// NewErrorCollector creates a new error collector.
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		messages: make([]string, 0),
		errors:   make([]error, 0),
	}
}

// Add records err and its rendered message.
func (ec *ErrorCollector) Add(message string, err error) {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.messages = append(ec.messages, message)
	if err != nil {
		ec.errors = append(ec.errors, err)
	}
}

// Messages returns a copy of all collected messages.
func (ec *ErrorCollector) Messages() []string {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	result := make([]string, len(ec.messages))
	copy(result, ec.messages)
	return result
}

// Err returns every collected error combined, or nil.
func (ec *ErrorCollector) Err() error {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return Combine(ec.errors...)
}

// HasErrors returns true if any message was collected.
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return len(ec.messages) > 0
}

// Len returns the number of collected messages.
func (ec *ErrorCollector) Len() int {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return len(ec.messages)
}
