package livereload

import (
	"time"

	"github.com/conneroisu/buildwatch/internal/results"
)

// Message types sent to browsers.
const (
	TypeFullReload      = "full-reload"
	TypeUpdate          = "update"
	TypeComponentUpdate = "component-update"
	TypeError           = "error"
)

// ComponentUpdate is one hot update payload.
type ComponentUpdate struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Message represents a message sent to the browser
type Message struct {
	Type       string            `json:"type"`
	BuildID    string            `json:"buildId,omitempty"`
	Background bool              `json:"background,omitempty"`
	Files      []string          `json:"files,omitempty"`
	Removed    []string          `json:"removed,omitempty"`
	Updates    []ComponentUpdate `json:"updates,omitempty"`
	Errors     []string          `json:"errors,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// MessageFor converts a build result into the message browsers act on. A
// full result or a hard incremental delta reloads the page; a background
// delta lists the files to swap in place.
func MessageFor(res results.Result) Message {
	msg := Message{BuildID: res.BuildID, Timestamp: time.Now()}
	switch res.Kind {
	case results.KindFailure:
		msg.Type = TypeError
		msg.Errors = res.Errors
	case results.KindComponentUpdate:
		msg.Type = TypeComponentUpdate
		for _, u := range res.Updates {
			msg.Updates = append(msg.Updates, ComponentUpdate{ID: u.ID, Type: u.Type, Content: u.Content})
		}
	case results.KindIncremental:
		if !res.Background {
			msg.Type = TypeFullReload
			break
		}
		msg.Type = TypeUpdate
		msg.Background = true
		msg.Files = res.Changed()
		for _, r := range res.Removed {
			msg.Removed = append(msg.Removed, r.Path)
		}
	default:
		msg.Type = TypeFullReload
	}
	return msg
}
