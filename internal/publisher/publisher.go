// Package publisher defines the completion notification contract shared by
// the Pub/Sub and in-memory publishers.
package publisher

import "context"

// Publisher delivers a JSON-encodable payload to a topic and returns the
// message id assigned by the backend.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Attributer lets a payload contribute message attributes.
type Attributer interface {
	Attributes() map[string]string
}

// AttributesOf returns a copy of the payload's attributes, or an empty map.
func AttributesOf(payload any) map[string]string {
	attrs := make(map[string]string)
	if a, ok := payload.(Attributer); ok {
		for k, v := range a.Attributes() {
			attrs[k] = v
		}
	}
	return attrs
}
