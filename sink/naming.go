package sink

import "strings"

// Topic placeholders accepted in collection.format.
var topicPlaceholders = []string{"${topic}", "{$topic}"}

const DefaultCollectionFormat = "{$topic}"

// Namer derives a collection name from a record topic.
type Namer struct {
	format string
}

func NewNamer(format string) Namer {
	if format == "" {
		format = DefaultCollectionFormat
	}
	return Namer{format: format}
}

func (n Namer) Collection(topic string) string {
	out := n.format
	for _, p := range topicPlaceholders {
		out = strings.ReplaceAll(out, p, topic)
	}
	return out
}
