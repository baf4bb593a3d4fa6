package protocol

import (
	"strings"
)

// TopicKind discriminates the Topic variants
type TopicKind int

const (
	// KindAll is the catch-all topic
	KindAll TopicKind = iota
	// KindGeneric is a named topic such as "navigation" or "filesystem"
	KindGeneric
	// KindDataSource is a topic parameterized by a data source name
	KindDataSource
	// KindDirect addresses exactly one connection
	KindDirect
)

const (
	// TopicNameAll is the subscription string matching every published topic
	TopicNameAll = "all"
	// TopicNameNavigation is the well-known navigation topic
	TopicNameNavigation = "navigation"
	// TopicNameFileSystem is the well-known filesystem topic
	TopicNameFileSystem = "filesystem"

	dataPrefix   = "data:"
	directPrefix = "direct:"
)

func (k TopicKind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindDataSource:
		return "data"
	case KindDirect:
		return "direct"
	default:
		return "all"
	}
}

// Topic is a routing key used to match published messages to connections.
// Topic values are comparable and safe to use as map keys.
type Topic struct {
	kind TopicKind
	name string
	id   ConnectionID
}

var (
	// Navigation is the topic for navigation changes
	Navigation = Generic(TopicNameNavigation)
	// FileSystem is the topic for file system events
	FileSystem = Generic(TopicNameFileSystem)
)

// All returns the catch-all topic
func All() Topic {
	return Topic{kind: KindAll}
}

// Generic returns a named topic
func Generic(name string) Topic {
	return Topic{kind: KindGeneric, name: name}
}

// DataSource returns the topic for updates from the given source
func DataSource(source string) Topic {
	return Topic{kind: KindDataSource, name: source}
}

// Direct returns the topic addressing a single connection
func Direct(id ConnectionID) Topic {
	return Topic{kind: KindDirect, id: id}
}

// Kind returns the variant of the topic
func (t Topic) Kind() TopicKind {
	return t.kind
}

// Name returns the generic topic name or the data source name
func (t Topic) Name() string {
	return t.name
}

// Target returns the addressed connection of a Direct topic
func (t Topic) Target() (ConnectionID, bool) {
	return t.id, t.kind == KindDirect
}

// String returns the canonical form, which is also the subscription string
// clients use on the wire.
func (t Topic) String() string {
	switch t.kind {
	case KindGeneric:
		return t.name
	case KindDataSource:
		return dataPrefix + t.name
	case KindDirect:
		return directPrefix + t.id.String()
	default:
		return TopicNameAll
	}
}

// ParseTopic converts a subscription string into a Topic.
//
// Unknown strings resolve to All, and so does a direct topic whose id is not
// a valid UUID. Clients rely on this fallback, so it is not reported as an error.
func ParseTopic(s string) Topic {
	switch {
	case s == TopicNameNavigation:
		return Navigation
	case s == TopicNameFileSystem:
		return FileSystem
	case s == TopicNameAll:
		return All()
	case strings.HasPrefix(s, dataPrefix):
		return DataSource(strings.TrimPrefix(s, dataPrefix))
	case strings.HasPrefix(s, directPrefix):
		id, err := ParseConnectionID(strings.TrimPrefix(s, directPrefix))
		if err != nil {
			return All()
		}
		return Direct(id)
	default:
		return All()
	}
}

// MatchesSubscriptions reports whether a message published on t must be
// delivered to the connection identified by id with the given subscriptions.
func (t Topic) MatchesSubscriptions(id ConnectionID, subscriptions []string) bool {
	if t.kind == KindDirect {
		return t.id == id
	}
	key := t.String()
	for _, s := range subscriptions {
		if s == TopicNameAll || s == key {
			return true
		}
	}
	return false
}
