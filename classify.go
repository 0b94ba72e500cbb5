package offlinecache

import "strings"

// Class is the caching policy a request is routed to.
type Class int

const (
	// ClassShell requests are served cache-first from the shell store, with the offline page as fallback.
	ClassShell Class = iota
	// ClassRevalidate requests are served stale-while-revalidate from the data store.
	ClassRevalidate
	// ClassBypass requests always go to the network and are never stored.
	ClassBypass
)

func (c Class) String() string {
	switch c {
	case ClassBypass:
		return "bypass"
	case ClassRevalidate:
		return "revalidate"
	default:
		return "shell"
	}
}

const apiPrefix = "/api/"

type route struct {
	match func(path string) bool
	class Class
}

// Classifier maps request paths to policies.
// Routes are evaluated top-down and the first match wins;
// paths matching no route are shell requests.
type Classifier struct {
	routes []route
}

// NewClassifier creates the classifier for the given exclusion prefixes.
// Excluded paths are matched before anything else.
func NewClassifier(exclusionPrefixes []string) Classifier {
	prefixes := append([]string(nil), exclusionPrefixes...)
	return Classifier{
		routes: []route{
			{match: hasAnyPrefix(prefixes), class: ClassBypass},
			{match: hasAnyPrefix([]string{apiPrefix}), class: ClassRevalidate},
		},
	}
}

// Classify returns the class of a request path.
func (c Classifier) Classify(path string) Class {
	for _, r := range c.routes {
		if r.match(path) {
			return r.class
		}
	}
	return ClassShell
}

func hasAnyPrefix(prefixes []string) func(string) bool {
	return func(path string) bool {
		for _, prefix := range prefixes {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
		return false
	}
}
