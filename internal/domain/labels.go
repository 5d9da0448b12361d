package domain

import (
	"sort"
	"strings"
)

// UsernamePrefix marks the human-readable ownership hint label.
const UsernamePrefix = "username:"

// LabelScheme names the reserved labels of the shared label namespace.
type LabelScheme struct {
	Queue       string
	Imported    string
	ImportError string
}

// DefaultLabelScheme returns the stock reserved labels.
func DefaultLabelScheme() LabelScheme {
	return LabelScheme{
		Queue:       "audiobook",
		Imported:    "beets",
		ImportError: "beetserror",
	}
}

// LabelSet is the decoded form of a torrent's flat label list. Backends
// convert to and from []string at their boundary; everything else works on
// the fields.
type LabelSet struct {
	scheme LabelScheme

	Queued       bool
	Imported     bool
	ImportFailed bool
	UsernameHint string

	// owner ids and free-form labels
	tags map[string]struct{}
}

// NewSet returns an empty set bound to the scheme.
func (s LabelScheme) NewSet() LabelSet {
	return LabelSet{scheme: s}
}

// Parse decodes a flat label list. Duplicates and empty strings are dropped.
func (s LabelScheme) Parse(raw []string) LabelSet {
	set := s.NewSet()
	for _, label := range raw {
		set = set.With(label)
	}
	return set
}

// Scheme returns the reserved labels the set was decoded with.
func (l LabelSet) Scheme() LabelScheme {
	return l.scheme
}

// Has reports whether the flat label is present.
func (l LabelSet) Has(label string) bool {
	switch {
	case label == "":
		return false
	case label == l.scheme.Queue:
		return l.Queued
	case label == l.scheme.Imported:
		return l.Imported
	case label == l.scheme.ImportError:
		return l.ImportFailed
	case l.UsernameHint != "" && label == UsernamePrefix+l.UsernameHint:
		return true
	}
	_, ok := l.tags[label]
	return ok
}

// With returns a copy of the set with label added.
func (l LabelSet) With(label string) LabelSet {
	out := l.clone()
	switch {
	case label == "":
	case label == l.scheme.Queue:
		out.Queued = true
	case label == l.scheme.Imported:
		out.Imported = true
	case label == l.scheme.ImportError:
		out.ImportFailed = true
	case strings.HasPrefix(label, UsernamePrefix) && len(label) > len(UsernamePrefix) && out.UsernameHint == "":
		out.UsernameHint = strings.TrimPrefix(label, UsernamePrefix)
	default:
		if out.UsernameHint != "" && label == UsernamePrefix+out.UsernameHint {
			break
		}
		out.tags[label] = struct{}{}
	}
	return out
}

// Without returns a copy of the set with label removed.
func (l LabelSet) Without(label string) LabelSet {
	out := l.clone()
	switch {
	case label == "":
	case label == l.scheme.Queue:
		out.Queued = false
	case label == l.scheme.Imported:
		out.Imported = false
	case label == l.scheme.ImportError:
		out.ImportFailed = false
	case out.UsernameHint != "" && label == UsernamePrefix+out.UsernameHint:
		out.UsernameHint = ""
	default:
		delete(out.tags, label)
	}
	return out
}

// WithOwner marks the set as owned by u: the user id label plus the
// username hint.
func (l LabelSet) WithOwner(u User) LabelSet {
	out := l.With(u.ID)
	if u.Username != "" {
		out = out.With(UsernamePrefix + u.Username)
	}
	return out
}

// OwnedBy reports whether the set carries userID as a label.
func (l LabelSet) OwnedBy(userID string) bool {
	if userID == "" {
		return false
	}
	_, ok := l.tags[userID]
	return ok
}

// Tags returns the non-reserved labels, sorted. Owner ids are among them.
func (l LabelSet) Tags() []string {
	out := make([]string, 0, len(l.tags))
	for tag := range l.tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Strings flattens the set back into a sorted label list.
func (l LabelSet) Strings() []string {
	out := l.Tags()
	if l.Queued {
		out = append(out, l.scheme.Queue)
	}
	if l.Imported {
		out = append(out, l.scheme.Imported)
	}
	if l.ImportFailed {
		out = append(out, l.scheme.ImportError)
	}
	if l.UsernameHint != "" {
		out = append(out, UsernamePrefix+l.UsernameHint)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of flat labels.
func (l LabelSet) Len() int {
	return len(l.Strings())
}

func (l LabelSet) clone() LabelSet {
	out := l
	out.tags = make(map[string]struct{}, len(l.tags)+1)
	for tag := range l.tags {
		out.tags[tag] = struct{}{}
	}
	return out
}
