package paste

import (
	"mime"
	"strings"
)

// Class is the rendering category of a content type.
type Class int

const (
	ClassOther Class = iota
	ClassText
	ClassImage
	ClassObject
)

func (c Class) String() string {
	switch c {
	case ClassText:
		return "text"
	case ClassImage:
		return "image"
	case ClassObject:
		return "object"
	default:
		return "other"
	}
}

// Classifier maps content types onto a Class using configured lists. Entries
// ending in "/*" match any subtype.
type Classifier struct {
	text, image, object typeSet
}

// NewClassifier builds a Classifier. Lists are checked in text, image, object order.
func NewClassifier(text, image, object []string) *Classifier {
	return &Classifier{
		text:   newTypeSet(text),
		image:  newTypeSet(image),
		object: newTypeSet(object),
	}
}

// Classify returns the class for contentType. Parameters such as charset are ignored.
func (c *Classifier) Classify(contentType string) Class {
	mt := mediaType(contentType)
	switch {
	case mt == "":
		return ClassOther
	case c.text.has(mt):
		return ClassText
	case c.image.has(mt):
		return ClassImage
	case c.object.has(mt):
		return ClassObject
	default:
		return ClassOther
	}
}

type typeSet struct {
	exact    map[string]struct{}
	prefixes []string
}

func newTypeSet(types []string) typeSet {
	s := typeSet{exact: make(map[string]struct{}, len(types))}
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if strings.HasSuffix(t, "/*") {
			s.prefixes = append(s.prefixes, strings.TrimSuffix(t, "*"))
			continue
		}
		s.exact[t] = struct{}{}
	}
	return s
}

func (s typeSet) has(mt string) bool {
	if _, ok := s.exact[mt]; ok {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(mt, p) {
			return true
		}
	}
	return false
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
