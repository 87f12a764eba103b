package event

import (
	"fmt"

	"catlock"
)

// Document categories used to route events to topics.
const (
	CategoryCultureObject = "culture-object"
	CategoryDescription   = "description"
	CategoryCatalog       = "catalog"
	CategoryImportJob     = "import-job"
)

// Topics maps document categories to broker topic names.
type Topics struct {
	CultureObject string
	Description   string
	Catalog       string
	ImportJob     string
}

// DefaultTopics returns topic names prefixed with prefix.
func DefaultTopics(prefix string) Topics {
	return Topics{
		CultureObject: prefix + CategoryCultureObject,
		Description:   prefix + CategoryDescription,
		Catalog:       prefix + CategoryCatalog,
		ImportJob:     prefix + CategoryImportJob,
	}
}

// Category returns the topic for a document category.
func (t Topics) Category(category string) (string, error) {
	var topic string
	switch category {
	case CategoryCultureObject:
		topic = t.CultureObject
	case CategoryDescription:
		topic = t.Description
	case CategoryCatalog:
		topic = t.Catalog
	case CategoryImportJob:
		topic = t.ImportJob
	default:
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidEvent, category)
	}
	if topic == "" {
		return "", fmt.Errorf("%w: no topic configured for %q", ErrInvalidEvent, category)
	}
	return topic, nil
}

// TopicFor returns the topic carrying changes to documents of type tt.
// Digitalizations travel with the cultural object they belong to.
func (t Topics) TopicFor(tt catlock.TargetType) (string, error) {
	switch tt {
	case catlock.TargetCulturalObject, catlock.TargetDigitalization:
		return t.Category(CategoryCultureObject)
	case catlock.TargetDescription:
		return t.Category(CategoryDescription)
	case catlock.TargetCatalog:
		return t.Category(CategoryCatalog)
	case catlock.TargetImportJob:
		return t.Category(CategoryImportJob)
	default:
		return "", fmt.Errorf("%w: %q", catlock.ErrInvalidTargetType, tt)
	}
}

// All returns every configured topic.
func (t Topics) All() []string {
	var out []string
	for _, topic := range []string{t.CultureObject, t.Description, t.Catalog, t.ImportJob} {
		if topic != "" {
			out = append(out, topic)
		}
	}
	return out
}
