package models

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var placeholderPattern = regexp.MustCompile(`\(\(([^()]+)\)\)`)

// Template is a reusable broadcast body with ((placeholder)) fields
type Template struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ServiceID uuid.UUID  `gorm:"type:uuid;not null;index:idx_templates_service_id" json:"service_id"`
	Name      string     `gorm:"size:255;not null" json:"name"`
	Content   string     `gorm:"type:text;not null" json:"content"`
	Version   int        `gorm:"not null;default:1" json:"version"`
	Archived  bool       `gorm:"not null;default:false" json:"archived"`
	CreatedAt time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// TableName returns the table name for the model
func (Template) TableName() string {
	return "templates"
}

// BeforeCreate is called before creating a new record
func (t *Template) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = utils.UTCNow()
	}
	return nil
}

// Placeholders returns the distinct placeholder names in the template body, sorted
func (t *Template) Placeholders() []string {
	seen := make(map[string]struct{})
	for _, m := range placeholderPattern.FindAllStringSubmatch(t.Content, -1) {
		seen[strings.TrimSpace(m[1])] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render fills every placeholder from personalisation. Placeholder names match case-insensitively.
func (t *Template) Render(personalisation map[string]string) (string, error) {
	values := make(map[string]string, len(personalisation))
	for k, v := range personalisation {
		values[strings.ToLower(strings.TrimSpace(k))] = v
	}

	var missing []string
	rendered := placeholderPattern.ReplaceAllStringFunc(t.Content, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		v, ok := values[strings.ToLower(name)]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing personalisation: %s", strings.Join(missing, ", "))
	}
	return rendered, nil
}
