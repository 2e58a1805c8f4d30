package ledger

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a session or ledger row.
type Status string

const (
	StatusPending Status = "pending"
	StatusParsed  Status = "parsed"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

var statusRank = map[Status]int{
	StatusPending: 0,
	StatusParsed:  1,
	StatusDone:    2,
}

// ParseStatus validates a raw status value. Blank input is pending.
func ParseStatus(raw string) (Status, error) {
	value := Status(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return StatusPending, nil
	}
	switch value {
	case StatusPending, StatusParsed, StatusDone, StatusError:
		return value, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrMalformedInput, raw)
}

// CanTransition reports whether a session may move from current to next. Statuses only move
// forward, error is reachable from anywhere and never left.
func CanTransition(current, next Status) bool {
	if current == StatusError {
		return next == StatusError
	}
	if next == StatusError {
		return true
	}
	return statusRank[next] >= statusRank[current]
}

// Field names an editable ledger column.
type Field string

const (
	FieldTitle     Field = "title"
	FieldOrganizer Field = "organizer"
	FieldDate      Field = "date"
	FieldLocation  Field = "location"
	FieldFee       Field = "fee"
	FieldPhones    Field = "phones"
	FieldContacts  Field = "contacts"
	FieldStatus    Field = "status"
)

// ParseField validates a field name.
func ParseField(raw string) (Field, error) {
	field := Field(strings.ToLower(strings.TrimSpace(raw)))
	switch field {
	case FieldTitle, FieldOrganizer, FieldDate, FieldLocation, FieldFee, FieldPhones, FieldContacts, FieldStatus:
		return field, nil
	}
	return "", fmt.Errorf("%w: unknown field %q", ErrMalformedInput, raw)
}

// Session persists a SessionRecord.
type Session struct {
	SessionID        string `gorm:"column:session_id;primaryKey;size:190;not null"`
	ArchiveRef       string `gorm:"column:archive_ref;size:255;not null;default:''"`
	Username         string `gorm:"column:username;size:190;not null;default:''"`
	ProfileURL       string `gorm:"column:profile_url;size:512;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	TotalPosts       int    `gorm:"column:total_posts;not null;default:0"`
	Status           Status `gorm:"column:status;size:16;not null;default:'pending'"`
	StatusAtSeconds  int64  `gorm:"column:status_at_s;not null"`
	Synced           bool   `gorm:"column:synced;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "ledger_sessions"
}

// ArchivePost is the immutable capture-time record of one post.
type ArchivePost struct {
	SessionID        string  `gorm:"column:session_id;primaryKey;size:190;not null"`
	PostIndex        int     `gorm:"column:post_index;primaryKey;not null"`
	PostURL          string  `gorm:"column:post_url;size:512;not null;default:''"`
	RawCaption       string  `gorm:"column:raw_caption;type:text;not null;default:''"`
	RawDate          string  `gorm:"column:raw_date;size:64;not null;default:''"`
	ImageURL         string  `gorm:"column:image_url;type:text;not null;default:''"`
	EventTitle       *string `gorm:"column:event_title;type:text"`
	Organizer        *string `gorm:"column:organizer;type:text"`
	EventDate        *string `gorm:"column:event_date;type:text"`
	Location         *string `gorm:"column:location;type:text"`
	Fee              *string `gorm:"column:fee;type:text"`
	PhoneNumbers     string  `gorm:"column:phone_numbers;type:text;not null;default:''"`
	ContactPersons   string  `gorm:"column:contact_persons;type:text;not null;default:''"`
	Source           string  `gorm:"column:source;size:16;not null"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ArchivePost) TableName() string {
	return "archive_posts"
}

// Snapshot identifies one generation of the editable ledger. The ULID identity embeds the
// creation time so the lexically greatest snapshot of a session is the latest.
type Snapshot struct {
	SnapshotID       string `gorm:"column:snapshot_id;primaryKey;size:26;not null"`
	SessionID        string `gorm:"column:session_id;size:190;not null;index:idx_snapshots_session,priority:1"`
	Origin           string `gorm:"column:origin;size:32;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "ledger_snapshots"
}

// Row is one editable ledger row. Empty strings mean "no override".
type Row struct {
	SnapshotID     string `gorm:"column:snapshot_id;primaryKey;size:26;not null"`
	PostIndex      int    `gorm:"column:post_index;primaryKey;not null"`
	SessionID      string `gorm:"column:session_id;size:190;not null;index"`
	PostURL        string `gorm:"column:post_url;size:512;not null;default:''"`
	Caption        string `gorm:"column:original_caption;type:text;not null;default:''"`
	Title          string `gorm:"column:extracted_title;type:text;not null;default:''"`
	Organizer      string `gorm:"column:extracted_organizer;type:text;not null;default:''"`
	Date           string `gorm:"column:extracted_date;type:text;not null;default:''"`
	Location       string `gorm:"column:extracted_location;type:text;not null;default:''"`
	Fee            string `gorm:"column:registration_fee;type:text;not null;default:''"`
	Phones         string `gorm:"column:phone_numbers;type:text;not null;default:''"`
	Contacts       string `gorm:"column:contact_persons;type:text;not null;default:''"`
	Status         string `gorm:"column:parse_status;size:16;not null;default:''"`
	ParseTimestamp string `gorm:"column:parse_timestamp;size:64;not null;default:''"`
	LastEdited     string `gorm:"column:last_edited;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "ledger_rows"
}

// get reads one editable field from a row.
func (r *Row) get(field Field) string {
	switch field {
	case FieldTitle:
		return r.Title
	case FieldOrganizer:
		return r.Organizer
	case FieldDate:
		return r.Date
	case FieldLocation:
		return r.Location
	case FieldFee:
		return r.Fee
	case FieldPhones:
		return r.Phones
	case FieldContacts:
		return r.Contacts
	case FieldStatus:
		return r.Status
	}
	return ""
}

// set overwrites one editable field on a row.
func (r *Row) set(field Field, value string) {
	switch field {
	case FieldTitle:
		r.Title = value
	case FieldOrganizer:
		r.Organizer = value
	case FieldDate:
		r.Date = value
	case FieldLocation:
		r.Location = value
	case FieldFee:
		r.Fee = value
	case FieldPhones:
		r.Phones = value
	case FieldContacts:
		r.Contacts = value
	case FieldStatus:
		r.Status = value
	}
}

// Models lists the ledger tables for schema migration.
func Models() []any {
	return []any{&Session{}, &ArchivePost{}, &Snapshot{}, &Row{}}
}
