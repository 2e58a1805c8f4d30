package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arachnova/eventscout/internal/phones"
)

// PostView is one merged post: archive defaults overlaid with non-empty ledger values.
type PostView struct {
	PostIndex      int    `json:"post_index"`
	PostURL        string `json:"post_url"`
	Caption        string `json:"caption"`
	RawDate        string `json:"raw_date"`
	ImageURL       string `json:"image_url"`
	Source         string `json:"source"`
	Title          string `json:"title"`
	Organizer      string `json:"organizer"`
	Date           string `json:"date"`
	Location       string `json:"location"`
	Fee            string `json:"fee"`
	Phones         string `json:"phones"`
	Contacts       string `json:"contacts"`
	Status         Status `json:"status"`
	ParseTimestamp string `json:"parse_timestamp"`
	LastEdited     string `json:"last_edited"`
	Synthesized    bool   `json:"synthesized"`
}

// PhoneList splits the canonical phone string.
func (p PostView) PhoneList() []string {
	return phones.Split(p.Phones)
}

// SessionView is the authoritative merged view of one session.
type SessionView struct {
	Session    Session    `json:"session"`
	SnapshotID string     `json:"snapshot_id"`
	Posts      []PostView `json:"posts"`
}

// GetSessionView merges the archive with the latest ledger snapshot. Older snapshots are
// never consulted; archive posts without a ledger row appear as pending defaults.
func (s *Service) GetSessionView(ctx context.Context, sessionID string) (SessionView, error) {
	var view SessionView
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.loadView(tx, sessionID)
		if err != nil {
			return err
		}
		view = loaded
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logError(opGetSessionView, "load_failed", err, zap.String("session_id", sessionID))
		}
		return SessionView{}, newServiceError(opGetSessionView, "load_failed", err)
	}
	return view, nil
}

// PendingPosts lists posts still pending whose captions are longer than minCaption runes.
func (s *Service) PendingPosts(ctx context.Context, sessionID string, minCaption int) ([]PostView, error) {
	view, err := s.GetSessionView(ctx, sessionID)
	if err != nil {
		return nil, newServiceError(opPendingPosts, "view_failed", err)
	}
	pending := make([]PostView, 0, len(view.Posts))
	for _, post := range view.Posts {
		if post.Status != StatusPending {
			continue
		}
		if utf8.RuneCountInString(strings.TrimSpace(post.Caption)) <= minCaption {
			continue
		}
		pending = append(pending, post)
	}
	return pending, nil
}

func (s *Service) loadView(tx *gorm.DB, sessionID string) (SessionView, error) {
	session, err := loadArchiveSession(tx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	posts, err := loadArchivePosts(tx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	snapshot, found, err := latestSnapshot(tx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	rows := map[int]Row{}
	if found {
		loaded, err := loadRows(tx, snapshot.SnapshotID)
		if err != nil {
			return SessionView{}, err
		}
		for _, row := range loaded {
			rows[row.PostIndex] = row
		}
	}
	view := SessionView{Session: session, Posts: make([]PostView, 0, len(posts))}
	if found {
		view.SnapshotID = snapshot.SnapshotID
	}
	for _, post := range posts {
		row, ok := rows[post.PostIndex]
		view.Posts = append(view.Posts, mergePost(post, row, ok))
	}
	return view, nil
}

// mergePost applies "ledger overrides when non-empty" to every editable field.
func mergePost(post ArchivePost, row Row, hasRow bool) PostView {
	defaults := defaultRow("", post)
	merged := PostView{
		PostIndex:   post.PostIndex,
		PostURL:     post.PostURL,
		Caption:     post.RawCaption,
		RawDate:     post.RawDate,
		ImageURL:    post.ImageURL,
		Source:      post.Source,
		Synthesized: !hasRow,
	}
	resolve := func(field Field) string {
		if hasRow {
			if value := row.get(field); value != "" {
				return value
			}
		}
		return defaults.get(field)
	}
	merged.Title = resolve(FieldTitle)
	merged.Organizer = resolve(FieldOrganizer)
	merged.Date = resolve(FieldDate)
	merged.Location = resolve(FieldLocation)
	merged.Fee = resolve(FieldFee)
	merged.Phones = resolve(FieldPhones)
	merged.Contacts = resolve(FieldContacts)
	merged.Status = Status(resolve(FieldStatus))
	if hasRow {
		merged.ParseTimestamp = row.ParseTimestamp
		merged.LastEdited = row.LastEdited
	}
	return merged
}

// defaultRow renders archive-derived values as a pending ledger row.
func defaultRow(snapshotID string, post ArchivePost) Row {
	date := deref(post.EventDate)
	if date == "" {
		date = post.RawDate
	}
	return Row{
		SnapshotID: snapshotID,
		PostIndex:  post.PostIndex,
		SessionID:  post.SessionID,
		PostURL:    post.PostURL,
		Caption:    post.RawCaption,
		Title:      deref(post.EventTitle),
		Organizer:  deref(post.Organizer),
		Date:       date,
		Location:   deref(post.Location),
		Fee:        deref(post.Fee),
		Phones:     post.PhoneNumbers,
		Contacts:   post.ContactPersons,
		Status:     string(StatusPending),
	}
}

func loadArchivePosts(tx *gorm.DB, sessionID string) ([]ArchivePost, error) {
	var posts []ArchivePost
	if err := tx.Where("session_id = ?", sessionID).Order("post_index ASC").Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

func latestSnapshot(tx *gorm.DB, sessionID string) (Snapshot, bool, error) {
	var snapshot Snapshot
	err := tx.Where("session_id = ?", sessionID).Order("snapshot_id DESC").Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	return snapshot, true, nil
}

func loadRows(tx *gorm.DB, snapshotID string) ([]Row, error) {
	var rows []Row
	if err := tx.Where("snapshot_id = ?", snapshotID).Order("post_index ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func joinPhones(values []string) string {
	return phones.Join(phones.NormalizeAll(values))
}

func encodeContacts(values []string) string {
	if len(values) == 0 {
		return ""
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// canonicalContacts keeps valid JSON as compact JSON and turns a plain list into a JSON array.
func canonicalContacts(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if json.Valid([]byte(trimmed)) && (strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{")) {
		var compact bytes.Buffer
		if err := json.Compact(&compact, []byte(trimmed)); err == nil {
			return compact.String()
		}
	}
	names := strings.FieldsFunc(trimmed, func(r rune) bool { return r == ',' || r == ';' || r == '\n' })
	cleaned := make([]string, 0, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			cleaned = append(cleaned, name)
		}
	}
	return encodeContacts(cleaned)
}

// canonicalValue normalizes an editor supplied value for the named field.
func canonicalValue(field Field, value string) (string, error) {
	switch field {
	case FieldPhones:
		return phones.Canonicalize(value), nil
	case FieldContacts:
		return canonicalContacts(value), nil
	case FieldStatus:
		status, err := ParseStatus(value)
		if err != nil {
			return "", err
		}
		return string(status), nil
	}
	return strings.TrimSpace(value), nil
}

func sortedIndexes(rows map[int]*Row) []int {
	indexes := make([]int, 0, len(rows))
	for index := range rows {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes
}
