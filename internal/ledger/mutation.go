package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	originMaterialized = "materialized"
	originImported     = "imported"
	rowBatchSize       = 200
)

// SnapshotRef identifies a ledger generation.
type SnapshotRef struct {
	Success    bool   `json:"success"`
	SnapshotID string `json:"snapshot_id"`
	SessionID  string `json:"session_id"`
	Rows       int    `json:"rows"`
}

// RowUpdate names the fields to overwrite on one post.
type RowUpdate struct {
	PostIndex int               `json:"post_index"`
	Values    map[string]string `json:"values"`
}

// BulkResult reports a bulk apply. Failed lists post indexes with no archive post.
type BulkResult struct {
	Success        bool   `json:"success"`
	SnapshotID     string `json:"snapshot_id"`
	Requested      int    `json:"requested"`
	Applied        int    `json:"applied"`
	Failed         []int  `json:"failed"`
	RowsAffected   int    `json:"rows_affected"`
	FieldsAffected int    `json:"fields_affected"`
}

// PatchRequest rewrites one field of one row. Editor, when set, is recorded as last editor.
type PatchRequest struct {
	SessionID string
	PostIndex int
	Field     string
	Value     string
	Editor    string
}

type fieldValue struct {
	field Field
	value string
}

type validatedUpdate struct {
	postIndex int
	values    []fieldValue
}

// MaterializeLedger creates a fresh snapshot holding archive defaults for every post. The new
// snapshot becomes the latest; earlier snapshots are kept as history.
func (s *Service) MaterializeLedger(ctx context.Context, sessionID string) (SnapshotRef, error) {
	var ref SnapshotRef
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadArchiveSession(tx, sessionID); err != nil {
			return newServiceError(opMaterializeLedger, "archive_missing", err)
		}
		posts, err := loadArchivePosts(tx, sessionID)
		if err != nil {
			return newServiceError(opMaterializeLedger, "archive_query_failed", err)
		}
		rows := make([]Row, 0, len(posts))
		for _, post := range posts {
			rows = append(rows, defaultRow("", post))
		}
		snapshot, err := s.createSnapshot(tx, sessionID, originMaterialized, rows)
		if err != nil {
			return newServiceError(opMaterializeLedger, "snapshot_create_failed", err)
		}
		ref = SnapshotRef{Success: true, SnapshotID: snapshot.SnapshotID, SessionID: sessionID, Rows: len(rows)}
		return nil
	})
	if err != nil {
		s.logError(opMaterializeLedger, "transaction_failed", err, zap.String("session_id", sessionID))
		return SnapshotRef{}, err
	}
	s.logger.Info("ledger materialized",
		zap.String("session_id", sessionID),
		zap.String("snapshot_id", ref.SnapshotID),
		zap.Int("rows", ref.Rows))
	return ref, nil
}

// BulkApply overwrites the named fields of the addressed rows in one pass over the latest
// snapshot, marks touched rows parsed and advances the session to parsed. Every update is
// validated before anything is written.
func (s *Service) BulkApply(ctx context.Context, sessionID string, updates []RowUpdate) (BulkResult, error) {
	validated, err := validateUpdates(updates)
	if err != nil {
		return BulkResult{}, newServiceError(opBulkApply, "invalid_update", err)
	}
	result := BulkResult{Requested: len(validated), Failed: []int{}}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := loadArchiveSession(tx, sessionID)
		if err != nil {
			return newServiceError(opBulkApply, "archive_missing", err)
		}
		snapshot, rows, err := s.ensureLedger(tx, sessionID)
		if err != nil {
			return newServiceError(opBulkApply, "ledger_load_failed", err)
		}
		result.SnapshotID = snapshot.SnapshotID

		pending := make(map[int][]validatedUpdate, len(validated))
		for _, update := range validated {
			pending[update.postIndex] = append(pending[update.postIndex], update)
		}
		stamp := s.timestamp()
		for _, index := range sortedIndexes(rows) {
			matched, ok := pending[index]
			if !ok {
				continue
			}
			row := rows[index]
			statusNamed := false
			for _, update := range matched {
				for _, value := range update.values {
					row.set(value.field, value.value)
					statusNamed = statusNamed || value.field == FieldStatus
					result.FieldsAffected++
				}
				result.Applied++
			}
			if !statusNamed {
				row.Status = string(StatusParsed)
			}
			row.ParseTimestamp = stamp
			if err := writeRow(tx, row); err != nil {
				return newServiceError(opBulkApply, "row_write_failed", err)
			}
			result.RowsAffected++
			delete(pending, index)
		}
		for index, unmatched := range pending {
			for range unmatched {
				result.Failed = append(result.Failed, index)
			}
		}
		sort.Ints(result.Failed)

		if session.Status != StatusParsed && CanTransition(session.Status, StatusParsed) {
			if err := s.writeStatus(tx, sessionID, StatusParsed, opBulkApply); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opBulkApply, "transaction_failed", err, zap.String("session_id", sessionID))
		return BulkResult{}, err
	}
	result.Success = true
	s.logger.Info("ledger bulk apply",
		zap.String("session_id", sessionID),
		zap.Int("requested", result.Requested),
		zap.Int("applied", result.Applied),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

// PatchField rewrites exactly one field of one row. Status patches also stamp the parse
// timestamp.
func (s *Service) PatchField(ctx context.Context, request PatchRequest) (MutationResult, error) {
	field, err := ParseField(request.Field)
	if err != nil {
		return MutationResult{}, newServiceError(opPatchField, "invalid_field", err)
	}
	value, err := canonicalValue(field, request.Value)
	if err != nil {
		return MutationResult{}, newServiceError(opPatchField, "invalid_value", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadArchiveSession(tx, request.SessionID); err != nil {
			return newServiceError(opPatchField, "archive_missing", err)
		}
		_, rows, err := s.ensureLedger(tx, request.SessionID)
		if err != nil {
			return newServiceError(opPatchField, "ledger_load_failed", err)
		}
		row, ok := rows[request.PostIndex]
		if !ok {
			return newServiceError(opPatchField, "post_missing",
				fmt.Errorf("%w: post %d in session %s", ErrNotFound, request.PostIndex, request.SessionID))
		}
		row.set(field, value)
		if field == FieldStatus {
			row.ParseTimestamp = s.timestamp()
		}
		if request.Editor != "" {
			row.LastEdited = request.Editor
		}
		if err := writeRow(tx, row); err != nil {
			return newServiceError(opPatchField, "row_write_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opPatchField, "transaction_failed", err,
			zap.String("session_id", request.SessionID),
			zap.Int("post_index", request.PostIndex),
			zap.String("field", string(field)))
		return MutationResult{}, err
	}
	return MutationResult{Success: true, RowsAffected: 1, FieldsAffected: 1}, nil
}

// ensureLedger returns the latest snapshot rows keyed by post index, one per archive post,
// materializing the snapshot and synthesizing pending rows as needed.
func (s *Service) ensureLedger(tx *gorm.DB, sessionID string) (Snapshot, map[int]*Row, error) {
	posts, err := loadArchivePosts(tx, sessionID)
	if err != nil {
		return Snapshot{}, nil, err
	}
	snapshot, found, err := latestSnapshot(tx, sessionID)
	if err != nil {
		return Snapshot{}, nil, err
	}
	if !found {
		snapshot, err = s.createSnapshot(tx, sessionID, originMaterialized, nil)
		if err != nil {
			return Snapshot{}, nil, err
		}
	}
	loaded, err := loadRows(tx, snapshot.SnapshotID)
	if err != nil {
		return Snapshot{}, nil, err
	}
	existing := make(map[int]*Row, len(loaded))
	for index := range loaded {
		existing[loaded[index].PostIndex] = &loaded[index]
	}
	rows := make(map[int]*Row, len(posts))
	var synthesized []Row
	for _, post := range posts {
		if row, ok := existing[post.PostIndex]; ok {
			rows[post.PostIndex] = row
			continue
		}
		synthesized = append(synthesized, defaultRow(snapshot.SnapshotID, post))
	}
	if len(synthesized) > 0 {
		if err := tx.CreateInBatches(&synthesized, rowBatchSize).Error; err != nil {
			return Snapshot{}, nil, err
		}
		for index := range synthesized {
			rows[synthesized[index].PostIndex] = &synthesized[index]
		}
	}
	return snapshot, rows, nil
}

func (s *Service) createSnapshot(tx *gorm.DB, sessionID, origin string, rows []Row) (Snapshot, error) {
	snapshotID, err := s.snapshotIDs.NewID()
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := Snapshot{
		SnapshotID:       snapshotID,
		SessionID:        sessionID,
		Origin:           origin,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.Create(&snapshot).Error; err != nil {
		return Snapshot{}, err
	}
	if len(rows) == 0 {
		return snapshot, nil
	}
	for index := range rows {
		rows[index].SnapshotID = snapshotID
		rows[index].SessionID = sessionID
	}
	if err := tx.CreateInBatches(&rows, rowBatchSize).Error; err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// writeRow rewrites every editable column of a row.
func writeRow(tx *gorm.DB, row *Row) error {
	return tx.Model(&Row{}).
		Where("snapshot_id = ? AND post_index = ?", row.SnapshotID, row.PostIndex).
		Updates(map[string]any{
			"extracted_title":     row.Title,
			"extracted_organizer": row.Organizer,
			"extracted_date":      row.Date,
			"extracted_location":  row.Location,
			"registration_fee":    row.Fee,
			"phone_numbers":       row.Phones,
			"contact_persons":     row.Contacts,
			"parse_status":        row.Status,
			"parse_timestamp":     row.ParseTimestamp,
			"last_edited":         row.LastEdited,
		}).Error
}

func validateUpdates(updates []RowUpdate) ([]validatedUpdate, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("%w: no updates", ErrMalformedInput)
	}
	validated := make([]validatedUpdate, 0, len(updates))
	for _, update := range updates {
		if update.PostIndex < 0 {
			return nil, fmt.Errorf("%w: post index %d", ErrMalformedInput, update.PostIndex)
		}
		if len(update.Values) == 0 {
			return nil, fmt.Errorf("%w: post %d names no fields", ErrMalformedInput, update.PostIndex)
		}
		names := make([]string, 0, len(update.Values))
		for name := range update.Values {
			names = append(names, name)
		}
		sort.Strings(names)
		values := make([]fieldValue, 0, len(names))
		for _, name := range names {
			field, err := ParseField(name)
			if err != nil {
				return nil, err
			}
			value, err := canonicalValue(field, update.Values[name])
			if err != nil {
				return nil, err
			}
			values = append(values, fieldValue{field: field, value: value})
		}
		validated = append(validated, validatedUpdate{postIndex: update.PostIndex, values: values})
	}
	return validated, nil
}

func (s *Service) timestamp() string {
	return s.clock().UTC().Format(time.RFC3339)
}
