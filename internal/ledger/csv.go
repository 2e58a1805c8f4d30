package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arachnova/eventscout/internal/phones"
)

// CSVHeader is the fifteen column layout used for hand-edited ledgers.
var CSVHeader = []string{
	"session_id", "json_file", "post_index", "post_url", "original_caption",
	"extracted_title", "extracted_organizer", "extracted_date", "extracted_location",
	"registration_fee", "phone_numbers", "contact_persons", "parse_status",
	"parse_timestamp", "last_edited",
}

const (
	colSessionID = iota
	colJSONFile
	colPostIndex
	colPostURL
	colCaption
	colTitle
	colOrganizer
	colDate
	colLocation
	colFee
	colPhones
	colContacts
	colStatus
	colParseTimestamp
	colLastEdited
)

// ExportCSV writes the merged session view in the fifteen column layout.
func (s *Service) ExportCSV(ctx context.Context, sessionID string, destination io.Writer) error {
	view, err := s.GetSessionView(ctx, sessionID)
	if err != nil {
		return newServiceError(opExportCSV, "view_failed", err)
	}
	writer := csv.NewWriter(destination)
	if err := writer.Write(CSVHeader); err != nil {
		return newServiceError(opExportCSV, "write_failed", err)
	}
	for _, post := range view.Posts {
		record := []string{
			view.Session.SessionID,
			view.Session.ArchiveRef,
			strconv.Itoa(post.PostIndex),
			post.PostURL,
			post.Caption,
			post.Title,
			post.Organizer,
			post.Date,
			post.Location,
			post.Fee,
			post.Phones,
			post.Contacts,
			string(post.Status),
			post.ParseTimestamp,
			post.LastEdited,
		}
		if err := writer.Write(record); err != nil {
			return newServiceError(opExportCSV, "write_failed", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		s.logError(opExportCSV, "flush_failed", err, zap.String("session_id", sessionID))
		return newServiceError(opExportCSV, "flush_failed", err)
	}
	return nil
}

// ImportCSV stores a hand-edited ledger as a new snapshot. Records shorter than the layout
// are padded with empty values; a leading header record is skipped.
func (s *Service) ImportCSV(ctx context.Context, sessionID string, source io.Reader) (SnapshotRef, error) {
	rows, err := parseLedgerCSV(sessionID, source)
	if err != nil {
		return SnapshotRef{}, newServiceError(opImportCSV, "parse_failed", err)
	}
	var ref SnapshotRef
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadArchiveSession(tx, sessionID); err != nil {
			return newServiceError(opImportCSV, "archive_missing", err)
		}
		snapshot, err := s.createSnapshot(tx, sessionID, originImported, rows)
		if err != nil {
			return newServiceError(opImportCSV, "snapshot_create_failed", err)
		}
		ref = SnapshotRef{Success: true, SnapshotID: snapshot.SnapshotID, SessionID: sessionID, Rows: len(rows)}
		return nil
	})
	if err != nil {
		s.logError(opImportCSV, "transaction_failed", err, zap.String("session_id", sessionID))
		return SnapshotRef{}, err
	}
	return ref, nil
}

func parseLedgerCSV(sessionID string, source io.Reader) ([]Row, error) {
	reader := csv.NewReader(source)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	var rows []Row
	seen := map[int]struct{}{}
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		if line == 1 && strings.TrimSpace(record[0]) == CSVHeader[colSessionID] {
			continue
		}
		if blankRecord(record) {
			continue
		}
		for len(record) < len(CSVHeader) {
			record = append(record, "")
		}
		row, err := rowFromRecord(sessionID, record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", line, err)
		}
		if _, duplicate := seen[row.PostIndex]; duplicate {
			return nil, fmt.Errorf("%w: record %d repeats post %d", ErrMalformedInput, line, row.PostIndex)
		}
		seen[row.PostIndex] = struct{}{}
		rows = append(rows, row)
	}
	return rows, nil
}

func rowFromRecord(sessionID string, record []string) (Row, error) {
	if owner := strings.TrimSpace(record[colSessionID]); owner != "" && owner != sessionID {
		return Row{}, fmt.Errorf("%w: belongs to session %s", ErrMalformedInput, owner)
	}
	postIndex, err := strconv.Atoi(strings.TrimSpace(record[colPostIndex]))
	if err != nil || postIndex < 0 {
		return Row{}, fmt.Errorf("%w: post index %q", ErrMalformedInput, record[colPostIndex])
	}
	status, err := ParseStatus(record[colStatus])
	if err != nil {
		return Row{}, err
	}
	return Row{
		PostIndex:      postIndex,
		SessionID:      sessionID,
		PostURL:        record[colPostURL],
		Caption:        record[colCaption],
		Title:          record[colTitle],
		Organizer:      record[colOrganizer],
		Date:           record[colDate],
		Location:       record[colLocation],
		Fee:            record[colFee],
		Phones:         phones.Canonicalize(record[colPhones]),
		Contacts:       canonicalContacts(record[colContacts]),
		Status:         string(status),
		ParseTimestamp: record[colParseTimestamp],
		LastEdited:     record[colLastEdited],
	}, nil
}

func blankRecord(record []string) bool {
	for _, value := range record {
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}
