package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing session, archive or post.
	ErrNotFound = errors.New("ledger: not found")
	// ErrMalformedInput reports a request the ledger cannot apply.
	ErrMalformedInput = errors.New("ledger: malformed input")
	// ErrWriteConflict reports concurrent writers on one session. The ledger does not detect
	// this itself; callers serialize writers per session and may surface it.
	ErrWriteConflict = errors.New("ledger: write conflict")

	errMissingDatabase = errors.New("database handle is required")
)

// ServiceError carries a stable `<operation>.<reason>` code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "ledger.service.new"
	opRegisterSession   = "ledger.register_session"
	opAppendArchivePost = "ledger.append_archive_post"
	opSetStatus         = "ledger.set_status"
	opSetSyncFlag       = "ledger.set_sync_flag"
	opFinalizeArchive   = "ledger.finalize_archive"
	opListSessions      = "ledger.list_sessions"
	opGetSession        = "ledger.get_session"
	opGetSessionView    = "ledger.get_session_view"
	opMaterializeLedger = "ledger.materialize"
	opBulkApply         = "ledger.bulk_apply"
	opPatchField        = "ledger.patch_field"
	opExportCSV         = "ledger.export_csv"
	opImportCSV         = "ledger.import_csv"
	opPendingPosts      = "ledger.pending_posts"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
