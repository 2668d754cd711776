// Package cberrors defines the terminal error kinds shared by the backup
// and restore pipelines, each carrying the CLI exit code it maps to.
package cberrors

import "fmt"

// Kind classifies a terminal error. Transient errors (retried inside the
// HTTP client) never reach this package.
type Kind string

const (
	KindInvalidOption             Kind = "InvalidOption"
	KindDatabaseNotFound          Kind = "DatabaseNotFound"
	KindUnauthorized              Kind = "Unauthorized"
	KindForbidden                 Kind = "Forbidden"
	KindDatabaseNotEmpty          Kind = "DatabaseNotEmpty"
	KindNoLogFileName             Kind = "NoLogFileName"
	KindLogDoesNotExist           Kind = "LogDoesNotExist"
	KindLogFileExists             Kind = "LogFileExists"
	KindIncompleteChangesInLog    Kind = "IncompleteChangesInLogFile"
	KindSpoolChangesError         Kind = "SpoolChangesError"
	KindHTTPFatalError            Kind = "HTTPFatalError"
	KindBulkGetError              Kind = "BulkGetError"
	KindBackupFileJSONError       Kind = "BackupFileJsonError"
)

// exitCodes mirrors spec §6.4.
var exitCodes = map[Kind]int{
	KindInvalidOption:          2,
	KindDatabaseNotFound:       10,
	KindUnauthorized:           11,
	KindForbidden:              12,
	KindDatabaseNotEmpty:       13,
	KindNoLogFileName:          20,
	KindLogDoesNotExist:        21,
	KindIncompleteChangesInLog: 22,
	KindSpoolChangesError:      30,
	KindHTTPFatalError:         40,
	KindBulkGetError:           50,
	KindBackupFileJSONError:    1,
	KindLogFileExists:          1,
}

// CouchBackupError is a terminal error with a stable kind and exit code.
type CouchBackupError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *CouchBackupError) Error() string {
	switch {
	case e.Err != nil && e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *CouchBackupError) Unwrap() error { return e.Err }

// ExitCode returns the stable CLI exit code for this error's kind.
func (e *CouchBackupError) ExitCode() int {
	if code, ok := exitCodes[e.Kind]; ok {
		return code
	}
	return 1
}

func new_(kind Kind, msg string, err error) *CouchBackupError {
	return &CouchBackupError{Kind: kind, Msg: msg, Err: err}
}

func NewInvalidOption(msg string) *CouchBackupError { return new_(KindInvalidOption, msg, nil) }

func NewDatabaseNotFound(dbURL string, err error) *CouchBackupError {
	return new_(KindDatabaseNotFound, "database not found: "+dbURL, err)
}

func NewUnauthorized(err error) *CouchBackupError {
	return new_(KindUnauthorized, "not authorized", err)
}

func NewForbidden(err error) *CouchBackupError {
	return new_(KindForbidden, "forbidden", err)
}

func NewDatabaseNotEmpty(dbURL string) *CouchBackupError {
	return new_(KindDatabaseNotEmpty, "target database is not empty: "+dbURL, nil)
}

func NewNoLogFileName() *CouchBackupError {
	return new_(KindNoLogFileName, "resume requested but no log file name was given", nil)
}

func NewLogDoesNotExist(path string) *CouchBackupError {
	return new_(KindLogDoesNotExist, "log file does not exist: "+path, nil)
}

func NewLogFileExists(path string) *CouchBackupError {
	return new_(KindLogFileExists, "log file already exists: "+path, nil)
}

func NewIncompleteChangesInLogFile() *CouchBackupError {
	return new_(KindIncompleteChangesInLog, "log file has no changes_complete marker, cannot resume", nil)
}

func NewSpoolChangesError(err error) *CouchBackupError {
	return new_(KindSpoolChangesError, "failed to spool changes feed", err)
}

// HTTPFatalError carries the request context so a caller can extract it
// with errors.As and render (or log) a credential-stripped diagnostic.
type HTTPFatalError struct {
	Method     string
	URL        string
	StatusCode int
	Reason     string
}

func (e *HTTPFatalError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, e.Reason)
}

func NewHTTPFatalError(method, url string, statusCode int, reason string) *CouchBackupError {
	detail := &HTTPFatalError{Method: method, URL: url, StatusCode: statusCode, Reason: reason}
	return new_(KindHTTPFatalError, "", detail)
}

func NewBulkGetError(err error) *CouchBackupError {
	return new_(KindBulkGetError, "_bulk_get probe failed", err)
}

func NewBackupFileJSONError(lineNumber int, err error) *CouchBackupError {
	return new_(KindBackupFileJSONError, fmt.Sprintf("invalid JSON on backup file line %d", lineNumber), err)
}
