package model

import "time"

type ExportStatus string

const (
	ExportStatusPending   ExportStatus = "pending"
	ExportStatusRunning   ExportStatus = "running"
	ExportStatusCompleted ExportStatus = "completed"
	ExportStatusFailed    ExportStatus = "failed"
	ExportStatusCancelled ExportStatus = "cancelled"
)

// Terminal reports whether no further status transition is allowed.
func (s ExportStatus) Terminal() bool {
	switch s {
	case ExportStatusCompleted, ExportStatusFailed, ExportStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next.
// Allowed: pending→running, pending→cancelled, running→completed,
// running→failed, running→cancelled.
func (s ExportStatus) CanTransition(next ExportStatus) bool {
	switch s {
	case ExportStatusPending:
		return next == ExportStatusRunning || next == ExportStatusCancelled
	case ExportStatusRunning:
		return next == ExportStatusCompleted || next == ExportStatusFailed || next == ExportStatusCancelled
	}
	return false
}

type ExportType string

const (
	ExportTypeHotels          ExportType = "hotels"
	ExportTypeMappings        ExportType = "mappings"
	ExportTypeSupplierSummary ExportType = "supplier_summary"
)

func (t ExportType) Valid() bool {
	switch t {
	case ExportTypeHotels, ExportTypeMappings, ExportTypeSupplierSummary:
		return true
	}
	return false
}

type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
	FormatXLSX ExportFormat = "xlsx"
)

func (f ExportFormat) Valid() bool {
	switch f {
	case FormatCSV, FormatJSON, FormatXLSX:
		return true
	}
	return false
}

// Ext returns the file extension for the format, without the dot.
func (f ExportFormat) Ext() string {
	return string(f)
}

// ContentType returns the MIME type served on download.
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/octet-stream"
}

type ExportJob struct {
	ID           string       `json:"id"`
	PrincipalID  int64        `json:"principal_id"`
	ExportType   ExportType   `json:"export_type"`
	Format       ExportFormat `json:"format"`
	Filters      string       `json:"filters,omitempty"`
	Status       ExportStatus `json:"status"`
	Progress     int          `json:"progress"`
	FilePath     string       `json:"file_path,omitempty"`
	FileSize     int64        `json:"file_size,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Reclaimed    bool         `json:"reclaimed,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
