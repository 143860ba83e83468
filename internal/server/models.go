package server

// HTTPError is the uniform error envelope returned by all handlers.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// AnalysisStreamRequest starts one streaming analysis run.
type AnalysisStreamRequest struct {
	Goal      string `json:"goal"`
	DatasetID string `json:"dataset_id"`
}

type CreateReportRequest struct {
	Goal string `json:"goal"`
}

type CreateReportResponse struct {
	ReportID string `json:"report_id"`
}

type UpdateReportStatusRequest struct {
	Status string `json:"status"`
}

// ToggleRequest flips one template preference.
type ToggleRequest struct {
	Enable bool `json:"enable"`
}

// BulkToggleRequest carries independent toggle items; each is validated and
// reported on its own.
type BulkToggleRequest struct {
	Items []BulkToggleItem `json:"items"`
}

type BulkToggleItem struct {
	TemplateID string `json:"template_id"`
	Enable     bool   `json:"enable"`
}

type BulkToggleVerdict struct {
	TemplateID string `json:"template_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}
