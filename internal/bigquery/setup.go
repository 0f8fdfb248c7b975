package bigquery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotConfigured is returned by Open when CheckSetup reports problems.
var ErrNotConfigured = errors.New("bigquery: destination not configured")

// Config locates the warehouse.
type Config struct {
	CredentialsPath string
	ProjectID       string
	Dataset         string
	Location        string
}

// SetupReport describes how ready the configuration is without touching the network.
type SetupReport struct {
	CredentialsPath  string
	CredentialsFound bool
	ServiceAccount   string
	ProjectID        string
	Dataset          string
	Location         string
	Problems         []string
}

// Ready reports whether a connection can be attempted.
func (r SetupReport) Ready() bool { return len(r.Problems) == 0 }

type credentialsFile struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
}

// CheckSetup inspects the credential file and identifiers. The project id
// falls back to the one named in the credential file.
func CheckSetup(cfg Config) SetupReport {
	r := SetupReport{
		CredentialsPath: cfg.CredentialsPath,
		ProjectID:       strings.TrimSpace(cfg.ProjectID),
		Dataset:         strings.TrimSpace(cfg.Dataset),
		Location:        cfg.Location,
	}

	if r.CredentialsPath == "" {
		r.Problems = append(r.Problems, "credentials path is not set (BIGQUERY_CREDENTIALS_PATH)")
	} else if data, err := os.ReadFile(r.CredentialsPath); err != nil {
		r.Problems = append(r.Problems, fmt.Sprintf("credentials file %s: %v", r.CredentialsPath, err))
	} else {
		r.CredentialsFound = true
		var cf credentialsFile
		if err := json.Unmarshal(data, &cf); err != nil {
			r.Problems = append(r.Problems, fmt.Sprintf("credentials file %s is not valid JSON: %v", r.CredentialsPath, err))
		} else {
			if cf.Type != "service_account" {
				r.Problems = append(r.Problems, fmt.Sprintf("credentials type is %q, want service_account", cf.Type))
			}
			r.ServiceAccount = cf.ClientEmail
			if r.ProjectID == "" {
				r.ProjectID = cf.ProjectID
			}
		}
	}

	if r.ProjectID == "" {
		r.Problems = append(r.Problems, "project id is not set (BIGQUERY_PROJECT_ID)")
	}
	if r.Dataset == "" {
		r.Problems = append(r.Problems, "dataset is not set (BIGQUERY_DATASET)")
	} else if !validDatasetID(r.Dataset) {
		r.Problems = append(r.Problems, fmt.Sprintf("dataset %q may only contain letters, digits and underscores", r.Dataset))
	}
	return r
}

func validDatasetID(s string) bool {
	if len(s) > 1024 {
		return false
	}
	for _, c := range s {
		if !(c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}
