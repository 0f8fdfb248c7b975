package bigquery

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeCredentials(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sa.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckSetupReady(t *testing.T) {
	path := writeCredentials(t, `{"type":"service_account","project_id":"from-file","client_email":"svc@from-file.iam"}`)
	r := CheckSetup(Config{CredentialsPath: path, Dataset: "jsonplaceholder_data"})
	if !r.Ready() {
		t.Fatalf("Ready = false, problems %v", r.Problems)
	}
	if r.ProjectID != "from-file" {
		t.Errorf("ProjectID = %q, want fallback from credentials", r.ProjectID)
	}
	if r.ServiceAccount != "svc@from-file.iam" {
		t.Errorf("ServiceAccount = %q", r.ServiceAccount)
	}
}

func TestCheckSetupExplicitProjectWins(t *testing.T) {
	path := writeCredentials(t, `{"type":"service_account","project_id":"from-file"}`)
	r := CheckSetup(Config{CredentialsPath: path, ProjectID: "explicit", Dataset: "d"})
	if r.ProjectID != "explicit" {
		t.Fatalf("ProjectID = %q, want explicit", r.ProjectID)
	}
}

func TestCheckSetupProblems(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no credentials", Config{ProjectID: "p", Dataset: "d"}, "credentials path is not set"},
		{"missing file", Config{CredentialsPath: "/nonexistent/sa.json", ProjectID: "p", Dataset: "d"}, "credentials file"},
		{"bad json", Config{CredentialsPath: writeCredentials(t, "{"), ProjectID: "p", Dataset: "d"}, "not valid JSON"},
		{"wrong type", Config{CredentialsPath: writeCredentials(t, `{"type":"authorized_user"}`), ProjectID: "p", Dataset: "d"}, "want service_account"},
		{"no project", Config{CredentialsPath: writeCredentials(t, `{"type":"service_account"}`), Dataset: "d"}, "project id is not set"},
		{"no dataset", Config{CredentialsPath: writeCredentials(t, `{"type":"service_account"}`), ProjectID: "p"}, "dataset is not set"},
		{"bad dataset", Config{CredentialsPath: writeCredentials(t, `{"type":"service_account"}`), ProjectID: "p", Dataset: "my-data"}, "letters, digits and underscores"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := CheckSetup(tt.cfg)
			if r.Ready() {
				t.Fatal("Ready = true, want problems")
			}
			if !strings.Contains(strings.Join(r.Problems, "\n"), tt.want) {
				t.Fatalf("problems %v do not mention %q", r.Problems, tt.want)
			}
		})
	}
}
