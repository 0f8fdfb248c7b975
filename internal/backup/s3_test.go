package backup

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

func TestParseS3BucketURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		wantErr   bool
		wantBkt   string
		wantPre   string
		errSubstr string
	}{
		{
			name:    "bucket only",
			raw:     "s3://my-bucket",
			wantBkt: "my-bucket",
			wantPre: "",
		},
		{
			name:    "bucket with prefix",
			raw:     "s3://my-bucket/siphon/backups",
			wantBkt: "my-bucket",
			wantPre: "siphon/backups",
		},
		{
			name:      "invalid scheme",
			raw:       "https://my-bucket/siphon",
			wantErr:   true,
			errSubstr: "s3:// scheme",
		},
		{
			name:      "missing bucket",
			raw:       "s3:///siphon",
			wantErr:   true,
			errSubstr: "missing bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gotBkt, gotPre, err := parseS3BucketURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errSubstr != "" && !strings.Contains(err.Error(), tt.errSubstr) {
					t.Fatalf("err = %q, want substring %q", err.Error(), tt.errSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseS3BucketURL error: %v", err)
			}
			if gotBkt != tt.wantBkt {
				t.Fatalf("bucket = %q, want %q", gotBkt, tt.wantBkt)
			}
			if gotPre != tt.wantPre {
				t.Fatalf("prefix = %q, want %q", gotPre, tt.wantPre)
			}
		})
	}
}

func TestNewS3Uploader_PartialCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewS3Uploader(S3Config{
		BucketURL: "s3://my-bucket/siphon",
		AccessKey: "AKIA",
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in     string
		useSSL bool
		want   string
	}{
		{"", true, ""},
		{"minio:9000", false, "http://minio:9000"},
		{"s3.example.com", true, "https://s3.example.com"},
		{"http://localhost:9000", true, "http://localhost:9000"},
	}
	for _, c := range cases {
		if got := normalizeEndpoint(c.in, c.useSSL); got != c.want {
			t.Errorf("normalizeEndpoint(%q, %v) = %q, want %q", c.in, c.useSSL, got, c.want)
		}
	}
}

type fakeUploaderAPI struct {
	s3manageriface.UploaderAPI
	input *s3manager.UploadInput
	body  []byte
}

func (f *fakeUploaderAPI) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	f.input = in
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &s3manager.UploadOutput{Location: "s3://" + aws.StringValue(in.Bucket) + "/" + aws.StringValue(in.Key)}, nil
}

func TestS3Uploader_UploadFile(t *testing.T) {
	t.Parallel()

	local := filepath.Join(t.TempDir(), "siphon-20260102-030405.duckdb")
	if err := os.WriteFile(local, []byte("duck"), 0644); err != nil {
		t.Fatal(err)
	}
	api := &fakeUploaderAPI{}
	u := &S3Uploader{bucket: "my-bucket", keyPrefix: "siphon/backups", contentType: "application/octet-stream", api: api}

	if err := u.UploadFile(context.Background(), local); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if got := aws.StringValue(api.input.Key); got != "siphon/backups/siphon-20260102-030405.duckdb" {
		t.Fatalf("key = %q", got)
	}
	if aws.StringValue(api.input.Bucket) != "my-bucket" || aws.StringValue(api.input.ContentType) != "application/octet-stream" {
		t.Fatalf("input = %+v", api.input)
	}
	if string(api.body) != "duck" {
		t.Fatalf("body = %q", api.body)
	}
}
