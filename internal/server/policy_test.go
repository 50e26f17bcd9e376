package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestActionForRequestObjectLevel(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{http.MethodGet, "s3:GetObject"},
		{http.MethodHead, "s3:GetObject"},
		{http.MethodPut, "s3:PutObject"},
		{http.MethodDelete, "s3:DeleteObject"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, "/bucket/key.txt", nil)
		if got := actionForRequest(r, "key.txt"); got != tt.want {
			t.Errorf("actionForRequest(%s, key) = %q, want %q", tt.method, got, tt.want)
		}
	}
}

func TestActionForRequestBucketSubresources(t *testing.T) {
	tests := []struct {
		method, query string
		want          string
	}{
		{http.MethodPut, "policy", "s3:PutBucketPolicy"},
		{http.MethodGet, "policy", "s3:GetBucketPolicy"},
		{http.MethodDelete, "policy", "s3:DeleteBucketPolicy"},
		{http.MethodPut, "versioning", "s3:PutBucketVersioning"},
		{http.MethodGet, "versioning", "s3:GetBucketVersioning"},
		{http.MethodPut, "encryption", "s3:PutEncryptionConfiguration"},
		{http.MethodPut, "cors", "s3:PutBucketCORS"},
		{http.MethodPut, "quota", "s3:PutBucketQuota"},
		{http.MethodGet, "versions", "s3:ListBucketVersions"},
		{http.MethodGet, "uploads", "s3:ListBucketMultipartUploads"},
		{http.MethodGet, "location", "s3:GetBucketLocation"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, "/bucket?"+tt.query, nil)
		if got := actionForRequest(r, ""); got != tt.want {
			t.Errorf("actionForRequest(%s, ?%s) = %q, want %q", tt.method, tt.query, got, tt.want)
		}
	}
}

func TestActionForRequestBucketCRUD(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{http.MethodPut, "s3:CreateBucket"},
		{http.MethodDelete, "s3:DeleteBucket"},
		{http.MethodGet, "s3:ListBucket"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, "/bucket", nil)
		if got := actionForRequest(r, ""); got != tt.want {
			t.Errorf("actionForRequest(%s, bucket) = %q, want %q", tt.method, got, tt.want)
		}
	}
}

func TestResourceARNFor(t *testing.T) {
	if got := resourceARNFor("my-bucket", ""); got != "arn:aws:s3:::my-bucket" {
		t.Errorf("resourceARNFor(bucket) = %q", got)
	}
	if got := resourceARNFor("my-bucket", "path/to/key.txt"); got != "arn:aws:s3:::my-bucket/path/to/key.txt" {
		t.Errorf("resourceARNFor(bucket, key) = %q", got)
	}
}
