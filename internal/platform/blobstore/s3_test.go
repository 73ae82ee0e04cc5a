package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeS3 is an in-memory RoundTripper handling path-style Put/Get/Delete.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// /{bucket}/{key...}
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	resp := func(code int, body []byte, hdr http.Header) *http.Response {
		if hdr == nil {
			hdr = http.Header{}
		}
		return &http.Response{StatusCode: code, Body: io.NopCloser(bytes.NewReader(body)), Header: hdr, Request: req}
	}

	switch req.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		f.objects[key] = body
		return resp(http.StatusOK, nil, http.Header{"Etag": {`"etag"`}}), nil
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			xml := []byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return resp(http.StatusNotFound, xml, http.Header{"Content-Type": {"application/xml"}}), nil
		}
		return resp(http.StatusOK, body, http.Header{
			"Content-Length": {strconv.Itoa(len(body))},
			"Content-Type":   {ContentTypeHL7},
		}), nil
	case http.MethodDelete:
		delete(f.objects, key)
		return resp(http.StatusNoContent, nil, nil), nil
	}
	return resp(http.StatusNotImplemented, nil, nil), nil
}

// decodeChunked unwraps a single-chunk aws-chunked payload.
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	size, err := strconv.ParseInt(strings.SplitN(parts[0], ";", 2)[0], 16, 64)
	if err != nil || int64(len(parts[1])) != size {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newTestS3(t *testing.T) (*S3Archive, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}}
	a, err := NewS3Archive(context.Background(), S3Config{
		Bucket:          "lis-archive",
		Endpoint:        "https://s3.test.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		Options: []func(*s3.Options){func(o *s3.Options) {
			o.HTTPClient = &http.Client{Transport: fake}
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}},
	})
	if err != nil {
		t.Fatalf("NewS3Archive: %v", err)
	}
	return a, fake
}

func TestS3Archive_RoundTrip(t *testing.T) {
	ctx := context.Background()
	a, fake := newTestS3(t)
	msg := []byte("MSH|^~\\&|LIS|LAB|HIS|HOSPITAL")

	if _, err := a.Put(ctx, MessageKey("r1"), msg, ContentTypeHL7); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !bytes.Equal(fake.objects["hl7/r1.hl7"], msg) {
		t.Fatalf("object not stored under key: %v", fake.objects)
	}

	got, info, err := a.Get(ctx, MessageKey("r1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, msg) || info.ContentType != ContentTypeHL7 {
		t.Errorf("unexpected get result %q %+v", got, info)
	}

	if err := a.Delete(ctx, MessageKey("r1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := a.Get(ctx, MessageKey("r1")); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestNewS3Archive_RequiresBucket(t *testing.T) {
	if _, err := NewS3Archive(context.Background(), S3Config{}); err == nil {
		t.Error("expected error without bucket")
	}
}
