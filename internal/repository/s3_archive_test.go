package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

type fakeS3 struct {
	putErr     error
	getBody    []byte
	getErr     error
	listOut    *s3.ListObjectsV2Output
	listErr    error
	lastPutIn  *s3.PutObjectInput
	lastPutRaw []byte
	lastGetIn  *s3.GetObjectInput
	lastListIn *s3.ListObjectsV2Input
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.lastPutIn = in
	raw, _ := io.ReadAll(in.Body)
	f.lastPutRaw = raw
	return &s3.PutObjectOutput{}, f.putErr
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.lastGetIn = in
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.getBody))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.lastListIn = in
	if f.listOut == nil {
		return &s3.ListObjectsV2Output{}, f.listErr
	}
	return f.listOut, f.listErr
}

type fakeAPIError struct{ code string }

func (e *fakeAPIError) Error() string                 { return e.code }
func (e *fakeAPIError) ErrorCode() string             { return e.code }
func (e *fakeAPIError) ErrorMessage() string          { return e.code }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func mustNewArchiveClient(t *testing.T, api *fakeS3) *ArchiveClient {
	t.Helper()
	c, err := NewArchiveClient(api, "bucket", "")
	require.NoError(t, err)
	return c
}

func TestNewArchiveClient_Validation(t *testing.T) {
	_, err := NewArchiveClient(nil, "bucket", "archives")
	require.Error(t, err)

	_, err = NewArchiveClient(&fakeS3{}, " ", "archives")
	require.Error(t, err)

	c, err := NewArchiveClient(&fakeS3{}, "bucket", "/cold/")
	require.NoError(t, err)
	require.Equal(t, "cold", c.prefix)
}

func TestArchiveKey(t *testing.T) {
	require.Equal(t, "archives/42/abc.json", ArchiveKey("archives", 42, "abc"))
}

func TestPutArchive_HappyPath(t *testing.T) {
	api := &fakeS3{}
	c := mustNewArchiveClient(t, api)
	rec := domain.ArchiveRecord{
		UserID: 42, SessionID: "abc", ModelName: "tinyllama",
		Conversation:   []domain.Message{{Role: domain.RoleUser, Content: "hello", TS: 1}},
		ArchiveVersion: domain.ArchiveVersion,
	}

	objectKey, err := c.PutArchive(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, "archives/42/abc.json", objectKey)
	require.Equal(t, "bucket", aws.ToString(api.lastPutIn.Bucket))
	require.Equal(t, "application/json", aws.ToString(api.lastPutIn.ContentType))
	require.Equal(t, "tinyllama", api.lastPutIn.Metadata["model_name"])
	require.Contains(t, string(api.lastPutRaw), "\n  \"session_id\": \"abc\"")

	var decoded domain.ArchiveRecord
	require.NoError(t, json.Unmarshal(api.lastPutRaw, &decoded))
	require.Equal(t, rec, decoded)
}

func TestPutArchive_ImportedMetadata(t *testing.T) {
	api := &fakeS3{}
	c := mustNewArchiveClient(t, api)
	_, err := c.PutArchive(context.Background(), domain.ArchiveRecord{UserID: 1, SessionID: "n", ImportedAt: "2026-01-01T00:00:00Z"})
	require.NoError(t, err)
	require.Equal(t, "true", api.lastPutIn.Metadata["imported"])
}

func TestPutArchive_Errors(t *testing.T) {
	c := mustNewArchiveClient(t, &fakeS3{})
	_, err := c.PutArchive(context.Background(), domain.ArchiveRecord{UserID: 1})
	require.Error(t, err)

	c = mustNewArchiveClient(t, &fakeS3{putErr: errors.New("AccessDenied")})
	_, err = c.PutArchive(context.Background(), domain.ArchiveRecord{UserID: 1, SessionID: "s"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "PutArchive")
}

func TestListArchives_HappyPath(t *testing.T) {
	modified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeS3{listOut: &s3.ListObjectsV2Output{Contents: []s3types.Object{
		{Key: aws.String("archives/42/aaa.json"), Size: aws.Int64(2048), LastModified: aws.Time(modified)},
		{Key: aws.String("archives/42/notes.txt"), Size: aws.Int64(1)},
		{Key: aws.String("archives/42/bbb.json"), Size: aws.Int64(10)},
	}}}
	c := mustNewArchiveClient(t, api)

	out, err := c.ListArchives(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "aaa", out[0].SessionID)
	require.Equal(t, int64(2048), out[0].Size)
	require.Equal(t, modified, out[0].LastModified)
	require.Equal(t, "bbb", out[1].SessionID)
	require.Equal(t, "archives/42/", aws.ToString(api.lastListIn.Prefix))
}

func TestListArchives_Error(t *testing.T) {
	c := mustNewArchiveClient(t, &fakeS3{listErr: errors.New("boom")})
	_, err := c.ListArchives(context.Background(), 42)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ListArchives")
}

func TestGetArchive_HappyPath(t *testing.T) {
	api := &fakeS3{getBody: []byte(`{"user_id":42,"session_id":"abc","model_name":"m","conversation":[{"role":"user","content":"x","ts":5}],"archive_version":"1.0"}`)}
	c := mustNewArchiveClient(t, api)
	rec, err := c.GetArchive(context.Background(), 42, "abc")
	require.NoError(t, err)
	require.Equal(t, "abc", rec.SessionID)
	require.Equal(t, []domain.Message{{Role: "user", Content: "x", TS: 5}}, rec.Conversation)
	require.Equal(t, "archives/42/abc.json", aws.ToString(api.lastGetIn.Key))
}

func TestGetArchive_NotFound(t *testing.T) {
	c := mustNewArchiveClient(t, &fakeS3{getErr: &s3types.NoSuchKey{}})
	_, err := c.GetArchive(context.Background(), 42, "abc")
	require.ErrorIs(t, err, ErrNotFound)

	c = mustNewArchiveClient(t, &fakeS3{getErr: &fakeAPIError{code: "NoSuchKey"}})
	_, err = c.GetArchive(context.Background(), 42, "abc")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetArchive_OtherFailures(t *testing.T) {
	c := mustNewArchiveClient(t, &fakeS3{getErr: &fakeAPIError{code: "AccessDenied"}})
	_, err := c.GetArchive(context.Background(), 42, "abc")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)

	c = mustNewArchiveClient(t, &fakeS3{getBody: []byte(`not-json`)})
	_, err = c.GetArchive(context.Background(), 42, "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode")
}
