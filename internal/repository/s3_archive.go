package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"chat-relay/internal/domain"
)

const (
	defaultArchivePrefix = "archives"
	archiveExt           = ".json"
	maxArchiveBytes      = 16 << 20
)

// s3API is the minimal S3 interface required by ArchiveClient.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// ArchiveClient stores immutable session archives as JSON objects under
// {prefix}/{user_id}/{session_id}.json.
type ArchiveClient struct {
	api    s3API
	bucket string
	prefix string
}

// NewArchiveClient creates an ArchiveClient. An empty prefix falls back to "archives".
func NewArchiveClient(api s3API, bucket, prefix string) (*ArchiveClient, error) {
	if api == nil {
		return nil, errors.New("repository: s3 api must not be nil")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("repository: bucket name must not be empty")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = defaultArchivePrefix
	}
	return &ArchiveClient{api: api, bucket: bucket, prefix: prefix}, nil
}

// ArchiveKey returns the object key of an archived session.
func ArchiveKey(prefix string, userID int64, sessionID string) string {
	return prefix + "/" + strconv.FormatInt(userID, 10) + "/" + sessionID + archiveExt
}

func (a *ArchiveClient) userPrefix(userID int64) string {
	return a.prefix + "/" + strconv.FormatInt(userID, 10) + "/"
}

// PutArchive writes rec and returns its object key.
func (a *ArchiveClient) PutArchive(ctx context.Context, rec domain.ArchiveRecord) (string, error) {
	if rec.SessionID == "" {
		return "", errors.New("repository: PutArchive: session id is required")
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("repository: PutArchive marshal: %w", err)
	}

	meta := map[string]string{
		"user_id":    strconv.FormatInt(rec.UserID, 10),
		"session_id": rec.SessionID,
	}
	if rec.Imported() {
		meta["imported"] = "true"
	} else {
		meta["model_name"] = rec.ModelName
	}

	objectKey := ArchiveKey(a.prefix, rec.UserID, rec.SessionID)
	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata:    meta,
	})
	if err != nil {
		return "", fmt.Errorf("repository: PutArchive %s: %w", objectKey, err)
	}
	return objectKey, nil
}

// ListArchives returns the archives of a user in key order.
func (a *ArchiveClient) ListArchives(ctx context.Context, userID int64) ([]domain.ArchiveSummary, error) {
	p := s3.NewListObjectsV2Paginator(a.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.userPrefix(userID)),
	})

	var out []domain.ArchiveSummary
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: ListArchives: %w", err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if !strings.HasSuffix(k, archiveExt) {
				continue
			}
			out = append(out, domain.ArchiveSummary{
				SessionID:    strings.TrimSuffix(path.Base(k), archiveExt),
				Key:          k,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

// GetArchive loads one archive. A missing object yields ErrNotFound.
func (a *ArchiveClient) GetArchive(ctx context.Context, userID int64, sessionID string) (domain.ArchiveRecord, error) {
	objectKey := ArchiveKey(a.prefix, userID, sessionID)
	out, err := a.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return domain.ArchiveRecord{}, fmt.Errorf("repository: GetArchive %s: %w", objectKey, ErrNotFound)
		}
		return domain.ArchiveRecord{}, fmt.Errorf("repository: GetArchive %s: %w", objectKey, err)
	}
	defer func() { _ = out.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(out.Body, maxArchiveBytes))
	if err != nil {
		return domain.ArchiveRecord{}, fmt.Errorf("repository: GetArchive read body: %w", err)
	}
	var rec domain.ArchiveRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.ArchiveRecord{}, fmt.Errorf("repository: GetArchive decode: %w", err)
	}
	return rec, nil
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
