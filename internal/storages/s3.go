package storages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/oriys/conserver/internal/storage"
	"github.com/oriys/conserver/internal/vcon"
)

// S3 is a storage.Backend backed by an S3-compatible object store. Each
// vCon is stored as a single object keyed by UUID; PutObject is
// naturally upsert-by-UUID, satisfying the storage contract's idempotency
// assumption.
type S3 struct {
	client *s3.Client
	vcons  *vcon.Store
	bucket string
	prefix string
}

// NewS3 creates an S3-backed storage against bucket, storing objects under
// prefix+uuid.
func NewS3(client *s3.Client, vcons *vcon.Store, bucket, prefix string) *S3 {
	return &S3{client: client, vcons: vcons, bucket: bucket, prefix: prefix}
}

func (s *S3) key(uuid string) string { return s.prefix + uuid }

func (s *S3) Save(ctx context.Context, uuid string, _ storage.Options) error {
	doc, err := s.vcons.Get(ctx, uuid)
	if err != nil {
		return fmt.Errorf("storages/s3: read vcon %s: %w", uuid, err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(uuid)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("storages/s3: put %s: %w", uuid, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, uuid string, _ storage.Options) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(uuid)),
	})
	if err != nil {
		var notFound *smithy.GenericAPIError
		if errors.As(err, &notFound) && (notFound.Code == "NoSuchKey" || notFound.Code == "NotFound") {
			return nil, nil
		}
		return nil, fmt.Errorf("storages/s3: get %s: %w", uuid, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3) Delete(ctx context.Context, uuid string, _ storage.Options) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(uuid)),
	})
	if err != nil {
		return fmt.Errorf("storages/s3: delete %s: %w", uuid, err)
	}
	return nil
}
