package webhook

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"fleetcore/internal/config"
	"fleetcore/internal/models"
)

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes raw webhook bodies to a bucket under
// webhooks/<source>/<yyyy>/<mm>/<dd>/<payload_id>.
type S3Archiver struct {
	client objectPutter
	bucket string
}

func NewS3Archiver(client objectPutter, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket}
}

// NewS3Client builds an S3 client from the WEBHOOK_ARCHIVE_* settings. A custom
// endpoint (MinIO, localstack) is honoured when set.
func NewS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.WebhookArchiveRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.WebhookArchiveEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.WebhookArchiveEndpoint)
		}
		o.UsePathStyle = cfg.WebhookArchivePathStyle
	}), nil
}

// Key returns the object key for p.
func Key(p models.IntegrationPayload) string {
	return fmt.Sprintf("webhooks/%s/%s/%s", p.Source, p.CreatedAt.UTC().Format("2006/01/02"), p.PayloadID)
}

func (a *S3Archiver) Archive(ctx context.Context, p models.IntegrationPayload, raw []byte) error {
	contentType := p.Headers["content-type"]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(Key(p)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{"source": p.Source, "payload-id": p.PayloadID},
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
