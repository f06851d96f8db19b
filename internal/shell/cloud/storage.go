package cloud

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// =============================================================================
// Object Storage
// =============================================================================

// EnsureBucket looks up the named bucket, creating it if absent.
func (p *Provisioner) EnsureBucket(ctx context.Context, name string) error {
	_, err := p.clients.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	if err == nil {
		return nil
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(name)}
	// us-east-1 rejects an explicit location constraint.
	if p.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(p.region),
		}
	}
	if _, err := p.clients.S3.CreateBucket(ctx, input); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	p.logger.Info("bucket created", "name", name)
	return nil
}

// UploadObject streams one object into a bucket and returns its s3 location
// in bucket/key form.
func (p *Provisioner) UploadObject(ctx context.Context, bucket, key string, body io.Reader) (string, error) {
	_, err := p.clients.Uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s/%s: %w", bucket, key, err)
	}
	return bucket + "/" + key, nil
}

// =============================================================================
// Static Site Hosting
// =============================================================================

// EnsureWebsiteBucket configures the named bucket for public static
// hosting and returns the website endpoint URL.
func (p *Provisioner) EnsureWebsiteBucket(ctx context.Context, name string) (string, error) {
	if err := p.EnsureBucket(ctx, name); err != nil {
		return "", err
	}

	_, err := p.clients.S3.PutBucketWebsite(ctx, &s3.PutBucketWebsiteInput{
		Bucket: aws.String(name),
		WebsiteConfiguration: &s3types.WebsiteConfiguration{
			IndexDocument: &s3types.IndexDocument{Suffix: aws.String("index.html")},
			ErrorDocument: &s3types.ErrorDocument{Key: aws.String("index.html")},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to configure website hosting on %s: %w", name, err)
	}

	policy := fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [{"Effect": "Allow", "Principal": "*", "Action": "s3:GetObject", "Resource": "arn:aws:s3:::%s/*"}]
}`, name)
	if _, err := p.clients.S3.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(name),
		Policy: aws.String(policy),
	}); err != nil {
		return "", fmt.Errorf("failed to set public read policy on %s: %w", name, err)
	}

	return fmt.Sprintf("http://%s.s3-website-%s.amazonaws.com", name, p.region), nil
}

// SyncDirectory uploads every file under dir into the bucket, keyed by the
// path relative to dir, with content types derived from extensions.
func (p *Provisioner) SyncDirectory(ctx context.Context, bucket, dir string) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()

		input := &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   f,
		}
		if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
			input.ContentType = aws.String(ct)
		}
		if _, err := p.clients.Uploader.Upload(ctx, input); err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, err
	}
	p.logger.Info("directory synced", "bucket", bucket, "files", uploaded)
	return uploaded, nil
}
