package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/sermon-relay/backend/config"
)

// s3API is the subset of the S3 client the adapter drives; a fake stands in
// for it in tests.
type s3API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, in *s3.ListPartsInput, opts ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Archive stores recordings in an S3 bucket via multipart upload. The
// persisted handle is "key|uploadID": with it the adapter can list the parts
// already received and continue after a crash instead of re-sending the file.
type S3Archive struct {
	api      s3API
	cfg      config.ArchiveConfig
	partSize int64
	logger   *zap.Logger
}

// NewS3Archive creates the archive adapter, building the client the same way
// regardless of whether static credentials or the default chain are in play.
func NewS3Archive(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*S3Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	} else {
		logger.Warn("archive using default AWS credential chain")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newS3ArchiveWithAPI(s3.NewFromConfig(awsCfg), cfg, logger), nil
}

func newS3ArchiveWithAPI(api s3API, cfg config.ArchiveConfig, logger *zap.Logger) *S3Archive {
	partSize := int64(cfg.PartSizeMB) * 1024 * 1024
	if partSize < 5*1024*1024 {
		partSize = 8 * 1024 * 1024 // S3 minimum part size is 5MB
	}
	return &S3Archive{api: api, cfg: cfg, partSize: partSize, logger: logger}
}

// Name returns the platform identifier.
func (a *S3Archive) Name() string { return "s3-archive" }

// Configured reports whether a bucket is set.
func (a *S3Archive) Configured() bool { return a.cfg.Bucket != "" }

// Begin starts a multipart upload and returns the "key|uploadID" handle.
func (a *S3Archive) Begin(ctx context.Context, filePath string, fileSize int64, meta Metadata) (string, error) {
	key := path.Join("services", path.Base(filePath))
	out, err := a.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentTypeFor(filePath)),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}
	a.logger.Info("archive upload initialized", zap.String("key", key))
	return key + "|" + aws.ToString(out.UploadId), nil
}

func splitHandle(handle string) (key, uploadID string, err error) {
	key, uploadID, ok := strings.Cut(handle, "|")
	if !ok || key == "" || uploadID == "" {
		return "", "", fmt.Errorf("malformed archive handle %q", handle)
	}
	return key, uploadID, nil
}

// RemoteOffset sums the sizes of parts S3 already holds for the handle.
func (a *S3Archive) RemoteOffset(ctx context.Context, handle string, fileSize int64) (int64, error) {
	_, parts, err := a.listParts(ctx, handle)
	if err != nil {
		return 0, err
	}
	var offset int64
	for _, p := range parts {
		offset += aws.ToInt64(p.Size)
	}
	return offset, nil
}

func (a *S3Archive) listParts(ctx context.Context, handle string) (string, []types.Part, error) {
	key, uploadID, err := splitHandle(handle)
	if err != nil {
		return "", nil, err
	}
	var parts []types.Part
	var marker *string
	for {
		out, err := a.api.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(a.cfg.Bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return "", nil, fmt.Errorf("list parts: %w", err)
		}
		parts = append(parts, out.Parts...)
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}
	return key, parts, nil
}

// Upload sends the remaining parts and completes the multipart upload,
// stitching previously received parts into the completion request.
func (a *S3Archive) Upload(ctx context.Context, handle, filePath string, fileSize, offset int64, progress ProgressFunc) (Result, error) {
	key, uploadID, err := splitHandle(handle)
	if err != nil {
		return Result{}, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return Result{}, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	_, existing, err := a.listParts(ctx, handle)
	if err != nil {
		return Result{}, err
	}
	completed := make([]types.CompletedPart, 0, len(existing))
	for _, p := range existing {
		completed = append(completed, types.CompletedPart{
			ETag:       p.ETag,
			PartNumber: p.PartNumber,
		})
	}

	// Parts are fixed-size, so the next part number follows directly from
	// the byte offset.
	partNumber := int32(offset/a.partSize) + 1
	for offset < fileSize {
		n := a.partSize
		if rem := fileSize - offset; rem < n {
			n = rem
		}
		buf := make([]byte, n)
		if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
			return Result{}, fmt.Errorf("read part at %d: %w", offset, err)
		}

		out, err := a.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(a.cfg.Bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(buf),
		})
		if err != nil {
			return Result{}, fmt.Errorf("upload part %d: %w", partNumber, err)
		}
		completed = append(completed, types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(partNumber),
		})

		offset += n
		partNumber++
		if progress != nil {
			progress(offset, fileSize)
		}
	}

	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})
	_, err = a.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(a.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("complete multipart upload: %w", err)
	}

	a.logger.Info("archive upload complete", zap.String("key", key))
	return Result{
		VideoID:  key,
		VideoURL: fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.cfg.Bucket, a.cfg.Region, key),
	}, nil
}

// Finalize is a no-op: an archived object has no publish step.
func (a *S3Archive) Finalize(ctx context.Context, res Result, meta Metadata) error { return nil }

// EndBroadcast is a no-op: the archive has no live broadcast.
func (a *S3Archive) EndBroadcast(ctx context.Context, broadcastID string) error { return nil }

// Cancel aborts the multipart upload, discarding received parts.
func (a *S3Archive) Cancel(ctx context.Context, handle string) error {
	key, uploadID, err := splitHandle(handle)
	if err != nil {
		return err
	}
	_, err = a.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(a.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}
