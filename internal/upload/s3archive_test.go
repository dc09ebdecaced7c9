package upload

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/sermon-relay/backend/config"
)

// fakeS3 records multipart calls in memory.
type fakeS3 struct {
	uploadID  string
	parts     []types.Part
	partBytes map[int32][]byte
	completed *s3.CompleteMultipartUploadInput
	aborted   bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{uploadID: "upload-1", partBytes: make(map[int32][]byte)}
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(f.uploadID)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	num := aws.ToInt32(in.PartNumber)
	etag := aws.String("etag-" + string(rune('0'+num)))
	f.partBytes[num] = body
	f.parts = append(f.parts, types.Part{
		PartNumber: in.PartNumber,
		ETag:       etag,
		Size:       aws.Int64(int64(len(body))),
	})
	return &s3.UploadPartOutput{ETag: etag}, nil
}

func (f *fakeS3) ListParts(ctx context.Context, in *s3.ListPartsInput, opts ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	return &s3.ListPartsOutput{Parts: f.parts, IsTruncated: aws.Bool(false)}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.completed = in
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.aborted = true
	return &s3.AbortMultipartUploadOutput{}, nil
}

func testArchive(api s3API) *S3Archive {
	return newS3ArchiveWithAPI(api, config.ArchiveConfig{
		Region: "eu-central-1",
		Bucket: "sermon-archive",
	}, zap.NewNop())
}

func TestS3ArchiveUploadEndToEnd(t *testing.T) {
	fake := newFakeS3()
	a := testArchive(fake)
	ctx := context.Background()

	const size = 9 * 1024 * 1024 // two 8MB-default parts
	path := filepath.Join(t.TempDir(), "service.mkv")
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}

	handle, err := a.Begin(ctx, path, size, Metadata{Title: "Sunday Service"})
	if err != nil {
		t.Fatal(err)
	}
	if handle != "services/service.mkv|upload-1" {
		t.Fatalf("handle = %s", handle)
	}

	var last int64
	res, err := a.Upload(ctx, handle, path, size, 0, func(sent, total int64) { last = sent })
	if err != nil {
		t.Fatal(err)
	}
	if last != size {
		t.Fatalf("final progress = %d, want %d", last, size)
	}
	if res.VideoID != "services/service.mkv" {
		t.Fatalf("video id = %s", res.VideoID)
	}
	if fake.completed == nil || len(fake.completed.MultipartUpload.Parts) != 2 {
		t.Fatal("multipart upload not completed with both parts")
	}
}

func TestS3ArchiveResumeSkipsReceivedParts(t *testing.T) {
	fake := newFakeS3()
	a := testArchive(fake)
	ctx := context.Background()

	const partSize = 8 * 1024 * 1024
	const size = partSize + 4096
	path := filepath.Join(t.TempDir(), "service.mp4")
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}

	// Part 1 landed before the crash.
	fake.parts = []types.Part{{
		PartNumber: aws.Int32(1),
		ETag:       aws.String("etag-1"),
		Size:       aws.Int64(partSize),
	}}

	handle := "services/service.mp4|upload-1"
	offset, err := a.RemoteOffset(ctx, handle, size)
	if err != nil {
		t.Fatal(err)
	}
	if offset != partSize {
		t.Fatalf("remote offset = %d, want %d", offset, partSize)
	}

	if _, err := a.Upload(ctx, handle, path, size, offset, nil); err != nil {
		t.Fatal(err)
	}
	if len(fake.partBytes) != 1 {
		t.Fatalf("parts re-sent = %d, want only the missing one", len(fake.partBytes))
	}
	if _, ok := fake.partBytes[2]; !ok {
		t.Fatal("missing part 2 was not sent")
	}
	if fake.completed == nil || len(fake.completed.MultipartUpload.Parts) != 2 {
		t.Fatal("completion request must stitch the pre-crash part back in")
	}
}

func TestS3ArchiveCancelAborts(t *testing.T) {
	fake := newFakeS3()
	a := testArchive(fake)

	if err := a.Cancel(context.Background(), "services/x.mp4|upload-1"); err != nil {
		t.Fatal(err)
	}
	if !fake.aborted {
		t.Fatal("abort not called")
	}
}

func TestS3ArchiveMalformedHandle(t *testing.T) {
	a := testArchive(newFakeS3())
	if _, err := a.RemoteOffset(context.Background(), "no-separator", 10); err == nil {
		t.Fatal("expected error for malformed handle")
	}
	if err := a.Cancel(context.Background(), "|"); err == nil {
		t.Fatal("expected error for empty handle parts")
	}
}
