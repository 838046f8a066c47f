package s3

import (
	"context"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// CreateMultipartUpload starts a multipart upload and returns its upload ID.
func (p *Provider) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	input := &s3.CreateMultipartUploadInput{Bucket: aws.String(p.bucket), Key: aws.String(key)}
	if ct := provider.ContentTypeFor(key); ct != "" {
		input.ContentType = aws.String(ct)
	}
	out, err := p.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", p.wrapError("CreateMultipartUpload", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart uploads one part. size may be -1 when unknown.
func (p *Provider) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (provider.CompletedPart, error) {
	input := &s3.UploadPartInput{
		Bucket:     aws.String(p.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	out, err := p.client.UploadPart(ctx, input)
	if err != nil {
		return provider.CompletedPart{}, p.wrapError("UploadPart", key, err)
	}
	return provider.CompletedPart{
		PartNumber: partNumber,
		ETag:       cleanETag(aws.ToString(out.ETag)),
		Size:       size,
	}, nil
}

// ListParts returns every part uploaded so far, ordered by part number.
func (p *Provider) ListParts(ctx context.Context, key, uploadID string) ([]provider.CompletedPart, error) {
	input := &s3.ListPartsInput{
		Bucket:   aws.String(p.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}

	var parts []provider.CompletedPart
	for {
		out, err := p.client.ListParts(ctx, input)
		if err != nil {
			return nil, p.wrapError("ListParts", key, err)
		}
		parts = append(parts, partsFromOutput(out.Parts)...)

		if !aws.ToBool(out.IsTruncated) || out.NextPartNumberMarker == nil {
			break
		}
		input.PartNumberMarker = out.NextPartNumberMarker
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// CompleteMultipartUpload assembles parts into the final object.
func (p *Provider) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []provider.CompletedPart) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(quoteETag(part.ETag)),
			PartNumber: aws.Int32(part.PartNumber),
		})
	}

	_, err := p.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(p.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return p.wrapError("CompleteMultipartUpload", key, err)
	}
	return nil
}

// AbortMultipartUpload aborts a multipart upload and discards its parts.
func (p *Provider) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := p.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{Bucket: aws.String(p.bucket), Key: aws.String(key), UploadId: aws.String(uploadID)})
	if err != nil {
		return p.wrapError("AbortMultipartUpload", key, err)
	}
	return nil
}

// ListMultipartUploads returns open uploads whose key starts with prefix.
func (p *Provider) ListMultipartUploads(ctx context.Context, prefix string) ([]provider.MultipartUpload, error) {
	input := &s3.ListMultipartUploadsInput{Bucket: aws.String(p.bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var uploads []provider.MultipartUpload
	for {
		out, err := p.client.ListMultipartUploads(ctx, input)
		if err != nil {
			return nil, p.wrapError("ListMultipartUploads", "", err)
		}
		for _, u := range out.Uploads {
			uploads = append(uploads, provider.MultipartUpload{
				Key:       aws.ToString(u.Key),
				UploadID:  aws.ToString(u.UploadId),
				Initiated: aws.ToTime(u.Initiated),
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.UploadIdMarker = out.NextUploadIdMarker
	}
	return uploads, nil
}

func partsFromOutput(in []types.Part) []provider.CompletedPart {
	out := make([]provider.CompletedPart, 0, len(in))
	for _, part := range in {
		out = append(out, provider.CompletedPart{
			PartNumber: aws.ToInt32(part.PartNumber),
			ETag:       cleanETag(aws.ToString(part.ETag)),
			Size:       aws.ToInt64(part.Size),
		})
	}
	return out
}

// quoteETag restores the quoted form S3 expects at completion.
func quoteETag(etag string) string {
	if etag == "" {
		return etag
	}
	return "\"" + cleanETag(etag) + "\""
}
