// Copyright (C) 2026 The Skylign Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package store

import (
	"bytes"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Access stores objects in an S3 bucket. root is the bucket name.
// S3 puts are atomic on their own, so no temp object dance is needed
type S3Access struct {
	api s3iface.S3API
}

func NewS3Access(api s3iface.S3API) *S3Access {
	return &S3Access{api: api}
}

// NewS3AccessFromRegion dials S3 in the given region with the default
// credential chain
func NewS3AccessFromRegion(region string) (*S3Access, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, err
	}
	return NewS3Access(s3.New(sess)), nil
}

func (a *S3Access) OpenObject(bucket, p string) (io.ReadCloser, error) {
	result, err := a.api.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(p),
	})
	if err != nil {
		return nil, err
	}
	return result.Body, nil
}

func (a *S3Access) ReadObject(bucket, p string) ([]byte, error) {
	r, err := a.OpenObject(bucket, p)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (a *S3Access) WriteObject(bucket, p string, data []byte) error {
	_, err := a.api.PutObject(&s3.PutObjectInput{
		Body:   bytes.NewReader(data),
		Bucket: aws.String(bucket),
		Key:    aws.String(p),
	})
	return err
}

func (a *S3Access) DeleteObject(bucket, p string) error {
	_, err := a.api.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(p),
	})
	return err
}

// ListObjects pages through ListObjectsV2 until no continuation token
// remains. Keys ending in a slash are placeholder directory objects
// and are skipped
func (a *S3Access) ListObjects(bucket, prefix string) ([]string, error) {
	params := s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	result := []string{}
	for {
		listing, err := a.api.ListObjectsV2(&params)
		if err != nil {
			return nil, err
		}
		for _, item := range listing.Contents {
			if key := aws.StringValue(item.Key); !strings.HasSuffix(key, "/") {
				result = append(result, key)
			}
		}
		if listing.IsTruncated == nil || !*listing.IsTruncated || listing.NextContinuationToken == nil {
			break
		}
		params.ContinuationToken = listing.NextContinuationToken
	}
	return result, nil
}

func (a *S3Access) IsNotFoundError(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
