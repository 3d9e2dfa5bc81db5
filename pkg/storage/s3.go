package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/paulschiretz/pgl-dump/pkg/metafile"
	"github.com/paulschiretz/pgl-dump/pkg/packager"
	"github.com/paulschiretz/pgl-dump/pkg/util"
)

// deleteBatchSize is the DeleteObjects limit.
const deleteBatchSize = 1000

// s3API is the part of *s3.Client the backend uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3 stores generations in an S3 compatible bucket under
// <prefix>/<trigger>/<timestamp>/.
type S3 struct {
	Name            string
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
	StorageClass    string

	mu     sync.Mutex
	client s3API
}

func (s *S3) ID() string { return s.Name }

// connect creates the client on first use. Static keys win over the default
// credential chain (env, shared config, instance role).
func (s *S3) connect(ctx context.Context) (s3API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if s.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.Region))
	}
	if s.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
	}
	s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
		}
		o.UsePathStyle = s.PathStyle
	})
	return s.client, nil
}

func (s *S3) triggerPrefix(trigger string) string {
	return path.Join(s.Prefix, util.SanitizeName(trigger)) + "/"
}

func (s *S3) generationPrefix(trigger, key string) string {
	return s.triggerPrefix(trigger) + key + "/"
}

func (s *S3) url(key string) string {
	return "s3://" + s.Bucket + "/" + key
}

// Upload puts every package file and then the manifest. A failed upload
// removes the objects it already wrote.
func (s *S3) Upload(ctx context.Context, pkg *packager.Package) (Generation, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return Generation{}, &TransferError{DestinationID: s.Name, Err: err}
	}

	genPrefix := s.generationPrefix(pkg.Trigger, pkg.TimestampString())
	var written []string
	var failed []FileError
	for _, f := range pkg.Files {
		key := genPrefix + f.Name
		if err := s.putFile(ctx, client, key, f.Path, f.Size); err != nil {
			failed = append(failed, FileError{Name: f.Name, Err: err})
			continue
		}
		written = append(written, key)
	}

	if len(failed) == 0 {
		data, err := metafile.Marshal(pkg.Manifest())
		if err == nil {
			key := genPrefix + metafile.MetaFileName
			_, err = client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(s.Bucket),
				Key:           aws.String(key),
				Body:          bytes.NewReader(data),
				ContentLength: aws.Int64(int64(len(data))),
				ContentType:   aws.String("application/json"),
			})
			if err == nil {
				written = append(written, key)
			}
		}
		if err != nil {
			failed = append(failed, FileError{Name: metafile.MetaFileName, Err: err})
		}
	}

	if len(failed) > 0 {
		if len(written) > 0 {
			_ = s.deleteKeys(context.WithoutCancel(ctx), client, written)
		}
		return Generation{}, &TransferError{DestinationID: s.Name, Files: failed}
	}

	ids := make([]string, len(pkg.Files))
	for i, f := range pkg.Files {
		ids[i] = s.url(genPrefix + f.Name)
	}
	return newGeneration(s.Name, pkg, ids), nil
}

func (s *S3) putFile(ctx context.Context, client s3API, key, filePath string, size int64) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
	}
	if s.StorageClass != "" {
		in.StorageClass = s3types.StorageClass(s.StorageClass)
	}
	_, err = client.PutObject(ctx, in)
	return err
}

// ListGenerations lists the common prefixes below the trigger prefix.
func (s *S3) ListGenerations(ctx context.Context, trigger string) ([]Generation, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	prefix := s.triggerPrefix(trigger)
	var gens []Generation
	var token *string
	for {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.Bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", s.url(prefix), err)
		}
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			gen, ok := parseGeneration(trigger, s.Name, name)
			if !ok {
				continue
			}
			gen.RemoteIdentifiers = []string{s.url(aws.ToString(cp.Prefix))}
			gens = append(gens, gen)
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	SortNewestFirst(gens)
	return gens, nil
}

// DeleteGeneration removes every object below the generation prefix.
func (s *S3) DeleteGeneration(ctx context.Context, gen Generation) error {
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}

	prefix := s.generationPrefix(gen.Trigger, gen.Key())
	var keys []string
	var token *string
	for {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", s.url(prefix), err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: %s", ErrGenerationNotFound, s.url(prefix))
	}
	return s.deleteKeys(ctx, client, keys)
}

func (s *S3) deleteKeys(ctx context.Context, client s3API, keys []string) error {
	var errs []error
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))
		objects := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.Bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range out.Errors {
			errs = append(errs, fmt.Errorf("%s: %s %s", aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message)))
		}
	}
	return errors.Join(errs...)
}

var _ Storage = (*S3)(nil)
