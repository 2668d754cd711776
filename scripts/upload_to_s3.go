//go:build ignore
// +build ignore

// upload_to_s3 is a standalone example of the kind of object-storage
// pipe stage spec.md's scope explicitly leaves external to the core: it
// streams a finished backup file to S3 after the backup process exits,
// the same way a caller might pipe through gzip for compression. Run it
// with `go run scripts/upload_to_s3.go <file> <bucket> <key>`.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: upload_to_s3 <file> <bucket> <key>")
		os.Exit(2)
	}
	path, bucket, key := os.Args[1], os.Args[2], os.Args[3]

	ctx := context.Background()
	if err := upload(ctx, path, bucket, key); err != nil {
		fmt.Fprintln(os.Stderr, "upload_to_s3:", err)
		os.Exit(1)
	}
}

func upload(ctx context.Context, path, bucket, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening backup file: %w", err)
	}
	defer f.Close()

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("putting object to S3: %w", err)
	}
	return nil
}
