//go:build ignore
// +build ignore

package main

import (
	"context"
	"testing"
)

func TestUploadFailsWhenFileMissing(t *testing.T) {
	err := upload(context.Background(), "/no/such/backup/file", "some-bucket", "some-key")
	if err == nil {
		t.Fatal("expected an error opening a missing backup file")
	}
}
