package ci_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildArtifactsReferenceEveryBinary(t *testing.T) {
	projectRoot := filepath.Clean(filepath.Join("..", ".."))
	artifacts := []struct {
		relativePath  string
		requiredSnips [][]byte
	}{
		{
			relativePath:  filepath.Join(".github", "workflows", "go-tests.yml"),
			requiredSnips: [][]byte{[]byte("go test ./..."), []byte("go-version-file: go.mod")},
		},
		{
			relativePath:  filepath.Join(".github", "workflows", "release.yml"),
			requiredSnips: [][]byte{[]byte("docker build")},
		},
		{
			relativePath:  "Dockerfile",
			requiredSnips: [][]byte{[]byte("./cmd/oopsbff"), []byte("./cmd/oops")},
		},
	}

	for _, artifact := range artifacts {
		data, err := os.ReadFile(filepath.Join(projectRoot, artifact.relativePath))
		if err != nil {
			t.Fatalf("read %q: %v", artifact.relativePath, err)
		}
		for _, snip := range artifact.requiredSnips {
			if !bytes.Contains(data, snip) {
				t.Fatalf("%q missing required snippet %q", artifact.relativePath, string(snip))
			}
		}
	}
}
