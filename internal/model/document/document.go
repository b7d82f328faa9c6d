package document

import (
	"path/filepath"
	"strings"
)

// Document mirrors one entry of the backend's knowledge base listing.
type Document struct {
	Name       string `json:"name"`
	ChunkCount int    `json:"chunks"`
}

// FileBlob is a file queued for upload.
type FileBlob struct {
	Name string
	Data []byte
}

// DefaultExtensions is the advisory upload allow-list.
var DefaultExtensions = []string{".pdf", ".txt", ".docx"}

// Allowed reports whether name carries one of the allowed extensions.
// An empty allow-list accepts everything.
func Allowed(name string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	for _, allowed := range extensions {
		if strings.ToLower(allowed) == ext {
			return true
		}
	}
	return false
}

// FilterAllowed splits files into accepted and rejected by extension.
func FilterAllowed(files []FileBlob, extensions []string) (accepted []FileBlob, rejected []string) {
	for _, file := range files {
		if Allowed(file.Name, extensions) {
			accepted = append(accepted, file)
			continue
		}
		rejected = append(rejected, file.Name)
	}
	return accepted, rejected
}

// Dedupe drops repeated names, keeping the first occurrence and the order.
func Dedupe(docs []Document) []Document {
	seen := make(map[string]struct{}, len(docs))
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if _, ok := seen[doc.Name]; ok {
			continue
		}
		seen[doc.Name] = struct{}{}
		if doc.ChunkCount < 0 {
			doc.ChunkCount = 0
		}
		out = append(out, doc)
	}
	return out
}
