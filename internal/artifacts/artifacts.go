package artifacts

import (
	"context"
	"path"
	"strings"
)

// Store keeps files produced by pipeline stages and returns a URI for each
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// JobKey builds the object key of a job output, e.g. jobs/<job_id>/index.html
func JobKey(jobID string, parts ...string) string {
	elems := append([]string{"jobs", jobID}, parts...)
	return path.Join(elems...)
}

// ContentTypeForKey guesses a content type from the key extension
func ContentTypeForKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.HasSuffix(k, ".html"), strings.HasSuffix(k, ".htm"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(k, ".md"):
		return "text/markdown; charset=utf-8"
	case strings.HasSuffix(k, ".json"):
		return "application/json"
	case strings.HasSuffix(k, ".png"):
		return "image/png"
	case strings.HasSuffix(k, ".jpg"), strings.HasSuffix(k, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(k, ".webp"):
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func cleanKey(key string) (string, bool) {
	k := path.Clean("/" + strings.TrimSpace(key))
	k = strings.TrimPrefix(k, "/")
	if k == "" || k == "." {
		return "", false
	}
	return k, true
}
