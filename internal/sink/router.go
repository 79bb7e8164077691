package sink

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Router derives object keys for session streams using Hive-style
// partitioning, so streams of one session and day share a prefix.
type Router struct {
	protocol string
	bucket   string
	basePath string
}

// NewRouter creates a new object key router.
func NewRouter(protocol, bucket, basePath string) *Router {
	return &Router{
		protocol: protocol,
		bucket:   bucket,
		basePath: strings.Trim(basePath, "/"),
	}
}

// Key returns the object key for a stream of session started at start.
// Format: basePath/session=NAME/dt=YYYY-MM-DD/trace_YYYYMMDD_HHMMSS_ID.evp[.ext]
func (r *Router) Key(session, id string, start time.Time, c Compression) string {
	t := start.UTC()
	if len(id) > 8 {
		id = id[:8]
	}
	name := fmt.Sprintf("trace_%s_%s%s%s", t.Format("20060102_150405"), id, StreamExtension, c.Extension())
	return path.Join(r.basePath, "session="+sanitize(session), "dt="+t.Format("2006-01-02"), name)
}

// URI returns the full location of key, e.g. s3://bucket/key.
func (r *Router) URI(key string) string {
	return fmt.Sprintf("%s://%s/%s", r.protocol, r.bucket, key)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '=':
			return '_'
		}
		return r
	}, s)
}
