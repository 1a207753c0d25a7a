package utils

import (
	"fmt"
	"path"
	"strings"
)

// Layout builds the object keys of the landing zone:
//
//	<prefix>/<source>/records/<id>/<content-hash>.json
//	<prefix>/<source>/batches/<run-seq>.jsonl
//	exports/<table>/<version>.jsonl
type Layout struct {
	Prefix string
}

// NewLayout returns a layout rooted at prefix ("landing" when empty).
func NewLayout(prefix string) Layout {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "landing"
	}
	return Layout{Prefix: prefix}
}

// RecordsPrefix is the prefix every record blob of source lives under.
func (l Layout) RecordsPrefix(source string) string {
	return path.Join(l.Prefix, source, "records") + "/"
}

// RecordKey is the content-addressed key of one record version.
func (l Layout) RecordKey(source, id, contentHash string) string {
	return path.Join(l.Prefix, source, "records", id, contentHash+".json")
}

// BatchesPrefix is the prefix of the batch manifests of source.
func (l Layout) BatchesPrefix(source string) string {
	return path.Join(l.Prefix, source, "batches") + "/"
}

// ManifestKey is the manifest of one run's batch. The run sequence is zero
// padded so manifests list in run order.
func (l Layout) ManifestKey(source string, runSeq int64) string {
	return path.Join(l.Prefix, source, "batches", fmt.Sprintf("%020d.jsonl", runSeq))
}

// ExportKey is where an exported table version is written.
func (l Layout) ExportKey(table, version string) string {
	if len(version) > 12 {
		version = version[:12]
	}
	return path.Join("exports", table, version+".jsonl")
}

// IsRecordKey reports whether key is a record blob (not a temp or manifest file).
func (l Layout) IsRecordKey(key string) bool {
	return strings.HasSuffix(key, ".json") && strings.Contains(key, "/records/")
}

// GetFileType determines the file type based on extension
func GetFileType(fileName string) string {
	switch strings.ToLower(path.Ext(fileName)) {
	case ".json":
		return "json"
	case ".jsonl", ".ndjson":
		return "jsonl"
	case ".csv":
		return "csv"
	default:
		return "unknown"
	}
}

// ContentType is the MIME type objects of fileName are served with.
func ContentType(fileName string) string {
	switch GetFileType(fileName) {
	case "json":
		return "application/json"
	case "jsonl":
		return "application/x-ndjson"
	case "csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
