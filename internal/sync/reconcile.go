package sync

import (
	"path"
	"sort"
	"strings"

	"github.com/coralsync/coralsync/internal/provider"
	"github.com/coralsync/coralsync/internal/storage"
)

// OpKind is the action a reconciliation operation performs.
type OpKind string

const (
	OpUpload   OpKind = "upload"
	OpDownload OpKind = "download"
	OpDelete   OpKind = "delete"
)

// Operation is one step of a reconciliation pass. RelPath is relative
// to the tree roots; File describes the side the data flows from (the
// destination side for deletes).
type Operation struct {
	Kind    OpKind
	RelPath string
	File    provider.FileInfo
}

// Tree is a flattened listing of one side, keyed by path relative to
// the tree root. Files only; directories are recreated from parents.
type Tree map[string]provider.FileInfo

// shouldUpdate reports whether src should replace dst. Modification
// time decides when both sides carry one (strictly newer wins). A
// missing timestamp falls back to size inequality, equal sizes fall
// back to checksum inequality when both sides report one.
func shouldUpdate(src, dst provider.FileInfo) bool {
	if !src.ModTime.IsZero() && !dst.ModTime.IsZero() {
		return src.ModTime.After(dst.ModTime)
	}
	if src.Size != dst.Size {
		return true
	}
	if src.Checksum != "" && dst.Checksum != "" {
		return src.Checksum != dst.Checksum
	}
	return false
}

// Plan computes the operations needed to reconcile dst with src under
// the given mode. The result is ordered by path so repeated runs over
// identical trees produce identical plans.
func Plan(mode string, src, dst Tree, opts storage.SyncOptions) []Operation {
	var ops []Operation

	for _, rel := range sortedKeys(src) {
		sf := src[rel]
		df, exists := dst[rel]
		if !exists || shouldUpdate(sf, df) {
			ops = append(ops, Operation{Kind: OpUpload, RelPath: rel, File: sf})
		}
	}

	switch mode {
	case storage.ModeTwoWay:
		for _, rel := range sortedKeys(dst) {
			df := dst[rel]
			sf, exists := src[rel]
			if !exists || shouldUpdate(df, sf) {
				ops = append(ops, Operation{Kind: OpDownload, RelPath: rel, File: df})
			}
		}
	case storage.ModeMirror:
		for _, rel := range sortedKeys(dst) {
			if _, exists := src[rel]; !exists {
				ops = append(ops, Operation{Kind: OpDelete, RelPath: rel, File: dst[rel]})
			}
		}
	case storage.ModeOneWay:
		if opts.DeleteOrphans {
			for _, rel := range sortedKeys(dst) {
				if _, exists := src[rel]; !exists {
					ops = append(ops, Operation{Kind: OpDelete, RelPath: rel, File: dst[rel]})
				}
			}
		}
	}

	return ops
}

func sortedKeys(t Tree) []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// conflictName derives the alternate destination name used by the
// rename policy: file.txt -> file.conflict.txt.
func conflictName(p string) string {
	dir := path.Dir(p)
	base := path.Base(p)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	renamed := stem + ".conflict" + ext
	if dir == "/" || dir == "." {
		return "/" + renamed
	}
	return dir + "/" + renamed
}
