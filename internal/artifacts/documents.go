package artifacts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// BackupLayout is the timestamp format of configuration backups.
const BackupLayout = "20060102T150405"

// WriteOptimizationResult writes the result document of a search.
func WriteOptimizationResult(path string, result *types.OptimizationResult) error {
	return WriteJSON(path, result)
}

// ReadOptimizationResults loads search results from path. path may be a
// single result document, a JSON array of results, or a directory whose
// *.json files are read in name order.
func ReadOptimizationResults(path string) ([]*types.OptimizationResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &types.IOFailure{Op: "stat", Path: path, Err: err}
	}
	if !info.IsDir() {
		return readResultFile(path)
	}

	files, err := filepath.Glob(filepath.Join(path, "*.json"))
	if err != nil {
		return nil, &types.IOFailure{Op: "glob", Path: path, Err: err}
	}
	sort.Strings(files)

	var out []*types.OptimizationResult
	for _, f := range files {
		results, err := readResultFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
	}
	return out, nil
}

func readResultFile(path string) ([]*types.OptimizationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.IOFailure{Op: "read", Path: path, Err: err}
	}
	data = bytes.TrimSpace(data)

	if len(data) > 0 && data[0] == '[' {
		var results []*types.OptimizationResult
		if err := json.Unmarshal(data, &results); err != nil {
			return nil, &types.IOFailure{Op: "decode", Path: path, Err: err}
		}
		return results, nil
	}

	var result types.OptimizationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &types.IOFailure{Op: "decode", Path: path, Err: err}
	}
	if result.StrategyName == "" {
		return nil, &types.IOFailure{Op: "decode", Path: path, Err: fmt.Errorf("missing strategy_name")}
	}
	return []*types.OptimizationResult{&result}, nil
}

// BackupPath returns the backup location of path at t.
func BackupPath(path string, t time.Time) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s.%s.bak", strings.TrimSuffix(path, ext), t.UTC().Format(BackupLayout))
}

// freeBackupPath returns BackupPath, or the first "-N" variant of it that does
// not exist yet when several backups land in the same second.
func freeBackupPath(path string, t time.Time) (string, error) {
	base := BackupPath(path, t)
	candidate := base
	for n := 1; ; n++ {
		_, err := os.Stat(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", &types.IOFailure{Op: "stat", Path: candidate, Err: err}
		}
		candidate = fmt.Sprintf("%s-%d.bak", strings.TrimSuffix(base, ".bak"), n)
	}
}

// WriteConfig replaces the YAML configuration at path with doc. An existing
// document is first copied to a timestamped backup, whose path is returned.
func WriteConfig(path string, doc types.ConfigDocument) (string, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", &types.IOFailure{Op: "marshal", Path: path, Err: err}
	}

	var backup string
	prev, err := os.ReadFile(path)
	switch {
	case err == nil:
		if backup, err = freeBackupPath(path, time.Now()); err != nil {
			return "", err
		}
		if err := WriteFileAtomic(backup, prev, 0o644); err != nil {
			return "", err
		}
	case !os.IsNotExist(err):
		return "", &types.IOFailure{Op: "read", Path: path, Err: err}
	}

	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		return backup, err
	}
	return backup, nil
}

// ReadConfig loads a YAML configuration document.
func ReadConfig(path string) (types.ConfigDocument, error) {
	var doc types.ConfigDocument
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, &types.IOFailure{Op: "read", Path: path, Err: err}
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, &types.IOFailure{Op: "decode", Path: path, Err: err}
	}
	return doc, nil
}

// FileName turns a strategy or study name into a safe file name stem. Names
// that had to be rewritten get a short hash of the original appended, so
// "a/b" and "a_b" map to different files.
func FileName(name string) string {
	if name == "" {
		return "unnamed"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	stem := b.String()
	if strings.Trim(stem, ".") == "" {
		stem = "unnamed"
	}
	if stem == name {
		return stem
	}
	sum := sha256.Sum256([]byte(name))
	return stem + "-" + hex.EncodeToString(sum[:4])
}
