package qstore

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/kardianos/qcert/qdef"
)

// metaFileName is the metadata file kept inside each DirAdapter store.
const metaFileName = "store.conf"

// metaValues holds the key-value pairs of a metadata file.
// Format:
//
//	key=T{text value}
//	key=T{
//	multi-line text
//	}
//	key=B{base64}
//	key=B{
//	base64 over
//	multiple lines
//	}
//
// Text is used when a value holds only printable ASCII and no braces;
// anything else is written as base64. Lines starting with # are comments.
type metaValues map[string][]byte

func needsBase64(data []byte) bool {
	for _, b := range data {
		switch {
		case b < 0x20 && b != '\n' && b != '\t':
			return true
		case b >= 0x7f, b == '{', b == '}':
			return true
		}
	}
	return false
}

func decodeMetaValue(key string, binary bool, body []byte) ([]byte, error) {
	if !binary {
		return bytes.Clone(bytes.Trim(body, "\n")), nil
	}
	out, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		return nil, fmt.Errorf("decode base64 for key %q: %w", key, err)
	}
	return out, nil
}

func readMeta(r io.Reader) (metaValues, error) {
	mv := make(metaValues)
	scanner := bufio.NewScanner(r)

	var (
		pending string
		binary  bool
		body    bytes.Buffer
	)
	for scanner.Scan() {
		line := scanner.Text()

		if pending != "" {
			if line != "}" {
				if body.Len() > 0 {
					body.WriteByte('\n')
				}
				body.WriteString(line)
				continue
			}
			v, err := decodeMetaValue(pending, binary, body.Bytes())
			if err != nil {
				return nil, err
			}
			mv[pending] = v
			pending = ""
			body.Reset()
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case value == "T{" || value == "B{":
			pending = key
			binary = value == "B{"
		case len(value) >= 3 && value[1] == '{' && strings.HasSuffix(value, "}") && (value[0] == 'T' || value[0] == 'B'):
			v, err := decodeMetaValue(key, value[0] == 'B', []byte(value[2:len(value)-1]))
			if err != nil {
				return nil, err
			}
			mv[key] = v
		}
	}
	if pending != "" {
		return nil, fmt.Errorf("unterminated value for key %q", pending)
	}
	return mv, scanner.Err()
}

func writeMeta(w io.Writer, mv metaValues) error {
	keys := make([]string, 0, len(mv))
	for k := range mv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := mv[key]
		var err error
		switch {
		case needsBase64(value):
			encoded := base64.StdEncoding.EncodeToString(value)
			if len(encoded) <= 60 {
				_, err = fmt.Fprintf(w, "%s=B{%s}\n\n", key, encoded)
				break
			}
			if _, err = fmt.Fprintf(w, "%s=B{\n", key); err != nil {
				return err
			}
			for len(encoded) > 0 {
				n := min(60, len(encoded))
				if _, err = fmt.Fprintf(w, "%s\n", encoded[:n]); err != nil {
					return err
				}
				encoded = encoded[n:]
			}
			_, err = io.WriteString(w, "}\n\n")
		case bytes.Contains(value, []byte{'\n'}):
			_, err = fmt.Fprintf(w, "%s=T{\n%s\n}\n\n", key, value)
		default:
			_, err = fmt.Fprintf(w, "%s=T{%s}\n\n", key, value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// storeMeta is the decoded metadata of one DirAdapter store.
type storeMeta struct {
	Name     string
	Created  time.Time
	Archived map[qdef.Thumbprint]bool
}

const (
	metaKeyName     = "name"
	metaKeyCreated  = "created"
	metaKeyArchived = "archived"
)

// loadMeta reads the metadata file at path. A missing file yields empty metadata.
func loadMeta(path string) (*storeMeta, error) {
	m := &storeMeta{Archived: make(map[qdef.Thumbprint]bool)}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mv, err := readMeta(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	m.Name = string(mv[metaKeyName])
	if v := mv[metaKeyCreated]; len(v) > 0 {
		if t, err := time.Parse(time.RFC3339, string(v)); err == nil {
			m.Created = t
		}
	}
	for _, line := range strings.Split(string(mv[metaKeyArchived]), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		tp, err := qdef.ParseThumbprint(line)
		if err != nil {
			continue
		}
		m.Archived[tp] = true
	}
	return m, nil
}

// save writes the metadata atomically to path.
func (m *storeMeta) save(path string) error {
	mv := metaValues{metaKeyName: []byte(m.Name)}
	if !m.Created.IsZero() {
		mv[metaKeyCreated] = []byte(m.Created.UTC().Format(time.RFC3339))
	}
	if len(m.Archived) > 0 {
		list := make([]string, 0, len(m.Archived))
		for tp, ok := range m.Archived {
			if ok {
				list = append(list, tp.String())
			}
		}
		sort.Strings(list)
		mv[metaKeyArchived] = []byte(strings.Join(list, "\n"))
	}

	var buf bytes.Buffer
	if err := writeMeta(&buf, mv); err != nil {
		return err
	}
	return atomicWriteFile(path, buf.Bytes(), 0600)
}
