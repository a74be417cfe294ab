// Package registrytest provides an in-process fake of the formula catalog
// and its bottle CDN for tests: formula JSON under /<name>.json, bottle
// archives under /bottles/<file>.
package registrytest

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"

	"github.com/tj-moody/zerobrew/pkg/digest"
)

// Server is a fake catalog plus bottle CDN.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	formulas map[string]any
	bottles  map[string][]byte
	hits     map[string]int
}

// New starts the fake registry; it shuts down with the test.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		formulas: make(map[string]any),
		bottles:  make(map[string][]byte),
		hits:     make(map[string]int),
	}

	r := chi.NewRouter()
	r.Get("/{name}.json", func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		name := chi.URLParam(req, "name")
		s.hits["formula:"+name]++
		f, ok := s.formulas[name]
		if !ok {
			http.NotFound(w, req)
			return
		}
		_ = json.NewEncoder(w).Encode(f)
	})
	r.Get("/bottles/{file}", func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		file := chi.URLParam(req, "file")
		s.hits["bottle:"+file]++
		data, ok := s.bottles[file]
		if !ok {
			http.NotFound(w, req)
			return
		}
		_, _ = w.Write(data)
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// AddFormula registers a formula whose bottle is the given archive. The
// bottle is published for the "all" platform tag and served under
// /bottles/<name>-<version>.tar.gz. Returns the archive digest.
func (s *Server) AddFormula(name, version string, deps []string, archive []byte) digest.Digest {
	d := digest.FromBytes(archive)
	file := fmt.Sprintf("%s-%s.tar.gz", name, version)

	s.mu.Lock()
	defer s.mu.Unlock()
	if deps == nil {
		deps = []string{}
	}
	s.bottles[file] = archive
	s.formulas[name] = map[string]any{
		"name":         name,
		"versions":     map[string]any{"stable": version},
		"revision":     0,
		"dependencies": deps,
		"bottle": map[string]any{
			"stable": map[string]any{
				"rebuild": 0,
				"files": map[string]any{
					"all": map[string]any{
						"url":    s.URL + "/bottles/" + file,
						"sha256": d.String(),
					},
				},
			},
		},
	}
	return d
}

// CorruptBottle replaces the served bytes of a bottle without updating the
// declared sha256.
func (s *Server) CorruptBottle(name, version string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bottles[fmt.Sprintf("%s-%s.tar.gz", name, version)] = data
}

// Hits returns how many times a formula or bottle was requested. Keys are
// "formula:<name>" and "bottle:<name>-<version>.tar.gz".
func (s *Server) Hits(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key]
}

// Bottle builds a minimal gzipped bottle archive laid out as
// <name>/<version>/bin/<name> plus a share/man page.
func Bottle(t *testing.T, name, version string) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	exe := "#!/bin/sh\necho " + name
	man := ".TH " + name + " 1"
	entries := []struct {
		hdr  tar.Header
		body string
	}{
		{tar.Header{Name: name + "/" + version + "/", Typeflag: tar.TypeDir, Mode: 0o755}, ""},
		{tar.Header{Name: name + "/" + version + "/bin/", Typeflag: tar.TypeDir, Mode: 0o755}, ""},
		{tar.Header{Name: name + "/" + version + "/bin/" + name, Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(exe))}, exe},
		{tar.Header{Name: name + "/" + version + "/share/man/man1/", Typeflag: tar.TypeDir, Mode: 0o755}, ""},
		{tar.Header{Name: name + "/" + version + "/share/man/man1/" + name + ".1", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(man))}, man},
	}
	for _, e := range entries {
		if err := tw.WriteHeader(&e.hdr); err != nil {
			t.Fatal(err)
		}
		if e.body != "" {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(tarBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
