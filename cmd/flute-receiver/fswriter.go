package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/fluteproto/flute/endpoint"
	"github.com/fluteproto/flute/object"
)

// fsBuilder mints one fsWriter per object, each writing its bytes to a
// file under destDir named after the object's Content-Location.
type fsBuilder struct {
	destDir          string
	enableMD5Check   bool
	keepPartialFiles bool
}

func newFSBuilder(destDir string, enableMD5Check, keepPartialFiles bool) (*fsBuilder, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	return &fsBuilder{destDir: destDir, enableMD5Check: enableMD5Check, keepPartialFiles: keepPartialFiles}, nil
}

// sanitizeLocation strips any path components from a Content-Location so
// a malicious or careless FDT entry can't write outside destDir.
func sanitizeLocation(loc string) string {
	loc = filepath.ToSlash(loc)
	loc = strings.TrimPrefix(loc, "/")
	name := filepath.Base(loc)
	if name == "" || name == "." || name == ".." {
		name = "object"
	}
	return name
}

func (b *fsBuilder) NewObjectWriter(ep endpoint.UDPEndpoint, tsi uint64, toiLow, toiHigh uint64, meta object.Metadata, now time.Time) object.BuilderResult {
	name := sanitizeLocation(meta.ContentLocation)
	path := filepath.Join(b.destDir, name)
	glog.Infof("receive: object %d/%d (%s) -> %s", toiLow, toiHigh, meta.ContentLocation, path)
	return object.Store(&fsWriter{
		path:             path,
		enableMD5Check:   b.enableMD5Check,
		keepPartialFiles: b.keepPartialFiles,
	})
}

func (b *fsBuilder) UpdateCacheControl(endpoint.UDPEndpoint, uint64, uint64, uint64, object.Metadata, time.Time) {
}

func (b *fsBuilder) FDTReceived(ep endpoint.UDPEndpoint, tsi uint64, fdtXML string, expires time.Time, transferDuration time.Duration, now time.Time, extTime *time.Time) {
	glog.V(1).Infof("receive: FDT instance from %s (tsi %d), expires %s", ep, tsi, expires)
}

// fsWriter streams one object's bytes to a file, deleting it on failure
// unless keepPartialFiles asks otherwise.
type fsWriter struct {
	path             string
	enableMD5Check   bool
	keepPartialFiles bool
	f                *os.File
}

func (w *fsWriter) Open(time.Time) error {
	f, err := os.Create(w.path)
	if err != nil {
		return err
	}
	w.f = f
	return nil
}

func (w *fsWriter) Write(_ uint32, data []byte, _ time.Time) error {
	_, err := w.f.Write(data)
	return err
}

func (w *fsWriter) Complete(time.Time) {
	if w.f != nil {
		w.f.Close()
	}
	glog.Infof("receive: completed %s", w.path)
}

func (w *fsWriter) Error(time.Time) {
	w.abort("integrity check failed")
}

func (w *fsWriter) Interrupted(time.Time) {
	w.abort("evicted before completion")
}

func (w *fsWriter) abort(reason string) {
	if w.f != nil {
		w.f.Close()
	}
	if w.keepPartialFiles {
		glog.Warningf("receive: %s %s, keeping partial file", w.path, reason)
		return
	}
	glog.Warningf("receive: %s %s, removing partial file", w.path, reason)
	os.Remove(w.path)
}

func (w *fsWriter) EnableMD5Check() bool { return w.enableMD5Check }
