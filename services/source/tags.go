package source

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dhowden/tag"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/clog"
	"github.com/dselans/songsync/services/reconcile"
)

// Fields produced by the tag source.
const (
	TagTitle  = "title"
	TagArtist = "artist"
	TagAlbum  = "album"
	TagYear   = "year"
	TagGenre  = "genre"
	TagPath   = "path"
)

var SupportedExtensions = []string{".mp3", ".m4a", ".flac", ".ogg", ".dsf"}

// Tags yields one record per audio file under a directory, in path order.
type Tags struct {
	files []string
	next  int
	log   clog.ICustomLog
}

func NewTags(dir string, log clog.ICustomLog) (*Tags, error) {
	if log == nil {
		return nil, errors.New("log cannot be nil")
	}

	files := make([]string, 0)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || !isSupported(path) {
			return nil
		}

		files = append(files, path)

		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to scan '%s'", dir)
	}

	sort.Strings(files)

	return &Tags{
		files: files,
		log:   log.With(zap.String("pkg", "source"), zap.String("source", "tags")),
	}, nil
}

func (t *Tags) Fields() []string {
	return []string{TagTitle, TagArtist, TagAlbum, TagYear, TagGenre, TagPath}
}

// Len is the number of audio files found.
func (t *Tags) Len() int {
	return len(t.files)
}

func (t *Tags) Next() (reconcile.Record, error) {
	if t.next >= len(t.files) {
		return nil, io.EOF
	}

	path := t.files[t.next]
	t.next++

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRecord, "unable to open '%s': %s", path, err)
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRecord, "unable to read tags of '%s': %s", path, err)
	}

	year := ""
	if m.Year() > 0 {
		year = strconv.Itoa(m.Year())
	}

	return reconcile.Record{
		TagTitle:  strings.TrimSpace(m.Title()),
		TagArtist: strings.TrimSpace(m.Artist()),
		TagAlbum:  strings.TrimSpace(m.Album()),
		TagYear:   year,
		TagGenre:  strings.TrimSpace(m.Genre()),
		TagPath:   path,
	}, nil
}

func (t *Tags) Close() error {
	return nil
}

func isSupported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))

	for _, e := range SupportedExtensions {
		if ext == e {
			return true
		}
	}

	return false
}
