// Package deezer searches the public Deezer catalogue and downloads 30s
// track previews.
package deezer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/backends/cache"
	"github.com/dselans/songsync/clog"
	"github.com/dselans/songsync/util"
)

const DefaultAPIURL = "https://api.deezer.com"

var (
	ErrNoPreview = errors.New("track has no preview")

	unsafeFilenameRegex = regexp.MustCompile(`[<>:"/\\|?*]`)
)

type IDeezer interface {
	Search(ctx context.Context, title, artist string) (*SearchResult, error)
	DownloadPreview(ctx context.Context, track *Track, dir string, force bool) (string, error)
}

type Options struct {
	APIURL     string
	HTTPClient *http.Client
	Cache      cache.ICache
	Log        clog.ICustomLog
}

type Deezer struct {
	options *Options
	log     clog.ICustomLog
}

type Track struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Duration int    `json:"duration"`
	Preview  string `json:"preview"`
	Artist   struct {
		Name string `json:"name"`
	} `json:"artist"`
	Album struct {
		Title string `json:"title"`
	} `json:"album"`
}

// SearchResult holds the raw response (archived as-is) and its first hit.
// Track is nil when the search returned nothing.
type SearchResult struct {
	Raw   json.RawMessage
	Track *Track
}

type searchResponse struct {
	Data  []Track `json:"data"`
	Total int     `json:"total"`
}

func New(opts *Options) (*Deezer, error) {
	if err := validateOptions(opts); err != nil {
		return nil, errors.Wrap(err, "unable to validate options")
	}

	return &Deezer{
		options: opts,
		log:     opts.Log.With(zap.String("pkg", "deezer")),
	}, nil
}

// Search looks up `title artist:'artist'` and returns the first result.
func (d *Deezer) Search(ctx context.Context, title, artist string) (*SearchResult, error) {
	if title == "" {
		return nil, errors.New("title cannot be empty")
	}

	key := cache.Key(cache.DeezerSearchPrefix, title, artist)

	if d.options.Cache != nil {
		if cached, ok := d.options.Cache.Get(key); ok {
			if r, ok := cached.(*SearchResult); ok {
				return r, nil
			}
		}
	}

	query := url.Values{}
	query.Set("q", fmt.Sprintf("%s artist:'%s'", title, artist))

	raw := json.RawMessage{}

	if _, err := util.DoHTTPWithClient(ctx, d.options.HTTPClient,
		d.options.APIURL+"/search?"+query.Encode(), http.MethodGet, nil, &raw); err != nil {
		return nil, errors.Wrap(err, "search request failed")
	}

	resp := &searchResponse{}
	if err := json.Unmarshal(raw, resp); err != nil {
		return nil, errors.Wrap(err, "unable to decode search response")
	}

	result := &SearchResult{Raw: raw}

	if len(resp.Data) > 0 {
		result.Track = &resp.Data[0]
	}

	if d.options.Cache != nil {
		d.options.Cache.Set(key, result)
	}

	return result, nil
}

// DownloadPreview saves the preview of track into dir as
// <title>_<artist>.mp3 and returns the path. An existing file is kept unless
// force is set.
func (d *Deezer) DownloadPreview(ctx context.Context, track *Track, dir string, force bool) (string, error) {
	_, logger := util.MethodSetup(ctx, d.log, zap.String("method", "DownloadPreview"))

	if track == nil || track.Preview == "" {
		return "", ErrNoPreview
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "unable to create dir '%s'", dir)
	}

	path := filepath.Join(dir, PreviewFilename(track.Title, track.Artist.Name))

	if !force {
		if _, err := os.Stat(path); err == nil {
			logger.Info("Preview already exists", zap.String("path", path))
			return path, nil
		}
	}

	tmp, err := os.CreateTemp(dir, ".preview-*")
	if err != nil {
		return "", errors.Wrap(err, "unable to create temp file")
	}

	defer os.Remove(tmp.Name())

	n, err := util.Download(ctx, d.options.HTTPClient, track.Preview, tmp)
	if err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "unable to download preview")
	}

	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "unable to close temp file")
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.Wrapf(err, "unable to move preview to '%s'", path)
	}

	logger.Info("Downloaded preview", zap.String("path", path), zap.Int64("bytes", n))

	return path, nil
}

// SaveRaw writes the raw search response to dir/<id>.json.
func SaveRaw(dir, id string, raw json.RawMessage) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "unable to create dir '%s'", dir)
	}

	path := filepath.Join(dir, SanitizeFilename(id)+".json")

	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", errors.Wrapf(err, "unable to write '%s'", path)
	}

	return path, nil
}

func PreviewFilename(title, artist string) string {
	return SanitizeFilename(title) + "_" + SanitizeFilename(artist) + ".mp3"
}

// SanitizeFilename drops characters that are invalid in file names on common
// filesystems and replaces spaces with underscores.
func SanitizeFilename(s string) string {
	return strings.ReplaceAll(unsafeFilenameRegex.ReplaceAllString(s, ""), " ", "_")
}

func validateOptions(opts *Options) error {
	if opts == nil {
		return errors.New("options cannot be nil")
	}

	if opts.Log == nil {
		return errors.New("log cannot be nil")
	}

	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}

	opts.APIURL = strings.TrimRight(opts.APIURL, "/")

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: util.DefaultHTTPTimeout}
	}

	return nil
}
