// Package songbpm queries the GetSongBPM API for song tempo.
package songbpm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/backends/cache"
	"github.com/dselans/songsync/clog"
	"github.com/dselans/songsync/util"
)

const DefaultAPIURL = "https://api.getsongbpm.com"

var ErrNotFound = errors.New("song not found")

type ISongBPM interface {
	Tempo(ctx context.Context, title, artist string) (string, error)
}

type Options struct {
	APIKey     string
	APIURL     string
	HTTPClient *http.Client
	Cache      cache.ICache
	Log        clog.ICustomLog
}

type SongBPM struct {
	options *Options
	log     clog.ICustomLog
}

type SearchHit struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Artist struct {
		Name string `json:"name"`
	} `json:"artist"`
}

type Song struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Tempo string `json:"tempo"`
	Key   string `json:"key_of"`
}

type searchResponse struct {
	Search json.RawMessage `json:"search"`
}

type songResponse struct {
	Song Song `json:"song"`
}

func New(opts *Options) (*SongBPM, error) {
	if err := validateOptions(opts); err != nil {
		return nil, errors.Wrap(err, "unable to validate options")
	}

	return &SongBPM{
		options: opts,
		log:     opts.Log.With(zap.String("pkg", "songbpm")),
	}, nil
}

// Search returns the hits for title, preferring those whose artist matches.
func (s *SongBPM) Search(ctx context.Context, title, artist string) ([]SearchHit, error) {
	query := url.Values{}
	query.Set("api_key", s.options.APIKey)
	query.Set("type", "both")
	query.Set("lookup", "song:"+title+" artist:"+artist)

	if artist == "" {
		query.Set("type", "song")
		query.Set("lookup", title)
	}

	resp := &searchResponse{}

	if _, err := util.DoHTTPWithClient(ctx, s.options.HTTPClient,
		s.options.APIURL+"/search/?"+query.Encode(), http.MethodGet, nil, resp); err != nil {
		return nil, errors.Wrap(err, "search request failed")
	}

	// No results come back as {"search": {"error": "no result"}}
	hits := make([]SearchHit, 0)

	if len(resp.Search) == 0 || resp.Search[0] != '[' {
		return hits, nil
	}

	if err := json.Unmarshal(resp.Search, &hits); err != nil {
		return nil, errors.Wrap(err, "unable to decode search results")
	}

	return hits, nil
}

func (s *SongBPM) Song(ctx context.Context, id string) (*Song, error) {
	query := url.Values{}
	query.Set("api_key", s.options.APIKey)
	query.Set("id", id)

	resp := &songResponse{}

	if _, err := util.DoHTTPWithClient(ctx, s.options.HTTPClient,
		s.options.APIURL+"/song/?"+query.Encode(), http.MethodGet, nil, resp); err != nil {
		return nil, errors.Wrapf(err, "song request for '%s' failed", id)
	}

	return &resp.Song, nil
}

// Tempo searches for the song and returns the integer tempo of the best hit.
func (s *SongBPM) Tempo(ctx context.Context, title, artist string) (string, error) {
	_, logger := util.MethodSetup(ctx, s.log, zap.String("method", "Tempo"))

	key := cache.Key(cache.SongBPMSearchPrefix, title, artist)

	if s.options.Cache != nil {
		if cached, ok := s.options.Cache.Get(key); ok {
			if t, ok := cached.(string); ok {
				return t, nil
			}
		}
	}

	hits, err := s.Search(ctx, title, artist)
	if err != nil {
		return "", err
	}

	hit, ok := bestHit(hits, artist)
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "'%s' by '%s'", title, artist)
	}

	song, err := s.Song(ctx, hit.ID)
	if err != nil {
		return "", err
	}

	tempo, err := NormalizeTempo(song.Tempo)
	if err != nil {
		logger.Warn("Unusable tempo", zap.String("songID", hit.ID), zap.String("tempo", song.Tempo))
		return "", errors.Wrapf(ErrNotFound, "no tempo for '%s'", title)
	}

	if s.options.Cache != nil {
		s.options.Cache.Set(key, tempo)
	}

	return tempo, nil
}

func bestHit(hits []SearchHit, artist string) (SearchHit, bool) {
	if len(hits) == 0 {
		return SearchHit{}, false
	}

	for _, h := range hits {
		if strings.EqualFold(strings.TrimSpace(h.Artist.Name), strings.TrimSpace(artist)) {
			return h, true
		}
	}

	return hits[0], true
}

// NormalizeTempo rounds a tempo such as "117.5" to an integer string.
func NormalizeTempo(tempo string) (string, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(tempo), 64)
	if err != nil {
		return "", errors.Wrapf(err, "invalid tempo '%s'", tempo)
	}

	if f <= 0 {
		return "", errors.Errorf("invalid tempo '%s'", tempo)
	}

	return strconv.Itoa(int(f + 0.5)), nil
}

func validateOptions(opts *Options) error {
	if opts == nil {
		return errors.New("options cannot be nil")
	}

	if opts.APIKey == "" {
		return errors.New("api key cannot be empty")
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
