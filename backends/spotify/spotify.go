// Package spotify is a small client for the Spotify Web API. It only covers
// what enrichment needs: a track by id and the genres of its artist.
package spotify

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/backends/cache"
	"github.com/dselans/songsync/clog"
	"github.com/dselans/songsync/util"
)

const (
	DefaultTokenURL = "https://accounts.spotify.com/api/token"
	DefaultAPIURL   = "https://api.spotify.com/v1"

	// Tokens are refreshed this long before Spotify expires them
	tokenLeeway = 60 * time.Second
)

var ErrNotFound = errors.New("not found")

type ISpotify interface {
	Track(ctx context.Context, id string) (*Track, error)
	Artist(ctx context.Context, id string) (*Artist, error)
	TrackInfo(ctx context.Context, id string) (*TrackInfo, error)
}

type Options struct {
	ClientID     string
	ClientSecret string

	// Optional; default to the public endpoints
	TokenURL string
	APIURL   string

	HTTPClient *http.Client
	Cache      cache.ICache
	Log        clog.ICustomLog
}

type Spotify struct {
	options *Options
	log     clog.ICustomLog

	token        string
	tokenExpires time.Time
	tokenMtx     *sync.Mutex
}

type Track struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Artists []Artist `json:"artists"`
	Album   Album    `json:"album"`

	DurationMS int `json:"duration_ms"`
}

type Album struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ReleaseDate string `json:"release_date"`
}

type Artist struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Genres []string `json:"genres"`
}

// TrackInfo is the flattened view used by the info and albums jobs.
type TrackInfo struct {
	Title       string
	Artist      string
	Album       string
	ReleaseYear string
	DurationSec string
	Genres      []string
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func New(opts *Options) (*Spotify, error) {
	if err := validateOptions(opts); err != nil {
		return nil, errors.Wrap(err, "unable to validate options")
	}

	return &Spotify{
		options:  opts,
		log:      opts.Log.With(zap.String("pkg", "spotify")),
		tokenMtx: &sync.Mutex{},
	}, nil
}

// Track fetches a track by Spotify id. A 404 is returned as ErrNotFound.
func (s *Spotify) Track(ctx context.Context, id string) (*Track, error) {
	if id == "" {
		return nil, errors.New("id cannot be empty")
	}

	key := cache.Key(cache.SpotifyTrackPrefix, id)

	if cached, ok := s.fromCache(key); ok {
		if t, ok := cached.(*Track); ok {
			return t, nil
		}
	}

	track := &Track{}

	if err := s.get(ctx, "/tracks/"+url.PathEscape(id), track); err != nil {
		return nil, err
	}

	s.toCache(key, track)

	return track, nil
}

func (s *Spotify) Artist(ctx context.Context, id string) (*Artist, error) {
	if id == "" {
		return nil, errors.New("id cannot be empty")
	}

	key := cache.Key(cache.SpotifyArtistPrefix, id)

	if cached, ok := s.fromCache(key); ok {
		if a, ok := cached.(*Artist); ok {
			return a, nil
		}
	}

	artist := &Artist{}

	if err := s.get(ctx, "/artists/"+url.PathEscape(id), artist); err != nil {
		return nil, err
	}

	s.toCache(key, artist)

	return artist, nil
}

// TrackInfo combines the track with the genres of its first artist. A failed
// artist lookup leaves Genres empty rather than failing the track.
func (s *Spotify) TrackInfo(ctx context.Context, id string) (*TrackInfo, error) {
	_, logger := util.MethodSetup(ctx, s.log, zap.String("method", "TrackInfo"))

	track, err := s.Track(ctx, id)
	if err != nil {
		return nil, err
	}

	info := &TrackInfo{
		Title:       track.Name,
		Album:       track.Album.Name,
		ReleaseYear: ReleaseYear(track.Album.ReleaseDate),
		Genres:      make([]string, 0),
	}

	if track.DurationMS > 0 {
		info.DurationSec = strconv.Itoa(track.DurationMS / 1000)
	}

	if len(track.Artists) == 0 {
		return info, nil
	}

	info.Artist = track.Artists[0].Name

	if track.Artists[0].ID == "" {
		return info, nil
	}

	artist, err := s.Artist(ctx, track.Artists[0].ID)
	if err != nil {
		logger.Warn("Unable to fetch artist genres",
			zap.String("artistID", track.Artists[0].ID), zap.Error(err))

		return info, nil
	}

	info.Genres = artist.Genres

	return info, nil
}

// ReleaseYear returns the year of a Spotify release date, which comes as
// YYYY, YYYY-MM or YYYY-MM-DD.
func ReleaseYear(date string) string {
	date = strings.TrimSpace(date)
	if date == "" {
		return ""
	}

	return strings.SplitN(date, "-", 2)[0]
}

func (s *Spotify) get(ctx context.Context, path string, target any) error {
	token, err := s.accessToken(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to get access token")
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	_, err = util.DoHTTPWithClient(ctx, s.options.HTTPClient, s.options.APIURL+path, http.MethodGet, nil, target, headers)
	if err != nil {
		var statusErr *util.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return errors.Wrapf(ErrNotFound, "path '%s'", path)
		}

		return errors.Wrapf(err, "request to '%s' failed", path)
	}

	return nil
}

// accessToken returns a cached client-credentials token, requesting a new one
// when it is missing or about to expire.
func (s *Spotify) accessToken(ctx context.Context) (string, error) {
	s.tokenMtx.Lock()
	defer s.tokenMtx.Unlock()

	if s.token != "" && time.Now().Before(s.tokenExpires) {
		return s.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	headers := http.Header{}
	headers.Set("Content-Type", "application/x-www-form-urlencoded")

	headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(
		[]byte(s.options.ClientID+":"+s.options.ClientSecret)))

	resp := &tokenResponse{}

	if _, err := util.DoHTTPWithClient(ctx, s.options.HTTPClient, s.options.TokenURL, http.MethodPost,
		[]byte(form.Encode()), resp, headers); err != nil {
		return "", err
	}

	if resp.AccessToken == "" {
		return "", errors.New("token response did not contain an access token")
	}

	s.token = resp.AccessToken
	s.tokenExpires = time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - tokenLeeway)

	return s.token, nil
}

func (s *Spotify) fromCache(key string) (interface{}, bool) {
	if s.options.Cache == nil {
		return nil, false
	}

	return s.options.Cache.Get(key)
}

func (s *Spotify) toCache(key string, value interface{}) {
	if s.options.Cache == nil {
		return
	}

	s.options.Cache.Set(key, value)
}

func validateOptions(opts *Options) error {
	if opts == nil {
		return errors.New("options cannot be nil")
	}

	if opts.ClientID == "" {
		return errors.New("client id cannot be empty")
	}

	if opts.ClientSecret == "" {
		return errors.New("client secret cannot be empty")
	}

	if opts.Log == nil {
		return errors.New("log cannot be nil")
	}

	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
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
